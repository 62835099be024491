// Package timeslice records how long each phase of the accelerator takes
// (slot commits, ring reaps, guest run time, exit handling) as a stream of
// fixed size records that can be summarised offline.
package timeslice

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	Magic   uint32 = 0x4b565453 // "KVTS"
	Version uint32 = 1

	// The kinds table is padded so records start on a page boundary.
	headerAlign = 4096
	recordSize  = 16
)

type header struct {
	Magic      uint32
	Version    uint32
	KindsBytes uint32
}

type Kind uint32

type Flags uint32

const (
	// FlagGuestTime marks time spent inside KVM_RUN.
	FlagGuestTime Flags = 1 << iota
	// FlagSetup marks one-time initialisation.
	FlagSetup
)

func (f Flags) String() string {
	var parts []string
	if f&FlagGuestTime != 0 {
		parts = append(parts, "guest")
	}
	if f&FlagSetup != 0 {
		parts = append(parts, "setup")
	}
	return strings.Join(parts, ",")
}

type kindInfo struct {
	Name  string `json:"name"`
	Flags Flags  `json:"flags"`
}

var (
	kindsMu sync.Mutex
	kinds   = map[Kind]kindInfo{}
)

// RegisterKind allocates an id for a named phase. Call it from package
// initialisation; kinds registered after Open are not in the file header.
func RegisterKind(name string, flags Flags) Kind {
	kindsMu.Lock()
	defer kindsMu.Unlock()

	id := Kind(len(kinds) + 1)
	kinds[id] = kindInfo{Name: name, Flags: flags}
	return id
}

type record struct {
	kind Kind
	dur  time.Duration
}

type recording struct {
	w    io.Writer
	ch   chan record
	done chan error
}

var active atomic.Pointer[recording]

func (r *recording) run() {
	bw := bufio.NewWriterSize(r.w, headerAlign)

	var buf [recordSize]byte
	for rec := range r.ch {
		binary.LittleEndian.PutUint64(buf[0:8], uint64(rec.kind))
		binary.LittleEndian.PutUint64(buf[8:16], uint64(rec.dur))
		if _, err := bw.Write(buf[:]); err != nil {
			// Drain so Record never blocks on a dead writer.
			for range r.ch {
			}
			r.done <- err
			return
		}
	}

	r.done <- bw.Flush()
}

func (r *recording) Close() error {
	if !active.CompareAndSwap(r, nil) {
		return fmt.Errorf("timeslice: already closed")
	}
	close(r.ch)
	if err := <-r.done; err != nil {
		return fmt.Errorf("timeslice: write records: %w", err)
	}
	return nil
}

// Open starts a recording to w. Only one recording can be active.
func Open(w io.Writer) (io.Closer, error) {
	if active.Load() != nil {
		return nil, fmt.Errorf("timeslice: already open")
	}

	kindsMu.Lock()
	table, err := json.Marshal(kinds)
	kindsMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("timeslice: marshal kinds: %w", err)
	}

	hdr := header{Magic: Magic, Version: Version, KindsBytes: uint32(len(table))}
	if err := binary.Write(w, binary.LittleEndian, hdr); err != nil {
		return nil, fmt.Errorf("timeslice: write header: %w", err)
	}
	if _, err := w.Write(table); err != nil {
		return nil, fmt.Errorf("timeslice: write kinds: %w", err)
	}
	if pad := padding(binary.Size(hdr) + len(table)); pad > 0 {
		if _, err := w.Write(make([]byte, pad)); err != nil {
			return nil, fmt.Errorf("timeslice: write padding: %w", err)
		}
	}

	rec := &recording{
		w:    w,
		ch:   make(chan record, 4096),
		done: make(chan error, 1),
	}
	if !active.CompareAndSwap(nil, rec) {
		return nil, fmt.Errorf("timeslice: already open")
	}
	go rec.run()

	return rec, nil
}

func padding(n int) int {
	if n%headerAlign == 0 {
		return 0
	}
	return headerAlign - n%headerAlign
}

// Record appends one sample when a recording is active.
func Record(kind Kind, d time.Duration) {
	if r := active.Load(); r != nil {
		r.ch <- record{kind: kind, dur: d}
	}
}

// Recorder measures consecutive phases on one goroutine.
type Recorder struct {
	last time.Time
}

func NewRecorder() *Recorder {
	return &Recorder{last: time.Now()}
}

// Record attributes the time since the previous call to kind.
func (r *Recorder) Record(kind Kind) {
	now := time.Now()
	Record(kind, now.Sub(r.last))
	r.last = now
}

// Since records the time elapsed from start.
func Since(kind Kind, start time.Time) {
	Record(kind, time.Since(start))
}

// ReadAllRecords decodes a recording, calling fn for each sample in order.
func ReadAllRecords(r io.Reader, fn func(name string, flags Flags, d time.Duration) error) error {
	br := bufio.NewReaderSize(r, headerAlign)

	var hdr header
	if err := binary.Read(br, binary.LittleEndian, &hdr); err != nil {
		return fmt.Errorf("timeslice: read header: %w", err)
	}
	if hdr.Magic != Magic {
		return fmt.Errorf("timeslice: bad magic %#x", hdr.Magic)
	}
	if hdr.Version != Version {
		return fmt.Errorf("timeslice: unsupported version %d", hdr.Version)
	}

	table := map[Kind]kindInfo{}
	if err := json.NewDecoder(io.LimitReader(br, int64(hdr.KindsBytes))).Decode(&table); err != nil {
		return fmt.Errorf("timeslice: decode kinds: %w", err)
	}
	if _, err := br.Discard(padding(binary.Size(hdr) + int(hdr.KindsBytes))); err != nil {
		return fmt.Errorf("timeslice: skip padding: %w", err)
	}

	var buf [recordSize]byte
	for {
		if _, err := io.ReadFull(br, buf[:]); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("timeslice: read record: %w", err)
		}
		kind := Kind(binary.LittleEndian.Uint64(buf[0:8]))
		info, ok := table[kind]
		if !ok {
			return fmt.Errorf("timeslice: unknown kind %d", kind)
		}
		if err := fn(info.Name, info.Flags, time.Duration(binary.LittleEndian.Uint64(buf[8:16]))); err != nil {
			return err
		}
	}
}

// Summary aggregates the samples of one kind.
type Summary struct {
	Name  string
	Flags Flags
	Count int
	Total time.Duration
	Max   time.Duration
}

func (s Summary) Mean() time.Duration {
	if s.Count == 0 {
		return 0
	}
	return s.Total / time.Duration(s.Count)
}

// Summarize reads a recording and returns per-kind totals sorted by total
// time, largest first.
func Summarize(r io.Reader) ([]Summary, error) {
	byName := map[string]*Summary{}
	if err := ReadAllRecords(r, func(name string, flags Flags, d time.Duration) error {
		s, ok := byName[name]
		if !ok {
			s = &Summary{Name: name, Flags: flags}
			byName[name] = s
		}
		s.Count++
		s.Total += d
		s.Max = max(s.Max, d)
		return nil
	}); err != nil {
		return nil, err
	}

	ret := make([]Summary, 0, len(byName))
	for _, s := range byName {
		ret = append(ret, *s)
	}
	slices.SortFunc(ret, func(a, b Summary) int {
		if a.Total != b.Total {
			if a.Total > b.Total {
				return -1
			}
			return 1
		}
		return strings.Compare(a.Name, b.Name)
	})
	return ret, nil
}
