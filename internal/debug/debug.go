// Package debug is a low-overhead binary trace of every request issued to
// the kernel. Writers reserve space with an atomic offset and write with
// WriteAt, so concurrent vCPU threads never contend on a lock.
//
// Each entry is a 16 byte header followed by the source and the payload:
//
//	u32 payload length
//	u16 source length
//	u16 kind
//	u64 timestamp (unix nanoseconds)
package debug

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type Kind uint16

const (
	KindInvalid Kind = iota
	KindBytes
	KindString
)

func (k Kind) String() string {
	switch k {
	case KindBytes:
		return "bytes"
	case KindString:
		return "string"
	default:
		return "invalid"
	}
}

const headerSize = 16

// Writer is the sink a trace is written to.
type Writer interface {
	io.WriterAt
	io.Closer
}

type sink struct {
	w      Writer
	offset atomic.Int64
}

var current atomic.Pointer[sink]

// ErrAlreadyOpen is returned by Open when a previous sink was replaced.
// Entries racing with the swap may land in either sink.
var ErrAlreadyOpen = errors.New("debug: already open, replaced previous writer")

// Open starts tracing to w.
func Open(w Writer) error {
	if old := current.Swap(&sink{w: w}); old != nil {
		return ErrAlreadyOpen
	}
	return nil
}

// OpenFile truncates filename and traces to it.
func OpenFile(filename string) error {
	f, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	return Open(f)
}

// Close stops tracing and closes the sink.
func Close() error {
	s := current.Swap(nil)
	if s == nil {
		return nil
	}
	return s.w.Close()
}

// Enabled reports whether a sink is open.
func Enabled() bool {
	return current.Load() != nil
}

func write(kind Kind, source string, data []byte) {
	s := current.Load()
	if s == nil {
		return
	}

	if len(source) > 0xffff {
		source = source[:0xffff]
	}

	buf := make([]byte, headerSize+len(source)+len(data))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(data)))
	binary.LittleEndian.PutUint16(buf[4:6], uint16(len(source)))
	binary.LittleEndian.PutUint16(buf[6:8], uint16(kind))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(time.Now().UnixNano()))
	copy(buf[headerSize:], source)
	copy(buf[headerSize+len(source):], data)

	off := s.offset.Add(int64(len(buf))) - int64(len(buf))
	if _, err := s.w.WriteAt(buf, off); err != nil {
		panic(fmt.Errorf("debug: write trace: %w", err))
	}
}

func WriteBytes(source string, data []byte) {
	write(KindBytes, source, data)
}

func Write(source string, data string) {
	write(KindString, source, []byte(data))
}

func Writef(source string, format string, args ...any) {
	if current.Load() == nil {
		return
	}
	write(KindString, source, fmt.Appendf(nil, format, args...))
}

// Source binds a source name for repeated writes.
type Source string

func WithSource(source string) Source { return Source(source) }

func (s Source) WriteBytes(data []byte) { write(KindBytes, string(s), data) }
func (s Source) Write(data string)      { write(KindString, string(s), []byte(data)) }
func (s Source) Writef(format string, args ...any) {
	Writef(string(s), format, args...)
}

// Memory is an in-memory Writer.
type Memory struct {
	mu  sync.Mutex
	buf []byte
}

func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if end := int(off) + len(p); end > len(m.buf) {
		m.buf = append(m.buf, make([]byte, end-len(m.buf))...)
	}
	return copy(m.buf[off:], p), nil
}

func (m *Memory) Close() error { return nil }

// Bytes returns a copy of everything written so far.
func (m *Memory) Bytes() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.buf)
}

// Entry is one decoded trace record.
type Entry struct {
	Time   time.Time
	Kind   Kind
	Source string
	Data   []byte
}

// Scan decodes entries in file order. Entries from concurrent writers are
// not necessarily in timestamp order.
func Scan(r io.Reader, fn func(Entry) error) error {
	br := bufio.NewReaderSize(r, 1<<20)

	var hdr [headerSize]byte
	for {
		if _, err := io.ReadFull(br, hdr[:]); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("debug: read header: %w", err)
		}

		dataLen := binary.LittleEndian.Uint32(hdr[0:4])
		srcLen := binary.LittleEndian.Uint16(hdr[4:6])
		kind := Kind(binary.LittleEndian.Uint16(hdr[6:8]))
		ts := int64(binary.LittleEndian.Uint64(hdr[8:16]))

		if kind == KindInvalid {
			return fmt.Errorf("debug: invalid entry kind")
		}

		body := make([]byte, int(srcLen)+int(dataLen))
		if _, err := io.ReadFull(br, body); err != nil {
			return fmt.Errorf("debug: read entry: %w", err)
		}

		if err := fn(Entry{
			Time:   time.Unix(0, ts),
			Kind:   kind,
			Source: string(body[:srcLen]),
			Data:   body[srcLen:],
		}); err != nil {
			return err
		}
	}
}

// Filter selects entries for ReadAll.
type Filter struct {
	// SourcePrefix keeps only sources with this prefix.
	SourcePrefix string
	Since        time.Time
	// Limit keeps the last Limit entries when positive.
	Limit int
}

// ReadAll decodes every matching entry and sorts by timestamp.
func ReadAll(r io.Reader, f Filter) ([]Entry, error) {
	var ret []Entry
	if err := Scan(r, func(e Entry) error {
		if !strings.HasPrefix(e.Source, f.SourcePrefix) {
			return nil
		}
		if !f.Since.IsZero() && e.Time.Before(f.Since) {
			return nil
		}
		ret = append(ret, e)
		return nil
	}); err != nil {
		return nil, err
	}

	slices.SortStableFunc(ret, func(a, b Entry) int {
		return a.Time.Compare(b.Time)
	})

	if f.Limit > 0 && len(ret) > f.Limit {
		ret = ret[len(ret)-f.Limit:]
	}
	return ret, nil
}

// ReadFile is ReadAll on a trace file.
func ReadFile(filename string, f Filter) ([]Entry, error) {
	fh, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer fh.Close()
	return ReadAll(fh, f)
}
