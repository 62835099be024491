package kvm

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"unsafe"
)

// StatsDesc is one decoded kvm_stats_desc.
type StatsDesc struct {
	Flags      uint32
	Exponent   int16
	Size       uint16
	Offset     uint32
	BucketSize uint32
	Name       string
}

func (d StatsDesc) Type() uint32 { return d.Flags & StatsTypeMask }
func (d StatsDesc) Unit() uint32 { return d.Flags & StatsUnitMask }
func (d StatsDesc) Base() uint32 { return d.Flags & StatsBaseMask }

// ShortReadError is returned when a stats fd yields fewer bytes than the
// header promised.
type ShortReadError struct {
	What     string
	Expected int
	Actual   int
}

func (e *ShortReadError) Error() string {
	return fmt.Sprintf("kvm: reading %s: expected %d actual %d", e.What, e.Expected, e.Actual)
}

func readFull(r io.ReaderAt, what string, buf []byte, off int64) error {
	n, err := r.ReadAt(buf, off)
	if n == len(buf) {
		return nil
	}
	if err != nil && err != io.EOF {
		return fmt.Errorf("kvm: reading %s: %w", what, err)
	}
	return &ShortReadError{What: what, Expected: len(buf), Actual: n}
}

// ReadStatsHeader reads the header at offset 0 of a binary stats fd.
func ReadStatsHeader(r io.ReaderAt) (StatsHeader, error) {
	var hdr StatsHeader
	buf := make([]byte, unsafe.Sizeof(hdr))
	if err := readFull(r, "stats header", buf, 0); err != nil {
		return hdr, err
	}
	if err := binary.Read(bytes.NewReader(buf), binary.NativeEndian, &hdr); err != nil {
		return hdr, err
	}
	return hdr, nil
}

// ReadStatsDescriptors reads all descriptors the header announces.
func ReadStatsDescriptors(r io.ReaderAt, hdr StatsHeader) ([]StatsDesc, error) {
	fixed := int(unsafe.Sizeof(statsDescHeader{}))
	stride := fixed + int(hdr.NameSize)

	buf := make([]byte, stride*int(hdr.NumDesc))
	if err := readFull(r, "stats descriptors", buf, int64(hdr.DescOffset)); err != nil {
		return nil, err
	}

	descs := make([]StatsDesc, 0, hdr.NumDesc)
	for i := 0; i < int(hdr.NumDesc); i++ {
		ent := buf[i*stride : (i+1)*stride]

		var h statsDescHeader
		if err := binary.Read(bytes.NewReader(ent[:fixed]), binary.NativeEndian, &h); err != nil {
			return nil, err
		}

		name := ent[fixed:]
		if i := bytes.IndexByte(name, 0); i >= 0 {
			name = name[:i]
		}

		descs = append(descs, StatsDesc{
			Flags:      h.Flags,
			Exponent:   h.Exponent,
			Size:       h.Size,
			Offset:     h.Offset,
			BucketSize: h.BucketSize,
			Name:       string(name),
		})
	}

	return descs, nil
}

// ReadStatsID reads the NUL-terminated identifier at IDOffset.
func ReadStatsID(r io.ReaderAt, hdr StatsHeader) (string, error) {
	buf := make([]byte, hdr.NameSize)
	if err := readFull(r, "stats id", buf, int64(hdr.IDOffset)); err != nil {
		return "", err
	}
	if i := bytes.IndexByte(buf, 0); i >= 0 {
		buf = buf[:i]
	}
	return string(buf), nil
}

// DataSize is the number of bytes of counters the descriptors cover.
func DataSize(descs []StatsDesc) int {
	n := 0
	for _, d := range descs {
		n += int(d.Size) * 8
	}
	return n
}

// ReadStatsData reads the whole counter block in one pread.
func ReadStatsData(r io.ReaderAt, hdr StatsHeader, descs []StatsDesc) ([]byte, error) {
	buf := make([]byte, DataSize(descs))
	if err := readFull(r, "stats data", buf, int64(hdr.DataOffset)); err != nil {
		return nil, err
	}
	return buf, nil
}

// Values returns the descriptor's counters from a block read by
// ReadStatsData. Counters that fall outside data are dropped.
func (d StatsDesc) Values(data []byte) []uint64 {
	vals := make([]uint64, 0, d.Size)
	for i := 0; i < int(d.Size); i++ {
		off := int(d.Offset) + i*8
		if off+8 > len(data) {
			break
		}
		vals = append(vals, binary.NativeEndian.Uint64(data[off:]))
	}
	return vals
}
