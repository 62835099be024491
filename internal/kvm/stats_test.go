package kvm

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func buildStats(nameSize int, descs []StatsDesc, data []uint64) []byte {
	var buf bytes.Buffer
	descOff := 24 + 8
	descLen := (16 + nameSize) * len(descs)
	dataOff := descOff + descLen

	binary.Write(&buf, binary.NativeEndian, StatsHeader{
		NameSize:   uint32(nameSize),
		NumDesc:    uint32(len(descs)),
		IDOffset:   24,
		DescOffset: uint32(descOff),
		DataOffset: uint32(dataOff),
	})
	buf.WriteString("kvm-1\x00\x00\x00")

	for _, d := range descs {
		binary.Write(&buf, binary.NativeEndian, statsDescHeader{
			Flags:      d.Flags,
			Exponent:   d.Exponent,
			Size:       d.Size,
			Offset:     d.Offset,
			BucketSize: d.BucketSize,
		})
		name := make([]byte, nameSize)
		copy(name, d.Name)
		buf.Write(name)
	}

	binary.Write(&buf, binary.NativeEndian, data)
	return buf.Bytes()
}

func TestReadStats(t *testing.T) {
	raw := buildStats(48, []StatsDesc{
		{Flags: StatsTypeCumulative | StatsUnitNone, Size: 1, Offset: 0, Name: "remote_tlb_flush"},
		{Flags: StatsTypeLogHist | StatsUnitSeconds | StatsBasePow10, Exponent: -9, Size: 3, Offset: 8, Name: "halt_wait_hist"},
	}, []uint64{42, 1, 2, 3})

	r := bytes.NewReader(raw)

	hdr, err := ReadStatsHeader(r)
	if err != nil {
		t.Fatalf("ReadStatsHeader: %v", err)
	}
	descs, err := ReadStatsDescriptors(r, hdr)
	if err != nil {
		t.Fatalf("ReadStatsDescriptors: %v", err)
	}
	if len(descs) != 2 {
		t.Fatalf("got %d descriptors, want 2", len(descs))
	}
	if descs[1].Name != "halt_wait_hist" || descs[1].Type() != StatsTypeLogHist || descs[1].Unit() != StatsUnitSeconds {
		t.Fatalf("unexpected descriptor %+v", descs[1])
	}

	id, err := ReadStatsID(r, hdr)
	if err != nil {
		t.Fatalf("ReadStatsID: %v", err)
	}
	if id != "kvm-1" {
		t.Fatalf("id = %q", id)
	}

	data, err := ReadStatsData(r, hdr, descs)
	if err != nil {
		t.Fatalf("ReadStatsData: %v", err)
	}
	vals := descs[0].Values(data)
	if len(vals) != 1 || vals[0] != 42 {
		t.Fatalf("remote_tlb_flush = %v", vals)
	}

	vals = descs[1].Values(data)
	if len(vals) != 3 || vals[2] != 3 {
		t.Fatalf("halt_wait_hist = %v", vals)
	}
}

func TestReadStatsShort(t *testing.T) {
	raw := buildStats(16, []StatsDesc{{Size: 4, Name: "x"}}, []uint64{1})

	r := bytes.NewReader(raw)
	hdr, err := ReadStatsHeader(r)
	if err != nil {
		t.Fatalf("ReadStatsHeader: %v", err)
	}
	descs, err := ReadStatsDescriptors(r, hdr)
	if err != nil {
		t.Fatalf("ReadStatsDescriptors: %v", err)
	}

	_, err = ReadStatsData(r, hdr, descs)
	var short *ShortReadError
	if !errors.As(err, &short) {
		t.Fatalf("expected ShortReadError, got %v", err)
	}
	if short.Expected != 32 || short.Actual != 8 {
		t.Fatalf("short read %d/%d", short.Actual, short.Expected)
	}
}
