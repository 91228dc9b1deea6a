package hv

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"testing"
)

type counterRecord struct {
	V int
}

// counterDevice is a trivial saveable device: one int per instance.
type counterDevice struct {
	values []int
}

func (d *counterDevice) register(r *SaveRegistry, kind RecordKind, failCheck bool) error {
	return r.Register(RecordOps{
		Kind:      kind,
		Name:      fmt.Sprintf("counter-%d", kind),
		Instances: func() int { return len(d.values) },
		Save: func(i int) (any, error) {
			return counterRecord{V: d.values[i]}, nil
		},
		Check: func(i int, dec *gob.Decoder) error {
			var rec counterRecord
			if err := dec.Decode(&rec); err != nil {
				return err
			}
			if failCheck {
				return fmt.Errorf("counter: rejected: %w", ErrBadRecord)
			}
			return nil
		},
		Load: func(i int, dec *gob.Decoder) error {
			var rec counterRecord
			if err := dec.Decode(&rec); err != nil {
				return err
			}
			d.values[i] = rec.V
			return nil
		},
	})
}

func testHash(b byte) VMConfigHash {
	var h VMConfigHash
	h[0] = b
	return h
}

func TestSaveRestoreRoundTrip(t *testing.T) {
	dev := &counterDevice{values: []int{3, 7}}
	reg := NewSaveRegistry(testHash(1))
	if err := dev.register(reg, 1, false); err != nil {
		t.Fatalf("register: %v", err)
	}

	var buf bytes.Buffer
	if err := reg.SaveAll(&buf); err != nil {
		t.Fatalf("SaveAll: %v", err)
	}

	dev.values[0], dev.values[1] = 0, 0
	if err := reg.LoadAll(bytes.NewReader(buf.Bytes())); err != nil {
		t.Fatalf("LoadAll: %v", err)
	}

	if dev.values[0] != 3 || dev.values[1] != 7 {
		t.Fatalf("values = %v, want [3 7]", dev.values)
	}
}

func TestLoadRejectsHashMismatch(t *testing.T) {
	dev := &counterDevice{values: []int{1}}
	reg := NewSaveRegistry(testHash(1))
	if err := dev.register(reg, 1, false); err != nil {
		t.Fatalf("register: %v", err)
	}

	var buf bytes.Buffer
	if err := reg.SaveAll(&buf); err != nil {
		t.Fatalf("SaveAll: %v", err)
	}

	other := NewSaveRegistry(testHash(2))
	if err := dev.register(other, 1, false); err != nil {
		t.Fatalf("register: %v", err)
	}

	err := other.LoadAll(bytes.NewReader(buf.Bytes()))
	if !errors.Is(err, ErrBadRecord) {
		t.Fatalf("LoadAll = %v, want ErrBadRecord", err)
	}
}

func TestLoadRejectsBadMagic(t *testing.T) {
	dev := &counterDevice{values: []int{1}}
	reg := NewSaveRegistry(testHash(1))
	if err := dev.register(reg, 1, false); err != nil {
		t.Fatalf("register: %v", err)
	}

	var buf bytes.Buffer
	if err := reg.SaveAll(&buf); err != nil {
		t.Fatalf("SaveAll: %v", err)
	}
	data := buf.Bytes()
	data[0] ^= 0xff

	err := reg.LoadAll(bytes.NewReader(data))
	if !errors.Is(err, ErrBadRecord) {
		t.Fatalf("LoadAll = %v, want ErrBadRecord", err)
	}
}

func TestLoadRejectsUnknownKind(t *testing.T) {
	dev := &counterDevice{values: []int{1}}
	src := NewSaveRegistry(testHash(1))
	if err := dev.register(src, 9, false); err != nil {
		t.Fatalf("register: %v", err)
	}

	var buf bytes.Buffer
	if err := src.SaveAll(&buf); err != nil {
		t.Fatalf("SaveAll: %v", err)
	}

	dst := NewSaveRegistry(testHash(1))
	err := dst.LoadAll(bytes.NewReader(buf.Bytes()))
	if !errors.Is(err, ErrBadRecord) {
		t.Fatalf("LoadAll = %v, want ErrBadRecord", err)
	}
}

func TestLoadRejectsExtraInstance(t *testing.T) {
	dev := &counterDevice{values: []int{1, 2}}
	src := NewSaveRegistry(testHash(1))
	if err := dev.register(src, 1, false); err != nil {
		t.Fatalf("register: %v", err)
	}

	var buf bytes.Buffer
	if err := src.SaveAll(&buf); err != nil {
		t.Fatalf("SaveAll: %v", err)
	}

	smaller := &counterDevice{values: []int{1}}
	dst := NewSaveRegistry(testHash(1))
	if err := smaller.register(dst, 1, false); err != nil {
		t.Fatalf("register: %v", err)
	}

	err := dst.LoadAll(bytes.NewReader(buf.Bytes()))
	if !errors.Is(err, ErrNoSuchVCPU) {
		t.Fatalf("LoadAll = %v, want ErrNoSuchVCPU", err)
	}
}

// A failed check anywhere in the stream must leave every record
// unloaded, including records that checked clean.
func TestCheckFailureLoadsNothing(t *testing.T) {
	good := &counterDevice{values: []int{5}}
	bad := &counterDevice{values: []int{6}}

	src := NewSaveRegistry(testHash(1))
	if err := good.register(src, 1, false); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := bad.register(src, 2, false); err != nil {
		t.Fatalf("register: %v", err)
	}

	var buf bytes.Buffer
	if err := src.SaveAll(&buf); err != nil {
		t.Fatalf("SaveAll: %v", err)
	}

	goodDst := &counterDevice{values: []int{0}}
	badDst := &counterDevice{values: []int{0}}
	dst := NewSaveRegistry(testHash(1))
	if err := goodDst.register(dst, 1, false); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := badDst.register(dst, 2, true); err != nil {
		t.Fatalf("register: %v", err)
	}

	err := dst.LoadAll(bytes.NewReader(buf.Bytes()))
	if !errors.Is(err, ErrBadRecord) {
		t.Fatalf("LoadAll = %v, want ErrBadRecord", err)
	}
	if goodDst.values[0] != 0 {
		t.Fatalf("record loaded despite failed check: %v", goodDst.values)
	}
}

func TestRegisterRejectsDuplicateKind(t *testing.T) {
	dev := &counterDevice{values: []int{1}}
	reg := NewSaveRegistry(testHash(1))
	if err := dev.register(reg, 1, false); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := dev.register(reg, 1, false); err == nil {
		t.Fatalf("duplicate kind registered without error")
	}
}
