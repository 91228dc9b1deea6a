package hv

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"
	"sync"
)

// Save stream format constants.
const (
	SaveMagic   uint32 = 0x534e4150 // "SNAP"
	SaveVersion uint32 = 1
)

// RecordKind identifies one type of save record.
type RecordKind uint16

// RecordOps describes how one record kind is saved and restored.
// Records are instanced: per-processor state saves one instance per
// vCPU, domain-wide state saves a single instance 0.
type RecordOps struct {
	Kind RecordKind
	Name string

	// Instances reports how many instances this kind saves.
	Instances func() int

	// Save returns the gob-encodable payload for one instance.
	Save func(instance int) (any, error)

	// Check validates a payload without applying it. The whole stream
	// is checked before anything loads, so one bad record rejects the
	// restore atomically. May be nil.
	Check func(instance int, dec *gob.Decoder) error

	// Load applies a payload.
	Load func(instance int, dec *gob.Decoder) error
}

// SaveRegistry collects the record kinds of one domain and drives
// whole-stream save and restore.
type SaveRegistry struct {
	mu    sync.Mutex
	hash  VMConfigHash
	ops   map[RecordKind]RecordOps
	order []RecordKind
}

func NewSaveRegistry(hash VMConfigHash) *SaveRegistry {
	return &SaveRegistry{
		hash: hash,
		ops:  make(map[RecordKind]RecordOps),
	}
}

func (r *SaveRegistry) Register(ops RecordOps) error {
	if ops.Instances == nil || ops.Save == nil || ops.Load == nil {
		return fmt.Errorf("hv: record %q: missing callbacks", ops.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.ops[ops.Kind]; ok {
		return fmt.Errorf("hv: record kind %d already registered", ops.Kind)
	}
	r.ops[ops.Kind] = ops
	r.order = append(r.order, ops.Kind)
	return nil
}

type streamHeader struct {
	Magic   uint32
	Version uint32
	Hash    VMConfigHash
	Records uint32
}

type recordHeader struct {
	Kind     uint16
	Instance uint16
	Length   uint32
}

// SaveAll writes the header and every instance of every registered
// record kind, in registration order.
func (r *SaveRegistry) SaveAll(w io.Writer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	total := 0
	for _, kind := range r.order {
		total += r.ops[kind].Instances()
	}

	hdr := streamHeader{
		Magic:   SaveMagic,
		Version: SaveVersion,
		Hash:    r.hash,
		Records: uint32(total),
	}
	if err := binary.Write(w, binary.LittleEndian, &hdr); err != nil {
		return fmt.Errorf("hv: write save header: %w", err)
	}

	for _, kind := range r.order {
		ops := r.ops[kind]
		for i := range ops.Instances() {
			payload, err := ops.Save(i)
			if err != nil {
				return fmt.Errorf("hv: save %s[%d]: %w", ops.Name, i, err)
			}
			var buf bytes.Buffer
			if err := gob.NewEncoder(&buf).Encode(payload); err != nil {
				return fmt.Errorf("hv: encode %s[%d]: %w", ops.Name, i, err)
			}
			rh := recordHeader{
				Kind:     uint16(kind),
				Instance: uint16(i),
				Length:   uint32(buf.Len()),
			}
			if err := binary.Write(w, binary.LittleEndian, &rh); err != nil {
				return fmt.Errorf("hv: write %s[%d] header: %w", ops.Name, i, err)
			}
			if _, err := w.Write(buf.Bytes()); err != nil {
				return fmt.Errorf("hv: write %s[%d]: %w", ops.Name, i, err)
			}
		}
	}
	return nil
}

type savedRecord struct {
	ops      RecordOps
	instance int
	data     []byte
}

// LoadAll restores a stream written by SaveAll. Every record is
// checked before any record is loaded; a failure anywhere leaves the
// domain untouched.
func (r *SaveRegistry) LoadAll(rd io.Reader) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var hdr streamHeader
	if err := binary.Read(rd, binary.LittleEndian, &hdr); err != nil {
		return fmt.Errorf("hv: read save header: %w", err)
	}
	if hdr.Magic != SaveMagic {
		return fmt.Errorf("hv: bad save magic 0x%08x: %w", hdr.Magic, ErrBadRecord)
	}
	if hdr.Version != SaveVersion {
		return fmt.Errorf("hv: unsupported save version %d: %w", hdr.Version, ErrBadRecord)
	}
	if hdr.Hash != r.hash {
		return fmt.Errorf("hv: config hash mismatch (stream %s, domain %s): %w",
			hdr.Hash, r.hash, ErrBadRecord)
	}

	records := make([]savedRecord, 0, hdr.Records)
	for range hdr.Records {
		var rh recordHeader
		if err := binary.Read(rd, binary.LittleEndian, &rh); err != nil {
			return fmt.Errorf("hv: read record header: %w", err)
		}
		ops, ok := r.ops[RecordKind(rh.Kind)]
		if !ok {
			return fmt.Errorf("hv: unknown record kind %d: %w", rh.Kind, ErrBadRecord)
		}
		if int(rh.Instance) >= ops.Instances() {
			return fmt.Errorf("hv: %s instance %d: %w", ops.Name, rh.Instance, ErrNoSuchVCPU)
		}
		data := make([]byte, rh.Length)
		if _, err := io.ReadFull(rd, data); err != nil {
			return fmt.Errorf("hv: read %s[%d]: %w", ops.Name, rh.Instance, err)
		}
		records = append(records, savedRecord{ops, int(rh.Instance), data})
	}

	for _, rec := range records {
		if rec.ops.Check == nil {
			continue
		}
		dec := gob.NewDecoder(bytes.NewReader(rec.data))
		if err := rec.ops.Check(rec.instance, dec); err != nil {
			return fmt.Errorf("hv: check %s[%d]: %w", rec.ops.Name, rec.instance, err)
		}
	}

	for _, rec := range records {
		dec := gob.NewDecoder(bytes.NewReader(rec.data))
		if err := rec.ops.Load(rec.instance, dec); err != nil {
			return fmt.Errorf("hv: load %s[%d]: %w", rec.ops.Name, rec.instance, err)
		}
	}
	return nil
}
