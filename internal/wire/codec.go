package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/coredbio/core/internal/antichain"
	"github.com/coredbio/core/internal/statediff"
	"github.com/coredbio/core/internal/statediff/trace"
)

// FieldTag identifies which State field a wire entry belongs to.
type FieldTag int32

const (
	FieldHostname FieldTag = iota
	FieldApplierVersion
	FieldLastGCReq
	FieldActiveRollup
	FieldActiveGC
	FieldSince
	FieldRollups
	FieldLeasedReaders
	FieldCriticalReaders
	FieldWriters
	FieldSchemas
	FieldBatch
	FieldMergeRes
)

// DiffTypeTag mirrors statediff.DiffType on the wire. Scalar (non-map)
// fields have no tag of their own; they always carry TagUpdate.
type DiffTypeTag int32

const (
	TagInsert DiffTypeTag = iota
	TagUpdate
	TagDelete
)

// EncodedDiff is the column-oriented wire format from spec.md §6: parallel
// field-tag / diff-type-tag arrays, a data-slice-length array, and one
// concatenated byte blob holding every entry's (key, [from], [to]) payload
// in order.
type EncodedDiff struct {
	ShardID    string
	SeqNoFrom  uint64
	SeqNoTo    uint64
	WalltimeMs uint64

	FieldTags    []int32
	DiffTags     []int32
	DataLens     []uint64
	DataBytes    []byte
}

type entry struct {
	field   FieldTag
	tag     DiffTypeTag
	payload []byte
}

// Encode flattens a statediff.Diff into the column-oriented wire format.
func Encode(d *statediff.Diff) (EncodedDiff, error) {
	var entries []entry

	if d.Hostname != nil {
		entries = append(entries, entry{FieldHostname, TagUpdate, concatBytes(encodeString(""), encodeString(d.Hostname.From), encodeString(d.Hostname.To))})
	}
	if d.ApplierVersion != nil {
		entries = append(entries, entry{FieldApplierVersion, TagUpdate, concatBytes(encodeString(""), encodeString(d.ApplierVersion.From), encodeString(d.ApplierVersion.To))})
	}
	if d.LastGCReq != nil {
		entries = append(entries, entry{FieldLastGCReq, TagUpdate, concatBytes(encodeString(""), encodeUint64(d.LastGCReq.From), encodeUint64(d.LastGCReq.To))})
	}
	if d.Since != nil {
		entries = append(entries, entry{FieldSince, TagUpdate, concatBytes(encodeString(""), encodeAntichain(d.Since.From), encodeAntichain(d.Since.To))})
	}

	for _, fd := range d.Rollups {
		e, err := entryFromFieldDiff(FieldRollups, fd.Type, encodeString(fmt.Sprint(fd.Key)), encodeHollowRollup(fd.From), encodeHollowRollup(fd.To))
		if err != nil {
			return EncodedDiff{}, err
		}
		entries = append(entries, e)
	}
	for _, fd := range d.LeasedReaders {
		e, err := entryFromFieldDiff(FieldLeasedReaders, fd.Type, encodeString(fd.Key), encodeLeasedReader(fd.From), encodeLeasedReader(fd.To))
		if err != nil {
			return EncodedDiff{}, err
		}
		entries = append(entries, e)
	}
	for _, fd := range d.CriticalReaders {
		e, err := entryFromFieldDiff(FieldCriticalReaders, fd.Type, encodeString(fd.Key), encodeAntichain(fd.From.Since), encodeAntichain(fd.To.Since))
		if err != nil {
			return EncodedDiff{}, err
		}
		entries = append(entries, e)
	}
	for _, fd := range d.Writers {
		e, err := entryFromFieldDiff(FieldWriters, fd.Type, encodeString(fd.Key), encodeWriter(fd.From), encodeWriter(fd.To))
		if err != nil {
			return EncodedDiff{}, err
		}
		entries = append(entries, e)
	}
	for _, fd := range d.Schemas {
		e, err := entryFromFieldDiff(FieldSchemas, fd.Type, encodeString(fd.Key), encodeBytes(fd.From), encodeBytes(fd.To))
		if err != nil {
			return EncodedDiff{}, err
		}
		entries = append(entries, e)
	}
	for _, b := range d.Batches {
		entries = append(entries, entry{FieldBatch, TagInsert, concatBytes(encodeString(""), encodeHollowBatch(b))})
	}
	for _, b := range d.MergeRes {
		entries = append(entries, entry{FieldMergeRes, TagInsert, concatBytes(encodeString(""), encodeHollowBatch(b))})
	}

	out := EncodedDiff{
		ShardID:    d.ShardID,
		SeqNoFrom:  d.SeqNoFrom,
		SeqNoTo:    d.SeqNoTo,
		WalltimeMs: d.WalltimeMs,
	}
	for _, e := range entries {
		out.FieldTags = append(out.FieldTags, int32(e.field))
		out.DiffTags = append(out.DiffTags, int32(e.tag))
		out.DataLens = append(out.DataLens, uint64(len(e.payload)))
		out.DataBytes = append(out.DataBytes, e.payload...)
	}
	return out, nil
}

func entryFromFieldDiff(field FieldTag, t statediff.DiffType, key, from, to []byte) (entry, error) {
	switch t {
	case statediff.DiffInsert:
		return entry{field, TagInsert, concatBytes(key, to)}, nil
	case statediff.DiffUpdate:
		return entry{field, TagUpdate, concatBytes(key, from, to)}, nil
	case statediff.DiffDelete:
		return entry{field, TagDelete, concatBytes(key, from)}, nil
	default:
		return entry{}, fmt.Errorf("wire: unknown diff type %v", t)
	}
}

// Validate checks the encoded diff's internal consistency: the parallel tag
// arrays must be the same length, and the sum of DataLens must equal
// len(DataBytes).
func (e EncodedDiff) Validate() error {
	if len(e.FieldTags) != len(e.DiffTags) || len(e.FieldTags) != len(e.DataLens) {
		return fmt.Errorf("wire: mismatched column lengths: fields=%d diffs=%d lens=%d", len(e.FieldTags), len(e.DiffTags), len(e.DataLens))
	}
	var total uint64
	for _, l := range e.DataLens {
		total += l
	}
	if total != uint64(len(e.DataBytes)) {
		return fmt.Errorf("wire: data length mismatch: sum(lens)=%d but len(bytes)=%d", total, len(e.DataBytes))
	}
	return nil
}

func concatBytes(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func encodeString(s string) []byte {
	return encodeBytes([]byte(s))
}

func encodeBytes(b []byte) []byte {
	out := make([]byte, 4+len(b))
	binary.BigEndian.PutUint32(out, uint32(len(b)))
	copy(out[4:], b)
	return out
}

func encodeUint64(v uint64) []byte {
	out := make([]byte, 8)
	binary.BigEndian.PutUint64(out, v)
	return out
}

func encodeAntichain(a antichain.Antichain) []byte {
	elems := a.Elements()
	out := make([]byte, 4+8*len(elems))
	binary.BigEndian.PutUint32(out, uint32(len(elems)))
	for i, e := range elems {
		binary.BigEndian.PutUint64(out[4+8*i:], uint64(e))
	}
	return out
}

func encodeHollowRollup(r statediff.HollowRollup) []byte {
	return encodeString(r.Key)
}

func encodeLeasedReader(r statediff.LeasedReaderState) []byte {
	return concatBytes(encodeUint64(r.LastHeartbeatMs), encodeAntichain(r.Since))
}

func encodeWriter(w statediff.WriterState) []byte {
	return concatBytes(encodeUint64(w.LastHeartbeatMs), encodeString(w.MostRecentWriteToken))
}

func encodeHollowBatch(b trace.HollowBatch) []byte {
	parts := make([]byte, 4)
	binary.BigEndian.PutUint32(parts, uint32(len(b.Parts)))
	for _, p := range b.Parts {
		parts = append(parts, encodeString(string(p))...)
	}
	return concatBytes(
		encodeAntichain(b.Desc.Lower),
		encodeAntichain(b.Desc.Upper),
		encodeAntichain(b.Desc.Since),
		encodeUint64(b.Len),
		parts,
	)
}

// decoder is a cursor over a byte slice, used by Decode to walk each
// entry's payload in the same order Encode wrote it.
type decoder struct {
	b   []byte
	pos int
}

func (d *decoder) bytes() ([]byte, error) {
	if d.pos+4 > len(d.b) {
		return nil, fmt.Errorf("wire: truncated length prefix")
	}
	n := int(binary.BigEndian.Uint32(d.b[d.pos:]))
	d.pos += 4
	if d.pos+n > len(d.b) {
		return nil, fmt.Errorf("wire: truncated payload")
	}
	out := d.b[d.pos : d.pos+n]
	d.pos += n
	return out, nil
}

func (d *decoder) string() (string, error) {
	b, err := d.bytes()
	return string(b), err
}

func (d *decoder) uint64() (uint64, error) {
	if d.pos+8 > len(d.b) {
		return 0, fmt.Errorf("wire: truncated uint64")
	}
	v := binary.BigEndian.Uint64(d.b[d.pos:])
	d.pos += 8
	return v, nil
}

func (d *decoder) antichain() (antichain.Antichain, error) {
	if d.pos+4 > len(d.b) {
		return antichain.Antichain{}, fmt.Errorf("wire: truncated antichain count")
	}
	n := int(binary.BigEndian.Uint32(d.b[d.pos:]))
	d.pos += 4
	elems := make([]antichain.Uint64, n)
	for i := 0; i < n; i++ {
		v, err := d.uint64()
		if err != nil {
			return antichain.Antichain{}, err
		}
		elems[i] = antichain.Uint64(v)
	}
	return antichain.New(elems...), nil
}

func (d *decoder) hollowBatch() (trace.HollowBatch, error) {
	lower, err := d.antichain()
	if err != nil {
		return trace.HollowBatch{}, err
	}
	upper, err := d.antichain()
	if err != nil {
		return trace.HollowBatch{}, err
	}
	since, err := d.antichain()
	if err != nil {
		return trace.HollowBatch{}, err
	}
	length, err := d.uint64()
	if err != nil {
		return trace.HollowBatch{}, err
	}
	if d.pos+4 > len(d.b) {
		return trace.HollowBatch{}, fmt.Errorf("wire: truncated parts count")
	}
	n := int(binary.BigEndian.Uint32(d.b[d.pos:]))
	d.pos += 4
	parts := make([]trace.RunPart, n)
	for i := 0; i < n; i++ {
		s, err := d.string()
		if err != nil {
			return trace.HollowBatch{}, err
		}
		parts[i] = trace.RunPart(s)
	}
	return trace.HollowBatch{
		Desc: trace.Description{Lower: lower, Upper: upper, Since: since},
		Len:  length,
		Parts: parts,
	}, nil
}

// Decode reconstructs a statediff.Diff from its column-oriented wire form.
func Decode(e EncodedDiff) (*statediff.Diff, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	d := &statediff.Diff{
		ShardID:    e.ShardID,
		SeqNoFrom:  e.SeqNoFrom,
		SeqNoTo:    e.SeqNoTo,
		WalltimeMs: e.WalltimeMs,
	}

	offset := 0
	for i, ft := range e.FieldTags {
		length := int(e.DataLens[i])
		payload := e.DataBytes[offset : offset+length]
		offset += length
		dt := DiffTypeTag(e.DiffTags[i])
		dec := &decoder{b: payload}

		switch FieldTag(ft) {
		case FieldHostname:
			if _, err := dec.string(); err != nil {
				return nil, err
			}
			from, to, err := decodeStringUpdate(dec)
			if err != nil {
				return nil, err
			}
			d.Hostname = &statediff.ScalarDiff[string]{From: from, To: to}
		case FieldApplierVersion:
			if _, err := dec.string(); err != nil {
				return nil, err
			}
			from, to, err := decodeStringUpdate(dec)
			if err != nil {
				return nil, err
			}
			d.ApplierVersion = &statediff.ScalarDiff[string]{From: from, To: to}
		case FieldLastGCReq:
			if _, err := dec.string(); err != nil {
				return nil, err
			}
			from, err := dec.uint64()
			if err != nil {
				return nil, err
			}
			to, err := dec.uint64()
			if err != nil {
				return nil, err
			}
			d.LastGCReq = &statediff.ScalarDiff[uint64]{From: from, To: to}
		case FieldSince:
			if _, err := dec.string(); err != nil {
				return nil, err
			}
			from, err := dec.antichain()
			if err != nil {
				return nil, err
			}
			to, err := dec.antichain()
			if err != nil {
				return nil, err
			}
			d.Since = &statediff.ScalarDiff[antichain.Antichain]{From: from, To: to}
		case FieldRollups:
			key, from, to, err := decodeKeyed(dec, dt, decodeHollowRollup)
			if err != nil {
				return nil, err
			}
			d.Rollups = append(d.Rollups, statediff.StateFieldDiff[uint64, statediff.HollowRollup]{
				Key: parseUint64(key), Type: mapTag(dt), From: from, To: to,
			})
		case FieldLeasedReaders:
			key, from, to, err := decodeKeyed(dec, dt, decodeLeasedReader)
			if err != nil {
				return nil, err
			}
			d.LeasedReaders = append(d.LeasedReaders, statediff.StateFieldDiff[string, statediff.LeasedReaderState]{
				Key: key, Type: mapTag(dt), From: from, To: to,
			})
		case FieldCriticalReaders:
			key, from, to, err := decodeKeyed(dec, dt, func(dec *decoder) (statediff.CriticalReaderState, error) {
				since, err := dec.antichain()
				return statediff.CriticalReaderState{Since: since}, err
			})
			if err != nil {
				return nil, err
			}
			d.CriticalReaders = append(d.CriticalReaders, statediff.StateFieldDiff[string, statediff.CriticalReaderState]{
				Key: key, Type: mapTag(dt), From: from, To: to,
			})
		case FieldWriters:
			key, from, to, err := decodeKeyed(dec, dt, decodeWriter)
			if err != nil {
				return nil, err
			}
			d.Writers = append(d.Writers, statediff.StateFieldDiff[string, statediff.WriterState]{
				Key: key, Type: mapTag(dt), From: from, To: to,
			})
		case FieldSchemas:
			key, from, to, err := decodeKeyed(dec, dt, func(dec *decoder) (statediff.EncodedSchema, error) {
				b, err := dec.bytes()
				return statediff.EncodedSchema(append([]byte(nil), b...)), err
			})
			if err != nil {
				return nil, err
			}
			d.Schemas = append(d.Schemas, statediff.StateFieldDiff[string, statediff.EncodedSchema]{
				Key: key, Type: mapTag(dt), From: from, To: to,
			})
		case FieldBatch:
			if _, err := dec.string(); err != nil {
				return nil, err
			}
			b, err := dec.hollowBatch()
			if err != nil {
				return nil, err
			}
			d.Batches = append(d.Batches, b)
		case FieldMergeRes:
			if _, err := dec.string(); err != nil {
				return nil, err
			}
			b, err := dec.hollowBatch()
			if err != nil {
				return nil, err
			}
			d.MergeRes = append(d.MergeRes, b)
		default:
			return nil, fmt.Errorf("wire: unknown field tag %d", ft)
		}
	}
	return d, nil
}

func mapTag(t DiffTypeTag) statediff.DiffType {
	switch t {
	case TagInsert:
		return statediff.DiffInsert
	case TagDelete:
		return statediff.DiffDelete
	default:
		return statediff.DiffUpdate
	}
}

func decodeStringUpdate(dec *decoder) (from, to string, err error) {
	from, err = dec.string()
	if err != nil {
		return "", "", err
	}
	to, err = dec.string()
	return from, to, err
}

// decodeKeyed reads (key, [from], [to]) per the diff-type tag's shape and
// returns the zero value for whichever of from/to was not written.
func decodeKeyed[V any](dec *decoder, t DiffTypeTag, decodeVal func(*decoder) (V, error)) (key string, from, to V, err error) {
	key, err = dec.string()
	if err != nil {
		return "", from, to, err
	}
	switch t {
	case TagInsert:
		to, err = decodeVal(dec)
	case TagUpdate:
		from, err = decodeVal(dec)
		if err != nil {
			return key, from, to, err
		}
		to, err = decodeVal(dec)
	case TagDelete:
		from, err = decodeVal(dec)
	}
	return key, from, to, err
}

func decodeHollowRollup(dec *decoder) (statediff.HollowRollup, error) {
	s, err := dec.string()
	return statediff.HollowRollup{Key: s}, err
}

func decodeLeasedReader(dec *decoder) (statediff.LeasedReaderState, error) {
	hb, err := dec.uint64()
	if err != nil {
		return statediff.LeasedReaderState{}, err
	}
	since, err := dec.antichain()
	return statediff.LeasedReaderState{LastHeartbeatMs: hb, Since: since}, err
}

func decodeWriter(dec *decoder) (statediff.WriterState, error) {
	hb, err := dec.uint64()
	if err != nil {
		return statediff.WriterState{}, err
	}
	tok, err := dec.string()
	return statediff.WriterState{LastHeartbeatMs: hb, MostRecentWriteToken: tok}, err
}

func parseUint64(s string) uint64 {
	var v uint64
	fmt.Sscanf(s, "%d", &v)
	return v
}
