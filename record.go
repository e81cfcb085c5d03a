package cupboard

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"sort"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/cupboarddb/cupboard/storage"
)

// PrimaryKey is the universally unique identifier assigned to a record at
// instance creation. It is immutable for the life of the record and stable
// across PAssoc/PDissoc updates.
type PrimaryKey [storage.PrimaryKeySize]byte

func newPrimaryKey() PrimaryKey { return PrimaryKey(uuid.New()) }

func (pk PrimaryKey) String() string { return uuid.UUID(pk).String() }

// Meta is the out-of-band persistence metadata a record carries: its
// primary key, the shelf it belongs to, and the record fields participating
// in unique and any indices.
type Meta struct {
	PrimaryKey   PrimaryKey
	ShelfName    string
	IndexUniques []string
	IndexAnys    []string
}

// Record is a mapping from field names to values plus persistence metadata.
type Record struct {
	fields map[string]any
	meta   Meta
}

// Get returns the named field's value.
func (r *Record) Get(name string) (any, bool) {
	v, ok := r.fields[name]
	return v, ok
}

// Fields returns a copy of the record's field map.
func (r *Record) Fields() map[string]any {
	out := make(map[string]any, len(r.fields))
	for k, v := range r.fields {
		out[k] = v
	}
	return out
}

// PrimaryKey returns the record's primary key.
func (r *Record) PrimaryKey() PrimaryKey { return r.meta.PrimaryKey }

// Meta returns a copy of the record's persistence metadata.
func (r *Record) Meta() Meta {
	m := r.meta
	m.IndexUniques = append([]string(nil), r.meta.IndexUniques...)
	m.IndexAnys = append([]string(nil), r.meta.IndexAnys...)
	return m
}

// IndexKind tags a shape field's index participation.
type IndexKind int

const (
	IndexNone IndexKind = iota
	IndexUnique
	IndexAny
)

// ShapeField declares one field of a record shape.
type ShapeField struct {
	Name  string
	Index IndexKind
}

// Shape is a declared record layout: which shelf its instances live on and
// which fields are indexed, uniquely or with duplicates permitted.
type Shape struct {
	ShelfName string
	Fields    []ShapeField
}

// NewShape declares a record shape whose instances are saved to the named
// shelf.
func NewShape(shelfName string, fields ...ShapeField) *Shape {
	return &Shape{ShelfName: shelfName, Fields: fields}
}

// InstanceOptions configures MakeInstance.
type InstanceOptions struct {
	// NoSave skips the immediate save; by default a fresh instance is
	// persisted right away.
	NoSave    bool
	ShelfName string
	Txn       storage.Txn
}

// MakeInstance constructs a record of the given shape: a fresh primary key,
// the shape's indexed fields recorded as metadata, and (unless NoSave is
// set) an immediate save under the caller's transaction.
func (cb *Cupboard) MakeInstance(shape *Shape, fields map[string]any, opts InstanceOptions) (*Record, error) {
	r := &Record{
		fields: make(map[string]any, len(fields)),
		meta:   Meta{PrimaryKey: newPrimaryKey(), ShelfName: shape.ShelfName},
	}
	for k, v := range fields {
		r.fields[k] = v
	}
	for _, f := range shape.Fields {
		switch f.Index {
		case IndexUnique:
			r.meta.IndexUniques = append(r.meta.IndexUniques, f.Name)
		case IndexAny:
			r.meta.IndexAnys = append(r.meta.IndexAnys, f.Name)
		}
	}
	if opts.ShelfName != "" {
		r.meta.ShelfName = opts.ShelfName
	}
	if r.meta.ShelfName == "" {
		r.meta.ShelfName = DefaultShelfName
	}
	if opts.NoSave {
		return r, nil
	}
	return cb.Save(r, SaveOptions{Txn: opts.Txn})
}

// SaveOptions configures Save, Delete, PAssoc and PDissoc.
type SaveOptions struct {
	ShelfName string
	Txn       storage.Txn
}

// Save persists the record under its primary key, lazily opening the
// shelf and every index named in the record's metadata (unique indices
// without duplicates, any indices with them). The record is returned with
// its metadata preserved, so a later Save is an update in place.
func (cb *Cupboard) Save(r *Record, opts SaveOptions) (*Record, error) {
	if err := checkTxn(opts.Txn); err != nil {
		return nil, err
	}
	shelf, err := cb.shelfFor(r, opts.ShelfName, opts.Txn)
	if err != nil {
		return nil, err
	}
	for _, name := range r.meta.IndexUniques {
		if _, err := shelf.GetIndex(name, IndexOpenOptions{Txn: opts.Txn}); err != nil {
			return nil, err
		}
	}
	anyOpts := IndexOpenOptions{IndexOptions: IndexOptions{SortedDuplicates: true}, Txn: opts.Txn}
	for _, name := range r.meta.IndexAnys {
		if _, err := shelf.GetIndex(name, anyOpts); err != nil {
			return nil, err
		}
	}

	raw, err := encodeFields(r.fields)
	if err != nil {
		return nil, storageErrf("encode record", err)
	}
	status, err := shelf.primary.Put(r.meta.PrimaryKey[:], raw, opts.Txn)
	if err != nil {
		return nil, storageErrf("save record", err)
	}
	if status != storage.StatusSuccess {
		return nil, storageErrf("save record", fmt.Errorf("status %v", status))
	}
	return r, nil
}

// Delete removes the record from its shelf's primary database; secondary
// index entries are maintained by the storage adapter.
func (cb *Cupboard) Delete(r *Record, opts SaveOptions) error {
	if err := checkTxn(opts.Txn); err != nil {
		return err
	}
	shelf, err := cb.shelfFor(r, opts.ShelfName, opts.Txn)
	if err != nil {
		return err
	}
	status, err := shelf.primary.Delete(r.meta.PrimaryKey[:], opts.Txn)
	if err != nil {
		return storageErrf("delete record", err)
	}
	if status != storage.StatusSuccess {
		return storageErrf("delete record", fmt.Errorf("status %v", status))
	}
	return nil
}

// PAssoc associates the given fields onto the record and saves it.
// Metadata, including the primary key, is preserved, making this an update
// in place.
func (cb *Cupboard) PAssoc(r *Record, updates map[string]any, opts SaveOptions) (*Record, error) {
	for k, v := range updates {
		r.fields[k] = v
	}
	return cb.Save(r, opts)
}

// PDissoc removes the given fields from the record and saves it.
func (cb *Cupboard) PDissoc(r *Record, keys []string, opts SaveOptions) (*Record, error) {
	for _, k := range keys {
		delete(r.fields, k)
	}
	return cb.Save(r, opts)
}

// RetrieveOptions configures Retrieve.
type RetrieveOptions struct {
	ShelfName string
	Txn       storage.Txn
	LockMode  storage.LockMode
}

// Retrieve looks records up by an indexed field. A unique index yields at
// most one record; an any index yields every record whose field equals
// value, fetched through the query engine so the underlying cursor is
// closed whether or not the result is fully consumed. A name that is not
// indexed on the shelf fails with UnindexedFieldError.
func (cb *Cupboard) Retrieve(indexName string, value any, opts RetrieveOptions) ([]*Record, error) {
	if err := checkTxn(opts.Txn); err != nil {
		return nil, err
	}
	shelfName := opts.ShelfName
	if shelfName == "" {
		shelfName = DefaultShelfName
	}
	shelf, err := cb.GetShelf(shelfName, ShelfOpenOptions{Txn: opts.Txn})
	if err != nil {
		return nil, err
	}
	idx, unique, ok := shelf.findIndex(indexName)
	if !ok {
		return nil, &UnindexedFieldError{Shelf: shelfName, Field: indexName}
	}

	if unique {
		key, err := encodeIndexKey(value)
		if err != nil {
			return nil, err
		}
		pkey, found, err := idx.sec.Get(key, opts.Txn)
		if err != nil {
			return nil, storageErrf("retrieve "+indexName, err)
		}
		if !found {
			return nil, nil
		}
		rec, found, err := shelf.loadRecord(pkey, opts.Txn)
		if err != nil || !found {
			return nil, err
		}
		return []*Record{rec}, nil
	}

	return cb.Query([]Clause{{Op: OpEQ, Index: indexName, Value: value}}, QueryOptions{
		ShelfName: shelfName,
		Txn:       opts.Txn,
		LockMode:  opts.LockMode,
	})
}

func (cb *Cupboard) shelfFor(r *Record, override string, txn storage.Txn) (*Shelf, error) {
	if override != "" {
		r.meta.ShelfName = override
	}
	if r.meta.ShelfName == "" {
		r.meta.ShelfName = DefaultShelfName
	}
	return cb.GetShelf(r.meta.ShelfName, ShelfOpenOptions{Txn: txn})
}

// loadRecord fetches and decorates the record stored under pkey.
func (s *Shelf) loadRecord(pkey []byte, txn storage.Txn) (*Record, bool, error) {
	raw, found, err := s.primary.Get(pkey, txn)
	if err != nil {
		return nil, false, storageErrf("load record", err)
	}
	if !found {
		return nil, false, nil
	}
	rec, err := s.decorateRecord(pkey, raw)
	if err != nil {
		return nil, false, err
	}
	return rec, true, nil
}

// decorateRecord decodes a stored record and attaches metadata: the primary
// key and the subset of its fields covered by the shelf's open indices.
func (s *Shelf) decorateRecord(pkey, raw []byte) (*Record, error) {
	fields, err := decodeFields(raw)
	if err != nil {
		return nil, storageErrf("decode record", err)
	}
	var pk PrimaryKey
	copy(pk[:], pkey)
	meta := Meta{PrimaryKey: pk, ShelfName: s.name}
	s.mu.Lock()
	for name := range s.uniques {
		if _, ok := fields[name]; ok {
			meta.IndexUniques = append(meta.IndexUniques, name)
		}
	}
	for name := range s.anys {
		if _, ok := fields[name]; ok {
			meta.IndexAnys = append(meta.IndexAnys, name)
		}
	}
	s.mu.Unlock()
	sort.Strings(meta.IndexUniques)
	sort.Strings(meta.IndexAnys)
	return &Record{fields: fields, meta: meta}, nil
}

func encodeFields(fields map[string]any) ([]byte, error) {
	return msgpack.Marshal(fields)
}

func decodeFields(raw []byte) (map[string]any, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(raw))
	dec.UseLooseInterfaceDecoding(true)
	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return nil, err
	}
	// msgpack stores a non-negative int as an unsigned number, which loose
	// decoding hands back as uint64 once it is too large for a fixnum; turn
	// those back into int64 so integer fields decode as int64 whatever their
	// magnitude.
	for k, v := range fields {
		if u, ok := v.(uint64); ok && u <= math.MaxInt64 {
			fields[k] = int64(u)
		}
	}
	return fields, nil
}

// Index key encoding: a one-byte type tag followed by an order-preserving
// rendition of the value, so that bytes.Compare on encoded keys agrees
// with the natural ordering within each type. All numbers share one tag
// (encoded as sortable float64 bits), letting ints and floats inter-sort.
const (
	keyTagNil byte = iota
	keyTagFalse
	keyTagTrue
	keyTagNumber
	keyTagString
	keyTagBytes
)

func encodeIndexKey(v any) ([]byte, error) {
	switch x := v.(type) {
	case nil:
		return []byte{keyTagNil}, nil
	case bool:
		if x {
			return []byte{keyTagTrue}, nil
		}
		return []byte{keyTagFalse}, nil
	case string:
		return append([]byte{keyTagString}, x...), nil
	case []byte:
		return append([]byte{keyTagBytes}, x...), nil
	}
	if f, ok := toFloat64(v); ok {
		bits := math.Float64bits(f)
		if bits&(1<<63) == 0 {
			bits |= 1 << 63
		} else {
			bits = ^bits
		}
		var buf [9]byte
		buf[0] = keyTagNumber
		binary.BigEndian.PutUint64(buf[1:], bits)
		return buf[:], nil
	}
	return nil, invalidArgf(nil, "cannot derive an index key from a value of type %T", v)
}

func toFloat64(v any) (float64, bool) {
	switch x := v.(type) {
	case int:
		return float64(x), true
	case int8:
		return float64(x), true
	case int16:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint:
		return float64(x), true
	case uint8:
		return float64(x), true
	case uint16:
		return float64(x), true
	case uint32:
		return float64(x), true
	case uint64:
		return float64(x), true
	case float32:
		return float64(x), true
	case float64:
		return x, true
	}
	return 0, false
}
