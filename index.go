package cupboard

import (
	"strings"

	"github.com/cupboarddb/cupboard/storage"
)

// IndexDB is a secondary database keyed by a single record field and
// pointing back to the primary key. The index name doubles as the field it
// indexes: the key creator derives the secondary key by extracting that
// field from the stored record.
type IndexDB struct {
	name  string
	shelf *Shelf
	sec   storage.SecDB
	opts  IndexOptions
}

// Name returns the index's name, which is also the record field it indexes.
func (idx *IndexDB) Name() string { return idx.name }

// Unique reports whether the index forbids duplicate keys.
func (idx *IndexDB) Unique() bool { return !idx.sec.SortedDuplicates() }

// IndexOpenOptions are the caller-supplied options to GetIndex. Txn plays
// the same role as in ShelfOpenOptions: it scopes the catalog write a
// first-time open performs.
type IndexOpenOptions struct {
	IndexOptions
	Txn storage.Txn
}

// GetIndex opens (or returns the already-open) index named name on the
// shelf. SortedDuplicates is the only per-call option honored, and only
// when the index is created for the first time; an existing index's stored
// configuration wins over whatever the caller requests.
func (s *Shelf) GetIndex(name string, opts IndexOpenOptions) (*IndexDB, error) {
	if strings.Contains(name, ":") {
		return nil, invalidArgf(nil, "index name %q must not contain ':'", name)
	}
	if err := checkTxn(opts.Txn); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getIndexLocked(name, opts.IndexOptions, opts.Txn)
}

// getIndexLocked assumes s.mu is held, serializing index opens per shelf.
func (s *Shelf) getIndexLocked(name string, callerOpts IndexOptions, txn storage.Txn) (*IndexDB, error) {
	if idx, ok := s.uniques[name]; ok {
		return idx, nil
	}
	if idx, ok := s.anys[name]; ok {
		return idx, nil
	}

	merged := callerOpts
	stored, found, err := s.cb.catalogGetIndexOptions(s.name, name, txn)
	if err != nil {
		return nil, storageErrf("read index catalog entry", err)
	}
	if found {
		merged = stored
	}

	sec, err := s.cb.env.OpenSecondaryDB(catalogIndexKey(s.name, name), s.primary, storage.SecDBOptions{
		AllowCreate:      true,
		SortedDuplicates: merged.SortedDuplicates,
		KeyCreator:       fieldKeyCreator(name),
	})
	if err != nil {
		return nil, storageErrf("open index "+name, err)
	}

	// The live database's configuration, not the caller's request, decides
	// which side of the unique/any split the index lands on.
	actual := IndexOptions{SortedDuplicates: sec.SortedDuplicates()}
	if err := s.cb.catalogPutIndexOptions(s.name, name, actual, txn); err != nil {
		sec.Close()
		return nil, storageErrf("persist index catalog entry", err)
	}

	idx := &IndexDB{name: name, shelf: s, sec: sec, opts: actual}
	if sec.SortedDuplicates() {
		s.anys[name] = idx
	} else {
		s.uniques[name] = idx
	}
	s.cb.logDebug("cupboard: index %s:%s opened (dup=%v)", s.name, name, sec.SortedDuplicates())
	return idx, nil
}

// findIndex looks the index up in both registries without opening anything.
func (s *Shelf) findIndex(name string) (idx *IndexDB, unique, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if idx, ok := s.uniques[name]; ok {
		return idx, true, true
	}
	if idx, ok := s.anys[name]; ok {
		return idx, false, true
	}
	return nil, false, false
}

// fieldKeyCreator builds the storage.KeyCreatorFunc for an index: decode
// the stored record, pull out the field the index is named after, and
// encode it with the order-preserving key encoding. Records lacking the
// field don't participate in the index.
func fieldKeyCreator(field string) storage.KeyCreatorFunc {
	return func(pkey, value []byte) ([]byte, bool) {
		fields, err := decodeFields(value)
		if err != nil {
			return nil, false
		}
		v, ok := fields[field]
		if !ok {
			return nil, false
		}
		key, err := encodeIndexKey(v)
		if err != nil {
			return nil, false
		}
		return key, true
	}
}
