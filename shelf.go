package cupboard

import (
	"sort"
	"strings"
	"sync"

	"github.com/cupboarddb/cupboard/storage"
)

// Shelf is a named primary record collection: a primary DB plus the unique
// and any secondary indices currently open on it.
type Shelf struct {
	cb      *Cupboard
	name    string
	primary storage.DB
	opts    ShelfOptions

	mu      sync.Mutex
	uniques map[string]*IndexDB
	anys    map[string]*IndexDB
}

// Name returns the shelf's name.
func (s *Shelf) Name() string { return s.name }

// GetShelf opens (or returns the already-open) shelf named name. If
// opts.ForceReopen is set, an already-open shelf is closed first. Reserved
// names ("_shelves") and names containing ':' are rejected with
// InvalidArgumentError.
func (cb *Cupboard) GetShelf(name string, opts ShelfOpenOptions) (*Shelf, error) {
	if err := validateName("shelf", name); err != nil {
		return nil, err
	}
	if err := checkTxn(opts.Txn); err != nil {
		return nil, err
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.getShelfLocked(name, opts.ShelfOptions, opts.ForceReopen, opts.Txn)
}

// ShelfOpenOptions are the caller-supplied options to GetShelf. Txn, when
// non-nil, scopes the catalog reads and writes a first-time open performs;
// a caller already holding the environment's write transaction must pass
// it here or the catalog write would block behind it.
type ShelfOpenOptions struct {
	ShelfOptions
	ForceReopen bool
	Txn         storage.Txn
}

// getShelfLocked assumes cb.mu is held.
func (cb *Cupboard) getShelfLocked(name string, callerOpts ShelfOptions, forceReopen bool, txn storage.Txn) (*Shelf, error) {
	if forceReopen {
		if existing, ok := cb.shelves[name]; ok {
			existing.closeLocked(false)
			delete(cb.shelves, name)
		}
	}
	if existing, ok := cb.shelves[name]; ok {
		return existing, nil
	}

	stored, found, err := cb.catalogGetShelfOptions(name, txn)
	if err != nil {
		return nil, storageErrf("read shelf catalog entry", err)
	}
	merged := callerOpts
	if found {
		merged = stored
		if callerOpts.ReadOnly {
			merged.ReadOnly = true
		}
	}

	primary, err := cb.env.OpenDB(name, storage.DBOptions{
		AllowCreate:      true,
		SortedDuplicates: false,
		Transactional:    true,
		ReadOnly:         merged.ReadOnly,
	})
	if err != nil {
		return nil, storageErrf("open shelf "+name, err)
	}

	if err := cb.catalogPutShelfOptions(name, merged, txn); err != nil {
		primary.Close()
		return nil, storageErrf("persist shelf catalog entry", err)
	}

	shelf := &Shelf{
		cb:      cb,
		name:    name,
		primary: primary,
		opts:    merged,
		uniques: make(map[string]*IndexDB),
		anys:    make(map[string]*IndexDB),
	}
	cb.shelves[name] = shelf

	if err := shelf.reopenDiscoveredIndices(txn); err != nil {
		shelf.closeLocked(false)
		delete(cb.shelves, name)
		return nil, err
	}

	cb.logDebug("cupboard: shelf %s opened", name)
	return shelf, nil
}

// reopenDiscoveredIndices reopens every index the environment's own
// enumeration reveals for this shelf (every database named
// "<shelf>:<index>"), using each index's persisted options.
func (s *Shelf) reopenDiscoveredIndices(txn storage.Txn) error {
	names, err := s.cb.env.DatabaseNames()
	if err != nil {
		return storageErrf("enumerate databases", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prefix := s.name + ":"
	for _, full := range names {
		if !strings.HasPrefix(full, prefix) {
			continue
		}
		indexName := full[len(prefix):]
		if indexName == "" || strings.Contains(indexName, ":") {
			continue
		}
		if _, err := s.getIndexLocked(indexName, IndexOptions{}, txn); err != nil {
			return err
		}
	}
	return nil
}

// CloseShelf closes the named shelf and, if remove is set, deletes its
// primary DB, every secondary DB, and their catalog entries.
func (cb *Cupboard) CloseShelf(name string, remove bool) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	shelf, ok := cb.shelves[name]
	if !ok {
		return nil
	}
	delete(cb.shelves, name)
	return shelf.closeLocked(remove)
}

// RemoveShelf is CloseShelf with remove=true, failing with StorageError if
// it cannot report success.
func (cb *Cupboard) RemoveShelf(name string) error {
	if err := cb.CloseShelf(name, true); err != nil {
		return storageErrf("remove shelf "+name, err)
	}
	return nil
}

// closeLocked assumes cb.mu is held (or that the shelf has already been
// removed from cb.shelves, making mu irrelevant).
func (s *Shelf) closeLocked(remove bool) error {
	s.mu.Lock()
	indices := make([]*IndexDB, 0, len(s.uniques)+len(s.anys))
	for _, idx := range s.uniques {
		indices = append(indices, idx)
	}
	for _, idx := range s.anys {
		indices = append(indices, idx)
	}
	s.uniques = make(map[string]*IndexDB)
	s.anys = make(map[string]*IndexDB)
	s.mu.Unlock()

	for _, idx := range indices {
		idx.sec.Close()
		if remove {
			key := catalogIndexKey(s.name, idx.name)
			if err := s.cb.env.RemoveDB(key, nil); err != nil {
				return storageErrf("remove index db "+key, err)
			}
			if err := s.cb.catalogDelete(key, nil); err != nil {
				return storageErrf("remove index catalog entry "+key, err)
			}
		}
	}

	s.primary.Close()
	if remove {
		if err := s.cb.env.RemoveDB(s.name, nil); err != nil {
			return storageErrf("remove shelf db "+s.name, err)
		}
		if err := s.cb.catalogDelete(s.name, nil); err != nil {
			return storageErrf("remove shelf catalog entry "+s.name, err)
		}
	}
	return nil
}

// ListShelves returns every shelf name known to the environment: database
// names excluding the catalog and any name containing ':'.
func (cb *Cupboard) ListShelves() ([]string, error) {
	names, err := cb.env.DatabaseNames()
	if err != nil {
		return nil, storageErrf("enumerate databases", err)
	}
	var shelves []string
	for _, name := range names {
		if name == CatalogName || strings.Contains(name, ":") {
			continue
		}
		shelves = append(shelves, name)
	}
	sort.Strings(shelves)
	return shelves, nil
}
