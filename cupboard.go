// Package cupboard implements an embedded, transactional object-persistence
// layer on top of the key-value contract of package storage: shelves of
// records, unique and any (duplicate-permitting) secondary indices, and a
// query engine that plans either a natural (equijoin) cursor join or a
// range scan over a dominating index.
package cupboard

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/cupboarddb/cupboard/storage"
	"github.com/cupboarddb/cupboard/storage/bolt"
)

// CatalogName is the reserved primary database holding persisted shelf and
// index options. It can never be used as a shelf name.
const CatalogName = "_shelves"

// DefaultShelfName is eagerly opened the first time a cupboard is created
// against an empty directory.
const DefaultShelfName = "_default"

// Options configures Open.
type Options struct {
	Logf    func(format string, args ...any)
	Verbose bool
}

// Cupboard is an opened persistence environment rooted at a directory. It
// owns the storage environment, the catalog database, and every Shelf
// opened through it.
type Cupboard struct {
	dir     string
	env     storage.Env
	catalog storage.DB
	logf    func(format string, args ...any)
	verbose bool

	mu      sync.Mutex
	shelves map[string]*Shelf
}

// Open opens (creating if needed) the cupboard rooted at dir. If dir is an
// existing regular file, it fails with InvalidArgumentError. On any failure
// after the storage environment is opened, every resource acquired so far
// is closed, in reverse order, before the error is returned.
func Open(dir string, opts Options) (*Cupboard, error) {
	envNew, err := prepareDir(dir)
	if err != nil {
		return nil, err
	}

	env, err := bolt.Open(filepath.Join(dir, "cupboard.db"), storage.EnvOptions{
		AllowCreate:   envNew,
		Transactional: true,
	})
	if err != nil {
		return nil, storageErrf("open environment", err)
	}

	cb, err := openWithEnv(dir, env, envNew, opts)
	if err != nil {
		env.Close()
		return nil, err
	}
	return cb, nil
}

// OpenFunc opens a cupboard, runs f, and guarantees Close is called
// afterward regardless of whether f panics or returns an error.
func OpenFunc(dir string, opts Options, f func(cb *Cupboard) error) error {
	cb, err := Open(dir, opts)
	if err != nil {
		return err
	}
	defer cb.Close()
	return f(cb)
}

func prepareDir(dir string) (envNew bool, err error) {
	fi, statErr := os.Stat(dir)
	switch {
	case statErr == nil:
		if !fi.IsDir() {
			return false, invalidArgf(nil, "%s is a regular file, not a directory", dir)
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			return false, ioErrf(dir, err)
		}
		return len(entries) == 0, nil
	case os.IsNotExist(statErr):
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return false, ioErrf(dir, err)
		}
		return true, nil
	default:
		return false, ioErrf(dir, statErr)
	}
}

func openWithEnv(dir string, env storage.Env, envNew bool, opts Options) (*Cupboard, error) {
	catalog, err := env.OpenDB(CatalogName, storage.DBOptions{
		AllowCreate:   envNew,
		Transactional: true,
	})
	if err != nil {
		return nil, storageErrf("open catalog", err)
	}

	cb := &Cupboard{
		dir:     dir,
		env:     env,
		catalog: catalog,
		logf:    opts.Logf,
		verbose: opts.Verbose,
		shelves: make(map[string]*Shelf),
	}

	var opened []*Shelf
	rollback := func() {
		for i := len(opened) - 1; i >= 0; i-- {
			opened[i].closeLocked(false)
		}
		catalog.Close()
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	if envNew {
		shelf, err := cb.getShelfLocked(DefaultShelfName, ShelfOptions{}, false, nil)
		if err != nil {
			rollback()
			return nil, err
		}
		opened = append(opened, shelf)
	}

	names, err := env.DatabaseNames()
	if err != nil {
		rollback()
		return nil, storageErrf("enumerate databases", err)
	}
	for _, name := range names {
		if name == CatalogName || strings.Contains(name, ":") {
			continue
		}
		if _, open := cb.shelves[name]; open {
			continue
		}
		shelf, err := cb.getShelfLocked(name, ShelfOptions{}, false, nil)
		if err != nil {
			rollback()
			return nil, err
		}
		opened = append(opened, shelf)
	}

	return cb, nil
}

// Close closes every open shelf (and their indices), then the catalog
// database, then the environment — the reverse of open order. Handles are
// cleared afterward, so a second Close is a safe no-op.
func (cb *Cupboard) Close() error {
	cb.mu.Lock()
	shelves := make([]*Shelf, 0, len(cb.shelves))
	for _, s := range cb.shelves {
		shelves = append(shelves, s)
	}
	cb.shelves = make(map[string]*Shelf)
	cb.mu.Unlock()

	for _, s := range shelves {
		s.closeLocked(false)
	}
	if cb.catalog != nil {
		cb.catalog.Close()
		cb.catalog = nil
	}
	if cb.env != nil {
		err := cb.env.Close()
		cb.env = nil
		if err != nil {
			return storageErrf("close environment", err)
		}
	}
	return nil
}

// Dir returns the directory the cupboard is rooted at.
func (cb *Cupboard) Dir() string { return cb.dir }

func (cb *Cupboard) logDebug(format string, args ...any) {
	if cb.verbose && cb.logf != nil {
		cb.logf(format, args...)
	}
}

func validateName(kind, name string) error {
	if strings.Contains(name, ":") {
		return invalidArgf(nil, "%s name %q must not contain ':'", kind, name)
	}
	if name == CatalogName {
		return invalidArgf(nil, "%s name %q is reserved", kind, name)
	}
	return nil
}

// DescribeOpenHandles is a debugging aid reporting every shelf the cupboard
// currently holds open, with the number of unique and any indices open on
// each, useful for confirming nothing leaked after a failed Open.
func (cb *Cupboard) DescribeOpenHandles() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if len(cb.shelves) == 0 {
		return "NO OPEN SHELVES"
	}
	var b strings.Builder
	for name, s := range cb.shelves {
		s.mu.Lock()
		fmt.Fprintf(&b, "%s: %d unique, %d any\n", name, len(s.uniques), len(s.anys))
		s.mu.Unlock()
	}
	return b.String()
}
