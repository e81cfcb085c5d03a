// Package bolt is the production storage backend, built on
// go.etcd.io/bbolt. Every primary and secondary database is a top-level
// bbolt bucket, named exactly as the cupboard layer names it ("_shelves",
// "books", "books:title", ...); secondary buckets are maintained
// automatically on every primary Put/Delete via a registered key-creator
// function, the way a Berkeley DB secondary database would be.
package bolt

import (
	"bytes"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	"github.com/cupboarddb/cupboard/storage"
)

// Open opens (creating the file if it doesn't exist) a bbolt-backed
// environment. opts is not consulted: bbolt always creates a missing file,
// and whether a database may be created is decided per call by
// DBOptions.AllowCreate and SecDBOptions.AllowCreate (cupboard.Open decides
// whether the directory is new before ever reaching here).
func Open(path string, opts storage.EnvOptions) (*Env, error) {
	bopt := *bbolt.DefaultOptions
	bopt.Timeout = 10 * time.Second
	bdb, err := bbolt.Open(path, 0666, &bopt)
	if err != nil {
		return nil, fmt.Errorf("bolt: open %s: %w", path, err)
	}
	return &Env{bdb: bdb, secondaries: make(map[string][]*SecDB)}, nil
}

// Env is a storage.Env backed by a single bbolt.DB.
type Env struct {
	bdb *bbolt.DB

	mu          sync.Mutex
	secondaries map[string][]*SecDB // primary DB name -> its registered secondaries
}

var _ storage.Env = (*Env)(nil)
var _ storage.OpenJoinCursor = (*Env)(nil)

func (e *Env) OpenDB(name string, opts storage.DBOptions) (storage.DB, error) {
	if opts.AllowCreate {
		err := e.bdb.Update(func(btx *bbolt.Tx) error {
			_, err := btx.CreateBucketIfNotExists([]byte(name))
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("bolt: create db %s: %w", name, err)
		}
	} else {
		err := e.bdb.View(func(btx *bbolt.Tx) error {
			if btx.Bucket([]byte(name)) == nil {
				return fmt.Errorf("bolt: db %s does not exist", name)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return &DB{env: e, name: name}, nil
}

func (e *Env) OpenSecondaryDB(name string, primary storage.DB, opts storage.SecDBOptions) (storage.SecDB, error) {
	pdb, ok := primary.(*DB)
	if !ok {
		return nil, fmt.Errorf("bolt: primary db %v is not a bolt.DB", primary)
	}
	if opts.AllowCreate {
		err := e.bdb.Update(func(btx *bbolt.Tx) error {
			_, err := btx.CreateBucketIfNotExists([]byte(name))
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("bolt: create secondary db %s: %w", name, err)
		}
	}
	sec := &SecDB{
		env:       e,
		name:      name,
		sortedDup: opts.SortedDuplicates,
		creator:   opts.KeyCreator,
	}
	e.mu.Lock()
	e.registerSecondaryLocked(pdb.name, sec)
	e.mu.Unlock()
	return sec, nil
}

// registerSecondaryLocked replaces any earlier registration of the same
// secondary name, so a close-and-reopen doesn't maintain the index twice.
func (e *Env) registerSecondaryLocked(primaryName string, sec *SecDB) {
	secs := e.secondaries[primaryName]
	for i, old := range secs {
		if old.name == sec.name {
			secs[i] = sec
			return
		}
	}
	e.secondaries[primaryName] = append(secs, sec)
}

// dropSecondaryLocked forgets a removed database, whichever side of the
// primary/secondary relationship it was on.
func (e *Env) dropSecondaryLocked(name string) {
	delete(e.secondaries, name)
	for pname, secs := range e.secondaries {
		kept := secs[:0]
		for _, s := range secs {
			if s.name != name {
				kept = append(kept, s)
			}
		}
		e.secondaries[pname] = kept
	}
}

func (e *Env) secondariesOf(primaryName string) []*SecDB {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*SecDB(nil), e.secondaries[primaryName]...)
}

func (e *Env) RemoveDB(name string, txn storage.Txn) error {
	e.mu.Lock()
	e.dropSecondaryLocked(name)
	e.mu.Unlock()

	btx, owned, err := e.writableTx(txn)
	if err != nil {
		return err
	}
	if owned {
		defer btx.Rollback()
	}
	if btx.Bucket([]byte(name)) == nil {
		return nil
	}
	if err := btx.DeleteBucket([]byte(name)); err != nil {
		return fmt.Errorf("bolt: remove db %s: %w", name, err)
	}
	if owned {
		return btx.Commit()
	}
	return nil
}

func (e *Env) DatabaseNames() ([]string, error) {
	var names []string
	err := e.bdb.View(func(btx *bbolt.Tx) error {
		return btx.ForEach(func(name []byte, _ *bbolt.Bucket) error {
			names = append(names, string(name))
			return nil
		})
	})
	return names, err
}

func (e *Env) BeginTxn(opts storage.TxnOptions) (storage.Txn, error) {
	if opts.Parent != nil {
		// bbolt allows only one writable transaction at a time, so a
		// "nested" transaction is simply the parent itself.
		return opts.Parent, nil
	}
	btx, err := e.bdb.Begin(true)
	if err != nil {
		return nil, fmt.Errorf("bolt: begin: %w", err)
	}
	return &Txn{btx: btx}, nil
}

func (e *Env) Close() error {
	return e.bdb.Close()
}

// writableTx resolves a storage.Txn (nil meaning autocommit) into a usable
// *bbolt.Tx, opening an owned one when needed. The caller must Commit or
// Rollback an owned tx itself.
func (e *Env) writableTx(txn storage.Txn) (*bbolt.Tx, bool, error) {
	if txn == nil {
		btx, err := e.bdb.Begin(true)
		if err != nil {
			return nil, false, fmt.Errorf("bolt: begin autocommit: %w", err)
		}
		return btx, true, nil
	}
	t, ok := txn.(*Txn)
	if !ok {
		return nil, false, fmt.Errorf("bolt: txn %v is not a bolt.Txn", txn)
	}
	if t.status != storage.TxnOpen {
		return nil, false, fmt.Errorf("bolt: txn is not open")
	}
	return t.btx, false, nil
}

func (e *Env) readTx(txn storage.Txn) (*bbolt.Tx, bool, error) {
	if txn == nil {
		btx, err := e.bdb.Begin(false)
		if err != nil {
			return nil, false, fmt.Errorf("bolt: begin read: %w", err)
		}
		return btx, true, nil
	}
	t, ok := txn.(*Txn)
	if !ok {
		return nil, false, fmt.Errorf("bolt: txn %v is not a bolt.Txn", txn)
	}
	return t.btx, false, nil
}

// Txn wraps a *bbolt.Tx with the open/committed/aborted status the engine's
// transaction supervisor inspects.
type Txn struct {
	btx    *bbolt.Tx
	status storage.TxnStatus
}

var _ storage.Txn = (*Txn)(nil)

func (t *Txn) Status() storage.TxnStatus { return t.status }

func (t *Txn) Commit() error {
	if t.status != storage.TxnOpen {
		return fmt.Errorf("bolt: txn already %v", t.status)
	}
	err := t.btx.Commit()
	if err != nil {
		t.status = storage.TxnAborted
		return err
	}
	t.status = storage.TxnCommitted
	return nil
}

func (t *Txn) Abort() error {
	if t.status != storage.TxnOpen {
		return nil
	}
	err := t.btx.Rollback()
	t.status = storage.TxnAborted
	if err == bbolt.ErrTxClosed {
		return nil
	}
	return err
}

// DB is a primary database: a top-level bbolt bucket with at most one value
// per key, automatically propagating writes to its registered secondaries.
type DB struct {
	env  *Env
	name string
}

var _ storage.DB = (*DB)(nil)

func (d *DB) Name() string { return d.name }

func (d *DB) Get(key []byte, txn storage.Txn) ([]byte, bool, error) {
	btx, owned, err := d.env.readTx(txn)
	if err != nil {
		return nil, false, err
	}
	if owned {
		defer btx.Rollback()
	}
	b := btx.Bucket([]byte(d.name))
	if b == nil {
		return nil, false, nil
	}
	v := b.Get(key)
	if v == nil {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (d *DB) Put(key, value []byte, txn storage.Txn) (storage.Status, error) {
	btx, owned, err := d.env.writableTx(txn)
	if err != nil {
		return storage.StatusNotFound, err
	}
	b, err := btx.CreateBucketIfNotExists([]byte(d.name))
	if err != nil {
		return storage.StatusNotFound, d.fail(owned, btx, err)
	}
	old := append([]byte(nil), b.Get(key)...)
	if b.Get(key) == nil {
		old = nil
	}
	if err := b.Put(key, value); err != nil {
		return storage.StatusNotFound, d.fail(owned, btx, err)
	}
	for _, sec := range d.env.secondariesOf(d.name) {
		if err := sec.maintain(btx, key, old, value); err != nil {
			return storage.StatusNotFound, d.fail(owned, btx, err)
		}
	}
	if owned {
		if err := btx.Commit(); err != nil {
			return storage.StatusNotFound, err
		}
	}
	return storage.StatusSuccess, nil
}

func (d *DB) Delete(key []byte, txn storage.Txn) (storage.Status, error) {
	btx, owned, err := d.env.writableTx(txn)
	if err != nil {
		return storage.StatusNotFound, err
	}
	b := btx.Bucket([]byte(d.name))
	if b == nil {
		if owned {
			btx.Rollback()
		}
		return storage.StatusNotFound, nil
	}
	old := b.Get(key)
	if old == nil {
		if owned {
			btx.Rollback()
		}
		return storage.StatusNotFound, nil
	}
	old = append([]byte(nil), old...)
	if err := b.Delete(key); err != nil {
		return storage.StatusNotFound, d.fail(owned, btx, err)
	}
	for _, sec := range d.env.secondariesOf(d.name) {
		if err := sec.maintain(btx, key, old, nil); err != nil {
			return storage.StatusNotFound, d.fail(owned, btx, err)
		}
	}
	if owned {
		if err := btx.Commit(); err != nil {
			return storage.StatusNotFound, err
		}
	}
	return storage.StatusSuccess, nil
}

func (d *DB) fail(owned bool, btx *bbolt.Tx, err error) error {
	if owned {
		btx.Rollback()
	}
	return err
}

func (d *DB) Cursor(txn storage.Txn) (storage.Cursor, error) {
	btx, owned, err := d.env.readTx(txn)
	if err != nil {
		return nil, err
	}
	b := btx.Bucket([]byte(d.name))
	if b == nil {
		if owned {
			btx.Rollback()
		}
		return emptyCursor{}, nil
	}
	return &primaryCursor{c: b.Cursor(), owned: owned, btx: btx}, nil
}

func (d *DB) Close() error { return nil }

// SecDB is a secondary database. Unique databases store key -> primary-key;
// duplicate-permitting ("any") databases store a composite
// (key, primary-key) -> primary-key, the classic way to simulate sorted
// duplicates on a store that lacks them natively.
type SecDB struct {
	env       *Env
	name      string
	sortedDup bool
	creator   storage.KeyCreatorFunc
}

var _ storage.SecDB = (*SecDB)(nil)

func (s *SecDB) Name() string           { return s.name }
func (s *SecDB) SortedDuplicates() bool { return s.sortedDup }

func (s *SecDB) maintain(btx *bbolt.Tx, pkey, oldValue, newValue []byte) error {
	b, err := btx.CreateBucketIfNotExists([]byte(s.name))
	if err != nil {
		return err
	}

	var oldKey []byte
	var oldOK bool
	if oldValue != nil {
		oldKey, oldOK = s.creator(pkey, oldValue)
	}
	var newKey []byte
	var newOK bool
	if newValue != nil {
		newKey, newOK = s.creator(pkey, newValue)
	}

	if oldOK && (!newOK || !bytes.Equal(oldKey, newKey)) {
		if err := b.Delete(s.storageKey(oldKey, pkey)); err != nil {
			return err
		}
	}
	if newOK {
		if err := b.Put(s.storageKey(newKey, pkey), pkey); err != nil {
			return err
		}
	}
	return nil
}

func (s *SecDB) storageKey(secKey, pkey []byte) []byte {
	if !s.sortedDup {
		return secKey
	}
	k := make([]byte, 0, len(secKey)+len(pkey))
	k = append(k, secKey...)
	k = append(k, pkey...)
	return k
}

// splitKey recovers (secondaryKey, primaryKey) from a stored key.
func (s *SecDB) splitKey(stored []byte) (secKey, pkey []byte) {
	if !s.sortedDup {
		return stored, nil
	}
	n := len(stored)
	if n < storage.PrimaryKeySize {
		return stored, nil
	}
	return stored[:n-storage.PrimaryKeySize], stored[n-storage.PrimaryKeySize:]
}

func (s *SecDB) Get(key []byte, txn storage.Txn) ([]byte, bool, error) {
	btx, owned, err := s.env.readTx(txn)
	if err != nil {
		return nil, false, err
	}
	if owned {
		defer btx.Rollback()
	}
	b := btx.Bucket([]byte(s.name))
	if b == nil {
		return nil, false, nil
	}
	if !s.sortedDup {
		v := b.Get(key)
		if v == nil {
			return nil, false, nil
		}
		return append([]byte(nil), v...), true, nil
	}
	c := b.Cursor()
	k, v := c.Seek(key)
	if k == nil || !bytes.HasPrefix(k, key) {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (s *SecDB) Cursor(txn storage.Txn) (storage.Cursor, error) {
	btx, owned, err := s.env.readTx(txn)
	if err != nil {
		return nil, err
	}
	b := btx.Bucket([]byte(s.name))
	if b == nil {
		if owned {
			btx.Rollback()
		}
		return emptyCursor{}, nil
	}
	return &secCursor{sec: s, c: b.Cursor(), owned: owned, btx: btx}, nil
}

func (s *SecDB) Close() error { return nil }

// primaryCursor walks a primary DB's bucket directly, yielding stored keys
// and values.
type primaryCursor struct {
	c     *bbolt.Cursor
	owned bool
	btx   *bbolt.Tx
}

func (c *primaryCursor) Search(value []byte, exact bool, _ storage.LockMode) ([]byte, []byte, bool, error) {
	k, v := c.c.Seek(value)
	if k == nil {
		return nil, nil, false, nil
	}
	if exact && !bytes.Equal(k, value) {
		return nil, nil, false, nil
	}
	return clone(k), clone(v), true, nil
}

func (c *primaryCursor) Next() ([]byte, []byte, bool, error) {
	k, v := c.c.Next()
	if k == nil {
		return nil, nil, false, nil
	}
	return clone(k), clone(v), true, nil
}

func (c *primaryCursor) Scan(bound []byte, op storage.RangeOp, _ storage.LockMode) (storage.Iterator, error) {
	return newRangeIterator(c.c, bound, op, func(k []byte) ([]byte, []byte) { return k, nil }), nil
}

func (c *primaryCursor) Close() error {
	if c.owned {
		return c.btx.Rollback()
	}
	return nil
}

// secCursor walks a secondary DB's bucket, hiding the composite-key
// encoding used for duplicate-permitting indices from callers.
type secCursor struct {
	sec   *SecDB
	c     *bbolt.Cursor
	owned bool
	btx   *bbolt.Tx
}

func (c *secCursor) Search(value []byte, exact bool, _ storage.LockMode) ([]byte, []byte, bool, error) {
	k, v := c.c.Seek(c.sec.storageKey(value, nil))
	if k == nil {
		return nil, nil, false, nil
	}
	secKey, pkey := c.sec.splitKey(k)
	if exact && !bytes.Equal(secKey, value) {
		return nil, nil, false, nil
	}
	if c.sec.sortedDup {
		return clone(secKey), clone(pkey), true, nil
	}
	return clone(secKey), clone(v), true, nil
}

func (c *secCursor) Next() ([]byte, []byte, bool, error) {
	k, v := c.c.Next()
	if k == nil {
		return nil, nil, false, nil
	}
	secKey, pkey := c.sec.splitKey(k)
	if c.sec.sortedDup {
		return clone(secKey), clone(pkey), true, nil
	}
	return clone(secKey), clone(v), true, nil
}

func (c *secCursor) Scan(bound []byte, op storage.RangeOp, _ storage.LockMode) (storage.Iterator, error) {
	return newRangeIterator(c.c, bound, op, func(k []byte) ([]byte, []byte) {
		secKey, pkey := c.sec.splitKey(k)
		if c.sec.sortedDup {
			return secKey, pkey
		}
		return secKey, nil
	}), nil
}

func (c *secCursor) Close() error {
	if c.owned {
		return c.btx.Rollback()
	}
	return nil
}

// emptyCursor stands in for a cursor over a database whose bucket has not
// been materialized yet; it yields nothing.
type emptyCursor struct{}

func (emptyCursor) Search([]byte, bool, storage.LockMode) ([]byte, []byte, bool, error) {
	return nil, nil, false, nil
}
func (emptyCursor) Next() ([]byte, []byte, bool, error) { return nil, nil, false, nil }
func (emptyCursor) Scan([]byte, storage.RangeOp, storage.LockMode) (storage.Iterator, error) {
	return emptyCursor{}, nil
}
func (emptyCursor) Close() error { return nil }

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}

// rangeIterator implements storage.Iterator for all five RangeOp variants
// over a raw bbolt cursor, as a small direction/skip state machine rather
// than a generic "keep going while a predicate holds" loop — the predicate
// approach breaks for the strict operators (>, <) whose bound entry must be
// skipped without ending the scan.
type rangeIterator struct {
	c       *bbolt.Cursor
	bound   []byte
	op      storage.RangeOp
	split   func([]byte) ([]byte, []byte)
	started bool
	done    bool
}

func newRangeIterator(c *bbolt.Cursor, bound []byte, op storage.RangeOp, split func([]byte) ([]byte, []byte)) *rangeIterator {
	return &rangeIterator{c: c, bound: bound, op: op, split: split}
}

func (it *rangeIterator) Next() ([]byte, []byte, bool, error) {
	if it.done {
		return nil, nil, false, nil
	}

	var k, v []byte
	if !it.started {
		it.started = true
		switch it.op {
		case storage.OpGE, storage.OpGT, storage.OpEQ:
			k, v = it.c.Seek(it.bound)
			if it.op == storage.OpGT {
				// Skip the bound's whole duplicate set.
				for k != nil {
					if sk, _ := it.split(k); !bytes.Equal(sk, it.bound) {
						break
					}
					k, v = it.c.Next()
				}
			}
		case storage.OpLE, storage.OpLT:
			k, v = it.c.First()
		}
	} else {
		k, v = it.c.Next()
	}

	if k == nil {
		it.done = true
		return nil, nil, false, nil
	}

	secKey, pkey := it.split(k)
	switch it.op {
	case storage.OpLE:
		if bytes.Compare(secKey, it.bound) > 0 {
			it.done = true
			return nil, nil, false, nil
		}
	case storage.OpLT:
		if bytes.Compare(secKey, it.bound) >= 0 {
			it.done = true
			return nil, nil, false, nil
		}
	case storage.OpEQ:
		if !bytes.Equal(secKey, it.bound) {
			it.done = true
			return nil, nil, false, nil
		}
	}

	if pkey != nil {
		return clone(secKey), clone(pkey), true, nil
	}
	return clone(secKey), clone(v), true, nil
}

func (it *rangeIterator) Close() error { return nil }

// joinCursor intersects several positioned secondary cursors by sorted
// merge: repeatedly advance the cursor(s) holding the smallest current
// primary key until all of them agree, yielding that key, mirroring the
// classic Berkeley DB join-cursor algorithm. Each cursor is confined to
// the duplicate set of the secondary key it was positioned at; a Next that
// lands on a different secondary key exhausts the join.
type joinCursor struct {
	cursors   []storage.Cursor
	keys      [][]byte // positioned secondary key per cursor
	heads     [][]byte // current primary key per cursor
	started   bool
	exhausted bool
}

func (e *Env) OpenJoinCursor(cursors []storage.Cursor, initial []storage.JoinEntry) (storage.JoinCursor, error) {
	keys := make([][]byte, len(cursors))
	heads := make([][]byte, len(cursors))
	for i, ent := range initial {
		keys[i] = ent.Key
		heads[i] = ent.PKey
	}
	return &joinCursor{cursors: cursors, keys: keys, heads: heads}, nil
}

func (j *joinCursor) advance(i int) bool {
	key, pkey, ok, err := j.cursors[i].Next()
	if err != nil || !ok || !bytes.Equal(key, j.keys[i]) {
		j.exhausted = true
		return false
	}
	j.heads[i] = pkey
	return true
}

func (j *joinCursor) Next(lockMode storage.LockMode) ([]byte, bool, error) {
	if j.exhausted {
		return nil, false, nil
	}
	if j.started {
		// Caller consumed the previous match; move every cursor past it.
		for i := range j.cursors {
			if !j.advance(i) {
				return nil, false, nil
			}
		}
	}
	j.started = true

	for {
		target := j.heads[0]
		for _, h := range j.heads[1:] {
			if bytes.Compare(h, target) > 0 {
				target = h
			}
		}

		converged := true
		for i, h := range j.heads {
			for bytes.Compare(h, target) < 0 {
				if !j.advance(i) {
					return nil, false, nil
				}
				h = j.heads[i]
				converged = false
			}
		}
		if converged {
			return target, true, nil
		}
	}
}

func (j *joinCursor) Close() error {
	for _, c := range j.cursors {
		c.Close()
	}
	return nil
}
