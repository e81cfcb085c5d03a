// Package memtest is an in-memory storage backend used by cupboard's own
// test suite. It is grounded on the same copy-on-write, single-writer
// design as a typical embedded store (snapshot the whole database at Begin,
// swap it in atomically at Commit), generalized with secondary-database
// maintenance and, crucially, a deadlock fault injector: bbolt's
// single-writer Batch never actually deadlocks, so the deterministic
// deadlock-retry scenarios in the engine's test suite are driven against
// this backend instead of storage/bolt.
package memtest

import (
	"bytes"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/cupboarddb/cupboard/storage"
)

// Open returns a fresh, empty in-memory environment.
func Open() *Env {
	e := &Env{buckets: make(map[string]*bucket), secondaries: make(map[string][]*secDB)}
	e.cond = sync.NewCond(&e.mu)
	return e
}

// Env is a storage.Env that keeps everything in memory.
type Env struct {
	mu          sync.Mutex
	cond        *sync.Cond
	buckets     map[string]*bucket
	secondaries map[string][]*secDB
	writerBusy  bool
	closed      bool

	deadlockCountdown atomic.Int32
}

var _ storage.Env = (*Env)(nil)
var _ storage.OpenJoinCursor = (*Env)(nil)

// FailNextCommits makes the next n writable-Txn commits return
// storage.ErrDeadlock (the write is discarded, as a real deadlock abort
// would require) before commits start succeeding again.
func (e *Env) FailNextCommits(n int) {
	e.deadlockCountdown.Store(int32(n))
}

func (e *Env) OpenDB(name string, opts storage.DBOptions) (storage.DB, error) {
	e.mu.Lock()
	if e.buckets[name] == nil {
		e.buckets[name] = &bucket{}
	}
	e.mu.Unlock()
	return &db{env: e, name: name}, nil
}

func (e *Env) OpenSecondaryDB(name string, primary storage.DB, opts storage.SecDBOptions) (storage.SecDB, error) {
	pdb, ok := primary.(*db)
	if !ok {
		return nil, fmt.Errorf("memtest: primary db %v is not a memtest.db", primary)
	}
	e.mu.Lock()
	if e.buckets[name] == nil {
		e.buckets[name] = &bucket{}
	}
	sec := &secDB{env: e, name: name, sortedDup: opts.SortedDuplicates, creator: opts.KeyCreator}
	replaced := false
	for i, old := range e.secondaries[pdb.name] {
		if old.name == name {
			e.secondaries[pdb.name][i] = sec
			replaced = true
			break
		}
	}
	if !replaced {
		e.secondaries[pdb.name] = append(e.secondaries[pdb.name], sec)
	}
	e.mu.Unlock()
	return sec, nil
}

func (e *Env) secondariesOf(name string) []*secDB {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*secDB(nil), e.secondaries[name]...)
}

func (e *Env) RemoveDB(name string, txn storage.Txn) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.buckets, name)
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
	return nil
}

func (e *Env) DatabaseNames() ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	names := make([]string, 0, len(e.buckets))
	for name := range e.buckets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (e *Env) BeginTxn(opts storage.TxnOptions) (storage.Txn, error) {
	if opts.Parent != nil {
		return opts.Parent, nil
	}
	return e.begin(true)
}

func (e *Env) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	e.cond.Broadcast()
	return nil
}

func (e *Env) begin(writable bool) (*txn, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, fmt.Errorf("memtest: storage closed")
	}
	if writable {
		for e.writerBusy && !e.closed {
			e.cond.Wait()
		}
		if e.closed {
			return nil, fmt.Errorf("memtest: storage closed")
		}
		e.writerBusy = true
	}
	snap := make(map[string]*bucket, len(e.buckets))
	for name, b := range e.buckets {
		snap[name] = b.clone()
	}
	return &txn{env: e, writable: writable, buckets: snap, status: storage.TxnOpen}, nil
}

// txn is a snapshot of the whole environment, swapped in on commit.
type txn struct {
	env      *Env
	writable bool
	buckets  map[string]*bucket
	status   storage.TxnStatus
}

var _ storage.Txn = (*txn)(nil)

func (t *txn) Status() storage.TxnStatus { return t.status }

func (t *txn) Commit() error {
	if t.status != storage.TxnOpen {
		return fmt.Errorf("memtest: txn already %v", t.status)
	}
	if !t.writable {
		t.status = storage.TxnCommitted
		return nil
	}

	if t.env.deadlockCountdown.Load() > 0 {
		t.env.deadlockCountdown.Add(-1)
		t.abortLocked()
		return storage.ErrDeadlock
	}

	t.env.mu.Lock()
	t.env.buckets = t.buckets
	t.env.writerBusy = false
	t.env.cond.Broadcast()
	t.env.mu.Unlock()
	t.status = storage.TxnCommitted
	return nil
}

func (t *txn) Abort() error {
	if t.status != storage.TxnOpen {
		return nil
	}
	t.abortLocked()
	return nil
}

func (t *txn) abortLocked() {
	if t.writable {
		t.env.mu.Lock()
		t.env.writerBusy = false
		t.env.cond.Broadcast()
		t.env.mu.Unlock()
	}
	t.status = storage.TxnAborted
}

func (t *txn) bucket(name string) *bucket {
	b := t.buckets[name]
	if b == nil {
		b = &bucket{}
		t.buckets[name] = b
	}
	return b
}

type bucket struct {
	items []kv // sorted by key
}

type kv struct {
	key, value []byte
}

func (b *bucket) clone() *bucket {
	if b == nil {
		return &bucket{}
	}
	out := &bucket{items: make([]kv, len(b.items))}
	for i, e := range b.items {
		out.items[i] = kv{append([]byte(nil), e.key...), append([]byte(nil), e.value...)}
	}
	return out
}

func (b *bucket) find(key []byte) (int, bool) {
	i := sort.Search(len(b.items), func(i int) bool { return bytes.Compare(b.items[i].key, key) >= 0 })
	return i, i < len(b.items) && bytes.Equal(b.items[i].key, key)
}

func (b *bucket) get(key []byte) []byte {
	i, ok := b.find(key)
	if !ok {
		return nil
	}
	return b.items[i].value
}

func (b *bucket) put(key, value []byte) {
	key = append([]byte(nil), key...)
	value = append([]byte(nil), value...)
	i, ok := b.find(key)
	if ok {
		b.items[i].value = value
		return
	}
	b.items = append(b.items, kv{})
	copy(b.items[i+1:], b.items[i:])
	b.items[i] = kv{key, value}
}

func (b *bucket) delete(key []byte) {
	i, ok := b.find(key)
	if !ok {
		return
	}
	b.items = append(b.items[:i], b.items[i+1:]...)
}

func resolveTxn(t storage.Txn) (*txn, bool, error) {
	if t == nil {
		return nil, false, nil
	}
	mt, ok := t.(*txn)
	if !ok {
		return nil, false, fmt.Errorf("memtest: txn %v is not a memtest.txn", t)
	}
	if mt.status != storage.TxnOpen {
		return nil, false, fmt.Errorf("memtest: txn is not open")
	}
	return mt, true, nil
}

type db struct {
	env  *Env
	name string
}

var _ storage.DB = (*db)(nil)

func (d *db) Name() string { return d.name }

func (d *db) Get(key []byte, t storage.Txn) ([]byte, bool, error) {
	mt, owned, err := resolveTxn(t)
	if err != nil {
		return nil, false, err
	}
	if !owned {
		mt, err = d.env.begin(false)
		if err != nil {
			return nil, false, err
		}
		defer mt.Abort()
	}
	v := mt.bucket(d.name).get(key)
	if v == nil {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (d *db) Put(key, value []byte, t storage.Txn) (storage.Status, error) {
	mt, owned, err := resolveTxn(t)
	if err != nil {
		return storage.StatusNotFound, err
	}
	if !owned {
		mt, err = d.env.begin(true)
		if err != nil {
			return storage.StatusNotFound, err
		}
	}
	b := mt.bucket(d.name)
	old := b.get(key)
	b.put(key, value)
	for _, sec := range d.env.secondariesOf(d.name) {
		sec.maintain(mt, key, old, value)
	}
	if !owned {
		if err := mt.Commit(); err != nil {
			return storage.StatusNotFound, err
		}
	}
	return storage.StatusSuccess, nil
}

func (d *db) Delete(key []byte, t storage.Txn) (storage.Status, error) {
	mt, owned, err := resolveTxn(t)
	if err != nil {
		return storage.StatusNotFound, err
	}
	if !owned {
		mt, err = d.env.begin(true)
		if err != nil {
			return storage.StatusNotFound, err
		}
	}
	b := mt.bucket(d.name)
	old := b.get(key)
	if old == nil {
		if !owned {
			mt.Abort()
		}
		return storage.StatusNotFound, nil
	}
	b.delete(key)
	for _, sec := range d.env.secondariesOf(d.name) {
		sec.maintain(mt, key, old, nil)
	}
	if !owned {
		if err := mt.Commit(); err != nil {
			return storage.StatusNotFound, err
		}
	}
	return storage.StatusSuccess, nil
}

func (d *db) Cursor(t storage.Txn) (storage.Cursor, error) {
	mt, owned, err := resolveTxn(t)
	if err != nil {
		return nil, err
	}
	if !owned {
		mt, err = d.env.begin(false)
		if err != nil {
			return nil, err
		}
	}
	return &cursor{b: mt.bucket(d.name), pos: -1, ownedTxn: ownedTxnOrNil(owned, mt)}, nil
}

func (d *db) Close() error { return nil }

func ownedTxnOrNil(owned bool, t *txn) *txn {
	if owned {
		return nil
	}
	return t
}

type secDB struct {
	env       *Env
	name      string
	sortedDup bool
	creator   storage.KeyCreatorFunc
}

var _ storage.SecDB = (*secDB)(nil)

func (s *secDB) Name() string { return s.name }

func (s *secDB) SortedDuplicates() bool { return s.sortedDup }

func (s *secDB) storageKey(secKey, pkey []byte) []byte {
	if !s.sortedDup {
		return secKey
	}
	k := make([]byte, 0, len(secKey)+len(pkey))
	k = append(k, secKey...)
	return append(k, pkey...)
}

func (s *secDB) splitKey(stored []byte) (secKey, pkey []byte) {
	if !s.sortedDup {
		return stored, nil
	}
	n := len(stored)
	if n < storage.PrimaryKeySize {
		return stored, nil
	}
	return stored[:n-storage.PrimaryKeySize], stored[n-storage.PrimaryKeySize:]
}

func (s *secDB) maintain(mt *txn, pkey, oldValue, newValue []byte) {
	b := mt.bucket(s.name)

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
		b.delete(s.storageKey(oldKey, pkey))
	}
	if newOK {
		b.put(s.storageKey(newKey, pkey), pkey)
	}
}

func (s *secDB) Get(key []byte, t storage.Txn) ([]byte, bool, error) {
	mt, owned, err := resolveTxn(t)
	if err != nil {
		return nil, false, err
	}
	if !owned {
		mt, err = s.env.begin(false)
		if err != nil {
			return nil, false, err
		}
		defer mt.Abort()
	}
	b := mt.bucket(s.name)
	if !s.sortedDup {
		v := b.get(key)
		if v == nil {
			return nil, false, nil
		}
		return append([]byte(nil), v...), true, nil
	}
	i, _ := b.find(s.storageKey(key, nil))
	if i >= len(b.items) || !bytes.HasPrefix(b.items[i].key, key) {
		return nil, false, nil
	}
	return append([]byte(nil), b.items[i].value...), true, nil
}

func (s *secDB) Cursor(t storage.Txn) (storage.Cursor, error) {
	mt, owned, err := resolveTxn(t)
	if err != nil {
		return nil, err
	}
	if !owned {
		mt, err = s.env.begin(false)
		if err != nil {
			return nil, err
		}
	}
	return &cursor{b: mt.bucket(s.name), pos: -1, sec: s, ownedTxn: ownedTxnOrNil(owned, mt)}, nil
}

func (s *secDB) Close() error { return nil }

// cursor is shared by primary and secondary databases; sec is nil for a
// primary-database cursor, in which case keys pass through unsplit.
type cursor struct {
	b        *bucket
	pos      int
	sec      *secDB
	ownedTxn *txn
}

func (c *cursor) split(stored []byte) (key, pkey []byte) {
	if c.sec == nil {
		return stored, nil
	}
	return c.sec.splitKey(stored)
}

func (c *cursor) storageKey(value []byte) []byte {
	if c.sec == nil {
		return value
	}
	return c.sec.storageKey(value, nil)
}

func (c *cursor) entryAt(i int) ([]byte, []byte, bool) {
	if i < 0 || i >= len(c.b.items) {
		return nil, nil, false
	}
	key, pkey := c.split(c.b.items[i].key)
	if pkey != nil {
		return key, pkey, true
	}
	return key, c.b.items[i].value, true
}

func (c *cursor) Search(value []byte, exact bool, _ storage.LockMode) ([]byte, []byte, bool, error) {
	target := c.storageKey(value)
	i, _ := c.b.find(target)
	c.pos = i
	key, pv, ok := c.entryAt(i)
	if !ok {
		return nil, nil, false, nil
	}
	if exact && !bytes.Equal(key, value) {
		return nil, nil, false, nil
	}
	return key, pv, true, nil
}

func (c *cursor) Next() ([]byte, []byte, bool, error) {
	c.pos++
	key, pv, ok := c.entryAt(c.pos)
	if !ok {
		return nil, nil, false, nil
	}
	return key, pv, true, nil
}

func (c *cursor) Scan(bound []byte, op storage.RangeOp, _ storage.LockMode) (storage.Iterator, error) {
	return &rangeIterator{c: c, bound: bound, op: op}, nil
}

func (c *cursor) Close() error {
	if c.ownedTxn != nil {
		return c.ownedTxn.Abort()
	}
	return nil
}

type rangeIterator struct {
	c       *cursor
	bound   []byte
	op      storage.RangeOp
	started bool
	done    bool
}

func (it *rangeIterator) Next() ([]byte, []byte, bool, error) {
	if it.done {
		return nil, nil, false, nil
	}

	var key, pv []byte
	var ok bool
	if !it.started {
		it.started = true
		switch it.op {
		case storage.OpGE, storage.OpGT, storage.OpEQ:
			target := it.c.storageKey(it.bound)
			i, _ := it.c.b.find(target)
			it.c.pos = i
			key, pv, ok = it.c.entryAt(i)
			if it.op == storage.OpGT {
				// Skip the bound's whole duplicate set.
				for ok && bytes.Equal(key, it.bound) {
					it.c.pos++
					key, pv, ok = it.c.entryAt(it.c.pos)
				}
			}
		case storage.OpLE, storage.OpLT:
			it.c.pos = 0
			key, pv, ok = it.c.entryAt(0)
		}
	} else {
		it.c.pos++
		key, pv, ok = it.c.entryAt(it.c.pos)
	}

	if !ok {
		it.done = true
		return nil, nil, false, nil
	}

	switch it.op {
	case storage.OpLE:
		if bytes.Compare(key, it.bound) > 0 {
			it.done = true
			return nil, nil, false, nil
		}
	case storage.OpLT:
		if bytes.Compare(key, it.bound) >= 0 {
			it.done = true
			return nil, nil, false, nil
		}
	case storage.OpEQ:
		if !bytes.Equal(key, it.bound) {
			it.done = true
			return nil, nil, false, nil
		}
	}

	return key, pv, true, nil
}

func (it *rangeIterator) Close() error { return nil }

// joinCursor mirrors the sorted-merge intersection in storage/bolt; each
// cursor is confined to the duplicate set it was positioned at.
type joinCursor struct {
	cursors   []storage.Cursor
	keys      [][]byte
	heads     [][]byte
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
