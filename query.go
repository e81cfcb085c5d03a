package cupboard

import (
	"bytes"

	"github.com/cupboarddb/cupboard/storage"
)

// Op is a query clause's comparison operator.
type Op int

const (
	OpEQ Op = iota
	OpLT
	OpLE
	OpGT
	OpGE
)

func (op Op) String() string {
	switch op {
	case OpEQ:
		return "="
	case OpLT:
		return "<"
	case OpLE:
		return "<="
	case OpGT:
		return ">"
	case OpGE:
		return ">="
	default:
		return "?"
	}
}

func (op Op) rangeOp() storage.RangeOp {
	switch op {
	case OpLT:
		return storage.OpLT
	case OpLE:
		return storage.OpLE
	case OpGT:
		return storage.OpGT
	case OpGE:
		return storage.OpGE
	default:
		return storage.OpEQ
	}
}

func (op Op) matches(cmp int) bool {
	switch op {
	case OpEQ:
		return cmp == 0
	case OpLT:
		return cmp < 0
	case OpLE:
		return cmp <= 0
	case OpGT:
		return cmp > 0
	case OpGE:
		return cmp >= 0
	default:
		return false
	}
}

// Predicate is a user-supplied comparison for clauses whose semantics go
// beyond the built-in operators. A clause carrying one is never eligible
// for the natural-join plan, and its index can only be scanned in full
// when it dominates.
type Predicate func(fieldValue, bound any) bool

// Clause is one conjunct of a query: the indexed field it constrains, the
// comparison operator, and the bound value. Pred, when set, replaces Op.
type Clause struct {
	Op    Op
	Index string
	Value any
	Pred  Predicate
}

// DominatingClauseStrategy picks which clause's index a range-join scans;
// every other clause becomes a post-filter. The planner consults it so a
// selectivity-aware implementation can be swapped in without touching the
// executors.
type DominatingClauseStrategy interface {
	Choose(clauses []Clause) int
}

// FirstClause is the default strategy: the first clause's index is scanned.
type FirstClause struct{}

func (FirstClause) Choose([]Clause) int { return 0 }

// QueryOptions configures Query.
type QueryOptions struct {
	// Limit caps the number of records materialized; 0 means unlimited.
	Limit int
	// Callback transforms each record during materialization; returning
	// nil drops the record. Defaults to identity.
	Callback  func(*Record) *Record
	ShelfName string
	Txn       storage.Txn
	// LockMode defaults to read-uncommitted.
	LockMode storage.LockMode
	Strategy DominatingClauseStrategy
}

// Query runs a conjunction of clauses over the shelf's indices. When every
// clause is an equality, the natural (equijoin) plan positions one cursor
// per clause and intersects them through a join cursor; otherwise the
// range plan scans a dominating clause's index and filters candidates by
// every clause. Results are materialized eagerly up to Limit, and every
// cursor involved is closed before Query returns, whether the scan was
// drained or cut short.
func (cb *Cupboard) Query(clauses []Clause, opts QueryOptions) ([]*Record, error) {
	if len(clauses) == 0 {
		return nil, invalidArgf(nil, "query needs at least one clause")
	}
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

	if naturalJoinEligible(clauses) {
		if _, ok := cb.env.(storage.OpenJoinCursor); ok {
			return shelf.naturalJoin(clauses, opts)
		}
	}
	return shelf.rangeJoin(clauses, opts)
}

// naturalJoinEligible reports whether every clause is a plain equality.
func naturalJoinEligible(clauses []Clause) bool {
	for _, c := range clauses {
		if c.Op != OpEQ || c.Pred != nil {
			return false
		}
	}
	return true
}

// naturalJoin positions one cursor per clause at the clause's value with
// exact match, then intersects their primary-key streams through a join
// cursor. The join cursor owns the underlying index cursors once opened;
// until then the deferred loop below cleans up whatever was acquired.
func (s *Shelf) naturalJoin(clauses []Clause, opts QueryOptions) (result []*Record, err error) {
	cursors := make([]storage.Cursor, 0, len(clauses))
	defer func() {
		for _, c := range cursors {
			c.Close()
		}
	}()

	initial := make([]storage.JoinEntry, 0, len(clauses))
	for _, cl := range clauses {
		idx, _, ok := s.findIndex(cl.Index)
		if !ok {
			return nil, &UnindexedFieldError{Shelf: s.name, Field: cl.Index}
		}
		bound, err := encodeIndexKey(cl.Value)
		if err != nil {
			return nil, err
		}
		cur, err := idx.sec.Cursor(opts.Txn)
		if err != nil {
			return nil, storageErrf("open index cursor", err)
		}
		cursors = append(cursors, cur)
		key, pkey, found, err := cur.Search(bound, true, opts.LockMode)
		if err != nil {
			return nil, storageErrf("position index cursor", err)
		}
		if !found {
			// One clause matches nothing, so the intersection is empty.
			return nil, nil
		}
		initial = append(initial, storage.JoinEntry{Key: key, PKey: pkey})
	}

	jc, err := s.cb.env.(storage.OpenJoinCursor).OpenJoinCursor(cursors, initial)
	if err != nil {
		return nil, storageErrf("open join cursor", err)
	}
	cursors = nil // jc.Close closes them now
	defer jc.Close()

	for opts.Limit == 0 || len(result) < opts.Limit {
		pkey, ok, err := jc.Next(opts.LockMode)
		if err != nil {
			return nil, storageErrf("join cursor next", err)
		}
		if !ok {
			break
		}
		rec, found, err := s.loadRecord(pkey, opts.Txn)
		if err != nil {
			return nil, err
		}
		if !found {
			continue
		}
		if rec = applyCallback(opts.Callback, rec); rec != nil {
			result = append(result, rec)
		}
	}
	return result, nil
}

// rangeJoin scans the dominating clause's index from the clause's value,
// using its operator as the comparison, and keeps every candidate that
// satisfies all clauses.
func (s *Shelf) rangeJoin(clauses []Clause, opts QueryOptions) (result []*Record, err error) {
	strategy := opts.Strategy
	if strategy == nil {
		strategy = FirstClause{}
	}
	di := strategy.Choose(clauses)
	if di < 0 || di >= len(clauses) {
		di = 0
	}
	dom := clauses[di]

	idx, _, ok := s.findIndex(dom.Index)
	if !ok {
		return nil, &UnindexedFieldError{Shelf: s.name, Field: dom.Index}
	}

	// A user predicate can't steer the scan, so dominate-by-predicate
	// degenerates to a full scan of the index.
	bound := []byte(nil)
	rop := storage.OpGE
	if dom.Pred == nil {
		bound, err = encodeIndexKey(dom.Value)
		if err != nil {
			return nil, err
		}
		rop = dom.Op.rangeOp()
	}

	cur, err := idx.sec.Cursor(opts.Txn)
	if err != nil {
		return nil, storageErrf("open index cursor", err)
	}
	defer cur.Close()

	it, err := cur.Scan(bound, rop, opts.LockMode)
	if err != nil {
		return nil, storageErrf("scan index", err)
	}
	defer it.Close()

	for opts.Limit == 0 || len(result) < opts.Limit {
		_, pkey, ok, err := it.Next()
		if err != nil {
			return nil, storageErrf("scan next", err)
		}
		if !ok {
			break
		}
		rec, found, err := s.loadRecord(pkey, opts.Txn)
		if err != nil {
			return nil, err
		}
		if !found {
			continue
		}
		match, err := rec.matchesAll(clauses)
		if err != nil {
			return nil, err
		}
		if !match {
			continue
		}
		if rec = applyCallback(opts.Callback, rec); rec != nil {
			result = append(result, rec)
		}
	}
	return result, nil
}

// matchesAll applies every clause to the record's fields; a record lacking
// a clause's field never matches.
func (r *Record) matchesAll(clauses []Clause) (bool, error) {
	for _, cl := range clauses {
		v, ok := r.fields[cl.Index]
		if !ok {
			return false, nil
		}
		if cl.Pred != nil {
			if !cl.Pred(v, cl.Value) {
				return false, nil
			}
			continue
		}
		a, err := encodeIndexKey(v)
		if err != nil {
			return false, err
		}
		b, err := encodeIndexKey(cl.Value)
		if err != nil {
			return false, err
		}
		if !cl.Op.matches(bytes.Compare(a, b)) {
			return false, nil
		}
	}
	return true, nil
}

func applyCallback(cb func(*Record) *Record, r *Record) *Record {
	if cb == nil {
		return r
	}
	return cb(r)
}
