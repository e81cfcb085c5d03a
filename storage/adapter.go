// Package storage defines the contract the cupboard engine expects from an
// underlying key-value store: an environment that owns primary and secondary
// databases, cursors over them, join cursors for equijoin queries, and
// transactions with an observable status and a distinct deadlock error.
//
// Apart from cupboard.Open, which opens a storage/bolt environment, the
// cupboard package talks to its engine only through these interfaces (see
// storage/bolt for the production backend and storage/memtest for a
// deterministic one used to exercise the deadlock-retry loop).
package storage

import (
	"errors"
	"fmt"
)

// PrimaryKeySize is the fixed width, in bytes, of every primary key the
// engine hands to a storage adapter. Any-indices rely on this to split a
// composite (index-key, primary-key) byte string without a separator.
const PrimaryKeySize = 16

// ErrDeadlock is returned by Txn.Commit or by any operation performed under
// a transaction when the underlying engine detects a deadlock. Only the
// cupboard package's WithTxn retry block is expected to catch it; every
// other caller should let it propagate.
var ErrDeadlock = errors.New("storage: deadlock")

// ErrNotFound names a missing entry. The Get methods of DB and SecDB report
// absence through their found result rather than this error, and neither
// storage/bolt nor storage/memtest returns it.
var ErrNotFound = errors.New("storage: not found")

// Status reports whether a mutating call succeeded.
type Status int

const (
	StatusSuccess Status = iota
	StatusKeyExist
	StatusNotFound
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "SUCCESS"
	case StatusKeyExist:
		return "KEYEXIST"
	case StatusNotFound:
		return "NOTFOUND"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// LockMode mirrors the read-isolation knob a cursor or get can request.
type LockMode int

const (
	LockReadUncommitted LockMode = iota
	LockReadCommitted
	LockSerializable
)

// Isolation is the isolation level requested of a transaction at Begin time.
type Isolation int

const (
	IsolationRepeatableRead Isolation = iota
	IsolationReadCommitted
	IsolationSerializable
)

// TxnStatus is the observable lifecycle state of a Txn.
type TxnStatus int

const (
	TxnOpen TxnStatus = iota
	TxnCommitted
	TxnAborted
)

func (s TxnStatus) String() string {
	switch s {
	case TxnOpen:
		return "open"
	case TxnCommitted:
		return "committed"
	case TxnAborted:
		return "aborted"
	default:
		return fmt.Sprintf("TxnStatus(%d)", int(s))
	}
}

// TxnOptions configures Env.BeginTxn.
type TxnOptions struct {
	Isolation Isolation
	// Parent, when non-nil, asks for a nested transaction. Backends that
	// can't nest (every single-writer engine) are allowed to hand back the
	// parent itself rather than fail; see storage/bolt for that choice.
	Parent Txn
}

// Txn is a unit of work. Every mutating call on a DB or SecDB takes a Txn
// (nil meaning "autocommit", i.e. no transaction in force).
type Txn interface {
	Status() TxnStatus
	Commit() error
	Abort() error
}

// EnvOptions is passed to a backend's Open function (see bolt.Open).
type EnvOptions struct {
	AllowCreate   bool
	Transactional bool
}

// DBOptions configures Env.OpenDB.
type DBOptions struct {
	AllowCreate      bool
	SortedDuplicates bool
	Transactional    bool
	ReadOnly         bool
}

// KeyCreatorFunc derives a secondary key from a primary record's encoded
// bytes. ok is false when the record doesn't participate in this index
// (e.g. the indexed field is absent), in which case no secondary entry is
// written for it.
type KeyCreatorFunc func(primaryKey, value []byte) (secondaryKey []byte, ok bool)

// SecDBOptions configures Env.OpenSecondaryDB.
type SecDBOptions struct {
	AllowCreate      bool
	SortedDuplicates bool
	KeyCreator       KeyCreatorFunc
}

// Env is an opened storage environment rooted at a directory (or, for test
// backends, nothing on disk at all).
type Env interface {
	// OpenDB opens (creating if requested) a primary, non-duplicate,
	// transactional database.
	OpenDB(name string, opts DBOptions) (DB, error)

	// OpenSecondaryDB opens a secondary database associated with primary,
	// maintained automatically on every Put/Delete against primary via
	// opts.KeyCreator.
	OpenSecondaryDB(name string, primary DB, opts SecDBOptions) (SecDB, error)

	// RemoveDB deletes a database (primary or secondary) by name.
	RemoveDB(name string, txn Txn) error

	// DatabaseNames lists every database (primary and secondary) known to
	// the environment, including ones not currently open.
	DatabaseNames() ([]string, error)

	BeginTxn(opts TxnOptions) (Txn, error)

	Close() error
}

// DB is a primary database: a sorted byte-keyed collection with at most one
// value per key.
type DB interface {
	Name() string
	Get(key []byte, txn Txn) (value []byte, found bool, err error)
	Put(key, value []byte, txn Txn) (Status, error)
	Delete(key []byte, txn Txn) (Status, error)
	Cursor(txn Txn) (Cursor, error)
	Close() error
}

// SecDB is a secondary database keyed by a derived field value and pointing
// back to a primary key. SortedDuplicates reports the configuration the
// handle was opened with. storage/bolt and storage/memtest take it from
// SecDBOptions as given and do not record it themselves; the cupboard
// package keeps the persisted setting in its catalog and opens existing
// indices with it.
type SecDB interface {
	Name() string
	SortedDuplicates() bool
	// Get performs a point lookup. On a SortedDuplicates database it
	// returns the first matching primary key in sort order.
	Get(key []byte, txn Txn) (pkey []byte, found bool, err error)
	Cursor(txn Txn) (Cursor, error)
	Close() error
}

// RangeOp identifies the comparison a range clause scans for. It is the
// storage-level counterpart of the query engine's clause operators.
type RangeOp int

const (
	OpEQ RangeOp = iota
	OpLT
	OpLE
	OpGT
	OpGE
)

// Cursor iterates over a DB or SecDB. For a SecDB, Key/Next report the
// secondary key and PrimaryKey reports the associated primary key.
type Cursor interface {
	// Search positions the cursor at value. If exact, the cursor lands
	// exactly on value (ok=false if absent); otherwise it lands on the
	// first key >= value.
	Search(value []byte, exact bool, lockMode LockMode) (key, pkeyOrValue []byte, ok bool, err error)

	// Next advances to the following entry. For a SecDB cursor positioned
	// by Search(value, exact=true), Next continues to return further
	// duplicates of the same secondary key before moving past it.
	Next() (key, pkeyOrValue []byte, ok bool, err error)

	// Scan returns a lazy sequence of every entry satisfying `key op
	// bound`, in ascending key order.
	Scan(bound []byte, op RangeOp, lockMode LockMode) (Iterator, error)

	Close() error
}

// Iterator is the lazy sequence produced by Cursor.Scan.
type Iterator interface {
	Next() (key, pkeyOrValue []byte, ok bool, err error)
	Close() error
}

// JoinCursor intersects several positioned Cursors (one per equality
// clause) and yields the primary keys present in all of them, mirroring a
// Berkeley-DB-style join cursor.
type JoinCursor interface {
	Next(lockMode LockMode) (pkey []byte, ok bool, err error)
	Close() error
}

// JoinEntry is the position a Search(value, exact=true) call left a cursor
// at: the secondary key it matched and the primary key it returned. The
// join considers that entry first, and treats the cursor as exhausted once
// a Next moves past Key's duplicate set.
type JoinEntry struct {
	Key  []byte
	PKey []byte
}

// OpenJoinCursor is implemented by environments capable of constructing a
// JoinCursor over a set of positioned secondary cursors.
type OpenJoinCursor interface {
	OpenJoinCursor(cursors []Cursor, initial []JoinEntry) (JoinCursor, error)
}
