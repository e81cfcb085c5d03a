package cupboard

import "fmt"

// InvalidArgumentError reports a caller mistake: a reserved name or
// character, a bad directory, an empty query, or a value no index key can
// be derived from. A retrieve against a field that isn't indexed fails
// with UnindexedFieldError instead.
type InvalidArgumentError struct {
	Msg string
	Err error
}

func invalidArgf(err error, format string, args ...any) error {
	return &InvalidArgumentError{Msg: fmt.Sprintf(format, args...), Err: err}
}

func (e *InvalidArgumentError) Unwrap() error { return e.Err }

func (e *InvalidArgumentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid argument: %s: %v", e.Msg, e.Err)
	}
	return fmt.Sprintf("invalid argument: %s", e.Msg)
}

// IoError reports a filesystem failure while opening a cupboard's directory.
type IoError struct {
	Dir string
	Err error
}

func ioErrf(dir string, err error) error { return &IoError{Dir: dir, Err: err} }

func (e *IoError) Unwrap() error { return e.Err }
func (e *IoError) Error() string { return fmt.Sprintf("io error: %s: %v", e.Dir, e.Err) }

// StorageError wraps a failure reported by the underlying storage backend,
// including a non-success Status from a put or remove.
type StorageError struct {
	Op  string
	Err error
}

func storageErrf(op string, err error) error { return &StorageError{Op: op, Err: err} }

func (e *StorageError) Unwrap() error { return e.Err }
func (e *StorageError) Error() string { return fmt.Sprintf("storage error: %s: %v", e.Op, e.Err) }

// DeadlockError is returned by WithTxn once every attempt has deadlocked; it
// wraps the last attempt's error, which wraps storage.ErrDeadlock. Outside
// WithTxn a deadlock reaches the caller as a StorageError wrapping
// storage.ErrDeadlock.
type DeadlockError struct {
	Err error
}

func (e *DeadlockError) Unwrap() error { return e.Err }
func (e *DeadlockError) Error() string { return fmt.Sprintf("deadlock: %v", e.Err) }

// TransactionClosedError is returned by Commit/Rollback/any operation given
// a non-nil Txn whose status is no longer open.
type TransactionClosedError struct {
	Status TxnStatus
}

func (e *TransactionClosedError) Error() string {
	return fmt.Sprintf("transaction closed: status is %v, not open", e.Status)
}

// UnindexedFieldError is returned by Retrieve when asked for an index name
// that is not registered, unique or any, on the shelf.
type UnindexedFieldError struct {
	Shelf string
	Field string
}

func (e *UnindexedFieldError) Error() string {
	return fmt.Sprintf("unindexed field: %s.%s", e.Shelf, e.Field)
}
