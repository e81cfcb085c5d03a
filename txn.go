package cupboard

import (
	"errors"
	"time"

	"github.com/cupboarddb/cupboard/storage"
)

// TxnStatus is the observable lifecycle state of a transaction.
type TxnStatus = storage.TxnStatus

const (
	TxnOpen      = storage.TxnOpen
	TxnCommitted = storage.TxnCommitted
	TxnAborted   = storage.TxnAborted
)

// TxnOptions configures Begin.
type TxnOptions struct {
	// Isolation defaults to repeatable read.
	Isolation storage.Isolation
	// Parent, when non-nil, asks for a nested transaction; backends that
	// cannot nest may hand back the parent itself.
	Parent storage.Txn
}

// Begin starts a transaction against the cupboard's environment.
func (cb *Cupboard) Begin(opts TxnOptions) (storage.Txn, error) {
	txn, err := cb.env.BeginTxn(storage.TxnOptions{Isolation: opts.Isolation, Parent: opts.Parent})
	if err != nil {
		return nil, storageErrf("begin transaction", err)
	}
	return txn, nil
}

// checkTxn is the status gate shared by every transactional operation: a
// nil txn means "no transaction in force" and passes; a non-open
// transaction fails with TransactionClosedError.
func checkTxn(txn storage.Txn) error {
	if txn == nil {
		return nil
	}
	if st := txn.Status(); st != storage.TxnOpen {
		return &TransactionClosedError{Status: st}
	}
	return nil
}

// Commit commits txn. A nil txn is a no-op; a txn that is no longer open
// fails with TransactionClosedError.
func Commit(txn storage.Txn) error {
	if txn == nil {
		return nil
	}
	if err := checkTxn(txn); err != nil {
		return err
	}
	if err := txn.Commit(); err != nil {
		return storageErrf("commit", err)
	}
	return nil
}

// Rollback aborts txn. A nil txn is a no-op; a txn that is no longer open
// fails with TransactionClosedError.
func Rollback(txn storage.Txn) error {
	if txn == nil {
		return nil
	}
	if err := checkTxn(txn); err != nil {
		return err
	}
	if err := txn.Abort(); err != nil {
		return storageErrf("rollback", err)
	}
	return nil
}

// WithTxnOptions configures WithTxn.
type WithTxnOptions struct {
	TxnOptions
	// MaxAttempts bounds how many times the body runs; 0 means 1.
	MaxAttempts int
	// RetryDelay is slept between deadlocked attempts; 0 means 50ms.
	RetryDelay time.Duration
}

// WithTxn runs body inside a freshly begun transaction, committing it if
// the body leaves it open. A deadlock reported by the body or by the
// commit rolls the transaction back and re-runs the whole block, up to
// MaxAttempts times with RetryDelay between attempts; each retry is a
// fresh Begin, not a savepoint. Once attempts are exhausted the deadlock
// surfaces as a DeadlockError. Any other error propagates immediately,
// after the transaction has been rolled back.
func (cb *Cupboard) WithTxn(opts WithTxnOptions, body func(txn storage.Txn) error) error {
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	delay := opts.RetryDelay
	if delay == 0 {
		delay = 50 * time.Millisecond
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		txn, err := cb.Begin(opts.TxnOptions)
		if err != nil {
			return err
		}
		err = runTxnBody(txn, body)
		if err == nil {
			return nil
		}
		if !errors.Is(err, storage.ErrDeadlock) {
			return err
		}
		lastErr = err
		if attempt < maxAttempts {
			time.Sleep(delay)
		}
	}
	return &DeadlockError{Err: lastErr}
}

// runTxnBody guarantees txn is committed or rolled back exactly once along
// every exit path, including a panicking body.
func runTxnBody(txn storage.Txn, body func(txn storage.Txn) error) error {
	defer func() {
		if txn.Status() == storage.TxnOpen {
			txn.Abort()
		}
	}()
	if err := body(txn); err != nil {
		return err
	}
	if txn.Status() == storage.TxnOpen {
		return Commit(txn)
	}
	return nil
}
