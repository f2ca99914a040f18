package settlement

import (
	"context"
	"errors"
	"fmt"

	"github.com/Oniqq60/task_system_control/settlement/internal/ledger"
	"github.com/google/uuid"
)

// Kind is the error taxonomy surfaced to callers. Each kind has its own
// recovery action, so kinds are never collapsed.
type Kind string

const (
	KindValidation             Kind = "validation"
	KindAuthorization          Kind = "authorization"
	KindNotFound               Kind = "not_found"
	KindPrecondition           Kind = "precondition"
	KindLedgerRejected         Kind = "ledger_rejected"
	KindLedgerReverted         Kind = "ledger_reverted"
	KindLedgerTimeout          Kind = "ledger_timeout"
	KindLedgerUnavailable      Kind = "ledger_unavailable"
	KindPersistence            Kind = "persistence"
	KindStoreUnavailable       Kind = "store_unavailable"
	KindReconciliationConflict Kind = "reconciliation_conflict"
)

// Retryable reports whether the caller may retry after re-reading the task.
func (k Kind) Retryable() bool {
	return k == KindLedgerTimeout || k == KindLedgerUnavailable || k == KindStoreUnavailable
}

// MoneyMayHaveMoved reports whether the ledger may have advanced even though
// the operation did not complete.
func (k Kind) MoneyMayHaveMoved() bool {
	return k == KindPersistence || k == KindLedgerTimeout
}

var (
	ErrNotFound         = errors.New("task not found")
	ErrVersionConflict  = errors.New("task changed concurrently")
	ErrStatusChanged    = errors.New("status changed under you")
	ErrInvalidState     = errors.New("current status does not permit this operation")
	ErrIntentPending    = errors.New("another ledger operation is in flight for this task")
	ErrLedgerIDUnproven = errors.New("ledger id is unconfirmed; operator confirmation required")
)

type Error struct {
	Kind   Kind
	Op     Op
	TaskID uuid.UUID
	TxHash string
	Err    error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s %s", e.Op, e.Kind)
	if e.TaskID != uuid.Nil {
		msg += " task=" + e.TaskID.String()
	}
	if e.TxHash != "" {
		msg += " tx=" + e.TxHash
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind Kind, op Op, taskID uuid.UUID, err error) *Error {
	return &Error{Kind: kind, Op: op, TaskID: taskID, Err: err}
}

func validationErr(op Op, taskID uuid.UUID, format string, args ...interface{}) *Error {
	return newError(KindValidation, op, taskID, fmt.Errorf(format, args...))
}

func authorizationErr(op Op, taskID uuid.UUID, format string, args ...interface{}) *Error {
	return newError(KindAuthorization, op, taskID, fmt.Errorf(format, args...))
}

func preconditionErr(op Op, taskID uuid.UUID, err error) *Error {
	return newError(KindPrecondition, op, taskID, err)
}

// KindOf returns the kind of err, or "" for errors outside the taxonomy.
func KindOf(err error) Kind {
	var serr *Error
	if errors.As(err, &serr) {
		return serr.Kind
	}
	return ""
}

// fromLedger maps a Ledger Client failure onto the taxonomy.
func fromLedger(op Op, taskID uuid.UUID, err error) *Error {
	if errors.Is(err, ledger.ErrInvalidInput) {
		return newError(KindValidation, op, taskID, err)
	}
	var lerr *ledger.Error
	if !errors.As(err, &lerr) {
		if errors.Is(err, context.DeadlineExceeded) {
			return newError(KindLedgerTimeout, op, taskID, err)
		}
		return newError(KindLedgerUnavailable, op, taskID, err)
	}

	out := &Error{Op: op, TaskID: taskID, TxHash: lerr.TxHash, Err: err}
	switch lerr.Kind {
	case ledger.Rejected:
		out.Kind = KindLedgerRejected
	case ledger.Reverted:
		out.Kind = KindLedgerReverted
	case ledger.TimedOut:
		out.Kind = KindLedgerTimeout
	default:
		out.Kind = KindLedgerUnavailable
	}
	return out
}

// fromStore maps a Shadow State Store failure outside a saga commit, where no
// ledger call has happened yet.
func fromStore(op Op, taskID uuid.UUID, err error) *Error {
	switch {
	case errors.Is(err, ErrNotFound):
		return newError(KindNotFound, op, taskID, err)
	case errors.Is(err, ErrVersionConflict):
		return preconditionErr(op, taskID, fmt.Errorf("%w: %v", ErrStatusChanged, err))
	}
	return newError(KindStoreUnavailable, op, taskID, err)
}
