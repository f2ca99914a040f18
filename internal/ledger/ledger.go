// Package ledger is a typed client for the deployed escrow contract. It holds
// no business rules: it validates inputs, submits transactions, waits for
// confirmation and decodes results.
package ledger

import (
	"context"
	"math/big"
	"strings"
	"time"
)

const zeroAddress = "0x0000000000000000000000000000000000000000"

// Conn is one caller-scoped connection to the escrow contract. Every write
// blocks until the transaction is confirmed, reverted or the confirmation
// bound elapses.
type Conn interface {
	Escrow(ctx context.Context, req EscrowRequest) (EscrowReceipt, error)
	Assign(ctx context.Context, taskID uint64, worker string) (Receipt, error)
	MarkComplete(ctx context.Context, taskID uint64) (Receipt, error)
	Release(ctx context.Context, taskID uint64) (Receipt, error)
	Refund(ctx context.Context, taskID uint64) (Receipt, error)
	Read(ctx context.Context, taskID uint64) (TaskSnapshot, error)
	TaskCount(ctx context.Context) (uint64, error)
	TxStatus(ctx context.Context, txHash string) (TxState, error)
	FindEscrow(ctx context.Context, txHash string) (EscrowReceipt, error)
}

type EscrowRequest struct {
	Title       string
	Description string
	Deadline    time.Time
	AmountWei   *big.Int
}

type Receipt struct {
	TxHash      string
	BlockNumber uint64
}

// EscrowReceipt carries the ledger-assigned task id. Uncertain is set when the
// id was derived from the task counter instead of the TaskCreated event.
type EscrowReceipt struct {
	Receipt
	LedgerTaskID uint64
	Uncertain    bool
}

// TaskSnapshot mirrors the contract's getTask tuple.
type TaskSnapshot struct {
	ID          uint64
	Employer    string
	Worker      string
	AmountWei   *big.Int
	IsCompleted bool
	IsPaid      bool
	Deadline    time.Time
	Title       string
	Description string
}

// Stage is the lifecycle position observable on the ledger. The contract does
// not expose one-sided completion, so there is no pending-completion stage.
type Stage int

const (
	StageUnknown Stage = iota
	StageEscrowed
	StageAssigned
	StageCompleted
	StagePaid
	StageRefunded
)

func (s Stage) String() string {
	switch s {
	case StageEscrowed:
		return "escrowed"
	case StageAssigned:
		return "assigned"
	case StageCompleted:
		return "completed"
	case StagePaid:
		return "paid"
	case StageRefunded:
		return "refunded"
	default:
		return "unknown"
	}
}

// Stage derives the lifecycle position from the snapshot flags. A task whose
// escrowed amount went back to zero without being paid was refunded.
func (t TaskSnapshot) Stage() Stage {
	switch {
	case isZeroAddress(t.Employer):
		return StageUnknown
	case t.IsPaid:
		return StagePaid
	case t.IsCompleted:
		return StageCompleted
	case t.AmountWei == nil || t.AmountWei.Sign() == 0:
		return StageRefunded
	case !isZeroAddress(t.Worker):
		return StageAssigned
	default:
		return StageEscrowed
	}
}

// HasWorker reports whether a worker is bound on the ledger.
func (t TaskSnapshot) HasWorker() bool {
	return !isZeroAddress(t.Worker)
}

type TxState int

const (
	TxPending TxState = iota
	TxConfirmed
	TxFailed
	TxDropped
)

func (s TxState) String() string {
	switch s {
	case TxConfirmed:
		return "confirmed"
	case TxFailed:
		return "failed"
	case TxDropped:
		return "dropped"
	default:
		return "pending"
	}
}

func isZeroAddress(addr string) bool {
	return addr == "" || strings.EqualFold(addr, zeroAddress)
}

// SameAddress compares two hex addresses ignoring checksum casing.
func SameAddress(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
