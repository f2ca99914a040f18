package settlement

import (
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusDraft                   Status = "DRAFT"
	StatusEscrowed                Status = "ESCROWED"
	StatusAssigned                Status = "ASSIGNED"
	StatusCompletionPendingClient Status = "COMPLETION_PENDING_CLIENT"
	StatusCompletionPendingWorker Status = "COMPLETION_PENDING_WORKER"
	StatusCompleted               Status = "COMPLETED"
	StatusPaid                    Status = "PAID"
	StatusRefunded                Status = "REFUNDED"
	StatusFailed                  Status = "FAILED"
)

// Op names a ledger-backed operation; it is recorded on the task while the
// operation is in flight.
type Op string

const (
	OpCreateDraft Op = "create_draft"
	OpEscrow      Op = "escrow"
	OpAssign      Op = "assign"
	OpSignal      Op = "signal_completion"
	OpRelease     Op = "release"
	OpRefund      Op = "refund"
	OpConfirm     Op = "confirm_ledger_id"
	OpReconcile   Op = "reconcile"
)

// Task is the shadow record of one escrowed task.
type Task struct {
	ID                uuid.UUID  `json:"id" gorm:"type:uuid;primary_key"`
	LedgerTaskID      *uint64    `json:"ledger_task_id,omitempty" gorm:"uniqueIndex"`
	LedgerIDConfirmed bool       `json:"ledger_id_confirmed" gorm:"not null;default:false"`
	EmployerID        uuid.UUID  `json:"employer_id" gorm:"type:uuid;not null;index"`
	EmployerAddress   string     `json:"employer_address" gorm:"type:text;not null"`
	WorkerID          *uuid.UUID `json:"worker_id,omitempty" gorm:"type:uuid;index"`
	WorkerAddress     *string    `json:"worker_address,omitempty" gorm:"type:text"`
	Title             string     `json:"title" gorm:"not null"`
	Description       string     `json:"description" gorm:"type:text"`
	Deadline          time.Time  `json:"deadline" gorm:"not null"`
	AmountWei         string     `json:"amount_wei" gorm:"type:text;not null"`
	CurrencyLabel     string     `json:"currency_label" gorm:"type:text;not null"`
	Status            Status     `json:"status" gorm:"type:text;not null;default:'DRAFT';index"`
	ClientAccepted    bool       `json:"client_accepted" gorm:"not null;default:false"`
	WorkerAccepted    bool       `json:"worker_accepted" gorm:"not null;default:false"`
	LastTxHash        *string    `json:"last_tx_hash,omitempty" gorm:"type:text"`
	FailureReason     *string    `json:"failure_reason,omitempty" gorm:"type:text"`

	// In-flight ledger operation (write-ahead intent).
	PendingOp            *Op        `json:"pending_op,omitempty" gorm:"type:text"`
	PendingTxHash        *string    `json:"pending_tx_hash,omitempty" gorm:"type:text"`
	PendingWorkerID      *uuid.UUID `json:"-" gorm:"type:uuid"`
	PendingWorkerAddress *string    `json:"-" gorm:"type:text"`
	PendingSince         *time.Time `json:"pending_since,omitempty"`

	Version   int64     `json:"version" gorm:"not null;default:0"`
	CreatedAt time.Time `json:"created_at" gorm:"not null;default:now()"`
	UpdatedAt time.Time `json:"updated_at" gorm:"not null;default:now()"`
}

func (Task) TableName() string {
	return "settlement_tasks"
}

func (t Task) HasIntent() bool {
	return t.PendingOp != nil
}

// LedgerReady reports whether the task has a confirmed ledger id that ledger
// writes can target.
func (t Task) LedgerReady() bool {
	return t.LedgerTaskID != nil && t.LedgerIDConfirmed
}
