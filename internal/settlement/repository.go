package settlement

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type TaskRepository interface {
	CreateTask(ctx context.Context, t Task) error
	GetTask(ctx context.Context, id uuid.UUID) (Task, error)
	TaskList(ctx context.Context, filter ListFilter) ([]Task, error)
	// ApplyUpdate writes updates only if the stored version still equals
	// version, and bumps it. It returns ErrVersionConflict otherwise.
	ApplyUpdate(ctx context.Context, id uuid.UUID, version int64, updates TaskUpdate) error
}

type ListFilter struct {
	EmployerID *uuid.UUID
	WorkerID   *uuid.UUID
	Status     *Status
	Limit      int
}

// Intent is the write-ahead record of a ledger operation about to start.
type Intent struct {
	Op            Op
	WorkerID      *uuid.UUID
	WorkerAddress *string
	Since         time.Time
}

// TaskUpdate lists the fields a single version-checked write changes. Nil
// pointers leave columns untouched.
type TaskUpdate struct {
	Status            *Status
	LedgerTaskID      *uint64
	LedgerIDConfirmed *bool
	WorkerID          *uuid.UUID
	WorkerAddress     *string
	ClearWorker       bool
	ClientAccepted    *bool
	WorkerAccepted    *bool
	LastTxHash        *string
	FailureReason     *string

	// Claim requires that no intent is recorded yet.
	Claim         *Intent
	PendingTxHash *string
	ClearIntent   bool

	UpdatedAt time.Time
}

// applyTo returns t as it looks after the update.
func (u TaskUpdate) applyTo(t Task) Task {
	if u.Status != nil {
		t.Status = *u.Status
	}
	if u.LedgerTaskID != nil {
		id := *u.LedgerTaskID
		t.LedgerTaskID = &id
	}
	if u.LedgerIDConfirmed != nil {
		t.LedgerIDConfirmed = *u.LedgerIDConfirmed
	}
	if u.ClearWorker {
		t.WorkerID = nil
		t.WorkerAddress = nil
	}
	if u.WorkerID != nil {
		id := *u.WorkerID
		t.WorkerID = &id
	}
	if u.WorkerAddress != nil {
		addr := *u.WorkerAddress
		t.WorkerAddress = &addr
	}
	if u.ClientAccepted != nil {
		t.ClientAccepted = *u.ClientAccepted
	}
	if u.WorkerAccepted != nil {
		t.WorkerAccepted = *u.WorkerAccepted
	}
	if u.LastTxHash != nil {
		hash := *u.LastTxHash
		t.LastTxHash = &hash
	}
	if u.FailureReason != nil {
		reason := *u.FailureReason
		t.FailureReason = &reason
	}
	if u.ClearIntent {
		t.PendingOp = nil
		t.PendingTxHash = nil
		t.PendingWorkerID = nil
		t.PendingWorkerAddress = nil
		t.PendingSince = nil
	}
	if u.Claim != nil {
		op := u.Claim.Op
		since := u.Claim.Since
		t.PendingOp = &op
		t.PendingWorkerID = u.Claim.WorkerID
		t.PendingWorkerAddress = u.Claim.WorkerAddress
		t.PendingSince = &since
	}
	if u.PendingTxHash != nil {
		hash := *u.PendingTxHash
		t.PendingTxHash = &hash
	}
	if !u.UpdatedAt.IsZero() {
		t.UpdatedAt = u.UpdatedAt
	}
	t.Version++
	return t
}

type taskRepository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) TaskRepository {
	return &taskRepository{db: db}
}

func (r *taskRepository) CreateTask(ctx context.Context, t Task) error {
	return r.db.WithContext(ctx).Create(&t).Error
}

func (r *taskRepository) GetTask(ctx context.Context, id uuid.UUID) (Task, error) {
	var task Task
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&task).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Task{}, ErrNotFound
	}
	return task, err
}

func (r *taskRepository) TaskList(ctx context.Context, filter ListFilter) ([]Task, error) {
	var tasks []Task
	tx := r.db.WithContext(ctx)

	if filter.EmployerID != nil {
		tx = tx.Where("employer_id = ?", *filter.EmployerID)
	}
	if filter.WorkerID != nil {
		tx = tx.Where("worker_id = ?", *filter.WorkerID)
	}
	if filter.Status != nil {
		tx = tx.Where("status = ?", *filter.Status)
	}
	if filter.Limit > 0 {
		tx = tx.Limit(filter.Limit)
	}

	if err := tx.Order("created_at DESC").Find(&tasks).Error; err != nil {
		return nil, err
	}
	return tasks, nil
}

func (r *taskRepository) ApplyUpdate(ctx context.Context, id uuid.UUID, version int64, updates TaskUpdate) error {
	// map rather than struct so that false and NULL are written
	updateMap := map[string]interface{}{
		"version":    version + 1,
		"updated_at": updates.UpdatedAt,
	}
	if updates.UpdatedAt.IsZero() {
		updateMap["updated_at"] = time.Now()
	}

	if updates.Status != nil {
		updateMap["status"] = *updates.Status
	}
	if updates.LedgerTaskID != nil {
		updateMap["ledger_task_id"] = *updates.LedgerTaskID
	}
	if updates.LedgerIDConfirmed != nil {
		updateMap["ledger_id_confirmed"] = *updates.LedgerIDConfirmed
	}
	if updates.ClearWorker {
		updateMap["worker_id"] = nil
		updateMap["worker_address"] = nil
	}
	if updates.WorkerID != nil {
		updateMap["worker_id"] = *updates.WorkerID
	}
	if updates.WorkerAddress != nil {
		updateMap["worker_address"] = *updates.WorkerAddress
	}
	if updates.ClientAccepted != nil {
		updateMap["client_accepted"] = *updates.ClientAccepted
	}
	if updates.WorkerAccepted != nil {
		updateMap["worker_accepted"] = *updates.WorkerAccepted
	}
	if updates.LastTxHash != nil {
		updateMap["last_tx_hash"] = *updates.LastTxHash
	}
	if updates.FailureReason != nil {
		updateMap["failure_reason"] = *updates.FailureReason
	}
	if updates.ClearIntent {
		updateMap["pending_op"] = nil
		updateMap["pending_tx_hash"] = nil
		updateMap["pending_worker_id"] = nil
		updateMap["pending_worker_address"] = nil
		updateMap["pending_since"] = nil
	}
	if updates.Claim != nil {
		updateMap["pending_op"] = updates.Claim.Op
		updateMap["pending_worker_id"] = updates.Claim.WorkerID
		updateMap["pending_worker_address"] = updates.Claim.WorkerAddress
		updateMap["pending_since"] = updates.Claim.Since
	}
	if updates.PendingTxHash != nil {
		updateMap["pending_tx_hash"] = *updates.PendingTxHash
	}

	tx := r.db.WithContext(ctx).Model(&Task{}).Where("id = ? AND version = ?", id, version)
	if updates.Claim != nil {
		tx = tx.Where("pending_op IS NULL")
	}
	res := tx.Updates(updateMap)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		var count int64
		if err := r.db.WithContext(ctx).Model(&Task{}).Where("id = ?", id).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return ErrNotFound
		}
		return ErrVersionConflict
	}
	return nil
}
