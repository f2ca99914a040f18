package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Oniqq60/task_system_control/settlement/internal/audit"
	"github.com/Oniqq60/task_system_control/settlement/internal/ledger"
)

type Action string

const (
	ActionInSync         Action = "in_sync"
	ActionAdvanced       Action = "advanced"
	ActionStaleLedger    Action = "stale_ledger"
	ActionPending        Action = "pending"
	ActionIntentReleased Action = "intent_released"
	ActionUnconfirmed    Action = "unconfirmed_ledger_id"
	ActionHeld           Action = "held"
	ActionConflict       Action = "conflict"
	ActionUnavailable    Action = "ledger_unavailable"
)

// Report describes what one reconciliation pass saw and did. Err carries a
// failure that did not prevent serving the shadow record.
type Report struct {
	Action      Action       `json:"action"`
	From        Status       `json:"from"`
	To          Status       `json:"to"`
	LedgerStage ledger.Stage `json:"-"`
	Err         error        `json:"-"`
}

var errNoLedger = errors.New("no ledger connection")

// Reconciler compares a shadow record against a fresh ledger read. It only
// ever moves the record forward; divergence that cannot be resolved that way
// forces the task to Failed.
type Reconciler struct {
	repo TaskRepository
	observer
	staleAfter time.Duration
	now        func() time.Time
}

func NewReconciler(repo TaskRepository, opts Options) *Reconciler {
	opts = opts.withDefaults()
	return &Reconciler{
		repo:       repo,
		observer:   newObserver(opts),
		staleAfter: opts.IntentStaleAfter,
		now:        opts.Clock,
	}
}

type intentState int

const (
	intentWait intentState = iota
	intentSettled
	intentVerify
)

func (r *Reconciler) Reconcile(ctx context.Context, conn ledger.Conn, task Task) (Task, Report, error) {
	report := Report{Action: ActionInSync, From: task.Status, To: task.Status}
	if conn == nil {
		report.Action = ActionUnavailable
		report.Err = errNoLedger
		return task, report, nil
	}

	verifyIntent := false
	if task.HasIntent() {
		next, state, err := r.resolveIntent(ctx, conn, task, &report)
		switch state {
		case intentWait, intentSettled:
			report.To = next.Status
			return next, report, err
		}
		verifyIntent = true
	}

	switch {
	case task.Status == StatusFailed:
		report.Action = ActionHeld
		return task, report, nil
	case task.LedgerTaskID == nil:
		return task, report, nil
	case !task.LedgerIDConfirmed:
		report.Action = ActionUnconfirmed
		return task, report, nil
	}

	snap, err := conn.Read(ctx, *task.LedgerTaskID)
	if err != nil {
		report.Action = ActionUnavailable
		report.Err = fromLedger(OpReconcile, task.ID, err)
		r.logger.Printf("reconcile task=%s ledger=%s: serving shadow state: %v", task.ID, ledgerRef(task), err)
		return task, report, nil
	}
	report.LedgerStage = snap.Stage()
	return r.compare(ctx, task, snap, verifyIntent, report)
}

// resolveIntent settles an in-flight operation left by an earlier saga.
func (r *Reconciler) resolveIntent(ctx context.Context, conn ledger.Conn, task Task, report *Report) (Task, intentState, error) {
	op := *task.PendingOp
	if task.PendingTxHash == nil {
		if task.PendingSince != nil && r.now().Sub(*task.PendingSince) < r.staleAfter {
			report.Action = ActionPending
			return task, intentWait, nil
		}
		if op == OpEscrow || !task.LedgerReady() {
			return r.releaseIntent(ctx, task, "stale intent without a broadcast transaction", report), intentSettled, nil
		}
		// the ledger snapshot shows whether the call went through
		return task, intentVerify, nil
	}

	hash := *task.PendingTxHash
	state, err := conn.TxStatus(ctx, hash)
	if err != nil {
		report.Action = ActionUnavailable
		report.Err = fromLedger(OpReconcile, task.ID, err)
		return task, intentWait, nil
	}
	switch state {
	case ledger.TxPending:
		report.Action = ActionPending
		return task, intentWait, nil
	case ledger.TxFailed, ledger.TxDropped:
		reason := fmt.Sprintf("transaction %s %s", hash, state)
		return r.releaseIntent(ctx, task, reason, report), intentSettled, nil
	}

	if op != OpEscrow {
		return task, intentVerify, nil
	}
	receipt, err := conn.FindEscrow(ctx, hash)
	if err != nil {
		report.Action = ActionUnavailable
		report.Err = fromLedger(OpReconcile, task.ID, err)
		return task, intentWait, nil
	}
	return r.settleEscrow(ctx, task, receipt, report), intentSettled, nil
}

func (r *Reconciler) releaseIntent(ctx context.Context, task Task, reason string, report *Report) Task {
	update := TaskUpdate{ClearIntent: true, UpdatedAt: r.now()}
	if err := r.repo.ApplyUpdate(ctx, task.ID, task.Version, update); err != nil {
		report.Err = fromStore(OpReconcile, task.ID, err)
		return task
	}
	released := update.applyTo(task)
	report.Action = ActionIntentReleased

	r.logger.Printf("reconcile task=%s released %s intent: %s", task.ID, *task.PendingOp, reason)
	entry := entryFor(task, OpReconcile, audit.OutcomeReleased)
	entry.Error = reason
	if task.PendingTxHash != nil {
		entry.TxHash = *task.PendingTxHash
	}
	r.record(ctx, entry)
	return released
}

func (r *Reconciler) settleEscrow(ctx context.Context, task Task, receipt ledger.EscrowReceipt, report *Report) Task {
	status := StatusEscrowed
	id := receipt.LedgerTaskID
	confirmed := !receipt.Uncertain
	hash := receipt.TxHash
	update := TaskUpdate{
		Status:            &status,
		LedgerTaskID:      &id,
		LedgerIDConfirmed: &confirmed,
		LastTxHash:        &hash,
		ClearIntent:       true,
		UpdatedAt:         r.now(),
	}
	if task.Status != StatusDraft {
		update.Status = nil
	}
	if err := r.repo.ApplyUpdate(ctx, task.ID, task.Version, update); err != nil {
		report.Err = fromStore(OpReconcile, task.ID, err)
		return task
	}
	updated := update.applyTo(task)
	report.Action = ActionAdvanced
	r.advanced(ctx, task, updated, hash)
	return updated
}

func (r *Reconciler) compare(ctx context.Context, task Task, snap ledger.TaskSnapshot, verifyIntent bool, report Report) (Task, Report, error) {
	if reason := identityMismatch(snap, task); reason != "" {
		return r.conflict(ctx, task, reason, report)
	}
	target, _ := statusForStage(snap.Stage())

	switch {
	case stageOf(task.Status) == snap.Stage():
		if !verifyIntent {
			return task, report, nil
		}
		return r.advance(ctx, task, task.Status, snap, report)
	case CanTransition(task.Status, target):
		return r.advance(ctx, task, target, snap, report)
	case behind(target, task.Status):
		// a lagging RPC node must not erase recorded progress
		report.Action = ActionStaleLedger
		r.logger.Printf("reconcile task=%s ledger=%s: ledger reports %s behind shadow %s, keeping shadow", task.ID, ledgerRef(task), snap.Stage(), task.Status)
		return task, report, nil
	}
	return r.conflict(ctx, task, fmt.Sprintf("shadow status %s cannot follow ledger stage %s", task.Status, snap.Stage()), report)
}

// advance moves the record to target. A confirmed intent is cleared in the
// same write.
func (r *Reconciler) advance(ctx context.Context, task Task, target Status, snap ledger.TaskSnapshot, report Report) (Task, Report, error) {
	update := TaskUpdate{UpdatedAt: r.now()}
	if target != task.Status {
		update.Status = &target
	}
	if task.HasIntent() {
		update.ClearIntent = true
		update.LastTxHash = task.PendingTxHash
	}

	accepted := true
	switch target {
	case StatusCompleted, StatusPaid:
		update.ClientAccepted = &accepted
		update.WorkerAccepted = &accepted
	case StatusRefunded:
		update.ClearWorker = true
	}
	if target != StatusRefunded && task.WorkerAddress == nil && snap.HasWorker() {
		worker := snap.Worker
		update.WorkerAddress = &worker
		if task.PendingWorkerID != nil && task.PendingWorkerAddress != nil && ledger.SameAddress(*task.PendingWorkerAddress, worker) {
			update.WorkerID = task.PendingWorkerID
		}
	}

	if err := r.repo.ApplyUpdate(ctx, task.ID, task.Version, update); err != nil {
		report.Err = fromStore(OpReconcile, task.ID, err)
		r.logger.Printf("reconcile task=%s ledger=%s: advance to %s not written: %v", task.ID, ledgerRef(task), target, err)
		return task, report, nil
	}
	updated := update.applyTo(task)
	report.To = updated.Status
	if updated.Status != task.Status {
		report.Action = ActionAdvanced
	} else if task.HasIntent() {
		report.Action = ActionIntentReleased
	}

	txHash := ""
	if updated.LastTxHash != nil {
		txHash = *updated.LastTxHash
	}
	r.advanced(ctx, task, updated, txHash)
	return updated, report, nil
}

func (r *Reconciler) advanced(ctx context.Context, before, after Task, txHash string) {
	r.logger.Printf("reconcile task=%s ledger=%s %s -> %s", after.ID, ledgerRef(after), before.Status, after.Status)
	outcome := audit.OutcomeAdvanced
	if before.Status == after.Status {
		outcome = audit.OutcomeReleased
	}
	entry := entryFor(before, OpReconcile, outcome)
	entry.LedgerTaskID = after.LedgerTaskID
	entry.ToStatus = string(after.Status)
	entry.TxHash = txHash
	r.record(ctx, entry)
	r.notify("", before.Status, after, txHash, "reconciled")
}

// conflict forces the task to Failed for operator review. This is the one
// transition allowed out of a terminal status.
func (r *Reconciler) conflict(ctx context.Context, task Task, reason string, report Report) (Task, Report, error) {
	report.Action = ActionConflict

	failed := StatusFailed
	update := TaskUpdate{Status: &failed, ClearIntent: true, UpdatedAt: r.now()}
	// a failed task holds no worker; the reason keeps the binding for review
	if task.WorkerID != nil {
		update.ClearWorker = true
		reason = fmt.Sprintf("%s; worker %s (%s) unbound", reason, *task.WorkerID, derefAddress(task.WorkerAddress))
	}
	update.FailureReason = &reason
	serr := newError(KindReconciliationConflict, OpReconcile, task.ID, errors.New(reason))
	if err := r.repo.ApplyUpdate(ctx, task.ID, task.Version, update); err != nil {
		report.Err = fromStore(OpReconcile, task.ID, err)
		r.logger.Printf("reconcile task=%s CONFLICT not written: %s: %v", task.ID, reason, err)
		return task, report, serr
	}
	updated := update.applyTo(task)
	report.To = updated.Status

	r.logger.Printf("reconcile task=%s ledger=%s CONFLICT %s -> %s: %s", task.ID, ledgerRef(task), task.Status, updated.Status, reason)
	entry := withError(entryFor(task, OpReconcile, audit.OutcomeConflict), serr)
	entry.ToStatus = string(updated.Status)
	r.record(ctx, entry)
	r.notify("", task.Status, updated, "", reason)
	return updated, report, serr
}

// identityMismatch reports a ledger task that is not the one the shadow
// record describes. Amounts are only comparable while funds are held.
func identityMismatch(snap ledger.TaskSnapshot, task Task) string {
	stage := snap.Stage()
	if stage == ledger.StageUnknown {
		return fmt.Sprintf("ledger has no task %s", ledgerRef(task))
	}
	if !ledger.SameAddress(snap.Employer, task.EmployerAddress) {
		return fmt.Sprintf("ledger employer %s differs from %s", snap.Employer, task.EmployerAddress)
	}
	if stage != ledger.StagePaid && stage != ledger.StageRefunded &&
		(snap.AmountWei == nil || snap.AmountWei.String() != task.AmountWei) {
		return fmt.Sprintf("ledger amount %v differs from %s", snap.AmountWei, task.AmountWei)
	}
	if task.WorkerAddress != nil && snap.HasWorker() && !ledger.SameAddress(snap.Worker, *task.WorkerAddress) {
		return fmt.Sprintf("ledger worker %s differs from %s", snap.Worker, *task.WorkerAddress)
	}
	return ""
}

// behind reports whether a ledger-implied status is an earlier point on the
// happy path than a non-terminal shadow status.
func behind(ledgerStatus, shadow Status) bool {
	if shadow.Terminal() {
		return false
	}
	l, ok := rank[ledgerStatus]
	if !ok {
		return false
	}
	s, ok := rank[shadow]
	return ok && l < s
}

func derefAddress(addr *string) string {
	if addr == nil {
		return "no address"
	}
	return *addr
}
