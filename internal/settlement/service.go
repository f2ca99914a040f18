package settlement

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/big"
	"strings"
	"time"

	"github.com/Oniqq60/task_system_control/settlement/internal/audit"
	"github.com/Oniqq60/task_system_control/settlement/internal/ledger"
	"github.com/google/uuid"
)

// Service is the Settlement Coordinator. Every ledger-backed operation is a
// saga: validate, one ledger call, one shadow write.
type Service interface {
	CreateDraft(ctx context.Context, caller Caller, in DraftInput) (Task, error)
	Escrow(ctx context.Context, conn ledger.Conn, caller Caller, taskID uuid.UUID) (Result, error)
	Assign(ctx context.Context, conn ledger.Conn, caller Caller, taskID, workerID uuid.UUID, workerAddress string) (Result, error)
	SignalCompletion(ctx context.Context, conn ledger.Conn, caller Caller, taskID uuid.UUID) (Result, error)
	ReleasePayment(ctx context.Context, conn ledger.Conn, caller Caller, taskID uuid.UUID) (Result, error)
	Refund(ctx context.Context, conn ledger.Conn, caller Caller, taskID uuid.UUID) (Result, error)
	Get(ctx context.Context, conn ledger.Conn, caller Caller, taskID uuid.UUID) (Task, Report, error)
	List(ctx context.Context, caller Caller, filter ListFilter) ([]Task, error)
	Reconcile(ctx context.Context, conn ledger.Conn, taskID uuid.UUID) (Task, Report, error)
	ConfirmLedgerID(ctx context.Context, conn ledger.Conn, taskID uuid.UUID, candidate *uint64) (Task, error)
}

const RoleAdmin = "admin"

// Caller is the verified identity supplied by the authentication collaborator.
type Caller struct {
	UserID uuid.UUID
	Role   string
	Wallet string
}

func (c Caller) IsAdmin() bool {
	return strings.EqualFold(c.Role, RoleAdmin)
}

type Party string

const (
	PartyEmployer Party = "employer"
	PartyWorker   Party = "worker"
)

type DraftInput struct {
	Title         string
	Description   string
	Deadline      time.Time
	Amount        string
	CurrencyLabel string
}

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeNoop    Outcome = "noop"
	OutcomePartial Outcome = "partial_success"
	OutcomePending Outcome = "pending"
	OutcomeFailed  Outcome = "failed"
)

// Result is the unified outcome of a saga. On partial success the error is a
// KindPersistence *Error and TxHash names the confirmed transaction.
type Result struct {
	Task      Task
	Outcome   Outcome
	TxHash    string
	Uncertain bool
}

type Options struct {
	Retry            RetryPolicy
	MinAmountWei     *big.Int
	CurrencyLabel    string
	IntentStaleAfter time.Duration
	Logger           *log.Logger
	Notifier         Notifier
	Journal          audit.Journal
	Clock            func() time.Time
}

const (
	signalCommitAttempts = 3
	confirmSearchWindow  = 20
)

type coordinator struct {
	repo       TaskRepository
	reconciler *Reconciler
	observer
	retry     RetryPolicy
	minAmount *big.Int
	currency  string
	now       func() time.Time
}

func NewService(repo TaskRepository, opts Options) Service {
	opts = opts.withDefaults()
	// sagas and reconciliation share one publisher so a task's events stay in order
	reconciler := NewReconciler(repo, opts)
	return &coordinator{
		repo:       repo,
		reconciler: reconciler,
		observer:   reconciler.observer,
		retry:      opts.Retry,
		minAmount:  opts.MinAmountWei,
		currency:   opts.CurrencyLabel,
		now:        opts.Clock,
	}
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = log.Default()
	}
	if o.Journal == nil {
		o.Journal = audit.Discard
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	if o.CurrencyLabel == "" {
		o.CurrencyLabel = "ETH"
	}
	if o.IntentStaleAfter <= 0 {
		o.IntentStaleAfter = 10 * time.Minute
	}
	return o
}

func (s *coordinator) CreateDraft(ctx context.Context, caller Caller, in DraftInput) (Task, error) {
	if caller.UserID == uuid.Nil {
		return Task{}, authorizationErr(OpCreateDraft, uuid.Nil, "caller identity is required")
	}
	if err := ledger.ValidateAddress(caller.Wallet); err != nil {
		return Task{}, validationErr(OpCreateDraft, uuid.Nil, "employer wallet: %v", err)
	}
	amount, err := ledger.ParseAmount(in.Amount)
	if err != nil {
		return Task{}, newError(KindValidation, OpCreateDraft, uuid.Nil, err)
	}

	title := strings.TrimSpace(in.Title)
	req := ledger.EscrowRequest{Title: title, Description: in.Description, Deadline: in.Deadline, AmountWei: amount}
	if err := ledger.ValidateEscrow(req, s.minAmount, s.now()); err != nil {
		return Task{}, newError(KindValidation, OpCreateDraft, uuid.Nil, err)
	}

	currency := strings.TrimSpace(in.CurrencyLabel)
	if currency == "" {
		currency = s.currency
	}

	now := s.now()
	task := Task{
		ID:              uuid.New(),
		EmployerID:      caller.UserID,
		EmployerAddress: caller.Wallet,
		Title:           title,
		Description:     in.Description,
		Deadline:        in.Deadline.UTC(),
		AmountWei:       amount.String(),
		CurrencyLabel:   currency,
		Status:          StatusDraft,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.repo.CreateTask(ctx, task); err != nil {
		return Task{}, fromStore(OpCreateDraft, task.ID, err)
	}

	entry := entryFor(task, OpCreateDraft, audit.OutcomeSuccess)
	entry.ActorID = caller.UserID.String()
	entry.ToStatus = string(StatusDraft)
	s.record(ctx, entry)
	return task, nil
}

func (s *coordinator) Escrow(ctx context.Context, conn ledger.Conn, caller Caller, taskID uuid.UUID) (Result, error) {
	task, err := s.load(ctx, OpEscrow, taskID)
	if err != nil {
		return Result{}, err
	}
	if err := s.requireEmployer(OpEscrow, task, caller); err != nil {
		return Result{Task: task}, err
	}
	if err := requireStatus(OpEscrow, task, StatusDraft); err != nil {
		return Result{Task: task}, err
	}

	amount, err := ledger.ParseWei(task.AmountWei)
	if err != nil {
		return Result{Task: task}, newError(KindValidation, OpEscrow, task.ID, err)
	}
	req := ledger.EscrowRequest{
		Title:       task.Title,
		Description: task.Description,
		Deadline:    task.Deadline,
		AmountWei:   amount,
	}
	if err := ledger.ValidateEscrow(req, s.minAmount, s.now()); err != nil {
		return Result{Task: task}, newError(KindValidation, OpEscrow, task.ID, err)
	}

	var escrowed ledger.EscrowReceipt
	result, err := s.runSaga(ctx, caller, task, saga{
		op: OpEscrow,
		invoke: func(ctx context.Context) (ledger.Receipt, error) {
			r, err := conn.Escrow(ctx, req)
			escrowed = r
			return r.Receipt, err
		},
		commit: func(Task) TaskUpdate {
			status := StatusEscrowed
			id := escrowed.LedgerTaskID
			confirmed := !escrowed.Uncertain
			return TaskUpdate{Status: &status, LedgerTaskID: &id, LedgerIDConfirmed: &confirmed}
		},
	})
	if err == nil && escrowed.Uncertain {
		result.Uncertain = true
		s.logger.Printf("escrow task=%s ledger id %d derived from task counter; operator confirmation required", task.ID, escrowed.LedgerTaskID)
	}
	return result, err
}

func (s *coordinator) Assign(ctx context.Context, conn ledger.Conn, caller Caller, taskID, workerID uuid.UUID, workerAddress string) (Result, error) {
	task, err := s.load(ctx, OpAssign, taskID)
	if err != nil {
		return Result{}, err
	}
	if err := s.requireEmployer(OpAssign, task, caller); err != nil {
		return Result{Task: task}, err
	}
	if workerID == uuid.Nil {
		return Result{Task: task}, validationErr(OpAssign, task.ID, "worker_id is required")
	}
	if workerID == task.EmployerID {
		return Result{Task: task}, validationErr(OpAssign, task.ID, "employer cannot be assigned as worker")
	}
	workerAddress = strings.TrimSpace(workerAddress)
	if err := ledger.ValidateAddress(workerAddress); err != nil {
		return Result{Task: task}, newError(KindValidation, OpAssign, task.ID, err)
	}
	if ledger.SameAddress(workerAddress, task.EmployerAddress) {
		return Result{Task: task}, validationErr(OpAssign, task.ID, "worker wallet equals employer wallet")
	}
	if err := requireStatus(OpAssign, task, StatusEscrowed); err != nil {
		return Result{Task: task}, err
	}
	if err := requireLedger(OpAssign, task); err != nil {
		return Result{Task: task}, err
	}

	return s.runSaga(ctx, caller, task, saga{
		op:    OpAssign,
		claim: Intent{WorkerID: &workerID, WorkerAddress: &workerAddress},
		invoke: func(ctx context.Context) (ledger.Receipt, error) {
			return conn.Assign(ctx, *task.LedgerTaskID, workerAddress)
		},
		commit: func(Task) TaskUpdate {
			status := StatusAssigned
			return TaskUpdate{Status: &status, WorkerID: &workerID, WorkerAddress: &workerAddress}
		},
	})
}

// SignalCompletion records the caller's acceptance. It is idempotent per
// caller and commutative across the two parties, so it takes no intent lock:
// the shadow write merges the flag into whatever the record holds by then.
func (s *coordinator) SignalCompletion(ctx context.Context, conn ledger.Conn, caller Caller, taskID uuid.UUID) (Result, error) {
	task, err := s.load(ctx, OpSignal, taskID)
	if err != nil {
		return Result{}, err
	}
	party, ok := partyOf(task, caller)
	if !ok {
		return Result{Task: task}, authorizationErr(OpSignal, task.ID, "only the employer or the assigned worker can signal completion")
	}
	if err := requireWallet(OpSignal, task, caller, party); err != nil {
		return Result{Task: task}, err
	}
	if accepted(task, party) && (task.Status == StatusCompletionPendingClient ||
		task.Status == StatusCompletionPendingWorker || task.Status == StatusCompleted) {
		return Result{Task: task, Outcome: OutcomeNoop}, nil
	}
	if err := requireStatus(OpSignal, task, StatusAssigned, StatusCompletionPendingClient, StatusCompletionPendingWorker); err != nil {
		return Result{Task: task}, err
	}
	if err := requireLedger(OpSignal, task); err != nil {
		return Result{Task: task}, err
	}

	sagaCtx := context.WithoutCancel(ctx)
	receipt, err := withRetry(sagaCtx, s.retry, func(ctx context.Context) (ledger.Receipt, error) {
		return conn.MarkComplete(ctx, *task.LedgerTaskID)
	})
	if err != nil {
		serr := fromLedger(OpSignal, task.ID, err)
		s.logger.Printf("%s task=%s ledger=%s party=%s: %v", OpSignal, task.ID, ledgerRef(task), party, serr)
		entry := withError(entryFor(task, OpSignal, audit.OutcomeFailed), serr)
		entry.ActorID = caller.UserID.String()
		entry.TxHash = serr.TxHash
		s.record(sagaCtx, entry)
		return Result{Task: task, Outcome: outcomeFor(serr), TxHash: serr.TxHash}, serr
	}
	return s.commitSignal(sagaCtx, caller, task, party, receipt.TxHash)
}

func (s *coordinator) commitSignal(ctx context.Context, caller Caller, task Task, party Party, txHash string) (Result, error) {
	current := task
	var lastErr error
	for attempt := 0; attempt < signalCommitAttempts; attempt++ {
		if attempt > 0 {
			fresh, err := s.repo.GetTask(ctx, task.ID)
			if err != nil {
				lastErr = err
				break
			}
			current = fresh
		}
		if accepted(current, party) {
			return Result{Task: current, Outcome: OutcomeSuccess, TxHash: txHash}, nil
		}
		// a claimed operation owns the record until it commits
		if current.HasIntent() {
			lastErr = fmt.Errorf("%w: %s in flight while completion was signalled", ErrIntentPending, *current.PendingOp)
			return s.partial(ctx, caller, current, OpSignal, txHash, lastErr)
		}
		switch current.Status {
		case StatusAssigned, StatusCompletionPendingClient, StatusCompletionPendingWorker:
		default:
			lastErr = fmt.Errorf("%w: task moved to %s while completion was signalled", ErrStatusChanged, current.Status)
			return s.partial(ctx, caller, current, OpSignal, txHash, lastErr)
		}

		update := signalUpdate(current, party, txHash, s.now())
		err := s.repo.ApplyUpdate(ctx, current.ID, current.Version, update)
		if err == nil {
			updated := update.applyTo(current)
			s.committed(ctx, caller, current, updated, OpSignal, txHash)
			return Result{Task: updated, Outcome: OutcomeSuccess, TxHash: txHash}, nil
		}
		lastErr = err
		if !errors.Is(err, ErrVersionConflict) {
			break
		}
	}
	return s.partial(ctx, caller, current, OpSignal, txHash, lastErr)
}

func signalUpdate(task Task, party Party, txHash string, now time.Time) TaskUpdate {
	clientAccepted, workerAccepted := task.ClientAccepted, task.WorkerAccepted
	flag := true
	update := TaskUpdate{LastTxHash: &txHash, UpdatedAt: now}
	if party == PartyEmployer {
		clientAccepted = true
		update.ClientAccepted = &flag
	} else {
		workerAccepted = true
		update.WorkerAccepted = &flag
	}
	if next := signalOutcome(clientAccepted, workerAccepted); next != task.Status {
		update.Status = &next
	}
	return update
}

func (s *coordinator) ReleasePayment(ctx context.Context, conn ledger.Conn, caller Caller, taskID uuid.UUID) (Result, error) {
	task, err := s.load(ctx, OpRelease, taskID)
	if err != nil {
		return Result{}, err
	}
	if err := s.requireEmployer(OpRelease, task, caller); err != nil {
		return Result{Task: task}, err
	}
	if err := requireStatus(OpRelease, task, StatusCompleted); err != nil {
		return Result{Task: task}, err
	}
	if !task.ClientAccepted || !task.WorkerAccepted {
		return Result{Task: task}, preconditionErr(OpRelease, task.ID, fmt.Errorf("%w: both parties must accept completion", ErrInvalidState))
	}
	if err := requireLedger(OpRelease, task); err != nil {
		return Result{Task: task}, err
	}

	return s.runSaga(ctx, caller, task, saga{
		op: OpRelease,
		invoke: func(ctx context.Context) (ledger.Receipt, error) {
			return conn.Release(ctx, *task.LedgerTaskID)
		},
		commit: func(Task) TaskUpdate {
			status := StatusPaid
			return TaskUpdate{Status: &status}
		},
	})
}

func (s *coordinator) Refund(ctx context.Context, conn ledger.Conn, caller Caller, taskID uuid.UUID) (Result, error) {
	task, err := s.load(ctx, OpRefund, taskID)
	if err != nil {
		return Result{}, err
	}
	if err := s.requireEmployer(OpRefund, task, caller); err != nil {
		return Result{Task: task}, err
	}
	if err := requireStatus(OpRefund, task, StatusEscrowed, StatusAssigned); err != nil {
		return Result{Task: task}, err
	}
	if err := requireLedger(OpRefund, task); err != nil {
		return Result{Task: task}, err
	}

	return s.runSaga(ctx, caller, task, saga{
		op: OpRefund,
		invoke: func(ctx context.Context) (ledger.Receipt, error) {
			return conn.Refund(ctx, *task.LedgerTaskID)
		},
		commit: func(Task) TaskUpdate {
			status := StatusRefunded
			return TaskUpdate{Status: &status, ClearWorker: true}
		},
	})
}

func (s *coordinator) Get(ctx context.Context, conn ledger.Conn, caller Caller, taskID uuid.UUID) (Task, Report, error) {
	task, err := s.load(ctx, OpReconcile, taskID)
	if err != nil {
		return Task{}, Report{}, err
	}
	if _, ok := partyOf(task, caller); !ok && !caller.IsAdmin() {
		return Task{}, Report{}, authorizationErr(OpReconcile, task.ID, "task is not visible to caller")
	}
	return s.reconciler.Reconcile(ctx, conn, task)
}

func (s *coordinator) Reconcile(ctx context.Context, conn ledger.Conn, taskID uuid.UUID) (Task, Report, error) {
	task, err := s.load(ctx, OpReconcile, taskID)
	if err != nil {
		return Task{}, Report{}, err
	}
	return s.reconciler.Reconcile(ctx, conn, task)
}

// List returns shadow records without touching the ledger. Non-admin callers
// only see tasks they are a party to.
func (s *coordinator) List(ctx context.Context, caller Caller, filter ListFilter) ([]Task, error) {
	if filter.Status != nil && !filter.Status.Valid() {
		return nil, validationErr(OpReconcile, uuid.Nil, "invalid status %q", *filter.Status)
	}
	if !caller.IsAdmin() {
		self := caller.UserID
		if (filter.EmployerID != nil && *filter.EmployerID != self) || (filter.WorkerID != nil && *filter.WorkerID != self) {
			return nil, authorizationErr(OpReconcile, uuid.Nil, "callers may only list their own tasks")
		}
		if filter.EmployerID == nil && filter.WorkerID == nil {
			filter.EmployerID = &self
		}
	}
	tasks, err := s.repo.TaskList(ctx, filter)
	if err != nil {
		return nil, fromStore(OpReconcile, uuid.Nil, err)
	}
	return tasks, nil
}

// ConfirmLedgerID settles an id that was derived from the task counter. The
// candidate, or each recent id when none is given, must match the record's
// employer, amount and title on the ledger; an ambiguous search fails.
func (s *coordinator) ConfirmLedgerID(ctx context.Context, conn ledger.Conn, taskID uuid.UUID, candidate *uint64) (Task, error) {
	task, err := s.load(ctx, OpConfirm, taskID)
	if err != nil {
		return Task{}, err
	}
	if task.LedgerIDConfirmed {
		return task, nil
	}
	if task.LedgerTaskID == nil || task.Status != StatusEscrowed {
		return task, preconditionErr(OpConfirm, task.ID, fmt.Errorf("%w: only escrowed tasks with a derived ledger id can be confirmed", ErrInvalidState))
	}

	var candidates []uint64
	if candidate != nil {
		candidates = []uint64{*candidate}
	} else {
		count, err := conn.TaskCount(ctx)
		if err != nil {
			return task, fromLedger(OpConfirm, task.ID, err)
		}
		for id := count + 1; id > 0 && count+1-id < confirmSearchWindow; id-- {
			candidates = append(candidates, id)
		}
	}

	var matches []uint64
	for _, id := range candidates {
		snap, err := conn.Read(ctx, id)
		if err != nil {
			if ledger.KindOf(err) == ledger.Reverted {
				continue
			}
			return task, fromLedger(OpConfirm, task.ID, err)
		}
		if snapshotMatches(snap, task) {
			matches = append(matches, id)
		}
	}
	switch len(matches) {
	case 0:
		return task, preconditionErr(OpConfirm, task.ID, errors.New("no ledger task matches employer, amount and title"))
	case 1:
	default:
		return task, preconditionErr(OpConfirm, task.ID, fmt.Errorf("ambiguous ledger ids %v; confirm one explicitly", matches))
	}

	id := matches[0]
	confirmed := true
	update := TaskUpdate{LedgerTaskID: &id, LedgerIDConfirmed: &confirmed, UpdatedAt: s.now()}
	if err := s.repo.ApplyUpdate(ctx, task.ID, task.Version, update); err != nil {
		return task, fromStore(OpConfirm, task.ID, err)
	}
	updated := update.applyTo(task)
	s.logger.Printf("%s task=%s ledger id %s -> %d", OpConfirm, task.ID, ledgerRef(task), id)
	entry := entryFor(task, OpConfirm, audit.OutcomeSuccess)
	entry.LedgerTaskID = &id
	entry.ToStatus = string(updated.Status)
	s.record(ctx, entry)
	return updated, nil
}

func snapshotMatches(snap ledger.TaskSnapshot, task Task) bool {
	if !ledger.SameAddress(snap.Employer, task.EmployerAddress) || snap.Title != task.Title {
		return false
	}
	return snap.AmountWei != nil && snap.AmountWei.String() == task.AmountWei
}

type saga struct {
	op     Op
	claim  Intent
	invoke func(context.Context) (ledger.Receipt, error)
	commit func(Task) TaskUpdate
}

// runSaga claims the task, calls the ledger and commits the shadow write. The
// claim is a version-checked write, so of two concurrent callers only one
// reaches the ledger. Once claimed, the caller's cancellation no longer
// affects the saga.
func (s *coordinator) runSaga(ctx context.Context, caller Caller, task Task, step saga) (Result, error) {
	claim := step.claim
	claim.Op = step.op
	claim.Since = s.now()
	claimUpdate := TaskUpdate{Claim: &claim, UpdatedAt: claim.Since}
	if err := s.repo.ApplyUpdate(ctx, task.ID, task.Version, claimUpdate); err != nil {
		return Result{Task: task, Outcome: OutcomeFailed}, fromStore(step.op, task.ID, err)
	}
	claimed := claimUpdate.applyTo(task)

	sagaCtx := context.WithoutCancel(ctx)
	receipt, err := withRetry(sagaCtx, s.retry, step.invoke)
	if err != nil {
		return s.abort(sagaCtx, caller, task, claimed, step.op, err)
	}

	update := step.commit(claimed)
	update.ClearIntent = true
	update.LastTxHash = &receipt.TxHash
	update.UpdatedAt = s.now()
	if err := s.repo.ApplyUpdate(sagaCtx, claimed.ID, claimed.Version, update); err != nil {
		return s.partial(sagaCtx, caller, claimed, step.op, receipt.TxHash, err)
	}
	updated := update.applyTo(claimed)
	s.committed(sagaCtx, caller, task, updated, step.op, receipt.TxHash)
	return Result{Task: updated, Outcome: OutcomeSuccess, TxHash: receipt.TxHash}, nil
}

// abort handles a failed ledger call. The status is never touched: the intent
// is released, or kept with the broadcast hash when the outcome is unknown.
func (s *coordinator) abort(ctx context.Context, caller Caller, original, claimed Task, op Op, cause error) (Result, error) {
	serr := fromLedger(op, original.ID, cause)

	update := TaskUpdate{UpdatedAt: s.now()}
	outcome := audit.OutcomeFailed
	if serr.TxHash != "" && serr.Kind.Retryable() {
		update.PendingTxHash = &serr.TxHash
		outcome = audit.OutcomePending
	} else {
		update.ClearIntent = true
	}

	result := Result{Task: claimed, Outcome: outcomeFor(serr), TxHash: serr.TxHash}
	if err := s.repo.ApplyUpdate(ctx, claimed.ID, claimed.Version, update); err != nil {
		s.logger.Printf("%s task=%s: update intent after ledger failure: %v", op, original.ID, err)
	} else {
		result.Task = update.applyTo(claimed)
	}

	s.logger.Printf("%s task=%s ledger=%s status=%s: %v", op, original.ID, ledgerRef(original), original.Status, serr)
	entry := withError(entryFor(original, op, outcome), serr)
	entry.ActorID = caller.UserID.String()
	entry.TxHash = serr.TxHash
	s.record(ctx, entry)
	return result, serr
}

// partial reports a confirmed ledger call whose shadow write failed. The
// record is left for the Reconciliation Checker to advance.
func (s *coordinator) partial(ctx context.Context, caller Caller, task Task, op Op, txHash string, cause error) (Result, error) {
	serr := &Error{
		Kind:   KindPersistence,
		Op:     op,
		TaskID: task.ID,
		TxHash: txHash,
		Err:    fmt.Errorf("ledger confirmed, shadow write failed: %w", cause),
	}
	s.logger.Printf("%s task=%s ledger=%s PARTIAL tx=%s: %v", op, task.ID, ledgerRef(task), txHash, cause)
	entry := withError(entryFor(task, op, audit.OutcomePartial), serr)
	entry.ActorID = caller.UserID.String()
	entry.TxHash = txHash
	s.record(ctx, entry)
	return Result{Task: task, Outcome: OutcomePartial, TxHash: txHash}, serr
}

func (s *coordinator) committed(ctx context.Context, caller Caller, before, after Task, op Op, txHash string) {
	s.logger.Printf("%s task=%s ledger=%s %s -> %s tx=%s", op, after.ID, ledgerRef(after), before.Status, after.Status, txHash)
	entry := entryFor(before, op, audit.OutcomeSuccess)
	entry.LedgerTaskID = after.LedgerTaskID
	entry.ActorID = caller.UserID.String()
	entry.ToStatus = string(after.Status)
	entry.TxHash = txHash
	s.record(ctx, entry)
	s.notify(caller.UserID.String(), before.Status, after, txHash, "")
}

func (s *coordinator) load(ctx context.Context, op Op, taskID uuid.UUID) (Task, error) {
	task, err := s.repo.GetTask(ctx, taskID)
	if err != nil {
		return Task{}, fromStore(op, taskID, err)
	}
	return task, nil
}

func (s *coordinator) requireEmployer(op Op, task Task, caller Caller) error {
	if caller.UserID != task.EmployerID {
		return authorizationErr(op, task.ID, "only the task's employer may %s", op)
	}
	return requireWallet(op, task, caller, PartyEmployer)
}

// requireWallet checks that the signing wallet belongs to the party.
func requireWallet(op Op, task Task, caller Caller, party Party) error {
	switch party {
	case PartyEmployer:
		if !ledger.SameAddress(caller.Wallet, task.EmployerAddress) {
			return authorizationErr(op, task.ID, "caller wallet is not the employer wallet")
		}
	case PartyWorker:
		if task.WorkerAddress != nil && !ledger.SameAddress(caller.Wallet, *task.WorkerAddress) {
			return authorizationErr(op, task.ID, "caller wallet is not the worker wallet")
		}
	}
	return nil
}

func requireStatus(op Op, task Task, allowed ...Status) error {
	if task.HasIntent() {
		return preconditionErr(op, task.ID, fmt.Errorf("%w (%s)", ErrIntentPending, *task.PendingOp))
	}
	for _, status := range allowed {
		if task.Status == status {
			return nil
		}
	}
	return preconditionErr(op, task.ID, fmt.Errorf("%w: task is %s, %s requires %v", ErrInvalidState, task.Status, op, allowed))
}

func requireLedger(op Op, task Task) error {
	if !task.LedgerReady() {
		return preconditionErr(op, task.ID, ErrLedgerIDUnproven)
	}
	return nil
}

// partyOf identifies the caller's role on the task. A worker bound only by
// wallet (recovered from the ledger) is matched on the wallet.
func partyOf(task Task, caller Caller) (Party, bool) {
	if caller.UserID != uuid.Nil && caller.UserID == task.EmployerID {
		return PartyEmployer, true
	}
	if task.WorkerID != nil {
		if caller.UserID != uuid.Nil && caller.UserID == *task.WorkerID {
			return PartyWorker, true
		}
		return "", false
	}
	if task.WorkerAddress != nil && caller.Wallet != "" && ledger.SameAddress(caller.Wallet, *task.WorkerAddress) {
		return PartyWorker, true
	}
	return "", false
}

func accepted(task Task, party Party) bool {
	if party == PartyEmployer {
		return task.ClientAccepted
	}
	return task.WorkerAccepted
}

func outcomeFor(err *Error) Outcome {
	if err.TxHash != "" && err.Kind.Retryable() {
		return OutcomePending
	}
	return OutcomeFailed
}
