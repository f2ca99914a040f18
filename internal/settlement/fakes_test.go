package settlement

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/Oniqq60/task_system_control/settlement/internal/audit"
	"github.com/Oniqq60/task_system_control/settlement/internal/ledger"
	"github.com/google/uuid"
)

const (
	employerWallet = "0x1111111111111111111111111111111111111111"
	workerWallet   = "0x2222222222222222222222222222222222222222"
	outsiderWallet = "0x3333333333333333333333333333333333333333"
)

// testingT is satisfied by both *testing.T and *rapid.T.
type testingT interface {
	Helper()
	Fatalf(format string, args ...interface{})
}

var errDuplicateLedgerID = errors.New("duplicate key value violates unique constraint on ledger_task_id")

// memoryRepo is a TaskRepository with the same version semantics as the gorm
// implementation.
type memoryRepo struct {
	mu    sync.Mutex
	tasks map[uuid.UUID]Task

	// failUpdate, when set, is consulted before every ApplyUpdate.
	failUpdate func(update TaskUpdate) error
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{tasks: make(map[uuid.UUID]Task)}
}

func (r *memoryRepo) CreateTask(_ context.Context, t Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tasks[t.ID]; ok {
		return fmt.Errorf("task %s exists", t.ID)
	}
	r.tasks[t.ID] = t
	return nil
}

func (r *memoryRepo) GetTask(_ context.Context, id uuid.UUID) (Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return Task{}, ErrNotFound
	}
	return t, nil
}

func (r *memoryRepo) TaskList(_ context.Context, filter ListFilter) ([]Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Task
	for _, t := range r.tasks {
		if filter.EmployerID != nil && t.EmployerID != *filter.EmployerID {
			continue
		}
		if filter.WorkerID != nil && (t.WorkerID == nil || *t.WorkerID != *filter.WorkerID) {
			continue
		}
		if filter.Status != nil && t.Status != *filter.Status {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (r *memoryRepo) ApplyUpdate(_ context.Context, id uuid.UUID, version int64, update TaskUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failUpdate != nil {
		if err := r.failUpdate(update); err != nil {
			return err
		}
	}
	t, ok := r.tasks[id]
	if !ok {
		return ErrNotFound
	}
	if t.Version != version || (update.Claim != nil && t.PendingOp != nil) {
		return ErrVersionConflict
	}
	if update.LedgerTaskID != nil {
		for otherID, other := range r.tasks {
			if otherID != id && other.LedgerTaskID != nil && *other.LedgerTaskID == *update.LedgerTaskID {
				return errDuplicateLedgerID
			}
		}
	}
	r.tasks[id] = update.applyTo(t)
	return nil
}

func (r *memoryRepo) mustGet(t testingT, id uuid.UUID) Task {
	t.Helper()
	task, err := r.GetTask(context.Background(), id)
	if err != nil {
		t.Fatalf("get task %s: %v", id, err)
	}
	return task
}

// put overwrites a record, bypassing version checks, to stage divergence.
func (r *memoryRepo) put(task Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[task.ID] = task
}

type txMode int

const (
	modeNormal txMode = iota
	// the transaction is broadcast but never confirms within the bound
	modePending
	// the transaction confirms but the wait for it times out
	modeMinedTimeout
)

type chainTask struct {
	snap        ledger.TaskSnapshot
	completedBy map[string]bool
}

// fakeChain models the escrow contract. Task ids start at 1, and reading an
// unknown id yields a zero snapshot like a Solidity mapping.
type fakeChain struct {
	mu       sync.Mutex
	tasks    []*chainTask
	txs      map[string]ledger.TxState
	escrows  map[string]uint64
	deferred map[string]func()
	seq      int
	failures map[string][]error
	modes    map[string][]txMode
	calls    map[string]int

	omitCreateEvent   bool
	foreignEscrowNext bool
	readErr           error
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		txs:      make(map[string]ledger.TxState),
		escrows:  make(map[string]uint64),
		deferred: make(map[string]func()),
		failures: make(map[string][]error),
		modes:    make(map[string][]txMode),
		calls:    make(map[string]int),
	}
}

func (c *fakeChain) conn(sender string) *fakeConn {
	return &fakeConn{chain: c, sender: sender}
}

// failNext makes the next call of method fail with err before broadcast.
func (c *fakeChain) failNext(method string, errs ...error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures[method] = append(c.failures[method], errs...)
}

func (c *fakeChain) modeNext(method string, mode txMode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.modes[method] = append(c.modes[method], mode)
}

func (c *fakeChain) callCount(method string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[method]
}

// confirm mines a pending transaction.
func (c *fakeChain) confirm(hash string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if effect, ok := c.deferred[hash]; ok {
		effect()
		delete(c.deferred, hash)
	}
}

func (c *fakeChain) drop(hash string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.deferred, hash)
	c.txs[hash] = ledger.TxDropped
}

func (c *fakeChain) snapshot(id uint64) ledger.TaskSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id == 0 || id > uint64(len(c.tasks)) {
		return ledger.TaskSnapshot{ID: id}
	}
	snap := c.tasks[id-1].snap
	snap.AmountWei = new(big.Int).Set(snap.AmountWei)
	return snap
}

func (c *fakeChain) task(id uint64) (*chainTask, error) {
	if id == 0 || id > uint64(len(c.tasks)) {
		return nil, errors.New("execution reverted: task does not exist")
	}
	return c.tasks[id-1], nil
}

func (c *fakeChain) pop(method string) (txMode, error) {
	var err error
	if q := c.failures[method]; len(q) > 0 {
		err, c.failures[method] = q[0], q[1:]
	}
	mode := modeNormal
	if q := c.modes[method]; len(q) > 0 {
		mode, c.modes[method] = q[0], q[1:]
	}
	return mode, err
}

type fakeConn struct {
	chain  *fakeChain
	sender string
}

var _ ledger.Conn = (*fakeConn)(nil)

// write runs one transaction. effect reports a revert reason; it runs under
// the chain lock.
func (f *fakeConn) write(method string, effect func(hash string) error) (ledger.Receipt, error) {
	c := f.chain
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls[method]++

	mode, failure := c.pop(method)
	if failure != nil {
		return ledger.Receipt{}, failure
	}
	c.seq++
	hash := fmt.Sprintf("0x%064x", c.seq)
	receipt := ledger.Receipt{TxHash: hash, BlockNumber: uint64(c.seq)}

	if mode == modePending {
		c.txs[hash] = ledger.TxPending
		c.deferred[hash] = func() {
			if err := effect(hash); err != nil {
				c.txs[hash] = ledger.TxFailed
				return
			}
			c.txs[hash] = ledger.TxConfirmed
		}
		return ledger.Receipt{}, &ledger.Error{Kind: ledger.TimedOut, Op: method, TxHash: hash, Err: context.DeadlineExceeded}
	}

	if err := effect(hash); err != nil {
		c.txs[hash] = ledger.TxFailed
		return ledger.Receipt{}, &ledger.Error{Kind: ledger.Reverted, Op: method, TxHash: hash, Err: err}
	}
	c.txs[hash] = ledger.TxConfirmed
	if mode == modeMinedTimeout {
		return ledger.Receipt{}, &ledger.Error{Kind: ledger.TimedOut, Op: method, TxHash: hash, Err: context.DeadlineExceeded}
	}
	return receipt, nil
}

func (f *fakeConn) Escrow(_ context.Context, req ledger.EscrowRequest) (ledger.EscrowReceipt, error) {
	var id uint64
	receipt, err := f.write("createTask", func(hash string) error {
		if req.AmountWei == nil || req.AmountWei.Sign() <= 0 {
			return errors.New("execution reverted: amount must be positive")
		}
		c := f.chain
		c.tasks = append(c.tasks, &chainTask{
			snap: ledger.TaskSnapshot{
				Employer:    f.sender,
				Worker:      "0x0000000000000000000000000000000000000000",
				AmountWei:   new(big.Int).Set(req.AmountWei),
				Deadline:    req.Deadline,
				Title:       req.Title,
				Description: req.Description,
			},
			completedBy: make(map[string]bool),
		})
		id = uint64(len(c.tasks))
		c.tasks[id-1].snap.ID = id
		c.escrows[hash] = id
		if c.foreignEscrowNext {
			c.foreignEscrowNext = false
			c.tasks = append(c.tasks, &chainTask{
				snap: ledger.TaskSnapshot{
					ID:        id + 1,
					Employer:  outsiderWallet,
					Worker:    "0x0000000000000000000000000000000000000000",
					AmountWei: big.NewInt(1),
					Title:     "foreign",
				},
				completedBy: make(map[string]bool),
			})
		}
		return nil
	})
	if err != nil {
		return ledger.EscrowReceipt{}, err
	}

	f.chain.mu.Lock()
	defer f.chain.mu.Unlock()
	if f.chain.omitCreateEvent {
		return ledger.EscrowReceipt{Receipt: receipt, LedgerTaskID: uint64(len(f.chain.tasks)), Uncertain: true}, nil
	}
	return ledger.EscrowReceipt{Receipt: receipt, LedgerTaskID: id}, nil
}

func (f *fakeConn) Assign(_ context.Context, taskID uint64, worker string) (ledger.Receipt, error) {
	return f.write("assignWorker", func(string) error {
		t, err := f.chain.task(taskID)
		if err != nil {
			return err
		}
		switch {
		case !ledger.SameAddress(t.snap.Employer, f.sender):
			return errors.New("execution reverted: only employer")
		case t.snap.HasWorker():
			return errors.New("execution reverted: already assigned")
		case t.snap.AmountWei.Sign() == 0:
			return errors.New("execution reverted: refunded")
		}
		t.snap.Worker = worker
		return nil
	})
}

func (f *fakeConn) MarkComplete(_ context.Context, taskID uint64) (ledger.Receipt, error) {
	return f.write("completeTask", func(string) error {
		t, err := f.chain.task(taskID)
		if err != nil {
			return err
		}
		isEmployer := ledger.SameAddress(t.snap.Employer, f.sender)
		isWorker := t.snap.HasWorker() && ledger.SameAddress(t.snap.Worker, f.sender)
		switch {
		case !isEmployer && !isWorker:
			return errors.New("execution reverted: not a party")
		case !t.snap.HasWorker():
			return errors.New("execution reverted: no worker")
		case t.snap.IsPaid:
			return errors.New("execution reverted: already paid")
		case t.snap.AmountWei.Sign() == 0:
			return errors.New("execution reverted: refunded")
		}
		if isEmployer {
			t.completedBy["employer"] = true
		}
		if isWorker {
			t.completedBy["worker"] = true
		}
		if t.completedBy["employer"] && t.completedBy["worker"] {
			t.snap.IsCompleted = true
		}
		return nil
	})
}

func (f *fakeConn) Release(_ context.Context, taskID uint64) (ledger.Receipt, error) {
	return f.write("releasePayment", func(string) error {
		t, err := f.chain.task(taskID)
		if err != nil {
			return err
		}
		switch {
		case !ledger.SameAddress(t.snap.Employer, f.sender):
			return errors.New("execution reverted: only employer")
		case !t.snap.IsCompleted:
			return errors.New("execution reverted: not completed")
		case t.snap.IsPaid:
			return errors.New("execution reverted: already paid")
		}
		t.snap.IsPaid = true
		return nil
	})
}

func (f *fakeConn) Refund(_ context.Context, taskID uint64) (ledger.Receipt, error) {
	return f.write("refundTask", func(string) error {
		t, err := f.chain.task(taskID)
		if err != nil {
			return err
		}
		switch {
		case !ledger.SameAddress(t.snap.Employer, f.sender):
			return errors.New("execution reverted: only employer")
		case t.snap.IsCompleted || t.snap.IsPaid:
			return errors.New("execution reverted: already completed")
		case t.snap.AmountWei.Sign() == 0:
			return errors.New("execution reverted: already refunded")
		}
		t.snap.AmountWei = new(big.Int)
		return nil
	})
}

func (f *fakeConn) Read(_ context.Context, taskID uint64) (ledger.TaskSnapshot, error) {
	f.chain.mu.Lock()
	err := f.chain.readErr
	f.chain.mu.Unlock()
	if err != nil {
		return ledger.TaskSnapshot{}, err
	}
	return f.chain.snapshot(taskID), nil
}

func (f *fakeConn) TaskCount(context.Context) (uint64, error) {
	f.chain.mu.Lock()
	defer f.chain.mu.Unlock()
	return uint64(len(f.chain.tasks)), nil
}

func (f *fakeConn) TxStatus(_ context.Context, txHash string) (ledger.TxState, error) {
	f.chain.mu.Lock()
	defer f.chain.mu.Unlock()
	state, ok := f.chain.txs[txHash]
	if !ok {
		return ledger.TxDropped, nil
	}
	return state, nil
}

func (f *fakeConn) FindEscrow(_ context.Context, txHash string) (ledger.EscrowReceipt, error) {
	f.chain.mu.Lock()
	defer f.chain.mu.Unlock()
	id, ok := f.chain.escrows[txHash]
	if !ok {
		return ledger.EscrowReceipt{}, &ledger.Error{Kind: ledger.TimedOut, Op: "createTask", TxHash: txHash, Err: errors.New("receipt not found")}
	}
	return ledger.EscrowReceipt{Receipt: ledger.Receipt{TxHash: txHash}, LedgerTaskID: id}, nil
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []TransitionEvent
}

func (n *fakeNotifier) SendTransition(_ context.Context, event TransitionEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return nil
}

func (n *fakeNotifier) Close() error { return nil }

// waitFor polls until at least count events were delivered.
func (n *fakeNotifier) waitFor(t testingT, count int) []TransitionEvent {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		n.mu.Lock()
		events := append([]TransitionEvent(nil), n.events...)
		n.mu.Unlock()
		if len(events) >= count {
			return events
		}
		if time.Now().After(deadline) {
			t.Fatalf("got %d transition events, want %d", len(events), count)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type fakeJournal struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (j *fakeJournal) Record(_ context.Context, entry audit.Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, entry)
	return nil
}

func (j *fakeJournal) ForTask(_ context.Context, taskID string) ([]audit.Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []audit.Entry
	for _, e := range j.entries {
		if e.TaskID == taskID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (j *fakeJournal) outcomes(taskID string) []string {
	entries, _ := j.ForTask(context.Background(), taskID)
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Op+":"+e.Outcome)
	}
	return out
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	repo     *memoryRepo
	chain    *fakeChain
	notifier *fakeNotifier
	journal  *fakeJournal
	clock    *fakeClock
	svc      Service
	opts     Options

	employer Caller
	worker   Caller
	outsider Caller
	admin    Caller
}

func newFixture(t testingT) *fixture {
	t.Helper()
	f := &fixture{
		repo:     newMemoryRepo(),
		chain:    newFakeChain(),
		notifier: &fakeNotifier{},
		journal:  &fakeJournal{},
		clock:    &fakeClock{now: time.Date(2030, 1, 1, 12, 0, 0, 0, time.UTC)},
		employer: Caller{UserID: uuid.New(), Role: "client", Wallet: employerWallet},
		worker:   Caller{UserID: uuid.New(), Role: "worker", Wallet: workerWallet},
		outsider: Caller{UserID: uuid.New(), Role: "worker", Wallet: outsiderWallet},
		admin:    Caller{UserID: uuid.New(), Role: RoleAdmin},
	}
	f.opts = Options{
		Retry:            RetryPolicy{MaxAttempts: 3},
		IntentStaleAfter: 10 * time.Minute,
		Logger:           log.New(io.Discard, "", 0),
		Notifier:         f.notifier,
		Journal:          f.journal,
		Clock:            f.clock.Now,
	}
	f.svc = NewService(f.repo, f.opts)
	return f
}

func (f *fixture) conn(c Caller) ledger.Conn {
	return f.chain.conn(c.Wallet)
}

func (f *fixture) draft(t testingT) Task {
	t.Helper()
	task, err := f.svc.CreateDraft(context.Background(), f.employer, DraftInput{
		Title:       "Logo design",
		Description: "Vector logo, three revisions",
		Deadline:    f.clock.Now().Add(72 * time.Hour),
		Amount:      "0.01",
	})
	if err != nil {
		t.Fatalf("CreateDraft: %v", err)
	}
	return task
}

func (f *fixture) escrowed(t testingT) Task {
	t.Helper()
	task := f.draft(t)
	res, err := f.svc.Escrow(context.Background(), f.conn(f.employer), f.employer, task.ID)
	if err != nil {
		t.Fatalf("Escrow: %v", err)
	}
	return res.Task
}

func (f *fixture) assigned(t testingT) Task {
	t.Helper()
	task := f.escrowed(t)
	res, err := f.svc.Assign(context.Background(), f.conn(f.employer), f.employer, task.ID, f.worker.UserID, workerWallet)
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	return res.Task
}

func (f *fixture) completed(t testingT) Task {
	t.Helper()
	task := f.assigned(t)
	if _, err := f.svc.SignalCompletion(context.Background(), f.conn(f.worker), f.worker, task.ID); err != nil {
		t.Fatalf("worker SignalCompletion: %v", err)
	}
	res, err := f.svc.SignalCompletion(context.Background(), f.conn(f.employer), f.employer, task.ID)
	if err != nil {
		t.Fatalf("employer SignalCompletion: %v", err)
	}
	return res.Task
}

func requireKind(t testingT, err error, want Kind) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", want)
	}
	if got := KindOf(err); got != want {
		t.Fatalf("error kind = %q, want %q (err: %v)", got, want, err)
	}
}

func unavailable(op string) error {
	return &ledger.Error{Kind: ledger.Unavailable, Op: op, Err: errors.New("connection refused")}
}
