package settlement

import (
	"context"
	"errors"
	"testing"

	"github.com/Oniqq60/task_system_control/settlement/internal/ledger"
	"pgregory.net/rapid"
)

var allStatuses = []Status{
	StatusDraft, StatusEscrowed, StatusAssigned, StatusCompletionPendingClient,
	StatusCompletionPendingWorker, StatusCompleted, StatusPaid, StatusRefunded, StatusFailed,
}

// TestProperty1_LifecycleNeverLeavesTerminal verifies that no transition
// starts from a terminal status and that every transition moves forward.
func TestProperty1_LifecycleNeverLeavesTerminal(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		from := rapid.SampledFrom(allStatuses).Draw(rt, "from")
		to := rapid.SampledFrom(allStatuses).Draw(rt, "to")

		if !CanTransition(from, to) {
			return
		}
		if from.Terminal() {
			rt.Fatalf("transition out of terminal %s to %s", from, to)
		}
		if to == StatusFailed || to == StatusRefunded {
			return
		}
		if rank[to] <= rank[from] {
			rt.Fatalf("transition %s -> %s does not move forward", from, to)
		}
	})
}

// TestProperty2_SignalsCommute verifies that any sequence of completion
// signals, in any order and with repeats, ends in the status determined by
// the set of parties that signalled, with one ledger call per party.
func TestProperty2_SignalsCommute(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		f := newFixture(rt)
		task := f.assigned(rt)
		signals := rapid.SliceOfN(rapid.SampledFrom([]Party{PartyEmployer, PartyWorker}), 1, 6).Draw(rt, "signals")

		parties := make(map[Party]bool)
		for _, party := range signals {
			caller := f.worker
			if party == PartyEmployer {
				caller = f.employer
			}
			if _, err := f.svc.SignalCompletion(context.Background(), f.conn(caller), caller, task.ID); err != nil {
				rt.Fatalf("SignalCompletion(%s): %v", party, err)
			}
			parties[party] = true
		}

		stored := f.repo.mustGet(rt, task.ID)
		want := signalOutcome(parties[PartyEmployer], parties[PartyWorker])
		if stored.Status != want {
			rt.Fatalf("status = %s, want %s after %v", stored.Status, want, signals)
		}
		if got := f.chain.callCount("completeTask"); got != len(parties) {
			rt.Fatalf("completeTask calls = %d, want %d", got, len(parties))
		}
		if f.chain.snapshot(*task.LedgerTaskID).IsCompleted != (want == StatusCompleted) {
			rt.Fatalf("ledger completion disagrees with status %s", want)
		}
	})
}

type sagaStep struct {
	name   string
	method string
	setup  func(t testingT, f *fixture) Task
	run    func(f *fixture, task Task) (Result, error)
}

var sagaSteps = []sagaStep{
	{
		name: "escrow", method: "createTask",
		setup: func(t testingT, f *fixture) Task { return f.draft(t) },
		run: func(f *fixture, task Task) (Result, error) {
			return f.svc.Escrow(context.Background(), f.conn(f.employer), f.employer, task.ID)
		},
	},
	{
		name: "assign", method: "assignWorker",
		setup: func(t testingT, f *fixture) Task { return f.escrowed(t) },
		run: func(f *fixture, task Task) (Result, error) {
			return f.svc.Assign(context.Background(), f.conn(f.employer), f.employer, task.ID, f.worker.UserID, workerWallet)
		},
	},
	{
		name: "signal", method: "completeTask",
		setup: func(t testingT, f *fixture) Task { return f.assigned(t) },
		run: func(f *fixture, task Task) (Result, error) {
			return f.svc.SignalCompletion(context.Background(), f.conn(f.worker), f.worker, task.ID)
		},
	},
	{
		name: "release", method: "releasePayment",
		setup: func(t testingT, f *fixture) Task { return f.completed(t) },
		run: func(f *fixture, task Task) (Result, error) {
			return f.svc.ReleasePayment(context.Background(), f.conn(f.employer), f.employer, task.ID)
		},
	},
	{
		name: "refund", method: "refundTask",
		setup: func(t testingT, f *fixture) Task { return f.assigned(t) },
		run: func(f *fixture, task Task) (Result, error) {
			return f.svc.Refund(context.Background(), f.conn(f.employer), f.employer, task.ID)
		},
	},
}

// TestProperty3_FailedLedgerCallsDoNotAdvance verifies that a ledger call
// that definitely did not take effect leaves the record as it was, with no
// intent held.
func TestProperty3_FailedLedgerCallsDoNotAdvance(t *testing.T) {
	failures := []*ledger.Error{
		{Kind: ledger.Rejected, Err: ledger.ErrSignerDeclined},
		{Kind: ledger.Reverted, Err: errors.New("execution reverted")},
		{Kind: ledger.Reverted, TxHash: "0xfeed", Err: errors.New("execution reverted")},
		{Kind: ledger.Unavailable, Err: errors.New("connection refused")},
	}

	rapid.Check(t, func(rt *rapid.T) {
		step := rapid.SampledFrom(sagaSteps).Draw(rt, "step")
		failure := rapid.SampledFrom(failures).Draw(rt, "failure")

		f := newFixture(rt)
		task := step.setup(rt, f)
		before := f.repo.mustGet(rt, task.ID)

		injected := *failure
		injected.Op = step.method
		for i := 0; i < f.opts.Retry.MaxAttempts; i++ {
			f.chain.failNext(step.method, &injected)
		}

		res, err := step.run(f, task)
		if err == nil {
			rt.Fatalf("%s succeeded despite %s failure", step.name, injected.Kind)
		}
		if res.Outcome != OutcomeFailed {
			rt.Fatalf("%s outcome = %s, want %s", step.name, res.Outcome, OutcomeFailed)
		}

		after := f.repo.mustGet(rt, task.ID)
		if after.Status != before.Status {
			rt.Fatalf("%s moved status %s -> %s on %s", step.name, before.Status, after.Status, injected.Kind)
		}
		if after.HasIntent() {
			rt.Fatalf("%s left intent %s after %s", step.name, *after.PendingOp, injected.Kind)
		}
		if after.ClientAccepted != before.ClientAccepted || after.WorkerAccepted != before.WorkerAccepted {
			rt.Fatalf("%s changed acceptance flags on failure", step.name)
		}
	})
}

// TestProperty4_ReconcileOnlyMovesForward verifies that whatever the ledger
// advanced to behind the shadow record's back, reconciliation reaches the
// ledger's status without passing through an earlier one.
func TestProperty4_ReconcileOnlyMovesForward(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		f := newFixture(rt)
		ctx := context.Background()

		shadowSteps := rapid.IntRange(1, 5).Draw(rt, "shadow_steps")
		var task Task
		switch shadowSteps {
		case 1:
			task = f.escrowed(rt)
		case 2:
			task = f.assigned(rt)
		case 3:
			task = f.assigned(rt)
			if _, err := f.svc.SignalCompletion(ctx, f.conn(f.worker), f.worker, task.ID); err != nil {
				rt.Fatalf("SignalCompletion: %v", err)
			}
		case 4:
			task = f.completed(rt)
		default:
			task = f.completed(rt)
			if _, err := f.svc.ReleasePayment(ctx, f.conn(f.employer), f.employer, task.ID); err != nil {
				rt.Fatalf("ReleasePayment: %v", err)
			}
		}
		id := *task.LedgerTaskID
		employer, worker := f.chain.conn(employerWallet), f.chain.conn(workerWallet)

		// drive the ledger further through raw calls; failures are fine, the
		// contract simply refuses steps that do not apply
		extra := rapid.SliceOfN(rapid.SampledFrom([]string{"assign", "complete_worker", "complete_employer", "release", "refund"}), 0, 5).Draw(rt, "ledger_steps")
		for _, call := range extra {
			switch call {
			case "assign":
				_, _ = employer.Assign(ctx, id, workerWallet)
			case "complete_worker":
				_, _ = worker.MarkComplete(ctx, id)
			case "complete_employer":
				_, _ = employer.MarkComplete(ctx, id)
			case "release":
				_, _ = employer.Release(ctx, id)
			case "refund":
				_, _ = employer.Refund(ctx, id)
			}
		}

		before := f.repo.mustGet(rt, task.ID)
		got, report, err := f.svc.Reconcile(ctx, f.conn(f.admin), task.ID)
		if err != nil && report.Action != ActionConflict {
			rt.Fatalf("Reconcile after %v: %v", extra, err)
		}

		stage := f.chain.snapshot(id).Stage()
		switch report.Action {
		case ActionInSync:
			if got.Status != before.Status || stageOf(before.Status) != stage {
				rt.Fatalf("in sync but shadow %s vs ledger %s", before.Status, stage)
			}
		case ActionAdvanced:
			want, _ := statusForStage(stage)
			if got.Status != want || !CanTransition(before.Status, got.Status) {
				rt.Fatalf("advanced %s -> %s, ledger %s", before.Status, got.Status, stage)
			}
		case ActionConflict:
			// a refund after a one-sided signal has no path in the lifecycle
			pending := before.Status == StatusCompletionPendingClient || before.Status == StatusCompletionPendingWorker
			if !pending || stage != ledger.StageRefunded || got.Status != StatusFailed {
				rt.Fatalf("conflict from shadow %s, ledger %s", before.Status, stage)
			}
		default:
			rt.Fatalf("unexpected action %s (shadow %s, ledger %s)", report.Action, before.Status, stage)
		}
	})
}
