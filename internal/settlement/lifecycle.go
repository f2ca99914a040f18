package settlement

import "github.com/Oniqq60/task_system_control/settlement/internal/ledger"

// transitions is the lifecycle graph. Failed is reachable from every
// non-terminal state and is added by CanTransition.
var transitions = map[Status][]Status{
	StatusDraft:                   {StatusEscrowed},
	StatusEscrowed:                {StatusAssigned, StatusRefunded, StatusCompleted, StatusPaid},
	StatusAssigned:                {StatusCompletionPendingClient, StatusCompletionPendingWorker, StatusCompleted, StatusPaid, StatusRefunded},
	StatusCompletionPendingClient: {StatusCompleted, StatusPaid},
	StatusCompletionPendingWorker: {StatusCompleted, StatusPaid},
	StatusCompleted:               {StatusPaid},
}

// rank orders statuses along the happy path. Both pending-completion states
// share a rank; the terminal branches are unranked.
var rank = map[Status]int{
	StatusDraft:                   0,
	StatusEscrowed:                1,
	StatusAssigned:                2,
	StatusCompletionPendingClient: 3,
	StatusCompletionPendingWorker: 3,
	StatusCompleted:               4,
	StatusPaid:                    5,
}

func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusEscrowed, StatusAssigned, StatusCompletionPendingClient,
		StatusCompletionPendingWorker, StatusCompleted, StatusPaid, StatusRefunded, StatusFailed:
		return true
	}
	return false
}

func (s Status) Terminal() bool {
	return s == StatusPaid || s == StatusRefunded || s == StatusFailed
}

// CanTransition reports whether from -> to follows the lifecycle graph. Skips
// along the happy path are allowed because reconciliation may observe several
// ledger steps at once.
func CanTransition(from, to Status) bool {
	if to == StatusFailed {
		return !from.Terminal()
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// statusForStage maps a ledger stage onto the shadow status it implies.
func statusForStage(stage ledger.Stage) (Status, bool) {
	switch stage {
	case ledger.StageEscrowed:
		return StatusEscrowed, true
	case ledger.StageAssigned:
		return StatusAssigned, true
	case ledger.StageCompleted:
		return StatusCompleted, true
	case ledger.StagePaid:
		return StatusPaid, true
	case ledger.StageRefunded:
		return StatusRefunded, true
	}
	return "", false
}

// stageOf is the ledger stage a shadow status claims to mirror.
func stageOf(status Status) ledger.Stage {
	switch status {
	case StatusEscrowed:
		return ledger.StageEscrowed
	case StatusAssigned, StatusCompletionPendingClient, StatusCompletionPendingWorker:
		return ledger.StageAssigned
	case StatusCompleted:
		return ledger.StageCompleted
	case StatusPaid:
		return ledger.StagePaid
	case StatusRefunded:
		return ledger.StageRefunded
	}
	return ledger.StageUnknown
}

// signalOutcome returns the status after one party accepted completion. The
// pending status names the party still awaited.
func signalOutcome(clientAccepted, workerAccepted bool) Status {
	switch {
	case clientAccepted && workerAccepted:
		return StatusCompleted
	case workerAccepted:
		return StatusCompletionPendingClient
	case clientAccepted:
		return StatusCompletionPendingWorker
	}
	return StatusAssigned
}
