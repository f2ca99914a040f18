package settlement

import (
	"context"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/Oniqq60/task_system_control/settlement/internal/audit"
)

const (
	sideEffectTimeout = 5 * time.Second
	publishBacklog    = 1024
)

// observer fans saga outcomes out to the log, the audit journal and the
// notification collaborator.
type observer struct {
	logger    *log.Logger
	journal   audit.Journal
	publisher *publisher
}

func newObserver(opts Options) observer {
	o := observer{logger: opts.Logger, journal: opts.Journal}
	if opts.Notifier != nil {
		o.publisher = &publisher{notifier: opts.Notifier, logger: opts.Logger, queue: make(chan TransitionEvent, publishBacklog)}
	}
	return o
}

// publisher hands transitions to the notifier from a single goroutine, in
// the order they were committed.
type publisher struct {
	notifier Notifier
	logger   *log.Logger
	queue    chan TransitionEvent
	start    sync.Once
}

func (p *publisher) publish(event TransitionEvent) {
	p.start.Do(func() { go p.run() })
	select {
	case p.queue <- event:
	default:
		p.logger.Printf("notify transition task=%s %s->%s: backlog full, dropped", event.TaskID, event.From, event.To)
	}
}

func (p *publisher) run() {
	for event := range p.queue {
		ctx, cancel := context.WithTimeout(context.Background(), sideEffectTimeout)
		if err := p.notifier.SendTransition(ctx, event); err != nil {
			p.logger.Printf("notify transition task=%s %s->%s: %v", event.TaskID, event.From, event.To, err)
		}
		cancel()
	}
}

func (o observer) record(ctx context.Context, entry audit.Entry) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sideEffectTimeout)
	defer cancel()
	if err := o.journal.Record(ctx, entry); err != nil {
		o.logger.Printf("audit record task=%s op=%s outcome=%s: %v", entry.TaskID, entry.Op, entry.Outcome, err)
	}
}

// notify queues a transition for publishing; delivery is best effort.
func (o observer) notify(actor string, from Status, task Task, txHash, reason string) {
	if o.publisher == nil || from == task.Status {
		return
	}
	event := TransitionEvent{
		TaskID:       task.ID.String(),
		LedgerTaskID: task.LedgerTaskID,
		EmployerID:   task.EmployerID.String(),
		ActorID:      actor,
		From:         string(from),
		To:           string(task.Status),
		TxHash:       txHash,
		Reason:       reason,
		Timestamp:    time.Now().UTC(),
	}
	if task.WorkerID != nil {
		event.WorkerID = task.WorkerID.String()
	}
	o.publisher.publish(event)
}

func entryFor(task Task, op Op, outcome string) audit.Entry {
	return audit.Entry{
		TaskID:       task.ID.String(),
		LedgerTaskID: task.LedgerTaskID,
		Op:           string(op),
		Outcome:      outcome,
		FromStatus:   string(task.Status),
	}
}

func withError(entry audit.Entry, err error) audit.Entry {
	if err == nil {
		return entry
	}
	entry.Error = err.Error()
	entry.ErrorKind = string(KindOf(err))
	return entry
}

func ledgerRef(task Task) string {
	if task.LedgerTaskID == nil {
		return "-"
	}
	return strconv.FormatUint(*task.LedgerTaskID, 10)
}
