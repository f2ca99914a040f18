package notification

import (
	"fmt"
	"time"

	"github.com/Oniqq60/task_system_control/settlement/internal/settlement"
)

// Notification is one message to one recipient.
type Notification struct {
	Type        string
	TaskID      string
	RecipientID string
	Message     string
	TxHash      string
	CreatedAt   time.Time
}

// recipients returns who must hear about a transition: the counterparty of
// the actor, or both parties when the change came from reconciliation.
func recipients(event settlement.TransitionEvent) []string {
	var out []string
	add := func(id string) {
		if id != "" && id != event.ActorID {
			out = append(out, id)
		}
	}
	add(event.EmployerID)
	if event.WorkerID != event.EmployerID {
		add(event.WorkerID)
	}
	return out
}

func notificationType(event settlement.TransitionEvent) string {
	switch settlement.Status(event.To) {
	case settlement.StatusEscrowed:
		return "task_escrowed"
	case settlement.StatusAssigned:
		return "task_assigned"
	case settlement.StatusCompletionPendingClient, settlement.StatusCompletionPendingWorker:
		return "completion_requested"
	case settlement.StatusCompleted:
		return "task_completed"
	case settlement.StatusPaid:
		return "payment_released"
	case settlement.StatusRefunded:
		return "escrow_refunded"
	case settlement.StatusFailed:
		return "task_needs_review"
	}
	return "task_updated"
}

func describe(event settlement.TransitionEvent) string {
	msg := fmt.Sprintf("Task %s moved from %s to %s", event.TaskID, event.From, event.To)
	switch settlement.Status(event.To) {
	case settlement.StatusCompletionPendingClient:
		msg += ": the worker marked it complete and awaits the employer's confirmation"
	case settlement.StatusCompletionPendingWorker:
		msg += ": the employer marked it complete and awaits the worker's confirmation"
	case settlement.StatusFailed:
		msg += ": operator review required"
	}
	if event.Reason != "" {
		msg += ". Reason: " + event.Reason
	}
	return msg
}

// NewNotifications builds one notification per recipient of event.
func NewNotifications(event settlement.TransitionEvent) []Notification {
	kind := notificationType(event)
	message := describe(event)
	var out []Notification
	for _, recipient := range recipients(event) {
		out = append(out, Notification{
			Type:        kind,
			TaskID:      event.TaskID,
			RecipientID: recipient,
			Message:     message,
			TxHash:      event.TxHash,
			CreatedAt:   time.Now(),
		})
	}
	return out
}
