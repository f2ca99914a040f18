package notification

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Oniqq60/task_system_control/settlement/internal/settlement"
)

var (
	ErrEmptyTaskID   = errors.New("taskId is required")
	ErrEmptyEmployer = errors.New("employerId is required")
)

type EventHandler interface {
	HandleEvent(ctx context.Context, event settlement.TransitionEvent) error
}

type eventHandler struct {
	notifier Notifier
}

func NewEventHandler(notifier Notifier) EventHandler {
	return &eventHandler{notifier: notifier}
}

func (h *eventHandler) HandleEvent(ctx context.Context, event settlement.TransitionEvent) error {
	if strings.TrimSpace(event.TaskID) == "" {
		return ErrEmptyTaskID
	}
	if strings.TrimSpace(event.EmployerID) == "" {
		return ErrEmptyEmployer
	}
	if event.From == event.To {
		return nil
	}

	var errs []error
	for _, n := range NewNotifications(event) {
		if err := h.notifier.SendNotification(ctx, n); err != nil {
			errs = append(errs, fmt.Errorf("send notification to %s: %w", n.RecipientID, err))
		}
	}
	return errors.Join(errs...)
}
