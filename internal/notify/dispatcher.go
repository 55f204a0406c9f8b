// Package notify turns engine events into persisted notification records.
// Delivery is best-effort by contract: a failure here must never roll back a
// state transition or escalation that already committed.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/meridianqms/capaflow/internal/domain"
	"github.com/meridianqms/capaflow/internal/engine"
)

// NotificationStore is the persistence slice the dispatcher needs.
type NotificationStore interface {
	Save(n *domain.Notification) (int64, error)
}

type Dispatcher struct {
	store NotificationStore
}

func NewDispatcher(store NotificationStore) *Dispatcher {
	return &Dispatcher{store: store}
}

// Notify maps the event to a notification row and saves it. Errors are
// logged and swallowed.
func (d *Dispatcher) Notify(ctx context.Context, event engine.Event) {
	n := &domain.Notification{
		UserID:     event.UserID,
		EntityType: event.EntityType,
		EntityID:   event.EntityID,
	}

	switch event.Kind {
	case engine.EventAssignmentCreated:
		n.Category = "workflow_task"
		n.Priority = domain.PriorityNormal
		n.Title = "New workflow task"
		n.Message = fmt.Sprintf("You have been assigned step %v", event.Payload["stepLabel"])
	case engine.EventDeadlineApproaching:
		n.Category = "workflow_deadline"
		n.Priority = domain.PriorityHigh
		n.Title = "Task deadline approaching"
		n.Message = fmt.Sprintf("A task is due in %.1f hours", payloadFloat(event.Payload, "hoursRemaining"))
	case engine.EventEscalated:
		n.Category = "workflow_escalation"
		n.Priority = domain.PriorityUrgent
		n.Title = "Task escalated to you"
		n.Message = fmt.Sprintf("An overdue task was escalated to you (%v)", event.Payload["reason"])
	case engine.EventWorkflowCompleted:
		n.Category = "workflow_result"
		n.Priority = domain.PriorityNormal
		n.Title = "Workflow completed"
		n.Message = "A workflow you acted on has completed"
	case engine.EventWorkflowRejected:
		n.Category = "workflow_result"
		n.Priority = domain.PriorityNormal
		n.Title = "Workflow rejected"
		n.Message = "A workflow you acted on was rejected"
	default:
		n.Category = "workflow"
		n.Priority = domain.PriorityNormal
		n.Title = string(event.Kind)
	}

	if len(event.Payload) > 0 {
		if b, err := json.Marshal(event.Payload); err == nil {
			n.Metadata.String = string(b)
			n.Metadata.Valid = true
		}
	}

	if _, err := d.store.Save(n); err != nil {
		slog.ErrorContext(ctx, "Failed to deliver notification", "error", err,
			"user_id", event.UserID, "kind", event.Kind)
	}
}

func payloadFloat(payload map[string]any, key string) float64 {
	if v, ok := payload[key].(float64); ok {
		return v
	}
	return 0
}
