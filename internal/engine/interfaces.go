package engine

import (
	"context"
	"time"

	"github.com/meridianqms/capaflow/internal/domain"
	"github.com/meridianqms/capaflow/internal/repository"
)

// InstanceRepo defines the interface for workflow instance persistence,
// matching repository.InstanceRepository.
type InstanceRepo interface {
	Save(wf *domain.WorkflowInstance) (int64, error)
	FindByID(id int64) (*domain.WorkflowInstance, error)
	FindByEntity(entityType, entityID string) (*domain.WorkflowInstance, error)
	UpdateStep(id int64, stepID string, modified time.Time) bool
	UpdateStatus(id int64, status domain.InstanceStatus, modified time.Time) bool
	SaveMetadata(id int64, metadata string) error
	CountByStatus() ([]repository.StatusCountRow, error)
}

// AssignmentRepo defines the interface for step assignment persistence.
type AssignmentRepo interface {
	Create(a *domain.StepAssignment) (int64, error)
	FindByID(id int64) (*domain.StepAssignment, error)
	FindByStep(instanceID int64, stepID string) ([]domain.StepAssignment, error)
	FindActiveByStep(instanceID int64, stepID string) ([]domain.StepAssignment, error)
	Complete(id int64) (bool, error)
	MarkEscalated(id int64, toUserID int64) (bool, error)
	MarkOverdue(id int64) (bool, error)
	SupersedePending(instanceID int64, stepID string, exceptID int64) error
	CancelActiveForInstance(instanceID int64) error
	ListOverdue(now time.Time) ([]domain.StepAssignment, error)
	ListApproaching(now time.Time, window time.Duration) ([]domain.StepAssignment, error)
}

// TimelineRepo defines the interface for the append-only audit log.
type TimelineRepo interface {
	Save(e *domain.TimelineEntry) (int64, error)
	FindByInstance(instanceID int64) (*[]domain.TimelineEntry, error)
}

// EscalationRepo defines the interface for escalation log persistence.
type EscalationRepo interface {
	Save(e *domain.EscalationLog) (int64, error)
	FindByAssignment(assignmentID int64) (*[]domain.EscalationLog, error)
}

// DefinitionRepo defines the interface for workflow definition persistence.
type DefinitionRepo interface {
	Save(def *domain.WorkflowDefinition) error
	FindByID(id int64) (*domain.WorkflowDefinition, error)
	FindByName(name string) (*domain.WorkflowDefinition, error)
	FindAll() (*[]domain.WorkflowDefinition, error)
}

// UserRepo is the slice of the org directory the engine needs for role checks.
type UserRepo interface {
	FindByID(id int64) (*domain.OrgUser, error)
}

// EscalationResolver finds who an overdue assignment should escalate to.
// A (0, nil) return means no target exists; the caller parks the assignment.
type EscalationResolver interface {
	ResolveEscalationTarget(assigneeID int64) (int64, error)
}

// MonitorRunRepo records sweep results.
type MonitorRunRepo interface {
	Save(run *domain.MonitorRun) (int64, error)
	GetRecent(limit int) ([]domain.MonitorRun, error)
}

type EventKind string

const (
	EventAssignmentCreated   EventKind = "ASSIGNMENT_CREATED"
	EventEscalated           EventKind = "ESCALATED"
	EventDeadlineApproaching EventKind = "DEADLINE_APPROACHING"
	EventWorkflowCompleted   EventKind = "WORKFLOW_COMPLETED"
	EventWorkflowRejected    EventKind = "WORKFLOW_REJECTED"
)

// Event is what the state machine and monitor emit; the dispatcher turns it
// into a notification record.
type Event struct {
	UserID     int64
	Kind       EventKind
	EntityType string
	EntityID   string
	Payload    map[string]any
}

// Notifier is fire-and-forget with respect to the engine: implementations
// must never propagate delivery failures back to the caller.
type Notifier interface {
	Notify(ctx context.Context, event Event)
}
