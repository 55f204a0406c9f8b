package domain

import "time"

type TimelineAction string

const (
	ActionStart    TimelineAction = "start"
	ActionSubmit   TimelineAction = "submit"
	ActionApprove  TimelineAction = "approve"
	ActionReject   TimelineAction = "reject"
	ActionComplete TimelineAction = "complete"
	ActionEscalate TimelineAction = "escalate"
	ActionVeto     TimelineAction = "veto"
	ActionAssign   TimelineAction = "assign"
	ActionReassign TimelineAction = "reassign"
	ActionCancel   TimelineAction = "cancel"
)

// TimelineEntry is an append-only audit row; one per state transition, never
// mutated or deleted.
type TimelineEntry struct {
	ID          int64
	InstanceID  int64
	StepID      string
	Action      TimelineAction
	PerformedBy int64 // 0 when performed by the system (monitor, auto-routing)
	Comment     string
	Created     time.Time
}
