package domain

import (
	"database/sql"
	"time"
)

type AssignmentStatus string

const (
	AssignmentPending    AssignmentStatus = "PENDING"
	AssignmentCompleted  AssignmentStatus = "COMPLETED"
	AssignmentEscalated  AssignmentStatus = "ESCALATED"
	AssignmentOverdue    AssignmentStatus = "OVERDUE"    // deadline passed, no escalation target found
	AssignmentSuperseded AssignmentStatus = "SUPERSEDED" // sibling approval decided first
	AssignmentCancelled  AssignmentStatus = "CANCELLED"
)

// Active assignments still await an action from their owner.
func (s AssignmentStatus) Active() bool {
	return s == AssignmentPending || s == AssignmentEscalated
}

// StepAssignment binds an instance's current step to a responsible party.
// AssignedUserID is null for role-based process steps until someone picks the
// task up or the monitor escalates it to a concrete user.
type StepAssignment struct {
	ID             int64
	InstanceID     int64
	StepID         string
	AssignedUserID sql.NullInt64
	AssignedRole   string
	DeadlineAt     sql.NullTime
	Status         AssignmentStatus
	Created        time.Time
}
