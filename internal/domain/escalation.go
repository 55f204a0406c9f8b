package domain

import (
	"database/sql"
	"time"
)

type EscalationReason string

const (
	ReasonDeadlineExceeded EscalationReason = "DEADLINE_EXCEEDED"
	ReasonManual           EscalationReason = "MANUAL"
)

// EscalationLog records each escalation distinctly from the general timeline.
// Immutable once written.
type EscalationLog struct {
	ID            int64
	AssignmentID  int64
	EscalatedFrom sql.NullInt64
	EscalatedTo   int64
	Reason        EscalationReason
	Metadata      sql.NullString
	CreatedBy     int64
	Created       time.Time
}
