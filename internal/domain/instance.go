package domain

import (
	"database/sql"
	"time"
)

type InstanceStatus string

const (
	InstanceActive    InstanceStatus = "ACTIVE"
	InstanceCompleted InstanceStatus = "COMPLETED"
	InstanceRejected  InstanceStatus = "REJECTED"
	InstanceCancelled InstanceStatus = "CANCELLED"
)

func (s InstanceStatus) Terminal() bool {
	return s == InstanceCompleted || s == InstanceRejected || s == InstanceCancelled
}

// WorkflowInstance is one running execution of a definition bound to a domain
// entity (a finding, a corrective action...). Modified doubles as the
// optimistic lock token for step moves, mirroring how the engine guards
// concurrent updates.
type WorkflowInstance struct {
	ID            int64
	DefinitionID  int64
	EntityType    string
	EntityID      string
	CurrentStepID string
	Status        InstanceStatus
	Metadata      sql.NullString // JSON object consumed by decision conditions
	Created       time.Time
	Modified      time.Time
}
