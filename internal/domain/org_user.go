package domain

import (
	"database/sql"
	"time"
)

// OrgUser is the slice of the organisational hierarchy the engine needs:
// a role for role-based assignments and a manager link for escalation.
type OrgUser struct {
	ID        int64
	Username  string
	FullName  string
	Role      string
	ManagerID sql.NullInt64
	Enabled   bool
	Created   time.Time
}
