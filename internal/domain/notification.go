package domain

import (
	"database/sql"
	"time"
)

type NotificationPriority string

const (
	PriorityNormal NotificationPriority = "normal"
	PriorityHigh   NotificationPriority = "high"
	PriorityUrgent NotificationPriority = "urgent"
)

// Notification is a persisted in-app inbox row. Delivery beyond the inbox
// (email and so on) is someone else's problem.
type Notification struct {
	ID         int64
	UserID     int64
	Category   string
	Title      string
	Message    string
	Priority   NotificationPriority
	EntityType string
	EntityID   string
	Metadata   sql.NullString
	Read       bool
	Created    time.Time
}
