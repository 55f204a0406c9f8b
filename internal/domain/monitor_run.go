package domain

import "time"

// MonitorRun records one deadline sweep for observability; the cron endpoint
// surfaces recent rows as stats.
type MonitorRun struct {
	ID          int64
	RunID       string
	Started     time.Time
	Finished    time.Time
	Total       int
	Escalated   int
	Failed      int
	Approaching int
}
