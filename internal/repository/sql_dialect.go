package repository

import (
	"fmt"
	"time"

	"github.com/meridianqms/capaflow/internal/config"
	"github.com/meridianqms/capaflow/pkg/capaflow/core"
)

// placeholder returns the correct bind variable for the given index based on DB type.
// Postgres uses $1, $2... while MySQL and SQLite use ?
func placeholder(i int) string {
	db := config.GetSystemSettingString(config.DATABASE_TYPE)
	if db == config.DATABASE_TYPE_POSTGRES {
		return fmt.Sprintf("$%d", i)
	}
	return "?"
}

func nowFunc(clock core.Clock) string {
	db := config.GetSystemSettingString(config.DATABASE_TYPE)
	switch db {
	case config.DATABASE_TYPE_SQLLITE:
		return fmt.Sprintf("'%s'", clock.Now().UTC().Format("2006-01-02 15:04:05.000"))
	default:
		return fmt.Sprintf("'%s'", clock.Now().UTC().Format("2006-01-02 15:04:05.000000"))
	}
}

func formatDateInDatabase(t time.Time) string {
	db := config.GetSystemSettingString(config.DATABASE_TYPE)
	switch db {
	case config.DATABASE_TYPE_SQLLITE:
		return t.UTC().Format("2006-01-02 15:04:05.000")
	default:
		return t.UTC().Format("2006-01-02 15:04:05.000000")
	}
}

// nextModified formats the replacement modified value for an optimistic
// update. When the clock lands on the same tick as the previous value at the
// stored precision, the literal is bumped past it so a stale token can never
// match the row again.
func nextModified(clock core.Clock, prev time.Time) string {
	now := clock.Now()
	if formatDateInDatabase(now) <= formatDateInDatabase(prev) {
		now = prev.Add(time.Millisecond)
	}
	return fmt.Sprintf("'%s'", formatDateInDatabase(now))
}

// dateAtOrBefore returns a DB-specific SQL predicate checking that the given
// datetime column is at or before the provided instant. SQLite stores TEXT
// timestamps, so coerce via julianday to keep comparisons sane.
func dateAtOrBefore(column string, t time.Time) string {
	lit := t.UTC().Format("2006-01-02 15:04:05.000")
	db := config.GetSystemSettingString(config.DATABASE_TYPE)
	switch db {
	case config.DATABASE_TYPE_SQLLITE:
		return fmt.Sprintf("julianday(%s) <= julianday('%s')", column, lit)
	default:
		return fmt.Sprintf("%s <= '%s'", column, lit)
	}
}

func dateAfter(column string, t time.Time) string {
	lit := t.UTC().Format("2006-01-02 15:04:05.000")
	db := config.GetSystemSettingString(config.DATABASE_TYPE)
	switch db {
	case config.DATABASE_TYPE_SQLLITE:
		return fmt.Sprintf("julianday(%s) > julianday('%s')", column, lit)
	default:
		return fmt.Sprintf("%s > '%s'", column, lit)
	}
}

func supportsReturning() bool {
	return config.GetSystemSettingString(config.DATABASE_TYPE) == config.DATABASE_TYPE_POSTGRES
}
