package repository

import (
	"database/sql"
	"log/slog"

	"github.com/meridianqms/capaflow/internal/domain"
	"github.com/meridianqms/capaflow/pkg/capaflow/core"
)

// TimelineRepository persists the append-only audit log. There is no update
// or delete on purpose.
type TimelineRepository struct {
	db    *sql.DB
	clock core.Clock
}

func NewTimelineRepository(db *sql.DB, clock core.Clock) *TimelineRepository {
	return &TimelineRepository{db: db, clock: clock}
}

func (r *TimelineRepository) Save(e *domain.TimelineEntry) (int64, error) {
	base := `
		INSERT INTO workflow_timeline (
			instance_id, step_id, action, performed_by, comment, created
		) VALUES (
			` + placeholder(1) + `, ` + placeholder(2) + `, ` + placeholder(3) + `, ` + placeholder(4) + `, ` + placeholder(5) + `, ` + nowFunc(r.clock) + `
		)`
	var err error
	if supportsReturning() {
		err = r.db.QueryRow(base+" RETURNING id",
			e.InstanceID, e.StepID, e.Action, e.PerformedBy, e.Comment,
		).Scan(&e.ID)
	} else {
		res, e2 := r.db.Exec(base,
			e.InstanceID, e.StepID, e.Action, e.PerformedBy, e.Comment,
		)
		if e2 != nil {
			err = e2
		} else {
			e.ID, err = res.LastInsertId()
		}
	}
	if err != nil {
		slog.Error("Failed to save timeline entry", "error", err, "instance_id", e.InstanceID, "action", e.Action)
	}
	return e.ID, err
}

func (r *TimelineRepository) FindByInstance(instanceID int64) (*[]domain.TimelineEntry, error) {
	query := `
		SELECT id, instance_id, step_id, action, performed_by, comment, created
		FROM workflow_timeline
		WHERE instance_id = ` + placeholder(1) + `
		ORDER BY id
	`
	rows, err := r.db.Query(query, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.TimelineEntry
	for rows.Next() {
		var e domain.TimelineEntry
		if err := rows.Scan(&e.ID, &e.InstanceID, &e.StepID, &e.Action, &e.PerformedBy, &e.Comment, &e.Created); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return &entries, rows.Err()
}
