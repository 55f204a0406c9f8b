package repository

import (
	"database/sql"
	"log/slog"

	"github.com/meridianqms/capaflow/internal/domain"
	"github.com/meridianqms/capaflow/pkg/capaflow/core"
)

// MonitorRunRepository records one row per deadline sweep so unattended runs
// stay observable after the fact.
type MonitorRunRepository struct {
	db    *sql.DB
	clock core.Clock
}

func NewMonitorRunRepository(db *sql.DB, clock core.Clock) *MonitorRunRepository {
	return &MonitorRunRepository{db: db, clock: clock}
}

func (r *MonitorRunRepository) Save(run *domain.MonitorRun) (int64, error) {
	base := `
		INSERT INTO monitor_runs (run_id, started, finished, total, escalated, failed, approaching)
		VALUES (` + placeholder(1) + `, ` + placeholder(2) + `, ` + placeholder(3) + `, ` + placeholder(4) + `, ` + placeholder(5) + `, ` + placeholder(6) + `, ` + placeholder(7) + `)`
	var err error
	if supportsReturning() {
		err = r.db.QueryRow(base+" RETURNING id",
			run.RunID, run.Started, run.Finished, run.Total, run.Escalated, run.Failed, run.Approaching,
		).Scan(&run.ID)
	} else {
		res, e := r.db.Exec(base,
			run.RunID, run.Started, run.Finished, run.Total, run.Escalated, run.Failed, run.Approaching,
		)
		if e != nil {
			err = e
		} else {
			run.ID, err = res.LastInsertId()
		}
	}
	if err != nil {
		slog.Error("Failed to save monitor run", "error", err, "run_id", run.RunID)
	}
	return run.ID, err
}

func (r *MonitorRunRepository) GetRecent(limit int) ([]domain.MonitorRun, error) {
	query := `
		SELECT id, run_id, started, finished, total, escalated, failed, approaching
		FROM monitor_runs
		ORDER BY id DESC
		LIMIT ` + placeholder(1)
	rows, err := r.db.Query(query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []domain.MonitorRun
	for rows.Next() {
		var run domain.MonitorRun
		if err := rows.Scan(&run.ID, &run.RunID, &run.Started, &run.Finished,
			&run.Total, &run.Escalated, &run.Failed, &run.Approaching); err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}
