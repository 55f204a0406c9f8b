package repository

import (
	"database/sql"
	"log/slog"

	"github.com/meridianqms/capaflow/internal/domain"
	"github.com/meridianqms/capaflow/pkg/capaflow/core"
)

type EscalationRepository struct {
	db    *sql.DB
	clock core.Clock
}

func NewEscalationRepository(db *sql.DB, clock core.Clock) *EscalationRepository {
	return &EscalationRepository{db: db, clock: clock}
}

func (r *EscalationRepository) Save(e *domain.EscalationLog) (int64, error) {
	base := `
		INSERT INTO workflow_escalations (
			assignment_id, escalated_from, escalated_to, reason, metadata, created_by, created
		) VALUES (
			` + placeholder(1) + `, ` + placeholder(2) + `, ` + placeholder(3) + `, ` + placeholder(4) + `, ` + placeholder(5) + `, ` + placeholder(6) + `, ` + nowFunc(r.clock) + `
		)`
	var err error
	if supportsReturning() {
		err = r.db.QueryRow(base+" RETURNING id",
			e.AssignmentID, e.EscalatedFrom, e.EscalatedTo, e.Reason, e.Metadata, e.CreatedBy,
		).Scan(&e.ID)
	} else {
		res, e2 := r.db.Exec(base,
			e.AssignmentID, e.EscalatedFrom, e.EscalatedTo, e.Reason, e.Metadata, e.CreatedBy,
		)
		if e2 != nil {
			err = e2
		} else {
			e.ID, err = res.LastInsertId()
		}
	}
	if err != nil {
		slog.Error("Failed to save escalation log", "error", err, "assignment_id", e.AssignmentID)
	}
	return e.ID, err
}

func (r *EscalationRepository) FindByAssignment(assignmentID int64) (*[]domain.EscalationLog, error) {
	query := `
		SELECT id, assignment_id, escalated_from, escalated_to, reason, metadata, created_by, created
		FROM workflow_escalations
		WHERE assignment_id = ` + placeholder(1) + `
		ORDER BY id
	`
	rows, err := r.db.Query(query, assignmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []domain.EscalationLog
	for rows.Next() {
		var e domain.EscalationLog
		if err := rows.Scan(&e.ID, &e.AssignmentID, &e.EscalatedFrom, &e.EscalatedTo, &e.Reason, &e.Metadata, &e.CreatedBy, &e.Created); err != nil {
			return nil, err
		}
		logs = append(logs, e)
	}
	return &logs, rows.Err()
}
