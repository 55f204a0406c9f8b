package repository

import (
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/meridianqms/capaflow/internal/domain"
	"github.com/meridianqms/capaflow/pkg/capaflow/core"
)

// ErrDuplicateAssignment indicates an active assignment already exists for
// the same step and assignee. This is a logic bug upstream, not a retryable
// condition.
var ErrDuplicateAssignment = errors.New("active assignment already exists for this step")

const assignmentColumns = `id, instance_id, step_id, assigned_user_id, assigned_role, deadline_at, status, created`

type AssignmentRepository struct {
	db    *sql.DB
	clock core.Clock
}

func NewAssignmentRepository(db *sql.DB, clock core.Clock) *AssignmentRepository {
	return &AssignmentRepository{db: db, clock: clock}
}

// Create inserts a Pending assignment. Uniqueness of the active assignment is
// checked per (instance, step, assignee); role-based assignments (null user)
// degrade to per (instance, step).
func (r *AssignmentRepository) Create(a *domain.StepAssignment) (int64, error) {
	dupQuery := `
		SELECT COUNT(*) FROM step_assignments
		WHERE instance_id = ` + placeholder(1) + ` AND step_id = ` + placeholder(2) + `
		AND status IN ('PENDING', 'ESCALATED')
	`
	args := []any{a.InstanceID, a.StepID}
	if a.AssignedUserID.Valid {
		dupQuery += ` AND assigned_user_id = ` + placeholder(3)
		args = append(args, a.AssignedUserID.Int64)
	}
	var count int
	if err := r.db.QueryRow(dupQuery, args...).Scan(&count); err != nil {
		return 0, err
	}
	if count > 0 {
		return 0, ErrDuplicateAssignment
	}

	base := `
		INSERT INTO step_assignments (
			instance_id, step_id, assigned_user_id, assigned_role, deadline_at, status, created
		) VALUES (
			` + placeholder(1) + `, ` + placeholder(2) + `, ` + placeholder(3) + `, ` + placeholder(4) + `, ` + placeholder(5) + `, ` + placeholder(6) + `, ` + nowFunc(r.clock) + `
		)`
	var err error
	if supportsReturning() {
		err = r.db.QueryRow(base+" RETURNING id",
			a.InstanceID, a.StepID, a.AssignedUserID, a.AssignedRole, a.DeadlineAt, a.Status,
		).Scan(&a.ID)
	} else {
		res, e := r.db.Exec(base,
			a.InstanceID, a.StepID, a.AssignedUserID, a.AssignedRole, a.DeadlineAt, a.Status,
		)
		if e != nil {
			err = e
		} else {
			a.ID, err = res.LastInsertId()
		}
	}
	if err != nil {
		slog.Error("Failed to save step assignment", "error", err, "instance_id", a.InstanceID, "step_id", a.StepID)
	}
	return a.ID, err
}

func (r *AssignmentRepository) FindByID(id int64) (*domain.StepAssignment, error) {
	query := `SELECT ` + assignmentColumns + ` FROM step_assignments WHERE id = ` + placeholder(1)
	var a domain.StepAssignment
	err := r.db.QueryRow(query, id).Scan(
		&a.ID, &a.InstanceID, &a.StepID, &a.AssignedUserID, &a.AssignedRole, &a.DeadlineAt, &a.Status, &a.Created,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *AssignmentRepository) FindByStep(instanceID int64, stepID string) ([]domain.StepAssignment, error) {
	query := `SELECT ` + assignmentColumns + ` FROM step_assignments
		WHERE instance_id = ` + placeholder(1) + ` AND step_id = ` + placeholder(2) + `
		ORDER BY id`
	return r.queryMany(query, instanceID, stepID)
}

func (r *AssignmentRepository) FindActiveByStep(instanceID int64, stepID string) ([]domain.StepAssignment, error) {
	query := `SELECT ` + assignmentColumns + ` FROM step_assignments
		WHERE instance_id = ` + placeholder(1) + ` AND step_id = ` + placeholder(2) + `
		AND status IN ('PENDING', 'ESCALATED')
		ORDER BY id`
	return r.queryMany(query, instanceID, stepID)
}

// Complete marks the assignment done. Returns true when this call changed the
// row; false means someone else already moved it, which callers treat as an
// idempotent no-op.
func (r *AssignmentRepository) Complete(id int64) (bool, error) {
	query := `
		UPDATE step_assignments
		SET status = 'COMPLETED'
		WHERE id = ` + placeholder(1) + ` AND status IN ('PENDING', 'ESCALATED')
	`
	result, err := r.db.Exec(query, id)
	if err != nil {
		return false, err
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rowsAffected == 1, nil
}

// MarkEscalated reassigns a still-Pending assignment to the escalation
// target. The status guard makes a racing completion win cleanly: the monitor
// sees zero rows affected and skips the escalation.
func (r *AssignmentRepository) MarkEscalated(id int64, toUserID int64) (bool, error) {
	query := `
		UPDATE step_assignments
		SET status = 'ESCALATED', assigned_user_id = ` + placeholder(1) + `
		WHERE id = ` + placeholder(2) + ` AND status = 'PENDING'
	`
	result, err := r.db.Exec(query, toUserID, id)
	if err != nil {
		return false, err
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rowsAffected == 1, nil
}

// MarkOverdue parks an assignment whose escalation target could not be
// resolved; the next sweep will not pick it up again.
func (r *AssignmentRepository) MarkOverdue(id int64) (bool, error) {
	query := `
		UPDATE step_assignments
		SET status = 'OVERDUE'
		WHERE id = ` + placeholder(1) + ` AND status = 'PENDING'
	`
	result, err := r.db.Exec(query, id)
	if err != nil {
		return false, err
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rowsAffected == 1, nil
}

// SupersedePending retires the sibling approvals after an ANY approve or any
// reject decided the step.
func (r *AssignmentRepository) SupersedePending(instanceID int64, stepID string, exceptID int64) error {
	query := `
		UPDATE step_assignments
		SET status = 'SUPERSEDED'
		WHERE instance_id = ` + placeholder(1) + ` AND step_id = ` + placeholder(2) + `
		AND status IN ('PENDING', 'ESCALATED') AND id != ` + placeholder(3) + `
	`
	_, err := r.db.Exec(query, instanceID, stepID, exceptID)
	return err
}

func (r *AssignmentRepository) CancelActiveForInstance(instanceID int64) error {
	query := `
		UPDATE step_assignments
		SET status = 'CANCELLED'
		WHERE instance_id = ` + placeholder(1) + ` AND status IN ('PENDING', 'ESCALATED')
	`
	_, err := r.db.Exec(query, instanceID)
	return err
}

// ListOverdue returns Pending assignments whose deadline is at or before now,
// oldest deadline first so escalation order is fair.
func (r *AssignmentRepository) ListOverdue(now time.Time) ([]domain.StepAssignment, error) {
	query := `SELECT ` + assignmentColumns + ` FROM step_assignments
		WHERE status = 'PENDING' AND deadline_at IS NOT NULL
		AND ` + dateAtOrBefore("deadline_at", now) + `
		ORDER BY deadline_at ASC`
	return r.queryMany(query)
}

// ListApproaching returns Pending assignments due after now but within the
// window.
func (r *AssignmentRepository) ListApproaching(now time.Time, window time.Duration) ([]domain.StepAssignment, error) {
	query := `SELECT ` + assignmentColumns + ` FROM step_assignments
		WHERE status = 'PENDING' AND deadline_at IS NOT NULL
		AND ` + dateAfter("deadline_at", now) + `
		AND ` + dateAtOrBefore("deadline_at", now.Add(window)) + `
		ORDER BY deadline_at ASC`
	return r.queryMany(query)
}

func (r *AssignmentRepository) queryMany(query string, args ...any) ([]domain.StepAssignment, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.StepAssignment
	for rows.Next() {
		var a domain.StepAssignment
		if err := rows.Scan(
			&a.ID, &a.InstanceID, &a.StepID, &a.AssignedUserID, &a.AssignedRole, &a.DeadlineAt, &a.Status, &a.Created,
		); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
