package repository

import (
	"database/sql"
	"log/slog"
	"time"

	"github.com/meridianqms/capaflow/internal/domain"
	"github.com/meridianqms/capaflow/pkg/capaflow/core"
)

const instanceColumns = `id, definition_id, entity_type, entity_id, current_step_id, status, metadata, created, modified`

type InstanceRepository struct {
	db    *sql.DB
	clock core.Clock
}

func NewInstanceRepository(db *sql.DB, clock core.Clock) *InstanceRepository {
	return &InstanceRepository{db: db, clock: clock}
}

func (r *InstanceRepository) Save(wf *domain.WorkflowInstance) (int64, error) {
	base := `
		INSERT INTO workflow_instances (
			definition_id, entity_type, entity_id, current_step_id, status, metadata, created, modified
		) VALUES (
			` + placeholder(1) + `, ` + placeholder(2) + `, ` + placeholder(3) + `, ` + placeholder(4) + `, ` + placeholder(5) + `, ` + placeholder(6) + `, ` + nowFunc(r.clock) + `, ` + nowFunc(r.clock) + `
		)`
	var err error
	if supportsReturning() {
		err = r.db.QueryRow(base+" RETURNING id",
			wf.DefinitionID, wf.EntityType, wf.EntityID, wf.CurrentStepID, wf.Status, wf.Metadata,
		).Scan(&wf.ID)
	} else {
		res, e := r.db.Exec(base,
			wf.DefinitionID, wf.EntityType, wf.EntityID, wf.CurrentStepID, wf.Status, wf.Metadata,
		)
		if e != nil {
			err = e
		} else {
			wf.ID, err = res.LastInsertId()
		}
	}
	if err != nil {
		slog.Error("Failed to save workflow instance", "error", err)
	}
	return wf.ID, err
}

func (r *InstanceRepository) FindByID(id int64) (*domain.WorkflowInstance, error) {
	query := `SELECT ` + instanceColumns + ` FROM workflow_instances WHERE id = ` + placeholder(1)
	return scanInstance(r.db.QueryRow(query, id))
}

func (r *InstanceRepository) FindByEntity(entityType, entityID string) (*domain.WorkflowInstance, error) {
	query := `SELECT ` + instanceColumns + ` FROM workflow_instances
		WHERE entity_type = ` + placeholder(1) + ` AND entity_id = ` + placeholder(2) + `
		ORDER BY id DESC`
	rows, err := r.db.Query(query, entityType, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, sql.ErrNoRows
	}
	return scanInstanceRows(rows)
}

// UpdateStep moves the instance to a new current step, guarded by the
// modified timestamp. Returns false when another writer got there first. The
// replacement modified value is always strictly greater than the token, so
// two writers racing within one clock tick cannot both commit.
func (r *InstanceRepository) UpdateStep(id int64, stepID string, modified time.Time) bool {
	query := `
		UPDATE workflow_instances
		SET current_step_id = ` + placeholder(1) + `, modified = ` + nextModified(r.clock, modified) + `
		WHERE id = ` + placeholder(2) + ` AND modified = ` + placeholder(3) + ` AND status = 'ACTIVE'
	`
	result, err := r.db.Exec(query, stepID, id, formatDateInDatabase(modified))
	if err != nil {
		slog.Error("Failed to update instance step", "error", err, "instance_id", id, "step_id", stepID)
		return false
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false
	}
	return rowsAffected == 1
}

// UpdateStatus sets a terminal (or cancelled) status under the same
// optimistic guard as UpdateStep.
func (r *InstanceRepository) UpdateStatus(id int64, status domain.InstanceStatus, modified time.Time) bool {
	query := `
		UPDATE workflow_instances
		SET status = ` + placeholder(1) + `, modified = ` + nextModified(r.clock, modified) + `
		WHERE id = ` + placeholder(2) + ` AND modified = ` + placeholder(3) + ` AND status = 'ACTIVE'
	`
	result, err := r.db.Exec(query, status, id, formatDateInDatabase(modified))
	if err != nil {
		slog.Error("Failed to update instance status", "error", err, "instance_id", id, "status", status)
		return false
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false
	}
	return rowsAffected == 1
}

func (r *InstanceRepository) SaveMetadata(id int64, metadata string) error {
	query := `
		UPDATE workflow_instances
		SET metadata = ` + placeholder(1) + `, modified = ` + nowFunc(r.clock) + `
		WHERE id = ` + placeholder(2) + `
	`
	_, err := r.db.Exec(query, metadata, id)
	return err
}

type StatusCountRow struct {
	Status domain.InstanceStatus
	Count  int
}

// CountByStatus powers the cron endpoint's stats block.
func (r *InstanceRepository) CountByStatus() ([]StatusCountRow, error) {
	rows, err := r.db.Query(`SELECT status, COUNT(*) FROM workflow_instances GROUP BY status ORDER BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StatusCountRow
	for rows.Next() {
		var row StatusCountRow
		if err := rows.Scan(&row.Status, &row.Count); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func scanInstance(row *sql.Row) (*domain.WorkflowInstance, error) {
	var wf domain.WorkflowInstance
	err := row.Scan(&wf.ID, &wf.DefinitionID, &wf.EntityType, &wf.EntityID, &wf.CurrentStepID,
		&wf.Status, &wf.Metadata, &wf.Created, &wf.Modified)
	if err != nil {
		return nil, err
	}
	return &wf, nil
}

func scanInstanceRows(rows *sql.Rows) (*domain.WorkflowInstance, error) {
	var wf domain.WorkflowInstance
	err := rows.Scan(&wf.ID, &wf.DefinitionID, &wf.EntityType, &wf.EntityID, &wf.CurrentStepID,
		&wf.Status, &wf.Metadata, &wf.Created, &wf.Modified)
	if err != nil {
		return nil, err
	}
	return &wf, nil
}
