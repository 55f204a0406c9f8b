package repository

import (
	"database/sql"
	"encoding/json"

	"github.com/meridianqms/capaflow/internal/config"
	"github.com/meridianqms/capaflow/internal/domain"
	"github.com/meridianqms/capaflow/pkg/capaflow/core"
)

type DefinitionRepository struct {
	db    *sql.DB
	clock core.Clock
}

func NewDefinitionRepository(db *sql.DB, clock core.Clock) *DefinitionRepository {
	return &DefinitionRepository{db: db, clock: clock}
}

// Save validates the graph and upserts the definition by name. Structural
// problems surface here, at authoring time, as domain.ErrInvalidGraph.
func (r *DefinitionRepository) Save(def *domain.WorkflowDefinition) error {
	if err := def.Graph.Validate(); err != nil {
		return err
	}
	graphJSON, err := json.Marshal(def.Graph)
	if err != nil {
		return err
	}

	query := ""
	db := config.GetSystemSettingString(config.DATABASE_TYPE)
	if db == config.DATABASE_TYPE_MYSQL {
		query = `
		INSERT INTO workflow_definitions (name, entity_type, version, graph, created, updated)
		VALUES (` + placeholder(1) + `, ` + placeholder(2) + `, ` + placeholder(3) + `, ` + placeholder(4) + `, ` + nowFunc(r.clock) + `, ` + nowFunc(r.clock) + `)
		ON DUPLICATE KEY UPDATE entity_type = VALUES(entity_type),
			version = VALUES(version),
			graph = VALUES(graph),
			updated = VALUES(updated)
	`
	} else {
		query = `
		INSERT INTO workflow_definitions (name, entity_type, version, graph, created, updated)
		VALUES (` + placeholder(1) + `, ` + placeholder(2) + `, ` + placeholder(3) + `, ` + placeholder(4) + `, ` + nowFunc(r.clock) + `, ` + nowFunc(r.clock) + `)
		ON CONFLICT (name)
		DO UPDATE SET entity_type = EXCLUDED.entity_type,
			version = EXCLUDED.version,
			graph = EXCLUDED.graph,
			updated = EXCLUDED.updated
	`
	}

	_, err = r.db.Exec(query, def.Name, def.EntityType, def.Version, string(graphJSON))
	return err
}

func (r *DefinitionRepository) FindByID(id int64) (*domain.WorkflowDefinition, error) {
	query := `
		SELECT id, name, entity_type, version, graph, created, updated
		FROM workflow_definitions WHERE id = ` + placeholder(1) + `
	`
	return r.scanOne(r.db.QueryRow(query, id))
}

func (r *DefinitionRepository) FindByName(name string) (*domain.WorkflowDefinition, error) {
	query := `
		SELECT id, name, entity_type, version, graph, created, updated
		FROM workflow_definitions WHERE name = ` + placeholder(1) + `
	`
	return r.scanOne(r.db.QueryRow(query, name))
}

func (r *DefinitionRepository) scanOne(row *sql.Row) (*domain.WorkflowDefinition, error) {
	var def domain.WorkflowDefinition
	var graphJSON string
	err := row.Scan(&def.ID, &def.Name, &def.EntityType, &def.Version, &graphJSON, &def.Created, &def.Updated)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(graphJSON), &def.Graph); err != nil {
		return nil, err
	}
	return &def, nil
}

func (r *DefinitionRepository) FindAll() (*[]domain.WorkflowDefinition, error) {
	query := `
		SELECT id, name, entity_type, version, graph, created, updated
		FROM workflow_definitions
		ORDER BY name
	`
	rows, err := r.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	defs := make([]domain.WorkflowDefinition, 0)
	for rows.Next() {
		var d domain.WorkflowDefinition
		var graphJSON string
		if err := rows.Scan(&d.ID, &d.Name, &d.EntityType, &d.Version, &graphJSON, &d.Created, &d.Updated); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(graphJSON), &d.Graph); err != nil {
			return nil, err
		}
		defs = append(defs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &defs, nil
}
