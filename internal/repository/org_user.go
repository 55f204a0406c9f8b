package repository

import (
	"database/sql"
	"errors"

	"github.com/meridianqms/capaflow/internal/config"
	"github.com/meridianqms/capaflow/internal/domain"
	"github.com/meridianqms/capaflow/pkg/capaflow/core"
)

const orgUserColumns = `id, username, full_name, role, manager_id, enabled, created`

// OrgUserRepository is the organisational-hierarchy lookup backing role-based
// assignment and escalation-target resolution.
type OrgUserRepository struct {
	db    *sql.DB
	clock core.Clock
}

func NewOrgUserRepository(db *sql.DB, clock core.Clock) *OrgUserRepository {
	return &OrgUserRepository{db: db, clock: clock}
}

func (r *OrgUserRepository) Save(u *domain.OrgUser) (int64, error) {
	base := `
		INSERT INTO org_users (username, full_name, role, manager_id, enabled, created)
		VALUES (` + placeholder(1) + `, ` + placeholder(2) + `, ` + placeholder(3) + `, ` + placeholder(4) + `, ` + placeholder(5) + `, ` + nowFunc(r.clock) + `)`
	var err error
	if supportsReturning() {
		err = r.db.QueryRow(base+" RETURNING id",
			u.Username, u.FullName, u.Role, u.ManagerID, u.Enabled,
		).Scan(&u.ID)
	} else {
		res, e := r.db.Exec(base, u.Username, u.FullName, u.Role, u.ManagerID, u.Enabled)
		if e != nil {
			err = e
		} else {
			u.ID, err = res.LastInsertId()
		}
	}
	return u.ID, err
}

func (r *OrgUserRepository) FindByID(id int64) (*domain.OrgUser, error) {
	query := `SELECT ` + orgUserColumns + ` FROM org_users WHERE id = ` + placeholder(1)
	return r.scanOne(r.db.QueryRow(query, id))
}

func (r *OrgUserRepository) FindFirstEnabledByRole(role string) (*domain.OrgUser, error) {
	query := `SELECT ` + orgUserColumns + ` FROM org_users
		WHERE role = ` + placeholder(1) + ` AND enabled = ` + placeholder(2) + `
		ORDER BY id`
	rows, err := r.db.Query(query, role, true)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, sql.ErrNoRows
	}
	var u domain.OrgUser
	if err := rows.Scan(&u.ID, &u.Username, &u.FullName, &u.Role, &u.ManagerID, &u.Enabled, &u.Created); err != nil {
		return nil, err
	}
	return &u, nil
}

// ResolveEscalationTarget walks to the assignee's manager, or falls back to
// the first enabled holder of the configured fallback role. Returns 0 with a
// nil error when no target exists; the monitor turns that into an Overdue
// park, not a failure of the whole sweep.
func (r *OrgUserRepository) ResolveEscalationTarget(assigneeID int64) (int64, error) {
	u, err := r.FindByID(assigneeID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}
	if u != nil && u.ManagerID.Valid {
		mgr, err := r.FindByID(u.ManagerID.Int64)
		if err == nil && mgr.Enabled {
			return mgr.ID, nil
		}
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return 0, err
		}
	}

	fallbackRole := config.GetSystemSettingString(config.ESCALATION_FALLBACK_ROLE)
	fb, err := r.FindFirstEnabledByRole(fallbackRole)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	// never escalate someone to themselves
	if fb.ID == assigneeID {
		return 0, nil
	}
	return fb.ID, nil
}

func (r *OrgUserRepository) scanOne(row *sql.Row) (*domain.OrgUser, error) {
	var u domain.OrgUser
	err := row.Scan(&u.ID, &u.Username, &u.FullName, &u.Role, &u.ManagerID, &u.Enabled, &u.Created)
	if err != nil {
		return nil, err
	}
	return &u, nil
}
