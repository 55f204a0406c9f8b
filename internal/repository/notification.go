package repository

import (
	"database/sql"
	"log/slog"

	"github.com/meridianqms/capaflow/internal/domain"
	"github.com/meridianqms/capaflow/pkg/capaflow/core"
)

type NotificationRepository struct {
	db    *sql.DB
	clock core.Clock
}

func NewNotificationRepository(db *sql.DB, clock core.Clock) *NotificationRepository {
	return &NotificationRepository{db: db, clock: clock}
}

func (r *NotificationRepository) Save(n *domain.Notification) (int64, error) {
	base := `
		INSERT INTO notifications (
			user_id, category, title, message, priority, entity_type, entity_id, metadata, is_read, created
		) VALUES (
			` + placeholder(1) + `, ` + placeholder(2) + `, ` + placeholder(3) + `, ` + placeholder(4) + `, ` + placeholder(5) + `, ` + placeholder(6) + `, ` + placeholder(7) + `, ` + placeholder(8) + `, ` + placeholder(9) + `, ` + nowFunc(r.clock) + `
		)`
	var err error
	if supportsReturning() {
		err = r.db.QueryRow(base+" RETURNING id",
			n.UserID, n.Category, n.Title, n.Message, n.Priority, n.EntityType, n.EntityID, n.Metadata, n.Read,
		).Scan(&n.ID)
	} else {
		res, e := r.db.Exec(base,
			n.UserID, n.Category, n.Title, n.Message, n.Priority, n.EntityType, n.EntityID, n.Metadata, n.Read,
		)
		if e != nil {
			err = e
		} else {
			n.ID, err = res.LastInsertId()
		}
	}
	if err != nil {
		slog.Error("Failed to save notification", "error", err, "user_id", n.UserID, "category", n.Category)
	}
	return n.ID, err
}

func (r *NotificationRepository) FindByUser(userID int64, limit int) (*[]domain.Notification, error) {
	query := `
		SELECT id, user_id, category, title, message, priority, entity_type, entity_id, metadata, is_read, created
		FROM notifications
		WHERE user_id = ` + placeholder(1) + `
		ORDER BY id DESC
		LIMIT ` + placeholder(2) + `
	`
	rows, err := r.db.Query(query, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Notification
	for rows.Next() {
		var n domain.Notification
		if err := rows.Scan(&n.ID, &n.UserID, &n.Category, &n.Title, &n.Message, &n.Priority,
			&n.EntityType, &n.EntityID, &n.Metadata, &n.Read, &n.Created); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return &out, rows.Err()
}

func (r *NotificationRepository) MarkRead(id int64) error {
	query := `UPDATE notifications SET is_read = ` + placeholder(1) + ` WHERE id = ` + placeholder(2)
	_, err := r.db.Exec(query, true, id)
	return err
}
