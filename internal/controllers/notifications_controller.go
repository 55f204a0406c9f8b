package controllers

import (
	"net/http"
	"strconv"

	"github.com/meridianqms/capaflow/internal/domain"
	"github.com/meridianqms/capaflow/internal/util"
)

// NotificationReader is the inbox slice of the notification repository.
type NotificationReader interface {
	FindByUser(userID int64, limit int) (*[]domain.Notification, error)
	MarkRead(id int64) error
}

type NotificationsController struct {
	Notifications NotificationReader
}

func NewNotificationsController(notifications NotificationReader) *NotificationsController {
	return &NotificationsController{Notifications: notifications}
}

func (c *NotificationsController) handleGetNotifications(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	userID, err := strconv.ParseInt(r.URL.Query().Get("userId"), 10, 64)
	if err != nil || userID <= 0 {
		http.Error(w, "userId is required", http.StatusBadRequest)
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}
	notifications, err := c.Notifications.FindByUser(userID, limit)
	if err != nil {
		http.Error(w, "failed to load notifications", http.StatusInternalServerError)
		return
	}
	util.WriteJSONResponse(w, http.StatusOK, notifications)
}

func (c *NotificationsController) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := c.Notifications.MarkRead(id); err != nil {
		http.Error(w, "failed to mark notification read", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
