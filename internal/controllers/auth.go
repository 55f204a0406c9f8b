package controllers

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/meridianqms/capaflow/internal/config"
)

// RequireCronSecret guards unattended endpoints with a shared bearer secret.
// The configured value may be the raw secret or a bcrypt hash of it (prefix
// "$2"); an empty setting disables the guard, which is only sane in dev.
func RequireCronSecret(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		secret := config.GetSystemSettingString(config.CRON_SECRET)
		if secret == "" {
			slog.Warn("Cron secret not configured, endpoint is unprotected")
			next(w, r)
			return
		}

		auth := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok || !secretMatches(secret, token) {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func secretMatches(configured, presented string) bool {
	if strings.HasPrefix(configured, "$2") {
		return bcrypt.CompareHashAndPassword([]byte(configured), []byte(presented)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(configured), []byte(presented)) == 1
}
