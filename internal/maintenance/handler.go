package maintenance

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/anushkaabajpaiii/auth-vault/internal/observability"
)

const defaultRefreshRetention = 14 * 24 * time.Hour

type refreshTokenPurger interface {
	PurgeStaleRefreshTokens(ctx context.Context, cutoff time.Time, batchSize int) (int64, error)
}

// CleanupHandler is the cron-triggered retention purge for refresh tokens
// that expired or were revoked more than refreshRetention ago. Login attempts
// are an append-only audit trail and are left alone.
type CleanupHandler struct {
	store            refreshTokenPurger
	logger           *observability.Logger
	cronSecret       string
	refreshRetention time.Duration
	batchSize        int
	now              func() time.Time
}

func NewCleanupHandler(
	store refreshTokenPurger,
	logger *observability.Logger,
	cronSecret string,
	refreshRetention time.Duration,
	batchSize int,
) *CleanupHandler {
	if refreshRetention <= 0 {
		refreshRetention = defaultRefreshRetention
	}
	if batchSize <= 0 {
		batchSize = 500
	}

	return &CleanupHandler{
		store:            store,
		logger:           logger,
		cronSecret:       strings.TrimSpace(cronSecret),
		refreshRetention: refreshRetention,
		batchSize:        batchSize,
		now:              func() time.Time { return time.Now().UTC() },
	}
}

func (h *CleanupHandler) Handle(w http.ResponseWriter, r *http.Request) {
	if h.cronSecret == "" {
		writeJSON(w, http.StatusNotFound, map[string]any{"success": false, "message": "not found"})
		return
	}

	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") ||
		subtle.ConstantTimeCompare([]byte(strings.TrimSpace(parts[1])), []byte(h.cronSecret)) != 1 {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"success": false, "message": "unauthorized"})
		return
	}

	deleted, err := h.store.PurgeStaleRefreshTokens(r.Context(), h.now().Add(-h.refreshRetention), h.batchSize)
	if err != nil {
		h.logger.Error("auth_cleanup_failed", map[string]any{"error": err.Error()})
		writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false, "message": "cleanup failed"})
		return
	}

	h.logger.Info("auth_cleanup_completed", map[string]any{
		"deleted_refresh_tokens": deleted,
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"data":    map[string]int64{"deleted_refresh_tokens": deleted},
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
