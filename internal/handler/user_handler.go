package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/hitoshi/festival/internal/middleware"
	"github.com/hitoshi/festival/internal/model"
)

// meResponse は/api/meのレスポンス。プロバイダートークンは含めない。
type meResponse struct {
	ID               string    `json:"id"`
	SpotifyID        string    `json:"spotify_id"`
	DisplayName      string    `json:"display_name"`
	SessionExpiresAt time.Time `json:"session_expires_at"`
}

// Me は現在のログインユーザー情報を返す。
// GET /api/me（RequireAPIUserの後に配置）
func Me(w http.ResponseWriter, r *http.Request) {
	identity := middleware.FromContext(r.Context())
	if !identity.Authenticated() {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	json.NewEncoder(w).Encode(meResponse{
		ID:               identity.User.ID,
		SpotifyID:        identity.User.ProviderUserID,
		DisplayName:      identity.User.DisplayName,
		SessionExpiresAt: identity.Session.ExpiresAt,
	})
}
