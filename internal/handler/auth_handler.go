// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/festival/internal/auth"
	"github.com/hitoshi/festival/internal/middleware"
	"github.com/hitoshi/festival/internal/model"
)

// AuthService は認証ハンドラーが必要とするサービスインターフェース。
type AuthService interface {
	BeginLogin() (*auth.LoginAttempt, error)
	CompleteLogin(ctx context.Context, params auth.CallbackParams) (*auth.LoginResult, error)
	Logout(ctx context.Context, sessionID string) error
	LogoutEverywhere(ctx context.Context, userID string) error
}

// AuthHandler はOAuthログインとサインアウトのHTTPハンドラー。
type AuthHandler struct {
	service AuthService
	cookies middleware.CookieConfig
	now     func() time.Time
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service AuthService, cookies middleware.CookieConfig) *AuthHandler {
	return &AuthHandler{
		service: service,
		cookies: cookies,
		now:     time.Now,
	}
}

// Login はSpotify OAuthフローを開始する。
// GET /login/spotify
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	attempt, err := h.service.BeginLogin()
	if err != nil {
		slog.Error("ログイン試行の開始に失敗しました", slog.String("error", err.Error()))
		writeError(w, r, http.StatusInternalServerError, model.NewInternalError())
		return
	}

	h.cookies.SetOAuthState(w, attempt.State)
	http.Redirect(w, r, attempt.AuthURL, http.StatusFound)
}

// Callback はOAuthコールバックを処理する。
// GET /login/spotify/callback?code=xxx&state=yyy
//
// ログイン試行Cookieは結果にかかわらず削除する。
func (h *AuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	params := auth.CallbackParams{
		Code:        q.Get("code"),
		State:       q.Get("state"),
		StoredState: middleware.CookieValue(r, middleware.OAuthStateCookieName),
		Error:       q.Get("error"),
	}

	h.cookies.ClearOAuthState(w)

	result, err := h.service.CompleteLogin(r.Context(), params)
	if err != nil {
		h.writeLoginError(w, r, err)
		return
	}

	h.cookies.SetSession(w, result.Session, h.now())
	http.Redirect(w, r, "/", http.StatusFound)
}

// writeLoginError はログイン失敗をHTTPステータスに変換する。
// 呼び出し元に起因する失敗は400、それ以外は500とする。
func (h *AuthHandler) writeLoginError(w http.ResponseWriter, r *http.Request, err error) {
	var ve *model.ValidationError
	var pe *model.ProviderError
	switch {
	case errors.As(err, &ve):
		slog.Warn("OAuthコールバックを拒否しました", slog.String("reason", ve.Reason))
		writeError(w, r, http.StatusBadRequest, model.NewInvalidCallbackError())
	case errors.As(err, &pe):
		slog.Warn("IdPが認証要求を拒否しました", slog.String("code", pe.Code))
		writeError(w, r, http.StatusBadRequest, model.NewProviderRejectedError())
	default:
		slog.Error("ログインに失敗しました", slog.String("error", err.Error()))
		writeError(w, r, http.StatusInternalServerError, model.NewInternalError())
	}
}

// Logout はセッションを破棄する。
// POST /logout
//
// セッションが存在しなくても成功として扱う。破棄に失敗してもCookieはクリアする。
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if sessionID := middleware.CookieValue(r, middleware.SessionCookieName); sessionID != "" {
		if err := h.service.Logout(r.Context(), sessionID); err != nil {
			slog.Error("ログアウトに失敗しました",
				slog.String("session", middleware.Fingerprint(sessionID)),
				slog.String("error", err.Error()),
			)
		}
	}

	h.cookies.ClearSession(w)
	http.Redirect(w, r, "/", http.StatusFound)
}

// LogoutAll はユーザーの全セッションを破棄する。
// POST /logout/all
func (h *AuthHandler) LogoutAll(w http.ResponseWriter, r *http.Request) {
	identity := middleware.FromContext(r.Context())
	if identity.Authenticated() {
		if err := h.service.LogoutEverywhere(r.Context(), identity.User.ID); err != nil {
			slog.Error("全セッションの破棄に失敗しました",
				slog.String("user_id", identity.User.ID),
				slog.String("error", err.Error()),
			)
			writeError(w, r, http.StatusInternalServerError, model.NewInternalError())
			return
		}
	}

	h.cookies.ClearSession(w)
	http.Redirect(w, r, "/", http.StatusFound)
}
