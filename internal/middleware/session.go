// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hitoshi/festival/internal/model"
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// identityContextKey はリクエストコンテキストに解決済みの本人情報を格納するためのキー。
var identityContextKey = contextKey("identity")

// セッション検証結果のラベル（メトリクス用）。
const (
	ValidationAnonymous = "anonymous"
	ValidationValid     = "valid"
	ValidationRenewed   = "renewed"
	ValidationInvalid   = "invalid"
	ValidationError     = "error"
)

// SessionValidator はセッションの検証と破棄に必要なインターフェース。
// session.Storeが実装する。
type SessionValidator interface {
	Validate(ctx context.Context, id string) (*model.Session, bool, error)
	Invalidate(ctx context.Context, id string) error
}

// UserFinder はユーザーの取得に必要なインターフェース。
type UserFinder interface {
	FindByID(ctx context.Context, id string) (*model.User, error)
}

// ValidationRecorder はセッション検証結果を記録するインターフェース。
type ValidationRecorder interface {
	RecordSessionValidation(result string)
}

// Identity はリクエストごとに解決したユーザーとセッションの組。
// 未認証の場合はどちらもnil。
type Identity struct {
	User    *model.User
	Session *model.Session
}

// Authenticated は有効なセッションを持つかどうかを返す。
func (i Identity) Authenticated() bool {
	return i.User != nil && i.Session != nil
}

// SessionMiddlewareOption はセッションミドルウェアの設定オプション。
type SessionMiddlewareOption func(*sessionMiddleware)

// WithValidationRecorder は検証結果の記録先を設定する。
func WithValidationRecorder(recorder ValidationRecorder) SessionMiddlewareOption {
	return func(m *sessionMiddleware) {
		m.recorder = recorder
	}
}

// WithSessionClock は現在時刻の取得関数を差し替える。テスト用。
func WithSessionClock(now func() time.Time) SessionMiddlewareOption {
	return func(m *sessionMiddleware) {
		m.now = now
	}
}

type sessionMiddleware struct {
	validator SessionValidator
	users     UserFinder
	cookies   CookieConfig
	recorder  ValidationRecorder
	now       func() time.Time
}

// NewSessionMiddleware はセッションCookieから本人情報を解決するミドルウェアを返す。
//
// 未認証は通常の状態として扱い、リクエストを止めない:
//   - Cookieなし: 未認証として続行
//   - 無効・期限切れ: 空のCookieを発行して未認証として続行
//   - 更新あり: 新しい有効期限でCookieを再発行
//   - ユーザーが存在しない: セッションを破棄し、空のCookieを発行して未認証として続行
//
// StorageErrorの場合のみ本人を判定できないため500を返す。
func NewSessionMiddleware(validator SessionValidator, users UserFinder, cookies CookieConfig, opts ...SessionMiddlewareOption) func(next http.Handler) http.Handler {
	m := &sessionMiddleware{
		validator: validator,
		users:     users,
		cookies:   cookies,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, err := m.resolve(w, r)
			if err != nil {
				m.record(ValidationError)
				slog.Error("セッションの検証に失敗しました",
					slog.String("error", err.Error()),
					slog.String("path", r.URL.Path),
				)
				WriteInternalServerError(w)
				return
			}

			ctx := ContextWithIdentity(r.Context(), identity)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// resolve はCookieのセッションを検証し、必要に応じてCookieを更新・破棄する。
// StorageErrorのみを返し、それ以外の失敗は未認証として扱う。
func (m *sessionMiddleware) resolve(w http.ResponseWriter, r *http.Request) (Identity, error) {
	sessionID := CookieValue(r, SessionCookieName)
	if sessionID == "" {
		m.record(ValidationAnonymous)
		return Identity{}, nil
	}

	ctx := r.Context()
	session, renewed, err := m.validator.Validate(ctx, sessionID)
	if err != nil {
		if model.IsStorageError(err) {
			return Identity{}, err
		}
		slog.Warn("セッションを未認証として扱います",
			slog.String("error", err.Error()),
		)
		m.cookies.ClearSession(w)
		m.record(ValidationInvalid)
		return Identity{}, nil
	}
	if session == nil {
		m.cookies.ClearSession(w)
		m.record(ValidationInvalid)
		return Identity{}, nil
	}

	u, err := m.users.FindByID(ctx, session.UserID)
	if err != nil {
		if model.IsStorageError(err) {
			return Identity{}, err
		}
		m.record(ValidationInvalid)
		return Identity{}, nil
	}
	if u == nil {
		slog.Warn("セッションに対応するユーザーが存在しません",
			slog.String("session", Fingerprint(session.ID)),
			slog.String("user_id", session.UserID),
		)
		if err := m.validator.Invalidate(ctx, session.ID); err != nil && model.IsStorageError(err) {
			return Identity{}, err
		}
		m.cookies.ClearSession(w)
		m.record(ValidationInvalid)
		return Identity{}, nil
	}

	if renewed {
		m.cookies.SetSession(w, session, m.now())
		m.record(ValidationRenewed)
	} else {
		m.record(ValidationValid)
	}

	return Identity{User: u, Session: session}, nil
}

func (m *sessionMiddleware) record(result string) {
	if m.recorder != nil {
		m.recorder.RecordSessionValidation(result)
	}
}

// RequireUser は未認証のブラウザリクエストをログインページへリダイレクトするミドルウェア。
func RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !FromContext(r.Context()).Authenticated() {
			http.Redirect(w, r, "/login", http.StatusFound)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireAPIUser は未認証のAPIリクエストに401を返すミドルウェア。
func RequireAPIUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !FromContext(r.Context()).Authenticated() {
			WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
			return
		}
		next.ServeHTTP(w, r)
	})
}

// FromContext はリクエストコンテキストから本人情報を取得する。
// セッションミドルウェアを通過していない場合は未認証を返す。
func FromContext(ctx context.Context) Identity {
	identity, _ := ctx.Value(identityContextKey).(Identity)
	return identity
}

// ContextWithIdentity はコンテキストに本人情報を注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithIdentity(ctx context.Context, identity Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, identity)
}

// UserIDFromContext はリクエストコンテキストから認証済みユーザーIDを取得する。
func UserIDFromContext(ctx context.Context) (string, error) {
	identity := FromContext(ctx)
	if !identity.Authenticated() {
		return "", fmt.Errorf("user ID not found in context: %w", model.ErrNotAuthenticated)
	}
	return identity.User.ID, nil
}

// Fingerprint はログ出力用にセッションIDを短縮する。セッションID全体はログに残さない。
func Fingerprint(sessionID string) string {
	const n = 8
	if len(sessionID) <= n {
		return strings.Repeat("*", len(sessionID))
	}
	return sessionID[:n] + "…"
}
