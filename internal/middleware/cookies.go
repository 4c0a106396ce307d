package middleware

import (
	"net/http"
	"time"

	"github.com/hitoshi/festival/internal/model"
)

// アプリケーションで使用するCookie名
const (
	SessionCookieName    = "festival_session"
	OAuthStateCookieName = "spotify_oauth_state"
)

// DefaultOAuthStateMaxAge はログイン試行Cookieのデフォルト有効期間。
const DefaultOAuthStateMaxAge = 10 * time.Minute

// CookieConfig はCookie発行の設定。
type CookieConfig struct {
	Secure      bool          // BASE_URLがhttpsの場合にtrue
	Domain      string        // 空の場合はホストのみ
	StateMaxAge time.Duration // ログイン試行Cookieの有効期間
}

// SetSession はセッションCookieを発行する。有効期限はセッションのExpiresAtに合わせる。
func (c CookieConfig) SetSession(w http.ResponseWriter, session *model.Session, now time.Time) {
	maxAge := int(session.ExpiresAt.Sub(now).Seconds())
	if maxAge < 1 {
		c.ClearSession(w)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    session.ID,
		Path:     "/",
		Domain:   c.Domain,
		Expires:  session.ExpiresAt.UTC(),
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   c.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// ClearSession は空のセッションCookieを発行し、ブラウザに破棄させる。
func (c CookieConfig) ClearSession(w http.ResponseWriter) {
	c.clear(w, SessionCookieName)
}

// SetOAuthState はログイン試行のstateを保持するCookieを発行する。
func (c CookieConfig) SetOAuthState(w http.ResponseWriter, state string) {
	maxAge := c.StateMaxAge
	if maxAge <= 0 {
		maxAge = DefaultOAuthStateMaxAge
	}
	http.SetCookie(w, &http.Cookie{
		Name:     OAuthStateCookieName,
		Value:    state,
		Path:     "/",
		Domain:   c.Domain,
		MaxAge:   int(maxAge.Seconds()),
		HttpOnly: true,
		Secure:   c.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// ClearOAuthState はログイン試行Cookieを破棄する。
func (c CookieConfig) ClearOAuthState(w http.ResponseWriter) {
	c.clear(w, OAuthStateCookieName)
}

func (c CookieConfig) clear(w http.ResponseWriter, name string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		Domain:   c.Domain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   c.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// CookieValue はリクエストから指定Cookieの値を返す。存在しない場合は空文字列。
func CookieValue(r *http.Request, name string) string {
	cookie, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return cookie.Value
}
