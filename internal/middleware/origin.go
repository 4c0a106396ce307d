package middleware

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/hitoshi/festival/internal/model"
)

// NewOriginCheckMiddleware は状態変更メソッドのクロスサイトリクエストを拒否するミドルウェアを返す。
// 安全なメソッド（GET, HEAD, OPTIONS）は検証をスキップする。
// 状態変更メソッド（POST, PUT, PATCH, DELETE）はOriginヘッダーがallowedOriginと一致する場合のみ通過させる。
// Originヘッダーがない場合はSec-Fetch-Siteがsame-originであれば通過させる。
func NewOriginCheckMiddleware(allowedOrigin string) func(next http.Handler) http.Handler {
	allowed := normalizeOrigin(allowedOrigin)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isSafeMethod(r.Method) {
				next.ServeHTTP(w, r)
				return
			}

			origin := r.Header.Get("Origin")
			switch {
			case origin != "" && allowed != "" && normalizeOrigin(origin) == allowed:
				next.ServeHTTP(w, r)
				return
			case origin == "" && r.Header.Get("Sec-Fetch-Site") == "same-origin":
				next.ServeHTTP(w, r)
				return
			}

			slog.Warn("origin check failed",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("origin", origin),
			)
			WriteErrorResponse(w, http.StatusForbidden, model.NewForbiddenOriginError())
		})
	}
}

// isSafeMethod はHTTPメソッドが安全（読み取り専用）かどうかを判定する。
func isSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	default:
		return false
	}
}

// normalizeOrigin はURLをscheme://host[:port]の形に正規化する。
// パースできない場合は空文字列を返す。
func normalizeOrigin(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host)
}
