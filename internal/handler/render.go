package handler

import (
	"bytes"
	"embed"
	"html/template"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hitoshi/festival/internal/middleware"
	"github.com/hitoshi/festival/internal/model"
	"github.com/hitoshi/festival/internal/spotify"
)

//go:embed templates/*.html
var templateFS embed.FS

var pageTemplates = template.Must(template.ParseFS(templateFS, "templates/*.html"))

// pageData はHTMLテンプレートに渡す値。
type pageData struct {
	Title   string
	User    *model.User
	Artists []spotify.Artist
	Error   *model.APIError
}

// renderPage はテンプレートをバッファに描画してから書き込む。
// 描画に失敗した場合は途中までのHTMLを返さずに500を返す。
func renderPage(w http.ResponseWriter, statusCode int, name string, data pageData) {
	var buf bytes.Buffer
	if err := pageTemplates.ExecuteTemplate(&buf, name, data); err != nil {
		slog.Error("テンプレートの描画に失敗しました",
			slog.String("template", name),
			slog.String("error", err.Error()),
		)
		middleware.WriteInternalServerError(w)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(statusCode)
	w.Write(buf.Bytes())
}

// writeError はAcceptヘッダーに応じてJSONまたはHTMLでエラーを返す。
func writeError(w http.ResponseWriter, r *http.Request, statusCode int, apiErr *model.APIError) {
	if wantsJSON(r) {
		middleware.WriteErrorResponse(w, statusCode, apiErr)
		return
	}
	renderPage(w, statusCode, "error", pageData{
		Title: "エラー",
		User:  middleware.FromContext(r.Context()).User,
		Error: apiErr,
	})
}

// wantsJSON はクライアントがHTMLよりJSONを求めているかどうかを返す。
func wantsJSON(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	return strings.Contains(accept, "application/json") && !strings.Contains(accept, "text/html")
}
