package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"golang.org/x/oauth2"

	"github.com/hitoshi/festival/internal/middleware"
	"github.com/hitoshi/festival/internal/model"
	"github.com/hitoshi/festival/internal/spotify"
)

// DefaultFavoritesLimit はお気に入りページに表示するアーティスト数。
const DefaultFavoritesLimit = 20

// ProviderTokens はセッションからプロバイダートークンのTokenSourceを得るインターフェース。
// auth.Serviceが実装する。
type ProviderTokens interface {
	TokenSource(ctx context.Context, session *model.Session) (oauth2.TokenSource, error)
}

// ArtistFetcher はよく聴くアーティストを取得するインターフェース。
// spotify.Clientが実装する。
type ArtistFetcher interface {
	TopArtists(ctx context.Context, ts oauth2.TokenSource, limit int) ([]spotify.Artist, error)
}

// PageHandler はHTMLページのハンドラー。
type PageHandler struct {
	tokens  ProviderTokens
	artists ArtistFetcher
	limit   int
}

// NewPageHandler はPageHandlerを生成する。
func NewPageHandler(tokens ProviderTokens, artists ArtistFetcher) *PageHandler {
	return &PageHandler{
		tokens:  tokens,
		artists: artists,
		limit:   DefaultFavoritesLimit,
	}
}

// Index はトップページを返す。サインイン済みなら表示名で挨拶する。
// GET /
func (h *PageHandler) Index(w http.ResponseWriter, r *http.Request) {
	renderPage(w, http.StatusOK, "index", pageData{
		Title: "ホーム",
		User:  middleware.FromContext(r.Context()).User,
	})
}

// Login はサインインページを返す。サインイン済みならトップページへ戻す。
// GET /login
func (h *PageHandler) Login(w http.ResponseWriter, r *http.Request) {
	if middleware.FromContext(r.Context()).Authenticated() {
		http.Redirect(w, r, "/", http.StatusFound)
		return
	}
	renderPage(w, http.StatusOK, "login", pageData{Title: "サインイン"})
}

// Favorites はよく聴くアーティストを人気度順に表示する。
// GET /favorites（RequireUserの後に配置）
func (h *PageHandler) Favorites(w http.ResponseWriter, r *http.Request) {
	identity := middleware.FromContext(r.Context())

	ts, err := h.tokens.TokenSource(r.Context(), identity.Session)
	if err != nil {
		slog.Error("プロバイダートークンの復号に失敗しました",
			slog.String("user_id", identity.User.ID),
			slog.String("error", err.Error()),
		)
		writeError(w, r, http.StatusInternalServerError, model.NewInternalError())
		return
	}

	artists, err := h.artists.TopArtists(r.Context(), ts, h.limit)
	if err != nil {
		status, apiErr := classifySpotifyError(err)
		slog.Warn("アーティストの取得に失敗しました",
			slog.String("user_id", identity.User.ID),
			slog.String("error", err.Error()),
		)
		writeError(w, r, status, apiErr)
		return
	}

	renderPage(w, http.StatusOK, "favorites", pageData{
		Title:   "よく聴くアーティスト",
		User:    identity.User,
		Artists: artists,
	})
}

// classifySpotifyError はSpotify呼び出しの失敗をHTTPステータスに変換する。
// 認可の失効（APIの401、トークン更新の拒否）は再サインインを促す。
func classifySpotifyError(err error) (int, *model.APIError) {
	var apiErr *spotify.APIError
	if errors.As(err, &apiErr) && apiErr.Unauthorized() {
		return http.StatusUnauthorized, model.NewReauthRequiredError()
	}
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		return http.StatusUnauthorized, model.NewReauthRequiredError()
	}
	return http.StatusBadGateway, model.NewUpstreamFailedError()
}
