package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/spotify"

	"github.com/hitoshi/festival/internal/model"
)

const (
	defaultSpotifyAPIBaseURL = "https://api.spotify.com"

	// maxIdentityResponseBytes はユーザー情報レスポンスの読み取り上限。
	maxIdentityResponseBytes = 1 << 20
)

// DefaultSpotifyScopes はログイン時に要求するスコープ。
var DefaultSpotifyScopes = []string{"user-top-read", "user-read-private"}

// SpotifyOAuthConfig はSpotify OAuthプロバイダーの設定。
type SpotifyOAuthConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string

	// テスト用にオーバーライド可能なURLとHTTPクライアント
	AuthURL    string
	TokenURL   string
	APIBaseURL string
	HTTPClient *http.Client
}

// SpotifyOAuthProvider はSpotifyのOAuth 2.0認可コードフローを提供する。
type SpotifyOAuthProvider struct {
	oauth      *oauth2.Config
	apiBaseURL string
	httpClient *http.Client
}

// NewSpotifyOAuthProvider はSpotifyOAuthProviderを生成する。
func NewSpotifyOAuthProvider(config SpotifyOAuthConfig) *SpotifyOAuthProvider {
	endpoint := spotify.Endpoint
	if config.AuthURL != "" {
		endpoint.AuthURL = config.AuthURL
	}
	if config.TokenURL != "" {
		endpoint.TokenURL = config.TokenURL
	}
	endpoint.AuthStyle = oauth2.AuthStyleInHeader

	scopes := config.Scopes
	if len(scopes) == 0 {
		scopes = DefaultSpotifyScopes
	}

	apiBaseURL := config.APIBaseURL
	if apiBaseURL == "" {
		apiBaseURL = defaultSpotifyAPIBaseURL
	}

	return &SpotifyOAuthProvider{
		oauth: &oauth2.Config{
			ClientID:     config.ClientID,
			ClientSecret: config.ClientSecret,
			RedirectURL:  config.RedirectURL,
			Endpoint:     endpoint,
			Scopes:       scopes,
		},
		apiBaseURL: strings.TrimRight(apiBaseURL, "/"),
		httpClient: config.HTTPClient,
	}
}

// AuthCodeURL はstateを埋め込んだSpotifyの認可URLを生成する。
func (p *SpotifyOAuthProvider) AuthCodeURL(state string) string {
	return p.oauth.AuthCodeURL(state)
}

// Exchange は認可コードをトークンに交換する。
// トークンエンドポイントがエラーを返した場合は*oauth2.RetrieveErrorを返す。
func (p *SpotifyOAuthProvider) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	token, err := p.oauth.Exchange(p.withClient(ctx), code)
	if err != nil {
		return nil, err
	}
	return token, nil
}

// spotifyUser はGET /v1/me のレスポンスのうち使用するフィールド。
type spotifyUser struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}

// Identify はアクセストークンでSpotifyのユーザー情報を取得する。
func (p *SpotifyOAuthProvider) Identify(ctx context.Context, token *oauth2.Token) (*model.ProviderIdentity, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.apiBaseURL+"/v1/me", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create identity request: %w", err)
	}
	token.SetAuthHeader(req)
	req.Header.Set("Accept", "application/json")

	resp, err := p.client().Do(req)
	if err != nil {
		return nil, fmt.Errorf("identity request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxIdentityResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read identity response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("identity request failed with status %d", resp.StatusCode)
	}

	var u spotifyUser
	if err := json.Unmarshal(body, &u); err != nil {
		return nil, fmt.Errorf("failed to parse identity response: %w", err)
	}
	if u.ID == "" {
		return nil, fmt.Errorf("empty id in identity response")
	}

	return &model.ProviderIdentity{
		ProviderUserID: u.ID,
		DisplayName:    u.DisplayName,
	}, nil
}

// TokenSource はアクセストークンの期限切れ時にリフレッシュトークンで更新するTokenSourceを返す。
func (p *SpotifyOAuthProvider) TokenSource(ctx context.Context, token *oauth2.Token) oauth2.TokenSource {
	return p.oauth.TokenSource(p.withClient(ctx), token)
}

// withClient はoauth2パッケージが使用するHTTPクライアントをコンテキストに設定する。
func (p *SpotifyOAuthProvider) withClient(ctx context.Context) context.Context {
	if p.httpClient == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
}

func (p *SpotifyOAuthProvider) client() *http.Client {
	if p.httpClient != nil {
		return p.httpClient
	}
	return http.DefaultClient
}

// compile-time interface check
var _ Provider = (*SpotifyOAuthProvider)(nil)
