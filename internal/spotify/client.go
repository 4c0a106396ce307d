// Package spotify はSpotify Web APIのクライアントを提供する。
// ログイン済みユーザーのトークンでよく聴くアーティストを取得する。
package spotify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

const (
	// defaultBaseURL はSpotify Web APIのベースURL。
	defaultBaseURL = "https://api.spotify.com"
	// maxTopArtists はTopArtistsで1回に取得できる最大件数。
	maxTopArtists = 50
	// maxResponseBytes はレスポンスの読み取り上限。
	maxResponseBytes = 4 << 20
)

// Artist はアーティストの表示に必要な情報。
type Artist struct {
	ID         string
	Name       string
	Popularity int
	ImageURL   string // 先頭の画像。画像がない場合は空
	SpotifyURL string
}

// Client はSpotify Web APIのクライアント。
// プロセス全体で1つのレートリミッターを共有し、APIへの送信ペースを制限する。
type Client struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
	recorder   Recorder
	baseURL    string // テスト用にベースURLを差し替え可能
}

// Recorder はAPI呼び出しのステータスとレイテンシを記録するインターフェース。
type Recorder interface {
	RecordSpotifyAPICall(statusCode int, duration time.Duration)
}

// NewClient はClientの新しいインスタンスを生成する。
// requestsPerSecondが0以下の場合は送信ペースを制限しない。
func NewClient(httpClient *http.Client, requestsPerSecond float64, logger *slog.Logger) *Client {
	limit := rate.Inf
	if requestsPerSecond > 0 {
		limit = rate.Limit(requestsPerSecond)
	}
	burst := int(requestsPerSecond)
	if burst < 1 {
		burst = 1
	}
	return &Client{
		httpClient: httpClient,
		limiter:    rate.NewLimiter(limit, burst),
		logger:     logger,
		baseURL:    defaultBaseURL,
	}
}

// WithBaseURL はベースURLを差し替えたClientを返す。
func (c *Client) WithBaseURL(baseURL string) *Client {
	copied := *c
	copied.baseURL = strings.TrimRight(baseURL, "/")
	return &copied
}

// WithRecorder はメトリクスの記録先を設定したClientを返す。
func (c *Client) WithRecorder(recorder Recorder) *Client {
	copied := *c
	copied.recorder = recorder
	return &copied
}

type imageObject struct {
	URL string `json:"url"`
}

type artistObject struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Popularity   int               `json:"popularity"`
	Images       []imageObject     `json:"images"`
	ExternalURLs map[string]string `json:"external_urls"`
}

type topArtistsResponse struct {
	Items []artistObject `json:"items"`
}

// TopArtists はユーザーがよく聴くアーティストを人気度の降順で返す。
// limitは1〜50に丸める。トークンが期限切れの場合はtsが更新する。
func (c *Client) TopArtists(ctx context.Context, ts oauth2.TokenSource, limit int) ([]Artist, error) {
	if limit <= 0 || limit > maxTopArtists {
		limit = maxTopArtists
	}

	token, err := ts.Token()
	if err != nil {
		return nil, fmt.Errorf("アクセストークンの取得に失敗しました: %w", err)
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("レート制限の待機が中断されました: %w", err)
	}

	reqURL, err := url.Parse(c.baseURL + "/v1/me/top/artists")
	if err != nil {
		return nil, fmt.Errorf("エンドポイントURLのパースに失敗しました: %w", err)
	}
	q := reqURL.Query()
	q.Set("limit", strconv.Itoa(limit))
	reqURL.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	token.SetAuthHeader(req)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.record(0, start)
		c.logger.Error("Spotify APIの呼び出しに失敗しました",
			slog.String("error", err.Error()),
		)
		return nil, err
	}
	defer resp.Body.Close()
	c.record(resp.StatusCode, start)

	if resp.StatusCode != http.StatusOK {
		c.logger.Error("Spotify APIがエラーステータスを返しました",
			slog.Int("http_status", resp.StatusCode),
		)
		return nil, &APIError{StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("レスポンスボディの読み取りに失敗しました: %w", err)
	}

	var result topArtistsResponse
	if err := json.Unmarshal(body, &result); err != nil {
		c.logger.Error("Spotify APIのレスポンスのパースに失敗しました",
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("レスポンスJSONのパースに失敗しました: %w", err)
	}

	artists := make([]Artist, 0, len(result.Items))
	for _, item := range result.Items {
		a := Artist{
			ID:         item.ID,
			Name:       item.Name,
			Popularity: item.Popularity,
			SpotifyURL: item.ExternalURLs["spotify"],
		}
		if len(item.Images) > 0 {
			a.ImageURL = item.Images[0].URL
		}
		artists = append(artists, a)
	}

	sort.SliceStable(artists, func(i, j int) bool {
		return artists[i].Popularity > artists[j].Popularity
	})

	return artists, nil
}

func (c *Client) record(statusCode int, start time.Time) {
	if c.recorder != nil {
		c.recorder.RecordSpotifyAPICall(statusCode, time.Since(start))
	}
}

// APIError はSpotify APIが2xx以外を返したことを表す。
type APIError struct {
	StatusCode int
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("Spotify APIがステータス %d を返しました", e.StatusCode)
}

// Unauthorized はトークンが無効・失効していることを表すかどうかを返す。
func (e *APIError) Unauthorized() bool {
	return e.StatusCode == http.StatusUnauthorized
}
