// Package auth はSpotifyによるOAuth 2.0ログインフローとプロバイダートークンの取り扱いを提供する。
//
// ログイン試行はブラウザのCookieに保持したstateのみで追跡し、サーバー側に保留状態は持たない。
// 1回の試行は Start → Exchanging → Identified → Linked → SessionIssued と一方向に進み、
// 途中で失敗した場合は Rejected（4xx）または Failed（5xx）で終了する。再試行は行わない。
package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/oauth2"

	"github.com/hitoshi/festival/internal/model"
)

const (
	stateBytes = 32

	// DefaultProviderTimeout はIdPへの1回の呼び出しに許す最大時間。
	DefaultProviderTimeout = 10 * time.Second
)

// ログイン結果のラベル（メトリクス用）。
const (
	OutcomeSuccess          = "success"
	OutcomeRejected         = "rejected"
	OutcomeProviderRejected = "provider_rejected"
	OutcomeFailed           = "failed"
)

// Provider はOAuth 2.0 IdPのインターフェース。
type Provider interface {
	// AuthCodeURL はstateを埋め込んだ認可URLを生成する。
	AuthCodeURL(state string) string
	// Exchange は認可コードをトークンに交換する。
	// IdPが交換を拒否した場合は*oauth2.RetrieveErrorを返す。
	Exchange(ctx context.Context, code string) (*oauth2.Token, error)
	// Identify はアクセストークンで本人情報を取得する。
	Identify(ctx context.Context, token *oauth2.Token) (*model.ProviderIdentity, error)
	// TokenSource は期限切れ時に自動更新するTokenSourceを返す。
	TokenSource(ctx context.Context, token *oauth2.Token) oauth2.TokenSource
}

// SessionIssuer はセッションの発行と破棄のインターフェース。
type SessionIssuer interface {
	Create(ctx context.Context, userID string, attrs model.SessionAttributes) (*model.Session, error)
	Invalidate(ctx context.Context, id string) error
	InvalidateAllForUser(ctx context.Context, userID string) error
}

// UserLinker はIdPの本人情報をローカルユーザーに紐付けるインターフェース。
type UserLinker interface {
	Link(ctx context.Context, identity *model.ProviderIdentity) (*model.User, error)
}

// TokenSealer はプロバイダートークンの暗号化・復号のインターフェース。
type TokenSealer interface {
	Seal(plaintext string) (string, error)
	Unseal(sealed string) (string, error)
}

// LoginRecorder はログイン結果を記録するインターフェース。
type LoginRecorder interface {
	RecordLogin(outcome string)
}

// ServiceConfig は認証サービスの設定。
type ServiceConfig struct {
	ProviderTimeout time.Duration
}

// LoginAttempt は開始したログイン試行。StateはCookieに保存してコールバックで照合する。
type LoginAttempt struct {
	State   string
	AuthURL string
}

// CallbackParams はコールバックで受け取った値。
type CallbackParams struct {
	Code        string // クエリパラメータ code
	State       string // クエリパラメータ state
	StoredState string // ログイン試行Cookieに保存したstate
	Error       string // IdPが同意拒否などで返すクエリパラメータ error
}

// LoginResult はログイン成功時の結果。
type LoginResult struct {
	User    *model.User
	Session *model.Session
}

// Service はOAuthログインフローのビジネスロジックを提供する。
type Service struct {
	provider Provider
	users    UserLinker
	sessions SessionIssuer
	sealer   TokenSealer
	recorder LoginRecorder
	config   ServiceConfig
}

// NewService はServiceを生成する。recorderはnilでもよい。
func NewService(
	provider Provider,
	users UserLinker,
	sessions SessionIssuer,
	sealer TokenSealer,
	recorder LoginRecorder,
	config ServiceConfig,
) *Service {
	if config.ProviderTimeout <= 0 {
		config.ProviderTimeout = DefaultProviderTimeout
	}
	return &Service{
		provider: provider,
		users:    users,
		sessions: sessions,
		sealer:   sealer,
		recorder: recorder,
		config:   config,
	}
}

// BeginLogin は新しいstateを生成し、IdPの認可URLを組み立てる。
func (s *Service) BeginLogin() (*LoginAttempt, error) {
	state, err := generateState()
	if err != nil {
		return nil, fmt.Errorf("failed to generate state: %w", err)
	}
	return &LoginAttempt{
		State:   state,
		AuthURL: s.provider.AuthCodeURL(state),
	}, nil
}

// CompleteLogin はコールバックを検証し、トークン交換・ユーザー紐付け・セッション発行を行う。
//
// 返すエラー:
//   - *model.ValidationError: code/stateの欠落、またはstateの不一致
//   - *model.ProviderError: IdPが認可または交換を拒否した
//   - それ以外: 通信障害・タイムアウト・暗号化やストレージの障害
func (s *Service) CompleteLogin(ctx context.Context, params CallbackParams) (*LoginResult, error) {
	result, err := s.completeLogin(ctx, params)
	s.record(err)
	return result, err
}

func (s *Service) completeLogin(ctx context.Context, params CallbackParams) (*LoginResult, error) {
	// Start → Rejected
	if err := validateState(params.State, params.StoredState); err != nil {
		return nil, err
	}
	if params.Error != "" {
		return nil, &model.ProviderError{Code: params.Error, Err: errors.New("authorization denied")}
	}
	if params.Code == "" {
		return nil, &model.ValidationError{Reason: "missing code"}
	}

	// Exchanging
	token, err := s.exchange(ctx, params.Code)
	if err != nil {
		return nil, err
	}

	// Identified
	identity, err := s.identify(ctx, token)
	if err != nil {
		return nil, err
	}

	// Linked
	u, err := s.users.Link(ctx, identity)
	if err != nil {
		return nil, fmt.Errorf("failed to link user: %w", err)
	}

	// SessionIssued
	attrs, err := s.sealTokens(token)
	if err != nil {
		return nil, err
	}
	session, err := s.sessions.Create(ctx, u.ID, attrs)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	slog.Info("ログインに成功しました",
		slog.String("user_id", u.ID),
	)
	return &LoginResult{User: u, Session: session}, nil
}

// exchange は認可コードをトークンに交換する。
// IdPの拒否はProviderError、それ以外の失敗はラップしたエラーを返す。
func (s *Service) exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.ProviderTimeout)
	defer cancel()

	token, err := s.provider.Exchange(ctx, code)
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && rejectedByProvider(re) {
			return nil, &model.ProviderError{Code: re.ErrorCode, Err: err}
		}
		return nil, fmt.Errorf("token exchange failed: %w", err)
	}
	if token == nil || token.AccessToken == "" {
		return nil, fmt.Errorf("token exchange returned no access token")
	}
	return token, nil
}

// rejectedByProvider はトークンエンドポイントの応答が要求自体の拒否（4xx）かどうかを返す。
// 5xxなどIdP側の障害は拒否として扱わない。
func rejectedByProvider(re *oauth2.RetrieveError) bool {
	if re.Response == nil {
		return re.ErrorCode != ""
	}
	return re.Response.StatusCode >= 400 && re.Response.StatusCode < 500
}

// identify はアクセストークンで本人情報を取得する。
func (s *Service) identify(ctx context.Context, token *oauth2.Token) (*model.ProviderIdentity, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.ProviderTimeout)
	defer cancel()

	identity, err := s.provider.Identify(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch provider identity: %w", err)
	}
	return identity, nil
}

// sealTokens はアクセストークンとリフレッシュトークンを暗号化してセッション属性にする。
func (s *Service) sealTokens(token *oauth2.Token) (model.SessionAttributes, error) {
	access, err := s.sealer.Seal(token.AccessToken)
	if err != nil {
		return model.SessionAttributes{}, err
	}
	refresh, err := s.sealer.Seal(token.RefreshToken)
	if err != nil {
		return model.SessionAttributes{}, err
	}
	return model.SessionAttributes{
		EncryptedAccessToken:  access,
		EncryptedRefreshToken: refresh,
		AccessTokenExpiresAt:  token.Expiry,
	}, nil
}

// Logout はセッションを破棄する。存在しないセッションでもエラーにならない。
func (s *Service) Logout(ctx context.Context, sessionID string) error {
	if err := s.sessions.Invalidate(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to invalidate session: %w", err)
	}
	return nil
}

// LogoutEverywhere はユーザーの全セッションを破棄する。
func (s *Service) LogoutEverywhere(ctx context.Context, userID string) error {
	if err := s.sessions.InvalidateAllForUser(ctx, userID); err != nil {
		return fmt.Errorf("failed to invalidate user sessions: %w", err)
	}
	slog.Info("全セッションを破棄しました",
		slog.String("user_id", userID),
	)
	return nil
}

// ProviderToken はセッション属性のトークンを復号してoauth2.Tokenに戻す。
func (s *Service) ProviderToken(_ context.Context, session *model.Session) (*oauth2.Token, error) {
	if session == nil {
		return nil, model.ErrNotAuthenticated
	}

	access, err := s.sealer.Unseal(session.Attributes.EncryptedAccessToken)
	if err != nil {
		return nil, err
	}
	refresh, err := s.sealer.Unseal(session.Attributes.EncryptedRefreshToken)
	if err != nil {
		return nil, err
	}

	return &oauth2.Token{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "Bearer",
		Expiry:       session.Attributes.AccessTokenExpiresAt,
	}, nil
}

// TokenSource はセッションのトークンから、期限切れ時に自動更新するTokenSourceを生成する。
// 更新後のトークンはセッションに書き戻さない。
func (s *Service) TokenSource(ctx context.Context, session *model.Session) (oauth2.TokenSource, error) {
	token, err := s.ProviderToken(ctx, session)
	if err != nil {
		return nil, err
	}
	return s.provider.TokenSource(ctx, token), nil
}

func (s *Service) record(err error) {
	if s.recorder == nil {
		return
	}
	s.recorder.RecordLogin(Outcome(err))
}

// Outcome はCompleteLoginのエラーをメトリクス用のラベルに変換する。
func Outcome(err error) string {
	var ve *model.ValidationError
	var pe *model.ProviderError
	switch {
	case err == nil:
		return OutcomeSuccess
	case errors.As(err, &ve):
		return OutcomeRejected
	case errors.As(err, &pe):
		return OutcomeProviderRejected
	default:
		return OutcomeFailed
	}
}

// validateState はコールバックのstateとCookieのstateを定数時間で完全一致比較する。
func validateState(state, stored string) error {
	if state == "" {
		return &model.ValidationError{Reason: "missing state"}
	}
	if stored == "" {
		return &model.ValidationError{Reason: "missing or expired login attempt"}
	}
	if subtle.ConstantTimeCompare([]byte(state), []byte(stored)) != 1 {
		return &model.ValidationError{Reason: "state mismatch"}
	}
	return nil
}

// generateState は暗号論的に安全なランダムなstateを生成する。
func generateState() (string, error) {
	b := make([]byte, stateBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
