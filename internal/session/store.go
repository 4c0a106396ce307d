// Package session はサーバーサイドセッションのライフサイクル（作成・検証とスライディング更新・破棄）を提供する。
package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/hitoshi/festival/internal/model"
	"github.com/hitoshi/festival/internal/repository"
)

const (
	// DefaultLifetime はセッションのデフォルト有効期間（30日）。
	DefaultLifetime = 30 * 24 * time.Hour
	// DefaultRenewFraction は残り有効期間がLifetimeのこの割合を下回ったら更新する。
	DefaultRenewFraction = 0.5

	idBytes = 32
)

// Policy はセッションの有効期間と更新ポリシー。
type Policy struct {
	// Lifetime は作成時および更新時に付与する有効期間。
	Lifetime time.Duration
	// RenewFraction は更新ウィンドウの割合（0〜1）。
	// ExpiresAt - now < Lifetime * RenewFraction のとき更新する。
	RenewFraction float64
}

// DefaultPolicy はデフォルトのセッションポリシーを返す。
func DefaultPolicy() Policy {
	return Policy{Lifetime: DefaultLifetime, RenewFraction: DefaultRenewFraction}
}

// renewWindow は更新ウィンドウの長さを返す。
func (p Policy) renewWindow() time.Duration {
	return time.Duration(float64(p.Lifetime) * p.RenewFraction)
}

// Store はセッションリポジトリ上のセッション操作を提供する。
// 自身ではアクセスを直列化せず、並行性はリポジトリの保証に委ねる。
type Store struct {
	repo   repository.SessionRepository
	policy Policy
	now    func() time.Time
}

// Option はStoreの設定オプション。
type Option func(*Store)

// WithClock は現在時刻の取得関数を差し替える。テスト用。
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// NewStore はStoreを生成する。
// Policyのゼロ値フィールドはデフォルト値で補完する。
func NewStore(repo repository.SessionRepository, policy Policy, opts ...Option) *Store {
	if policy.Lifetime <= 0 {
		policy.Lifetime = DefaultLifetime
	}
	if policy.RenewFraction <= 0 || policy.RenewFraction > 1 {
		policy.RenewFraction = DefaultRenewFraction
	}

	s := &Store{
		repo:   repo,
		policy: policy,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Policy は適用中のポリシーを返す。
func (s *Store) Policy() Policy {
	return s.policy
}

// Create は新しいセッションを発行して永続化する。
func (s *Store) Create(ctx context.Context, userID string, attrs model.SessionAttributes) (*model.Session, error) {
	id, err := generateID()
	if err != nil {
		return nil, err
	}

	now := s.now()
	session := &model.Session{
		ID:         id,
		UserID:     userID,
		ExpiresAt:  now.Add(s.policy.Lifetime),
		CreatedAt:  now,
		Attributes: attrs,
	}

	if err := s.repo.Create(ctx, session); err != nil {
		return nil, asStorageError("create session", err)
	}
	return session, nil
}

// Validate はセッションを検証する。
// 存在しない場合と期限切れの場合は (nil, false, nil) を返し、期限切れのレコードは削除する。
// 更新ウィンドウ内であれば有効期限を now + Lifetime に延長し、renewed=true を返す。
func (s *Store) Validate(ctx context.Context, id string) (*model.Session, bool, error) {
	if id == "" {
		return nil, false, nil
	}

	session, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, false, asStorageError("find session", err)
	}
	if session == nil {
		return nil, false, nil
	}

	now := s.now()
	if session.Expired(now) {
		if err := s.repo.DeleteByID(ctx, id); err != nil {
			return nil, false, asStorageError("delete expired session", err)
		}
		return nil, false, nil
	}

	if session.ExpiresAt.Sub(now) >= s.policy.renewWindow() {
		return session, false, nil
	}

	expiresAt := now.Add(s.policy.Lifetime)
	if !expiresAt.After(session.ExpiresAt) {
		return session, false, nil
	}
	if err := s.repo.ExtendExpiry(ctx, id, expiresAt); err != nil {
		return nil, false, asStorageError("extend session", err)
	}
	session.ExpiresAt = expiresAt
	return session, true, nil
}

// Invalidate はセッションを破棄する。存在しない場合もエラーにならない。
func (s *Store) Invalidate(ctx context.Context, id string) error {
	if id == "" {
		return nil
	}
	if err := s.repo.DeleteByID(ctx, id); err != nil {
		return asStorageError("delete session", err)
	}
	return nil
}

// InvalidateAllForUser は指定ユーザーの全セッションを破棄する。
func (s *Store) InvalidateAllForUser(ctx context.Context, userID string) error {
	if err := s.repo.DeleteByUserID(ctx, userID); err != nil {
		return asStorageError("delete user sessions", err)
	}
	return nil
}

// DeleteExpired は期限切れセッションを一括削除し、削除件数を返す。
func (s *Store) DeleteExpired(ctx context.Context) (int64, error) {
	n, err := s.repo.DeleteExpired(ctx, s.now())
	if err != nil {
		return 0, asStorageError("delete expired sessions", err)
	}
	return n, nil
}

// generateID は暗号論的に安全なランダムなセッションIDを生成する。
func generateID() (string, error) {
	b := make([]byte, idBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate session ID: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// asStorageError はリポジトリのエラーをStorageErrorに揃える。
func asStorageError(op string, err error) error {
	if model.IsStorageError(err) {
		return err
	}
	return &model.StorageError{Op: op, Err: err}
}
