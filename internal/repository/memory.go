package repository

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hitoshi/festival/internal/model"
)

// MemoryUserRepo はプロセス内メモリに保持するユーザーリポジトリ。
// ローカル開発（STORAGE_DRIVER=memory）とテストで使用する。
type MemoryUserRepo struct {
	mu         sync.RWMutex
	users      map[string]*model.User
	byProvider map[string]string // provider_user_id -> user id
}

// NewMemoryUserRepo はMemoryUserRepoを生成する。
func NewMemoryUserRepo() *MemoryUserRepo {
	return &MemoryUserRepo{
		users:      make(map[string]*model.User),
		byProvider: make(map[string]string),
	}
}

// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
func (r *MemoryUserRepo) FindByID(_ context.Context, id string) (*model.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	u, ok := r.users[id]
	if !ok {
		return nil, nil
	}
	copied := *u
	return &copied, nil
}

// FindByProviderUserID はSpotifyのユーザーIDでユーザーを検索する。見つからない場合はnilを返す。
func (r *MemoryUserRepo) FindByProviderUserID(_ context.Context, providerUserID string) (*model.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byProvider[providerUserID]
	if !ok {
		return nil, nil
	}
	copied := *r.users[id]
	return &copied, nil
}

// Create はユーザーを作成する。
func (r *MemoryUserRepo) Create(_ context.Context, user *model.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byProvider[user.ProviderUserID]; exists {
		return fmt.Errorf("user with spotify_id already exists: %w", ErrDuplicate)
	}
	if _, exists := r.users[user.ID]; exists {
		return fmt.Errorf("user id already exists: %w", ErrDuplicate)
	}

	copied := *user
	r.users[user.ID] = &copied
	r.byProvider[user.ProviderUserID] = user.ID
	return nil
}

// UpdateDisplayName はユーザーの表示名を更新する。
func (r *MemoryUserRepo) UpdateDisplayName(_ context.Context, id, displayName string, updatedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if u, ok := r.users[id]; ok {
		u.DisplayName = displayName
		u.UpdatedAt = updatedAt
	}
	return nil
}

// MemorySessionRepo はプロセス内メモリに保持するセッションリポジトリ。
// user_idの二次インデックスを持ち、DeleteByUserIDを全件走査なしで行う。
type MemorySessionRepo struct {
	mu       sync.RWMutex
	sessions map[string]*model.Session
	byUser   map[string]map[string]struct{}
}

// NewMemorySessionRepo はMemorySessionRepoを生成する。
func NewMemorySessionRepo() *MemorySessionRepo {
	return &MemorySessionRepo{
		sessions: make(map[string]*model.Session),
		byUser:   make(map[string]map[string]struct{}),
	}
}

// Create はセッションを作成する。
func (r *MemorySessionRepo) Create(_ context.Context, session *model.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[session.ID]; exists {
		return fmt.Errorf("session id already exists: %w", ErrDuplicate)
	}

	copied := *session
	r.sessions[session.ID] = &copied
	ids, ok := r.byUser[session.UserID]
	if !ok {
		ids = make(map[string]struct{})
		r.byUser[session.UserID] = ids
	}
	ids[session.ID] = struct{}{}
	return nil
}

// FindByID は指定IDのセッションを取得する。見つからない場合はnilを返す。
func (r *MemorySessionRepo) FindByID(_ context.Context, id string) (*model.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, nil
	}
	copied := *s
	return &copied, nil
}

// ExtendExpiry はセッションの有効期限を延長する。既存より短い期限は無視する。
func (r *MemorySessionRepo) ExtendExpiry(_ context.Context, id string, expiresAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[id]; ok && expiresAt.After(s.ExpiresAt) {
		s.ExpiresAt = expiresAt
	}
	return nil
}

// DeleteByID は指定IDのセッションを削除する。
func (r *MemorySessionRepo) DeleteByID(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.deleteLocked(id)
	return nil
}

// DeleteByUserID は指定ユーザーの全セッションを削除する。
func (r *MemorySessionRepo) DeleteByUserID(_ context.Context, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id := range r.byUser[userID] {
		delete(r.sessions, id)
	}
	delete(r.byUser, userID)
	return nil
}

// DeleteExpired は期限切れのセッションを一括削除する。
func (r *MemorySessionRepo) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for id, s := range r.sessions {
		if s.Expired(now) {
			r.deleteLocked(id)
			n++
		}
	}
	return n, nil
}

// Count は保持しているセッション数を返す。テスト用。
func (r *MemorySessionRepo) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *MemorySessionRepo) deleteLocked(id string) {
	s, ok := r.sessions[id]
	if !ok {
		return
	}
	delete(r.sessions, id)
	if ids, ok := r.byUser[s.UserID]; ok {
		delete(ids, id)
		if len(ids) == 0 {
			delete(r.byUser, s.UserID)
		}
	}
}

// compile-time interface check
var (
	_ UserRepository    = (*MemoryUserRepo)(nil)
	_ SessionRepository = (*MemorySessionRepo)(nil)
)
