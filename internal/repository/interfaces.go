// Package repository はデータ永続化のインターフェースを定義する。
//
// 実装はPostgreSQL版とインメモリ版の2種類を提供する。
// いずれの実装もバックエンドの失敗を*model.StorageErrorとして返す。
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/hitoshi/festival/internal/model"
)

// ErrDuplicate は一意制約違反（同一provider_user_idのユーザーが既に存在する等）を表す。
var ErrDuplicate = errors.New("duplicate record")

// UserRepository はユーザーデータの永続化インターフェース。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)

	// FindByProviderUserID はSpotifyのユーザーIDでユーザーを検索する。
	// 見つからない場合はnilを返す。
	FindByProviderUserID(ctx context.Context, providerUserID string) (*model.User, error)

	// Create はユーザーを作成する。
	// provider_user_idが既に存在する場合はErrDuplicateをラップしたエラーを返す。
	Create(ctx context.Context, user *model.User) error

	// UpdateDisplayName はユーザーの表示名を更新する。
	UpdateDisplayName(ctx context.Context, id, displayName string, updatedAt time.Time) error
}

// SessionRepository はセッションデータの永続化インターフェース。
// 行単位のアトミックな読み取り・削除はバックエンド側が保証する。
type SessionRepository interface {
	// Create はセッションを作成する。
	Create(ctx context.Context, session *model.Session) error

	// FindByID は指定IDのセッションを取得する。見つからない場合はnilを返す。
	// 期限切れの判定は呼び出し側（session.Store）が行う。
	FindByID(ctx context.Context, id string) (*model.Session, error)

	// ExtendExpiry はセッションの有効期限を延長する。
	// 既存の有効期限より短くなる更新は無視する（同時延長は後勝ちで安全）。
	ExtendExpiry(ctx context.Context, id string, expiresAt time.Time) error

	// DeleteByID は指定IDのセッションを削除する。存在しない場合もエラーにしない。
	DeleteByID(ctx context.Context, id string) error

	// DeleteByUserID は指定ユーザーの全セッションを削除する。
	DeleteByUserID(ctx context.Context, userID string) error

	// DeleteExpired はnow時点で期限切れのセッションを一括削除し、削除件数を返す。
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}
