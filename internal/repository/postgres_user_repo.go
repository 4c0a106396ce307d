package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/festival/internal/model"
)

// pgUniqueViolation はPostgreSQLの一意制約違反のエラーコード。
const pgUniqueViolation = "23505"

// PostgresUserRepo はPostgreSQLを使用したユーザーリポジトリ。
type PostgresUserRepo struct {
	db *sql.DB
}

// NewPostgresUserRepo はPostgresUserRepoを生成する。
func NewPostgresUserRepo(db *sql.DB) *PostgresUserRepo {
	return &PostgresUserRepo{db: db}
}

// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
func (r *PostgresUserRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	user := &model.User{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, spotify_id, display_name, created_at, updated_at FROM users WHERE id = $1`,
		id,
	).Scan(&user.ID, &user.ProviderUserID, &user.DisplayName, &user.CreatedAt, &user.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, &model.StorageError{Op: "find user by id", Err: err}
	}

	return user, nil
}

// FindByProviderUserID はSpotifyのユーザーIDでユーザーを検索する。見つからない場合はnilを返す。
func (r *PostgresUserRepo) FindByProviderUserID(ctx context.Context, providerUserID string) (*model.User, error) {
	user := &model.User{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, spotify_id, display_name, created_at, updated_at FROM users WHERE spotify_id = $1`,
		providerUserID,
	).Scan(&user.ID, &user.ProviderUserID, &user.DisplayName, &user.CreatedAt, &user.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, &model.StorageError{Op: "find user by provider id", Err: err}
	}

	return user, nil
}

// Create はユーザーを作成する。
// spotify_idの一意制約に違反した場合はErrDuplicateを返す。
func (r *PostgresUserRepo) Create(ctx context.Context, user *model.User) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO users (id, spotify_id, display_name, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		user.ID, user.ProviderUserID, user.DisplayName, user.CreatedAt, user.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pgUniqueViolation {
			return fmt.Errorf("user with spotify_id already exists: %w", ErrDuplicate)
		}
		return &model.StorageError{Op: "create user", Err: err}
	}
	return nil
}

// UpdateDisplayName はユーザーの表示名を更新する。
func (r *PostgresUserRepo) UpdateDisplayName(ctx context.Context, id, displayName string, updatedAt time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE users SET display_name = $2, updated_at = $3 WHERE id = $1`,
		id, displayName, updatedAt,
	)
	if err != nil {
		return &model.StorageError{Op: "update user display name", Err: err}
	}
	return nil
}

// compile-time interface check
var _ UserRepository = (*PostgresUserRepo)(nil)
