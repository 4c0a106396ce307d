package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/hitoshi/festival/internal/model"
)

// PostgresSessionRepo はPostgreSQLを使用したセッションリポジトリ。
type PostgresSessionRepo struct {
	db *sql.DB
}

// NewPostgresSessionRepo はPostgresSessionRepoを生成する。
func NewPostgresSessionRepo(db *sql.DB) *PostgresSessionRepo {
	return &PostgresSessionRepo{db: db}
}

// Create はセッションを作成する。
func (r *PostgresSessionRepo) Create(ctx context.Context, session *model.Session) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO sessions (id, user_id, expires_at, created_at,
		                       encrypted_access_token, encrypted_refresh_token, access_token_expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		session.ID, session.UserID, session.ExpiresAt, session.CreatedAt,
		session.Attributes.EncryptedAccessToken,
		session.Attributes.EncryptedRefreshToken,
		session.Attributes.AccessTokenExpiresAt,
	)
	if err != nil {
		return &model.StorageError{Op: "create session", Err: err}
	}
	return nil
}

// FindByID は指定IDのセッションを取得する。見つからない場合はnilを返す。
// 期限切れのセッションもそのまま返す。
func (r *PostgresSessionRepo) FindByID(ctx context.Context, id string) (*model.Session, error) {
	session := &model.Session{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, user_id, expires_at, created_at,
		        encrypted_access_token, encrypted_refresh_token, access_token_expires_at
		 FROM sessions
		 WHERE id = $1`,
		id,
	).Scan(
		&session.ID, &session.UserID, &session.ExpiresAt, &session.CreatedAt,
		&session.Attributes.EncryptedAccessToken,
		&session.Attributes.EncryptedRefreshToken,
		&session.Attributes.AccessTokenExpiresAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, &model.StorageError{Op: "find session", Err: err}
	}

	return session, nil
}

// ExtendExpiry はセッションの有効期限を延長する。
// GREATESTにより、同時リクエストによる延長が既存の期限を短くすることはない。
func (r *PostgresSessionRepo) ExtendExpiry(ctx context.Context, id string, expiresAt time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE sessions SET expires_at = GREATEST(expires_at, $2) WHERE id = $1`,
		id, expiresAt,
	)
	if err != nil {
		return &model.StorageError{Op: "extend session", Err: err}
	}
	return nil
}

// DeleteByID は指定IDのセッションを削除する。
func (r *PostgresSessionRepo) DeleteByID(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE id = $1`,
		id,
	)
	if err != nil {
		return &model.StorageError{Op: "delete session", Err: err}
	}
	return nil
}

// DeleteByUserID は指定ユーザーの全セッションを削除する。
func (r *PostgresSessionRepo) DeleteByUserID(ctx context.Context, userID string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE user_id = $1`,
		userID,
	)
	if err != nil {
		return &model.StorageError{Op: "delete user sessions", Err: err}
	}
	return nil
}

// DeleteExpired は期限切れのセッションを一括削除する。
func (r *PostgresSessionRepo) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE expires_at <= $1`,
		now,
	)
	if err != nil {
		return 0, &model.StorageError{Op: "delete expired sessions", Err: err}
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, &model.StorageError{Op: "delete expired sessions", Err: err}
	}
	return n, nil
}

// compile-time interface check
var _ SessionRepository = (*PostgresSessionRepo)(nil)
