// Package user はユーザー管理のドメインロジックを提供する。
package user

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/hitoshi/festival/internal/model"
	"github.com/hitoshi/festival/internal/repository"
	"github.com/hitoshi/festival/internal/security"
)

// Service はIdPの本人情報とローカルユーザーの紐付けを提供する。
type Service struct {
	userRepo  repository.UserRepository
	sanitizer security.DisplayNameSanitizer
	now       func() time.Time
	linkGroup singleflight.Group // 同一プロバイダーユーザーIDの同時紐付けを1回にまとめる
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(userRepo repository.UserRepository, sanitizer security.DisplayNameSanitizer) *Service {
	return &Service{
		userRepo:  userRepo,
		sanitizer: sanitizer,
		now:       time.Now,
	}
}

// Link はプロバイダーのユーザーIDに対応するローカルユーザーを返す。
// 未登録の場合は作成し、登録済みで表示名が変わっていれば更新する。
// 同一プロセス内の同時呼び出しは1回の処理にまとめる。
// 別プロセスとの競合で一意制約違反になった場合は、先に作成されたユーザーを読み直す。
func (s *Service) Link(ctx context.Context, identity *model.ProviderIdentity) (*model.User, error) {
	if identity == nil || identity.ProviderUserID == "" {
		return nil, fmt.Errorf("provider user id is required")
	}

	v, err, _ := s.linkGroup.Do(identity.ProviderUserID, func() (any, error) {
		return s.link(ctx, identity)
	})
	if err != nil {
		return nil, err
	}
	u := *v.(*model.User)
	return &u, nil
}

func (s *Service) link(ctx context.Context, identity *model.ProviderIdentity) (*model.User, error) {
	displayName := s.sanitizer.Sanitize(identity.DisplayName)

	existing, err := s.userRepo.FindByProviderUserID(ctx, identity.ProviderUserID)
	if err != nil {
		return nil, fmt.Errorf("ユーザーの検索に失敗しました: %w", err)
	}
	if existing != nil {
		return s.refreshDisplayName(ctx, existing, displayName)
	}

	now := s.now()
	created := &model.User{
		ID:             uuid.New().String(),
		ProviderUserID: identity.ProviderUserID,
		DisplayName:    displayName,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	err = s.userRepo.Create(ctx, created)
	if errors.Is(err, repository.ErrDuplicate) {
		winner, findErr := s.userRepo.FindByProviderUserID(ctx, identity.ProviderUserID)
		if findErr != nil {
			return nil, fmt.Errorf("ユーザーの再取得に失敗しました: %w", findErr)
		}
		if winner == nil {
			return nil, &model.StorageError{Op: "link user", Err: err}
		}
		return winner, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ユーザーの作成に失敗しました: %w", err)
	}

	slog.Info("新規ユーザーを作成しました",
		slog.String("user_id", created.ID),
	)
	return created, nil
}

// refreshDisplayName は表示名が変わっていれば更新する。
func (s *Service) refreshDisplayName(ctx context.Context, u *model.User, displayName string) (*model.User, error) {
	if displayName == "" || displayName == u.DisplayName {
		return u, nil
	}

	now := s.now()
	if err := s.userRepo.UpdateDisplayName(ctx, u.ID, displayName, now); err != nil {
		return nil, fmt.Errorf("表示名の更新に失敗しました: %w", err)
	}
	u.DisplayName = displayName
	u.UpdatedAt = now
	return u, nil
}

// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
func (s *Service) FindByID(ctx context.Context, id string) (*model.User, error) {
	return s.userRepo.FindByID(ctx, id)
}
