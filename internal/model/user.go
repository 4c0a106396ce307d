// Package model はドメインモデルを定義する。
package model

import "time"

// User はSpotifyアカウントと紐付いたローカルユーザーを表す。
// 初回ログイン時に1度だけ作成され、このサービスから削除されることはない。
type User struct {
	ID             string
	ProviderUserID string // SpotifyのユーザーID。一意で、作成後は変更しない
	DisplayName    string // Spotifyの表示名。再ログイン時に更新される
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ProviderIdentity はIdPのユーザー情報エンドポイントから取得した本人情報。
type ProviderIdentity struct {
	ProviderUserID string
	DisplayName    string
}

// SessionAttributes はセッションに保存するプロバイダートークン情報。
// トークンは暗号化済みの状態でのみ保持する。
// 作成後は変更せず、再ログイン時にセッションごと置き換える。
type SessionAttributes struct {
	EncryptedAccessToken  string
	EncryptedRefreshToken string
	AccessTokenExpiresAt  time.Time // プロバイダー側のアクセストークン有効期限
}

// Session はCookieに発行したセッションIDと1対1で対応するサーバー側のレコード。
type Session struct {
	ID         string
	UserID     string
	ExpiresAt  time.Time
	CreatedAt  time.Time
	Attributes SessionAttributes
}

// Expired は指定時刻の時点でセッションが期限切れかどうかを返す。
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}
