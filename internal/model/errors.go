// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, provider, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeInvalidCallback  = "INVALID_CALLBACK"
	ErrCodeProviderRejected = "PROVIDER_REJECTED"
	ErrCodeUnauthorized     = "UNAUTHORIZED"
	ErrCodeForbiddenOrigin  = "FORBIDDEN_ORIGIN"
	ErrCodeRateLimited      = "RATE_LIMIT_EXCEEDED"
	ErrCodeReauthRequired   = "REAUTH_REQUIRED"
	ErrCodeUpstreamFailed   = "UPSTREAM_FAILED"
	ErrCodeInternal         = "INTERNAL_ERROR"
)

// ErrNotAuthenticated は有効なセッションが存在しないことを表す。
// 障害ではなく通常の状態であり、5xxとして扱ってはならない。
var ErrNotAuthenticated = errors.New("not authenticated")

// ValidationError はOAuthコールバックのパラメータ不備・不一致を表す。
// ユーザー起因のためHTTP 400として扱う。
type ValidationError struct {
	Reason string
}

// Error はerrorインターフェースを実装する。
func (e *ValidationError) Error() string {
	return "validation failed: " + e.Reason
}

// ProviderError はIdPが認可コードの交換を拒否したことを表す。
// invalid_grant、redirect_uri不一致などが該当し、HTTP 400として扱う。
type ProviderError struct {
	Code string // IdPが返したエラーコード（例: invalid_grant）
	Err  error
}

// Error はerrorインターフェースを実装する。
func (e *ProviderError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("provider rejected the request (%s): %v", e.Code, e.Err)
	}
	return fmt.Sprintf("provider rejected the request: %v", e.Err)
}

// Unwrap は元のエラーを返す。
func (e *ProviderError) Unwrap() error { return e.Err }

// CryptoError はトークンの暗号化・復号の失敗を表す。
// サーバー側の障害として扱い、鍵や平文をメッセージに含めてはならない。
type CryptoError struct {
	Op  string // "seal" または "unseal"
	Err error
}

// Error はerrorインターフェースを実装する。
func (e *CryptoError) Error() string {
	return fmt.Sprintf("token %s failed: %v", e.Op, e.Err)
}

// Unwrap は元のエラーを返す。
func (e *CryptoError) Unwrap() error { return e.Err }

// StorageError はバックエンドストアの利用不可・不整合を表す。
// このレイヤーではリトライせず、呼び出し側に判断を委ねる。
type StorageError struct {
	Op  string
	Err error
}

// Error はerrorインターフェースを実装する。
func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s failed: %v", e.Op, e.Err)
}

// Unwrap は元のエラーを返す。
func (e *StorageError) Unwrap() error { return e.Err }

// IsStorageError はエラーチェーンにStorageErrorが含まれるかを返す。
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

// NewInvalidCallbackError はコールバック検証失敗のAPIエラーを生成する。
func NewInvalidCallbackError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidCallback,
		Message:  "ログイン要求が無効か、有効期限が切れています。",
		Category: "validation",
		Action:   "もう一度Spotifyでサインインしてください。",
	}
}

// NewProviderRejectedError はIdPによる拒否のAPIエラーを生成する。
func NewProviderRejectedError() *APIError {
	return &APIError{
		Code:     ErrCodeProviderRejected,
		Message:  "Spotifyが認証要求を拒否しました。",
		Category: "provider",
		Action:   "もう一度Spotifyでサインインしてください。",
	}
}

// NewUnauthorizedError は未認証のAPIエラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "認証が必要です。",
		Category: "auth",
		Action:   "ログインしてください。",
	}
}

// NewForbiddenOriginError は許可されていないOriginからの状態変更リクエストのAPIエラーを生成する。
func NewForbiddenOriginError() *APIError {
	return &APIError{
		Code:     ErrCodeForbiddenOrigin,
		Message:  "このリクエストは許可されていません。",
		Category: "auth",
		Action:   "ページを再読み込みしてから再度お試しください。",
	}
}

// NewRateLimitedError はレート制限超過のAPIエラーを生成する。
func NewRateLimitedError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimited,
		Message:  "リクエストが多すぎます。",
		Category: "system",
		Action:   "Retry-Afterの秒数だけ待ってから再度お試しください。",
	}
}

// NewReauthRequiredError はSpotifyの認可が失効した場合のAPIエラーを生成する。
func NewReauthRequiredError() *APIError {
	return &APIError{
		Code:     ErrCodeReauthRequired,
		Message:  "Spotifyの認可が無効になりました。",
		Category: "provider",
		Action:   "サインアウトしてから、もう一度Spotifyでサインインしてください。",
	}
}

// NewUpstreamFailedError はSpotify Web APIの呼び出し失敗のAPIエラーを生成する。
func NewUpstreamFailedError() *APIError {
	return &APIError{
		Code:     ErrCodeUpstreamFailed,
		Message:  "Spotifyからデータを取得できませんでした。",
		Category: "provider",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewInternalError は内部エラーのAPIエラーを生成する。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}
