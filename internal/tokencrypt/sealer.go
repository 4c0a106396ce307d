// Package tokencrypt はプロバイダートークンを保存用に暗号化・復号する。
//
// 暗号方式はXChaCha20-Poly1305（認証付き暗号）。Sealの呼び出しごとに
// 24バイトのランダムなnonceを生成し、暗号文の先頭に連結して保存する。
package tokencrypt

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/hitoshi/festival/internal/model"
)

// KeySize は暗号鍵のバイト長（256ビット）。
const KeySize = chacha20poly1305.KeySize

var (
	errMalformed = errors.New("sealed token is malformed")
	errAuth      = errors.New("message authentication failed")
)

// Sealer はトークンの暗号化と復号を行う。
// プロセス起動時に1度だけ生成し、以後は不変のまま共有する。並行利用可能。
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer は32バイトの鍵からSealerを生成する。
func NewSealer(key []byte) (*Sealer, error) {
	if len(key) != KeySize {
		return nil, &model.CryptoError{Op: "init", Err: fmt.Errorf("key must be %d bytes, got %d", KeySize, len(key))}
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, &model.CryptoError{Op: "init", Err: err}
	}
	return &Sealer{aead: aead}, nil
}

// NewSealerFromBase64 はbase64（標準またはURLセーフ）でエンコードされた鍵からSealerを生成する。
func NewSealerFromBase64(encoded string) (*Sealer, error) {
	key, err := DecodeKey(encoded)
	if err != nil {
		return nil, err
	}
	return NewSealer(key)
}

// DecodeKey はbase64文字列を鍵バイト列にデコードし、長さを検証する。
func DecodeKey(encoded string) ([]byte, error) {
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.URLEncoding, base64.RawStdEncoding, base64.RawURLEncoding} {
		key, err := enc.DecodeString(encoded)
		if err != nil {
			continue
		}
		if len(key) != KeySize {
			return nil, &model.CryptoError{Op: "init", Err: fmt.Errorf("key must be %d bytes, got %d", KeySize, len(key))}
		}
		return key, nil
	}
	return nil, &model.CryptoError{Op: "init", Err: errors.New("key is not valid base64")}
}

// Seal は平文を暗号化し、nonce||ciphertext||tag をbase64url（パディングなし）で返す。
func (s *Sealer) Seal(plaintext string) (string, error) {
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(plaintext)+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", &model.CryptoError{Op: "seal", Err: fmt.Errorf("failed to generate nonce: %w", err)}
	}

	sealed := s.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Unseal はSealの出力を復号する。
// 形式不正・認証タグ不一致はすべて*model.CryptoErrorとして返す。
func (s *Sealer) Unseal(sealed string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(sealed)
	if err != nil {
		return "", &model.CryptoError{Op: "unseal", Err: errMalformed}
	}

	nonceSize := s.aead.NonceSize()
	if len(raw) < nonceSize+s.aead.Overhead() {
		return "", &model.CryptoError{Op: "unseal", Err: errMalformed}
	}

	plaintext, err := s.aead.Open(nil, raw[:nonceSize], raw[nonceSize:], nil)
	if err != nil {
		// 元のエラーは情報を持たないため固定のエラーに置き換える
		return "", &model.CryptoError{Op: "unseal", Err: errAuth}
	}
	return string(plaintext), nil
}
