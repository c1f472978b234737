package credential

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Signer はClaimsに署名してトークン文字列を生成する。
type Signer interface {
	Sign(c Claims) (string, error)
}

// Verifier はトークン文字列の署名と有効期限を検証してClaimsを返す。
// 期限切れの場合はErrExpiredCredential、それ以外の不正はErrMalformedCredentialを返す。
type Verifier interface {
	Verify(token string, now time.Time) (Claims, error)
}

// tokenClaims はJWTのペイロード。
type tokenClaims struct {
	jwt.RegisteredClaims
	// Roles はサブジェクトのロール。
	Roles []string `json:"roles"`
}

// JWTKey はJWTによるSignerとVerifierの実装。
type JWTKey struct {
	method    jwt.SigningMethod
	signKey   any
	verifyKey any
}

var (
	_ Signer   = (*JWTKey)(nil)
	_ Verifier = (*JWTKey)(nil)
)

// NewHMACKey は共有シークレットによるHS256鍵を生成する。
func NewHMACKey(secret []byte) *JWTKey {
	return &JWTKey{
		method:    jwt.SigningMethodHS256,
		signKey:   secret,
		verifyKey: secret,
	}
}

// NewEd25519Key は秘密鍵からEdDSA鍵を生成する。署名と検証の両方に使える。
func NewEd25519Key(priv ed25519.PrivateKey) *JWTKey {
	return &JWTKey{
		method:    jwt.SigningMethodEdDSA,
		signKey:   priv,
		verifyKey: priv.Public(),
	}
}

// NewEd25519Verifier は公開鍵のみを持つ検証専用の鍵を生成する。
func NewEd25519Verifier(pub ed25519.PublicKey) *JWTKey {
	return &JWTKey{
		method:    jwt.SigningMethodEdDSA,
		verifyKey: pub,
	}
}

// Sign はClaimsをJWTとして署名する。
func (k *JWTKey) Sign(c Claims) (string, error) {
	if k.signKey == nil {
		return "", errors.New("署名鍵が設定されていません")
	}
	claims := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   c.Subject,
			Issuer:    c.Issuer,
			IssuedAt:  jwt.NewNumericDate(c.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(c.ExpiresAt),
		},
		Roles: c.Roles,
	}
	signed, err := jwt.NewWithClaims(k.method, claims).SignedString(k.signKey)
	if err != nil {
		return "", fmt.Errorf("JWTトークンの署名に失敗: %w", err)
	}
	return signed, nil
}

// Verify はJWTの署名・アルゴリズム・有効期限を検証する。
func (k *JWTKey) Verify(token string, now time.Time) (Claims, error) {
	claims := &tokenClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(_ *jwt.Token) (any, error) {
		return k.verifyKey, nil
	},
		jwt.WithValidMethods([]string{k.method.Alg()}),
		jwt.WithTimeFunc(func() time.Time { return now }),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, fmt.Errorf("%w: %v", ErrExpiredCredential, err)
		}
		return Claims{}, fmt.Errorf("%w: %v", ErrMalformedCredential, err)
	}
	if !parsed.Valid || claims.Subject == "" || claims.IssuedAt == nil {
		return Claims{}, fmt.Errorf("%w: 必須の主張が欠けています", ErrMalformedCredential)
	}

	return Claims{
		Subject:   claims.Subject,
		Roles:     claims.Roles,
		Issuer:    claims.Issuer,
		IssuedAt:  claims.IssuedAt.Time,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}
