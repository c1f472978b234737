package credential

import (
	"errors"
	"slices"
	"time"
)

var (
	// ErrAuthentication はサブジェクトの認証に失敗したことを表す。
	ErrAuthentication = errors.New("認証に失敗しました")
	// ErrExpiredCredential は資格情報の有効期限が切れていることを表す。
	ErrExpiredCredential = errors.New("資格情報の有効期限が切れています")
	// ErrMalformedCredential は資格情報の署名または構造が不正であることを表す。
	ErrMalformedCredential = errors.New("資格情報が不正です")
	// ErrSubjectNotFound はサブジェクトが登録されていないことを表す。
	ErrSubjectNotFound = errors.New("サブジェクトが見つかりません")
)

// Claims は資格情報に含まれる主張。署名と検証の単位となる。
type Claims struct {
	// Subject はサブジェクトの識別子。
	Subject string
	// Roles は付与されたロール。
	Roles []string
	// Issuer は発行者名。
	Issuer string
	// IssuedAt は発行日時。
	IssuedAt time.Time
	// ExpiresAt は有効期限。
	ExpiresAt time.Time
}

// Credential は発行済みの資格情報。発行後に変更されることはない。
type Credential struct {
	subject   string
	roles     []string
	issuedAt  time.Time
	expiresAt time.Time
	token     string
}

// newCredential はClaimsと署名済みトークンから資格情報を組み立てる。
func newCredential(c Claims, token string) Credential {
	return Credential{
		subject:   c.Subject,
		roles:     slices.Clone(c.Roles),
		issuedAt:  c.IssuedAt,
		expiresAt: c.ExpiresAt,
		token:     token,
	}
}

// Subject はサブジェクトの識別子を返す。
func (c Credential) Subject() string { return c.subject }

// Roles はロールのコピーを返す。
func (c Credential) Roles() []string { return slices.Clone(c.roles) }

// IssuedAt は発行日時を返す。
func (c Credential) IssuedAt() time.Time { return c.issuedAt }

// ExpiresAt は有効期限を返す。
func (c Credential) ExpiresAt() time.Time { return c.expiresAt }

// Token はヘッダーで運搬するコンパクトな署名付きトークンを返す。
func (c Credential) Token() string { return c.token }

// Principal は検証済みの資格情報から得られる呼び出し元の情報。
type Principal struct {
	// Subject はサブジェクトの識別子。
	Subject string
	// Roles は付与されたロール。
	Roles []string
}

// HasRole は指定したロールを持つかどうかを返す。
func (p Principal) HasRole(role string) bool {
	return slices.Contains(p.Roles, role)
}
