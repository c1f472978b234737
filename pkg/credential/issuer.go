package credential

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/nao1215/carebridge/pkg/metrics"
	"golang.org/x/crypto/bcrypt"
)

// Subject は資格情報を発行できる登録済みサブジェクト。
type Subject struct {
	// ID はサブジェクトの識別子。
	ID string
	// SecretHash はシークレットのbcryptハッシュ。
	SecretHash []byte
	// Roles は付与可能なロール。
	Roles []string
}

// SubjectStore はサブジェクトの参照を提供する。
// 未登録の場合はErrSubjectNotFoundを返す。
type SubjectStore interface {
	Lookup(ctx context.Context, id string) (Subject, error)
}

// HashSecret はシークレットをbcryptでハッシュ化する。
func HashSecret(secret string) ([]byte, error) {
	return HashSecretWithCost(secret, bcrypt.DefaultCost)
}

// HashSecretWithCost はコストを指定してシークレットをハッシュ化する。テストで低コストを使う。
func HashSecretWithCost(secret string, cost int) ([]byte, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), cost)
	if err != nil {
		return nil, fmt.Errorf("シークレットのハッシュ化に失敗: %w", err)
	}
	return hash, nil
}

// Issuer はサブジェクトを認証して資格情報を発行する。
type Issuer struct {
	store  SubjectStore
	signer Signer
	ttl    time.Duration
	name   string
	now    func() time.Time
}

// NewIssuer は新しいIssuerを生成する。nameはトークンのiss主張に使う。
func NewIssuer(store SubjectStore, signer Signer, ttl time.Duration, name string) *Issuer {
	return &Issuer{
		store:  store,
		signer: signer,
		ttl:    ttl,
		name:   name,
		now:    time.Now,
	}
}

// Issue はサブジェクトのシークレットを照合し、期限付きの資格情報を発行する。
// rolesが空の場合は付与済みの全ロールを含める。付与されていないロールを
// 要求した場合やシークレットが一致しない場合はErrAuthenticationを返す。
func (i *Issuer) Issue(ctx context.Context, subject, secret string, roles []string) (Credential, error) {
	cred, err := i.issue(ctx, subject, secret, roles)
	if err != nil {
		metrics.CredentialsIssued.WithLabelValues("rejected").Inc()
		return Credential{}, err
	}
	metrics.CredentialsIssued.WithLabelValues("issued").Inc()
	return cred, nil
}

func (i *Issuer) issue(ctx context.Context, subject, secret string, roles []string) (Credential, error) {
	if subject == "" || secret == "" {
		return Credential{}, fmt.Errorf("%w: サブジェクトとシークレットは必須です", ErrAuthentication)
	}

	s, err := i.store.Lookup(ctx, subject)
	if err != nil {
		if errors.Is(err, ErrSubjectNotFound) {
			return Credential{}, fmt.Errorf("%w: %s", ErrAuthentication, subject)
		}
		return Credential{}, fmt.Errorf("サブジェクトの取得に失敗: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword(s.SecretHash, []byte(secret)); err != nil {
		return Credential{}, fmt.Errorf("%w: %s", ErrAuthentication, subject)
	}

	granted := slices.Clone(s.Roles)
	if len(roles) > 0 {
		for _, r := range roles {
			if !slices.Contains(s.Roles, r) {
				return Credential{}, fmt.Errorf("%w: ロール %q は付与されていません", ErrAuthentication, r)
			}
		}
		granted = slices.Clone(roles)
	}

	// トークンの時刻は秒精度で表現されるため、発行時刻も秒に揃える。
	now := i.now().UTC().Truncate(time.Second)
	claims := Claims{
		Subject:   s.ID,
		Roles:     granted,
		Issuer:    i.name,
		IssuedAt:  now,
		ExpiresAt: now.Add(i.ttl),
	}
	token, err := i.signer.Sign(claims)
	if err != nil {
		return Credential{}, err
	}
	return newCredential(claims, token), nil
}
