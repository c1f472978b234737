package credential

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/nao1215/carebridge/pkg/metrics"
)

// Validator は資格情報を検証する。Issuerを呼び出さず、検証鍵のみで判定する。
// 検証鍵はSetVerifierで原子的に差し替えられ、並行する検証を妨げない。
type Validator struct {
	verifier atomic.Pointer[verifierBox]
	now      func() time.Time
}

// verifierBox はatomic.PointerでVerifierを保持するための箱。
type verifierBox struct {
	v Verifier
}

// NewValidator は新しいValidatorを生成する。
func NewValidator(v Verifier) *Validator {
	val := &Validator{now: time.Now}
	val.SetVerifier(v)
	return val
}

// SetVerifier は検証鍵を差し替える。鍵のローテーション時に使用する。
func (val *Validator) SetVerifier(v Verifier) {
	val.verifier.Store(&verifierBox{v: v})
}

// Validate はトークンを検証し、呼び出し元の情報を返す。
func (val *Validator) Validate(token string) (Principal, error) {
	if token == "" {
		metrics.CredentialValidations.WithLabelValues("malformed").Inc()
		return Principal{}, ErrMalformedCredential
	}

	claims, err := val.verifier.Load().v.Verify(token, val.now())
	if err != nil {
		switch {
		case errors.Is(err, ErrExpiredCredential):
			metrics.CredentialValidations.WithLabelValues("expired").Inc()
		default:
			metrics.CredentialValidations.WithLabelValues("malformed").Inc()
		}
		return Principal{}, err
	}

	metrics.CredentialValidations.WithLabelValues("valid").Inc()
	return Principal{Subject: claims.Subject, Roles: claims.Roles}, nil
}
