package billingrpc

import (
	"errors"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

const (
	// PathCharge は課金メソッドのパス。
	PathCharge = "/rpc/billing.Charge"
	// PathVoid は課金取消メソッドのパス。
	PathVoid = "/rpc/billing.Void"
	// ContentType はワイヤフォーマットのContent-Type。
	ContentType = "application/x-msgpack"
)

// Status はレスポンスの状態。
type Status string

const (
	// StatusOK は処理が成功したことを表す。
	StatusOK Status = "OK"
	// StatusRejected は業務上の理由で拒否されたことを表す。リトライしても成功しない。
	StatusRejected Status = "REJECTED"
	// StatusUnavailable はサーバーが一時的に処理できないことを表す。リトライ対象。
	StatusUnavailable Status = "UNAVAILABLE"
)

// 拒否・失敗理由のコード。
const (
	CodeBadRequest            = "BAD_REQUEST"
	CodeInvalidAmount         = "INVALID_AMOUNT"
	CodeUnsupportedCurrency   = "UNSUPPORTED_CURRENCY"
	CodeIdempotencyKeyReused  = "IDEMPOTENCY_KEY_REUSED"
	CodeChargeVoided          = "CHARGE_VOIDED"
	CodeDeadlineExceeded      = "DEADLINE_EXCEEDED"
	CodeInternal              = "INTERNAL"
	CodeIdempotencyKeyMissing = "IDEMPOTENCY_KEY_MISSING"
)

// ChargeRequest は課金リクエスト。
type ChargeRequest struct {
	// IdempotencyKey は呼び出し側が生成した冪等キー。リトライ時も同じ値を使う。
	IdempotencyKey string `msgpack:"idempotency_key"`
	// PatientID は課金対象の患者ID。
	PatientID string `msgpack:"patient_id"`
	// AmountCents は課金額（最小通貨単位）。
	AmountCents int64 `msgpack:"amount_cents"`
	// Currency はISO 4217の通貨コード。
	Currency string `msgpack:"currency"`
	// Description は課金の説明。
	Description string `msgpack:"description"`
	// Deadline は呼び出し全体の期限。サーバーはこれを過ぎた処理を行わない。
	Deadline time.Time `msgpack:"deadline"`
}

// VoidRequest は課金取消リクエスト。冪等キーで対象の課金を指定する。
type VoidRequest struct {
	// IdempotencyKey は取り消す課金の冪等キー。
	IdempotencyKey string `msgpack:"idempotency_key"`
	// Reason は取消理由。
	Reason string `msgpack:"reason"`
	// Deadline は呼び出し全体の期限。
	Deadline time.Time `msgpack:"deadline"`
}

// ChargeResult は課金の結果。
type ChargeResult struct {
	// ChargeID は課金の識別子。
	ChargeID string `msgpack:"charge_id"`
	// PatientID は課金対象の患者ID。
	PatientID string `msgpack:"patient_id"`
	// AmountCents は課金額。
	AmountCents int64 `msgpack:"amount_cents"`
	// Currency は通貨コード。
	Currency string `msgpack:"currency"`
	// State は課金の状態（captured / voided）。
	State string `msgpack:"state"`
	// ProcessedAt は処理日時。
	ProcessedAt time.Time `msgpack:"processed_at"`
}

// RemoteError は構造化されたエラー情報。
type RemoteError struct {
	Code   string `msgpack:"code"`
	Reason string `msgpack:"reason"`
}

// Response は全メソッド共通のレスポンス。
type Response struct {
	Status Status        `msgpack:"status"`
	Result *ChargeResult `msgpack:"result,omitempty"`
	Error  *RemoteError  `msgpack:"error,omitempty"`
}

// OK は成功レスポンスを生成する。
func OK(result *ChargeResult) *Response {
	return &Response{Status: StatusOK, Result: result}
}

// Rejected は拒否レスポンスを生成する。
func Rejected(code, reason string) *Response {
	return &Response{Status: StatusRejected, Error: &RemoteError{Code: code, Reason: reason}}
}

// Unavailable は一時的な失敗のレスポンスを生成する。
func Unavailable(code, reason string) *Response {
	return &Response{Status: StatusUnavailable, Error: &RemoteError{Code: code, Reason: reason}}
}

// Marshal は値をワイヤフォーマットにエンコードする。
func Marshal(v any) ([]byte, error) {
	b, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("MessagePackのエンコードに失敗: %w", err)
	}
	return b, nil
}

// Unmarshal はワイヤフォーマットをデコードする。
func Unmarshal(data []byte, v any) error {
	if err := msgpack.Unmarshal(data, v); err != nil {
		return fmt.Errorf("MessagePackのデコードに失敗: %w", err)
	}
	return nil
}

var (
	// ErrRemoteUnavailable はリトライを使い切っても呼び出しが成功しなかったことを表す。
	ErrRemoteUnavailable = errors.New("課金サービスを利用できません")
	// ErrRemoteRejected は課金サービスが業務上の理由でリクエストを拒否したことを表す。
	ErrRemoteRejected = errors.New("課金サービスがリクエストを拒否しました")
)

// RejectedError は拒否の詳細を持つエラー。errors.Is(err, ErrRemoteRejected)が成り立つ。
type RejectedError struct {
	Code   string
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s: code=%s, reason=%s", ErrRemoteRejected, e.Code, e.Reason)
}

func (e *RejectedError) Unwrap() error { return ErrRemoteRejected }

// UnavailableError は試行回数と最後の失敗原因を持つエラー。
// errors.Is(err, ErrRemoteUnavailable)が成り立つ。
type UnavailableError struct {
	Attempts int
	Err      error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("%s: attempts=%d: %v", ErrRemoteUnavailable, e.Attempts, e.Err)
}

func (e *UnavailableError) Unwrap() []error { return []error{ErrRemoteUnavailable, e.Err} }
