package patient

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/nao1215/carebridge/pkg/billingrpc"
	"github.com/nao1215/carebridge/pkg/event"
	"github.com/nao1215/carebridge/pkg/logger"
)

// 患者の状態。
const (
	StatusPending  = "pending"
	StatusActive   = "active"
	StatusRejected = "rejected"
	StatusFailed   = "failed"
)

// 登録Sagaのステップ名。
const (
	stepChargeFee = "charge_registration_fee"
	stepVoidFee   = "void_registration_fee"
	stepPublish   = "publish_registered"
)

// compensationTimeout は取消RPCに与える時間。呼び出し元の期限とは独立させる。
const compensationTimeout = 5 * time.Second

var (
	// ErrPatientNotFound は患者が存在しないことを表す。
	ErrPatientNotFound = errors.New("患者が見つかりません")
	// ErrRegistrationRejected は課金サービスが登録料の課金を拒否したことを表す。
	ErrRegistrationRejected = errors.New("登録料の課金が拒否されました")
	// ErrBillingUnavailable は課金サービスが応答せず、登録を確定できなかったことを表す。
	ErrBillingUnavailable = errors.New("課金サービスを利用できません")
	// ErrRegistrationNotRecorded は課金後に登録を記録できず、課金を取り消したことを表す。
	ErrRegistrationNotRecorded = errors.New("登録を記録できなかったため課金を取り消しました")
)

// BillingClient は課金サービスの呼び出し。billingrpc.Clientが実装する。
type BillingClient interface {
	Charge(ctx context.Context, req billingrpc.ChargeRequest) (*billingrpc.ChargeResult, error)
	Void(ctx context.Context, req billingrpc.VoidRequest) (*billingrpc.ChargeResult, error)
}

// EventPublisher はイベントの非同期発行。eventbus.Publisherが実装する。
type EventPublisher interface {
	Publish(ctx context.Context, ev *event.Event) error
}

// Patient は患者の記録。
type Patient struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Status        string    `json:"status"`
	FeeCents      int64     `json:"registration_fee_cents"`
	Currency      string    `json:"currency"`
	ChargeID      string    `json:"charge_id,omitempty"`
	FailureReason string    `json:"failure_reason,omitempty"`
	RegisteredBy  string    `json:"registered_by,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// RegisterRequest は患者登録の入力。
type RegisterRequest struct {
	Name         string
	FeeCents     int64
	Currency     string
	RegisteredBy string
}

// Service は患者の登録と参照を行う。
type Service struct {
	db        *sql.DB
	billing   BillingClient
	publisher EventPublisher
	sagas     *sagaLog
	log       *logrus.Entry
	now       func() time.Time
}

// NewService は新しいServiceを生成する。
func NewService(db *sql.DB, billing BillingClient, publisher EventPublisher, log *logger.Logger) (*Service, error) {
	if err := initSchema(db); err != nil {
		return nil, err
	}
	entry := log.Component("registration")
	return &Service{
		db:        db,
		billing:   billing,
		publisher: publisher,
		sagas:     &sagaLog{db: db, log: entry, now: time.Now},
		log:       entry,
		now:       time.Now,
	}, nil
}

// IdempotencyKey は患者の登録料課金に使う冪等キーを返す。
func IdempotencyKey(patientID string) string {
	return "registration-" + patientID
}

// Register は患者を登録Sagaとして登録する。
//
// 課金に成功した場合のみ患者をactiveにしてPatientRegisteredを発行する。
// 拒否された場合はrejectedとしてErrRegistrationRejectedを返す。
// 課金サービスが応答しない場合は取消を試みてからfailedとし、ErrBillingUnavailableを返す。
// 課金後にactiveを記録できない場合も同様に取り消し、ErrRegistrationNotRecordedを返す。
// いずれの場合も記録済みの患者を返す。
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*Patient, error) {
	now := s.now().UTC()
	p := &Patient{
		ID:           uuid.New().String(),
		Name:         req.Name,
		Status:       StatusPending,
		FeeCents:     req.FeeCents,
		Currency:     strings.ToUpper(req.Currency),
		RegisteredBy: req.RegisteredBy,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.insert(ctx, p); err != nil {
		return nil, err
	}

	key := IdempotencyKey(p.ID)
	sagaID, err := s.sagas.start(ctx, p.ID, stepChargeFee, map[string]any{
		"patient_id":      p.ID,
		"idempotency_key": key,
		"fee_cents":       p.FeeCents,
		"currency":        p.Currency,
	})
	if err != nil {
		// 課金前なのでfailedにするだけでよい
		p.Status = StatusFailed
		p.FailureReason = err.Error()
		if uerr := s.updateStatus(context.WithoutCancel(ctx), p); uerr != nil {
			s.log.WithError(uerr).WithField("patient_id", p.ID).Error("患者をfailedにできませんでした")
		}
		return nil, err
	}

	var charge *billingrpc.ChargeResult
	chargeErr := s.sagas.executeStep(ctx, sagaID, stepChargeFee, func() (any, error) {
		res, err := s.billing.Charge(ctx, billingrpc.ChargeRequest{
			IdempotencyKey: key,
			PatientID:      p.ID,
			AmountCents:    p.FeeCents,
			Currency:       p.Currency,
			Description:    "患者登録料",
		})
		if err != nil {
			return nil, err
		}
		charge = res
		return map[string]string{"charge_id": res.ChargeID}, nil
	})

	var rejected *billingrpc.RejectedError
	switch {
	case chargeErr == nil:
		return s.complete(ctx, sagaID, p, key, charge)
	case errors.As(chargeErr, &rejected):
		return s.reject(ctx, sagaID, p, rejected)
	default:
		return s.compensate(ctx, sagaID, p, key, ErrBillingUnavailable, chargeErr)
	}
}

// complete は課金済みの患者を確定し、イベントを発行する。
// 確定を記録できなければ課金を取り消す。
func (s *Service) complete(ctx context.Context, sagaID string, p *Patient, key string, charge *billingrpc.ChargeResult) (*Patient, error) {
	// 課金は確定しているため、呼び出し元の期限が切れていても記録する。
	ctx = context.WithoutCancel(ctx)
	p.Status = StatusActive
	p.ChargeID = charge.ChargeID
	if err := s.updateStatus(ctx, p); err != nil {
		return s.compensate(ctx, sagaID, p, key, ErrRegistrationNotRecorded, err)
	}

	// 発行の失敗はPublisherが記録・再送するため、登録の結果には影響しない。
	_ = s.sagas.executeStep(ctx, sagaID, stepPublish, func() (any, error) {
		ev, err := event.New(p.ID, event.TypePatientRegistered, event.PatientRegisteredData{
			PatientID:    p.ID,
			Name:         p.Name,
			ChargeID:     p.ChargeID,
			FeeCents:     p.FeeCents,
			Currency:     p.Currency,
			RegisteredAt: p.UpdatedAt,
		})
		if err != nil {
			return nil, err
		}
		if err := s.publisher.Publish(ctx, ev); err != nil {
			return nil, err
		}
		return map[string]string{"event_id": ev.ID}, nil
	})
	s.sagas.finish(ctx, sagaID, SagaCompleted)
	return p, nil
}

// reject は課金を拒否された患者をrejectedとして記録する。
func (s *Service) reject(ctx context.Context, sagaID string, p *Patient, rejected *billingrpc.RejectedError) (*Patient, error) {
	ctx = context.WithoutCancel(ctx)
	p.Status = StatusRejected
	p.FailureReason = fmt.Sprintf("%s: %s", rejected.Code, rejected.Reason)
	if err := s.updateStatus(ctx, p); err != nil {
		return nil, err
	}
	s.sagas.finish(ctx, sagaID, SagaFailed)
	return p, fmt.Errorf("%w: %s", ErrRegistrationRejected, p.FailureReason)
}

// compensate は課金を取り消すべき患者について取消を試み、failedとして記録する。
// 取消の失敗は記録するのみで、患者の状態には影響しない。返すエラーはkindとcauseの両方をラップする。
func (s *Service) compensate(ctx context.Context, sagaID string, p *Patient, key string, kind, cause error) (*Patient, error) {
	// 呼び出し元の期限が切れていても記録と補償は行う。
	detached := context.WithoutCancel(ctx)
	s.sagas.advance(detached, sagaID, stepVoidFee, SagaCompensating)

	voidCtx, cancel := context.WithTimeout(detached, compensationTimeout)
	defer cancel()
	if err := s.sagas.executeStep(voidCtx, sagaID, stepVoidFee, func() (any, error) {
		res, err := s.billing.Void(voidCtx, billingrpc.VoidRequest{
			IdempotencyKey: key,
			Reason:         "登録を確定できなかったため",
		})
		if err != nil {
			return nil, err
		}
		return map[string]string{"state": res.State}, nil
	}); err != nil {
		s.log.WithError(err).WithField("patient_id", p.ID).Warn("登録料の取消に失敗しました")
	}

	p.Status = StatusFailed
	p.FailureReason = cause.Error()
	if err := s.updateStatus(detached, p); err != nil {
		return nil, err
	}
	s.sagas.finish(detached, sagaID, SagaFailed)
	return p, fmt.Errorf("%w: %w", kind, cause)
}

// Get はIDで患者を取得する。
func (s *Service) Get(ctx context.Context, id string) (*Patient, error) {
	var p Patient
	var createdAt, updatedAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, status, fee_cents, currency, charge_id, failure_reason, registered_by, created_at, updated_at
		FROM patients WHERE id = ?`, id,
	).Scan(&p.ID, &p.Name, &p.Status, &p.FeeCents, &p.Currency, &p.ChargeID, &p.FailureReason, &p.RegisteredBy, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPatientNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("患者の取得に失敗: %w", err)
	}
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	return &p, nil
}

// Saga は患者の登録Sagaをステップ履歴付きで取得する。
func (s *Service) Saga(ctx context.Context, patientID string) (*Saga, error) {
	return s.sagas.get(ctx, patientID)
}

func (s *Service) insert(ctx context.Context, p *Patient) error {
	ts := p.CreatedAt.Format(time.RFC3339Nano)
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO patients (id, name, status, fee_cents, currency, registered_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.Status, p.FeeCents, p.Currency, p.RegisteredBy, ts, ts,
	); err != nil {
		return fmt.Errorf("患者の作成に失敗: %w", err)
	}
	return nil
}

func (s *Service) updateStatus(ctx context.Context, p *Patient) error {
	p.UpdatedAt = s.now().UTC()
	if _, err := s.db.ExecContext(ctx, `
		UPDATE patients SET status = ?, charge_id = ?, failure_reason = ?, updated_at = ?
		WHERE id = ?`,
		p.Status, p.ChargeID, p.FailureReason, p.UpdatedAt.Format(time.RFC3339Nano), p.ID,
	); err != nil {
		return fmt.Errorf("患者の状態更新に失敗: %w", err)
	}
	return nil
}
