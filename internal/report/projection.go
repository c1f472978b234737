package report

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nao1215/carebridge/pkg/event"
	"github.com/nao1215/carebridge/pkg/logger"
)

// ErrRegistrationNotFound は登録が集計に含まれていないことを表す。
var ErrRegistrationNotFound = errors.New("登録が見つかりません")

// Registration は集計済みの患者登録。
type Registration struct {
	PatientID    string    `json:"patient_id"`
	EventID      string    `json:"event_id"`
	Name         string    `json:"name"`
	ChargeID     string    `json:"charge_id"`
	FeeCents     int64     `json:"fee_cents"`
	Currency     string    `json:"currency"`
	RegisteredAt time.Time `json:"registered_at"`
}

// DailyTotal は日付と通貨ごとの集計。
type DailyTotal struct {
	Day           string `json:"day"`
	Currency      string `json:"currency"`
	Registrations int64  `json:"registrations"`
	FeeCentsTotal int64  `json:"fee_cents_total"`
}

// Summary は集計全体。
type Summary struct {
	TotalRegistrations int64        `json:"total_registrations"`
	Daily              []DailyTotal `json:"daily"`
}

// Projection はイベントを集計テーブルに適用する。
type Projection struct {
	db  *sql.DB
	log *logrus.Entry
	now func() time.Time
}

// NewProjection は新しいProjectionを生成する。
func NewProjection(db *sql.DB, log *logger.Logger) (*Projection, error) {
	if err := initSchema(db); err != nil {
		return nil, err
	}
	return &Projection{db: db, log: log.Component("projection"), now: time.Now}, nil
}

// Apply はイベントを集計に適用する。eventbus.Handlerとして使用する。
// 更新はすべてtxを通して行い、台帳への記録と同時に確定する。
// 未知の種類のイベントは何もせずに受理する。
func (p *Projection) Apply(ctx context.Context, tx *sql.Tx, ev *event.Event) error {
	switch ev.Type {
	case event.TypePatientRegistered:
		return p.applyRegistered(ctx, tx, ev)
	default:
		p.log.WithFields(logrus.Fields{"event_id": ev.ID, "event_type": ev.Type}).Debug("集計対象外のイベントを無視しました")
		return nil
	}
}

func (p *Projection) applyRegistered(ctx context.Context, tx *sql.Tx, ev *event.Event) error {
	data, err := event.DecodeData[event.PatientRegisteredData](ev)
	if err != nil {
		return err
	}
	if data.PatientID == "" || data.Currency == "" {
		return fmt.Errorf("%w: patient_idとcurrencyは必須です", event.ErrMalformedEvent)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO patient_registrations
			(patient_id, event_id, name, charge_id, fee_cents, currency, registered_at, applied_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(patient_id) DO NOTHING`,
		data.PatientID, ev.ID, data.Name, data.ChargeID, data.FeeCents, data.Currency,
		data.RegisteredAt.UTC().Format(time.RFC3339Nano), p.now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("登録の記録に失敗: %w", err)
	}
	// 同じ患者の登録が別のイベントIDで届いても二重に集計しない。
	if n, _ := res.RowsAffected(); n == 0 {
		return nil
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO daily_registration_totals (day, currency, registrations, fee_cents_total)
		VALUES (?, ?, 1, ?)
		ON CONFLICT(day, currency) DO UPDATE SET
			registrations = registrations + 1,
			fee_cents_total = fee_cents_total + excluded.fee_cents_total`,
		data.RegisteredAt.UTC().Format(time.DateOnly), data.Currency, data.FeeCents,
	); err != nil {
		return fmt.Errorf("日次集計の更新に失敗: %w", err)
	}
	return nil
}

// Summary は集計を返す。
func (p *Projection) Summary(ctx context.Context) (*Summary, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT day, currency, registrations, fee_cents_total
		FROM daily_registration_totals ORDER BY day DESC, currency`)
	if err != nil {
		return nil, fmt.Errorf("集計の取得に失敗: %w", err)
	}
	defer rows.Close()

	s := &Summary{Daily: []DailyTotal{}}
	for rows.Next() {
		var d DailyTotal
		if err := rows.Scan(&d.Day, &d.Currency, &d.Registrations, &d.FeeCentsTotal); err != nil {
			return nil, fmt.Errorf("集計の読み取りに失敗: %w", err)
		}
		s.TotalRegistrations += d.Registrations
		s.Daily = append(s.Daily, d)
	}
	return s, rows.Err()
}

// Registration は患者の集計済み登録を返す。
func (p *Projection) Registration(ctx context.Context, patientID string) (*Registration, error) {
	var r Registration
	var registeredAt string
	err := p.db.QueryRowContext(ctx, `
		SELECT patient_id, event_id, name, charge_id, fee_cents, currency, registered_at
		FROM patient_registrations WHERE patient_id = ?`, patientID,
	).Scan(&r.PatientID, &r.EventID, &r.Name, &r.ChargeID, &r.FeeCents, &r.Currency, &registeredAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRegistrationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("登録の取得に失敗: %w", err)
	}
	r.RegisteredAt, _ = time.Parse(time.RFC3339Nano, registeredAt)
	return &r, nil
}
