package patient

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Sagaの状態。
const (
	SagaStarted      = "started"
	SagaCompensating = "compensating"
	SagaCompleted    = "completed"
	SagaFailed       = "failed"
)

// ステップの状態。
const (
	StepExecuting = "executing"
	StepCompleted = "completed"
	StepFailed    = "failed"
)

// sagaTypeRegistration は患者登録Sagaの種別。
const sagaTypeRegistration = "patient_registration"

// Saga は登録Sagaの記録。
type Saga struct {
	ID          string     `json:"id"`
	SagaType    string     `json:"saga_type"`
	PatientID   string     `json:"patient_id"`
	CurrentStep string     `json:"current_step"`
	Status      string     `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Steps       []SagaStep `json:"steps"`
}

// SagaStep はSagaの1ステップの実行記録。
type SagaStep struct {
	ID          string          `json:"id"`
	StepName    string          `json:"step_name"`
	Status      string          `json:"status"`
	Result      json.RawMessage `json:"result"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// sagaLog はSagaとステップの進行をSQLiteに記録する。
type sagaLog struct {
	db  *sql.DB
	log *logrus.Entry
	now func() time.Time
}

// start は新しいSagaを開始する。
func (l *sagaLog) start(ctx context.Context, patientID, firstStep string, payload any) (string, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("Sagaペイロードのシリアライズに失敗: %w", err)
	}
	id := uuid.New().String()
	now := l.timestamp()
	if _, err := l.db.ExecContext(ctx, `
		INSERT INTO sagas (id, saga_type, patient_id, current_step, status, payload, started_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, sagaTypeRegistration, patientID, firstStep, SagaStarted, string(b), now, now,
	); err != nil {
		return "", fmt.Errorf("Sagaの作成に失敗: %w", err)
	}
	l.log.WithFields(logrus.Fields{"saga_id": id, "patient_id": patientID}).Info("登録Sagaを開始しました")
	return id, nil
}

// advance はSagaの現在のステップと状態を更新する。
func (l *sagaLog) advance(ctx context.Context, sagaID, step, status string) {
	if _, err := l.db.ExecContext(ctx,
		`UPDATE sagas SET current_step = ?, status = ?, updated_at = ? WHERE id = ?`,
		step, status, l.timestamp(), sagaID,
	); err != nil {
		l.log.WithError(err).WithField("saga_id", sagaID).Error("Sagaの更新に失敗しました")
	}
}

// finish はSagaを完了または失敗として閉じる。
func (l *sagaLog) finish(ctx context.Context, sagaID, status string) {
	now := l.timestamp()
	if _, err := l.db.ExecContext(ctx,
		`UPDATE sagas SET status = ?, updated_at = ?, completed_at = ? WHERE id = ?`,
		status, now, now, sagaID,
	); err != nil {
		l.log.WithError(err).WithField("saga_id", sagaID).Error("Sagaの終了記録に失敗しました")
		return
	}
	l.log.WithFields(logrus.Fields{"saga_id": sagaID, "status": status}).Info("登録Sagaを終了しました")
}

// executeStep はステップを実行し、開始と結果を記録する。actionのエラーはそのまま返す。
func (l *sagaLog) executeStep(ctx context.Context, sagaID, stepName string, action func() (any, error)) error {
	stepID := uuid.New().String()
	if _, err := l.db.ExecContext(ctx, `
		INSERT INTO saga_steps (id, saga_id, step_name, status, started_at)
		VALUES (?, ?, ?, ?, ?)`,
		stepID, sagaID, stepName, StepExecuting, l.timestamp(),
	); err != nil {
		l.log.WithError(err).WithField("step", stepName).Error("ステップの記録に失敗しました")
	}

	result, actionErr := action()
	status := StepCompleted
	if actionErr != nil {
		status = StepFailed
		result = map[string]string{"error": actionErr.Error()}
		l.log.WithError(actionErr).WithFields(logrus.Fields{"saga_id": sagaID, "step": stepName}).Warn("ステップの実行に失敗しました")
	}
	if result == nil {
		result = map[string]string{}
	}
	b, _ := json.Marshal(result)

	// 呼び出し元の期限が切れていても結果は記録する。
	if _, err := l.db.ExecContext(context.WithoutCancel(ctx),
		`UPDATE saga_steps SET status = ?, result = ?, completed_at = ? WHERE id = ?`,
		status, string(b), l.timestamp(), stepID,
	); err != nil {
		l.log.WithError(err).WithField("step", stepName).Error("ステップ結果の記録に失敗しました")
	}
	return actionErr
}

// get はSagaとステップ履歴を取得する。
func (l *sagaLog) get(ctx context.Context, patientID string) (*Saga, error) {
	var s Saga
	var startedAt, updatedAt string
	var completedAt sql.NullString
	err := l.db.QueryRowContext(ctx, `
		SELECT id, saga_type, patient_id, current_step, status, started_at, updated_at, completed_at
		FROM sagas WHERE patient_id = ? ORDER BY rowid DESC LIMIT 1`, patientID,
	).Scan(&s.ID, &s.SagaType, &s.PatientID, &s.CurrentStep, &s.Status, &startedAt, &updatedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPatientNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("Sagaの取得に失敗: %w", err)
	}
	s.StartedAt = parseTime(startedAt)
	s.UpdatedAt = parseTime(updatedAt)
	s.CompletedAt = parseNullTime(completedAt)

	rows, err := l.db.QueryContext(ctx, `
		SELECT id, step_name, status, result, started_at, completed_at
		FROM saga_steps WHERE saga_id = ? ORDER BY rowid`, s.ID)
	if err != nil {
		return nil, fmt.Errorf("ステップの取得に失敗: %w", err)
	}
	defer rows.Close()

	s.Steps = []SagaStep{}
	for rows.Next() {
		var (
			st           SagaStep
			result       string
			stepStarted  string
			stepFinished sql.NullString
		)
		if err := rows.Scan(&st.ID, &st.StepName, &st.Status, &result, &stepStarted, &stepFinished); err != nil {
			return nil, fmt.Errorf("ステップの読み取りに失敗: %w", err)
		}
		st.Result = json.RawMessage(result)
		st.StartedAt = parseTime(stepStarted)
		st.CompletedAt = parseNullTime(stepFinished)
		s.Steps = append(s.Steps, st)
	}
	return &s, rows.Err()
}

func (l *sagaLog) timestamp() string {
	return l.now().UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t := parseTime(s.String)
	return &t
}
