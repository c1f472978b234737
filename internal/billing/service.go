package billing

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/nao1215/carebridge/pkg/billingrpc"
	"github.com/nao1215/carebridge/pkg/logger"
	"github.com/nao1215/carebridge/pkg/metrics"
)

// 課金の状態。
const (
	stateCaptured = "captured"
	stateVoided   = "voided"
)

// supportedCurrencies は受け付ける通貨コード。
var supportedCurrencies = map[string]bool{
	"JPY": true,
	"USD": true,
	"EUR": true,
}

// Service は課金と取消を冪等に処理する。
type Service struct {
	// db はSQLiteデータベース接続。
	db *sql.DB
	// log はコンポーネントロガー。
	log *logrus.Entry
	// now は現在時刻を返す。テストで差し替える。
	now func() time.Time
}

// NewService は新しいServiceを生成する。スキーマの初期化も行う。
func NewService(db *sql.DB, log *logger.Logger) (*Service, error) {
	if err := initSchema(db); err != nil {
		return nil, err
	}
	return &Service{
		db:  db,
		log: log.Component("billing"),
		now: func() time.Time { return time.Now().UTC() },
	}, nil
}

// Charge は課金を処理する。
// 同じ冪等キーの再送には最初の結果を返し、課金は1回しか行わない。
// 期限を過ぎたリクエストは処理せずにUNAVAILABLEを返す。
func (s *Service) Charge(ctx context.Context, req billingrpc.ChargeRequest) *billingrpc.Response {
	if resp := s.checkDeadline(req.Deadline); resp != nil {
		return resp
	}
	if req.IdempotencyKey == "" {
		return billingrpc.Rejected(billingrpc.CodeIdempotencyKeyMissing, "冪等キーが指定されていません")
	}
	ctx, cancel := withDeadline(ctx, req.Deadline)
	defer cancel()

	resp, err := s.charge(ctx, req)
	if err == nil {
		return resp
	}
	if isUniqueViolation(err) {
		// 同じキーの同時リクエストが先にコミットした
		replayed, rerr := s.replay(ctx, req)
		if rerr == nil {
			return replayed
		}
		err = rerr
	}
	return s.internalError(ctx, "課金処理に失敗", req.IdempotencyKey, err)
}

func (s *Service) charge(ctx context.Context, req billingrpc.ChargeRequest) (*billingrpc.Response, error) {
	hash := requestHash(req)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("トランザクションの開始に失敗: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stored, storedHash, found, err := findRecord(ctx, tx, req.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	if found {
		resp, err := s.replayRecord(ctx, tx, req.IdempotencyKey, hash, storedHash, stored)
		if err != nil {
			return nil, err
		}
		return resp, tx.Commit()
	}

	var resp *billingrpc.Response
	tombstoned, err := hasTombstone(ctx, tx, req.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	switch {
	case tombstoned:
		resp = billingrpc.Rejected(billingrpc.CodeChargeVoided, "この冪等キーの課金は取り消されています")
	case req.AmountCents <= 0:
		resp = billingrpc.Rejected(billingrpc.CodeInvalidAmount, "課金額は正の値である必要があります")
	case !supportedCurrencies[strings.ToUpper(req.Currency)]:
		resp = billingrpc.Rejected(billingrpc.CodeUnsupportedCurrency, fmt.Sprintf("未対応の通貨です: %q", req.Currency))
	default:
		result := &billingrpc.ChargeResult{
			ChargeID:    uuid.New().String(),
			PatientID:   req.PatientID,
			AmountCents: req.AmountCents,
			Currency:    strings.ToUpper(req.Currency),
			State:       stateCaptured,
			ProcessedAt: s.now(),
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO charges (id, idempotency_key, patient_id, amount_cents, currency, description, state, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			result.ChargeID, req.IdempotencyKey, result.PatientID, result.AmountCents, result.Currency,
			req.Description, result.State, result.ProcessedAt.Format(time.RFC3339Nano),
		); err != nil {
			return nil, fmt.Errorf("課金の保存に失敗: %w", err)
		}
		resp = billingrpc.OK(result)
	}

	encoded, err := billingrpc.Marshal(resp)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO idempotency_records (idempotency_key, request_hash, response, created_at) VALUES (?, ?, ?, ?)`,
		req.IdempotencyKey, hash, encoded, s.now().Format(time.RFC3339Nano),
	); err != nil {
		return nil, fmt.Errorf("冪等レコードの保存に失敗: %w", err)
	}

	// 呼び出し元が諦めた後に確定させない
	if resp := s.checkDeadline(req.Deadline); resp != nil {
		return resp, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("トランザクションのコミットに失敗: %w", err)
	}

	entry := s.log.WithFields(logrus.Fields{
		"idempotency_key": req.IdempotencyKey,
		"patient_id":      req.PatientID,
		"status":          resp.Status,
	})
	if resp.Error != nil {
		entry = entry.WithField("code", resp.Error.Code)
	}
	entry.Info("課金リクエストを処理")
	return resp, nil
}

// replay は保存済みの結果を読み直す。
func (s *Service) replay(ctx context.Context, req billingrpc.ChargeRequest) (*billingrpc.Response, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("トランザクションの開始に失敗: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stored, storedHash, found, err := findRecord(ctx, tx, req.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, errors.New("冪等レコードが見つかりません")
	}
	resp, err := s.replayRecord(ctx, tx, req.IdempotencyKey, requestHash(req), storedHash, stored)
	if err != nil {
		return nil, err
	}
	return resp, tx.Commit()
}

// replayRecord は保存済みレスポンスを再送用に組み立てる。
// 内容の異なるリクエストは拒否し、取消済みの課金はCHARGE_VOIDEDとして返す。
func (s *Service) replayRecord(ctx context.Context, tx *sql.Tx, key, hash, storedHash string, stored []byte) (*billingrpc.Response, error) {
	if hash != storedHash {
		s.log.WithField("idempotency_key", key).Warn("同じ冪等キーで異なる内容のリクエストを受信")
		return billingrpc.Rejected(billingrpc.CodeIdempotencyKeyReused, "冪等キーが異なる内容で再利用されました"), nil
	}

	var resp billingrpc.Response
	if err := billingrpc.Unmarshal(stored, &resp); err != nil {
		return nil, err
	}
	if resp.Status == billingrpc.StatusOK {
		voided, err := isChargeVoided(ctx, tx, key)
		if err != nil {
			return nil, err
		}
		if voided {
			return billingrpc.Rejected(billingrpc.CodeChargeVoided, "この冪等キーの課金は取り消されています"), nil
		}
	}

	metrics.RPCIdempotentReplays.Inc()
	s.log.WithField("idempotency_key", key).Info("保存済みの結果を返却")
	return &resp, nil
}

// Void は冪等キーで指定された課金を取り消す。
// 課金がまだ存在しない場合は取消を記録し、後から届いた課金を拒否する。
// 何度呼び出しても結果は変わらない。
func (s *Service) Void(ctx context.Context, req billingrpc.VoidRequest) *billingrpc.Response {
	if resp := s.checkDeadline(req.Deadline); resp != nil {
		return resp
	}
	if req.IdempotencyKey == "" {
		return billingrpc.Rejected(billingrpc.CodeIdempotencyKeyMissing, "冪等キーが指定されていません")
	}
	ctx, cancel := withDeadline(ctx, req.Deadline)
	defer cancel()

	resp, err := s.void(ctx, req)
	if err != nil {
		return s.internalError(ctx, "取消処理に失敗", req.IdempotencyKey, err)
	}
	return resp
}

func (s *Service) void(ctx context.Context, req billingrpc.VoidRequest) (*billingrpc.Response, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("トランザクションの開始に失敗: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := s.now()
	result, err := findCharge(ctx, tx, req.IdempotencyKey)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO void_tombstones (idempotency_key, reason, created_at) VALUES (?, ?, ?)`,
			req.IdempotencyKey, req.Reason, now.Format(time.RFC3339Nano),
		); err != nil {
			return nil, fmt.Errorf("取消記録の保存に失敗: %w", err)
		}
		result = &billingrpc.ChargeResult{State: stateVoided, ProcessedAt: now}
	case err != nil:
		return nil, err
	case result.State != stateVoided:
		if _, err := tx.ExecContext(ctx,
			`UPDATE charges SET state = ?, voided_at = ? WHERE idempotency_key = ?`,
			stateVoided, now.Format(time.RFC3339Nano), req.IdempotencyKey,
		); err != nil {
			return nil, fmt.Errorf("課金の取消に失敗: %w", err)
		}
		result.State = stateVoided
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("トランザクションのコミットに失敗: %w", err)
	}
	s.log.WithFields(logrus.Fields{
		"idempotency_key": req.IdempotencyKey,
		"charge_id":       result.ChargeID,
		"reason":          req.Reason,
	}).Info("課金を取消")
	return billingrpc.OK(result), nil
}

// GetCharge は課金IDで課金を取得する。
func (s *Service) GetCharge(ctx context.Context, id string) (*billingrpc.ChargeResult, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, patient_id, amount_cents, currency, state, created_at FROM charges WHERE id = ?`, id)
	return scanCharge(row)
}

// checkDeadline は期限切れのリクエストに対するレスポンスを返す。期限内ならnil。
func (s *Service) checkDeadline(deadline time.Time) *billingrpc.Response {
	if deadline.IsZero() || s.now().Before(deadline) {
		return nil
	}
	return billingrpc.Unavailable(billingrpc.CodeDeadlineExceeded, "リクエストの期限を過ぎています")
}

func (s *Service) internalError(ctx context.Context, msg, key string, err error) *billingrpc.Response {
	if ctx.Err() != nil {
		return billingrpc.Unavailable(billingrpc.CodeDeadlineExceeded, "リクエストがキャンセルされました")
	}
	s.log.WithError(err).WithField("idempotency_key", key).Error(msg)
	return billingrpc.Unavailable(billingrpc.CodeInternal, msg)
}

// withDeadline はリクエストの期限をコンテキストに反映する。
func withDeadline(ctx context.Context, deadline time.Time) (context.Context, context.CancelFunc) {
	if deadline.IsZero() {
		return context.WithCancel(ctx)
	}
	return context.WithDeadline(ctx, deadline)
}

// requestHash は課金内容を表すハッシュを計算する。期限は含めない。
func requestHash(req billingrpc.ChargeRequest) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s\x00%d\x00%s\x00%s",
		req.PatientID, req.AmountCents, strings.ToUpper(req.Currency), req.Description)))
	return hex.EncodeToString(sum[:])
}

func findRecord(ctx context.Context, tx *sql.Tx, key string) (response []byte, hash string, found bool, err error) {
	err = tx.QueryRowContext(ctx,
		`SELECT response, request_hash FROM idempotency_records WHERE idempotency_key = ?`, key,
	).Scan(&response, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, "", false, nil
	}
	if err != nil {
		return nil, "", false, fmt.Errorf("冪等レコードの取得に失敗: %w", err)
	}
	return response, hash, true, nil
}

func hasTombstone(ctx context.Context, tx *sql.Tx, key string) (bool, error) {
	var n int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM void_tombstones WHERE idempotency_key = ?`, key,
	).Scan(&n); err != nil {
		return false, fmt.Errorf("取消記録の取得に失敗: %w", err)
	}
	return n > 0, nil
}

func isChargeVoided(ctx context.Context, tx *sql.Tx, key string) (bool, error) {
	var n int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM charges WHERE idempotency_key = ? AND state = ?`, key, stateVoided,
	).Scan(&n); err != nil {
		return false, fmt.Errorf("課金状態の取得に失敗: %w", err)
	}
	return n > 0, nil
}

func findCharge(ctx context.Context, tx *sql.Tx, key string) (*billingrpc.ChargeResult, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT id, patient_id, amount_cents, currency, state, created_at FROM charges WHERE idempotency_key = ?`, key)
	return scanCharge(row)
}

func scanCharge(row *sql.Row) (*billingrpc.ChargeResult, error) {
	var (
		result    billingrpc.ChargeResult
		createdAt string
	)
	if err := row.Scan(&result.ChargeID, &result.PatientID, &result.AmountCents, &result.Currency, &result.State, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("課金の取得に失敗: %w", err)
	}
	processedAt, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("課金日時の解析に失敗: %w", err)
	}
	result.ProcessedAt = processedAt
	return &result, nil
}

// isUniqueViolation はerrが主キーまたはUNIQUE制約の違反かどうかを返す。
func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	switch sqliteErr.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	default:
		return false
	}
}
