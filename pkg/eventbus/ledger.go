package eventbus

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Outcome はイベント1件の処理結果。
type Outcome string

const (
	// OutcomeApplied はハンドラが適用したことを表す。
	OutcomeApplied Outcome = "applied"
	// OutcomeDuplicate は処理済みのため読み飛ばしたことを表す。
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeDeadLettered はデッドレターに送ったことを表す。
	OutcomeDeadLettered Outcome = "dead_lettered"
)

// handlerError はハンドラが返したエラー。台帳自体の記録の失敗と区別する。
type handlerError struct {
	err error
}

func (e *handlerError) Error() string { return e.err.Error() }

func (e *handlerError) Unwrap() error { return e.err }

// IsHandlerError はerrがApplyに渡したハンドラのエラーかどうかを返す。
// falseの場合はトランザクションやチェックポイントなど台帳側の失敗。
func IsHandlerError(err error) bool {
	var h *handlerError
	return errors.As(err, &h)
}

// Ledger は購読側のチェックポイントと処理済みイベントIDを記録する。
// ハンドラの更新と記録を同じトランザクションで行う。
type Ledger struct {
	db    *sql.DB
	group string
}

// NewLedger は新しいLedgerを生成する。テーブルはMigrateで作成しておく。
func NewLedger(db *sql.DB, group string) *Ledger {
	return &Ledger{db: db, group: group}
}

// Group はコンシューマーグループ名を返す。
func (l *Ledger) Group() string {
	return l.group
}

// NextOffset はパーティションで次に読むべきオフセットを返す。未記録なら0。
func (l *Ledger) NextOffset(ctx context.Context, partition int) (int64, error) {
	var offset int64
	err := l.db.QueryRowContext(ctx,
		`SELECT next_offset FROM consumer_checkpoints WHERE consumer_group = ? AND partition_num = ?`,
		l.group, partition,
	).Scan(&offset)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("チェックポイントの取得に失敗: %w", err)
	}
	return offset, nil
}

// Apply はイベントをハンドラで適用し、イベントIDとチェックポイントを同じトランザクションで記録する。
// 処理済みのイベントIDであればハンドラを呼ばずにチェックポイントだけを進める。
// applyがエラーを返した場合は何も記録せず、IsHandlerErrorがtrueとなるエラーを返す。
func (l *Ledger) Apply(ctx context.Context, partition int, offset int64, eventID string, apply func(*sql.Tx) error) (Outcome, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("トランザクションの開始に失敗: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var n int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM processed_events WHERE consumer_group = ? AND event_id = ?`,
		l.group, eventID,
	).Scan(&n); err != nil {
		return "", fmt.Errorf("処理済みイベントの確認に失敗: %w", err)
	}

	outcome := OutcomeDuplicate
	if n == 0 {
		if err := apply(tx); err != nil {
			return "", &handlerError{err: err}
		}
		if err := l.recordEvent(ctx, tx, partition, offset, eventID, OutcomeApplied); err != nil {
			return "", err
		}
		outcome = OutcomeApplied
	}
	if err := l.advance(ctx, tx, partition, offset); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("トランザクションのコミットに失敗: %w", err)
	}
	return outcome, nil
}

// MarkDeadLettered はデッドレターに送ったイベントを処理済みとして記録し、チェックポイントを進める。
// デコードできずIDが分からないイベントはチェックポイントだけを進める。
func (l *Ledger) MarkDeadLettered(ctx context.Context, partition int, offset int64, eventID string) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクションの開始に失敗: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if eventID != "" {
		if err := l.recordEvent(ctx, tx, partition, offset, eventID, OutcomeDeadLettered); err != nil {
			return err
		}
	}
	if err := l.advance(ctx, tx, partition, offset); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("トランザクションのコミットに失敗: %w", err)
	}
	return nil
}

// IsProcessed はイベントIDが処理済みかどうかを返す。
func (l *Ledger) IsProcessed(ctx context.Context, eventID string) (bool, error) {
	var n int
	if err := l.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM processed_events WHERE consumer_group = ? AND event_id = ?`,
		l.group, eventID,
	).Scan(&n); err != nil {
		return false, fmt.Errorf("処理済みイベントの確認に失敗: %w", err)
	}
	return n > 0, nil
}

func (l *Ledger) recordEvent(ctx context.Context, tx *sql.Tx, partition int, offset int64, eventID string, outcome Outcome) error {
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO processed_events (consumer_group, event_id, partition_num, record_offset, outcome, processed_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		l.group, eventID, partition, offset, string(outcome), time.Now().UTC().Format(time.RFC3339Nano),
	); err != nil {
		return fmt.Errorf("処理済みイベントの記録に失敗: %w", err)
	}
	return nil
}

// advance はチェックポイントをoffsetの次に進める。後退はさせない。
func (l *Ledger) advance(ctx context.Context, tx *sql.Tx, partition int, offset int64) error {
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO consumer_checkpoints (consumer_group, partition_num, next_offset, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (consumer_group, partition_num) DO UPDATE
		 SET next_offset = excluded.next_offset, updated_at = excluded.updated_at
		 WHERE excluded.next_offset > consumer_checkpoints.next_offset`,
		l.group, partition, offset+1, time.Now().UTC().Format(time.RFC3339Nano),
	); err != nil {
		return fmt.Errorf("チェックポイントの更新に失敗: %w", err)
	}
	return nil
}
