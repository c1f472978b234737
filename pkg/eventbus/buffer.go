package eventbus

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/nao1215/carebridge/pkg/event"
)

// BufferedEvent はバッファに保存されたイベント。
type BufferedEvent struct {
	// Seq は保存順の連番。
	Seq int64
	// Event は保存されたイベント。
	Event *event.Event
}

// Buffer はブローカーの受領を確認するまでイベントを保存するSQLiteのバッファ。
type Buffer struct {
	db *sql.DB
}

// NewBuffer は新しいBufferを生成する。テーブルはMigrateで作成しておく。
func NewBuffer(db *sql.DB) *Buffer {
	return &Buffer{db: db}
}

// Append はイベントを末尾に追加し、保存順の連番を返す。
func (b *Buffer) Append(ctx context.Context, ev *event.Event) (int64, error) {
	payload, err := event.Encode(ev)
	if err != nil {
		return 0, err
	}
	res, err := b.db.ExecContext(ctx,
		`INSERT INTO publish_buffer (event_id, partition_key, payload, buffered_at) VALUES (?, ?, ?, ?)`,
		ev.ID, ev.PartitionKey, payload, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("イベントのバッファへの保存に失敗: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("バッファの連番の取得に失敗: %w", err)
	}
	return seq, nil
}

// Contains は連番seqのイベントがまだバッファに残っているかを返す。
func (b *Buffer) Contains(ctx context.Context, seq int64) (bool, error) {
	var n int
	if err := b.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM publish_buffer WHERE seq = ?`, seq).Scan(&n); err != nil {
		return false, fmt.Errorf("バッファの確認に失敗: %w", err)
	}
	return n > 0, nil
}

// Keys はバッファにイベントが残っているパーティションキーを返す。
func (b *Buffer) Keys(ctx context.Context) ([]string, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT DISTINCT partition_key FROM publish_buffer ORDER BY partition_key`)
	if err != nil {
		return nil, fmt.Errorf("バッファのキー取得に失敗: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("バッファのキー取得に失敗: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Load はキーのイベントを保存順に返す。
func (b *Buffer) Load(ctx context.Context, key string) ([]BufferedEvent, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT seq, payload FROM publish_buffer WHERE partition_key = ? ORDER BY seq`, key)
	if err != nil {
		return nil, fmt.Errorf("バッファの読み込みに失敗: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []BufferedEvent
	for rows.Next() {
		var (
			seq     int64
			payload []byte
		)
		if err := rows.Scan(&seq, &payload); err != nil {
			return nil, fmt.Errorf("バッファの読み込みに失敗: %w", err)
		}
		ev, err := event.Decode(payload)
		if err != nil {
			return nil, fmt.Errorf("バッファ内のイベント(seq=%d)が壊れています: %w", seq, err)
		}
		events = append(events, BufferedEvent{Seq: seq, Event: ev})
	}
	return events, rows.Err()
}

// Delete は送信済みのイベントを削除する。
func (b *Buffer) Delete(ctx context.Context, seq int64) error {
	if _, err := b.db.ExecContext(ctx, `DELETE FROM publish_buffer WHERE seq = ?`, seq); err != nil {
		return fmt.Errorf("バッファからの削除に失敗: %w", err)
	}
	return nil
}

// Len はバッファ内のイベント数を返す。
func (b *Buffer) Len(ctx context.Context) (int, error) {
	var n int
	if err := b.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM publish_buffer`).Scan(&n); err != nil {
		return 0, fmt.Errorf("バッファの件数取得に失敗: %w", err)
	}
	return n, nil
}
