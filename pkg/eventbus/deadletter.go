package eventbus

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// DeadLetter は処理できなかったイベントの記録。
type DeadLetter struct {
	Group        string    `json:"consumer_group"`
	EventID      string    `json:"event_id"`
	PartitionKey string    `json:"partition_key"`
	Partition    int       `json:"partition"`
	Offset       int64     `json:"offset"`
	Payload      []byte    `json:"payload"`
	Reason       string    `json:"reason"`
	Attempts     int       `json:"attempts"`
	FailedAt     time.Time `json:"failed_at"`
}

// DeadLetterSink はデッドレターの送り先。
type DeadLetterSink interface {
	Send(ctx context.Context, dl DeadLetter) error
}

// SQLDeadLetterSink はデッドレターをSQLiteのテーブルに保存する。
// 同じレコードを複数回送っても1件として扱う。
type SQLDeadLetterSink struct {
	db *sql.DB
}

// NewSQLDeadLetterSink は新しいSQLDeadLetterSinkを生成する。テーブルはMigrateで作成しておく。
func NewSQLDeadLetterSink(db *sql.DB) *SQLDeadLetterSink {
	return &SQLDeadLetterSink{db: db}
}

// Send はデッドレターを保存する。
func (s *SQLDeadLetterSink) Send(ctx context.Context, dl DeadLetter) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO dead_letters
		 (consumer_group, event_id, partition_key, partition_num, record_offset, payload, reason, attempts, failed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		dl.Group, dl.EventID, dl.PartitionKey, dl.Partition, dl.Offset, dl.Payload, dl.Reason, dl.Attempts,
		dl.FailedAt.UTC().Format(time.RFC3339Nano),
	); err != nil {
		return fmt.Errorf("デッドレターの保存に失敗: %w", err)
	}
	return nil
}

// List は新しい順にデッドレターを返す。
func (s *SQLDeadLetterSink) List(ctx context.Context, limit int) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT consumer_group, event_id, partition_key, partition_num, record_offset, payload, reason, attempts, failed_at
		 FROM dead_letters ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("デッドレターの取得に失敗: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var letters []DeadLetter
	for rows.Next() {
		var (
			dl       DeadLetter
			failedAt string
		)
		if err := rows.Scan(&dl.Group, &dl.EventID, &dl.PartitionKey, &dl.Partition, &dl.Offset,
			&dl.Payload, &dl.Reason, &dl.Attempts, &failedAt); err != nil {
			return nil, fmt.Errorf("デッドレターの取得に失敗: %w", err)
		}
		dl.FailedAt, _ = time.Parse(time.RFC3339Nano, failedAt)
		letters = append(letters, dl)
	}
	return letters, rows.Err()
}

// AMQPDeadLetterSink はデッドレターをRabbitMQのキューに送る。
type AMQPDeadLetterSink struct {
	mu    sync.Mutex
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
}

// DialAMQPDeadLetterSink はRabbitMQに接続し、永続キューを宣言する。
func DialAMQPDeadLetterSink(url, queue string) (*AMQPDeadLetterSink, error) {
	if url == "" {
		return nil, errors.New("RabbitMQのURLが指定されていません")
	}
	if queue == "" {
		queue = "carebridge.dead-letters"
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("RabbitMQへの接続に失敗: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("RabbitMQのチャネル作成に失敗: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("デッドレターキューの宣言に失敗: %w", err)
	}
	return &AMQPDeadLetterSink{conn: conn, ch: ch, queue: queue}, nil
}

// Send はデッドレターをJSONとして永続メッセージで送る。
func (s *AMQPDeadLetterSink) Send(ctx context.Context, dl DeadLetter) error {
	body, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("デッドレターのシリアライズに失敗: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ch.PublishWithContext(ctx, "", s.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    dl.EventID,
		Timestamp:    dl.FailedAt,
		Headers: amqp.Table{
			"consumer_group": dl.Group,
			"partition":      int32(dl.Partition),
			"offset":         dl.Offset,
		},
		Body: body,
	}); err != nil {
		return fmt.Errorf("デッドレターの送信に失敗: %w", err)
	}
	return nil
}

// Close はチャネルと接続を閉じる。
func (s *AMQPDeadLetterSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return errors.Join(s.ch.Close(), s.conn.Close())
}

// TeeSink は複数の送り先すべてにデッドレターを送る。
// いずれかが失敗した場合はエラーを返し、呼び出し側がリトライする。
type TeeSink []DeadLetterSink

// Send はすべての送り先に送る。
func (t TeeSink) Send(ctx context.Context, dl DeadLetter) error {
	var errs []error
	for _, s := range t {
		if err := s.Send(ctx, dl); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
