package eventbus

import (
	"context"
	"database/sql"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nao1215/carebridge/pkg/database"
	"github.com/nao1215/carebridge/pkg/event"
	"github.com/nao1215/carebridge/pkg/logger"
)

// testPayload はテスト用のイベントデータ。
type testPayload struct {
	Seq    int    `json:"seq"`
	Poison bool   `json:"poison"`
	Note   string `json:"note"`
}

// setupTestDB はマイグレーション済みのインメモリSQLiteを返す。
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := database.OpenSQLite(database.MemoryDSN)
	if err != nil {
		t.Fatalf("インメモリDBの作成に失敗: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := Migrate(context.Background(), db, logger.Discard()); err != nil {
		t.Fatalf("Migrate()でエラーが発生: %v", err)
	}
	return db
}

func newTestEvent(t *testing.T, key string, payload testPayload) *event.Event {
	t.Helper()
	ev, err := event.New(key, event.TypePatientRegistered, payload)
	if err != nil {
		t.Fatalf("event.New()でエラーが発生: %v", err)
	}
	return ev
}

// waitFor は条件が満たされるまで待つ。
func waitFor(t *testing.T, timeout time.Duration, msg string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("タイムアウト: %s", msg)
}

// flakyBroker は送信の失敗を切り替えられるBroker。
type flakyBroker struct {
	*MemoryBroker
	failing  atomic.Bool
	attempts atomic.Int32
}

func (b *flakyBroker) Publish(ctx context.Context, key string, value []byte) error {
	b.attempts.Add(1)
	if b.failing.Load() {
		return errors.New("ブローカー停止中")
	}
	return b.MemoryBroker.Publish(ctx, key, value)
}

// stuckBroker は受領を返さず、ctxが終わるまでブロックするBroker。
type stuckBroker struct {
	*MemoryBroker
}

func (b *stuckBroker) Publish(ctx context.Context, _ string, _ []byte) error {
	<-ctx.Done()
	return ctx.Err()
}

// failBufferInserts はpublish_bufferへの追加が失敗するトリガーを作る。
func failBufferInserts(t *testing.T, db *sql.DB) {
	t.Helper()
	if _, err := db.Exec(`
		CREATE TRIGGER fail_buffer_insert BEFORE INSERT ON publish_buffer
		BEGIN SELECT RAISE(ABORT, 'disk full'); END`); err != nil {
		t.Fatalf("トリガーの作成に失敗: %v", err)
	}
}

// seqsFor はブローカーに届いたキーのイベントのSeqを到着順に返す。
func seqsFor(t *testing.T, b *MemoryBroker, key string) []int {
	t.Helper()
	var seqs []int
	for _, rec := range b.Records(PartitionFor(key, b.Partitions())) {
		if rec.Key != key {
			continue
		}
		ev, err := event.Decode(rec.Value)
		if err != nil {
			t.Fatalf("event.Decode()でエラーが発生: %v", err)
		}
		data, err := event.DecodeData[testPayload](ev)
		if err != nil {
			t.Fatalf("DecodeData()でエラーが発生: %v", err)
		}
		seqs = append(seqs, data.Seq)
	}
	return seqs
}
