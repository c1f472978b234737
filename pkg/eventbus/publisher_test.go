package eventbus

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"testing"
	"time"

	"github.com/nao1215/carebridge/pkg/logger"
)

func testPublisherConfig() PublisherConfig {
	return PublisherConfig{
		Lanes:          3,
		MaxRetries:     2,
		BaseBackoff:    time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		AttemptTimeout: time.Second,
		ReplayInterval: 10 * time.Millisecond,
	}
}

func TestPublisher_Ordering(t *testing.T) {
	t.Parallel()

	db := setupTestDB(t)
	broker := NewMemoryBroker(4)
	pub, err := NewPublisher(context.Background(), broker, db, testPublisherConfig(), logger.Discard())
	if err != nil {
		t.Fatalf("NewPublisher()でエラーが発生: %v", err)
	}
	defer pub.Close(context.Background())

	keys := []string{"patient-a", "patient-b", "patient-c", "patient-d", "patient-e"}
	const perKey = 20
	for seq := 0; seq < perKey; seq++ {
		for _, key := range keys {
			if err := pub.Publish(context.Background(), newTestEvent(t, key, testPayload{Seq: seq})); err != nil {
				t.Fatalf("Publish()でエラーが発生: %v", err)
			}
		}
	}

	want := make([]int, perKey)
	for i := range want {
		want[i] = i
	}
	for _, key := range keys {
		waitFor(t, 5*time.Second, key+"の全イベントが届く", func() bool {
			return len(seqsFor(t, broker, key)) == perKey
		})
		if got := seqsFor(t, broker, key); !slices.Equal(got, want) {
			t.Errorf("%sの到着順 = %v, want %v", key, got, want)
		}
	}
}

func TestPublisher_BufferAndReplay(t *testing.T) {
	t.Parallel()

	db := setupTestDB(t)
	broker := &flakyBroker{MemoryBroker: NewMemoryBroker(2)}
	broker.failing.Store(true)

	pub, err := NewPublisher(context.Background(), broker, db, testPublisherConfig(), logger.Discard())
	if err != nil {
		t.Fatalf("NewPublisher()でエラーが発生: %v", err)
	}
	defer pub.Close(context.Background())
	buffer := NewBuffer(db)

	for seq := 1; seq <= 3; seq++ {
		if err := pub.Publish(context.Background(), newTestEvent(t, "patient-x", testPayload{Seq: seq})); err != nil {
			t.Fatalf("ブローカー停止中でもPublish()はエラーを返さないはず: %v", err)
		}
	}

	n, err := buffer.Len(context.Background())
	if err != nil || n != 3 {
		t.Fatalf("buffer.Len() = %d, %v, want 3", n, err)
	}
	waitFor(t, 5*time.Second, "キーが退避される", func() bool { return pub.Parked() == 1 })
	if got := seqsFor(t, broker.MemoryBroker, "patient-x"); len(got) != 0 {
		t.Errorf("停止中にブローカーへ届いた: %v", got)
	}

	broker.failing.Store(false)
	waitFor(t, 5*time.Second, "バッファが再送される", func() bool {
		return len(seqsFor(t, broker.MemoryBroker, "patient-x")) == 3
	})
	if got := seqsFor(t, broker.MemoryBroker, "patient-x"); !slices.Equal(got, []int{1, 2, 3}) {
		t.Errorf("再送順 = %v, want [1 2 3]", got)
	}
	waitFor(t, 5*time.Second, "退避が解除される", func() bool { return pub.Parked() == 0 })

	if err := pub.Publish(context.Background(), newTestEvent(t, "patient-x", testPayload{Seq: 4})); err != nil {
		t.Fatalf("Publish()でエラーが発生: %v", err)
	}
	waitFor(t, 5*time.Second, "復旧後のイベントが届く", func() bool {
		return len(seqsFor(t, broker.MemoryBroker, "patient-x")) == 4
	})
	if got := seqsFor(t, broker.MemoryBroker, "patient-x"); !slices.Equal(got, []int{1, 2, 3, 4}) {
		t.Errorf("到着順 = %v, want [1 2 3 4]", got)
	}
	waitFor(t, 5*time.Second, "送信済みのイベントがバッファから消える", func() bool {
		n, err := buffer.Len(context.Background())
		return err == nil && n == 0
	})
}

func TestPublisher_ReloadsBufferOnStart(t *testing.T) {
	t.Parallel()

	db := setupTestDB(t)
	buffer := NewBuffer(db)
	for seq := 1; seq <= 2; seq++ {
		if _, err := buffer.Append(context.Background(), newTestEvent(t, "patient-r", testPayload{Seq: seq})); err != nil {
			t.Fatalf("Append()でエラーが発生: %v", err)
		}
	}

	broker := NewMemoryBroker(2)
	pub, err := NewPublisher(context.Background(), broker, db, testPublisherConfig(), logger.Discard())
	if err != nil {
		t.Fatalf("NewPublisher()でエラーが発生: %v", err)
	}
	defer pub.Close(context.Background())

	if err := pub.Publish(context.Background(), newTestEvent(t, "patient-r", testPayload{Seq: 3})); err != nil {
		t.Fatalf("Publish()でエラーが発生: %v", err)
	}
	waitFor(t, 5*time.Second, "バッファと新しいイベントが届く", func() bool {
		return len(seqsFor(t, broker, "patient-r")) == 3
	})
	if got := seqsFor(t, broker, "patient-r"); !slices.Equal(got, []int{1, 2, 3}) {
		t.Errorf("到着順 = %v, want [1 2 3]", got)
	}
}

func TestPublisher_SurvivesRestartBeforeAck(t *testing.T) {
	t.Parallel()

	db := setupTestDB(t)
	buffer := NewBuffer(db)
	stuck := &stuckBroker{MemoryBroker: NewMemoryBroker(2)}

	pub, err := NewPublisher(context.Background(), stuck, db, testPublisherConfig(), logger.Discard())
	if err != nil {
		t.Fatalf("NewPublisher()でエラーが発生: %v", err)
	}
	if err := pub.Publish(context.Background(), newTestEvent(t, "patient-s", testPayload{Seq: 1})); err != nil {
		t.Fatalf("Publish()でエラーが発生: %v", err)
	}
	// 受領前でもPublishが返った時点でバッファに残っている。
	n, err := buffer.Len(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("buffer.Len() = %d, %v, want 1", n, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := pub.Close(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Close() error = %v, want context.DeadlineExceeded", err)
	}
	if n, err := buffer.Len(context.Background()); err != nil || n != 1 {
		t.Fatalf("停止後のbuffer.Len() = %d, %v, want 1", n, err)
	}

	// 再起動後に送られる。
	broker := NewMemoryBroker(2)
	restarted, err := NewPublisher(context.Background(), broker, db, testPublisherConfig(), logger.Discard())
	if err != nil {
		t.Fatalf("NewPublisher()でエラーが発生: %v", err)
	}
	defer restarted.Close(context.Background())
	waitFor(t, 5*time.Second, "再起動後にイベントが届く", func() bool {
		return len(seqsFor(t, broker, "patient-s")) == 1
	})
	waitFor(t, 5*time.Second, "バッファが空になる", func() bool {
		n, err := buffer.Len(context.Background())
		return err == nil && n == 0
	})
}

func TestPublisher_BufferUnavailable(t *testing.T) {
	t.Parallel()

	t.Run("バッファに保存できなくても送信されること", func(t *testing.T) {
		t.Parallel()
		db := setupTestDB(t)
		failBufferInserts(t, db)
		broker := NewMemoryBroker(2)
		pub, err := NewPublisher(context.Background(), broker, db, testPublisherConfig(), logger.Discard())
		if err != nil {
			t.Fatalf("NewPublisher()でエラーが発生: %v", err)
		}
		defer pub.Close(context.Background())

		if err := pub.Publish(context.Background(), newTestEvent(t, "patient-b", testPayload{Seq: 1})); err != nil {
			t.Fatalf("Publish()でエラーが発生: %v", err)
		}
		waitFor(t, 5*time.Second, "イベントが届く", func() bool {
			return len(seqsFor(t, broker, "patient-b")) == 1
		})
	})

	t.Run("送信にも失敗した場合はバッファが復旧するまで保存を繰り返すこと", func(t *testing.T) {
		t.Parallel()
		db := setupTestDB(t)
		failBufferInserts(t, db)
		broker := &flakyBroker{MemoryBroker: NewMemoryBroker(2)}
		broker.failing.Store(true)
		pub, err := NewPublisher(context.Background(), broker, db, testPublisherConfig(), logger.Discard())
		if err != nil {
			t.Fatalf("NewPublisher()でエラーが発生: %v", err)
		}
		defer pub.Close(context.Background())

		if err := pub.Publish(context.Background(), newTestEvent(t, "patient-c", testPayload{Seq: 1})); err != nil {
			t.Fatalf("Publish()でエラーが発生: %v", err)
		}
		waitFor(t, 5*time.Second, "送信が試みられる", func() bool { return broker.attempts.Load() >= 3 })

		if _, err := db.Exec(`DROP TRIGGER fail_buffer_insert`); err != nil {
			t.Fatalf("トリガーの削除に失敗: %v", err)
		}
		buffer := NewBuffer(db)
		waitFor(t, 5*time.Second, "イベントがバッファに保存される", func() bool {
			n, err := buffer.Len(context.Background())
			return err == nil && n == 1
		})

		broker.failing.Store(false)
		waitFor(t, 5*time.Second, "バッファから再送される", func() bool {
			return len(seqsFor(t, broker.MemoryBroker, "patient-c")) == 1
		})
	})
}

func TestPublisher_Close(t *testing.T) {
	t.Parallel()

	t.Run("キューに残ったイベントを送り終えてから停止すること", func(t *testing.T) {
		t.Parallel()
		db := setupTestDB(t)
		broker := NewMemoryBroker(2)
		pub, err := NewPublisher(context.Background(), broker, db, testPublisherConfig(), logger.Discard())
		if err != nil {
			t.Fatalf("NewPublisher()でエラーが発生: %v", err)
		}

		for seq := 0; seq < 10; seq++ {
			_ = pub.Publish(context.Background(), newTestEvent(t, fmt.Sprintf("p-%d", seq), testPayload{Seq: seq}))
		}
		if err := pub.Close(context.Background()); err != nil {
			t.Fatalf("Close()でエラーが発生: %v", err)
		}

		total := 0
		for p := 0; p < broker.Partitions(); p++ {
			total += len(broker.Records(p))
		}
		if total != 10 {
			t.Errorf("届いたイベント数 = %d, want 10", total)
		}
	})

	t.Run("停止後のPublishはErrPublisherClosedを返すこと", func(t *testing.T) {
		t.Parallel()
		db := setupTestDB(t)
		pub, err := NewPublisher(context.Background(), NewMemoryBroker(1), db, testPublisherConfig(), logger.Discard())
		if err != nil {
			t.Fatalf("NewPublisher()でエラーが発生: %v", err)
		}
		_ = pub.Close(context.Background())

		err = pub.Publish(context.Background(), newTestEvent(t, "p", testPayload{}))
		if !errors.Is(err, ErrPublisherClosed) {
			t.Errorf("error = %v, want ErrPublisherClosed", err)
		}
	})
}
