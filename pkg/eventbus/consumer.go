package eventbus

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/nao1215/carebridge/pkg/event"
	"github.com/nao1215/carebridge/pkg/logger"
	"github.com/nao1215/carebridge/pkg/metrics"
)

// Handler はイベントを集約に適用する。
// txはLedgerのトランザクションで、同じデータベースへの更新はtxを通して行う。
type Handler func(ctx context.Context, tx *sql.Tx, ev *event.Event) error

// ConsumerConfig はConsumerの設定。
type ConsumerConfig struct {
	// MaxAttempts は1件のイベントを適用する最大試行回数。超えるとデッドレターに送る。
	MaxAttempts int
	// BaseBackoff は再試行間隔の初期値。
	BaseBackoff time.Duration
	// MaxBackoff は再試行間隔の上限。
	MaxBackoff time.Duration
	// ResubscribeDelay は購読が失敗したときに再購読するまでの待ち時間。
	ResubscribeDelay time.Duration
}

func (c *ConsumerConfig) applyDefaults() {
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 3
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 100 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 2 * time.Second
	}
	if c.ResubscribeDelay <= 0 {
		c.ResubscribeDelay = time.Second
	}
}

// Consumer はパーティションごとの逐次ループでイベントを適用する。
type Consumer struct {
	broker  Broker
	ledger  *Ledger
	sink    DeadLetterSink
	handler Handler
	cfg     ConsumerConfig
	log     *logrus.Entry
}

// NewConsumer は新しいConsumerを生成する。
func NewConsumer(broker Broker, ledger *Ledger, sink DeadLetterSink, handler Handler, cfg ConsumerConfig, log *logger.Logger) *Consumer {
	cfg.applyDefaults()
	return &Consumer{
		broker:  broker,
		ledger:  ledger,
		sink:    sink,
		handler: handler,
		cfg:     cfg,
		log:     log.Component("consumer").WithField("consumer_group", ledger.Group()),
	}
}

// Run はすべてのパーティションの購読ループを並行に実行し、ctxが終わるまでブロックする。
func (c *Consumer) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for p := 0; p < c.broker.Partitions(); p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.runPartition(ctx, p)
		}()
	}
	c.log.WithField("partitions", c.broker.Partitions()).Info("イベントの購読を開始しました")
	wg.Wait()
	c.log.Info("イベントの購読を停止しました")
	return ctx.Err()
}

// runPartition は1つのパーティションをチェックポイントから順に処理する。
// 購読が失敗した場合はチェックポイントから購読し直す。
func (c *Consumer) runPartition(ctx context.Context, partition int) {
	entry := c.log.WithField("partition", partition)
	for ctx.Err() == nil {
		err := c.consume(ctx, partition, entry)
		if err == nil || ctx.Err() != nil {
			return
		}
		entry.WithError(err).Warn("購読に失敗したため再購読します")
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.cfg.ResubscribeDelay):
		}
	}
}

func (c *Consumer) consume(ctx context.Context, partition int, entry *logrus.Entry) error {
	offset, err := c.ledger.NextOffset(ctx, partition)
	if err != nil {
		return err
	}
	sub, err := c.broker.Subscribe(ctx, partition, offset)
	if err != nil {
		return err
	}
	defer func() { _ = sub.Close() }()

	for {
		rec, err := sub.Next(ctx)
		if err != nil {
			return err
		}
		if err := c.handle(ctx, rec, entry); err != nil {
			return err
		}
	}
}

// handle は1件のレコードを処理する。
// 再試行とデッドレターの対象はハンドラのエラーのみ。
// 台帳への記録の失敗はエラーとして返し、チェックポイントから購読し直す。
func (c *Consumer) handle(ctx context.Context, rec Record, entry *logrus.Entry) error {
	entry = entry.WithField("offset", rec.Offset)

	ev, err := event.Decode(rec.Value)
	if err != nil {
		return c.deadLetter(ctx, rec, nil, 1, err, entry)
	}
	entry = entry.WithFields(logrus.Fields{"event_id": ev.ID, "event_type": ev.Type})

	attempts := 0
	var outcome Outcome
	operation := func() error {
		attempts++
		o, err := c.ledger.Apply(ctx, rec.Partition, rec.Offset, ev.ID, func(tx *sql.Tx) error {
			return c.handler(ctx, tx, ev)
		})
		if err != nil {
			if IsHandlerError(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		outcome = o
		return nil
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.BaseBackoff
	b.MaxInterval = c.cfg.MaxBackoff
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.cfg.MaxAttempts-1)), ctx)
	notify := func(err error, wait time.Duration) {
		entry.WithError(err).WithField("attempt", attempts).Warn("イベントの処理に失敗したため再試行します")
	}

	if err := backoff.RetryNotify(operation, policy, notify); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !IsHandlerError(err) {
			return fmt.Errorf("台帳への記録に失敗: %w", err)
		}
		return c.deadLetter(ctx, rec, ev, attempts, errors.Unwrap(err), entry)
	}

	metrics.EventsConsumed.WithLabelValues(string(outcome)).Inc()
	if outcome == OutcomeDuplicate {
		entry.Info("処理済みのイベントを読み飛ばしました")
	}
	return nil
}

// deadLetter はイベントをデッドレターに送り、処理済みとして記録する。
// 送り先が失敗した場合はctxが終わるまで再試行する。
func (c *Consumer) deadLetter(ctx context.Context, rec Record, ev *event.Event, attempts int, cause error, entry *logrus.Entry) error {
	dl := DeadLetter{
		Group:        c.ledger.Group(),
		PartitionKey: rec.Key,
		Partition:    rec.Partition,
		Offset:       rec.Offset,
		Payload:      rec.Value,
		Reason:       fmt.Errorf("%w: %w", ErrConsumerProcessing, cause).Error(),
		Attempts:     attempts,
		FailedAt:     time.Now().UTC(),
	}
	if ev != nil {
		dl.EventID = ev.ID
		dl.PartitionKey = ev.PartitionKey
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.BaseBackoff
	b.MaxInterval = c.cfg.MaxBackoff
	b.MaxElapsedTime = 0
	if err := backoff.RetryNotify(func() error {
		return c.sink.Send(ctx, dl)
	}, backoff.WithContext(b, ctx), func(err error, _ time.Duration) {
		entry.WithError(err).Warn("デッドレターの送信に失敗したため再試行します")
	}); err != nil {
		return err
	}

	if err := c.ledger.MarkDeadLettered(ctx, rec.Partition, rec.Offset, dl.EventID); err != nil {
		return err
	}
	metrics.EventsConsumed.WithLabelValues(string(OutcomeDeadLettered)).Inc()
	entry.WithField("attempts", attempts).WithError(cause).Error("イベントをデッドレターに送りました")
	return nil
}
