package eventbus

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/nao1215/carebridge/pkg/event"
	"github.com/nao1215/carebridge/pkg/logger"
	"github.com/nao1215/carebridge/pkg/metrics"
)

// PublisherConfig はPublisherの設定。
type PublisherConfig struct {
	// Lanes は並行に送信するレーン数。同じキーは常に同じレーンで送られる。
	Lanes int
	// MaxRetries は初回の後に行うリトライの最大回数。使い切るとバッファに保存する。
	MaxRetries int
	// BaseBackoff はリトライ間隔の初期値。
	BaseBackoff time.Duration
	// MaxBackoff はリトライ間隔の上限。
	MaxBackoff time.Duration
	// AttemptTimeout は1回の送信のタイムアウト。
	AttemptTimeout time.Duration
	// ReplayInterval はバッファの再送を試みる間隔。
	ReplayInterval time.Duration
}

func (c *PublisherConfig) applyDefaults() {
	if c.Lanes < 1 {
		c.Lanes = 4
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 100 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Second
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 5 * time.Second
	}
	if c.ReplayInterval <= 0 {
		c.ReplayInterval = 5 * time.Second
	}
}

// Publisher はイベントを非同期にブローカーへ送る。
//
// Publishはイベントをバッファに保存してから送信キューに積み、
// ブローカーが受領した時点でバッファから削除する。
// 送信に失敗したキーは「退避中」となり、後続のイベントも送信せずバッファに残す。
// 退避中のキーは定期的に保存順で再送され、すべて送れたら通常の送信に戻る。
type Publisher struct {
	broker Broker
	buffer *Buffer
	cfg    PublisherConfig
	log    *logrus.Entry
	lanes  []*lane

	// mu はclosedを保護する。Publishは読み取りロックを保持したままキューに積む。
	mu     sync.RWMutex
	closed bool

	parkedMu sync.Mutex
	parked   map[string]bool

	runCtx    context.Context
	runCancel context.CancelFunc
	done      chan struct{}
	wg        sync.WaitGroup
}

// lane は1つの送信レーン。キューに積まれたイベントを逐次送る。
// Seqが0のイベントはバッファに保存できず、メモリにのみ存在する。
type lane struct {
	mu    sync.Mutex
	queue []BufferedEvent
	wake  chan struct{}
}

// push はsaveで保存した連番とともにイベントを積む。
// 保存とキューへの追加を同じロックの中で行い、同じキーの保存順と送信順を揃える。
func (l *lane) push(ev *event.Event, save func(*event.Event) (int64, error)) error {
	l.mu.Lock()
	seq, err := save(ev)
	l.queue = append(l.queue, BufferedEvent{Seq: seq, Event: ev})
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
	return err
}

func (l *lane) pop() (BufferedEvent, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) == 0 {
		return BufferedEvent{}, false
	}
	be := l.queue[0]
	l.queue[0] = BufferedEvent{}
	l.queue = l.queue[1:]
	return be, true
}

// NewPublisher は新しいPublisherを生成し、送信レーンを起動する。
// バッファに残っているイベントのキーは退避中として読み込み、再送の対象にする。
func NewPublisher(ctx context.Context, broker Broker, db *sql.DB, cfg PublisherConfig, log *logger.Logger) (*Publisher, error) {
	cfg.applyDefaults()
	buffer := NewBuffer(db)
	keys, err := buffer.Keys(ctx)
	if err != nil {
		return nil, fmt.Errorf("バッファの読み込みに失敗: %w", err)
	}

	runCtx, runCancel := context.WithCancel(context.WithoutCancel(ctx))
	p := &Publisher{
		broker:    broker,
		buffer:    buffer,
		cfg:       cfg,
		log:       log.Component("publisher"),
		lanes:     make([]*lane, cfg.Lanes),
		parked:    make(map[string]bool, len(keys)),
		runCtx:    runCtx,
		runCancel: runCancel,
		done:      make(chan struct{}),
	}
	for _, k := range keys {
		p.parked[k] = true
	}
	if len(keys) > 0 {
		p.log.WithField("keys", len(keys)).Info("バッファに残っているイベントを再送対象として読み込みました")
	}

	for i := range p.lanes {
		p.lanes[i] = &lane{wake: make(chan struct{}, 1)}
		p.wg.Add(1)
		go p.runLane(i)
	}
	return p, nil
}

// Publish はイベントをバッファに保存して送信キューに積み、送信を待たずに返る。
// 業務処理のコミット後に呼び出す。送信の失敗は呼び出し元に返さない。
// 停止済みの場合のみErrPublisherClosedを返す。
//
// バッファへの保存に失敗した場合もイベントはキューに残し、
// 送信に失敗した時点で改めて保存を試みる。
func (p *Publisher) Publish(ctx context.Context, ev *event.Event) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPublisherClosed
	}
	save := func(ev *event.Event) (int64, error) {
		return p.buffer.Append(context.WithoutCancel(ctx), ev)
	}
	if err := p.lanes[p.laneFor(ev.PartitionKey)].push(ev, save); err != nil {
		p.log.WithError(err).WithField("event_id", ev.ID).Warn("イベントをバッファに保存できないままキューに積みました")
	}
	return nil
}

// Close は新しいイベントの受け付けを止め、キューに残ったイベントを送り終えるまで待つ。
// ctxが先に終わった場合は送信を打ち切る。送れなかったイベントはバッファに残り、次回の起動時に再送する。
func (p *Publisher) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		p.runCancel()
		return nil
	case <-ctx.Done():
		p.runCancel()
		<-finished
		return ctx.Err()
	}
}

// Parked は退避中のキー数を返す。
func (p *Publisher) Parked() int {
	p.parkedMu.Lock()
	defer p.parkedMu.Unlock()
	return len(p.parked)
}

func (p *Publisher) laneFor(key string) int {
	return PartitionFor(key, len(p.lanes))
}

func (p *Publisher) runLane(i int) {
	defer p.wg.Done()
	l := p.lanes[i]
	ticker := time.NewTicker(p.cfg.ReplayInterval)
	defer ticker.Stop()

	p.replay(i)
	for {
		for be, ok := l.pop(); ok; be, ok = l.pop() {
			p.process(be)
		}

		select {
		case <-p.done:
			// Close後は新しいイベントが積まれないので、残りを送り切って終了する
			for be, ok := l.pop(); ok; be, ok = l.pop() {
				p.process(be)
			}
			return
		default:
		}

		select {
		case <-l.wake:
		case <-ticker.C:
			p.replay(i)
		case <-p.done:
		}
	}
}

// process は1件のイベントを送り、受領されたらバッファから削除する。
// 退避中のキーのイベントはバッファに残したまま再送に任せる。
func (p *Publisher) process(be BufferedEvent) {
	ev := be.Event
	entry := p.log.WithFields(logrus.Fields{
		"event_id":      ev.ID,
		"event_type":    ev.Type,
		"partition_key": ev.PartitionKey,
	})
	ctx := context.WithoutCancel(p.runCtx)

	if p.isParked(ev.PartitionKey) {
		if be.Seq == 0 {
			p.store(entry, ev)
		}
		metrics.EventsBuffered.Inc()
		return
	}
	if be.Seq != 0 {
		// 退避中に再送済みのイベントは送らない。
		pending, err := p.buffer.Contains(ctx, be.Seq)
		if err != nil {
			entry.WithError(err).Warn("バッファを確認できないため再送に任せます")
			p.park(ev.PartitionKey)
			return
		}
		if !pending {
			return
		}
	}

	if err := p.deliver(ev); err != nil {
		entry.WithError(fmt.Errorf("%w: %w", ErrPublishFailure, err)).Warn("リトライを使い切ったためイベントをバッファに残して退避します")
		if be.Seq == 0 {
			p.store(entry, ev)
		}
		p.park(ev.PartitionKey)
		metrics.EventsBuffered.Inc()
		return
	}
	metrics.EventsPublished.Inc()
	entry.Debug("イベントを発行しました")

	if be.Seq != 0 {
		if err := p.buffer.Delete(ctx, be.Seq); err != nil {
			// 行が残ると再送で重複するが、購読側はイベントIDで重複を除く。
			entry.WithError(err).Error("送信済みイベントをバッファから削除できませんでした")
			p.park(ev.PartitionKey)
		}
	}
}

// deliver はバックオフ付きでイベントを送る。
func (p *Publisher) deliver(ev *event.Event) error {
	payload, err := event.Encode(ev)
	if err != nil {
		return backoff.Permanent(err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.cfg.BaseBackoff
	b.MaxInterval = p.cfg.MaxBackoff
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.cfg.MaxRetries)), p.runCtx)

	return backoff.Retry(func() error {
		return p.send(ev.PartitionKey, payload)
	}, policy)
}

func (p *Publisher) send(key string, payload []byte) error {
	ctx, cancel := context.WithTimeout(p.runCtx, p.cfg.AttemptTimeout)
	defer cancel()
	return p.broker.Publish(ctx, key, payload)
}

// store はメモリにのみあるイベントを、保存できるまでバックオフ付きで繰り返しバッファに保存する。
// 諦めるのはPublisherの停止が打ち切られた場合のみ。
func (p *Publisher) store(entry *logrus.Entry, ev *event.Event) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.cfg.BaseBackoff
	b.MaxInterval = p.cfg.MaxBackoff
	b.MaxElapsedTime = 0

	err := backoff.RetryNotify(func() error {
		_, err := p.buffer.Append(context.WithoutCancel(p.runCtx), ev)
		return err
	}, backoff.WithContext(b, p.runCtx), func(err error, _ time.Duration) {
		entry.WithError(err).Warn("イベントのバッファへの保存に失敗したため再試行します")
	})
	if err != nil {
		entry.WithError(err).Error("停止が打ち切られたためイベントをバッファに保存できませんでした")
	}
}

// replay はレーンiに属する退避中のキーについて、バッファのイベントを保存順に再送する。
// 途中で失敗したキーは退避中のまま残し、次の機会に続きから再送する。
func (p *Publisher) replay(i int) {
	ctx := context.WithoutCancel(p.runCtx)
	for _, key := range p.parkedKeys(i) {
		entry := p.log.WithField("partition_key", key)
		events, err := p.buffer.Load(ctx, key)
		if err != nil {
			entry.WithError(err).Error("バッファの読み込みに失敗")
			continue
		}

		drained := true
		for _, be := range events {
			payload, err := event.Encode(be.Event)
			if err == nil {
				err = p.send(key, payload)
			}
			if err != nil {
				entry.WithError(err).Debug("バッファからの再送に失敗")
				drained = false
				break
			}
			metrics.EventsPublished.Inc()
			if err := p.buffer.Delete(ctx, be.Seq); err != nil {
				entry.WithError(err).Error("送信済みイベントをバッファから削除できませんでした")
				drained = false
				break
			}
		}
		if drained {
			p.unpark(key)
			entry.WithField("events", len(events)).Info("バッファのイベントを再送しました")
		}
	}
}

func (p *Publisher) isParked(key string) bool {
	p.parkedMu.Lock()
	defer p.parkedMu.Unlock()
	return p.parked[key]
}

func (p *Publisher) park(key string) {
	p.parkedMu.Lock()
	defer p.parkedMu.Unlock()
	p.parked[key] = true
}

func (p *Publisher) unpark(key string) {
	p.parkedMu.Lock()
	defer p.parkedMu.Unlock()
	delete(p.parked, key)
}

func (p *Publisher) parkedKeys(i int) []string {
	p.parkedMu.Lock()
	defer p.parkedMu.Unlock()
	var keys []string
	for k := range p.parked {
		if p.laneFor(k) == i {
			keys = append(keys, k)
		}
	}
	return keys
}
