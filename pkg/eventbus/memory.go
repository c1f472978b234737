package eventbus

import (
	"context"
	"fmt"
	"sync"
)

// MemoryBroker はプロセス内で完結するBroker。
// テストと単一プロセスでの開発に使用する。
type MemoryBroker struct {
	mu         sync.Mutex
	partitions [][]Record
	// notify は新しいメッセージが追加されるたびに閉じて作り直す。
	notify chan struct{}
}

// NewMemoryBroker は指定したパーティション数のMemoryBrokerを生成する。
func NewMemoryBroker(partitions int) *MemoryBroker {
	if partitions < 1 {
		partitions = 1
	}
	return &MemoryBroker{
		partitions: make([][]Record, partitions),
		notify:     make(chan struct{}),
	}
}

// Publish はメッセージを追加する。
func (b *MemoryBroker) Publish(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p := PartitionFor(key, len(b.partitions))

	b.mu.Lock()
	defer b.mu.Unlock()
	b.partitions[p] = append(b.partitions[p], Record{
		Partition: p,
		Offset:    int64(len(b.partitions[p])),
		Key:       key,
		Value:     append([]byte(nil), value...),
	})
	close(b.notify)
	b.notify = make(chan struct{})
	return nil
}

// Partitions はパーティション数を返す。
func (b *MemoryBroker) Partitions() int {
	return len(b.partitions)
}

// Subscribe はパーティションをoffsetから購読する。
// 同じパーティションを何度でも購読でき、古いオフセットを指定すれば再配送になる。
func (b *MemoryBroker) Subscribe(_ context.Context, partition int, offset int64) (Subscription, error) {
	if partition < 0 || partition >= len(b.partitions) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownPartition, partition)
	}
	if offset < 0 {
		offset = 0
	}
	return &memorySubscription{broker: b, partition: partition, offset: offset}, nil
}

// Records はパーティションに格納されたメッセージのコピーを返す。
func (b *MemoryBroker) Records(partition int) []Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Record(nil), b.partitions[partition]...)
}

// Close は何もしない。
func (b *MemoryBroker) Close() error {
	return nil
}

type memorySubscription struct {
	broker    *MemoryBroker
	partition int
	offset    int64
}

func (s *memorySubscription) Next(ctx context.Context) (Record, error) {
	for {
		s.broker.mu.Lock()
		records := s.broker.partitions[s.partition]
		if s.offset < int64(len(records)) {
			rec := records[s.offset]
			s.offset++
			s.broker.mu.Unlock()
			return rec, nil
		}
		wait := s.broker.notify
		s.broker.mu.Unlock()

		select {
		case <-ctx.Done():
			return Record{}, ctx.Err()
		case <-wait:
		}
	}
}

func (s *memorySubscription) Close() error {
	return nil
}
