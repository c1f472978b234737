package eventbus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
)

// kafkaMetadataTimeout は起動時のトピック確認の待ち時間。
const kafkaMetadataTimeout = 10 * time.Second

// KafkaConfig はKafkaBrokerの設定。
type KafkaConfig struct {
	// Brokers はシードブローカーのアドレス。
	Brokers []string
	// Topic はイベントを流すトピック。
	Topic string
	// Partitions はトピックのパーティション数。
	// 起動時にトピックのメタデータと照合し、一致しなければエラーとする。
	Partitions int
	// ClientID はKafkaに名乗るクライアントID。
	ClientID string
}

// KafkaBroker はKafkaトピックをBrokerとして扱う。
// レコードのキーにパーティションキーを設定するため、同じキーは同じパーティションに入る。
type KafkaBroker struct {
	cfg      KafkaConfig
	producer *kgo.Client
	opts     []kgo.Opt
}

// NewKafkaBroker は新しいKafkaBrokerを生成する。
// optsは生成するすべてのクライアントに追加で適用される。
// トピックが存在しない場合や、パーティション数が設定と異なる場合はエラーを返す。
func NewKafkaBroker(cfg KafkaConfig, opts ...kgo.Opt) (*KafkaBroker, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("Kafkaのブローカーが指定されていません")
	}
	if cfg.Topic == "" {
		return nil, errors.New("Kafkaのトピックが指定されていません")
	}
	if cfg.Partitions < 1 {
		return nil, fmt.Errorf("Kafkaのパーティション数が不正です: %d", cfg.Partitions)
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "carebridge"
	}

	base := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ClientID(cfg.ClientID),
	}
	base = append(base, opts...)

	producerOpts := append([]kgo.Opt{
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
	}, base...)
	producer, err := kgo.NewClient(producerOpts...)
	if err != nil {
		return nil, fmt.Errorf("Kafkaクライアントの生成に失敗: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), kafkaMetadataTimeout)
	defer cancel()
	if err := verifyTopic(ctx, producer, cfg.Topic, cfg.Partitions); err != nil {
		producer.Close()
		return nil, err
	}
	return &KafkaBroker{cfg: cfg, producer: producer, opts: base}, nil
}

// verifyTopic はトピックのメタデータを取得し、パーティション数を照合する。
func verifyTopic(ctx context.Context, cl *kgo.Client, topic string, partitions int) error {
	req := kmsg.NewPtrMetadataRequest()
	t := kmsg.NewMetadataRequestTopic()
	t.Topic = kmsg.StringPtr(topic)
	req.Topics = append(req.Topics, t)

	resp, err := req.RequestWith(ctx, cl)
	if err != nil {
		return fmt.Errorf("Kafkaのメタデータ取得に失敗: %w", err)
	}
	return checkTopicPartitions(resp, topic, partitions)
}

// checkTopicPartitions はメタデータ応答のパーティション数が設定と一致するかを確認する。
// 多すぎればどのConsumerも読まないパーティションが生まれ、少なすぎれば購読できない。
func checkTopicPartitions(resp *kmsg.MetadataResponse, topic string, partitions int) error {
	for _, rt := range resp.Topics {
		if rt.Topic == nil || *rt.Topic != topic {
			continue
		}
		if err := kerr.ErrorForCode(rt.ErrorCode); err != nil {
			return fmt.Errorf("Kafkaのトピック %s を確認できません: %w", topic, err)
		}
		if got := len(rt.Partitions); got != partitions {
			return fmt.Errorf("%w: トピック %s は%dパーティションですが、設定は%dです",
				ErrPartitionMismatch, topic, got, partitions)
		}
		return nil
	}
	return fmt.Errorf("Kafkaのトピック %s がメタデータに含まれていません", topic)
}

// Publish はレコードを同期的に送信し、ブローカーの確認応答を待つ。
func (b *KafkaBroker) Publish(ctx context.Context, key string, value []byte) error {
	res := b.producer.ProduceSync(ctx, &kgo.Record{Key: []byte(key), Value: value})
	if err := res.FirstErr(); err != nil {
		return fmt.Errorf("Kafkaへの送信に失敗: %w", err)
	}
	return nil
}

// Partitions はトピックのパーティション数を返す。
func (b *KafkaBroker) Partitions() int {
	return b.cfg.Partitions
}

// Subscribe はパーティションをoffsetから読むクライアントを生成する。
// コンシューマーグループは使わず、オフセットは呼び出し側のチェックポイントで管理する。
func (b *KafkaBroker) Subscribe(_ context.Context, partition int, offset int64) (Subscription, error) {
	if partition < 0 || partition >= b.cfg.Partitions {
		return nil, fmt.Errorf("%w: %d", ErrUnknownPartition, partition)
	}
	opts := append([]kgo.Opt{
		kgo.ConsumePartitions(map[string]map[int32]kgo.Offset{
			b.cfg.Topic: {int32(partition): kgo.NewOffset().At(offset)},
		}),
	}, b.opts...)
	cl, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("Kafkaコンシューマーの生成に失敗: %w", err)
	}
	return &kafkaSubscription{client: cl}, nil
}

// Close はプロデューサーを閉じる。
func (b *KafkaBroker) Close() error {
	b.producer.Close()
	return nil
}

type kafkaSubscription struct {
	client  *kgo.Client
	pending []Record
}

func (s *kafkaSubscription) Next(ctx context.Context) (Record, error) {
	for len(s.pending) == 0 {
		fetches := s.client.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return Record{}, errors.New("Kafkaコンシューマーは閉じられています")
		}
		if err := ctx.Err(); err != nil {
			return Record{}, err
		}
		var fetchErr error
		fetches.EachError(func(topic string, partition int32, err error) {
			if fetchErr == nil {
				fetchErr = fmt.Errorf("Kafkaからの取得に失敗 (topic=%s, partition=%d): %w", topic, partition, err)
			}
		})
		if fetchErr != nil {
			return Record{}, fetchErr
		}
		fetches.EachRecord(func(r *kgo.Record) {
			s.pending = append(s.pending, Record{
				Partition: int(r.Partition),
				Offset:    r.Offset,
				Key:       string(r.Key),
				Value:     r.Value,
			})
		})
	}
	rec := s.pending[0]
	s.pending = s.pending[1:]
	return rec, nil
}

func (s *kafkaSubscription) Close() error {
	s.client.Close()
	return nil
}
