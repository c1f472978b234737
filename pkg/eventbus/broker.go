package eventbus

import (
	"context"
	"hash/fnv"
	"strings"
)

// Record はブローカー上の1件のメッセージ。
type Record struct {
	// Partition はメッセージが格納されたパーティション。
	Partition int
	// Offset はパーティション内の位置。
	Offset int64
	// Key はパーティションキー。
	Key string
	// Value はエンコード済みのイベント。
	Value []byte
}

// Subscription は1つのパーティションを指定オフセットから読み進める。
type Subscription interface {
	// Next は次のメッセージを返す。メッセージが届くまでブロックする。
	Next(ctx context.Context) (Record, error)
	// Close は購読を終了する。
	Close() error
}

// Broker はパーティション分割されたイベントストリーム。
// 同じキーのメッセージは同じパーティションに、発行された順に格納される。
type Broker interface {
	// Publish はキーに対応するパーティションにメッセージを追加する。
	Publish(ctx context.Context, key string, value []byte) error
	// Partitions はパーティション数を返す。
	Partitions() int
	// Subscribe は指定したパーティションをoffsetから購読する。
	Subscribe(ctx context.Context, partition int, offset int64) (Subscription, error)
	// Close はブローカーへの接続を閉じる。
	Close() error
}

// PartitionFor はキーからパーティション番号を決める。
func PartitionFor(key string, partitions int) int {
	if partitions <= 1 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(strings.TrimSpace(key)))
	return int(h.Sum64() % uint64(partitions))
}
