package eventbus

import (
	"database/sql"
	"fmt"

	"github.com/nao1215/carebridge/pkg/config"
	"github.com/nao1215/carebridge/pkg/logger"
)

// NewBroker は設定に応じたブローカーを生成する。
// ブローカーのアドレスが無い場合、EVENT_IN_PROCESSが有効なときだけインメモリブローカーを使い、
// それ以外はErrBrokerNotConfiguredを返す。
func NewBroker(cfg config.EventConfig, clientID string, log *logger.Logger) (Broker, error) {
	if len(cfg.Brokers) == 0 {
		if !cfg.InProcess {
			return nil, fmt.Errorf("%w: EVENT_BROKERSを指定するか、単一プロセスで動かす場合はEVENT_IN_PROCESS=trueを指定してください",
				ErrBrokerNotConfigured)
		}
		log.Component("eventbus").WithField("client_id", clientID).
			Warn("インメモリブローカーを使用します。他のプロセスにはイベントが届きません")
		return NewMemoryBroker(cfg.Partitions), nil
	}
	return NewKafkaBroker(KafkaConfig{
		Brokers:    cfg.Brokers,
		Topic:      cfg.Topic,
		Partitions: cfg.Partitions,
		ClientID:   clientID,
	})
}

// NewDeadLetterSink はSQLiteのデッドレター保存先を生成する。
// RabbitMQのURLが設定されている場合はキューにも送る。
// 返された関数で外部接続を閉じる。
func NewDeadLetterSink(db *sql.DB, cfg config.EventConfig) (*SQLDeadLetterSink, DeadLetterSink, func() error, error) {
	local := NewSQLDeadLetterSink(db)
	if cfg.DeadLetterAMQPURL == "" {
		return local, local, func() error { return nil }, nil
	}
	remote, err := DialAMQPDeadLetterSink(cfg.DeadLetterAMQPURL, "")
	if err != nil {
		return nil, nil, nil, err
	}
	return local, TeeSink{local, remote}, remote.Close, nil
}
