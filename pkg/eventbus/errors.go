package eventbus

import "errors"

var (
	// ErrPublishFailure はブローカーへの送信がリトライ後も成功しなかったことを表す。
	// 呼び出し元の業務処理には返さず、ログとバッファへの保存のみを行う。
	ErrPublishFailure = errors.New("イベントの発行に失敗")
	// ErrConsumerProcessing はイベントの適用がリトライ後も成功しなかったことを表す。
	ErrConsumerProcessing = errors.New("イベントの処理に失敗")
	// ErrPublisherClosed は停止済みのPublisherに発行しようとしたことを表す。
	ErrPublisherClosed = errors.New("Publisherは停止しています")
	// ErrUnknownPartition は存在しないパーティションを指定したことを表す。
	ErrUnknownPartition = errors.New("存在しないパーティション")
	// ErrPartitionMismatch はトピックの実際のパーティション数が設定と異なることを表す。
	ErrPartitionMismatch = errors.New("パーティション数が一致しません")
	// ErrBrokerNotConfigured はブローカーのアドレスもインプロセス指定も無いことを表す。
	ErrBrokerNotConfigured = errors.New("イベントブローカーが設定されていません")
)
