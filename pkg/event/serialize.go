package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrMalformedEvent はイベントとして解釈できないデータを表す。
var ErrMalformedEvent = errors.New("不正なイベント")

// New は新しいイベントを生成する。
// dataにはイベント固有のデータ構造体を渡す。JSON形式にシリアライズされる。
func New(partitionKey string, eventType Type, data any) (*Event, error) {
	if partitionKey == "" {
		return nil, fmt.Errorf("%w: パーティションキーが空です", ErrMalformedEvent)
	}
	jsonData, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("イベントデータのシリアライズに失敗: %w", err)
	}

	return &Event{
		ID:            uuid.New().String(),
		Type:          eventType,
		PartitionKey:  partitionKey,
		Payload:       jsonData,
		SchemaVersion: CurrentSchemaVersion,
		CreatedAt:     time.Now().UTC(),
	}, nil
}

// DecodeData はイベントのPayloadを指定された型にデシリアライズする。
func DecodeData[T any](e *Event) (*T, error) {
	var data T
	if err := json.Unmarshal(e.Payload, &data); err != nil {
		return nil, fmt.Errorf("イベントデータのデシリアライズに失敗: %w", err)
	}
	return &data, nil
}

// Encode はイベントをブローカーに載せるバイト列に変換する。
func Encode(e *Event) ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("イベントのシリアライズに失敗: %w", err)
	}
	return b, nil
}

// Decode はブローカーから受け取ったバイト列をイベントに変換する。
// 必須フィールドが欠けている場合や未対応のスキーマバージョンの場合はErrMalformedEventを返す。
func Decode(b []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	switch {
	case e.ID == "":
		return nil, fmt.Errorf("%w: IDが空です", ErrMalformedEvent)
	case e.Type == "":
		return nil, fmt.Errorf("%w: 種類が空です", ErrMalformedEvent)
	case e.PartitionKey == "":
		return nil, fmt.Errorf("%w: パーティションキーが空です", ErrMalformedEvent)
	case e.SchemaVersion < 1 || e.SchemaVersion > CurrentSchemaVersion:
		return nil, fmt.Errorf("%w: 未対応のスキーマバージョン %d", ErrMalformedEvent, e.SchemaVersion)
	}
	return &e, nil
}
