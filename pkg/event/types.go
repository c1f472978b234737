package event

import (
	"encoding/json"
	"time"
)

// Type はイベントの種類を表す。
type Type string

const (
	// TypePatientRegistered は患者の登録と登録料の課金が完了したことを表す。
	TypePatientRegistered Type = "PatientRegistered"
)

// CurrentSchemaVersion は生成するイベントのスキーマバージョン。
const CurrentSchemaVersion = 1

// Event はサービス間で受け渡すドメインイベントを表す。
// 同じPartitionKeyを持つイベントは発行された順序で購読側に届く。
type Event struct {
	// ID はイベントの一意識別子（UUID）。購読側の重複排除に使用する。
	ID string `json:"id"`
	// Type はイベントの種類。
	Type Type `json:"type"`
	// PartitionKey は配送順序を保証する単位となるキー。通常は患者ID。
	PartitionKey string `json:"partition_key"`
	// Payload はイベント固有のデータ（JSON形式）。
	Payload json.RawMessage `json:"payload"`
	// SchemaVersion はPayloadのスキーマバージョン。
	SchemaVersion int `json:"schema_version"`
	// CreatedAt はイベントが作成された日時。
	CreatedAt time.Time `json:"created_at"`
}

// PatientRegisteredData はPatientRegisteredイベントのデータ。
type PatientRegisteredData struct {
	// PatientID は登録された患者のID。
	PatientID string `json:"patient_id"`
	// Name は患者名。
	Name string `json:"name"`
	// ChargeID は登録料の課金ID。
	ChargeID string `json:"charge_id"`
	// FeeCents は登録料（最小通貨単位）。
	FeeCents int64 `json:"fee_cents"`
	// Currency は通貨コード。
	Currency string `json:"currency"`
	// RegisteredAt は登録が確定した日時。
	RegisteredAt time.Time `json:"registered_at"`
}
