package billing

import (
	"database/sql"
	"fmt"
)

// スキーマ定義。
const schema = `
CREATE TABLE IF NOT EXISTS charges (
    -- 課金の一意識別子
    id TEXT PRIMARY KEY,
    -- 呼び出し側が指定した冪等キー
    idempotency_key TEXT NOT NULL UNIQUE,
    -- 課金対象の患者ID
    patient_id TEXT NOT NULL,
    -- 課金額（最小通貨単位）
    amount_cents INTEGER NOT NULL,
    -- 通貨コード
    currency TEXT NOT NULL,
    -- 課金の説明
    description TEXT NOT NULL DEFAULT '',
    -- 状態（captured / voided）
    state TEXT NOT NULL,
    -- 処理日時
    created_at DATETIME NOT NULL,
    -- 取消日時
    voided_at DATETIME
);

CREATE TABLE IF NOT EXISTS idempotency_records (
    -- 冪等キー
    idempotency_key TEXT PRIMARY KEY,
    -- リクエスト内容のハッシュ。同じキーで異なる内容が送られたことを検出する
    request_hash TEXT NOT NULL,
    -- 保存済みレスポンス（MessagePack）
    response BLOB NOT NULL,
    -- 記録日時
    created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS void_tombstones (
    -- 課金より先に取消が届いた冪等キー
    idempotency_key TEXT PRIMARY KEY,
    -- 取消理由
    reason TEXT NOT NULL DEFAULT '',
    -- 記録日時
    created_at DATETIME NOT NULL
);

-- 患者IDでの検索を高速化するインデックス。
CREATE INDEX IF NOT EXISTS idx_charges_patient_id
    ON charges(patient_id);
`

// initSchema はデータベーススキーマを初期化する。
func initSchema(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("スキーマの作成に失敗: %w", err)
	}
	return nil
}
