package report

import (
	"database/sql"
	"fmt"
)

// スキーマ定義。dayはUTCの日付（YYYY-MM-DD）。
const schema = `
CREATE TABLE IF NOT EXISTS patient_registrations (
    patient_id TEXT PRIMARY KEY,
    event_id TEXT NOT NULL,
    name TEXT NOT NULL,
    charge_id TEXT NOT NULL,
    fee_cents INTEGER NOT NULL,
    currency TEXT NOT NULL,
    registered_at TEXT NOT NULL,
    applied_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS daily_registration_totals (
    day TEXT NOT NULL,
    currency TEXT NOT NULL,
    registrations INTEGER NOT NULL DEFAULT 0,
    fee_cents_total INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (day, currency)
);
`

// initSchema はSQLiteデータベースにスキーマを適用する。
func initSchema(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("スキーマの適用に失敗: %w", err)
	}
	return nil
}
