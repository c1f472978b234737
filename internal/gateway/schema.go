package gateway

import (
	"database/sql"
	"fmt"
)

// スキーマ定義。rolesはカンマ区切りで保存する。
const schema = `
CREATE TABLE IF NOT EXISTS subjects (
    id TEXT PRIMARY KEY,
    secret_hash BLOB NOT NULL,
    roles TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL
);
`

// initSchema はSQLiteデータベースにスキーマを適用する。
func initSchema(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("スキーマの適用に失敗: %w", err)
	}
	return nil
}
