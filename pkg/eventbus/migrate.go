package eventbus

import (
	"context"
	"database/sql"
	"embed"

	"github.com/nao1215/carebridge/pkg/logger"
	"github.com/nao1215/carebridge/pkg/migration"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Migrate はバッファ・台帳・デッドレターのテーブルを作成する。
func Migrate(ctx context.Context, db *sql.DB, log *logger.Logger) error {
	return migration.Run(ctx, db, migration.Source{
		Component: "eventbus",
		FS:        migrations,
		Dir:       "migrations",
	}, log)
}
