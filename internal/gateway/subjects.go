package gateway

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nao1215/carebridge/pkg/credential"
)

// SubjectStore はSQLiteに保存されたサブジェクトを参照する。
// credential.SubjectStoreを実装する。
type SubjectStore struct {
	db *sql.DB
}

// NewSubjectStore は新しいSubjectStoreを生成する。
func NewSubjectStore(db *sql.DB) *SubjectStore {
	return &SubjectStore{db: db}
}

// Lookup はIDでサブジェクトを取得する。
func (s *SubjectStore) Lookup(ctx context.Context, id string) (credential.Subject, error) {
	var (
		hash  []byte
		roles string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT secret_hash, roles FROM subjects WHERE id = ?`, id,
	).Scan(&hash, &roles)
	if errors.Is(err, sql.ErrNoRows) {
		return credential.Subject{}, credential.ErrSubjectNotFound
	}
	if err != nil {
		return credential.Subject{}, fmt.Errorf("サブジェクトの取得に失敗: %w", err)
	}
	return credential.Subject{ID: id, SecretHash: hash, Roles: splitRoles(roles)}, nil
}

// Upsert はサブジェクトを登録する。既存の場合はシークレットとロールを更新する。
func (s *SubjectStore) Upsert(ctx context.Context, id string, secretHash []byte, roles []string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO subjects (id, secret_hash, roles, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET secret_hash = excluded.secret_hash, roles = excluded.roles`,
		id, secretHash, strings.Join(roles, ","), time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("サブジェクトの登録に失敗: %w", err)
	}
	return nil
}

// Bootstrap は設定で指定された初期サブジェクトを登録する。subjectが空なら何もしない。
func (s *SubjectStore) Bootstrap(ctx context.Context, subject, secret string, roles []string) error {
	if subject == "" {
		return nil
	}
	hash, err := credential.HashSecret(secret)
	if err != nil {
		return err
	}
	return s.Upsert(ctx, subject, hash, roles)
}

func splitRoles(s string) []string {
	var roles []string
	for _, r := range strings.Split(s, ",") {
		if r = strings.TrimSpace(r); r != "" {
			roles = append(roles, r)
		}
	}
	return roles
}
