// Package repository はデータ永続化層を提供する。
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// BlobRepository は文字列キーのblobストアのインターフェース。
// コア状態（フィード一覧・記事マップ・タイムスタンプ等）のJSON blobを
// キー単位で読み書きする。キー間のトランザクション原子性は提供しない。
type BlobRepository interface {
	// Get はキーに対応する値を返す。キーが存在しない場合はfalseを返す。
	Get(ctx context.Context, key string) (string, bool, error)
	// Set はキーに値を保存する。既存キーは上書きされる。
	Set(ctx context.Context, key, value string) error
}

// SQLiteBlobRepo はBlobRepositoryのSQLite実装。
type SQLiteBlobRepo struct {
	db *sql.DB
}

// NewSQLiteBlobRepo はSQLiteBlobRepoの新しいインスタンスを生成する。
func NewSQLiteBlobRepo(db *sql.DB) *SQLiteBlobRepo {
	return &SQLiteBlobRepo{db: db}
}

// Get はキーに対応する値を返す。
func (r *SQLiteBlobRepo) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := r.db.QueryRowContext(ctx,
		`SELECT value FROM blobs WHERE key = ?`, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("blobの取得に失敗 (key=%s): %w", key, err)
	}
	return value, true, nil
}

// Set はキーに値を保存する。
func (r *SQLiteBlobRepo) Set(ctx context.Context, key, value string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO blobs (key, value) VALUES (?, ?)
		 ON CONFLICT (key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("blobの保存に失敗 (key=%s): %w", key, err)
	}
	return nil
}

// compile-time interface check
var _ BlobRepository = (*SQLiteBlobRepo)(nil)
