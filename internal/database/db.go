// Package database はSQLite接続とマイグレーションを提供する。
package database

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Open はSQLiteデータベース接続を開く。
// pure-Goドライバ（modernc.org/sqlite）を使用するためCGOは不要。
// 書き込みはストア側で直列化されるため接続数は1に制限する。
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("SQLiteのオープンに失敗: %w", err)
	}

	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("SQLiteへの接続確認に失敗: %w", err)
	}

	return db, nil
}
