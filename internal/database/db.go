package database

import (
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"time"

	_ "github.com/lib/pq"
)

// ErrInvalidDatabaseURL はDATABASE_URLがPostgreSQLの接続URLでない場合のエラー。
var ErrInvalidDatabaseURL = errors.New("invalid database url")

// PoolConfig はコネクションプールの設定。
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxIdleTime time.Duration
}

// ServePool はserveで使うプール設定。
// リクエストごとのusuario取得とauth_sessionsの読み書きを受ける。
var ServePool = PoolConfig{MaxOpenConns: 20, MaxIdleConns: 5, ConnMaxIdleTime: 5 * time.Minute}

// WorkerPool はworkerで使うプール設定。クリーンアップは逐次実行のため少数でよい。
var WorkerPool = PoolConfig{MaxOpenConns: 2, MaxIdleConns: 1, ConnMaxIdleTime: time.Minute}

// Open はPostgreSQLの接続プールを開く。
// sql.Openは接続を試行しないため、疎通確認はPingで行う。
func Open(databaseURL string, pool PoolConfig) (*sql.DB, error) {
	u, err := url.Parse(databaseURL)
	if err != nil || (u.Scheme != "postgres" && u.Scheme != "postgresql") || u.Host == "" {
		return nil, fmt.Errorf("%w: expected postgres://host/dbname", ErrInvalidDatabaseURL)
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if pool.MaxOpenConns > 0 {
		db.SetMaxOpenConns(pool.MaxOpenConns)
	}
	if pool.MaxIdleConns > 0 {
		db.SetMaxIdleConns(pool.MaxIdleConns)
	}
	if pool.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(pool.ConnMaxIdleTime)
	}
	return db, nil
}
