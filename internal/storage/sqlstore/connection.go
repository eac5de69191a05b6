package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"

	xerrors "AgentPay-Chain/internal/errors"
)

// Dialect 标识底层数据库方言。
type Dialect string

const (
	DialectMySQL  Dialect = "mysql"
	DialectSQLite Dialect = "sqlite"
)

// Config 描述 SQL 存储的连接参数。
type Config struct {
	Driver          string        `koanf:"driver" json:"driver"`
	DSN             string        `koanf:"dsn" json:"dsn"`
	MaxOpenConns    int           `koanf:"max_open_conns" json:"max_open_conns"`
	MaxIdleConns    int           `koanf:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime" json:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `koanf:"conn_max_idle_time" json:"conn_max_idle_time"`
}

// DB 包装 *sql.DB 并记录方言。
type DB struct {
	*sql.DB
	Dialect Dialect
}

// Open 建立连接、校验连通性并执行迁移。
func Open(ctx context.Context, cfg Config) (*DB, error) {
	dialect, err := parseDialect(cfg.Driver)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "SQL DSN 不能为空")
	}

	dsn := cfg.DSN
	if dialect == DialectMySQL {
		if dsn, err = mysqlDSN(dsn); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open(string(dialect), dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "打开数据库失败")
	}
	configurePool(db, dialect, cfg)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "无法连接到数据库")
	}

	wrapped := &DB{DB: db, Dialect: dialect}
	if err := wrapped.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return wrapped, nil
}

func parseDialect(driver string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "mysql":
		return DialectMySQL, nil
	case "sqlite", "sqlite3":
		return DialectSQLite, nil
	default:
		return "", xerrors.New(xerrors.CodeInitializationFailure, fmt.Sprintf("不支持的数据库驱动: %q", driver))
	}
}

// mysqlDSN 开启 clientFoundRows，使条件更新的影响行数按匹配行计算，
// 与 SQLite 的语义保持一致。
func mysqlDSN(dsn string) (string, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeInitializationFailure, err, "解析 MySQL DSN 失败")
	}
	cfg.ClientFoundRows = true
	cfg.ParseTime = false
	return cfg.FormatDSN(), nil
}

func configurePool(db *sql.DB, dialect Dialect, cfg Config) {
	if dialect == DialectSQLite {
		// SQLite 只允许单写者，串行化连接以避免 SQLITE_BUSY。
		db.SetMaxOpenConns(1)
		return
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(20)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(10)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(30 * time.Minute)
	}
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}
}

// WithTx 在事务中执行 fn，fn 返回错误时回滚。
func (db *DB) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交事务失败")
	}
	return nil
}
