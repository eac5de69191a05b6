package sqlstore

import (
	"context"
	"path/filepath"
	"testing"
	"testing/fstest"
)

// openTestDB 为测试打开一个临时 SQLite 数据库。
func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(context.Background(), Config{
		Driver: "sqlite",
		DSN:    "file:" + filepath.Join(t.TempDir(), "agentpay.db"),
	})
	if err != nil {
		t.Fatalf("打开测试数据库失败: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpenAppliesMigrationsOnce(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if err := db.migrate(ctx); err != nil {
		t.Fatalf("重复迁移应当是幂等的: %v", err)
	}
	var count int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations`).Scan(&count); err != nil {
		t.Fatalf("查询迁移记录失败: %v", err)
	}
	if count != 3 {
		t.Fatalf("期望 3 条迁移记录，实际 %d", count)
	}
	for _, table := range []string{"escrow_sessions", "escrow_events", "task_artifacts", "payments", "handoff_transactions", "auth_users", "auth_user_permissions", "escrow_release_executions"} {
		if _, err := db.ExecContext(ctx, `SELECT 1 FROM `+table+` LIMIT 1`); err != nil {
			t.Fatalf("表 %s 不存在: %v", table, err)
		}
	}
}

func TestIsDuplicate(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	insert := `INSERT INTO escrow_session_agents (session_id, agent_address, created_at) VALUES (?, ?, ?)`
	if _, err := db.ExecContext(ctx, insert, "s1", "0xabc", 1); err != nil {
		t.Fatalf("首次插入失败: %v", err)
	}
	_, err := db.ExecContext(ctx, insert, "s1", "0xabc", 2)
	if !IsDuplicate(err) {
		t.Fatalf("期望唯一键冲突，实际 %v", err)
	}
	if IsDuplicate(nil) {
		t.Fatalf("nil 不是冲突")
	}
}

func TestLoadMigrationFilesOrdersByVersion(t *testing.T) {
	fsys := fstest.MapFS{
		"x/0002_more.sql": {Data: []byte("CREATE TABLE b (id INT);")},
		"x/0001_init.sql": {Data: []byte("CREATE TABLE a (id INT); CREATE TABLE c (id INT);")},
		"x/README.md":     {Data: []byte("ignored")},
	}
	files, err := loadMigrationFiles(fsys, "x")
	if err != nil {
		t.Fatalf("加载迁移失败: %v", err)
	}
	if len(files) != 2 || files[0].version != "0001" || len(files[0].statements) != 2 {
		t.Fatalf("迁移排序不正确: %+v", files)
	}
}

func TestParseDialect(t *testing.T) {
	if _, err := parseDialect("postgres"); err == nil {
		t.Fatalf("不支持的驱动应当报错")
	}
	if d, _ := parseDialect("SQLite3"); d != DialectSQLite {
		t.Fatalf("方言解析错误: %s", d)
	}
}
