package auth

import (
	"context"
	"path/filepath"
	"testing"

	"AgentPay-Chain/internal/storage/sqlstore"
)

func TestSQLStoreSeedsAndReseeds(t *testing.T) {
	ctx := context.Background()
	db, err := sqlstore.Open(ctx, sqlstore.Config{
		Driver: "sqlite",
		DSN:    "file:" + filepath.Join(t.TempDir(), "auth.db"),
	})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	store := NewSQLStore(db)

	svc, err := NewService(ctx, Config{
		Mode: ModeJWT,
		JWT:  JWTOptions{Secret: "sql-secret"},
		Seeds: []Seed{
			{Username: "agent-b", APIKey: "ak_agent_b", Permissions: []string{PermTasksWrite, PermTasksRead, PermTasksRead}},
		},
	}, store)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	subject, err := svc.AuthenticateRequest(ctx, "", "ak_agent_b")
	if err != nil {
		t.Fatalf("api key lookup: %v", err)
	}
	if len(subject.Permissions) != 2 || !subject.HasPermission(PermTasksWrite) || subject.HasPermission(PermSessionsRead) {
		t.Fatalf("unexpected permissions %v", subject.Permissions)
	}

	// 重新播种会替换凭据与权限，用户 ID 保持不变。
	if err := store.ApplySeed(ctx, Seed{Username: "agent-b", Password: "pw", Permissions: []string{PermSessionsRead}}); err != nil {
		t.Fatalf("reseed: %v", err)
	}
	if _, err := store.FindUserByAPIKey(ctx, "ak_agent_b"); err != errUserNotFound {
		t.Fatalf("old api key must be gone, got %v", err)
	}
	user, err := store.FindUserByUsername(ctx, "agent-b")
	if err != nil || user.ID != subject.ID || !VerifyPassword(user.PasswordHash, "pw") {
		t.Fatalf("unexpected user %+v %v", user, err)
	}
	reloaded, err := store.LoadSubject(ctx, user.ID)
	if err != nil || !reloaded.HasPermission(PermSessionsRead) || reloaded.HasPermission(PermTasksWrite) {
		t.Fatalf("unexpected subject %+v %v", reloaded, err)
	}

	if _, err := store.LoadSubject(ctx, 999); err != errUserNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := store.ApplySeed(ctx, Seed{Username: "empty"}); err == nil {
		t.Fatal("seed without credentials must fail")
	}
}
