package handoff

import (
	"context"
	stdErrors "errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/storage/sqlstore"
)

const (
	recipient = "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"
	txHash    = "0x5a4f2c6e1b7d3a9e8f0c2b4d6a8e1f3c5b7d9e0a2c4e6f8b1d3f5a7c9e0b2d4f"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func storeFactories(t *testing.T) map[string]func(t *testing.T) Store {
	factories := map[string]func(t *testing.T) Store{
		"memory": func(*testing.T) Store { return NewMemoryStore() },
		"sqlite": func(t *testing.T) Store {
			db, err := sqlstore.Open(context.Background(), sqlstore.Config{
				Driver: "sqlite",
				DSN:    "file:" + filepath.Join(t.TempDir(), "handoff.db"),
			})
			if err != nil {
				t.Fatalf("open sqlite: %v", err)
			}
			t.Cleanup(func() { db.Close() })
			return NewSQLStore(db)
		},
	}
	factories["redis"] = func(t *testing.T) Store {
		store, _ := newMiniRedisStore(t)
		return store
	}
	// 设置 AGENTPAY_TEST_REDIS_ADDR 后额外验证真实 Redis。
	if addr := os.Getenv("AGENTPAY_TEST_REDIS_ADDR"); addr != "" {
		factories["redis-server"] = func(t *testing.T) Store {
			client := redis.NewClient(&redis.Options{Addr: addr})
			t.Cleanup(func() { client.Close() })
			if err := client.Ping(context.Background()).Err(); err != nil {
				t.Skipf("redis unavailable: %v", err)
			}
			return NewRedisStore(client, "agentpay:test:"+uuid.NewString()+":", time.Hour)
		}
	}
	return factories
}

func forEachStore(t *testing.T, fn func(t *testing.T, svc *Service, clock *manualClock)) {
	t.Helper()
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			// Redis TTL 依赖真实时间，因此时钟从当前时间开始。
			clock := &manualClock{now: time.Now().UTC().Truncate(time.Millisecond)}
			svc := NewService(factory(t), Config{SigningBaseURL: "https://pay.example.com/"}, WithClock(clock.Now))
			fn(t, svc, clock)
		})
	}
}

func prepare(t *testing.T, svc *Service) *Prepared {
	t.Helper()
	prepared, err := svc.Prepare(context.Background(), PrepareRequest{
		ChainID:     84532,
		To:          recipient,
		Data:        "0xa9059cbb",
		Value:       "1000",
		Description: "pay invoice 42",
	})
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	return prepared
}

func TestPrepareAndStatus(t *testing.T) {
	forEachStore(t, func(t *testing.T, svc *Service, clock *manualClock) {
		prepared := prepare(t, svc)
		if prepared.SigningURL != "https://pay.example.com/sign/"+prepared.ID {
			t.Fatalf("unexpected signing url %s", prepared.SigningURL)
		}
		if !prepared.ExpiresAt.Equal(clock.Now().Add(SigningTTL)) {
			t.Fatalf("expected 15 minute window, got %s", prepared.ExpiresAt)
		}

		view, found, err := svc.Status(context.Background(), prepared.ID)
		if err != nil || !found {
			t.Fatalf("status: found=%v err=%v", found, err)
		}
		if view.Status != StatusPending || view.Value != "1000" || view.Context["description"] != "pay invoice 42" {
			t.Fatalf("unexpected view: %+v", view)
		}
		if view.SigningURL == "" {
			t.Fatalf("pending view should carry signing url")
		}

		missing, found, err := svc.Status(context.Background(), "nope")
		if err != nil || found || missing.Status != StatusNotFound {
			t.Fatalf("expected not_found view, got %+v found=%v err=%v", missing, found, err)
		}
	})
}

func TestStatusExpiresLazilyAndPersists(t *testing.T) {
	forEachStore(t, func(t *testing.T, svc *Service, clock *manualClock) {
		prepared := prepare(t, svc)
		clock.Advance(SigningTTL + time.Second)

		view, _, err := svc.Status(context.Background(), prepared.ID)
		if err != nil {
			t.Fatalf("status: %v", err)
		}
		if view.Status != StatusExpired {
			t.Fatalf("expected expired, got %s", view.Status)
		}
		stored, err := svc.store.Get(context.Background(), prepared.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if stored.Status != StatusExpired {
			t.Fatalf("expired state should be persisted, got %s", stored.Status)
		}

		_, err = svc.Update(context.Background(), prepared.ID, UpdateRequest{Status: StatusSigned})
		if !xerrors.IsCode(err, CodeHandoffExpired) {
			t.Fatalf("expected HANDOFF_EXPIRED, got %v", err)
		}
	})
}

func TestUpdateTransitions(t *testing.T) {
	forEachStore(t, func(t *testing.T, svc *Service, _ *manualClock) {
		ctx := context.Background()
		prepared := prepare(t, svc)

		if _, err := svc.Update(ctx, prepared.ID, UpdateRequest{Status: StatusConfirmed}); !xerrors.IsCode(err, xerrors.CodeInvalidArgument) {
			t.Fatalf("confirmed without tx hash should be rejected, got %v", err)
		}

		steps := []UpdateRequest{
			{Status: StatusSigned},
			{Status: StatusBroadcast, TxHash: txHash},
			{Status: StatusBroadcast, TxHash: txHash},
			{Status: StatusConfirmed},
		}
		for _, step := range steps {
			view, err := svc.Update(ctx, prepared.ID, step)
			if err != nil {
				t.Fatalf("update to %s: %v", step.Status, err)
			}
			if view.Status != step.Status {
				t.Fatalf("expected %s, got %s", step.Status, view.Status)
			}
		}

		view, _, _ := svc.Status(ctx, prepared.ID)
		if view.TxHash != txHash || view.SigningURL != "" {
			t.Fatalf("unexpected confirmed view: %+v", view)
		}

		if _, err := svc.Update(ctx, prepared.ID, UpdateRequest{Status: StatusFailed, Error: "reorg"}); !xerrors.IsCode(err, CodeHandoffTransition) {
			t.Fatalf("confirmed is terminal, got %v", err)
		}
	})
}

func TestUpdateFailedFromAnyActiveState(t *testing.T) {
	forEachStore(t, func(t *testing.T, svc *Service, _ *manualClock) {
		ctx := context.Background()
		prepared := prepare(t, svc)

		if _, err := svc.Update(ctx, prepared.ID, UpdateRequest{Status: StatusSigned}); err != nil {
			t.Fatalf("sign: %v", err)
		}
		if _, err := svc.Update(ctx, prepared.ID, UpdateRequest{Status: StatusPending}); !xerrors.IsCode(err, CodeHandoffTransition) {
			t.Fatalf("backwards transition should be rejected, got %v", err)
		}
		view, err := svc.Update(ctx, prepared.ID, UpdateRequest{Status: StatusFailed, Error: "user rejected"})
		if err != nil {
			t.Fatalf("fail: %v", err)
		}
		if view.Status != StatusFailed || view.Error != "user rejected" {
			t.Fatalf("unexpected failed view: %+v", view)
		}
		if _, err := svc.Update(ctx, "missing", UpdateRequest{Status: StatusSigned}); !stdErrors.Is(err, ErrNotFound) {
			t.Fatalf("expected not found, got %v", err)
		}
	})
}

func TestSweepExpiresDuePending(t *testing.T) {
	forEachStore(t, func(t *testing.T, svc *Service, clock *manualClock) {
		ctx := context.Background()
		stale := prepare(t, svc)
		signed := prepare(t, svc)
		if _, err := svc.Update(ctx, signed.ID, UpdateRequest{Status: StatusSigned}); err != nil {
			t.Fatalf("sign: %v", err)
		}
		clock.Advance(10 * time.Minute)
		fresh := prepare(t, svc)
		clock.Advance(6 * time.Minute)

		n, err := svc.Sweep(ctx)
		if err != nil {
			t.Fatalf("sweep: %v", err)
		}
		if n != 1 {
			t.Fatalf("expected 1 expired transaction, got %d", n)
		}
		for id, want := range map[string]Status{stale.ID: StatusExpired, signed.ID: StatusSigned, fresh.ID: StatusPending} {
			tx, err := svc.store.Get(ctx, id)
			if err != nil {
				t.Fatalf("get %s: %v", id, err)
			}
			if tx.Status != want {
				t.Fatalf("%s: expected %s, got %s", id, want, tx.Status)
			}
		}
	})
}

func TestPrepareValidation(t *testing.T) {
	svc := NewService(NewMemoryStore(), Config{})
	cases := []PrepareRequest{
		{ChainID: 0, To: recipient},
		{ChainID: 1, To: "not-an-address"},
		{ChainID: 1, To: recipient, Data: "zz"},
		{ChainID: 1, To: recipient, Value: "-5"},
	}
	for _, req := range cases {
		if _, err := svc.Prepare(context.Background(), req); !xerrors.IsCode(err, xerrors.CodeInvalidArgument) {
			t.Fatalf("expected validation error for %+v, got %v", req, err)
		}
	}
}

func TestCanTransition(t *testing.T) {
	if !CanTransition(StatusPending, StatusBroadcast) {
		t.Fatalf("wallets may sign and broadcast in one step")
	}
	if CanTransition(StatusBroadcast, StatusSigned) {
		t.Fatalf("backwards transition allowed")
	}
	if CanTransition(StatusSigned, StatusExpired) {
		t.Fatalf("only pending transactions expire")
	}
	if CanTransition(StatusExpired, StatusFailed) {
		t.Fatalf("expired is terminal")
	}
}
