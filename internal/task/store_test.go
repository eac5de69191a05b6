package task

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"path/filepath"
	"testing"
	"time"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/storage/sqlstore"
)

type steppedClock struct {
	now time.Time
}

func (c *steppedClock) Now() time.Time {
	c.now = c.now.Add(time.Second)
	return c.now
}

func newStores(t *testing.T, clock *steppedClock) map[string]Store {
	t.Helper()
	mem := NewMemoryStore()
	mem.now = clock.Now

	db, err := sqlstore.Open(context.Background(), sqlstore.Config{
		Driver: "sqlite",
		DSN:    "file:" + filepath.Join(t.TempDir(), "tasks.db"),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	sqlStore := NewSQLStore(db)
	sqlStore.now = clock.Now

	return map[string]Store{"memory": mem, "sqlite": sqlStore}
}

func forEachStore(t *testing.T, fn func(t *testing.T, store Store, clock *steppedClock)) {
	t.Helper()
	for _, name := range []string{"memory", "sqlite"} {
		t.Run(name, func(t *testing.T) {
			clock := &steppedClock{now: time.UnixMilli(1_700_000_000_000)}
			stores := newStores(t, clock)
			fn(t, stores[name], clock)
		})
	}
}

func seed(t *testing.T, store Store, ids ...string) {
	t.Helper()
	for _, id := range ids {
		err := store.Create(context.Background(), &Artifact{
			ID:        id,
			AgentID:   "agent-" + id,
			ServiceID: "svc",
			ToolName:  "quote",
			Inputs:    json.RawMessage(`{"symbol":"ETH"}`),
			State:     StatePending,
		})
		if err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
}

func TestStoreLifecycle(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store, _ *steppedClock) {
		ctx := context.Background()
		seed(t, store, "t1", "t2")

		if err := store.Create(ctx, &Artifact{ID: "t1", State: StatePending}); !stdErrors.Is(err, ErrTaskConflict) {
			t.Fatalf("expected conflict on duplicate id, got %v", err)
		}

		settled, err := store.Settle(ctx, "t1", json.RawMessage(`{"price":"1.5"}`))
		if err != nil {
			t.Fatalf("settle: %v", err)
		}
		if settled.State != StateSettled || string(settled.Outputs) != `{"price":"1.5"}` {
			t.Fatalf("unexpected settled artifact: %+v", settled)
		}
		if string(settled.Inputs) != `{"symbol":"ETH"}` {
			t.Fatalf("inputs lost: %s", settled.Inputs)
		}

		failed, err := store.Fail(ctx, "t2", Failure{
			Code:      xerrors.CodeExecutionFailed,
			Cause:     xerrors.CodeFacilitatorUnavailable,
			Message:   "dial tcp: refused",
			Retryable: true,
		})
		if err != nil {
			t.Fatalf("fail: %v", err)
		}
		if failed.Failure == nil || failed.Failure.Cause != xerrors.CodeFacilitatorUnavailable || !failed.Failure.Retryable {
			t.Fatalf("unexpected failure record: %+v", failed.Failure)
		}

		again, err := store.Fail(ctx, "t1", Failure{Code: xerrors.CodeExecutionFailed, Message: "late"})
		if !stdErrors.Is(err, ErrTaskConflict) {
			t.Fatalf("expected conflict when failing settled artifact, got %v", err)
		}
		if again == nil || again.State != StateSettled {
			t.Fatalf("conflict should report current artifact, got %+v", again)
		}

		if _, err := store.Settle(ctx, "missing", nil); !stdErrors.Is(err, ErrTaskNotFound) {
			t.Fatalf("expected not found, got %v", err)
		}
		if _, err := store.Get(ctx, "missing"); !stdErrors.Is(err, ErrTaskNotFound) {
			t.Fatalf("expected not found, got %v", err)
		}
	})
}

func TestStoreListWithFilters(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store, clock *steppedClock) {
		ctx := context.Background()
		start := clock.now
		seed(t, store, "t1", "t2", "t3")

		if _, err := store.Fail(ctx, "t2", Failure{Code: xerrors.CodeExecutionFailed, Message: "boom", Retryable: true}); err != nil {
			t.Fatalf("fail: %v", err)
		}
		if _, err := store.Settle(ctx, "t3", json.RawMessage(`"ok"`)); err != nil {
			t.Fatalf("settle: %v", err)
		}

		all, err := store.List(ctx, BuildListOptions())
		if err != nil {
			t.Fatalf("list all: %v", err)
		}
		if len(all) != 3 || all[0].ID != "t3" || all[2].ID != "t1" {
			t.Fatalf("expected newest first, got %v", ids(all))
		}

		asc, err := store.List(ctx, BuildListOptions(WithSortOrder(SortByUpdatedAsc), WithOffset(1), WithLimit(1)))
		if err != nil {
			t.Fatalf("list asc: %v", err)
		}
		if len(asc) != 1 || asc[0].ID != "t2" {
			t.Fatalf("expected t2 after offset, got %v", ids(asc))
		}

		failed, err := store.List(ctx, BuildListOptions(WithStates(StateFailed)))
		if err != nil {
			t.Fatalf("list failed: %v", err)
		}
		if len(failed) != 1 || failed[0].ID != "t2" {
			t.Fatalf("unexpected failed list: %v", ids(failed))
		}

		byAgent, err := store.List(ctx, BuildListOptions(WithAgent("agent-t1")))
		if err != nil {
			t.Fatalf("list by agent: %v", err)
		}
		if len(byAgent) != 1 || byAgent[0].ID != "t1" {
			t.Fatalf("unexpected agent list: %v", ids(byAgent))
		}

		recent, err := store.List(ctx, BuildListOptions(WithUpdatedSince(start.Add(3500*time.Millisecond))))
		if err != nil {
			t.Fatalf("list recent: %v", err)
		}
		if len(recent) != 2 {
			t.Fatalf("expected 2 recent artifacts, got %v", ids(recent))
		}

		query, err := store.List(ctx, BuildListOptions(WithQuery("boom")))
		if err != nil {
			t.Fatalf("list query: %v", err)
		}
		if len(query) != 1 || query[0].ID != "t2" {
			t.Fatalf("unexpected query result: %v", ids(query))
		}
	})
}

func TestStoreStats(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store, _ *steppedClock) {
		ctx := context.Background()

		empty, err := store.Stats(ctx, BuildListOptions())
		if err != nil {
			t.Fatalf("stats on empty store: %v", err)
		}
		if empty.Total != 0 || empty.Pending != 0 {
			t.Fatalf("unexpected empty stats: %+v", empty)
		}

		seed(t, store, "a", "b", "c", "d")
		if _, err := store.Settle(ctx, "a", nil); err != nil {
			t.Fatalf("settle: %v", err)
		}
		if _, err := store.Fail(ctx, "b", Failure{Code: xerrors.CodeExecutionFailed, Message: "x", Retryable: true}); err != nil {
			t.Fatalf("fail: %v", err)
		}
		if _, err := store.Fail(ctx, "c", Failure{Code: xerrors.CodeExecutionFailed, Message: "y"}); err != nil {
			t.Fatalf("fail: %v", err)
		}

		stats, err := store.Stats(ctx, BuildListOptions())
		if err != nil {
			t.Fatalf("stats: %v", err)
		}
		if stats.Total != 4 || stats.Pending != 1 || stats.Settled != 1 || stats.Failed != 2 || stats.Retryable != 1 {
			t.Fatalf("unexpected stats: %+v", stats)
		}
		if stats.OldestUpdatedAt == 0 || stats.NewestUpdatedAt < stats.OldestUpdatedAt {
			t.Fatalf("unexpected timestamps: %+v", stats)
		}

		failedOnly, err := store.Stats(ctx, BuildListOptions(WithStates(StateFailed)))
		if err != nil {
			t.Fatalf("filtered stats: %v", err)
		}
		if failedOnly.Total != 2 || failedOnly.Pending != 0 {
			t.Fatalf("unexpected filtered stats: %+v", failedOnly)
		}
	})
}

func ids(list []*Artifact) []string {
	out := make([]string, 0, len(list))
	for _, a := range list {
		out = append(out, a.ID)
	}
	return out
}
