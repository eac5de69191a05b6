package escrow

import (
	"context"
	"errors"
	"math/big"
	"path/filepath"
	"sync"
	"testing"
	"time"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/events"
	"AgentPay-Chain/internal/storage/sqlstore"
)

const (
	ownerAddr  = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
	agentA     = "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"
	agentB     = "0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC"
	escrowAddr = "0x90F79bf6EB2c4f870365E785982E1f101E93b906"
	usdcAddr   = "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
	depositTx  = "0x1111111111111111111111111111111111111111111111111111111111111111"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeTransferer struct {
	mu    sync.Mutex
	err   error
	calls []string
}

func (f *fakeTransferer) Transfer(_ context.Context, to string, amount *big.Int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, to+":"+amount.String())
	if f.err != nil {
		return "", f.err
	}
	return "0xfeed", nil
}

type capturePublisher struct {
	mu   sync.Mutex
	msgs []events.Message
}

func (c *capturePublisher) Publish(_ context.Context, msg events.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
	return nil
}

type fixture struct {
	mgr   *Manager
	store Store
	clock *fakeClock
	xfer  *fakeTransferer
	pub   *capturePublisher
}

func memoryStore(t *testing.T) Store { return NewMemoryStore() }

func sqliteStore(t *testing.T) Store {
	t.Helper()
	db, err := sqlstore.Open(context.Background(), sqlstore.Config{
		Driver: "sqlite",
		DSN:    "file:" + filepath.Join(t.TempDir(), "escrow.db"),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewSQLStore(db)
}

var stores = map[string]func(t *testing.T) Store{
	"memory": memoryStore,
	"sqlite": sqliteStore,
}

func newFixture(t *testing.T, newStore func(t *testing.T) Store) *fixture {
	t.Helper()
	f := &fixture{
		store: newStore(t),
		clock: &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		xfer:  &fakeTransferer{},
		pub:   &capturePublisher{},
	}
	mgr, err := NewManager(Config{
		Network:       "base-sepolia",
		Asset:         usdcAddr,
		EscrowAddress: escrowAddr,
		Decimals:      6,
		TokenName:     "USDC",
		TokenVersion:  "2",
	}, f.store, WithClock(f.clock.Now), WithTransferer(f.xfer), WithPublisher(f.pub))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	f.mgr = mgr
	return f
}

// activeSession reproduces the funded 10.00 session with agent A authorized.
func (f *fixture) activeSession(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	view, req, err := f.mgr.Create(ctx, ownerAddr, "10.00", 24)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if req.MaxAmountRequired != "10000000" || req.PayTo != escrowAddr || req.Resource != "/api/sessions/"+view.SessionID+"/activate" {
		t.Fatalf("unexpected funding requirement: %+v", req)
	}
	if view.Status != StatusCreated || view.IsActive {
		t.Fatalf("new session should be created and inactive: %+v", view)
	}
	if _, err := f.mgr.Activate(ctx, view.SessionID, depositTx, "10.00"); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if _, err := f.mgr.AuthorizeAgent(ctx, view.SessionID, agentA); err != nil {
		t.Fatalf("authorize: %v", err)
	}
	return view.SessionID
}

func assertBudget(t *testing.T, store Store, id string) {
	t.Helper()
	ctx := context.Background()
	s, err := store.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if s.Released < 0 || s.Released > s.Deposited || s.Deposited > s.MaxSpend || s.Refunded > s.Deposited-s.Released {
		t.Fatalf("budget invariant broken: %+v", s)
	}
	evs, err := store.Events(ctx, id)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	var sum int64
	for _, ev := range evs {
		if ev.Type == EventRelease && !ev.Reversed {
			sum += ev.Amount
		}
	}
	if sum != s.Released {
		t.Fatalf("released %d does not match release events %d", s.Released, sum)
	}
}

func forEachStore(t *testing.T, fn func(t *testing.T, f *fixture)) {
	for name, newStore := range stores {
		t.Run(name, func(t *testing.T) {
			fn(t, newFixture(t, newStore))
		})
	}
}

func TestActivateFundsSession(t *testing.T) {
	forEachStore(t, func(t *testing.T, f *fixture) {
		id := f.activeSession(t)
		view, found, err := f.mgr.Status(context.Background(), id)
		if err != nil || !found {
			t.Fatalf("status: found=%v err=%v", found, err)
		}
		if view.Deposited != "10.00" || view.Released != "0.00" || view.Remaining != "10.00" || !view.IsActive {
			t.Fatalf("unexpected view after activation: %+v", view)
		}
		if len(view.AuthorizedAgents) != 2 {
			t.Fatalf("owner and agent should be authorized: %v", view.AuthorizedAgents)
		}
		// same tx again is a no-op
		if _, err := f.mgr.Activate(context.Background(), id, depositTx, "10.00"); err != nil {
			t.Fatalf("repeat activation: %v", err)
		}
		assertBudget(t, f.store, id)
	})
}

func TestActivateRejectsPartialDeposit(t *testing.T) {
	forEachStore(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		view, _, err := f.mgr.Create(ctx, ownerAddr, "10.00", 24)
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		_, err = f.mgr.Activate(ctx, view.SessionID, depositTx, "5.00")
		if !xerrors.IsCode(err, xerrors.CodeInvalidArgument) {
			t.Fatalf("expected validation error, got %v", err)
		}
		_, err = f.mgr.Activate(ctx, view.SessionID, "0x1234", "10.00")
		if !xerrors.IsCode(err, xerrors.CodeInvalidArgument) {
			t.Fatalf("expected validation error for bad hash, got %v", err)
		}
	})
}

func TestReleaseDrawsDownBudget(t *testing.T) {
	forEachStore(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		id := f.activeSession(t)

		res, err := f.mgr.Release(ctx, id, agentA, "4.00", "exec-1")
		if err != nil {
			t.Fatalf("release: %v", err)
		}
		if res.Released != "4.00" || res.Remaining != "6.00" || res.TxHash != "0xfeed" {
			t.Fatalf("unexpected release result: %+v", res)
		}

		check, err := f.mgr.CanExecute(ctx, id, agentA, "7.00")
		if err != nil {
			t.Fatalf("can execute: %v", err)
		}
		if check.Allowed || check.Reason != ReasonInsufficient || check.Remaining != "6.00" {
			t.Fatalf("7.00 should not fit in 6.00: %+v", check)
		}
		check, _ = f.mgr.CanExecute(ctx, id, agentA, "6.00")
		if !check.Allowed {
			t.Fatalf("6.00 should fit: %+v", check)
		}
		assertBudget(t, f.store, id)
	})
}

func TestRefundAndClose(t *testing.T) {
	forEachStore(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		id := f.activeSession(t)
		if _, err := f.mgr.Release(ctx, id, agentA, "4.00", "exec-1"); err != nil {
			t.Fatalf("release: %v", err)
		}

		refund, err := f.mgr.Refund(ctx, id)
		if err != nil {
			t.Fatalf("refund: %v", err)
		}
		if refund.RefundAmount != "6.00" || refund.TxHash != "0xfeed" {
			t.Fatalf("unexpected refund: %+v", refund)
		}

		closed, err := f.mgr.Close(ctx, id)
		if err != nil {
			t.Fatalf("close after refund: %v", err)
		}
		if closed.RefundAmount != "6.00" || closed.TxHash != refund.TxHash {
			t.Fatalf("close should return the prior result: %+v", closed)
		}
		again, err := f.mgr.Close(ctx, id)
		if err != nil || again.RefundAmount != "6.00" {
			t.Fatalf("close must be idempotent: %+v %v", again, err)
		}

		view, found, err := f.mgr.Status(ctx, id)
		if err != nil || !found {
			t.Fatalf("closed session must stay queryable: %v", err)
		}
		if view.IsActive || view.Remaining != "0.00" || view.Status != StatusClosed {
			t.Fatalf("unexpected view after close: %+v", view)
		}
		if _, err := f.mgr.Refund(ctx, id); !xerrors.IsCode(err, xerrors.CodeConflict) {
			t.Fatalf("refund of closed session should conflict, got %v", err)
		}
		if _, err := f.mgr.Release(ctx, id, agentA, "1.00", "exec-2"); !xerrors.IsCode(err, xerrors.CodeAuthorizationDenied) {
			t.Fatalf("release on closed session should be denied, got %v", err)
		}
		assertBudget(t, f.store, id)
	})
}

func TestCloseUnfundedSession(t *testing.T) {
	forEachStore(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		view, _, err := f.mgr.Create(ctx, ownerAddr, "1.00", 1)
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if _, err := f.mgr.Refund(ctx, view.SessionID); !xerrors.IsCode(err, xerrors.CodeConflict) {
			t.Fatalf("refund with nothing deposited should fail, got %v", err)
		}
		res, err := f.mgr.Close(ctx, view.SessionID)
		if err != nil || res.RefundAmount != "0.00" {
			t.Fatalf("close unfunded: %+v %v", res, err)
		}
		if len(f.xfer.calls) != 0 {
			t.Fatalf("no transfer expected for an empty refund")
		}
	})
}

func TestConcurrentReleasesNeverOverspend(t *testing.T) {
	forEachStore(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		id := f.activeSession(t)

		const n = 8
		var wg sync.WaitGroup
		errs := make([]error, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, errs[i] = f.mgr.Release(ctx, id, agentA, "10.00", "exec-"+string(rune('a'+i)))
			}(i)
		}
		wg.Wait()

		var ok, denied int
		for _, err := range errs {
			switch {
			case err == nil:
				ok++
			case xerrors.IsCode(err, xerrors.CodeAuthorizationDenied):
				denied++
			default:
				t.Fatalf("unexpected error: %v", err)
			}
		}
		if ok != 1 || denied != n-1 {
			t.Fatalf("expected 1 success and %d denials, got %d/%d", n-1, ok, denied)
		}
		assertBudget(t, f.store, id)
	})
}

func TestReleaseTransferFailureReverses(t *testing.T) {
	forEachStore(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		id := f.activeSession(t)
		f.xfer.err = errors.New("nonce too low")

		_, err := f.mgr.Release(ctx, id, agentA, "3.00", "exec-1")
		if !xerrors.IsCode(err, xerrors.CodeChainFailure) {
			t.Fatalf("expected chain failure, got %v", err)
		}
		view, _, _ := f.mgr.Status(ctx, id)
		if view.Released != "0.00" || view.Remaining != "10.00" {
			t.Fatalf("reservation should be reversed: %+v", view)
		}
		assertBudget(t, f.store, id)

		// the reversed execution id can be retried
		f.xfer.err = nil
		if _, err := f.mgr.Release(ctx, id, agentA, "3.00", "exec-1"); err != nil {
			t.Fatalf("retry after reversal: %v", err)
		}
		assertBudget(t, f.store, id)
	})
}

func TestRefundTransferFailureReopens(t *testing.T) {
	forEachStore(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		id := f.activeSession(t)
		f.xfer.err = errors.New("rpc down")
		if _, err := f.mgr.Close(ctx, id); !xerrors.IsCode(err, xerrors.CodeChainFailure) {
			t.Fatalf("expected chain failure, got %v", err)
		}
		view, _, _ := f.mgr.Status(ctx, id)
		if !view.IsActive || view.Refunded != "0.00" {
			t.Fatalf("failed close should leave the session active: %+v", view)
		}
	})
}

func TestDuplicateExecutionID(t *testing.T) {
	forEachStore(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		id := f.activeSession(t)
		first, err := f.mgr.Release(ctx, id, agentA, "2.00", "exec-dup")
		if err != nil {
			t.Fatalf("release: %v", err)
		}
		second, err := f.mgr.Release(ctx, id, agentA, "2.00", "exec-dup")
		if err != nil {
			t.Fatalf("duplicate release: %v", err)
		}
		if !second.Duplicate || second.TxHash != first.TxHash || second.Released != "2.00" {
			t.Fatalf("duplicate should return prior result: %+v", second)
		}
		if len(f.xfer.calls) != 1 {
			t.Fatalf("duplicate must not transfer again, calls=%v", f.xfer.calls)
		}
		if _, err := f.mgr.Release(ctx, id, agentA, "3.00", "exec-dup"); !xerrors.IsCode(err, xerrors.CodeConflict) {
			t.Fatalf("different amount should conflict, got %v", err)
		}
		assertBudget(t, f.store, id)
	})
}

func TestDuplicateExecutionIDAcrossManagers(t *testing.T) {
	forEachStore(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		id := f.activeSession(t)
		// A second manager on the same store stands in for another instance.
		other, err := NewManager(f.mgr.cfg, f.store, WithClock(f.clock.Now), WithTransferer(f.xfer))
		if err != nil {
			t.Fatalf("second manager: %v", err)
		}

		const n = 6
		var wg sync.WaitGroup
		results := make([]*ReleaseResult, n)
		errs := make([]error, n)
		for i := 0; i < n; i++ {
			mgr := f.mgr
			if i%2 == 1 {
				mgr = other
			}
			wg.Add(1)
			go func(i int, mgr *Manager) {
				defer wg.Done()
				results[i], errs[i] = mgr.Release(ctx, id, agentA, "2.00", "exec-shared")
			}(i, mgr)
		}
		wg.Wait()

		var fresh int
		for i, err := range errs {
			if err != nil {
				t.Fatalf("release %d: %v", i, err)
			}
			if !results[i].Duplicate {
				fresh++
			}
		}
		if fresh != 1 || len(f.xfer.calls) != 1 {
			t.Fatalf("expected one payout, got fresh=%d calls=%v", fresh, f.xfer.calls)
		}
		view, _, _ := f.mgr.Status(ctx, id)
		if view.Released != "2.00" {
			t.Fatalf("released should be 2.00: %+v", view)
		}
		assertBudget(t, f.store, id)
	})
}

func TestStoreRejectsSecondClaimOnExecutionID(t *testing.T) {
	forEachStore(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		id := f.activeSession(t)
		now := f.clock.Now()

		first := f.mgr.newEvent(id, EventRelease, normalizeAddress(agentA), 1_000_000, now)
		first.ExecutionID = "exec-claim"
		if err := f.store.ReserveRelease(ctx, id, 1_000_000, now, first); err != nil {
			t.Fatalf("first reserve: %v", err)
		}
		second := f.mgr.newEvent(id, EventRelease, normalizeAddress(agentA), 1_000_000, now)
		second.ExecutionID = "exec-claim"
		if err := f.store.ReserveRelease(ctx, id, 1_000_000, now, second); err != errDuplicateExecution {
			t.Fatalf("expected duplicate execution, got %v", err)
		}
		s, _ := f.store.Get(ctx, id)
		if s.Released != 1_000_000 {
			t.Fatalf("rejected claim must not reserve budget: released=%d", s.Released)
		}

		// Reversing the release frees the executionID again.
		if err := f.store.ReverseRelease(ctx, id, first.ID, 1_000_000); err != nil {
			t.Fatalf("reverse: %v", err)
		}
		if err := f.store.ReserveRelease(ctx, id, 1_000_000, now, second); err != nil {
			t.Fatalf("reserve after reversal: %v", err)
		}
		assertBudget(t, f.store, id)
	})
}

func TestSessionLocksAreReleased(t *testing.T) {
	forEachStore(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		id := f.activeSession(t)
		if _, err := f.mgr.Release(ctx, id, agentA, "1.00", "exec-lock"); err != nil {
			t.Fatalf("release: %v", err)
		}
		if _, err := f.mgr.Close(ctx, id); err != nil {
			t.Fatalf("close: %v", err)
		}
		for i := 0; i < 50; i++ {
			unknown := "missing-" + string(rune('a'+i%26)) + string(rune('a'+i/26))
			if _, err := f.mgr.Release(ctx, unknown, agentA, "1.00", ""); !xerrors.IsCode(err, xerrors.CodeSessionNotFound) {
				t.Fatalf("expected not found for %s, got %v", unknown, err)
			}
			if _, err := f.mgr.Close(ctx, unknown); !xerrors.IsCode(err, xerrors.CodeSessionNotFound) {
				t.Fatalf("expected not found for %s, got %v", unknown, err)
			}
		}
		if n := f.mgr.locks.size(); n != 0 {
			t.Fatalf("expected no lock entries after calls return, got %d", n)
		}
	})
}

func TestSessionLocksSerializeSameID(t *testing.T) {
	var locks sessionLocks
	unlock := locks.lock("s1")
	acquired := make(chan struct{})
	go func() {
		defer close(acquired)
		locks.lock("s1")()
	}()
	select {
	case <-acquired:
		t.Fatal("second holder entered while the first still held the lock")
	case <-time.After(20 * time.Millisecond):
	}
	locks.lock("s2")()
	unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("waiter never acquired the lock")
	}
	if n := locks.size(); n != 0 {
		t.Fatalf("expected empty lock table, got %d", n)
	}
}

func TestExpiredSession(t *testing.T) {
	forEachStore(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		id := f.activeSession(t)
		f.clock.Advance(25 * time.Hour)

		view, _, _ := f.mgr.Status(ctx, id)
		if view.Status != StatusExpired || view.IsActive {
			t.Fatalf("session should read as expired: %+v", view)
		}
		check, _ := f.mgr.CanExecute(ctx, id, agentA, "1.00")
		if check.Allowed || check.Reason != ReasonExpired {
			t.Fatalf("expired session should not allow execution: %+v", check)
		}
		if _, err := f.mgr.Release(ctx, id, agentA, "1.00", "late"); !xerrors.IsCode(err, xerrors.CodeSessionExpired) {
			t.Fatalf("expected session expired, got %v", err)
		}
		res, err := f.mgr.Close(ctx, id)
		if err != nil || res.RefundAmount != "10.00" {
			t.Fatalf("expired session should still refund on close: %+v %v", res, err)
		}
	})
}

func TestAgentAuthorization(t *testing.T) {
	forEachStore(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		id := f.activeSession(t)

		if _, err := f.mgr.Release(ctx, id, agentB, "1.00", "b-1"); !xerrors.IsCode(err, xerrors.CodeAuthorizationDenied) {
			t.Fatalf("unauthorized agent should be denied, got %v", err)
		}
		if _, err := f.mgr.RevokeAgent(ctx, id, agentA); err != nil {
			t.Fatalf("revoke: %v", err)
		}
		check, _ := f.mgr.CanExecute(ctx, id, agentA, "1.00")
		if check.Allowed || check.Reason != ReasonUnauthorized {
			t.Fatalf("revoked agent should be denied: %+v", check)
		}
		if _, err := f.mgr.Release(ctx, id, ownerAddr, "1.00", "owner-1"); err != nil {
			t.Fatalf("owner is authorized at creation: %v", err)
		}

		evs, err := f.mgr.Events(ctx, id)
		if err != nil {
			t.Fatalf("events: %v", err)
		}
		var kinds []EventType
		for _, ev := range evs {
			kinds = append(kinds, ev.Type)
		}
		want := []EventType{EventAuthorize, EventDeposit, EventAuthorize, EventRevoke, EventRelease}
		if len(kinds) != len(want) {
			t.Fatalf("unexpected event log %v", kinds)
		}
		for i := range want {
			if kinds[i] != want[i] {
				t.Fatalf("unexpected event log %v", kinds)
			}
		}
		if evs[4].Amount != "1.00" {
			t.Fatalf("event amount should render as decimal: %+v", evs[4])
		}
	})
}

func TestStatusNotFound(t *testing.T) {
	forEachStore(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		_, found, err := f.mgr.Status(ctx, "missing")
		if err != nil || found {
			t.Fatalf("missing session should report found=false, got %v %v", found, err)
		}
		check, err := f.mgr.CanExecute(ctx, "missing", agentA, "1.00")
		if err != nil || check.Allowed || check.Reason != ReasonNotFound {
			t.Fatalf("unexpected check for missing session: %+v %v", check, err)
		}
		if _, err := f.mgr.Release(ctx, "missing", agentA, "1.00", ""); !xerrors.IsCode(err, xerrors.CodeSessionNotFound) {
			t.Fatalf("release on missing session: %v", err)
		}
		if _, err := f.mgr.Events(ctx, "missing"); !xerrors.IsCode(err, xerrors.CodeSessionNotFound) {
			t.Fatalf("events on missing session: %v", err)
		}
	})
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t, memoryStore)
	ctx := context.Background()
	cases := []struct {
		owner, amount string
		hours         int
	}{
		{"not-an-address", "1.00", 1},
		{ownerAddr, "0", 1},
		{ownerAddr, "1.0000001", 1},
		{ownerAddr, "1.00", 0},
	}
	for _, c := range cases {
		if _, _, err := f.mgr.Create(ctx, c.owner, c.amount, c.hours); !xerrors.IsCode(err, xerrors.CodeInvalidArgument) {
			t.Fatalf("create(%q,%q,%d) should fail validation, got %v", c.owner, c.amount, c.hours, err)
		}
	}
}

func TestSessionEventsArePublished(t *testing.T) {
	f := newFixture(t, memoryStore)
	id := f.activeSession(t)
	f.xfer.err = errors.New("boom")
	f.mgr.Release(context.Background(), id, agentA, "1.00", "x")

	var sawFailure bool
	for _, msg := range f.pub.msgs {
		if msg.Topic != events.TopicSession || msg.Subject != id {
			t.Fatalf("unexpected message %+v", msg)
		}
		if msg.Type == string(EventRelease) && msg.Code == xerrors.CodeChainFailure {
			sawFailure = true
		}
	}
	if !sawFailure {
		t.Fatalf("reversed release should be published with a chain failure code")
	}
}
