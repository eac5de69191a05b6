package task

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"sync"
	"testing"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/events"
)

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []events.Message
}

func (r *recordingPublisher) Publish(_ context.Context, msg events.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return nil
}

func (r *recordingPublisher) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.msgs))
	for _, m := range r.msgs {
		out = append(out, m.Type)
	}
	return out
}

func TestWithArtifactSettlesOnSuccess(t *testing.T) {
	store := NewMemoryStore()
	pub := &recordingPublisher{}
	tracker := NewTracker(NewService(store, pub))

	var seenID string
	out, err := tracker.WithArtifact(context.Background(), Invocation{
		AgentID:   "agent-1",
		ServiceID: "market",
		ToolName:  "get_quote",
		Inputs:    map[string]string{"symbol": "ETH"},
	}, func(ctx context.Context) (any, error) {
		id, ok := ArtifactIDFromContext(ctx)
		if !ok {
			t.Fatalf("artifact id missing from context")
		}
		seenID = id
		pending, err := store.Get(ctx, id)
		if err != nil || pending.State != StatePending {
			t.Fatalf("artifact should be pending during execution: %+v %v", pending, err)
		}
		return map[string]string{"price": "2500.10"}, nil
	})
	if err != nil {
		t.Fatalf("with artifact: %v", err)
	}
	if out.(map[string]string)["price"] != "2500.10" {
		t.Fatalf("unexpected output: %v", out)
	}

	artifact, err := store.Get(context.Background(), seenID)
	if err != nil {
		t.Fatalf("get artifact: %v", err)
	}
	if artifact.State != StateSettled {
		t.Fatalf("expected settled, got %s", artifact.State)
	}
	var outputs map[string]string
	if err := json.Unmarshal(artifact.Outputs, &outputs); err != nil || outputs["price"] != "2500.10" {
		t.Fatalf("unexpected outputs %s: %v", artifact.Outputs, err)
	}
	if string(artifact.Inputs) != `{"symbol":"ETH"}` {
		t.Fatalf("unexpected inputs %s", artifact.Inputs)
	}
	if got := pub.types(); len(got) != 2 || got[0] != EventCreated || got[1] != EventSettled {
		t.Fatalf("unexpected events: %v", got)
	}
}

func TestWithArtifactRecordsFailureAndReturnsOriginalError(t *testing.T) {
	store := NewMemoryStore()
	pub := &recordingPublisher{}
	tracker := NewTracker(NewService(store, pub))

	cause := xerrors.New(xerrors.CodeInsufficientBalance, "balance 0.5 below 1.0")
	var id string
	_, err := tracker.WithArtifact(context.Background(), Invocation{AgentID: "a", ServiceID: "s", ToolName: "pay"},
		func(ctx context.Context) (any, error) {
			id, _ = ArtifactIDFromContext(ctx)
			return nil, cause
		})
	if err != cause {
		t.Fatalf("expected original error back, got %v", err)
	}

	artifact, getErr := store.Get(context.Background(), id)
	if getErr != nil {
		t.Fatalf("get artifact: %v", getErr)
	}
	if artifact.State != StateFailed || artifact.Failure == nil {
		t.Fatalf("expected failed artifact, got %+v", artifact)
	}
	if artifact.Failure.Code != xerrors.CodeExecutionFailed || artifact.Failure.Cause != xerrors.CodeInsufficientBalance {
		t.Fatalf("unexpected failure codes: %+v", artifact.Failure)
	}
	if artifact.Failure.Retryable {
		t.Fatalf("insufficient balance must not be retryable")
	}

	pub.mu.Lock()
	last := pub.msgs[len(pub.msgs)-1]
	pub.mu.Unlock()
	if last.Type != EventFailed || last.Code != xerrors.CodeExecutionFailed {
		t.Fatalf("unexpected failure event: %+v", last)
	}
}

type brokenStore struct{ Store }

func (brokenStore) Create(context.Context, *Artifact) error {
	return xerrors.New(xerrors.CodeStorageFailure, "disk full")
}

func TestWithArtifactProceedsWhenCreateFails(t *testing.T) {
	tracker := NewTracker(NewService(brokenStore{NewMemoryStore()}, nil))

	called := false
	out, err := tracker.WithArtifact(context.Background(), Invocation{AgentID: "a", ServiceID: "s"},
		func(ctx context.Context) (any, error) {
			called = true
			if _, ok := ArtifactIDFromContext(ctx); ok {
				t.Fatalf("no artifact id expected when creation failed")
			}
			return "done", nil
		})
	if err != nil || !called || out != "done" {
		t.Fatalf("execution should proceed: out=%v err=%v called=%v", out, err, called)
	}
}

func TestClassifyRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"plain", stdErrors.New("socket closed"), true},
		{"canceled", context.Canceled, false},
		{"validation", xerrors.New(xerrors.CodeInvalidArgument, "bad"), false},
		{"facilitator", xerrors.New(xerrors.CodeFacilitatorUnavailable, "down"), true},
		{"rejected", xerrors.New(xerrors.CodeSettlementRejected, "bad sig"), false},
		{"unknown", xerrors.New(xerrors.CodeUnknown, "?"), true},
		{"nil", nil, false},
	}
	for _, tc := range cases {
		if got := ClassifyRetryable(tc.err); got != tc.want {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, got)
		}
	}
}

func TestServiceCreateIsIdempotentByID(t *testing.T) {
	svc := NewService(NewMemoryStore(), nil)
	ctx := context.Background()

	first, err := svc.Create(ctx, CreateRequest{ID: "fixed", AgentID: "a", ServiceID: "s"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	second, err := svc.Create(ctx, CreateRequest{ID: "fixed", AgentID: "b", ServiceID: "s"})
	if err != nil {
		t.Fatalf("create again: %v", err)
	}
	if second.AgentID != first.AgentID {
		t.Fatalf("expected existing artifact, got %+v", second)
	}

	if _, err := svc.Create(ctx, CreateRequest{ServiceID: "s"}); !xerrors.IsCode(err, CodeTaskValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}

	failed, err := svc.Fail(ctx, "fixed", Failure{Message: "tool crashed", Retryable: true})
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if failed.Failure.Code != xerrors.CodeExecutionFailed {
		t.Fatalf("expected default code, got %s", failed.Failure.Code)
	}
	if _, err := svc.Settle(ctx, "fixed", nil); !stdErrors.Is(err, ErrTaskConflict) {
		t.Fatalf("expected conflict settling a failed artifact, got %v", err)
	}
}
