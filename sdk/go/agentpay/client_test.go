package agentpay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestLoginStoresBearerToken(t *testing.T) {
	var sawAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/auth/token":
			var body map[string]string
			_ = json.NewDecoder(r.Body).Decode(&body)
			if body["grant_type"] != "password" || body["username"] != "operator" {
				t.Fatalf("unexpected token request %+v", body)
			}
			_ = json.NewEncoder(w).Encode(Token{AccessToken: "tok-1", TokenType: "Bearer", ExpiresIn: 3600})
		case "/api/sessions/s-1":
			sawAuth = r.Header.Get("Authorization")
			_ = json.NewEncoder(w).Encode(Session{SessionID: "s-1", Status: "active", Remaining: "5.00"})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if _, err := client.Login(context.Background(), "operator", "pw"); err != nil {
		t.Fatalf("login: %v", err)
	}
	sess, err := client.GetSession(context.Background(), "s-1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if sawAuth != "Bearer tok-1" {
		t.Fatalf("expected bearer header, got %q", sawAuth)
	}
	if !sess.Found || sess.Remaining != "5.00" {
		t.Fatalf("unexpected session %+v", sess)
	}
}

func TestGetSessionNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"found":false,"status":"not_found"}`))
	}))
	defer srv.Close()

	client, _ := NewClient(srv.URL, nil)
	sess, err := client.GetSession(context.Background(), "missing")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if sess.Found || sess.Status != "not_found" {
		t.Fatalf("unexpected session %+v", sess)
	}
}

func TestReleaseErrorDecoded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-API-Key") != "ak_1" {
			t.Fatalf("api key header missing")
		}
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["executionId"] != "exec-1" {
			t.Fatalf("unexpected body %+v", body)
		}
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":{"code":"AUTHORIZATION_DENIED","message":"agent not authorized"}}`))
	}))
	defer srv.Close()

	client, _ := NewClient(srv.URL, nil)
	client.SetAPIKey("ak_1")
	_, err := client.Release(context.Background(), "s-1", "0xagent", "1.00", "exec-1")
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("expected APIError, got %T %v", err, err)
	}
	if apiErr.StatusCode != http.StatusForbidden || apiErr.Code != "AUTHORIZATION_DENIED" {
		t.Fatalf("unexpected api error %+v", apiErr)
	}
	if !IsCode(err, "AUTHORIZATION_DENIED") {
		t.Fatal("IsCode should match")
	}
}

func TestPayRejectionCarriesDetailCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"success":false,"error":"amount mismatch","details":"SETTLEMENT_REJECTED"}`))
	}))
	defer srv.Close()

	client, _ := NewClient(srv.URL, nil)
	_, err := client.Pay(context.Background(), "pay-1", "eyJ4NDAyIjoxfQ==", Requirement{Network: "base-sepolia"})
	if !IsCode(err, "SETTLEMENT_REJECTED") {
		t.Fatalf("expected settlement rejection, got %v", err)
	}
}

func TestListTasksEncodesQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if r.URL.Path != "/api/tasks" || q.Get("state") != "failed,pending" || q.Get("agent_id") != "agent-a" || q.Get("order") != "asc" {
			t.Fatalf("unexpected query %s %s", r.URL.Path, r.URL.RawQuery)
		}
		_, _ = w.Write([]byte(`{"tasks":[{"task_id":"t1","agent_id":"agent-a","service_id":"svc","state":"failed","error":{"code":"EXECUTION_FAILED","message":"boom","retryable":true}}]}`))
	}))
	defer srv.Close()

	client, _ := NewClient(srv.URL, nil)
	tasks, err := client.ListTasks(context.Background(), TaskQuery{States: []string{TaskFailed, TaskPending}, AgentID: "agent-a", Ascending: true})
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(tasks) != 1 || tasks[0].Failure == nil || !tasks[0].Failure.Retryable {
		t.Fatalf("unexpected tasks %+v", tasks)
	}
}
