package wazuh

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"

	"github.com/kirisame1188/wazuh-threat-hunter/internal/types"
)

func newTestLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func writeToken(w http.ResponseWriter, token string) {
	json.NewEncoder(w).Encode(map[string]any{"data": map[string]string{"token": token}})
}

func TestClient_Ping_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/security/user/authenticate" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		user, pass, ok := r.BasicAuth()
		if !ok || user != "wazuh" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		writeToken(w, "tok-1")
	}))
	defer server.Close()

	c := NewClient(Config{BaseURL: server.URL, Username: "wazuh", Password: "secret"}, newTestLogger())
	if err := c.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

func TestClient_Authenticate_BadCredentials(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]string{"title": "Unauthorized", "detail": "Invalid credentials"})
	}))
	defer server.Close()

	c := NewClient(Config{BaseURL: server.URL, Username: "wazuh", Password: "wrong"}, newTestLogger())
	err := c.Ping(context.Background())
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected AuthError, got %v", err)
	}
}

func TestClient_Authenticate_Unreachable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()

	c := NewClient(Config{BaseURL: server.URL, Username: "u", Password: "p"}, newTestLogger())
	err := c.Ping(context.Background())
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected AuthError for unreachable manager, got %v", err)
	}
}

func TestClient_Get_APIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/security/user/authenticate" {
			writeToken(w, "tok-1")
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]string{"title": "Internal Error", "detail": "something broke"})
	}))
	defer server.Close()

	c := NewClient(Config{BaseURL: server.URL, Username: "u", Password: "p"}, newTestLogger())
	_, err := c.Get(context.Background(), "/agents", nil)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Status != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", apiErr.Status)
	}
	if apiErr.Message != "something broke" {
		t.Errorf("message = %q", apiErr.Message)
	}
}

func TestClient_Get_ExpiredTokenRetriesOnce(t *testing.T) {
	var authCalls, agentCalls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/security/user/authenticate" {
			n := atomic.AddInt32(&authCalls, 1)
			if n == 1 {
				writeToken(w, "stale")
			} else {
				writeToken(w, "fresh")
			}
			return
		}
		atomic.AddInt32(&agentCalls, 1)
		if r.Header.Get("Authorization") != "Bearer fresh" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{"affected_items": []any{}}})
	}))
	defer server.Close()

	c := NewClient(Config{BaseURL: server.URL, Username: "u", Password: "p"}, newTestLogger())
	if _, err := c.Get(context.Background(), "/agents", nil); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got := atomic.LoadInt32(&authCalls); got != 2 {
		t.Errorf("auth calls = %d, want 2 (initial + one refresh)", got)
	}
	if got := atomic.LoadInt32(&agentCalls); got != 2 {
		t.Errorf("agent calls = %d, want 2 (original + one retry)", got)
	}
}

func TestClient_Get_RejectedAfterReauthIsBounded(t *testing.T) {
	var authCalls, agentCalls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/security/user/authenticate" {
			atomic.AddInt32(&authCalls, 1)
			writeToken(w, "tok")
			return
		}
		atomic.AddInt32(&agentCalls, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	c := NewClient(Config{BaseURL: server.URL, Username: "u", Password: "p"}, newTestLogger())
	_, err := c.Get(context.Background(), "/agents", nil)
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected AuthError, got %v", err)
	}
	if got := atomic.LoadInt32(&agentCalls); got != 2 {
		t.Errorf("agent calls = %d, want exactly 2 (no retry loop)", got)
	}
	if got := atomic.LoadInt32(&authCalls); got != 2 {
		t.Errorf("auth calls = %d, want exactly 2", got)
	}
}

func TestClient_ConcurrentRefresh_SingleAuth(t *testing.T) {
	var authCalls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/security/user/authenticate" {
			atomic.AddInt32(&authCalls, 1)
			time.Sleep(50 * time.Millisecond)
			writeToken(w, "tok")
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{"affected_items": []any{}}})
	}))
	defer server.Close()

	c := NewClient(Config{BaseURL: server.URL, Username: "u", Password: "p"}, newTestLogger())
	if err := c.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}

	// Expire the cached token so every caller observes a stale session.
	c.mu.Lock()
	c.tokenExp = time.Now().Add(-time.Minute)
	c.mu.Unlock()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Get(context.Background(), "/agents", nil); err != nil {
				t.Errorf("Get: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt32(&authCalls); got != 2 {
		t.Errorf("auth calls = %d, want 2 (initial + one shared refresh)", got)
	}
}

func TestClient_Timeout_TransportError(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/security/user/authenticate" {
			writeToken(w, "tok")
			return
		}
		<-release
	}))
	defer server.Close()
	defer close(release)

	c := NewClient(Config{BaseURL: server.URL, Username: "u", Password: "p", Timeout: 100 * time.Millisecond}, newTestLogger())
	_, err := c.Get(context.Background(), "/agents", nil)
	var transportErr *TransportError
	if !errors.As(err, &transportErr) {
		t.Fatalf("expected TransportError on timeout, got %v", err)
	}
}

func TestClient_ListAgents_EmptyFleet(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/security/user/authenticate" {
			writeToken(w, "tok")
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{"affected_items": []any{}, "total_affected_items": 0}})
	}))
	defer server.Close()

	c := NewClient(Config{BaseURL: server.URL, Username: "u", Password: "p"}, newTestLogger())
	agents, err := c.ListAgents(context.Background())
	if err != nil {
		t.Fatalf("ListAgents: %v", err)
	}
	if len(agents) != 0 {
		t.Errorf("agents = %v, want empty", agents)
	}
}

func TestClient_ListAgents_Mapping(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/security/user/authenticate" {
			writeToken(w, "tok")
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{"affected_items": []map[string]any{
			{"id": "000", "name": "manager", "ip": "10.0.0.1", "status": "active", "lastKeepAlive": "2025-06-01T12:00:00Z"},
			{"id": "001", "name": "web-01", "status": "pending"},
			{"id": "002", "name": "db-01", "status": "unknown-thing"},
		}}})
	}))
	defer server.Close()

	c := NewClient(Config{BaseURL: server.URL, Username: "u", Password: "p"}, newTestLogger())
	agents, err := c.ListAgents(context.Background())
	if err != nil {
		t.Fatalf("ListAgents: %v", err)
	}
	if len(agents) != 3 {
		t.Fatalf("len(agents) = %d, want 3", len(agents))
	}
	if agents[0].Status != types.AgentActive || agents[0].LastSeen.IsZero() {
		t.Errorf("agent 0 = %+v", agents[0])
	}
	if agents[1].Status != types.AgentNeverConnected {
		t.Errorf("pending should normalize to never_connected, got %s", agents[1].Status)
	}
	if agents[2].Status != types.AgentDisconnected {
		t.Errorf("unknown status should normalize to disconnected, got %s", agents[2].Status)
	}
}

func TestClient_Alerts_QueryParams(t *testing.T) {
	var gotQuery string
	var gotSort string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/security/user/authenticate" {
			writeToken(w, "tok")
			return
		}
		gotQuery = r.URL.Query().Get("q")
		gotSort = r.URL.Query().Get("sort")
		json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{"affected_items": []map[string]any{
			{
				"id": "alert-1", "timestamp": "2025-06-01T12:00:00Z",
				"rule":  map[string]any{"id": "5710", "level": 10, "description": "sshd: brute force"},
				"agent": map[string]any{"id": "001", "name": "web-01"},
			},
		}}})
	}))
	defer server.Close()

	c := NewClient(Config{BaseURL: server.URL, Username: "u", Password: "p"}, newTestLogger())
	alerts, err := c.Alerts(context.Background(), types.AlertQuery{Window: 30 * time.Minute, AgentID: "001"})
	if err != nil {
		t.Fatalf("Alerts: %v", err)
	}
	if gotSort != "-timestamp" {
		t.Errorf("sort = %q, want -timestamp", gotSort)
	}
	if gotQuery == "" || !containsAll(gotQuery, "timestamp>", "agent.id=001") {
		t.Errorf("q = %q, want timestamp and agent filters", gotQuery)
	}
	if len(alerts) != 1 || alerts[0].Severity != 10 || alerts[0].RuleID != "5710" || alerts[0].AgentID != "001" {
		t.Errorf("alerts = %+v", alerts)
	}
}

func containsAll(s string, subs ...string) bool {
	for _, sub := range subs {
		if !strings.Contains(s, sub) {
			return false
		}
	}
	return true
}

func TestClient_AgentSummary(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/security/user/authenticate" {
			writeToken(w, "tok")
			return
		}
		if r.URL.Path != "/agents/summary/status" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{"connection": map[string]int{
			"active": 3, "disconnected": 1, "never_connected": 2, "pending": 0, "total": 6,
		}}})
	}))
	defer server.Close()

	c := NewClient(Config{BaseURL: server.URL, Username: "u", Password: "p"}, newTestLogger())
	summary, err := c.AgentSummary(context.Background())
	if err != nil {
		t.Fatalf("AgentSummary: %v", err)
	}
	if summary.Active != 3 || summary.Total != 6 {
		t.Errorf("summary = %+v", summary)
	}
}

func TestClient_TokenExpiryFromJWT(t *testing.T) {
	exp := time.Now().Add(10 * time.Minute).Truncate(time.Second)
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(exp),
	}).SignedString([]byte("test-key"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	c := NewClient(Config{BaseURL: "https://localhost:55000", Username: "u", Password: "p"}, newTestLogger())
	got := c.tokenExpiry(token)
	want := exp.Add(-tokenExpirySkew)
	if !got.Equal(want) {
		t.Errorf("tokenExpiry = %v, want %v", got, want)
	}
}

func TestClient_TokenExpiryFallback(t *testing.T) {
	c := NewClient(Config{BaseURL: "https://localhost:55000", Username: "u", Password: "p", TokenTTL: time.Hour}, newTestLogger())
	got := c.tokenExpiry("not-a-jwt")
	if until := time.Until(got); until < 50*time.Minute || until > time.Hour {
		t.Errorf("fallback expiry %v not near configured TTL", until)
	}
}
