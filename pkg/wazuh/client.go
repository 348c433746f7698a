// Package wazuh provides an authenticated HTTP client for the Wazuh manager
// REST API. It owns the session token, serializes re-authentication, and maps
// raw API responses into the fixed value types in internal/types so no
// untyped JSON leaks past the client boundary.
package wazuh

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/kirisame1188/wazuh-threat-hunter/internal/types"
)

// Prometheus metrics (registered once).
var (
	apiRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wazuh_api_requests_total",
			Help: "Total requests issued against the Wazuh API",
		},
		[]string{"endpoint", "code"},
	)
	authAttempts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "wazuh_auth_attempts_total",
			Help: "Total authentication attempts against the Wazuh API",
		},
	)
	authFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "wazuh_auth_failures_total",
			Help: "Total failed authentication attempts against the Wazuh API",
		},
	)
)

func init() {
	prometheus.MustRegister(apiRequests)
	prometheus.MustRegister(authAttempts)
	prometheus.MustRegister(authFailures)
}

// tokenExpirySkew is subtracted from the token expiry so a token is renewed
// slightly before the server would reject it.
const tokenExpirySkew = 30 * time.Second

// Config for the Wazuh API client.
type Config struct {
	BaseURL  string
	Username string
	Password string
	Timeout  time.Duration
	// TokenTTL is the assumed token lifetime when the JWT carries no exp
	// claim. The Wazuh default is 900 seconds.
	TokenTTL time.Duration
	// InsecureSkipVerify disables TLS certificate verification. Lab
	// deployments commonly run the manager with a self-signed certificate.
	InsecureSkipVerify bool
}

// Client is an authenticated Wazuh API client. It is safe for concurrent
// use; token refresh is serialized so concurrent callers observing an
// expired token wait for a single in-flight re-authentication.
type Client struct {
	baseURL    string
	httpClient *http.Client
	log        *logrus.Logger
	tokenTTL   time.Duration

	mu       sync.Mutex
	username string
	password string
	token    string
	tokenExp time.Time
}

// NewClient creates a Wazuh API client from cfg.
func NewClient(cfg Config, log *logrus.Logger) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.TokenTTL == 0 {
		cfg.TokenTTL = 15 * time.Minute
	}

	transport := http.DefaultTransport
	if cfg.InsecureSkipVerify {
		t := http.DefaultTransport.(*http.Transport).Clone()
		t.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
		transport = t
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
		log:      log,
		username: cfg.Username,
		password: cfg.Password,
		tokenTTL: cfg.TokenTTL,
	}
}

// SetCredentials replaces the API credentials and discards the current
// session. The next request authenticates with the new credentials.
func (c *Client) SetCredentials(username, password string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.username = username
	c.password = password
	c.token = ""
	c.tokenExp = time.Time{}
}

// ensureToken returns a valid bearer token, authenticating if the cached one
// is missing or expired. Holding the mutex across the authentication call is
// what makes the refresh single-flight.
func (c *Client) ensureToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" && time.Now().Before(c.tokenExp) {
		return c.token, nil
	}
	return c.authenticateLocked(ctx)
}

// forceReauth discards stale and acquires a fresh token. If another caller
// already refreshed the session past stale, the cached token is reused.
func (c *Client) forceReauth(ctx context.Context, stale string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" && c.token != stale && time.Now().Before(c.tokenExp) {
		return c.token, nil
	}
	c.token = ""
	return c.authenticateLocked(ctx)
}

// authenticateLocked exchanges credentials for a JWT. Caller must hold c.mu.
func (c *Client) authenticateLocked(ctx context.Context) (string, error) {
	authAttempts.Inc()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/security/user/authenticate", nil)
	if err != nil {
		authFailures.Inc()
		return "", &AuthError{Message: err.Error()}
	}
	req.SetBasicAuth(c.username, c.password)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		authFailures.Inc()
		return "", &AuthError{Message: fmt.Sprintf("manager unreachable: %v", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		authFailures.Inc()
		return "", &AuthError{Message: fmt.Sprintf("status %d: %s", resp.StatusCode, readAPIMessage(resp.Body))}
	}

	var body struct {
		Data struct {
			Token string `json:"token"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Data.Token == "" {
		authFailures.Inc()
		return "", &AuthError{Message: "malformed authentication response"}
	}

	c.token = body.Data.Token
	c.tokenExp = c.tokenExpiry(body.Data.Token)
	c.log.WithField("expires_at", c.tokenExp).Debug("Authenticated against Wazuh API")
	return c.token, nil
}

// tokenExpiry reads the exp claim from the (unverified) JWT, falling back to
// the configured TTL when the claim is absent or unreadable. The token is
// not trusted for anything; the manager validates it on every request.
func (c *Client) tokenExpiry(token string) time.Time {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err == nil && claims.ExpiresAt != nil {
		return claims.ExpiresAt.Time.Add(-tokenExpirySkew)
	}
	return time.Now().Add(c.tokenTTL - tokenExpirySkew)
}

// Get issues an authenticated GET against the Wazuh API, transparently
// re-authenticating once if the manager reports the token expired. Any other
// failure is returned immediately.
func (c *Client) Get(ctx context.Context, path string, params url.Values) (json.RawMessage, error) {
	token, err := c.ensureToken(ctx)
	if err != nil {
		return nil, err
	}

	raw, status, err := c.do(ctx, path, params, token)
	if status == http.StatusUnauthorized {
		token, err = c.forceReauth(ctx, token)
		if err != nil {
			return nil, err
		}
		raw, status, err = c.do(ctx, path, params, token)
		if status == http.StatusUnauthorized {
			return nil, &AuthError{Message: "session rejected after re-authentication"}
		}
	}
	return raw, err
}

// do performs a single request. The returned status is zero on transport
// failure.
func (c *Client) do(ctx context.Context, path string, params url.Values, token string) (json.RawMessage, int, error) {
	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, 0, &TransportError{Op: "GET " + path, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		apiRequests.WithLabelValues(path, "error").Inc()
		return nil, 0, &TransportError{Op: "GET " + path, Err: err}
	}
	defer resp.Body.Close()
	apiRequests.WithLabelValues(path, strconv.Itoa(resp.StatusCode)).Inc()

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, resp.StatusCode, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, resp.StatusCode, &APIError{Status: resp.StatusCode, Message: readAPIMessage(resp.Body)}
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, &TransportError{Op: "GET " + path, Err: err}
	}
	return raw, resp.StatusCode, nil
}

// readAPIMessage extracts a human-readable message from a Wazuh error body.
func readAPIMessage(r io.Reader) string {
	body, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil || len(body) == 0 {
		return "no error detail"
	}
	var e struct {
		Title   string `json:"title"`
		Detail  string `json:"detail"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &e); err == nil {
		switch {
		case e.Detail != "":
			return e.Detail
		case e.Title != "":
			return e.Title
		case e.Message != "":
			return e.Message
		}
	}
	return strings.TrimSpace(string(body))
}

// Ping verifies the manager is reachable and the credentials are accepted.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.ensureToken(ctx)
	return err
}

// agentItem is the wire shape of a single agent in a Wazuh response.
type agentItem struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	IP            string `json:"ip"`
	Status        string `json:"status"`
	LastKeepAlive string `json:"lastKeepAlive"`
}

// ListAgents fetches all registered agents with their connection status
// normalized. An empty fleet is a valid, empty result.
func (c *Client) ListAgents(ctx context.Context) ([]types.Agent, error) {
	params := url.Values{}
	params.Set("limit", "500")

	raw, err := c.Get(ctx, "/agents", params)
	if err != nil {
		return nil, err
	}

	var body struct {
		Data struct {
			AffectedItems []agentItem `json:"affected_items"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, &APIError{Status: http.StatusOK, Message: "malformed agents response: " + err.Error()}
	}

	agents := make([]types.Agent, 0, len(body.Data.AffectedItems))
	for _, item := range body.Data.AffectedItems {
		agents = append(agents, types.Agent{
			ID:       item.ID,
			Name:     item.Name,
			IP:       item.IP,
			Status:   types.NormalizeAgentStatus(item.Status),
			LastSeen: parseTimestamp(item.LastKeepAlive),
		})
	}
	return agents, nil
}

// alertItem is the wire shape of a single alert in a Wazuh response.
type alertItem struct {
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Rule      struct {
		ID          string `json:"id"`
		Level       int    `json:"level"`
		Description string `json:"description"`
	} `json:"rule"`
	Agent struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"agent"`
}

// Alerts queries alerts matching q. Shaping beyond the server-side filter
// (ordering, severity thresholds) belongs to the tool layer.
func (c *Client) Alerts(ctx context.Context, q types.AlertQuery) ([]types.Alert, error) {
	params := url.Values{}
	params.Set("sort", "-timestamp")
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}

	var filters []string
	if q.Window > 0 {
		start := time.Now().UTC().Add(-q.Window).Format(time.RFC3339)
		filters = append(filters, "timestamp>"+start)
	}
	if q.AgentID != "" {
		filters = append(filters, "agent.id="+q.AgentID)
	}
	if len(filters) > 0 {
		params.Set("q", strings.Join(filters, ";"))
	}

	raw, err := c.Get(ctx, "/alerts", params)
	if err != nil {
		return nil, err
	}

	var body struct {
		Data struct {
			AffectedItems []alertItem `json:"affected_items"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, &APIError{Status: http.StatusOK, Message: "malformed alerts response: " + err.Error()}
	}

	alerts := make([]types.Alert, 0, len(body.Data.AffectedItems))
	for _, item := range body.Data.AffectedItems {
		alerts = append(alerts, types.Alert{
			ID:          item.ID,
			Timestamp:   parseTimestamp(item.Timestamp),
			Severity:    item.Rule.Level,
			RuleID:      item.Rule.ID,
			Description: item.Rule.Description,
			AgentID:     item.Agent.ID,
			AgentName:   item.Agent.Name,
		})
	}
	return alerts, nil
}

// AgentSummary fetches fleet-wide connection-status counts.
func (c *Client) AgentSummary(ctx context.Context) (types.AgentSummary, error) {
	raw, err := c.Get(ctx, "/agents/summary/status", nil)
	if err != nil {
		return types.AgentSummary{}, err
	}

	var body struct {
		Data struct {
			Connection struct {
				Active         int `json:"active"`
				Disconnected   int `json:"disconnected"`
				NeverConnected int `json:"never_connected"`
				Pending        int `json:"pending"`
				Total          int `json:"total"`
			} `json:"connection"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return types.AgentSummary{}, &APIError{Status: http.StatusOK, Message: "malformed summary response: " + err.Error()}
	}

	conn := body.Data.Connection
	return types.AgentSummary{
		Active:         conn.Active,
		Disconnected:   conn.Disconnected,
		NeverConnected: conn.NeverConnected,
		Pending:        conn.Pending,
		Total:          conn.Total,
	}, nil
}

// parseTimestamp parses the RFC3339 timestamps Wazuh emits, returning the
// zero time for absent or unparseable values.
func parseTimestamp(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
