// Package integration provides a reusable test harness for end-to-end
// integration testing of the intake BFF server. It starts a full HTTP server
// with mock work-item and payment backends, an in-memory snapshot store, and
// a test JWT issuer.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/taskfront/intake/internal/autosave"
	"github.com/taskfront/intake/internal/backend"
	"github.com/taskfront/intake/internal/config"
	"github.com/taskfront/intake/internal/observability"
	"github.com/taskfront/intake/internal/openapi"
	"github.com/taskfront/intake/internal/payment"
	"github.com/taskfront/intake/internal/reconcile"
	"github.com/taskfront/intake/internal/snapshot"
	"github.com/taskfront/intake/internal/transport"
	"github.com/taskfront/intake/internal/workitem"
)

// TestHarness encapsulates a fully wired intake BFF instance with mock
// backends for integration testing.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server
	issuer *tokenIssuer

	// Internal components exposed for advanced test scenarios.
	Store      snapshot.Store
	Engine     *reconcile.Engine
	Dispatcher *autosave.Dispatcher
	OAIndex    *openapi.Index

	backends map[string]*MockBackend
	cfg      *config.Config
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	handlerTimeout time.Duration
	debounce       time.Duration
	cooldown       time.Duration
	snapshotTTL    time.Duration
	guardTTL       time.Duration
	retries        map[string]config.RetryConfig
	breakers       map[string]config.CircuitBreakerConfig
}

// WithHandlerTimeout sets the per-request handler timeout.
func WithHandlerTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.handlerTimeout = d
	}
}

// WithAutosaveTiming sets the dispatcher's debounce and cooldown windows.
// Tests that exercise the deferred flush path want these very short.
func WithAutosaveTiming(debounce, cooldown time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.debounce = debounce
		c.cooldown = cooldown
	}
}

// WithSnapshotTTLs overrides the snapshot and guard expiry windows.
func WithSnapshotTTLs(snapshotTTL, guardTTL time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.snapshotTTL = snapshotTTL
		c.guardTTL = guardTTL
	}
}

// WithServiceRetry overrides the retry policy for one backend service.
func WithServiceRetry(serviceID string, retry config.RetryConfig) HarnessOption {
	return func(c *harnessConfig) {
		c.retries[serviceID] = retry
	}
}

// WithServiceBreaker overrides the circuit breaker settings for one backend
// service.
func WithServiceBreaker(serviceID string, cb config.CircuitBreakerConfig) HarnessOption {
	return func(c *harnessConfig) {
		c.breakers[serviceID] = cb
	}
}

// NewTestHarness creates and starts a full intake BFF test instance. The
// server and its mock backends are cleaned up when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		handlerTimeout: 10 * time.Second,
		debounce:       50 * time.Millisecond,
		cooldown:       50 * time.Millisecond,
		snapshotTTL:    1 * time.Hour,
		guardTTL:       1 * time.Hour,
		retries:        make(map[string]config.RetryConfig),
		breakers:       make(map[string]config.CircuitBreakerConfig),
	}
	for _, opt := range opts {
		opt(hc)
	}

	h := &TestHarness{
		t:        t,
		backends: make(map[string]*MockBackend),
	}

	// Step 1: Start mock backends.
	h.backends[config.ServiceWorkItems] = newMockBackend(t, config.ServiceWorkItems, DefaultWorkItemRoutes())
	h.backends[config.ServicePayments] = newMockBackend(t, config.ServicePayments, DefaultPaymentRoutes())

	// Step 2: Load OpenAPI specs and run the same contract checks the
	// server runs at startup.
	td := testdataDir()
	h.OAIndex = openapi.NewIndex()
	err := h.OAIndex.Load([]openapi.SpecSource{
		{ServiceID: config.ServiceWorkItems, SpecPath: filepath.Join(td, "work-items.yaml")},
		{ServiceID: config.ServicePayments, SpecPath: filepath.Join(td, "payments.yaml")},
	})
	if err != nil {
		t.Fatalf("load OpenAPI specs: %v", err)
	}
	if err := h.OAIndex.Require(config.ServiceWorkItems, workitem.RequiredOperations...); err != nil {
		t.Fatalf("work-items contract check: %v", err)
	}
	if err := h.OAIndex.Require(config.ServicePayments, payment.RequiredOperations...); err != nil {
		t.Fatalf("payments contract check: %v", err)
	}

	// Step 3: JWT issuer with a JWKS endpoint.
	h.issuer = newTokenIssuer(t)

	// Step 4: Build config pointing at the mocks.
	h.cfg = &config.Config{
		Server: config.ServerConfig{
			ReadTimeout:    30 * time.Second,
			WriteTimeout:   30 * time.Second,
			HandlerTimeout: hc.handlerTimeout,
			CORS: config.CORSConfig{
				AllowedOrigins: []string{"http://localhost:3000"},
				AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
				AllowedHeaders: []string{"Authorization", "Content-Type",
					"X-Anonymous-Id", "X-Correlation-Id"},
				MaxAge: 86400,
			},
		},
		Identity: config.IdentityConfig{
			Issuer:       h.issuer.Issuer(),
			Audience:     h.issuer.Audience(),
			JWKSURL:      h.issuer.JWKSURL(),
			JWKSCacheTTL: 1 * time.Hour,
			Algorithms:   []string{"RS256"},
		},
		Services: map[string]config.ServiceConfig{
			config.ServiceWorkItems: h.serviceConfig(config.ServiceWorkItems, hc),
			config.ServicePayments:  h.serviceConfig(config.ServicePayments, hc),
		},
		Snapshot: config.SnapshotConfig{
			Driver:      "memory",
			SnapshotTTL: hc.snapshotTTL,
			GuardTTL:    hc.guardTTL,
			PendingTTL:  hc.snapshotTTL,
		},
		Autosave: config.AutosaveConfig{
			Debounce:      hc.debounce,
			Cooldown:      hc.cooldown,
			FlushInterval: 1 * time.Second,
		},
		Observability: config.ObservabilityConfig{
			LogLevel: "error",
		},
	}

	// Step 5: Build the store, clients, engine, and dispatcher exactly the
	// way cmd/bff does, with test-friendly substitutes for telemetry.
	logger := zap.NewNop()
	metrics := observability.InitMetrics(prometheus.NewRegistry())

	h.Store = snapshot.NewMemoryStore(snapshot.TTLs{
		Snapshot: h.cfg.Snapshot.SnapshotTTL,
		Guard:    h.cfg.Snapshot.GuardTTL,
		Pending:  h.cfg.Snapshot.PendingTTL,
	})

	drafts := workitem.NewClient(backend.NewClient(config.ServiceWorkItems, h.cfg.Services[config.ServiceWorkItems]))
	payments := payment.NewClient(backend.NewClient(config.ServicePayments, h.cfg.Services[config.ServicePayments]))

	h.Engine = reconcile.NewEngine(h.Store, drafts, logger, metrics)
	h.Dispatcher = autosave.NewDispatcher(h.Store, drafts, h.cfg.Autosave, logger, metrics)

	// Step 6: Build the router with the full middleware chain.
	jwks := transport.NewJWKSClient(h.issuer.JWKSURL(), 1*time.Hour)

	router := transport.NewRouter(transport.Dependencies{
		Config:       h.cfg,
		Logger:       logger,
		Metrics:      metrics,
		Engine:       h.Engine,
		Saver:        h.Dispatcher,
		Drafts:       drafts,
		Payments:     payments,
		Store:        h.Store,
		Authenticate: transport.JWTAuthenticator(h.cfg.Identity, jwks),
		Ready: observability.HandleReady(observability.ReadinessChecks{
			OpenAPILoaded: func() bool {
				return len(h.OAIndex.AllOperationIDs(config.ServiceWorkItems)) > 0
			},
			SnapshotStore: observability.CheckerFunc(func(context.Context) error { return nil }),
		}),
	})

	// Step 7: Start the test server.
	h.server = httptest.NewServer(router)
	t.Cleanup(h.server.Close)

	return h
}

func (h *TestHarness) serviceConfig(serviceID string, hc *harnessConfig) config.ServiceConfig {
	cfg := config.ServiceConfig{
		BaseURL: h.backends[serviceID].URL(),
		Timeout: 5 * time.Second,
		Retry: config.RetryConfig{
			MaxAttempts:    1,
			IdempotentOnly: true,
		},
	}
	if retry, ok := hc.retries[serviceID]; ok {
		cfg.Retry = retry
	}
	if cb, ok := hc.breakers[serviceID]; ok {
		cfg.CircuitBreaker = cb
	}
	return cfg
}

// BaseURL returns the test server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// MockBackend returns the mock backend for the given service ID.
func (h *TestHarness) MockBackend(serviceID string) *MockBackend {
	mb, ok := h.backends[serviceID]
	if !ok {
		h.t.Fatalf("mock backend %q not configured", serviceID)
	}
	return mb
}

// WorkItems returns the work-items mock backend.
func (h *TestHarness) WorkItems() *MockBackend {
	return h.MockBackend(config.ServiceWorkItems)
}

// Payments returns the payments mock backend.
func (h *TestHarness) Payments() *MockBackend {
	return h.MockBackend(config.ServicePayments)
}

// GenerateToken creates a valid JWT token with the given claims.
func (h *TestHarness) GenerateToken(claims TestClaims) string {
	return h.issuer.GenerateToken(claims)
}

// GenerateExpiredToken creates a JWT that has already expired.
func (h *TestHarness) GenerateExpiredToken(claims TestClaims) string {
	return h.issuer.GenerateExpiredToken(claims)
}

// --- HTTP client helpers ---

// GET performs a GET request. token may be empty for unauthenticated calls.
func (h *TestHarness) GET(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodGet, path, nil, token, nil)
}

// POST performs a POST request with a JSON body.
func (h *TestHarness) POST(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodPost, path, body, token, nil)
}

// PUT performs a PUT request with a JSON body.
func (h *TestHarness) PUT(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodPut, path, body, token, nil)
}

// DELETE performs a DELETE request.
func (h *TestHarness) DELETE(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodDelete, path, nil, token, nil)
}

// GETWithHeaders performs a GET request with additional headers.
func (h *TestHarness) GETWithHeaders(path, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodGet, path, nil, token, headers)
}

// POSTWithHeaders performs a POST request with additional headers.
func (h *TestHarness) POSTWithHeaders(path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodPost, path, body, token, headers)
}

// PUTWithHeaders performs a PUT request with additional headers.
func (h *TestHarness) PUTWithHeaders(path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodPut, path, body, token, headers)
}

// DELETEWithHeaders performs a DELETE request with additional headers.
func (h *TestHarness) DELETEWithHeaders(path, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodDelete, path, nil, token, headers)
}

// AnonHeaders builds the header map an anonymous SPA session sends.
func AnonHeaders(anonID string) map[string]string {
	return map[string]string{"X-Anonymous-Id": anonID}
}

func (h *TestHarness) doRequest(method, path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()

	url := h.server.URL + path

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		bodyReader = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(context.Background(), method, url, bodyReader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}

	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{
		Timeout: 10 * time.Second,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// ParseJSON reads the response body and unmarshals it into the target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
	}
}

// ReadBody reads and returns the response body as bytes.
func (h *TestHarness) ReadBody(resp *http.Response) []byte {
	h.t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	return data
}

// AssertStatus checks that the response has the expected status code.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Errorf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
}

// AssertJSON checks that the response has the expected status and parses the
// body into target.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
	h.ParseJSON(resp, target)
}

// AssertErrorCode checks an error response's status and envelope code.
func (h *TestHarness) AssertErrorCode(t *testing.T, resp *http.Response, status int, code string) {
	t.Helper()
	var body struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	h.AssertJSON(t, resp, status, &body)
	if body.Error.Code != code {
		t.Errorf("error code = %q, want %q (message: %s)", body.Error.Code, code, body.Error.Message)
	}
}

// --- Default test claims ---

// MemberClaims returns TestClaims for an ordinary marketplace member.
func MemberClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-pat",
		Handle:    "pat",
		Email:     "pat@example.com",
		Roles:     []string{"member"},
	}
}

// SecondMemberClaims returns TestClaims for a different member, used to
// verify session state isolation.
func SecondMemberClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-sam",
		Handle:    "sam",
		Email:     "sam@example.com",
		Roles:     []string{"member"},
	}
}

// --- Helpers ---

// testdataDir returns the absolute path to the testdata directory.
func testdataDir() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "testdata")
}

// FormatJSON converts a value to indented JSON for test output.
func FormatJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
