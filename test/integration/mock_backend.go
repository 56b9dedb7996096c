package integration

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"
)

// RecordedRequest captures a request made to a mock backend.
type RecordedRequest struct {
	Method      string
	Path        string
	Headers     http.Header
	QueryParams map[string]string
	Body        map[string]any
	RawBody     []byte
	ReceivedAt  time.Time
}

// mockResponse describes a configured response for an operation.
type mockResponse struct {
	statusCode      int
	body            any
	headers         map[string]string
	delay           time.Duration
	connectionError bool
}

// MockBackend simulates a downstream service for integration tests. It
// records every request it receives and serves configured responses keyed
// by operation ID.
type MockBackend struct {
	t      *testing.T
	name   string
	server *httptest.Server

	mu        sync.Mutex
	requests  map[string][]RecordedRequest
	responses map[string][]mockResponse
	served    map[string]int
}

// newMockBackend starts a mock backend serving the given operation routes.
// Routes map operation IDs to "METHOD /path" patterns.
func newMockBackend(t *testing.T, name string, routes map[string]string) *MockBackend {
	t.Helper()

	mb := &MockBackend{
		t:         t,
		name:      name,
		requests:  make(map[string][]RecordedRequest),
		responses: make(map[string][]mockResponse),
		served:    make(map[string]int),
	}

	mux := http.NewServeMux()
	for opID, pattern := range routes {
		mux.HandleFunc(pattern, mb.handlerFor(opID))
	}
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		t.Logf("mock backend %s: unmatched request %s %s", name, r.Method, r.URL.Path)
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{
			"code":    "NOT_FOUND",
			"message": fmt.Sprintf("no route for %s %s", r.Method, r.URL.Path),
		})
	})

	mb.server = httptest.NewServer(mux)
	t.Cleanup(mb.server.Close)
	return mb
}

// DefaultWorkItemRoutes returns the operation routes served by the
// work-items mock.
func DefaultWorkItemRoutes() map[string]string {
	return map[string]string{
		"listChallenges":  "GET /challenges",
		"createChallenge": "POST /challenges",
		"getChallenge":    "GET /challenges/{id}",
		"updateChallenge": "PATCH /challenges/{id}",
	}
}

// DefaultPaymentRoutes returns the operation routes served by the
// payments mock.
func DefaultPaymentRoutes() map[string]string {
	return map[string]string{
		"createCustomerPayment":  "POST /customer-payments",
		"confirmCustomerPayment": "PATCH /customer-payments/{id}/confirm",
	}
}

// URL returns the base URL of the mock backend server.
func (mb *MockBackend) URL() string {
	return mb.server.URL
}

// responseBuilder configures responses for a single operation.
type responseBuilder struct {
	mb   *MockBackend
	opID string
}

// OnOperation starts configuring responses for an operation ID. Multiple
// calls append responses that are served in order; the last one repeats.
func (mb *MockBackend) OnOperation(operationID string) *responseBuilder {
	return &responseBuilder{mb: mb, opID: operationID}
}

// RespondWith configures a JSON response with the given status and body.
func (rb *responseBuilder) RespondWith(statusCode int, body any) *responseBuilder {
	rb.append(mockResponse{statusCode: statusCode, body: body})
	return rb
}

// RespondWithError configures an error response in the downstream envelope
// shape ({"code": ..., "message": ...}).
func (rb *responseBuilder) RespondWithError(statusCode int, code, message string) *responseBuilder {
	rb.append(mockResponse{
		statusCode: statusCode,
		body:       map[string]string{"code": code, "message": message},
	})
	return rb
}

// RespondWithDelay configures a response that is sent after the given delay.
func (rb *responseBuilder) RespondWithDelay(delay time.Duration, statusCode int, body any) *responseBuilder {
	rb.append(mockResponse{statusCode: statusCode, body: body, delay: delay})
	return rb
}

// RespondWithConnectionError configures the server to drop the connection
// without writing a response.
func (rb *responseBuilder) RespondWithConnectionError() *responseBuilder {
	rb.append(mockResponse{connectionError: true})
	return rb
}

func (rb *responseBuilder) append(resp mockResponse) {
	rb.mb.mu.Lock()
	defer rb.mb.mu.Unlock()
	rb.mb.responses[rb.opID] = append(rb.mb.responses[rb.opID], resp)
}

func (mb *MockBackend) handlerFor(opID string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		mb.record(opID, r)

		mb.mu.Lock()
		configured := mb.responses[opID]
		idx := mb.served[opID]
		mb.served[opID]++
		mb.mu.Unlock()

		if len(configured) == 0 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
			return
		}
		if idx >= len(configured) {
			idx = len(configured) - 1
		}
		resp := configured[idx]

		if resp.delay > 0 {
			time.Sleep(resp.delay)
		}
		if resp.connectionError {
			hj, ok := w.(http.Hijacker)
			if !ok {
				mb.t.Fatalf("mock backend %s: response writer does not support hijacking", mb.name)
			}
			conn, _, err := hj.Hijack()
			if err != nil {
				mb.t.Fatalf("mock backend %s: hijack: %v", mb.name, err)
			}
			conn.Close()
			return
		}

		w.Header().Set("Content-Type", "application/json")
		for k, v := range resp.headers {
			w.Header().Set(k, v)
		}
		w.WriteHeader(resp.statusCode)
		if resp.body != nil {
			json.NewEncoder(w).Encode(resp.body)
		}
	}
}

func (mb *MockBackend) record(opID string, r *http.Request) {
	rec := RecordedRequest{
		Method:      r.Method,
		Path:        r.URL.Path,
		Headers:     r.Header.Clone(),
		QueryParams: make(map[string]string),
		ReceivedAt:  time.Now(),
	}
	for k, vs := range r.URL.Query() {
		if len(vs) > 0 {
			rec.QueryParams[k] = vs[0]
		}
	}
	if r.Body != nil {
		raw := make([]byte, 0, 512)
		buf := make([]byte, 512)
		for {
			n, err := r.Body.Read(buf)
			raw = append(raw, buf[:n]...)
			if err != nil {
				break
			}
		}
		rec.RawBody = raw
		if len(raw) > 0 {
			var body map[string]any
			if err := json.Unmarshal(raw, &body); err == nil {
				rec.Body = body
			}
		}
	}

	mb.mu.Lock()
	mb.requests[opID] = append(mb.requests[opID], rec)
	mb.mu.Unlock()
}

// CallCount returns how many times an operation has been called.
func (mb *MockBackend) CallCount(operationID string) int {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return len(mb.requests[operationID])
}

// AssertCalled fails the test unless the operation was called exactly
// the expected number of times.
func (mb *MockBackend) AssertCalled(t *testing.T, operationID string, times int) {
	t.Helper()
	if got := mb.CallCount(operationID); got != times {
		t.Errorf("mock backend %s: operation %s called %d times, want %d", mb.name, operationID, got, times)
	}
}

// AssertNotCalled fails the test if the operation was called at all.
func (mb *MockBackend) AssertNotCalled(t *testing.T, operationID string) {
	t.Helper()
	if got := mb.CallCount(operationID); got != 0 {
		t.Errorf("mock backend %s: operation %s called %d times, want 0", mb.name, operationID, got)
	}
}

// LastRequest returns the most recent recorded request for an operation,
// failing the test if none was recorded.
func (mb *MockBackend) LastRequest(t *testing.T, operationID string) RecordedRequest {
	t.Helper()
	mb.mu.Lock()
	defer mb.mu.Unlock()
	reqs := mb.requests[operationID]
	if len(reqs) == 0 {
		t.Fatalf("mock backend %s: no recorded requests for operation %s", mb.name, operationID)
	}
	return reqs[len(reqs)-1]
}

// AllRequests returns every recorded request for an operation.
func (mb *MockBackend) AllRequests(operationID string) []RecordedRequest {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	out := make([]RecordedRequest, len(mb.requests[operationID]))
	copy(out, mb.requests[operationID])
	return out
}

// Reset clears recorded requests and configured responses.
func (mb *MockBackend) Reset() {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.requests = make(map[string][]RecordedRequest)
	mb.responses = make(map[string][]mockResponse)
	mb.served = make(map[string]int)
}

// IntakePayload builds a wizard form payload for the given work type with
// the cursor on the given step.
func IntakePayload(workType string, step int) map[string]any {
	return map[string]any{
		"form": map[string]any{
			"workType": map[string]any{"selectedWorkType": workType},
		},
		"progress": map[string]any{"currentStep": step},
	}
}

// ChallengeFixture builds a work-items challenge resource in the wire shape
// the backend returns, with intake metadata attached.
func ChallengeFixture(id, workType, status string, step int, payload map[string]any) map[string]any {
	meta := []map[string]any{
		{"name": "work-type", "value": workType},
		{"name": "current-step", "value": strconv.Itoa(step)},
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			panic("marshal intake payload: " + err.Error())
		}
		meta = append(meta, map[string]any{"name": "intake-form", "value": string(raw)})
	}
	return map[string]any{
		"id":          id,
		"name":        workType + " work item",
		"status":      status,
		"createdBy":   "pat",
		"selfService": true,
		"metadata":    meta,
		"created":     "2026-01-15T10:30:00Z",
		"updated":     "2026-01-15T10:30:00Z",
	}
}
