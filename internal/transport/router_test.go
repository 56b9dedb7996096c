package transport

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"github.com/taskfront/intake/internal/config"
	"github.com/taskfront/intake/internal/reconcile"
)

func testRouter() http.Handler {
	return NewRouter(Dependencies{
		Config:   &config.Config{},
		Logger:   zap.NewNop(),
		Engine:   &stubEngine{res: reconcile.Resolution{Source: reconcile.SourceNone}},
		Saver:    &stubSaver{},
		Drafts:   &stubDrafts{},
		Payments: &stubPayments{},
		Store:    testStore(),
	})
}

func TestRouterHealthIsPublic(t *testing.T) {
	w := httptest.NewRecorder()
	testRouter().ServeHTTP(w, httptest.NewRequest("GET", "/ui/health", nil))
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestRouterRejectsKeylessIntakeRequests(t *testing.T) {
	req := httptest.NewRequest("POST", "/ui/intake/resume", nil)
	w := httptest.NewRecorder()
	testRouter().ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, requests without identity or anonymous id must be rejected", w.Code)
	}
}

func TestRouterAllowsAnonymousResume(t *testing.T) {
	req := httptest.NewRequest("POST", "/ui/intake/resume", nil)
	req.Header.Set(HeaderAnonymousID, "a1")
	w := httptest.NewRecorder()
	testRouter().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, body %s", w.Code, w.Body.String())
	}
}

func TestRouterGatesAuthenticatedRoutes(t *testing.T) {
	// Draft activation needs a verified identity, not just an anonymous id.
	req := httptest.NewRequest("POST", "/ui/intake/drafts/ch-1/activate", nil)
	req.Header.Set(HeaderAnonymousID, "a1")
	w := httptest.NewRecorder()
	testRouter().ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401 for anonymous activation", w.Code)
	}
}
