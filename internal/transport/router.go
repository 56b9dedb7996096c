package transport

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/taskfront/intake/internal/config"
	"github.com/taskfront/intake/internal/observability"
	"github.com/taskfront/intake/internal/payment"
	"github.com/taskfront/intake/internal/reconcile"
	"github.com/taskfront/intake/internal/snapshot"
	"github.com/taskfront/intake/internal/workitem"
	"github.com/taskfront/intake/model"
)

// resumeEngine runs the resume decision tree.
type resumeEngine interface {
	Resume(ctx context.Context, sess *model.Session, currentRoute string) (reconcile.Resolution, error)
}

// formSaver queues or forces intake form saves.
type formSaver interface {
	Save(ctx context.Context, sess *model.Session, draftID string, payload model.ResumePayload, forced bool) error
}

// draftAPI is the slice of the work-items client the handlers need.
type draftAPI interface {
	GetDraft(ctx context.Context, sess *model.Session, id string) (*model.WorkDraft, error)
	CreateDraft(ctx context.Context, sess *model.Session, wt model.WorkType, payload model.ResumePayload) (*model.WorkDraft, error)
	Activate(ctx context.Context, sess *model.Session, id string, startDate time.Time, discussions []workitem.Discussion) (*model.WorkDraft, error)
}

// paymentAPI is the slice of the payments client the handlers need.
type paymentAPI interface {
	Charge(ctx context.Context, sess *model.Session, req payment.ChargeRequest) (payment.ChargeResult, error)
	Confirm(ctx context.Context, sess *model.Session, paymentID string) (payment.ChargeResult, error)
}

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config       *config.Config
	Logger       *zap.Logger
	Metrics      *observability.Metrics
	Engine       resumeEngine
	Saver        formSaver
	Drafts       draftAPI
	Payments     paymentAPI
	Store        snapshot.Store
	Authenticate func(http.Handler) http.Handler
	Ready        http.HandlerFunc
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints bypass
// authentication and session construction.
func NewRouter(deps Dependencies) chi.Router {
	h := &handlers{deps: deps}

	r := chi.NewRouter()

	// Global middleware: applied to all routes including health.
	r.Use(Recovery)
	r.Use(CORS(deps.Config.Server.CORS))
	r.Use(RequestID)
	r.Use(observability.TracingMiddleware)
	r.Use(SecurityHeaders)

	// Public routes.
	r.Get("/ui/health", observability.HandleHealth())
	if deps.Ready != nil {
		r.Get("/ui/ready", deps.Ready)
	}
	if deps.Config.Observability.Metrics.Enabled {
		path := deps.Config.Observability.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		r.Method(http.MethodGet, path, observability.Handler())
	}

	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}

	r.Route("/ui/intake", func(r chi.Router) {
		r.Use(auth)
		r.Use(BuildSession)
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))
		r.Use(RequestLogging)
		if deps.Metrics != nil {
			r.Use(deps.Metrics.MetricsMiddleware)
		}
		r.Use(RequireSessionKey)

		// Anonymous sessions participate fully; state lands in the
		// snapshot store instead of a remote draft.
		r.Post("/resume", h.resume)
		r.Put("/autosave", h.autosave)
		r.Post("/drafts", h.createDraft)
		r.Post("/drafts/{draftId}/steps/{step}", h.stepTransition)
		r.Delete("/state", h.abandon)

		// Remote draft and payment operations need an identity.
		r.Group(func(r chi.Router) {
			r.Use(RequireAuthenticated)
			r.Post("/drafts/{draftId}/activate", h.activate)
			r.Get("/drafts/{draftId}/route", h.draftRoute)
			r.Post("/payments", h.createPayment)
			r.Post("/payments/{paymentId}/confirm", h.confirmPayment)
		})
	})

	return r
}
