// Package reconcile decides where an intake session resumes. It folds the
// session's cached snapshot, the remote draft (when authenticated), and the
// pending-type marker left by a login hand-off into a single authoritative
// resolution: which payload to restore, which draft it belongs to, and at
// most one redirect.
package reconcile

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/taskfront/intake/internal/observability"
	"github.com/taskfront/intake/internal/snapshot"
	"github.com/taskfront/intake/internal/steproute"
	"github.com/taskfront/intake/model"
)

// Resolution sources, in increasing order of authority.
const (
	SourceNone     = "none"
	SourceSnapshot = "snapshot"
	SourceRemote   = "remote-metadata"
	SourcePending  = "pending"
)

// Resolution is the outcome of one reconciliation pass.
type Resolution struct {
	// Source names which input won: none, snapshot, remote-metadata, or
	// pending.
	Source string `json:"source"`
	// Redirect is the route the wizard should navigate to, empty when the
	// current location is already correct.
	Redirect string `json:"redirect,omitempty"`
	// WorkType of the resumed intake, when known.
	WorkType model.WorkType `json:"workType,omitempty"`
	// Step is the zero-based step index the payload's progress points at.
	Step int `json:"step"`
	// DraftID is the remote draft backing this session, when one exists.
	DraftID string `json:"draftId,omitempty"`
	// Payload is the authoritative form state to restore, nil when there
	// is nothing to restore.
	Payload *model.ResumePayload `json:"payload,omitempty"`
}

// draftService is the slice of the work-items client the engine needs.
type draftService interface {
	FindUnsubmittedDraft(ctx context.Context, sess *model.Session, handle, id string) (*model.WorkDraft, error)
	CreateDraft(ctx context.Context, sess *model.Session, wt model.WorkType, payload model.ResumePayload) (*model.WorkDraft, error)
	SaveIntakeForm(ctx context.Context, sess *model.Session, id string, payload model.ResumePayload) (*model.WorkDraft, error)
}

// Engine runs the resume decision tree.
type Engine struct {
	store   snapshot.Store
	drafts  draftService
	logger  *zap.Logger
	metrics *observability.Metrics

	mu       sync.Mutex
	inflight map[string]bool
}

// NewEngine creates an Engine. metrics may be nil.
func NewEngine(store snapshot.Store, drafts draftService, logger *zap.Logger, metrics *observability.Metrics) *Engine {
	return &Engine{
		store:    store,
		drafts:   drafts,
		logger:   logger,
		metrics:  metrics,
		inflight: make(map[string]bool),
	}
}

// Resume executes the decision tree once for the session. currentRoute is
// where the wizard currently sits; routes owned by self-managed flows are
// left alone. While one pass is in flight for a session key, further calls
// resolve to SourceNone immediately.
//
// The only error Resume returns is the caller's own context cancellation.
// Every backend failure resolves to a redirect to the entry route instead,
// so the wizard is never stranded mid-flow.
func (e *Engine) Resume(ctx context.Context, sess *model.Session, currentRoute string) (Resolution, error) {
	// 1. Self-managed flows reconcile themselves.
	if steproute.IsSelfManagedRoute(currentRoute) {
		return Resolution{Source: SourceNone}, nil
	}

	// 2. Single-flight per session key.
	key := sess.Key()
	e.mu.Lock()
	if e.inflight[key] {
		e.mu.Unlock()
		if e.metrics != nil {
			e.metrics.RecordReconcileSkipped("inflight")
		}
		return Resolution{Source: SourceNone}, nil
	}
	e.inflight[key] = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.inflight, key)
		e.mu.Unlock()
	}()

	start := time.Now()
	ctx, span := observability.StartSpan(ctx, "reconcile.Resume",
		observability.AttrSessionKey.String(key))
	res, err := e.resume(ctx, sess)
	observability.EndSpanWithError(span, err)

	if e.metrics != nil {
		e.metrics.RecordReconcile(res.Source, sess.Authenticated(), time.Since(start))
	}
	e.logger.Debug("reconcile resolved",
		zap.String("session_key", key),
		zap.String("source", res.Source),
		zap.String("redirect", res.Redirect),
		zap.String("draft_id", res.DraftID))
	return res, err
}

func (e *Engine) resume(ctx context.Context, sess *model.Session) (Resolution, error) {
	if !sess.Authenticated() {
		return e.resumeAnonymous(ctx, sess), nil
	}

	// 3. A pending-type marker means the session was parked mid-flow for
	// login and owns no draft yet. Materialize one before anything else.
	if wt, ok := e.pendingType(ctx, sess); ok {
		return e.resumePending(ctx, sess, wt)
	}

	// 4. No cached draft id means nothing to reconcile.
	id, ok := e.cachedDraftID(ctx, sess)
	if !ok {
		return Resolution{Source: SourceNone}, nil
	}

	// 5. Look the draft up remotely, scoped to the cached id.
	draft, err := e.drafts.FindUnsubmittedDraft(ctx, sess, sess.Handle, id)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			// The caller went away; this is not a backend failure.
			return Resolution{Source: SourceNone}, err
		}
		e.logger.Warn("reconcile: remote lookup failed",
			zap.String("draft_id", id), zap.Error(err))
		return Resolution{Source: SourceNone, Redirect: steproute.EntryRoute()}, nil
	}

	if draft == nil {
		// 6. The cached id is stale. Drop it and fall back to the
		// snapshot, same as an anonymous session.
		if err := e.store.ClearDraftID(ctx, sess.Key()); err != nil {
			e.logger.Debug("reconcile: clear stale draft id", zap.Error(err))
		}
		return e.resumeSnapshot(ctx, sess, "", nil), nil
	}

	// 7. Remote intake-form metadata is the authoritative payload once it
	// parses to something non-empty.
	if raw, ok := draft.MetadataValue(model.MetadataKeyIntakeForm); ok {
		if payload, perr := model.ParseResumePayload([]byte(raw)); perr == nil {
			if err := e.store.PutDraftID(ctx, sess.Key(), draft.ID); err != nil {
				e.logger.Debug("reconcile: re-cache draft id", zap.Error(err))
			}
			return e.resolve(ctx, sess, SourceRemote, draft.WorkType, draft.ID, payload), nil
		}
		e.logger.Warn("reconcile: unreadable intake-form metadata, using snapshot",
			zap.String("draft_id", draft.ID))
	}

	// 8. Metadata absent or unreadable: the cached snapshot is the best
	// remaining source, but the draft still anchors the session.
	return e.resumeSnapshot(ctx, sess, draft.ID, &draft.WorkType), nil
}

// resumeAnonymous replays the cached snapshot, if any.
func (e *Engine) resumeAnonymous(ctx context.Context, sess *model.Session) Resolution {
	return e.resumeSnapshot(ctx, sess, "", nil)
}

// resumeSnapshot resolves from the session's cached snapshot. draftID and
// workType carry remote context when the caller has it; workType overrides
// the snapshot's own selection.
func (e *Engine) resumeSnapshot(ctx context.Context, sess *model.Session, draftID string, workType *model.WorkType) Resolution {
	payload, ok := e.snapshotPayload(ctx, sess)
	if !ok {
		return Resolution{Source: SourceNone, DraftID: draftID}
	}

	wt, wok := payload.WorkType()
	if workType != nil {
		wt, wok = *workType, true
	}
	if !wok {
		return Resolution{Source: SourceNone, DraftID: draftID}
	}

	return e.resolve(ctx, sess, SourceSnapshot, wt, draftID, payload)
}

// resolve turns a winning payload into a Resolution, computing the redirect.
// A currentStep of zero or out of range keeps the wizard where it is, and a
// guard marker at or past the snapshot's step suppresses replay into a step
// the user already advanced beyond.
func (e *Engine) resolve(ctx context.Context, sess *model.Session, source string, wt model.WorkType, draftID string, payload model.ResumePayload) Resolution {
	res := Resolution{
		Source:   source,
		WorkType: wt,
		Step:     payload.Progress.CurrentStep,
		DraftID:  draftID,
		Payload:  &payload,
	}

	step := payload.Progress.CurrentStep
	if step < 1 {
		return res
	}

	route, ok := steproute.RouteForStep(wt, step-1)
	if !ok {
		return res
	}

	if guard, gok := e.guard(ctx, sess); gok && guard >= step {
		if e.metrics != nil {
			e.metrics.RecordReconcileSkipped("guard")
		}
		return res
	}

	res.Redirect = route
	return res
}

// resumePending completes a login hand-off: create the draft the anonymous
// session never could, push its parked snapshot into it, clear the markers,
// and land on the review step. The user had already reached the final
// "complete & pay" action before logging in, so review is always the target.
func (e *Engine) resumePending(ctx context.Context, sess *model.Session, wt model.WorkType) (Resolution, error) {
	payload, ok := e.snapshotPayload(ctx, sess)
	if !ok {
		// The marker outlived its snapshot. Seed the draft with just the
		// work type selection so the review step has something to show.
		payload = model.ResumePayload{Form: model.FormState{
			"workType": map[string]any{"selectedWorkType": string(wt)},
		}}
	}

	draft, err := e.drafts.CreateDraft(ctx, sess, wt, payload)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return Resolution{Source: SourceNone}, err
		}
		e.logger.Warn("reconcile: create draft for pending type failed",
			zap.String("work_type", string(wt)), zap.Error(err))
		return Resolution{Source: SourcePending, Redirect: steproute.EntryRoute()}, nil
	}

	if _, err := e.drafts.SaveIntakeForm(ctx, sess, draft.ID, payload); err != nil {
		if errors.Is(err, context.Canceled) {
			return Resolution{Source: SourceNone}, err
		}
		e.logger.Warn("reconcile: push pending snapshot failed",
			zap.String("draft_id", draft.ID), zap.Error(err))
		return Resolution{Source: SourcePending, Redirect: steproute.EntryRoute()}, nil
	}

	// The hand-off is complete; clear the markers so a re-run takes the
	// ordinary cached-id path instead of creating another draft.
	e.clearHandoff(ctx, sess)
	if err := e.store.PutDraftID(ctx, sess.Key(), draft.ID); err != nil {
		e.logger.Debug("reconcile: cache new draft id", zap.Error(err))
	}

	res := Resolution{
		Source:   SourcePending,
		WorkType: wt,
		DraftID:  draft.ID,
		Payload:  &payload,
	}
	if route, ok := steproute.ReviewRoute(wt); ok {
		// Carry the new draft id on the route itself, the same shape the
		// draft-route endpoint produces, so the SPA can follow the
		// redirect verbatim.
		res.Redirect = route + "?workId=" + draft.ID
		if idx, iok := steproute.ReviewStepIndex(wt); iok {
			res.Step = idx
		}
	}
	e.logger.Info("reconcile: pending intake promoted to draft",
		zap.String("draft_id", draft.ID),
		zap.String("work_type", string(wt)))
	return res, nil
}

// --- snapshot access with anonymous-key fallback ---
//
// State written before login lives under the anon: key; after login the
// session reads as user:. Reads consult the user key first, then the
// anonymous key carried over by the SPA. Store errors read as absence.

func (e *Engine) snapshotPayload(ctx context.Context, sess *model.Session) (model.ResumePayload, bool) {
	for _, key := range e.keys(sess) {
		payload, ok, err := e.store.GetSnapshot(ctx, key)
		if err != nil {
			e.logger.Debug("reconcile: read snapshot", zap.Error(err))
			continue
		}
		if ok {
			return payload, true
		}
	}
	return model.ResumePayload{}, false
}

func (e *Engine) pendingType(ctx context.Context, sess *model.Session) (model.WorkType, bool) {
	for _, key := range e.keys(sess) {
		wt, ok, err := e.store.GetPendingType(ctx, key)
		if err != nil {
			e.logger.Debug("reconcile: read pending type", zap.Error(err))
			continue
		}
		if ok {
			return wt, true
		}
	}
	return "", false
}

func (e *Engine) cachedDraftID(ctx context.Context, sess *model.Session) (string, bool) {
	for _, key := range e.keys(sess) {
		id, ok, err := e.store.GetDraftID(ctx, key)
		if err != nil {
			e.logger.Debug("reconcile: read draft id", zap.Error(err))
			continue
		}
		if ok {
			if key != sess.Key() {
				// Migrate the id to the authenticated key.
				if err := e.store.PutDraftID(ctx, sess.Key(), id); err == nil {
					_ = e.store.ClearDraftID(ctx, key)
				}
			}
			return id, true
		}
	}
	return "", false
}

func (e *Engine) guard(ctx context.Context, sess *model.Session) (int, bool) {
	for _, key := range e.keys(sess) {
		g, ok, err := e.store.GetGuard(ctx, key)
		if err != nil {
			e.logger.Debug("reconcile: read guard", zap.Error(err))
			continue
		}
		if ok {
			return g, true
		}
	}
	return 0, false
}

// clearHandoff removes the snapshot and pending marker under every key the
// session can reach.
func (e *Engine) clearHandoff(ctx context.Context, sess *model.Session) {
	for _, key := range e.keys(sess) {
		if err := e.store.ClearSnapshot(ctx, key); err != nil {
			e.logger.Debug("reconcile: clear snapshot", zap.Error(err))
		}
		if err := e.store.ClearPendingType(ctx, key); err != nil {
			e.logger.Debug("reconcile: clear pending type", zap.Error(err))
		}
	}
}

// keys returns the session's primary key plus, for authenticated sessions
// that still carry the anonymous id, the pre-login key.
func (e *Engine) keys(sess *model.Session) []string {
	keys := []string{sess.Key()}
	if anon := sess.AnonymousKey(); anon != "" && anon != keys[0] {
		keys = append(keys, anon)
	}
	return keys
}
