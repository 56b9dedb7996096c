package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/taskfront/intake/internal/observability"
	"github.com/taskfront/intake/internal/steproute"
	"github.com/taskfront/intake/internal/workitem"
	"github.com/taskfront/intake/model"
)

// maxBodyBytes bounds request bodies; intake payloads are small.
const maxBodyBytes = 1 << 20

// handlers carries the transport dependencies into the route functions.
type handlers struct {
	deps Dependencies
}

func (h *handlers) logger(r *http.Request) *zap.Logger {
	return observability.SessionLogger(r.Context(), h.deps.Logger)
}

// decodeBody decodes a JSON request body into dst.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		WriteError(w, model.NewBadRequestError("Malformed JSON body"))
		return false
	}
	return true
}

// --- resume ---

type resumeRequest struct {
	CurrentRoute string `json:"currentRoute"`
}

// resume runs one reconciliation pass for the session and returns the
// resolution: the payload to restore and at most one redirect.
func (h *handlers) resume(w http.ResponseWriter, r *http.Request) {
	var req resumeRequest
	if !decodeBody(w, r, &req) {
		return
	}

	sess := model.MustSession(r.Context())
	res, err := h.deps.Engine.Resume(r.Context(), sess, req.CurrentRoute)
	if err != nil {
		// Only context cancellation escapes the engine; the client is
		// gone, so there is nobody to answer.
		return
	}
	WriteJSON(w, http.StatusOK, res)
}

// --- autosave ---

type autosaveRequest struct {
	DraftID string          `json:"draftId,omitempty"`
	Payload json.RawMessage `json:"payload"`
	Forced  bool            `json:"forced,omitempty"`
}

// autosave queues the submitted payload for a debounced flush. Forced saves
// flush synchronously and surface their error.
func (h *handlers) autosave(w http.ResponseWriter, r *http.Request) {
	var req autosaveRequest
	if !decodeBody(w, r, &req) {
		return
	}

	payload, err := model.ParseResumePayload(req.Payload)
	if err != nil {
		WriteError(w, model.NewBadRequestError("Unreadable or empty payload"))
		return
	}

	sess := model.MustSession(r.Context())
	if err := h.deps.Saver.Save(r.Context(), sess, req.DraftID, payload, req.Forced); err != nil {
		WriteError(w, err)
		return
	}

	status := "queued"
	code := http.StatusAccepted
	if req.Forced {
		status = "saved"
		code = http.StatusOK
	}
	WriteJSON(w, code, map[string]string{"status": status})
}

// --- draft creation ---

type createDraftRequest struct {
	WorkType string          `json:"workType"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

type createDraftResponse struct {
	Status        string           `json:"status"`
	LoginRequired bool             `json:"loginRequired,omitempty"`
	Draft         *model.WorkDraft `json:"draft,omitempty"`
}

// createDraft creates a remote work draft for the session's intake. An
// anonymous caller cannot own a draft; their intake is parked under a
// pending-type marker so reconciliation can promote it after login.
func (h *handlers) createDraft(w http.ResponseWriter, r *http.Request) {
	var req createDraftRequest
	if !decodeBody(w, r, &req) {
		return
	}

	wt, err := model.ParseWorkType(req.WorkType)
	if err != nil {
		WriteError(w, model.NewBadRequestError(err.Error()))
		return
	}

	var payload model.ResumePayload
	if len(req.Payload) > 0 {
		if payload, err = model.ParseResumePayload(req.Payload); err != nil {
			WriteError(w, model.NewBadRequestError("Unreadable payload"))
			return
		}
	}

	sess := model.MustSession(r.Context())
	ctx := r.Context()

	if !sess.Authenticated() {
		key := sess.Key()
		if !payload.Empty() {
			if err := h.deps.Store.PutSnapshot(ctx, key, payload); err != nil {
				h.logger(r).Warn("park snapshot for login", zap.Error(err))
				WriteError(w, model.NewInternalError())
				return
			}
		}
		if err := h.deps.Store.PutPendingType(ctx, key, wt); err != nil {
			h.logger(r).Warn("park pending type for login", zap.Error(err))
			WriteError(w, model.NewInternalError())
			return
		}
		WriteJSON(w, http.StatusAccepted, createDraftResponse{
			Status:        "login-required",
			LoginRequired: true,
		})
		return
	}

	draft, err := h.deps.Drafts.CreateDraft(ctx, sess, wt, payload)
	if err != nil {
		WriteError(w, err)
		return
	}
	if err := h.deps.Store.PutDraftID(ctx, sess.Key(), draft.ID); err != nil {
		h.logger(r).Debug("cache draft id", zap.Error(err))
	}
	if h.deps.Metrics != nil {
		h.deps.Metrics.RecordDraftCreated(string(wt))
	}
	WriteJSON(w, http.StatusCreated, createDraftResponse{
		Status: "created",
		Draft:  draft,
	})
}

// --- step transition ---

type stepTransitionRequest struct {
	// Section is the form section completed on this step; its values are
	// merged into the payload before persisting.
	Section string          `json:"section,omitempty"`
	Values  map[string]any  `json:"values,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

type stepTransitionResponse struct {
	NextRoute string `json:"nextRoute,omitempty"`
	Step      int    `json:"step"`
}

// stepTransition completes one wizard step: merge the step's section into
// the payload, advance progress, persist durably, and record the guard
// marker so stale snapshots cannot replay the user backwards.
func (h *handlers) stepTransition(w http.ResponseWriter, r *http.Request) {
	var req stepTransitionRequest
	if !decodeBody(w, r, &req) {
		return
	}

	payload, err := model.ParseResumePayload(req.Payload)
	if err != nil {
		WriteError(w, model.NewBadRequestError("Unreadable or empty payload"))
		return
	}

	wt, ok := payload.WorkType()
	if !ok {
		WriteError(w, model.NewInvalidStepError("payload carries no work type selection"))
		return
	}

	step, err := strconv.Atoi(chi.URLParam(r, "step"))
	if err != nil {
		WriteError(w, model.NewInvalidStepError("step index is not a number"))
		return
	}
	if steps := steproute.Steps(wt); step < 0 || step >= len(steps) {
		WriteError(w, model.NewInvalidStepError(
			"step "+strconv.Itoa(step)+" is out of range for "+string(wt)))
		return
	}

	if req.Section != "" {
		payload.MergeSection(req.Section, req.Values)
	}
	payload.Progress.CurrentStep = step + 1

	sess := model.MustSession(r.Context())
	draftID := chi.URLParam(r, "draftId")
	if draftID == "-" {
		// The wizard uses "-" before a remote draft exists.
		draftID = ""
	}

	if err := h.deps.Saver.Save(r.Context(), sess, draftID, payload, true); err != nil {
		WriteError(w, err)
		return
	}
	h.advanceGuard(r, sess.Key(), step+1)

	res := stepTransitionResponse{Step: step + 1}
	if route, ok := steproute.RouteForStep(wt, step+1); ok {
		res.NextRoute = route
	}
	WriteJSON(w, http.StatusOK, res)
}

// advanceGuard raises the max-completed-step marker, never lowering it.
func (h *handlers) advanceGuard(r *http.Request, key string, step int) {
	ctx := r.Context()
	if g, ok, err := h.deps.Store.GetGuard(ctx, key); err == nil && ok && g >= step {
		return
	}
	if err := h.deps.Store.PutGuard(ctx, key, step); err != nil {
		h.logger(r).Debug("advance guard marker", zap.Error(err))
	}
}

// --- abandon ---

// abandon discards every trace of the session's intake: snapshot, pending
// marker, cached draft id, and guard.
func (h *handlers) abandon(w http.ResponseWriter, r *http.Request) {
	sess := model.MustSession(r.Context())
	h.clearState(r.Context(), r, sess)
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) clearState(ctx context.Context, r *http.Request, sess *model.Session) {
	keys := []string{sess.Key()}
	if anon := sess.AnonymousKey(); anon != "" && anon != keys[0] {
		keys = append(keys, anon)
	}
	for _, key := range keys {
		if err := h.deps.Store.ClearAll(ctx, key); err != nil {
			h.logger(r).Debug("clear session state", zap.Error(err))
		}
	}
}

// --- activation ---

type activateRequest struct {
	StartDate   string          `json:"startDate,omitempty"`
	Discussions []activateForum `json:"discussions,omitempty"`
}

type activateForum struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Provider string `json:"provider"`
}

// activate submits the draft. Local intake state is cleared on success: the
// wizard is done and nothing should replay it.
func (h *handlers) activate(w http.ResponseWriter, r *http.Request) {
	var req activateRequest
	if !decodeBody(w, r, &req) {
		return
	}

	draftID := chi.URLParam(r, "draftId")
	startDate := time.Now().UTC()
	if req.StartDate != "" {
		var err error
		if startDate, err = time.Parse(time.RFC3339, req.StartDate); err != nil {
			WriteError(w, model.NewBadRequestError("startDate is not RFC 3339"))
			return
		}
	}

	discussions := make([]workitem.Discussion, 0, len(req.Discussions))
	for _, d := range req.Discussions {
		discussions = append(discussions, workitem.Discussion(d))
	}

	sess := model.MustSession(r.Context())
	draft, err := h.deps.Drafts.Activate(r.Context(), sess, draftID, startDate, discussions)
	if err != nil {
		WriteError(w, draftError(err, draftID))
		return
	}

	h.clearState(r.Context(), r, sess)
	if h.deps.Metrics != nil {
		h.deps.Metrics.RecordDraftActivated(string(draft.WorkType))
	}
	WriteJSON(w, http.StatusOK, draft)
}

// --- draft route ---

// draftRoute tells the SPA where a click on an existing work item should
// land: the detail view for submitted items, the saved wizard step for open
// drafts.
func (h *handlers) draftRoute(w http.ResponseWriter, r *http.Request) {
	draftID := chi.URLParam(r, "draftId")
	sess := model.MustSession(r.Context())

	draft, err := h.deps.Drafts.GetDraft(r.Context(), sess, draftID)
	if err != nil {
		WriteError(w, draftError(err, draftID))
		return
	}

	WriteJSON(w, http.StatusOK, map[string]string{
		"route": steproute.WorkDetailOrDraftRoute(*draft),
	})
}

// draftError narrows a backend NOT_FOUND to the draft-specific code.
func draftError(err error, id string) error {
	if ee, ok := err.(*model.ErrorEnvelope); ok && ee.Code == model.ErrNotFound {
		return model.NewDraftNotFoundError(id)
	}
	return err
}
