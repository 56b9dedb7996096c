package integration

import (
	"context"
	"net/http"
	"testing"

	"github.com/taskfront/intake/model"
)

// resolution mirrors the resume response shape.
type resolution struct {
	Source   string         `json:"source"`
	Redirect string         `json:"redirect"`
	WorkType string         `json:"workType"`
	Step     int            `json:"step"`
	DraftID  string         `json:"draftId"`
	Payload  map[string]any `json:"payload"`
}

func resume(t *testing.T, h *TestHarness, token string, headers map[string]string) resolution {
	t.Helper()
	resp := h.POSTWithHeaders("/ui/intake/resume",
		map[string]any{"currentRoute": "/self-service/wizard"}, token, headers)
	var res resolution
	h.AssertJSON(t, resp, http.StatusOK, &res)
	return res
}

// ==========================================================================
// Fresh sessions
// ==========================================================================

func TestResume_FreshAnonymousUser(t *testing.T) {
	h := NewTestHarness(t)

	res := resume(t, h, "", AnonHeaders("anon-fresh"))

	if res.Source != "none" {
		t.Errorf("source = %q, want none", res.Source)
	}
	if res.Redirect != "" {
		t.Errorf("redirect = %q, want empty", res.Redirect)
	}
	h.WorkItems().AssertNotCalled(t, "listChallenges")
}

func TestResume_AuthenticatedWithNoCachedDraft(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(MemberClaims())

	res := resume(t, h, token, nil)

	if res.Source != "none" {
		t.Errorf("source = %q, want none", res.Source)
	}
	h.WorkItems().AssertNotCalled(t, "listChallenges")
}

// ==========================================================================
// Anonymous resume from a cached snapshot
// ==========================================================================

func TestResume_AnonymousUserResumesMidForm(t *testing.T) {
	h := NewTestHarness(t)
	anon := AnonHeaders("anon-resume")

	// Save a snapshot mid-form: data-exploration with the cursor at step 3.
	resp := h.PUTWithHeaders("/ui/intake/autosave", map[string]any{
		"payload": IntakePayload("data-exploration", 3),
		"forced":  true,
	}, "", anon)
	h.AssertStatus(t, resp, http.StatusOK)

	res := resume(t, h, "", anon)

	if res.Source != "snapshot" {
		t.Errorf("source = %q, want snapshot", res.Source)
	}
	// currentStep 3 resumes at zero-based index 2 of the step table.
	if res.Redirect != "/self-service/work/new/data-exploration/payment" {
		t.Errorf("redirect = %q", res.Redirect)
	}
	if res.WorkType != "data-exploration" {
		t.Errorf("workType = %q", res.WorkType)
	}
	if res.Payload == nil {
		t.Error("expected the snapshot payload to be returned")
	}
	// No backend involvement for anonymous sessions.
	h.WorkItems().AssertNotCalled(t, "listChallenges")
}

func TestResume_StepZeroStaysOnEntryStep(t *testing.T) {
	h := NewTestHarness(t)
	anon := AnonHeaders("anon-step0")

	if err := h.Store.PutSnapshot(context.Background(), "anon:anon-step0", model.ResumePayload{
		Form: model.FormState{
			"workType":  map[string]any{"selectedWorkType": "website-design"},
			"basicInfo": map[string]any{"projectTitle": "my site"},
		},
	}); err != nil {
		t.Fatal(err)
	}

	res := resume(t, h, "", anon)

	if res.Redirect != "" {
		t.Errorf("redirect = %q, want none for step 0", res.Redirect)
	}
	if res.Payload == nil {
		t.Error("payload should still be restored without navigation")
	}
}

func TestResume_OutOfRangeStepDoesNotNavigate(t *testing.T) {
	h := NewTestHarness(t)
	anon := AnonHeaders("anon-oob")

	if err := h.Store.PutSnapshot(context.Background(), "anon:anon-oob", model.ResumePayload{
		Form:     model.FormState{"workType": map[string]any{"selectedWorkType": "find-data"}},
		Progress: model.Progress{CurrentStep: 99},
	}); err != nil {
		t.Fatal(err)
	}

	res := resume(t, h, "", anon)

	if res.Redirect != "" {
		t.Errorf("redirect = %q, want none for an out-of-range step", res.Redirect)
	}
	if res.Step != 99 {
		t.Errorf("step = %d, want the raw 99 passed through", res.Step)
	}
}

func TestResume_BugHuntRouteIsSelfManaged(t *testing.T) {
	h := NewTestHarness(t)
	anon := AnonHeaders("anon-bughunt")

	if err := h.Store.PutSnapshot(context.Background(), "anon:anon-bughunt", model.ResumePayload{
		Form:     model.FormState{"workType": map[string]any{"selectedWorkType": "bug-hunt"}},
		Progress: model.Progress{CurrentStep: 2},
	}); err != nil {
		t.Fatal(err)
	}

	resp := h.POSTWithHeaders("/ui/intake/resume", map[string]any{
		"currentRoute": "/self-service/work/new/bug-hunt/basic-info",
	}, "", anon)
	var res resolution
	h.AssertJSON(t, resp, http.StatusOK, &res)

	if res.Source != "none" || res.Redirect != "" {
		t.Errorf("bug-hunt flow must not be replayed, got source=%q redirect=%q",
			res.Source, res.Redirect)
	}
}

// ==========================================================================
// Authenticated resume against the remote draft
// ==========================================================================

func TestResume_RemoteMetadataWinsOverSnapshot(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(MemberClaims())
	ctx := context.Background()

	// Both sources exist and disagree: the remote draft says step 4, the
	// local snapshot says step 2.
	if err := h.Store.PutDraftID(ctx, "user:user-pat", "ch-1"); err != nil {
		t.Fatal(err)
	}
	if err := h.Store.PutSnapshot(ctx, "user:user-pat", model.ResumePayload{
		Form:     model.FormState{"workType": map[string]any{"selectedWorkType": "website-design"}},
		Progress: model.Progress{CurrentStep: 2},
	}); err != nil {
		t.Fatal(err)
	}

	h.WorkItems().OnOperation("listChallenges").
		RespondWith(200, []any{
			ChallengeFixture("ch-1", "website-design", "New", 4,
				IntakePayload("website-design", 4)),
		})

	res := resume(t, h, token, nil)

	if res.Source != "remote-metadata" {
		t.Errorf("source = %q, want remote-metadata", res.Source)
	}
	if res.Step != 4 {
		t.Errorf("step = %d, want the remote draft's 4", res.Step)
	}
	if res.Redirect != "/self-service/work/new/website-design/branding" {
		t.Errorf("redirect = %q", res.Redirect)
	}
	if res.DraftID != "ch-1" {
		t.Errorf("draftId = %q, want ch-1", res.DraftID)
	}

	// The lookup must have been scoped to the cached id.
	req := h.WorkItems().LastRequest(t, "listChallenges")
	if req.QueryParams["id"] != "ch-1" {
		t.Errorf("lookup id param = %q, want ch-1", req.QueryParams["id"])
	}
	if req.QueryParams["createdBy"] != "pat" {
		t.Errorf("lookup createdBy = %q, want pat", req.QueryParams["createdBy"])
	}
	if req.QueryParams["status"] != "New" {
		t.Errorf("lookup status = %q, want New", req.QueryParams["status"])
	}
	if req.QueryParams["selfService"] != "true" {
		t.Errorf("lookup selfService = %q, want true", req.QueryParams["selfService"])
	}
}

func TestResume_MissingMetadataFallsBackToSnapshot(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(MemberClaims())
	ctx := context.Background()

	if err := h.Store.PutDraftID(ctx, "user:user-pat", "ch-2"); err != nil {
		t.Fatal(err)
	}
	if err := h.Store.PutSnapshot(ctx, "user:user-pat", model.ResumePayload{
		Form:     model.FormState{"workType": map[string]any{"selectedWorkType": "website-design"}},
		Progress: model.Progress{CurrentStep: 2},
	}); err != nil {
		t.Fatal(err)
	}

	// Remote draft exists but carries no intake-form metadata.
	h.WorkItems().OnOperation("listChallenges").
		RespondWith(200, []any{
			ChallengeFixture("ch-2", "website-design", "New", 0, nil),
		})

	res := resume(t, h, token, nil)

	if res.Source != "snapshot" {
		t.Errorf("source = %q, want snapshot", res.Source)
	}
	if res.Step != 2 {
		t.Errorf("step = %d, want the snapshot's 2", res.Step)
	}
	// The draft still anchors the session even when its metadata did not.
	if res.DraftID != "ch-2" {
		t.Errorf("draftId = %q, want ch-2", res.DraftID)
	}
	if res.Redirect != "/self-service/work/new/website-design/website-purpose" {
		t.Errorf("redirect = %q", res.Redirect)
	}
}

func TestResume_StaleCachedIDIsClearedAndFallsBack(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(MemberClaims())
	ctx := context.Background()

	// The cached id points at a work item that is no longer in New status;
	// the scoped lookup therefore matches nothing.
	if err := h.Store.PutDraftID(ctx, "user:user-pat", "ch-gone"); err != nil {
		t.Fatal(err)
	}
	if err := h.Store.PutSnapshot(ctx, "user:user-pat", model.ResumePayload{
		Form:     model.FormState{"workType": map[string]any{"selectedWorkType": "data-advisory"}},
		Progress: model.Progress{CurrentStep: 2},
	}); err != nil {
		t.Fatal(err)
	}

	h.WorkItems().OnOperation("listChallenges").RespondWith(200, []any{})

	res := resume(t, h, token, nil)

	if res.Source != "snapshot" {
		t.Errorf("source = %q, want the snapshot fallback", res.Source)
	}
	if res.Redirect != "/self-service/work/new/data-advisory/review" {
		t.Errorf("redirect = %q", res.Redirect)
	}

	// The stale id must be gone.
	if id, ok, _ := h.Store.GetDraftID(ctx, "user:user-pat"); ok {
		t.Errorf("cached draft id = %q, want cleared", id)
	}
}

func TestResume_StaleCachedIDWithoutSnapshotIsFreshStart(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(MemberClaims())
	ctx := context.Background()

	if err := h.Store.PutDraftID(ctx, "user:user-pat", "ch-gone"); err != nil {
		t.Fatal(err)
	}
	h.WorkItems().OnOperation("listChallenges").RespondWith(200, []any{})

	res := resume(t, h, token, nil)

	if res.Source != "none" || res.Redirect != "" {
		t.Errorf("want a clean fresh start, got source=%q redirect=%q",
			res.Source, res.Redirect)
	}
}

// ==========================================================================
// Guard marker
// ==========================================================================

func TestResume_GuardSuppressesBackwardReplay(t *testing.T) {
	h := NewTestHarness(t)
	anon := AnonHeaders("anon-guard")
	ctx := context.Background()

	if err := h.Store.PutSnapshot(ctx, "anon:anon-guard", model.ResumePayload{
		Form:     model.FormState{"workType": map[string]any{"selectedWorkType": "website-design"}},
		Progress: model.Progress{CurrentStep: 2},
	}); err != nil {
		t.Fatal(err)
	}
	// The user already completed step 3; replaying them into step 2 would be
	// a step backward.
	if err := h.Store.PutGuard(ctx, "anon:anon-guard", 3); err != nil {
		t.Fatal(err)
	}

	res := resume(t, h, "", anon)

	if res.Redirect != "" {
		t.Errorf("redirect = %q, want suppressed by guard", res.Redirect)
	}
	if res.Payload == nil {
		t.Error("payload should still be restored")
	}
}

// ==========================================================================
// Login round trip
// ==========================================================================

func TestResume_LoginRoundTripPromotesPendingIntake(t *testing.T) {
	h := NewTestHarness(t)
	anon := AnonHeaders("anon-login")
	ctx := context.Background()

	// 1. Anonymous user finishes the wizard and hits "complete & pay"; the
	// draft creation parks the intake and asks for login.
	resp := h.POSTWithHeaders("/ui/intake/drafts", map[string]any{
		"workType": "bug-hunt",
		"payload":  IntakePayload("bug-hunt", 2),
	}, "", anon)

	var created map[string]any
	h.AssertJSON(t, resp, http.StatusAccepted, &created)
	if created["status"] != "login-required" {
		t.Fatalf("status = %v, want login-required", created["status"])
	}
	if wt, ok, _ := h.Store.GetPendingType(ctx, "anon:anon-login"); !ok || wt != model.WorkTypeBugHunt {
		t.Fatalf("pending marker = %v/%v, want bug-hunt", wt, ok)
	}
	h.WorkItems().AssertNotCalled(t, "createChallenge")

	// 2. The user comes back logged in, still carrying the anonymous id.
	h.WorkItems().OnOperation("createChallenge").
		RespondWith(201, ChallengeFixture("ch-9", "bug-hunt", "New", 2, nil))
	h.WorkItems().OnOperation("updateChallenge").
		RespondWith(200, ChallengeFixture("ch-9", "bug-hunt", "New", 2,
			IntakePayload("bug-hunt", 2)))

	token := h.GenerateToken(MemberClaims())
	res := resume(t, h, token, anon)

	if res.Source != "pending" {
		t.Errorf("source = %q, want pending", res.Source)
	}
	if res.DraftID != "ch-9" {
		t.Errorf("draftId = %q, want ch-9", res.DraftID)
	}
	// The round trip always lands on review with the new draft id on the
	// route: the user had already reached the final action before being
	// sent to log in, and the SPA follows the redirect verbatim.
	if res.Redirect != "/self-service/work/new/bug-hunt/review?workId=ch-9" {
		t.Errorf("redirect = %q", res.Redirect)
	}

	h.WorkItems().AssertCalled(t, "createChallenge", 1)
	h.WorkItems().AssertCalled(t, "updateChallenge", 1)

	// The parked snapshot was pushed into the new draft.
	patch := h.WorkItems().LastRequest(t, "updateChallenge")
	if patch.Path != "/challenges/ch-9" {
		t.Errorf("patch path = %q", patch.Path)
	}
	if patch.Body["metadata"] == nil {
		t.Errorf("patch body carries no metadata: %s", FormatJSON(patch.Body))
	}

	// Markers are cleared and the new id is cached under the user key.
	if _, ok, _ := h.Store.GetPendingType(ctx, "anon:anon-login"); ok {
		t.Error("pending marker should be cleared")
	}
	if _, ok, _ := h.Store.GetSnapshot(ctx, "anon:anon-login"); ok {
		t.Error("parked snapshot should be cleared")
	}
	if id, ok, _ := h.Store.GetDraftID(ctx, "user:user-pat"); !ok || id != "ch-9" {
		t.Errorf("cached draft id = %q/%v, want ch-9", id, ok)
	}

	// 3. Idempotence: a second resume with unchanged state must not create
	// another draft. It takes the ordinary cached-id path instead.
	h.WorkItems().OnOperation("listChallenges").
		RespondWith(200, []any{
			ChallengeFixture("ch-9", "bug-hunt", "New", 2, IntakePayload("bug-hunt", 2)),
		})

	res2 := resume(t, h, token, anon)

	if res2.Source != "remote-metadata" {
		t.Errorf("second resume source = %q, want remote-metadata", res2.Source)
	}
	h.WorkItems().AssertCalled(t, "createChallenge", 1)
	h.WorkItems().AssertCalled(t, "updateChallenge", 1)
}

func TestResume_PendingMarkerWithoutSnapshotStillCreatesDraft(t *testing.T) {
	h := NewTestHarness(t)
	ctx := context.Background()

	// The marker outlived its snapshot (e.g. the snapshot TTL expired
	// during a slow login).
	if err := h.Store.PutPendingType(ctx, "anon:anon-bare", model.WorkTypeFindData); err != nil {
		t.Fatal(err)
	}

	h.WorkItems().OnOperation("createChallenge").
		RespondWith(201, ChallengeFixture("ch-11", "find-data", "New", 0, nil))
	h.WorkItems().OnOperation("updateChallenge").
		RespondWith(200, ChallengeFixture("ch-11", "find-data", "New", 0, nil))

	token := h.GenerateToken(MemberClaims())
	res := resume(t, h, token, AnonHeaders("anon-bare"))

	if res.Source != "pending" {
		t.Errorf("source = %q, want pending", res.Source)
	}
	if res.Redirect != "/self-service/work/new/find-data/review?workId=ch-11" {
		t.Errorf("redirect = %q", res.Redirect)
	}

	// The seed payload must at least carry the work type selection.
	create := h.WorkItems().LastRequest(t, "createChallenge")
	if create.Body["selfService"] != true {
		t.Errorf("create body selfService = %v", create.Body["selfService"])
	}
}
