package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/taskfront/intake/internal/snapshot"
	"github.com/taskfront/intake/internal/steproute"
	"github.com/taskfront/intake/model"
)

// fakeDrafts is a scriptable draftService.
type fakeDrafts struct {
	mu sync.Mutex

	findDraft *model.WorkDraft
	findErr   error
	findCalls int

	created   []model.ResumePayload
	createErr error
	nextID    string

	saved   []string
	saveErr error

	// findStarted/findRelease, when set, make FindUnsubmittedDraft block so
	// concurrent passes can be exercised.
	findStarted chan struct{}
	findRelease chan struct{}
}

func (f *fakeDrafts) FindUnsubmittedDraft(ctx context.Context, sess *model.Session, handle, id string) (*model.WorkDraft, error) {
	f.mu.Lock()
	f.findCalls++
	started, release := f.findStarted, f.findRelease
	f.mu.Unlock()
	if started != nil {
		close(started)
		<-release
	}
	return f.findDraft, f.findErr
}

func (f *fakeDrafts) CreateDraft(ctx context.Context, sess *model.Session, wt model.WorkType, payload model.ResumePayload) (*model.WorkDraft, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.created = append(f.created, payload)
	id := f.nextID
	if id == "" {
		id = "ch-new"
	}
	return &model.WorkDraft{ID: id, WorkType: wt, Status: model.DraftStatusNew}, nil
}

func (f *fakeDrafts) SaveIntakeForm(ctx context.Context, sess *model.Session, id string, payload model.ResumePayload) (*model.WorkDraft, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return nil, f.saveErr
	}
	f.saved = append(f.saved, id)
	return &model.WorkDraft{ID: id, Status: model.DraftStatusNew}, nil
}

func newTestEngine(t *testing.T) (*Engine, snapshot.Store, *fakeDrafts) {
	t.Helper()
	store := snapshot.NewMemoryStore(snapshot.TTLs{
		Snapshot: time.Hour,
		Guard:    time.Hour,
		Pending:  time.Hour,
	})
	drafts := &fakeDrafts{}
	return NewEngine(store, drafts, zap.NewNop(), nil), store, drafts
}

func snapshotAt(wt model.WorkType, step int) model.ResumePayload {
	return model.ResumePayload{
		Form:     model.FormState{"workType": map[string]any{"selectedWorkType": string(wt)}},
		Progress: model.Progress{CurrentStep: step},
	}
}

func formMetadata(t *testing.T, wt model.WorkType, step int) model.MetadataEntry {
	t.Helper()
	encoded, err := snapshotAt(wt, step).Encode()
	require.NoError(t, err)
	return model.MetadataEntry{Name: model.MetadataKeyIntakeForm, Value: string(encoded)}
}

func TestResumeAnonymousReplaysSnapshot(t *testing.T) {
	engine, store, drafts := newTestEngine(t)
	ctx := context.Background()
	sess := &model.Session{AnonymousID: "a1"}
	require.NoError(t, store.PutSnapshot(ctx, sess.Key(), snapshotAt(model.WorkTypeWebsiteDesign, 3)))

	res, err := engine.Resume(ctx, sess, "/self-service/wizard")
	require.NoError(t, err)
	require.Equal(t, SourceSnapshot, res.Source)
	require.Equal(t, "/self-service/work/new/website-design/page-details", res.Redirect)
	require.Equal(t, model.WorkTypeWebsiteDesign, res.WorkType)
	require.Equal(t, 3, res.Step)
	require.NotNil(t, res.Payload)
	require.Zero(t, drafts.findCalls, "anonymous sessions never hit the backend")
}

func TestResumeAnonymousNothingCached(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	sess := &model.Session{AnonymousID: "a1"}

	res, err := engine.Resume(context.Background(), sess, "/self-service/wizard")
	require.NoError(t, err)
	require.Equal(t, SourceNone, res.Source)
	require.Empty(t, res.Redirect)
}

func TestResumeStepZeroStaysPut(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	ctx := context.Background()
	sess := &model.Session{AnonymousID: "a1"}
	require.NoError(t, store.PutSnapshot(ctx, sess.Key(), snapshotAt(model.WorkTypeFindData, 0)))

	res, err := engine.Resume(ctx, sess, "/self-service/wizard")
	require.NoError(t, err)
	require.Equal(t, SourceSnapshot, res.Source)
	require.Empty(t, res.Redirect, "step zero means the entry step; no replay")
	require.NotNil(t, res.Payload)
}

func TestResumeOutOfRangeStepStaysPut(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	ctx := context.Background()
	sess := &model.Session{AnonymousID: "a1"}
	require.NoError(t, store.PutSnapshot(ctx, sess.Key(), snapshotAt(model.WorkTypeFindData, 99)))

	res, err := engine.Resume(ctx, sess, "/self-service/wizard")
	require.NoError(t, err)
	require.Empty(t, res.Redirect)
}

func TestResumeSelfManagedRouteUntouched(t *testing.T) {
	engine, store, drafts := newTestEngine(t)
	ctx := context.Background()
	sess := &model.Session{SubjectID: "u1", Handle: "pat"}
	require.NoError(t, store.PutSnapshot(ctx, sess.Key(), snapshotAt(model.WorkTypeWebsiteDesign, 2)))
	require.NoError(t, store.PutDraftID(ctx, sess.Key(), "ch-1"))

	res, err := engine.Resume(ctx, sess, "/self-service/work/new/bug-hunt/basic-info")
	require.NoError(t, err)
	require.Equal(t, SourceNone, res.Source)
	require.Empty(t, res.Redirect)
	require.Zero(t, drafts.findCalls)
}

func TestResumeAuthenticatedNoCachedID(t *testing.T) {
	engine, _, drafts := newTestEngine(t)
	sess := &model.Session{SubjectID: "u1", Handle: "pat"}

	res, err := engine.Resume(context.Background(), sess, "/self-service/wizard")
	require.NoError(t, err)
	require.Equal(t, SourceNone, res.Source)
	require.Zero(t, drafts.findCalls, "no cached id means nothing to look up")
}

func TestResumeRemoteMetadataWins(t *testing.T) {
	engine, store, drafts := newTestEngine(t)
	ctx := context.Background()
	sess := &model.Session{SubjectID: "u1", Handle: "pat"}
	require.NoError(t, store.PutDraftID(ctx, sess.Key(), "ch-1"))
	// A stale local snapshot that the remote metadata must override.
	require.NoError(t, store.PutSnapshot(ctx, sess.Key(), snapshotAt(model.WorkTypeDataAdvisory, 1)))

	drafts.findDraft = &model.WorkDraft{
		ID:       "ch-1",
		WorkType: model.WorkTypeDataAdvisory,
		Status:   model.DraftStatusNew,
		Metadata: []model.MetadataEntry{formMetadata(t, model.WorkTypeDataAdvisory, 2)},
	}

	res, err := engine.Resume(ctx, sess, "/self-service/wizard")
	require.NoError(t, err)
	require.Equal(t, SourceRemote, res.Source)
	require.Equal(t, "ch-1", res.DraftID)
	require.Equal(t, 2, res.Step)
	require.Equal(t, "/self-service/work/new/data-advisory/review", res.Redirect)

	id, ok, err := store.GetDraftID(ctx, sess.Key())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "ch-1", id)
}

func TestResumeStaleDraftIDClearedAndSnapshotUsed(t *testing.T) {
	engine, store, drafts := newTestEngine(t)
	ctx := context.Background()
	sess := &model.Session{SubjectID: "u1", Handle: "pat"}
	require.NoError(t, store.PutDraftID(ctx, sess.Key(), "ch-gone"))
	require.NoError(t, store.PutSnapshot(ctx, sess.Key(), snapshotAt(model.WorkTypeFindData, 1)))
	drafts.findDraft = nil

	res, err := engine.Resume(ctx, sess, "/self-service/wizard")
	require.NoError(t, err)
	require.Equal(t, SourceSnapshot, res.Source)
	require.Equal(t, "/self-service/work/new/find-data/basic-info", res.Redirect)

	_, ok, err := store.GetDraftID(ctx, sess.Key())
	require.NoError(t, err)
	require.False(t, ok, "stale draft id must be cleared")
}

func TestResumeMissingMetadataFallsBackToSnapshot(t *testing.T) {
	engine, store, drafts := newTestEngine(t)
	ctx := context.Background()
	sess := &model.Session{SubjectID: "u1", Handle: "pat"}
	require.NoError(t, store.PutDraftID(ctx, sess.Key(), "ch-1"))
	require.NoError(t, store.PutSnapshot(ctx, sess.Key(), snapshotAt(model.WorkTypeFindData, 2)))
	// Draft exists but has never been auto-saved: no intake-form metadata.
	drafts.findDraft = &model.WorkDraft{
		ID:       "ch-1",
		WorkType: model.WorkTypeFindData,
		Status:   model.DraftStatusNew,
	}

	res, err := engine.Resume(ctx, sess, "/self-service/wizard")
	require.NoError(t, err)
	require.Equal(t, SourceSnapshot, res.Source)
	require.Equal(t, "ch-1", res.DraftID, "the draft still anchors the session")
	require.Equal(t, model.WorkTypeFindData, res.WorkType)
}

func TestResumeLookupFailureRedirectsToEntry(t *testing.T) {
	engine, store, drafts := newTestEngine(t)
	ctx := context.Background()
	sess := &model.Session{SubjectID: "u1", Handle: "pat"}
	require.NoError(t, store.PutDraftID(ctx, sess.Key(), "ch-1"))
	drafts.findErr = errors.New("backend down")

	res, err := engine.Resume(ctx, sess, "/self-service/wizard")
	require.NoError(t, err, "backend failures must not surface as errors")
	require.Equal(t, SourceNone, res.Source)
	require.Equal(t, steproute.EntryRoute(), res.Redirect)
}

func TestResumeCanceledContextPropagates(t *testing.T) {
	engine, store, drafts := newTestEngine(t)
	ctx := context.Background()
	sess := &model.Session{SubjectID: "u1", Handle: "pat"}
	require.NoError(t, store.PutDraftID(ctx, sess.Key(), "ch-1"))
	drafts.findErr = context.Canceled

	_, err := engine.Resume(ctx, sess, "/self-service/wizard")
	require.ErrorIs(t, err, context.Canceled)
}

func TestResumePendingPromotesDraft(t *testing.T) {
	engine, store, drafts := newTestEngine(t)
	ctx := context.Background()
	sess := &model.Session{SubjectID: "u1", Handle: "pat", AnonymousID: "a1"}
	anonKey := sess.AnonymousKey()
	// State parked by the anonymous session before the login redirect.
	require.NoError(t, store.PutSnapshot(ctx, anonKey, snapshotAt(model.WorkTypeWebsiteDesign, 4)))
	require.NoError(t, store.PutPendingType(ctx, anonKey, model.WorkTypeWebsiteDesign))
	drafts.nextID = "ch-9"

	res, err := engine.Resume(ctx, sess, "/self-service/wizard")
	require.NoError(t, err)
	require.Equal(t, SourcePending, res.Source)
	require.Equal(t, "ch-9", res.DraftID)
	require.Equal(t, "/self-service/work/new/website-design/review?workId=ch-9", res.Redirect,
		"redirect must carry the new draft id")
	require.Equal(t, 4, res.Step)
	require.Len(t, drafts.created, 1)
	require.Equal(t, []string{"ch-9"}, drafts.saved, "parked snapshot must be pushed into the draft")

	// Hand-off markers are gone under both keys; the id is cached.
	_, ok, _ := store.GetPendingType(ctx, anonKey)
	require.False(t, ok)
	_, ok, _ = store.GetSnapshot(ctx, anonKey)
	require.False(t, ok)
	id, ok, _ := store.GetDraftID(ctx, sess.Key())
	require.True(t, ok)
	require.Equal(t, "ch-9", id)
}

func TestResumePendingIsIdempotent(t *testing.T) {
	engine, store, drafts := newTestEngine(t)
	ctx := context.Background()
	sess := &model.Session{SubjectID: "u1", Handle: "pat", AnonymousID: "a1"}
	require.NoError(t, store.PutSnapshot(ctx, sess.AnonymousKey(), snapshotAt(model.WorkTypeFindData, 2)))
	require.NoError(t, store.PutPendingType(ctx, sess.AnonymousKey(), model.WorkTypeFindData))
	drafts.nextID = "ch-9"

	_, err := engine.Resume(ctx, sess, "/self-service/wizard")
	require.NoError(t, err)

	// The second pass finds the cached id instead of creating another draft.
	drafts.findDraft = &model.WorkDraft{
		ID:       "ch-9",
		WorkType: model.WorkTypeFindData,
		Status:   model.DraftStatusNew,
		Metadata: []model.MetadataEntry{formMetadata(t, model.WorkTypeFindData, 2)},
	}
	res, err := engine.Resume(ctx, sess, "/self-service/wizard")
	require.NoError(t, err)
	require.Equal(t, SourceRemote, res.Source)
	require.Len(t, drafts.created, 1, "re-running reconciliation must not create a second draft")
}

func TestResumePendingWithoutSnapshotSeedsWorkType(t *testing.T) {
	engine, store, drafts := newTestEngine(t)
	ctx := context.Background()
	sess := &model.Session{SubjectID: "u1", Handle: "pat"}
	require.NoError(t, store.PutPendingType(ctx, sess.Key(), model.WorkTypeDataExploration))

	res, err := engine.Resume(ctx, sess, "/self-service/wizard")
	require.NoError(t, err)
	require.Equal(t, SourcePending, res.Source)
	require.Len(t, drafts.created, 1)
	wt, ok := drafts.created[0].WorkType()
	require.True(t, ok)
	require.Equal(t, model.WorkTypeDataExploration, wt)
}

func TestResumePendingCreateFailureRedirectsToEntry(t *testing.T) {
	engine, store, drafts := newTestEngine(t)
	ctx := context.Background()
	sess := &model.Session{SubjectID: "u1", Handle: "pat"}
	require.NoError(t, store.PutPendingType(ctx, sess.Key(), model.WorkTypeFindData))
	drafts.createErr = errors.New("backend down")

	res, err := engine.Resume(ctx, sess, "/self-service/wizard")
	require.NoError(t, err)
	require.Equal(t, SourcePending, res.Source)
	require.Equal(t, steproute.EntryRoute(), res.Redirect)

	// The marker survives a failed hand-off so the next pass retries.
	_, ok, _ := store.GetPendingType(ctx, sess.Key())
	require.True(t, ok)
}

func TestGuardSuppressesReplayRedirect(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	ctx := context.Background()
	sess := &model.Session{AnonymousID: "a1"}
	require.NoError(t, store.PutSnapshot(ctx, sess.Key(), snapshotAt(model.WorkTypeWebsiteDesign, 2)))
	require.NoError(t, store.PutGuard(ctx, sess.Key(), 2))

	res, err := engine.Resume(ctx, sess, "/self-service/wizard")
	require.NoError(t, err)
	require.Equal(t, SourceSnapshot, res.Source)
	require.Empty(t, res.Redirect, "the user already completed this step")
	require.NotNil(t, res.Payload, "the payload is still restored")
}

func TestGuardBelowStepAllowsRedirect(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	ctx := context.Background()
	sess := &model.Session{AnonymousID: "a1"}
	require.NoError(t, store.PutSnapshot(ctx, sess.Key(), snapshotAt(model.WorkTypeWebsiteDesign, 2)))
	require.NoError(t, store.PutGuard(ctx, sess.Key(), 1))

	res, err := engine.Resume(ctx, sess, "/self-service/wizard")
	require.NoError(t, err)
	require.Equal(t, "/self-service/work/new/website-design/website-purpose", res.Redirect)
}

func TestResumeAnonymousStateMigratesAfterLogin(t *testing.T) {
	engine, store, drafts := newTestEngine(t)
	ctx := context.Background()
	sess := &model.Session{SubjectID: "u1", Handle: "pat", AnonymousID: "a1"}
	// The draft id was cached before login, under the anonymous key.
	require.NoError(t, store.PutDraftID(ctx, sess.AnonymousKey(), "ch-1"))
	drafts.findDraft = &model.WorkDraft{
		ID:       "ch-1",
		WorkType: model.WorkTypeFindData,
		Status:   model.DraftStatusNew,
		Metadata: []model.MetadataEntry{formMetadata(t, model.WorkTypeFindData, 1)},
	}

	res, err := engine.Resume(ctx, sess, "/self-service/wizard")
	require.NoError(t, err)
	require.Equal(t, SourceRemote, res.Source)
	require.Equal(t, "ch-1", res.DraftID)

	id, ok, _ := store.GetDraftID(ctx, sess.Key())
	require.True(t, ok)
	require.Equal(t, "ch-1", id)
	_, ok, _ = store.GetDraftID(ctx, sess.AnonymousKey())
	require.False(t, ok, "the id moves to the authenticated key")
}

func TestResumeSingleFlightPerSession(t *testing.T) {
	engine, store, drafts := newTestEngine(t)
	ctx := context.Background()
	sess := &model.Session{SubjectID: "u1", Handle: "pat"}
	require.NoError(t, store.PutDraftID(ctx, sess.Key(), "ch-1"))

	drafts.findStarted = make(chan struct{})
	drafts.findRelease = make(chan struct{})
	drafts.findDraft = &model.WorkDraft{
		ID:       "ch-1",
		WorkType: model.WorkTypeFindData,
		Status:   model.DraftStatusNew,
		Metadata: []model.MetadataEntry{formMetadata(t, model.WorkTypeFindData, 1)},
	}

	done := make(chan Resolution, 1)
	go func() {
		res, _ := engine.Resume(ctx, sess, "/self-service/wizard")
		done <- res
	}()
	<-drafts.findStarted

	// While the first pass blocks on the backend, a second one short-circuits.
	res, err := engine.Resume(ctx, sess, "/self-service/wizard")
	require.NoError(t, err)
	require.Equal(t, SourceNone, res.Source)

	close(drafts.findRelease)
	first := <-done
	require.Equal(t, SourceRemote, first.Source)
}
