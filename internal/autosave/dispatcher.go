// Package autosave debounces and flushes intake form saves. Saves from
// authenticated sessions with a known draft patch the draft's intake-form
// metadata on the work-items service; everything else lands in the session
// snapshot store. Flushes are best-effort: a failed save is logged and
// counted, never surfaced to the wizard.
package autosave

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/taskfront/intake/internal/config"
	"github.com/taskfront/intake/internal/observability"
	"github.com/taskfront/intake/internal/snapshot"
	"github.com/taskfront/intake/model"
)

// Flush targets, used as metric labels.
const (
	targetRemote   = "remote"
	targetSnapshot = "snapshot"
)

// flushTimeout bounds a background flush once the originating request is gone.
const flushTimeout = 10 * time.Second

// draftSaver is the slice of the work-items client the dispatcher needs.
type draftSaver interface {
	SaveIntakeForm(ctx context.Context, sess *model.Session, id string, payload model.ResumePayload) (*model.WorkDraft, error)
}

// saveState tracks where a session sits in the flush cycle.
type saveState int

const (
	stateIdle saveState = iota
	stateInflight
	stateCooldown
)

func (s saveState) String() string {
	switch s {
	case stateInflight:
		return "inflight"
	case stateCooldown:
		return "cooldown"
	default:
		return "idle"
	}
}

// pendingSave is the most recent payload waiting to be flushed for a session.
// Later saves replace it wholesale; only the last write wins.
type pendingSave struct {
	sess    *model.Session
	draftID string
	payload model.ResumePayload
	gen     uint64
}

// sessionEntry holds per-session dispatch state, guarded by Dispatcher.mu.
type sessionEntry struct {
	state     saveState
	gen       uint64
	applied   uint64
	pending   *pendingSave
	timer     *time.Timer
	lastFlush time.Time
	// flushDone is closed when the in-flight flush finishes; nil otherwise.
	flushDone chan struct{}
}

// Dispatcher coalesces save triggers per session key and flushes them after a
// debounce interval, with a cooldown between consecutive flushes. A monotonic
// generation counter per session discards results of flushes that were
// overtaken by newer saves.
type Dispatcher struct {
	store   snapshot.Store
	remote  draftSaver
	cfg     config.AutosaveConfig
	logger  *zap.Logger
	metrics *observability.Metrics

	mu       sync.Mutex
	sessions map[string]*sessionEntry
}

// NewDispatcher creates a Dispatcher. metrics may be nil.
func NewDispatcher(store snapshot.Store, remote draftSaver, cfg config.AutosaveConfig, logger *zap.Logger, metrics *observability.Metrics) *Dispatcher {
	if cfg.Debounce <= 0 {
		cfg.Debounce = 2 * time.Second
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 5 * time.Second
	}
	return &Dispatcher{
		store:    store,
		remote:   remote,
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		sessions: make(map[string]*sessionEntry),
	}
}

// Save records a payload for the session and schedules a flush. When forced
// is true the debounce and cooldown are bypassed and the flush runs
// synchronously; its error is returned so callers that need the save durable
// (step transitions, logout) can react. A forced save first waits out any
// in-flight flush for the session, so an older payload can never land after
// a newer one. Debounced saves always return nil.
func (d *Dispatcher) Save(ctx context.Context, sess *model.Session, draftID string, payload model.ResumePayload, forced bool) error {
	if payload.Empty() {
		return nil
	}

	key := sess.Key()
	d.mu.Lock()
	entry := d.sessions[key]
	if entry == nil {
		entry = &sessionEntry{}
		d.sessions[key] = entry
	}

	entry.gen++
	pend := &pendingSave{
		sess:    sess,
		draftID: draftID,
		payload: payload,
		gen:     entry.gen,
	}

	if forced {
		if entry.timer != nil {
			entry.timer.Stop()
			entry.timer = nil
		}
		entry.pending = pend
		for entry.state == stateInflight {
			done := entry.flushDone
			d.mu.Unlock()
			select {
			case <-done:
			case <-ctx.Done():
				// The payload stays queued for the background flusher.
				return ctx.Err()
			}
			d.mu.Lock()
			if entry.timer != nil {
				entry.timer.Stop()
				entry.timer = nil
			}
			if entry.pending == nil || entry.pending.gen > pend.gen {
				// Another flush took this payload, or a newer save
				// superseded it while we waited.
				d.mu.Unlock()
				return nil
			}
		}
		return d.flushLocked(ctx, key, entry)
	}

	if entry.pending != nil {
		// A flush is already scheduled or in flight; the new payload
		// rides along with it.
		entry.pending = pend
		d.mu.Unlock()
		if d.metrics != nil {
			d.metrics.RecordAutosaveCoalesced()
		}
		return nil
	}

	entry.pending = pend
	delay := d.cfg.Debounce
	if entry.state == stateCooldown {
		if remaining := d.cfg.Cooldown - time.Since(entry.lastFlush); remaining > delay {
			delay = remaining
		}
	}
	if entry.state != stateInflight {
		entry.timer = time.AfterFunc(delay, func() { d.timerFired(key) })
	}
	d.updatePendingGauge()
	d.mu.Unlock()
	return nil
}

// timerFired runs when a debounce or cooldown timer expires.
func (d *Dispatcher) timerFired(key string) {
	d.mu.Lock()
	entry := d.sessions[key]
	if entry == nil || entry.pending == nil || entry.state == stateInflight {
		d.mu.Unlock()
		return
	}
	entry.timer = nil

	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	err := d.flushLocked(ctx, key, entry)
	cancel()
	_ = err // already logged and counted
}

// flushLocked flushes entry.pending. It must be called with d.mu held; the
// mutex is released for the duration of the network call and the final state
// transition reacquires it.
func (d *Dispatcher) flushLocked(ctx context.Context, key string, entry *sessionEntry) error {
	pend := entry.pending
	entry.pending = nil
	entry.state = stateInflight
	entry.flushDone = make(chan struct{})
	done := entry.flushDone
	d.mu.Unlock()

	target, err := d.flush(ctx, entry, pend)

	d.mu.Lock()
	entry.lastFlush = time.Now()
	entry.state = stateCooldown
	entry.flushDone = nil
	close(done)

	if entry.pending != nil {
		// A save arrived while this flush was in flight.
		delay := d.cfg.Cooldown
		if d.cfg.Debounce > delay {
			delay = d.cfg.Debounce
		}
		entry.timer = time.AfterFunc(delay, func() { d.timerFired(key) })
	} else {
		time.AfterFunc(d.cfg.Cooldown, func() { d.cooldownExpired(key) })
	}
	d.updatePendingGauge()
	d.mu.Unlock()

	if err != nil {
		if d.metrics != nil {
			d.metrics.RecordAutosaveFailure(target)
		}
		d.logger.Warn("autosave flush failed",
			zap.String("session_key", key),
			zap.String("target", target),
			zap.Error(err))
		return err
	}

	if d.metrics != nil {
		d.metrics.RecordAutosaveFlush(target)
	}
	d.logger.Debug("autosave flushed",
		zap.String("session_key", key),
		zap.String("target", target),
		zap.Uint64("generation", pend.gen))
	return nil
}

// cooldownExpired moves a session back to idle once its cooldown lapses.
func (d *Dispatcher) cooldownExpired(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	entry := d.sessions[key]
	if entry == nil || entry.state != stateCooldown {
		return
	}
	if time.Since(entry.lastFlush) < d.cfg.Cooldown {
		return
	}
	entry.state = stateIdle
	if entry.pending == nil {
		// Nothing queued; drop the entry so the map does not grow with
		// every session ever seen.
		delete(d.sessions, key)
	}
}

// flush writes the payload to its target and reports which target was used.
// A result whose generation was overtaken by a newer applied flush is
// discarded so a stale payload cannot overwrite later state.
func (d *Dispatcher) flush(ctx context.Context, entry *sessionEntry, pend *pendingSave) (string, error) {
	if pend.sess.Authenticated() && pend.draftID != "" {
		draft, err := d.remote.SaveIntakeForm(ctx, pend.sess, pend.draftID, pend.payload)
		if err != nil {
			return targetRemote, err
		}
		if !d.claimApplied(entry, pend.gen) {
			return targetRemote, nil
		}
		// Keep the cached draft id and local snapshot aligned with the
		// saved server state. Failures here are non-fatal.
		if err := d.store.PutDraftID(ctx, pend.sess.Key(), draft.ID); err != nil {
			d.logger.Debug("autosave: cache draft id", zap.Error(err))
		}
		if err := d.store.PutSnapshot(ctx, pend.sess.Key(), pend.payload); err != nil {
			d.logger.Debug("autosave: mirror snapshot", zap.Error(err))
		}
		return targetRemote, nil
	}

	if !d.claimApplied(entry, pend.gen) {
		return targetSnapshot, nil
	}
	if err := d.store.PutSnapshot(ctx, pend.sess.Key(), pend.payload); err != nil {
		return targetSnapshot, err
	}
	return targetSnapshot, nil
}

// claimApplied marks gen as the newest applied generation for the session.
// It reports false when a newer generation already landed.
func (d *Dispatcher) claimApplied(entry *sessionEntry, gen uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if gen < entry.applied {
		return false
	}
	entry.applied = gen
	return true
}

// Flush synchronously flushes every session with a queued save. Used on
// shutdown so in-memory pending work is not lost.
func (d *Dispatcher) Flush(ctx context.Context) {
	d.mu.Lock()
	keys := make([]string, 0, len(d.sessions))
	for key, entry := range d.sessions {
		if entry.pending != nil && entry.state != stateInflight {
			keys = append(keys, key)
		}
	}
	d.mu.Unlock()

	for _, key := range keys {
		d.mu.Lock()
		entry := d.sessions[key]
		if entry == nil || entry.pending == nil || entry.state == stateInflight {
			d.mu.Unlock()
			continue
		}
		if entry.timer != nil {
			entry.timer.Stop()
			entry.timer = nil
		}
		_ = d.flushLocked(ctx, key, entry)
	}
}

// RunFlusher periodically flushes sessions whose queued save has been waiting
// longer than the configured interval. It is a safety net behind the debounce
// timers and returns when ctx is cancelled.
func (d *Dispatcher) RunFlusher(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Final drain before shutdown.
			drainCtx, cancel := context.WithTimeout(context.Background(), flushTimeout)
			d.Flush(drainCtx)
			cancel()
			return
		case <-ticker.C:
			flushCtx, cancel := context.WithTimeout(ctx, flushTimeout)
			d.Flush(flushCtx)
			cancel()
		}
	}
}

// PendingSessions reports how many sessions currently have a queued or
// in-flight save.
func (d *Dispatcher) PendingSessions() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pendingLocked()
}

func (d *Dispatcher) pendingLocked() int {
	n := 0
	for _, entry := range d.sessions {
		if entry.pending != nil || entry.state == stateInflight {
			n++
		}
	}
	return n
}

func (d *Dispatcher) updatePendingGauge() {
	if d.metrics != nil {
		d.metrics.SetAutosavePendingSessions(float64(d.pendingLocked()))
	}
}
