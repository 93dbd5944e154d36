// Package dashboard keeps the locally cached dashboard consistent with
// the remote authority. Local edits mark the document dirty and are
// persisted immediately; uploads are gated on the version the edits were
// based on, and a version mismatch is always reported, never overwritten.
package dashboard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"tether/pkg/clock"
	"tether/pkg/localstore"
	"tether/pkg/protocol"
)

// --- Engine phases ---

// Phase is the sync state of the engine's document.
type Phase string

// Phase constants.
const (
	PhaseClean    Phase = "clean"    // Matches the last confirmed remote version.
	PhaseDirty    Phase = "dirty"    // Has local edits not yet uploaded.
	PhaseSyncing  Phase = "syncing"  // A download or upload is in flight.
	PhaseConflict Phase = "conflict" // Last upload hit a newer remote version.
)

// Sentinel errors.
var (
	ErrNotFound        = errors.New("dashboard: no such entry")
	ErrSyncInProgress  = errors.New("dashboard: sync already in progress")
	ErrStaleCompletion = errors.New("dashboard: local edits made during download, response discarded")
)

// --- Interfaces for testability ---

// Remote is the slice of the remote authority the engine needs.
// *remote.Client implements it.
type Remote interface {
	FetchDashboard(ctx context.Context) (protocol.DashboardSnapshot, error)
	UploadDashboard(ctx context.Context, snap protocol.DashboardSnapshot) (protocol.UploadResult, error)
}

// ConflictResolver is told about a rejected upload. It runs after the
// engine has recorded the conflict and must not block for long; the
// usual reaction is to schedule ResolveDiscard or ResolveOverwrite.
type ConflictResolver func(localVersion, remoteVersion int)

// State is the observable view of the engine.
type State struct {
	Phase           Phase
	IsLoading       bool
	IsSyncing       bool
	Snapshot        protocol.DashboardSnapshot
	Version         int
	LastSyncedAt    time.Time
	Error           string
	HasLocalChanges bool
	Conflict        *protocol.VersionConflictError
}

// Config holds Engine options.
type Config struct {
	OnConflict ConflictResolver
}

// cacheRecord is what the engine writes to the local store. Dirty is kept
// alongside the snapshot so unsynced edits survive a restart.
type cacheRecord struct {
	Snapshot protocol.DashboardSnapshot `cbor:"snapshot"`
	Dirty    bool                       `cbor:"dirty"`
}

// Engine owns the in-memory dashboard document.
//
// mu guards the document and flags and is never held across I/O.
// writeMu orders "apply change, then persist" sections so the store
// always ends up with the latest document.
type Engine struct {
	writeMu sync.Mutex

	mu       sync.Mutex
	snap     protocol.DashboardSnapshot
	dirty    bool
	loading  bool
	syncing  bool
	conflict *protocol.VersionConflictError
	lastErr  string
	editSeq  uint64

	subMu sync.Mutex
	subs  map[chan State]struct{}

	store      localstore.Store
	remote     Remote
	onConflict ConflictResolver
	clock      clock.Clock
	log        *slog.Logger
}

// NewEngine returns an engine holding the empty default document. Call
// Load to restore the cached one.
func NewEngine(store localstore.Store, remote Remote, cfg Config, clk clock.Clock, log *slog.Logger) *Engine {
	if clk == nil {
		clk = clock.Real()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		snap:       protocol.EmptyDashboard(),
		subs:       make(map[chan State]struct{}),
		store:      store,
		remote:     remote,
		onConflict: cfg.OnConflict,
		clock:      clk,
		log:        log,
	}
}

// --- Observation ---

// State returns a copy of the current state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stateLocked()
}

func (e *Engine) stateLocked() State {
	st := State{
		IsLoading:       e.loading,
		IsSyncing:       e.syncing,
		Snapshot:        e.snap.Clone(),
		Version:         e.snap.Version,
		LastSyncedAt:    e.snap.LastSyncedAt.Time(),
		Error:           e.lastErr,
		HasLocalChanges: e.dirty,
	}
	if e.conflict != nil {
		c := *e.conflict
		st.Conflict = &c
	}
	switch {
	case e.syncing:
		st.Phase = PhaseSyncing
	case e.conflict != nil:
		st.Phase = PhaseConflict
	case e.dirty:
		st.Phase = PhaseDirty
	default:
		st.Phase = PhaseClean
	}
	return st
}

// Subscribe returns a channel that receives the current state and then
// every later change. Slow readers only see the latest state. Call the
// returned func to unsubscribe; the channel is not closed.
func (e *Engine) Subscribe() (<-chan State, func()) {
	ch := make(chan State, 1)
	e.subMu.Lock()
	e.subs[ch] = struct{}{}
	ch <- e.State()
	e.subMu.Unlock()

	return ch, func() {
		e.subMu.Lock()
		delete(e.subs, ch)
		e.subMu.Unlock()
	}
}

// notify publishes the current state. Callers must not hold mu.
func (e *Engine) notify() {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	if len(e.subs) == 0 {
		return
	}
	st := e.State()
	for ch := range e.subs {
		select {
		case <-ch:
		default:
		}
		ch <- st
	}
}

// --- Persistence ---

// Load restores the cached document. A missing, unreadable or corrupt
// cache leaves the empty default at version 1; the failure is logged and
// reported in State.Error but never returned, so remote operations are
// not blocked by local storage trouble.
func (e *Engine) Load(ctx context.Context) {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	e.mu.Lock()
	e.loading = true
	e.mu.Unlock()
	e.notify()

	rec, ok, err := localstore.GetValue[cacheRecord](ctx, e.store, protocol.KeyDashboard)

	e.mu.Lock()
	e.loading = false
	switch {
	case err != nil:
		e.log.Warn("dashboard cache unreadable, starting empty", "error", err)
		e.snap = protocol.EmptyDashboard()
		e.dirty = false
		e.lastErr = err.Error()
	case !ok:
		e.snap = protocol.EmptyDashboard()
		e.dirty = false
	default:
		e.snap = e.sanitize(rec.Snapshot)
		e.dirty = rec.Dirty
	}
	e.conflict = nil
	e.editSeq++
	e.mu.Unlock()
	e.notify()
}

// persist writes rec. Failures are logged and surfaced in State.Error;
// the in-memory document stays authoritative. Callers hold writeMu.
func (e *Engine) persist(ctx context.Context, rec cacheRecord) {
	err := localstore.SetValue(ctx, e.store, protocol.KeyDashboard, rec)
	if err == nil {
		return
	}
	e.log.Warn("dashboard cache write failed", "error", err)
	e.mu.Lock()
	e.lastErr = err.Error()
	e.mu.Unlock()
}

// sanitize drops entries that cannot be valid: items without an id,
// items already seen in another list, items with an unknown status, and
// notes or rules without an id. Everything else is kept exactly as given.
func (e *Engine) sanitize(s protocol.DashboardSnapshot) protocol.DashboardSnapshot {
	out := s.Clone()
	seen := make(map[string]bool)
	for _, l := range []protocol.ListName{protocol.ListTodo, protocol.ListMission, protocol.ListDone} {
		kept := make([]protocol.Item, 0, len(out.List(l)))
		for _, it := range out.List(l) {
			var verr *protocol.ValidationError
			switch {
			case it.ID == "":
				verr = &protocol.ValidationError{Field: "item", Reason: fmt.Sprintf("%q has no id", it.Title)}
			case seen[it.ID]:
				verr = &protocol.ValidationError{Field: "item", Reason: fmt.Sprintf("%s appears in more than one list", it.ID)}
			case !it.Status.Valid():
				verr = &protocol.ValidationError{Field: "item", Reason: fmt.Sprintf("%s has unknown status %q", it.ID, it.Status)}
			}
			if verr != nil {
				e.log.Warn("dropping invalid dashboard item", "list", l, "error", verr)
				continue
			}
			seen[it.ID] = true
			kept = append(kept, it)
		}
		out.SetList(l, kept)
	}

	notes := out.Notes[:0]
	for _, n := range out.Notes {
		if n.ID == "" {
			e.log.Warn("dropping invalid dashboard note", "title", n.Title)
			continue
		}
		notes = append(notes, n)
	}
	out.Notes = notes

	rules := out.Rules[:0]
	for _, r := range out.Rules {
		if r.ID == "" {
			e.log.Warn("dropping invalid dashboard rule", "name", r.Name)
			continue
		}
		rules = append(rules, r)
	}
	out.Rules = rules

	if out.Version < 1 {
		out.Version = 1
	}
	return out
}

// mutate applies fn to a copy of the document. On success the copy
// replaces the document, the engine becomes dirty and the result is
// persisted. The version is never touched here.
func (e *Engine) mutate(ctx context.Context, fn func(s *protocol.DashboardSnapshot, now protocol.Millis) error) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	now := protocol.MillisOf(e.clock.Now())
	e.mu.Lock()
	next := e.snap.Clone()
	if err := fn(&next, now); err != nil {
		e.mu.Unlock()
		return err
	}
	next.Version = e.snap.Version
	e.snap = next
	e.dirty = true
	e.editSeq++
	rec := cacheRecord{Snapshot: next.Clone(), Dirty: true}
	e.mu.Unlock()

	e.persist(ctx, rec)
	e.notify()
	return nil
}

// --- Sync ---

// beginSync claims the single sync slot and returns the document and
// edit sequence the request is based on.
func (e *Engine) beginSync(loading bool) (protocol.DashboardSnapshot, uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.syncing {
		return protocol.DashboardSnapshot{}, 0, ErrSyncInProgress
	}
	e.syncing = true
	e.loading = loading
	return e.snap.Clone(), e.editSeq, nil
}

func (e *Engine) failSync(err error) {
	e.mu.Lock()
	e.syncing = false
	e.loading = false
	e.lastErr = err.Error()
	e.mu.Unlock()
	e.notify()
}

// Download replaces the local document with the remote one. Issuing it
// while dirty is consent to discard unsynced edits. Edits made while the
// request is in flight are not discarded: the response is dropped and
// ErrStaleCompletion returned instead. On failure the local document is
// left as it was.
func (e *Engine) Download(ctx context.Context) error {
	_, seq, err := e.beginSync(true)
	if err != nil {
		return err
	}
	e.notify()

	remote, err := e.remote.FetchDashboard(ctx)
	if err != nil {
		e.failSync(err)
		return fmt.Errorf("download dashboard: %w", err)
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	e.mu.Lock()
	if e.editSeq != seq {
		e.syncing = false
		e.loading = false
		e.lastErr = ErrStaleCompletion.Error()
		e.mu.Unlock()
		e.log.Info("dashboard download superseded by local edits", "remote_version", remote.Version)
		e.notify()
		return ErrStaleCompletion
	}
	snap := e.sanitize(remote)
	snap.LastSyncedAt = protocol.MillisOf(e.clock.Now())
	e.snap = snap
	e.dirty = false
	e.conflict = nil
	e.lastErr = ""
	e.syncing = false
	e.loading = false
	e.editSeq++
	rec := cacheRecord{Snapshot: snap.Clone()}
	e.mu.Unlock()

	e.persist(ctx, rec)
	e.log.Debug("dashboard downloaded", "version", snap.Version)
	e.notify()
	return nil
}

// Upload sends the document with the version it is based on.
//
// On acceptance the server's version is adopted and the engine is clean,
// unless edits were made during the request, in which case it stays
// dirty. On a version conflict nothing local changes: the conflict is
// recorded, the resolver is called, and a *protocol.VersionConflictError
// is returned. Other failures leave the engine dirty for a retry.
func (e *Engine) Upload(ctx context.Context) error {
	local, seq, err := e.beginSync(false)
	if err != nil {
		return err
	}
	e.notify()

	res, err := e.remote.UploadDashboard(ctx, local)
	if err != nil {
		e.failSync(err)
		return fmt.Errorf("upload dashboard: %w", err)
	}

	switch r := res.(type) {
	case protocol.UploadAccepted:
		e.writeMu.Lock()
		e.mu.Lock()
		e.snap.Version = r.Version
		e.snap.LastSyncedAt = protocol.MillisOf(e.clock.Now())
		if e.editSeq == seq {
			e.dirty = false
		}
		e.conflict = nil
		e.lastErr = ""
		e.syncing = false
		rec := cacheRecord{Snapshot: e.snap.Clone(), Dirty: e.dirty}
		e.mu.Unlock()
		e.persist(ctx, rec)
		e.writeMu.Unlock()

		e.log.Debug("dashboard uploaded", "version", r.Version, "dirty", rec.Dirty)
		e.notify()
		return nil

	case protocol.UploadConflict:
		conflict := &protocol.VersionConflictError{LocalVersion: local.Version, RemoteVersion: r.RemoteVersion}
		e.mu.Lock()
		e.conflict = conflict
		e.lastErr = conflict.Error()
		e.syncing = false
		resolve := e.onConflict
		e.mu.Unlock()

		e.log.Info("dashboard upload conflict", "local_version", local.Version, "remote_version", r.RemoteVersion)
		e.notify()
		if resolve != nil {
			resolve(local.Version, r.RemoteVersion)
		}
		return conflict

	case protocol.UploadRejected:
		rejected := &protocol.ValidationError{Field: "dashboard upload", Reason: r.Reason}
		e.failSync(rejected)
		return rejected

	default:
		err := fmt.Errorf("upload dashboard: unexpected result %T", res)
		e.failSync(err)
		return err
	}
}

// ResolveDiscard resolves a conflict by dropping local edits in favour
// of the remote document.
func (e *Engine) ResolveDiscard(ctx context.Context) error {
	return e.Download(ctx)
}

// ResolveOverwrite resolves a conflict by rebasing the local document
// onto remoteVersion. The engine stays dirty; the next Upload replaces
// the remote document.
func (e *Engine) ResolveOverwrite(ctx context.Context, remoteVersion int) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	e.mu.Lock()
	if e.syncing {
		e.mu.Unlock()
		return ErrSyncInProgress
	}
	e.snap.Version = remoteVersion
	e.conflict = nil
	e.lastErr = ""
	e.dirty = true
	rec := cacheRecord{Snapshot: e.snap.Clone(), Dirty: true}
	e.mu.Unlock()

	e.persist(ctx, rec)
	e.notify()
	return nil
}

// AutoSync uploads every interval while there are local changes and no
// unresolved conflict, until ctx is cancelled.
func (e *Engine) AutoSync(ctx context.Context, interval time.Duration) {
	ticker := e.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		st := e.State()
		if !st.HasLocalChanges || st.IsSyncing || st.Conflict != nil {
			continue
		}
		if err := e.Upload(ctx); err != nil && !errors.Is(err, ErrSyncInProgress) {
			e.log.Warn("dashboard auto-upload failed", "error", err)
		}
	}
}
