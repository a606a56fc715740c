// internal/reconcile/engine.go
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"go.uber.org/zap"

	"mcp-nutrition-log/internal/apperrors"
	"mcp-nutrition-log/internal/metrics"
	"mcp-nutrition-log/internal/models"
	"mcp-nutrition-log/internal/notice"
	"mcp-nutrition-log/internal/storage"
)

const (
	StateIdle             = "idle"
	StateMergingOnLogin   = "merging_on_login"
	StateSubscribed       = "subscribed"
	StateLoadingAnonymous = "loading_anonymous"
)

const (
	EventLogin       = "login"
	EventSubscribe   = "subscribe"
	EventMergeFailed = "merge_failed"
	EventLogout      = "logout"
	EventLoadFailed  = "load_failed"
)

// LocalCache is the part of the device cache the engine reads and clears.
type LocalCache interface {
	LoadProfile() (*models.UserProfile, error)
	LoadDailyLog() (*models.DailyLog, error)
	DeleteProfile() error
	DeleteDailyLog() error
}

// Engine moves the session state between the local cache and the remote
// store as the identity changes. Transitions run one at a time.
type Engine struct {
	state    *State
	local    LocalCache
	remote   storage.RemoteStore
	notifier notice.Notifier
	logger   *zap.Logger
	now      func() time.Time

	fsm *fsm.FSM

	// handleMu serializes transitions.
	handleMu sync.Mutex
	applied  *models.Identity

	subMu       sync.Mutex
	unsubscribe func()
	// subDay is the start of the day the live subscription covers.
	subDay time.Time
}

type Option func(*Engine)

// WithClock replaces time.Now, mainly for tests around midnight.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

func NewEngine(state *State, local LocalCache, remote storage.RemoteStore, notifier notice.Notifier, logger *zap.Logger, opts ...Option) *Engine {
	e := &Engine{
		state:    state,
		local:    local,
		remote:   remote,
		notifier: notifier,
		logger:   logger.Named("reconcile"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}

	e.fsm = fsm.NewFSM(
		StateIdle,
		fsm.Events{
			{Name: EventLogin, Src: []string{StateIdle, StateSubscribed, StateLoadingAnonymous}, Dst: StateMergingOnLogin},
			{Name: EventSubscribe, Src: []string{StateMergingOnLogin}, Dst: StateSubscribed},
			{Name: EventMergeFailed, Src: []string{StateMergingOnLogin}, Dst: StateIdle},
			{Name: EventLogout, Src: []string{StateIdle, StateSubscribed, StateLoadingAnonymous}, Dst: StateLoadingAnonymous},
			{Name: EventLoadFailed, Src: []string{StateLoadingAnonymous}, Dst: StateIdle},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, ev *fsm.Event) {
				e.logger.Debug("engine state changed",
					zap.String("event", ev.Event),
					zap.String("from", ev.Src),
					zap.String("to", ev.Dst))
			},
		},
	)
	return e
}

// Current returns the engine's state machine state.
func (e *Engine) Current() string {
	return e.fsm.Current()
}

// Run consumes identities until ctx ends or the channel closes. Failures
// are reported as notices; Run only returns when it stops.
func (e *Engine) Run(ctx context.Context, identities <-chan models.Identity) error {
	defer e.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case id, ok := <-identities:
			if !ok {
				return nil
			}
			if err := e.Handle(ctx, id); err != nil {
				e.logger.Warn("session transition failed",
					zap.Stringer("identity", id),
					zap.Error(err))
			}
		}
	}
}

// Handle applies one identity. Repeating the last successfully applied
// identity does nothing.
func (e *Engine) Handle(ctx context.Context, id models.Identity) error {
	e.handleMu.Lock()
	defer e.handleMu.Unlock()

	if e.applied != nil && *e.applied == id {
		e.logger.Debug("identity unchanged, skipping", zap.Stringer("identity", id))
		return nil
	}
	metrics.SessionTransitions.WithLabelValues(metrics.SessionLabel(id.IsAnonymous())).Inc()

	var err error
	if id.IsAnonymous() {
		err = e.enterAnonymous(ctx)
	} else {
		err = e.login(ctx, id.UserID)
	}
	if err != nil {
		e.applied = nil
		return err
	}
	e.applied = &id
	return nil
}

// Close releases the live subscription, if any.
func (e *Engine) Close() {
	e.cancelSubscription()
}

func (e *Engine) enterAnonymous(ctx context.Context) error {
	e.cancelSubscription()
	epoch := e.state.begin(models.Anonymous())
	if err := e.fire(ctx, EventLogout); err != nil {
		return err
	}

	profile, err := e.local.LoadProfile()
	if err != nil {
		return e.fail(ctx, EventLoadFailed, apperrors.New(apperrors.KindStoreUnavailable, "load_anonymous", "failed to read cached profile", err))
	}
	log, err := e.local.LoadDailyLog()
	if err != nil {
		return e.fail(ctx, EventLoadFailed, apperrors.New(apperrors.KindStoreUnavailable, "load_anonymous", "failed to read cached daily log", err))
	}
	if log != nil && !log.IsOn(e.now()) {
		e.logger.Debug("ignoring cached log from another day", zap.Stringer("date", log.Date))
		log = nil
	}

	e.state.setProfile(epoch, profile)
	e.state.setLog(epoch, log, "")
	e.state.setReady(epoch)

	e.logger.Info("anonymous session loaded",
		zap.Bool("has_profile", !profile.IsEmpty()),
		zap.Bool("has_log", log != nil))
	return nil
}

func (e *Engine) login(ctx context.Context, userID string) error {
	start := time.Now()
	defer func() {
		metrics.MergeDuration.Observe(time.Since(start).Seconds())
	}()

	// Any delivery from the previous subscription is invalid from here on.
	e.cancelSubscription()
	epoch := e.state.begin(models.Authenticated(userID))
	if err := e.fire(ctx, EventLogin); err != nil {
		return err
	}

	profile, profileResult, err := e.reconcileProfile(ctx, userID)
	if err != nil {
		return e.fail(ctx, EventMergeFailed, err)
	}
	e.state.setProfile(epoch, profile)

	today := e.now()
	log, docID, result, err := e.reconcileLog(ctx, userID, today)
	if err != nil {
		return e.fail(ctx, EventMergeFailed, err)
	}
	e.state.setLog(epoch, log, docID)
	metrics.Merges.WithLabelValues(result).Inc()

	if profileResult != profileResultNone {
		e.forget("profile", e.local.DeleteProfile)
	}
	if result == mergeResultMerged || result == mergeResultInserted {
		e.forget("daily log", e.local.DeleteDailyLog)
	}

	e.subscribe(userID, today)
	if err := e.fire(ctx, EventSubscribe); err != nil {
		return err
	}
	e.state.setReady(epoch)

	e.logger.Info("signed-in session reconciled",
		zap.String("user_id", userID),
		zap.String("log_result", result),
		zap.String("profile_result", profileResult),
		zap.String("doc_id", docID))
	return nil
}

const (
	profileResultNone     = "none"
	profileResultAdopted  = "adopted"
	profileResultMigrated = "migrated"
)

// reconcileProfile returns the profile to hold in memory and how it was
// chosen. Unless the result is profileResultNone the cached anonymous
// profile is no longer needed: it was either written to the account or
// superseded by the account's own profile.
func (e *Engine) reconcileProfile(ctx context.Context, userID string) (*models.UserProfile, string, error) {
	path := storage.UserPath(userID)
	doc, err := e.remote.GetDocument(ctx, path)
	if err != nil {
		return nil, "", apperrors.New(apperrors.KindStoreUnavailable, "login.profile", "failed to read remote profile", err)
	}

	if doc != nil {
		var remote models.UserProfile
		if err := storage.Decode(doc.Data, &remote); err != nil {
			return nil, "", apperrors.New(apperrors.KindStoreUnavailable, "login.profile", "failed to decode remote profile", err)
		}
		if !remote.IsEmpty() {
			return &remote, profileResultAdopted, nil
		}
	}

	local, err := e.local.LoadProfile()
	if err != nil {
		return nil, "", apperrors.New(apperrors.KindStoreUnavailable, "login.profile", "failed to read cached profile", err)
	}
	if local.IsEmpty() {
		return nil, profileResultNone, nil
	}

	data, err := storage.Encode(local)
	if err != nil {
		return nil, "", apperrors.WriteFailed("login.profile", err)
	}
	if err := e.remote.SetMerge(ctx, path, data); err != nil {
		return nil, "", apperrors.WriteFailed("login.profile", err)
	}
	return local, profileResultMigrated, nil
}

const (
	mergeResultMerged   = "merged"
	mergeResultInserted = "inserted"
	mergeResultAdopted  = "adopted"
	mergeResultFailed   = "failed"
)

// reconcileLog folds the cached anonymous log for today into the account's
// log and returns what memory should hold.
func (e *Engine) reconcileLog(ctx context.Context, userID string, today time.Time) (*models.DailyLog, string, string, error) {
	collection := storage.DailyLogsPath(userID)
	docs, err := e.remote.Query(collection, models.DayRange(today)).Get(ctx)
	if err != nil {
		return nil, "", "", apperrors.New(apperrors.KindStoreUnavailable, "login.daily_log", "failed to query today's log", err)
	}

	var remote *models.DailyLog
	var remoteID string
	if len(docs) > 0 {
		remote, err = decodeLog(docs[0])
		if err != nil {
			return nil, "", "", apperrors.New(apperrors.KindStoreUnavailable, "login.daily_log", "failed to decode today's log", err)
		}
		remoteID = docs[0].ID
	}

	local, err := e.local.LoadDailyLog()
	if err != nil {
		return nil, "", "", apperrors.New(apperrors.KindStoreUnavailable, "login.daily_log", "failed to read cached daily log", err)
	}
	if !local.IsOn(today) {
		local = nil
	}

	switch {
	case remote != nil && local.HasMeals():
		merged := models.MergeDailyLogs(remote, local)
		data, err := storage.Encode(merged)
		if err != nil {
			return nil, "", "", apperrors.WriteFailed("login.daily_log", err)
		}
		if err := e.remote.SetMerge(ctx, storage.DocumentPath(collection, remoteID), data); err != nil {
			return nil, "", "", apperrors.WriteFailed("login.daily_log", err)
		}
		return merged, remoteID, mergeResultMerged, nil

	case remote == nil && local.HasMeals():
		fresh := local.Clone()
		fresh.Date = models.NewTimestamp(models.StartOfDay(today))
		fresh.Recompute()
		data, err := storage.Encode(fresh)
		if err != nil {
			return nil, "", "", apperrors.WriteFailed("login.daily_log", err)
		}
		id, err := e.remote.Insert(ctx, collection, data)
		if err != nil {
			return nil, "", "", apperrors.WriteFailed("login.daily_log", err)
		}
		return fresh, id, mergeResultInserted, nil

	default:
		return remote, remoteID, mergeResultAdopted, nil
	}
}

func (e *Engine) subscribe(userID string, today time.Time) {
	gen := e.state.nextGeneration()
	day := models.StartOfDay(today)
	query := e.remote.Query(storage.DailyLogsPath(userID), models.DayRange(today))

	unsubscribe := query.Subscribe(
		func(docs []storage.Document) { e.onSnapshot(gen, day, docs) },
		func(err error) { e.onListenerError(gen, err) },
	)

	e.subMu.Lock()
	e.unsubscribe = unsubscribe
	e.subDay = day
	e.subMu.Unlock()
}

// Rollover moves a signed-in session onto the day of now once the live
// subscription still covers an earlier day. It adopts the new day's remote
// log (or none) and subscribes to the new day's range. It does nothing for
// anonymous sessions, for a day already covered, or while a session
// transition is running, since that transition subscribes to its own day.
func (e *Engine) Rollover(ctx context.Context, now time.Time) error {
	if !e.handleMu.TryLock() {
		return nil
	}
	defer e.handleMu.Unlock()

	if e.applied == nil || e.applied.IsAnonymous() {
		return nil
	}
	day := models.StartOfDay(now)
	e.subMu.Lock()
	covered := !day.After(e.subDay)
	e.subMu.Unlock()
	if covered {
		return nil
	}

	userID := e.applied.UserID
	docs, err := e.remote.Query(storage.DailyLogsPath(userID), models.DayRange(now)).Get(ctx)
	if err != nil {
		return e.rolloverFailed(apperrors.New(apperrors.KindStoreUnavailable, "rollover.daily_log", "failed to query the new day's log", err))
	}
	var log *models.DailyLog
	var docID string
	if len(docs) > 0 {
		if log, err = decodeLog(docs[0]); err != nil {
			return e.rolloverFailed(apperrors.New(apperrors.KindStoreUnavailable, "rollover.daily_log", "failed to decode the new day's log", err))
		}
		docID = docs[0].ID
	}

	epoch := e.state.View().Epoch
	e.cancelSubscription()
	e.state.setLog(epoch, log, docID)
	e.subscribe(userID, now)

	e.logger.Info("moved session to a new day",
		zap.String("user_id", userID),
		zap.Time("day", day),
		zap.String("doc_id", docID))
	return nil
}

// rolloverFailed keeps the old subscription so the next call retries.
func (e *Engine) rolloverFailed(err error) error {
	e.logger.Warn("day rollover failed", zap.Error(err))
	e.notifier.Notify(notice.FromError(err))
	return err
}

// cancelSubscription stops the live query and invalidates its generation
// before returning, so no later delivery can touch the state.
func (e *Engine) cancelSubscription() {
	e.state.nextGeneration()

	e.subMu.Lock()
	unsubscribe := e.unsubscribe
	e.unsubscribe = nil
	e.subMu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
}

func (e *Engine) onSnapshot(gen uint64, day time.Time, docs []storage.Document) {
	if !e.state.isCurrentGeneration(gen) {
		metrics.StaleSnapshots.Inc()
		e.logger.Debug("discarding snapshot from cancelled subscription", zap.Uint64("generation", gen))
		return
	}

	doc := pickDocument(docs, e.state.View().DocID)
	var log *models.DailyLog
	var docID string
	if doc != nil {
		var err error
		log, err = decodeLog(*doc)
		if err != nil {
			e.onListenerError(gen, fmt.Errorf("failed to decode snapshot document %s: %w", doc.Path, err))
			return
		}
		docID = doc.ID
	}

	if !e.state.applySnapshot(gen, day, log, docID) {
		metrics.StaleSnapshots.Inc()
	}
}

func (e *Engine) onListenerError(gen uint64, err error) {
	if !e.state.isCurrentGeneration(gen) {
		return
	}
	appErr := apperrors.Listener("daily_log.subscribe", err)
	e.logger.Warn("subscription delivered an error", zap.Error(appErr))
	e.notifier.Notify(notice.FromError(appErr))
}

func (e *Engine) fail(ctx context.Context, event string, err error) error {
	if event == EventMergeFailed {
		metrics.Merges.WithLabelValues(mergeResultFailed).Inc()
	}
	e.logger.Error("session transition failed", zap.String("state", e.Current()), zap.Error(err))
	e.notifier.Notify(notice.FromError(err))
	if ferr := e.fire(ctx, event); ferr != nil {
		e.logger.Error("failed to record failure transition", zap.Error(ferr))
	}
	return err
}

// fire runs an fsm event. The transition is bookkeeping for work already
// done, so it must not be lost to a cancelled request context.
func (e *Engine) fire(ctx context.Context, event string) error {
	err := e.fsm.Event(context.WithoutCancel(ctx), event)
	var noTransition fsm.NoTransitionError
	if err == nil || errors.As(err, &noTransition) {
		return nil
	}
	return fmt.Errorf("failed to apply %s in state %s: %w", event, e.fsm.Current(), err)
}

// forget deletes a migrated cache entry. Failing to delete leaves a stale
// copy behind but the merge itself already succeeded.
func (e *Engine) forget(what string, del func() error) {
	if err := del(); err != nil {
		e.logger.Warn("failed to clear migrated cache entry", zap.String("entry", what), zap.Error(err))
		e.notifier.Notify(notice.FromError(apperrors.New(apperrors.KindWriteFailed, "login.cleanup", "failed to clear cached "+what, err)))
	}
}

func pickDocument(docs []storage.Document, preferID string) *storage.Document {
	if len(docs) == 0 {
		return nil
	}
	for i := range docs {
		if docs[i].ID == preferID {
			return &docs[i]
		}
	}
	return &docs[0]
}

func decodeLog(doc storage.Document) (*models.DailyLog, error) {
	var log models.DailyLog
	if err := storage.Decode(doc.Data, &log); err != nil {
		return nil, err
	}
	if log.Meals == nil {
		log.Meals = []models.Meal{}
	}
	log.Recompute()
	return &log, nil
}
