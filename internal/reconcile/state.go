// internal/reconcile/state.go
package reconcile

import (
	"sync"
	"time"

	"mcp-nutrition-log/internal/models"
)

// View is a copy of the in-memory session state.
type View struct {
	Identity models.Identity     `json:"identity"`
	Profile  *models.UserProfile `json:"profile"`
	Log      *models.DailyLog    `json:"dailyLog"`
	// DocID is the remote document holding today's log, when known.
	DocID string `json:"docId,omitempty"`
	// Ready is false while a session transition is being reconciled.
	Ready bool `json:"ready"`
	// Epoch changes on every session transition.
	Epoch uint64 `json:"epoch"`
}

// State is the in-memory profile and daily log of the current session.
// The reconciliation engine and the tracker share one State; every change
// goes through its lock so readers never see a half-applied update.
type State struct {
	mu       sync.RWMutex
	identity models.Identity
	profile  *models.UserProfile
	log      *models.DailyLog
	docID    string
	ready    bool
	epoch    uint64
	// subGen identifies the live remote subscription. Deliveries tagged
	// with any other value are discarded.
	subGen uint64
	// persisted is the last log this process wrote to the document
	// persistedDoc. Snapshots missing any of its meals were read before
	// that write and are discarded.
	persisted    *models.DailyLog
	persistedDoc string
	// seq numbers every change so observers see them in order.
	seq uint64

	obsMu     sync.Mutex
	observers map[int]func(View)
	nextObs   int

	// pubMu serializes delivery; published is the last seq delivered.
	pubMu     sync.Mutex
	published uint64
}

func NewState() *State {
	return &State{
		identity:  models.Anonymous(),
		observers: make(map[int]func(View)),
	}
}

// View returns a deep copy of the current state.
func (s *State) View() View {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.viewLocked()
}

func (s *State) Profile() *models.UserProfile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.profile.Clone()
}

func (s *State) DailyLog() *models.DailyLog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.log.Clone()
}

func (s *State) Identity() models.Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identity
}

func (s *State) Ready() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ready
}

// Observe registers fn to receive a View after every change. Views arrive
// one at a time in the order the changes were made; a view overtaken by a
// newer one before delivery is skipped. fn must not modify the State. The
// returned function unregisters it.
func (s *State) Observe(fn func(View)) func() {
	s.obsMu.Lock()
	id := s.nextObs
	s.nextObs++
	s.observers[id] = fn
	s.obsMu.Unlock()

	return func() {
		s.obsMu.Lock()
		delete(s.observers, id)
		s.obsMu.Unlock()
	}
}

// UpdateLog atomically computes and installs a new daily log. fn receives
// the current view; the returned view is the pre-image. Nothing changes
// when fn fails.
func (s *State) UpdateLog(fn func(View) (*models.DailyLog, error)) (View, error) {
	s.mu.Lock()
	pre := s.viewLocked()
	next, err := fn(pre)
	if err != nil {
		s.mu.Unlock()
		return pre, err
	}
	if err := next.Check(); err != nil {
		s.mu.Unlock()
		panic(err)
	}
	s.log = next.Clone()
	view, seq := s.changedLocked()
	s.mu.Unlock()

	s.publish(view, seq)
	return pre, nil
}

// UpdateProfile is UpdateLog for the profile.
func (s *State) UpdateProfile(fn func(View) (*models.UserProfile, error)) (View, error) {
	s.mu.Lock()
	pre := s.viewLocked()
	next, err := fn(pre)
	if err != nil {
		s.mu.Unlock()
		return pre, err
	}
	s.profile = next.Clone()
	view, seq := s.changedLocked()
	s.mu.Unlock()

	s.publish(view, seq)
	return pre, nil
}

// RestoreLog puts back a pre-image, unless the session moved on since it
// was taken.
func (s *State) RestoreLog(pre View) bool {
	return s.mutate(pre.Epoch, func() {
		s.log = pre.Log.Clone()
		s.docID = pre.DocID
	})
}

// RestoreProfile puts back a profile pre-image under the same rule.
func (s *State) RestoreProfile(pre View) bool {
	return s.mutate(pre.Epoch, func() {
		s.profile = pre.Profile.Clone()
	})
}

// ConfirmLog records that log was written to the remote document id. The
// id is kept for later writes the same day, and memory is brought back to
// log if a snapshot read before the write replaced it meanwhile.
func (s *State) ConfirmLog(epoch uint64, id string, log *models.DailyLog) bool {
	log.MustCheck()
	return s.mutate(epoch, func() {
		s.docID = id
		s.persisted = log.Clone()
		s.persistedDoc = id
		if !s.log.IsOn(log.Date.Time()) || !s.log.Contains(log) {
			s.log = log.Clone()
		}
	})
}

func (s *State) mutate(epoch uint64, fn func()) bool {
	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		return false
	}
	fn()
	view, seq := s.changedLocked()
	s.mu.Unlock()

	s.publish(view, seq)
	return true
}

// begin starts a new session epoch for id. Profile and log keep their
// values until the transition installs new ones.
func (s *State) begin(id models.Identity) uint64 {
	s.mu.Lock()
	s.epoch++
	s.identity = id
	s.docID = ""
	s.persisted = nil
	s.persistedDoc = ""
	s.ready = false
	epoch := s.epoch
	view, seq := s.changedLocked()
	s.mu.Unlock()

	s.publish(view, seq)
	return epoch
}

func (s *State) setProfile(epoch uint64, profile *models.UserProfile) bool {
	return s.mutate(epoch, func() {
		s.profile = profile.Clone()
	})
}

func (s *State) setLog(epoch uint64, log *models.DailyLog, docID string) bool {
	log.MustCheck()
	return s.mutate(epoch, func() {
		s.log = log.Clone()
		s.docID = docID
		s.persisted = nil
		s.persistedDoc = ""
	})
}

func (s *State) setReady(epoch uint64) bool {
	return s.mutate(epoch, func() {
		s.ready = true
	})
}

// nextGeneration invalidates the current subscription and returns the tag
// for the next one.
func (s *State) nextGeneration() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subGen++
	return s.subGen
}

// applySnapshot installs a log delivered by the subscription tagged gen,
// which covers the day starting at day. It reports false, changing
// nothing, when gen is no longer current, when memory already holds a log
// for a later day than the snapshot, or when the snapshot predates the
// last confirmed write.
func (s *State) applySnapshot(gen uint64, day time.Time, log *models.DailyLog, docID string) bool {
	log.MustCheck()

	s.mu.Lock()
	if gen != s.subGen || s.holdsLaterDayLocked(day, log) || s.predatesWriteLocked(log, docID) {
		s.mu.Unlock()
		return false
	}
	s.log = log.Clone()
	s.docID = docID
	view, seq := s.changedLocked()
	s.mu.Unlock()

	s.publish(view, seq)
	return true
}

func (s *State) isCurrentGeneration(gen uint64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return gen == s.subGen
}

func (s *State) holdsLaterDayLocked(day time.Time, log *models.DailyLog) bool {
	if s.log == nil {
		return false
	}
	held := models.StartOfDay(s.log.Date.Time())
	if log != nil && models.StartOfDay(log.Date.Time()).Before(held) {
		return true
	}
	return models.StartOfDay(day).Before(held)
}

func (s *State) predatesWriteLocked(log *models.DailyLog, docID string) bool {
	if s.persisted == nil {
		return false
	}
	return docID != s.persistedDoc || !log.Contains(s.persisted)
}

// changedLocked records a change and returns the view to publish.
func (s *State) changedLocked() (View, uint64) {
	s.seq++
	return s.viewLocked(), s.seq
}

func (s *State) viewLocked() View {
	return View{
		Identity: s.identity,
		Profile:  s.profile.Clone(),
		Log:      s.log.Clone(),
		DocID:    s.docID,
		Ready:    s.ready,
		Epoch:    s.epoch,
	}
}

func (s *State) publish(v View, seq uint64) {
	s.pubMu.Lock()
	defer s.pubMu.Unlock()
	if seq <= s.published {
		return
	}
	s.published = seq

	s.obsMu.Lock()
	observers := make([]func(View), 0, len(s.observers))
	for _, fn := range s.observers {
		observers = append(observers, fn)
	}
	s.obsMu.Unlock()

	for _, fn := range observers {
		fn(v)
	}
}
