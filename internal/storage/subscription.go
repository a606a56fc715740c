// internal/storage/subscription.go
package storage

import (
	"context"
	"sync"
	"time"
)

// subscription re-runs a query whenever it is triggered (and, when
// pollInterval is set, on a timer) and hands the result to the listener.
// Deliveries for one subscription never overlap.
type subscription struct {
	get        func(ctx context.Context) ([]Document, error)
	onSnapshot func([]Document)
	onError    func(error)

	pollInterval time.Duration
	kick         chan struct{}
	ctx          context.Context
	cancel       context.CancelFunc
	done         chan struct{}
}

func newSubscription(get func(ctx context.Context) ([]Document, error), onSnapshot func([]Document), onError func(error), pollInterval time.Duration) *subscription {
	ctx, cancel := context.WithCancel(context.Background())
	s := &subscription{
		get:          get,
		onSnapshot:   onSnapshot,
		onError:      onError,
		pollInterval: pollInterval,
		kick:         make(chan struct{}, 1),
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
	}
	s.trigger()
	go s.run()
	return s
}

func (s *subscription) trigger() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *subscription) stop() {
	s.cancel()
}

func (s *subscription) run() {
	defer close(s.done)

	var tick <-chan time.Time
	if s.pollInterval > 0 {
		ticker := time.NewTicker(s.pollInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.kick:
		case <-tick:
		}

		docs, err := s.get(s.ctx)
		if s.ctx.Err() != nil {
			return
		}
		if err != nil {
			if s.onError != nil {
				s.onError(err)
			}
			continue
		}
		if s.onSnapshot != nil {
			s.onSnapshot(docs)
		}
	}
}

// hub fans write notifications out to the subscriptions of a collection.
type hub struct {
	mu   sync.Mutex
	subs map[string]map[*subscription]struct{}
}

func newHub() *hub {
	return &hub{subs: make(map[string]map[*subscription]struct{})}
}

func (h *hub) add(collection string, s *subscription) func() {
	h.mu.Lock()
	if h.subs[collection] == nil {
		h.subs[collection] = make(map[*subscription]struct{})
	}
	h.subs[collection][s] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[collection], s)
			if len(h.subs[collection]) == 0 {
				delete(h.subs, collection)
			}
			h.mu.Unlock()
			s.stop()
		})
	}
}

func (h *hub) notify(collection string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs[collection] {
		s.trigger()
	}
}

func (h *hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for collection, subs := range h.subs {
		for s := range subs {
			s.stop()
		}
		delete(h.subs, collection)
	}
}
