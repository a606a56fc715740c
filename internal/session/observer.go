// internal/session/observer.go
package session

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"mcp-nutrition-log/internal/models"
)

const subscriberBuffer = 8

// Observer tracks the current session identity and broadcasts every change.
// Delivery is at-least-once: consumers must tolerate repeated identities.
type Observer struct {
	mu      sync.Mutex
	current models.Identity
	subs    map[chan models.Identity]struct{}
	auth    *Authenticator
	logger  *zap.Logger
}

// NewObserver starts anonymous. auth may be nil, in which case SignIn
// always fails.
func NewObserver(auth *Authenticator, logger *zap.Logger) *Observer {
	return &Observer{
		auth:    auth,
		current: models.Anonymous(),
		subs:    make(map[chan models.Identity]struct{}),
		logger:  logger.Named("session"),
	}
}

// Current returns the identity as of now.
func (o *Observer) Current() models.Identity {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.current
}

// Subscribe returns a channel that first receives the current identity and
// then every published one. The channel is closed when ctx is done.
func (o *Observer) Subscribe(ctx context.Context) <-chan models.Identity {
	ch := make(chan models.Identity, subscriberBuffer)

	o.mu.Lock()
	ch <- o.current
	o.subs[ch] = struct{}{}
	o.mu.Unlock()

	go func() {
		<-ctx.Done()
		o.mu.Lock()
		delete(o.subs, ch)
		close(ch)
		o.mu.Unlock()
	}()

	return ch
}

// Publish makes id current and delivers it to every subscriber. A full
// subscriber loses its oldest pending identity rather than blocking.
func (o *Observer) Publish(id models.Identity) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if id != o.current {
		o.logger.Info("session identity changed",
			zap.Stringer("from", o.current),
			zap.Stringer("to", id))
	}
	o.current = id

	for ch := range o.subs {
		select {
		case ch <- id:
			continue
		default:
		}
		select {
		case dropped := <-ch:
			o.logger.Debug("dropping undelivered identity", zap.Stringer("identity", dropped))
		default:
		}
		select {
		case ch <- id:
		default:
			o.logger.Warn("subscriber is not draining identities", zap.Stringer("identity", id))
		}
	}
}

func (o *Observer) SignOut() {
	o.Publish(models.Anonymous())
}

// SignIn validates token and publishes the identity it names.
func (o *Observer) SignIn(token string) (models.Identity, error) {
	if o.auth == nil {
		return models.Identity{}, ErrSignInDisabled
	}
	userID, err := o.auth.Validate(token)
	if err != nil {
		return models.Identity{}, err
	}
	id := models.Authenticated(userID)
	o.Publish(id)
	return id, nil
}
