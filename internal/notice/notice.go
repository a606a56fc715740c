// internal/notice/notice.go
package notice

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"mcp-nutrition-log/internal/apperrors"
)

type Kind string

const (
	KindThresholdExceeded Kind = "threshold_exceeded"
	KindError             Kind = "error"
)

// Notice is a user-visible message raised by the engine or the tracker.
type Notice struct {
	Kind      Kind           `json:"kind"`
	ErrorKind apperrors.Kind `json:"errorKind,omitempty"`
	Message   string         `json:"message"`
	Consumed  float64        `json:"consumed,omitempty"`
	Goal      int            `json:"goal,omitempty"`
	At        time.Time      `json:"at"`
}

type Notifier interface {
	Notify(n Notice)
}

// FromError builds an error notice carrying the taxonomy kind of err.
func FromError(err error) Notice {
	return Notice{
		Kind:      KindError,
		ErrorKind: apperrors.KindOf(err),
		Message:   err.Error(),
		At:        time.Now(),
	}
}

// Recorder logs every notice and keeps the most recent ones for display.
type Recorder struct {
	mu      sync.Mutex
	notices []Notice
	limit   int
	logger  *zap.Logger
}

func NewRecorder(limit int, logger *zap.Logger) *Recorder {
	if limit <= 0 {
		limit = 50
	}
	return &Recorder{limit: limit, logger: logger.Named("notice")}
}

func (r *Recorder) Notify(n Notice) {
	if n.At.IsZero() {
		n.At = time.Now()
	}
	r.logger.Info("notice",
		zap.String("kind", string(n.Kind)),
		zap.String("error_kind", string(n.ErrorKind)),
		zap.String("message", n.Message))

	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, n)
	if len(r.notices) > r.limit {
		r.notices = r.notices[len(r.notices)-r.limit:]
	}
}

// Recent returns the retained notices, oldest first.
func (r *Recorder) Recent() []Notice {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Notice, len(r.notices))
	copy(out, r.notices)
	return out
}
