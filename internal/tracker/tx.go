// internal/tracker/tx.go
package tracker

import (
	"mcp-nutrition-log/internal/metrics"
	"mcp-nutrition-log/internal/reconcile"
)

// tx holds the pre-image of one optimistic update until it is committed
// or rolled back.
type tx struct {
	pre     *reconcile.View
	restore func(reconcile.View) bool
	entity  string
}

func beginLog(state *reconcile.State, pre reconcile.View) *tx {
	return &tx{pre: &pre, restore: state.RestoreLog, entity: "daily_log"}
}

func beginProfile(state *reconcile.State, pre reconcile.View) *tx {
	return &tx{pre: &pre, restore: state.RestoreProfile, entity: "profile"}
}

func (t *tx) commit() {
	t.pre = nil
}

// rollback restores the pre-image verbatim. It reports false when there
// was nothing to restore or the session moved on in the meantime.
func (t *tx) rollback() bool {
	if t.pre == nil {
		return false
	}
	pre := *t.pre
	t.pre = nil
	metrics.Rollbacks.WithLabelValues(t.entity).Inc()
	return t.restore(pre)
}
