package notice

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"

	"mcp-nutrition-log/internal/apperrors"
)

func TestRecorder_KeepsMostRecent(t *testing.T) {
	r := NewRecorder(3, zaptest.NewLogger(t))
	for i := 0; i < 5; i++ {
		r.Notify(Notice{Kind: KindError, Message: fmt.Sprint(i)})
	}

	recent := r.Recent()
	assert.Len(t, recent, 3)
	assert.Equal(t, "2", recent[0].Message)
	assert.Equal(t, "4", recent[2].Message)
	assert.False(t, recent[0].At.IsZero())
}

func TestFromError(t *testing.T) {
	n := FromError(apperrors.WriteFailed("insert", errors.New("offline")))

	assert.Equal(t, KindError, n.Kind)
	assert.Equal(t, apperrors.KindWriteFailed, n.ErrorKind)
	assert.Contains(t, n.Message, "offline")
}
