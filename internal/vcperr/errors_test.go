package vcperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOfWrappedError(t *testing.T) {
	base := errors.New("socket closed")
	err := Wrap(KindDistributedConn, "worker vanished", base, "sessionId", "sess-1")

	assert.Equal(t, KindDistributedConn, KindOf(err))
	assert.True(t, IsKind(err, KindDistributedConn))
	assert.False(t, IsKind(err, KindToolTimeout))
	assert.True(t, errors.Is(err, base))
	assert.Equal(t, "sess-1", Detail(err, "sessionId"))
}

func TestKindSurvivesFmtWrapping(t *testing.T) {
	inner := New(KindToolTimeout, "plugin timed out", "plugin", "Slow")
	outer := fmt.Errorf("execute failed: %w", inner)

	require.Equal(t, KindToolTimeout, KindOf(outer))
	assert.Equal(t, "Slow", Detail(outer, "plugin"))
}

func TestErrorStringIncludesKind(t *testing.T) {
	err := Newf(KindPluginNotFound, "no plugin %q", "Ghost")
	assert.Contains(t, err.Error(), "plugin-not-found")
	assert.Contains(t, err.Error(), "Ghost")
}

func TestKindOfPlainError(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(errors.New("plain")))
	assert.Nil(t, Detail(errors.New("plain"), "k"))
}

func TestIsMatchesByKindOnly(t *testing.T) {
	a := New(KindCircularDependency, "cycle at A")
	b := New(KindCircularDependency, "different message")
	assert.True(t, errors.Is(a, b))
}
