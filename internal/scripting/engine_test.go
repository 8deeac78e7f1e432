package scripting

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine(filepath.Join(t.TempDir(), "absent"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e
}

func TestMissingScriptsDirIsFine(t *testing.T) {
	e := newTestEngine(t)
	assert.False(t, e.HasFunction("orbit"))
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "move.lua"),
		[]byte("function hold(x, y, t, dt) return x, y end"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"),
		[]byte("not a script"), 0o644))

	e, err := NewEngine(dir, zap.NewNop())
	require.NoError(t, err)
	defer e.Close()

	assert.True(t, e.HasFunction("hold"))
	x, y, err := e.CallMove("hold", 3, 4, 0, 0.1)
	require.NoError(t, err)
	assert.Equal(t, 3.0, x)
	assert.Equal(t, 4.0, y)
}

func TestCallMove(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.LoadString(
		"function drift(x, y, t, dt) return x + dt, y - dt end"))

	x, y, err := e.CallMove("drift", 1, 1, 0, 0.5)
	require.NoError(t, err)
	assert.Equal(t, 1.5, x)
	assert.Equal(t, 0.5, y)
}

func TestCallMoveUndefinedFunction(t *testing.T) {
	e := newTestEngine(t)
	x, y, err := e.CallMove("ghost", 2, 3, 0, 0.1)
	assert.Error(t, err)
	// Inputs pass through untouched so the object freezes instead of jumping.
	assert.Equal(t, 2.0, x)
	assert.Equal(t, 3.0, y)
}

func TestCallMoveBadReturn(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.LoadString(`function broken(x, y, t, dt) return "a", "b" end`))

	x, y, err := e.CallMove("broken", 2, 3, 0, 0.1)
	assert.Error(t, err)
	assert.Equal(t, 2.0, x)
	assert.Equal(t, 3.0, y)
}

func TestCallMoveRuntimeError(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.LoadString("function boom(x, y, t, dt) error('nope') end"))

	x, y, err := e.CallMove("boom", 2, 3, 0, 0.1)
	assert.Error(t, err)
	assert.Equal(t, 2.0, x)
	assert.Equal(t, 3.0, y)
}
