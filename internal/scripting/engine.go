// Package scripting drives demo object behaviors from Lua, so the sample
// scene can be edited without recompiling.
package scripting

import (
	"fmt"
	"os"
	"path/filepath"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
)

// Engine wraps a single gopher-lua VM. Single-goroutine access only
// (simulation tick thread).
type Engine struct {
	vm  *lua.LState
	log *zap.Logger
}

// NewEngine creates a Lua engine and loads all scripts from the given
// directory. A missing directory yields an engine with no behaviors.
func NewEngine(scriptsDir string, log *zap.Logger) (*Engine, error) {
	vm := lua.NewState(lua.Options{
		SkipOpenLibs: false,
	})
	vm.SetGlobal("API_VERSION", lua.LNumber(1))

	e := &Engine{vm: vm, log: log}
	if err := e.loadDir(scriptsDir); err != nil {
		vm.Close()
		return nil, fmt.Errorf("load behavior scripts: %w", err)
	}
	return e, nil
}

// loadDir loads all .lua files in a directory.
func (e *Engine) loadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // skip missing dirs
		}
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".lua" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if err := e.vm.DoFile(path); err != nil {
			return fmt.Errorf("load %s: %w", path, err)
		}
		e.log.Debug("loaded lua script", zap.String("file", path))
	}
	return nil
}

// LoadString executes an inline script chunk. Used by tests and tooling.
func (e *Engine) LoadString(chunk string) error {
	return e.vm.DoString(chunk)
}

// HasFunction reports whether a global Lua function exists.
func (e *Engine) HasFunction(name string) bool {
	return e.vm.GetGlobal(name).Type() == lua.LTFunction
}

// CallMove invokes a movement function: fn(x, y, t, dt) -> nx, ny.
// The returned positions fall back to the inputs when the script
// misbehaves, so a bad script freezes its object instead of corrupting it.
func (e *Engine) CallMove(fn string, x, y, t, dt float64) (float64, float64, error) {
	fnVal := e.vm.GetGlobal(fn)
	if fnVal.Type() != lua.LTFunction {
		return x, y, fmt.Errorf("lua function %q not defined", fn)
	}

	err := e.vm.CallByParam(lua.P{
		Fn:      fnVal,
		NRet:    2,
		Protect: true,
	}, lua.LNumber(x), lua.LNumber(y), lua.LNumber(t), lua.LNumber(dt))
	if err != nil {
		return x, y, fmt.Errorf("call %s: %w", fn, err)
	}

	ny := e.vm.Get(-1)
	nx := e.vm.Get(-2)
	e.vm.Pop(2)

	nxNum, okX := nx.(lua.LNumber)
	nyNum, okY := ny.(lua.LNumber)
	if !okX || !okY {
		return x, y, fmt.Errorf("%s returned non-numeric position", fn)
	}
	return float64(nxNum), float64(nyNum), nil
}

func (e *Engine) Close() {
	e.vm.Close()
}
