package interp_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crustyvm/internal/codegen"
	"crustyvm/internal/interp"
	"crustyvm/internal/resolver"
	"crustyvm/internal/source"
	"crustyvm/internal/tokenpool"
)

func compile(t *testing.T, src string, callbacks ...resolver.CallbackSpec) *codegen.Program {
	t.Helper()
	pool := tokenpool.New()
	lines, err := source.Tokenize(pool, "m", []byte(src), nil)
	require.NoError(t, err)
	res, err := resolver.Resolve(pool, lines, callbacks)
	require.NoError(t, err)
	prog, err := codegen.Generate(pool, res)
	require.NoError(t, err)
	return prog
}

func TestStepBeforeBeginFaults(t *testing.T) {
	prog := compile(t, "proc init\nret\n")
	vm := interp.New(prog, nil, nil, nil, 0)

	_, err := vm.Step()
	require.Error(t, err)
	assert.Equal(t, interp.StatusInternalError, vm.Status())
}

func TestCallbackFailurePropagates(t *testing.T) {
	boom := errors.New("boom")
	prog := compile(t, "proc init\n  move out 1\nret\n",
		resolver.CallbackSpec{Name: "out", Length: 1, Type: resolver.TypeInt, Write: true})

	writes := []interp.WriteCallback{
		func(vm *interp.VM, cb resolver.CallbackSpec, index int, val int64) error { return boom },
	}
	vm := interp.New(prog, nil, writes, nil, 0)
	require.NoError(t, vm.Begin("init"))

	err := vm.Run(0)
	require.Error(t, err)
	assert.Equal(t, interp.StatusCallbackFailed, vm.Status())
}

func TestDebugTraceReportsFrames(t *testing.T) {
	prog := compile(t, "proc init\n  local x 0\nret\n")
	vm := interp.New(prog, nil, nil, nil, 0)
	require.NoError(t, vm.Begin("init"))

	trace := vm.DebugTrace(true)
	assert.Contains(t, trace, "init")
	assert.Contains(t, trace, "active")
}

func TestResetReturnsToReady(t *testing.T) {
	prog := compile(t, "proc init\nret\n")
	vm := interp.New(prog, nil, nil, nil, 0)
	require.NoError(t, vm.Begin("init"))
	require.NoError(t, vm.Run(0))
	assert.Equal(t, interp.StatusReady, vm.Status())

	vm.Reset()
	assert.Equal(t, interp.StatusReady, vm.Status())
	require.NoError(t, vm.Begin("init"))
}
