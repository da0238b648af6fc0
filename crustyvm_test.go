package crustyvm_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crustyvm"
)

type traceCall struct {
	name  string
	index int
	val   int64
}

func load(t *testing.T, src string, opts ...crustyvm.Option) *crustyvm.Program {
	t.Helper()
	prog, err := crustyvm.Load(t.Name(), []byte(src), opts...)
	require.NoError(t, err)
	return prog
}

func runInit(t *testing.T, prog *crustyvm.Program) *crustyvm.VM {
	t.Helper()
	vm := prog.NewVM()
	require.True(t, prog.HasEntrypoint("init"))
	require.NoError(t, vm.Begin("init"))
	require.NoError(t, vm.Run(0))
	return vm
}

func TestHelloCallbackTrace(t *testing.T) {
	const src = "static s string \"Hi\"\nproc init\n  move out s\n  move out s:1\nret\n"

	var calls []byte
	prog := load(t, src, crustyvm.WithCallback("out", 2, crustyvm.TypeByte, nil,
		func(vm *crustyvm.VM, index int, v int64) error {
			calls = append(calls, byte(v))
			return nil
		}))

	runInit(t, prog)
	assert.Equal(t, []byte{'H', 'i'}, calls)
}

func TestExpressionPrecedence(t *testing.T) {
	const src = "expr x 2 + 3 * 4\nstatic v x\nproc init\n  move printint v\nret\n"

	var got int64
	prog := load(t, src, crustyvm.WithCallback("printint", 1, crustyvm.TypeInt, nil,
		func(vm *crustyvm.VM, index int, v int64) error { got = v; return nil }))

	runInit(t, prog)
	assert.EqualValues(t, 14, got)
}

func TestMacroWithArgument(t *testing.T) {
	const src = "macro inc X\n  add X 1\nendmacro inc\nstatic c 0\nproc init\n  inc c\n  inc c\n  move printint c\nret\n"

	var got int64
	prog := load(t, src, crustyvm.WithCallback("printint", 1, crustyvm.TypeInt, nil,
		func(vm *crustyvm.VM, index int, v int64) error { got = v; return nil }))

	runInit(t, prog)
	assert.EqualValues(t, 2, got)
}

const factorialSrc = `static acc 0
stack 256

proc fact n
  cmp n 1
  jumpg recurse
  move acc 1
  jump done
label recurse
  local n1 0
  move n1 n
  sub n1 1
  call fact n1
  mul acc n
label done
ret

proc init
  call fact 5
  move printint acc
ret
`

func TestFactorialRecursion(t *testing.T) {
	var got int64
	prog := load(t, factorialSrc, crustyvm.WithCallback("printint", 1, crustyvm.TypeInt, nil,
		func(vm *crustyvm.VM, index int, v int64) error { got = v; return nil }))

	runInit(t, prog)
	assert.EqualValues(t, 120, got)
}

func TestFactorialCallStackSize(t *testing.T) {
	const deepSrc = `static acc 0

proc fact n
  cmp n 1
  jumpg recurse
  move acc 1
  jump done
label recurse
  local n1 0
  move n1 n
  sub n1 1
  call fact n1
  mul acc n
label done
ret

proc init
  call fact 10
  move printint acc
ret
`
	noop := func(vm *crustyvm.VM, index int, v int64) error { return nil }

	t.Run("factorial of 5 fits in 8", func(t *testing.T) {
		prog := load(t, factorialSrc,
			crustyvm.WithCallStackSize(8),
			crustyvm.WithCallback("printint", 1, crustyvm.TypeInt, nil, noop))
		vm := prog.NewVM()
		require.NoError(t, vm.Begin("init"))
		assert.NoError(t, vm.Run(0))
		assert.Equal(t, crustyvm.StatusReady, vm.Status())
	})

	t.Run("overflows at 5", func(t *testing.T) {
		prog := load(t, deepSrc,
			crustyvm.WithCallStackSize(5),
			crustyvm.WithCallback("printint", 1, crustyvm.TypeInt, nil, noop))
		vm := prog.NewVM()
		require.NoError(t, vm.Begin("init"))
		err := vm.Run(0)
		require.Error(t, err)
		assert.Equal(t, crustyvm.StatusStackOverflow, vm.Status())
	})
}

func TestFloatIntCoercion(t *testing.T) {
	const src = "static i 0\nstatic f floats 3.5\nproc init\n  move i f\n  move printint i\nret\n"

	var got int64
	prog := load(t, src, crustyvm.WithCallback("printint", 1, crustyvm.TypeInt, nil,
		func(vm *crustyvm.VM, index int, v int64) error { got = v; return nil }))

	runInit(t, prog)
	assert.EqualValues(t, 3, got)
}

func TestLengthOf(t *testing.T) {
	const src = "static arr ints 10 20 30\nproc init\n  move printint arr:\nret\n"

	var got int64
	prog := load(t, src, crustyvm.WithCallback("printint", 1, crustyvm.TypeInt, nil,
		func(vm *crustyvm.VM, index int, v int64) error { got = v; return nil }))

	runInit(t, prog)
	assert.EqualValues(t, 3, got)
}

func TestShiftAmountFromDoubleIsTruncated(t *testing.T) {
	const src = "static v 1\nstatic amt floats 3.9\nproc init\n  shl v amt\n  move printint v\nret\n"

	var got int64
	prog := load(t, src, crustyvm.WithCallback("printint", 1, crustyvm.TypeInt, nil,
		func(vm *crustyvm.VM, index int, v int64) error { got = v; return nil }))

	runInit(t, prog)
	assert.EqualValues(t, 1<<3, got)
}

func TestArithmeticSetsLastResultForConditionalJump(t *testing.T) {
	const src = `static n 3
static hit 0
proc init
  sub n 1
  sub n 1
  sub n 1
  jumpz wasZero
  move hit 0
  jump done
label wasZero
  move hit 1
label done
  move printint hit
ret
`
	var got int64
	prog := load(t, src, crustyvm.WithCallback("printint", 1, crustyvm.TypeInt, nil,
		func(vm *crustyvm.VM, index int, v int64) error { got = v; return nil }))

	runInit(t, prog)
	assert.EqualValues(t, 1, got)
}

func TestJumpToSelfTerminatesReady(t *testing.T) {
	const src = "proc init\n  move printint 1\nlabel loop\n  jump loop\nret\n"

	var got int64
	prog := load(t, src, crustyvm.WithCallback("printint", 1, crustyvm.TypeInt, nil,
		func(vm *crustyvm.VM, index int, v int64) error { got = v; return nil }))

	vm := prog.NewVM()
	require.NoError(t, vm.Begin("init"))
	require.NoError(t, vm.Run(1000))
	assert.Equal(t, crustyvm.StatusReady, vm.Status())
	assert.EqualValues(t, 1, got)
}

func TestIncludeResolvesQuotedFilename(t *testing.T) {
	opener := memOpener{"lib.crusty": []byte("static shared 7\n")}
	const src = "include \"lib.crusty\"\nproc init\n  move printint shared\nret\n"

	var got int64
	prog := load(t, src, crustyvm.WithOpener(opener), crustyvm.WithCallback("printint", 1, crustyvm.TypeInt, nil,
		func(vm *crustyvm.VM, index int, v int64) error { got = v; return nil }))

	runInit(t, prog)
	assert.EqualValues(t, 7, got)
}

type memOpener map[string][]byte

func (m memOpener) Open(name string) ([]byte, error) {
	b, ok := m[name]
	if !ok {
		return nil, assert.AnError
	}
	return b, nil
}

func TestResetIdempotence(t *testing.T) {
	var calls []int64
	prog := load(t, factorialSrc, crustyvm.WithCallback("printint", 1, crustyvm.TypeInt, nil,
		func(vm *crustyvm.VM, index int, v int64) error { calls = append(calls, v); return nil }))

	vm := prog.NewVM()
	require.NoError(t, vm.Begin("init"))
	require.NoError(t, vm.Run(0))
	vm.Reset()
	require.NoError(t, vm.Begin("init"))
	require.NoError(t, vm.Run(0))

	require.Len(t, calls, 2)
	assert.Equal(t, calls[0], calls[1])
}

func TestHasEntrypointRejectsArgumentedProc(t *testing.T) {
	const src = "proc fact n\nret\nproc init\nret\n"
	prog := load(t, src)
	assert.True(t, prog.HasEntrypoint("init"))
	assert.False(t, prog.HasEntrypoint("fact"))
	assert.False(t, prog.HasEntrypoint("nosuch"))
}

func TestLoadDiagnosticOnUnknownVariable(t *testing.T) {
	const src = "proc init\n  move missing 1\nret\n"
	_, err := crustyvm.Load("bad.crusty", []byte(src))
	require.Error(t, err)
	diag := crustyvm.AsDiagnostic(err)
	require.NotNil(t, diag)
	assert.Equal(t, "codegen", diag.Stage)
}
