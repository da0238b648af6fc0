package verify_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crustyvm/internal/codegen"
	"crustyvm/internal/resolver"
	"crustyvm/internal/source"
	"crustyvm/internal/tokenpool"
	"crustyvm/internal/verify"
)

func generate(t *testing.T, src string, callbacks ...resolver.CallbackSpec) *codegen.Program {
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

func TestVerifyAcceptsWellFormedProgram(t *testing.T) {
	prog := generate(t, "static v 0\nproc init\n  move v 5\nret\n")
	assert.NoError(t, verify.Verify(prog))
}

func TestVerifyRejectsOversizedInitializer(t *testing.T) {
	// Hand-build a minimal program: a global whose recorded Length disagrees
	// with its initializer's value count, a defect Resolve's own parsing
	// never produces but Verify defends against regardless.
	res := &resolver.Result{
		Variables: []resolver.Variable{
			{NameStr: "a", Type: resolver.TypeInt, Length: 1, Proc: -1,
				Init: &resolver.Initializer{Kind: resolver.InitInts, Ints: []int64{1, 2, 3}}},
		},
		Globals:   []int{0},
		Procedures: []resolver.Procedure{{NameStr: "init", Lines: []source.Line{{}}, EndInstr: 1}},
	}
	prog := &codegen.Program{Words: []int64{int64(codegen.OpRet)}, Res: res}

	assert.Error(t, verify.Verify(prog))
}

func TestVerifyRejectsOutOfRangeImmediateIndex(t *testing.T) {
	prog := generate(t, "static arr ints 1 2 3\nproc init\n  move printint arr:5\nret\n",
		resolver.CallbackSpec{Name: "printint", Length: 1, Type: resolver.TypeInt, Write: true})
	err := verify.Verify(prog)
	require.Error(t, err)
}

func TestVerifyAcceptsInRangeImmediateIndex(t *testing.T) {
	prog := generate(t, "static arr ints 1 2 3\nproc init\n  move printint arr:2\nret\n",
		resolver.CallbackSpec{Name: "printint", Length: 1, Type: resolver.TypeInt, Write: true})
	assert.NoError(t, verify.Verify(prog))
}

func TestVerifyRejectsDuplicateLabel(t *testing.T) {
	pool := tokenpool.New()
	lines, err := source.Tokenize(pool, "m", []byte("proc init\nlabel l\n  jump l\nlabel l\nret\n"), nil)
	require.NoError(t, err)
	res, err := resolver.Resolve(pool, lines, nil)
	require.NoError(t, err)
	prog, err := codegen.Generate(pool, res)
	require.NoError(t, err)

	err = verify.Verify(prog)
	assert.Error(t, err)
}
