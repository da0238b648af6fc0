package codegen_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crustyvm/internal/codegen"
	"crustyvm/internal/resolver"
	"crustyvm/internal/source"
	"crustyvm/internal/tokenpool"
)

func compile(t *testing.T, src string) *codegen.Program {
	t.Helper()
	pool := tokenpool.New()
	lines, err := source.Tokenize(pool, "m", []byte(src), nil)
	require.NoError(t, err)
	res, err := resolver.Resolve(pool, lines, nil)
	require.NoError(t, err)
	prog, err := codegen.Generate(pool, res)
	require.NoError(t, err)
	return prog
}

func TestGenerateMoveImmediate(t *testing.T) {
	prog := compile(t, "static v 0\nproc init\n  move v 5\nret\n")

	require.Len(t, prog.Words, 1+2*codegen.OperandWords+1, "move instruction word + 2 operands + ret")
	assert.EqualValues(t, codegen.OpMove, prog.Words[0])

	destFlags := prog.Words[1]
	assert.EqualValues(t, codegen.FlagVar|codegen.FlagIndexImmediate, destFlags)

	srcBase := 1 + codegen.OperandWords
	assert.EqualValues(t, codegen.FlagImmediate, prog.Words[srcBase])
	assert.EqualValues(t, 5, prog.Words[srcBase+1])

	assert.EqualValues(t, codegen.OpRet, prog.Words[len(prog.Words)-1])
}

func TestGenerateResolvesJumpToAbsoluteOffset(t *testing.T) {
	prog := compile(t, "static v 0\nproc init\n  jump skip\n  add v 1\nlabel skip\nret\n")

	// word 0: jump opcode, word 1: target instruction offset.
	assert.EqualValues(t, codegen.OpJump, prog.Words[0])
	target := prog.Words[1]
	assert.EqualValues(t, codegen.OpRet, prog.Words[target])
}

func TestGenerateCallRejectsUndefinedProcedure(t *testing.T) {
	pool := tokenpool.New()
	lines, err := source.Tokenize(pool, "m", []byte("proc init\n  call nosuch\nret\n"), nil)
	require.NoError(t, err)
	res, err := resolver.Resolve(pool, lines, nil)
	require.NoError(t, err)

	_, err = codegen.Generate(pool, res)
	assert.Error(t, err)
}
