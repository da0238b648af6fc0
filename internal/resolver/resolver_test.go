package resolver_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crustyvm/internal/resolver"
	"crustyvm/internal/source"
	"crustyvm/internal/tokenpool"
)

func tokenize(t *testing.T, pool *tokenpool.Pool, src string) []source.Line {
	t.Helper()
	lines, err := source.Tokenize(pool, "m", []byte(src), nil)
	require.NoError(t, err)
	return lines
}

func TestResolveLaysOutGlobalsWordAligned(t *testing.T) {
	pool := tokenpool.New()
	lines := tokenize(t, pool, "static b string \"x\"\nstatic n 2\nproc init\nret\n")

	res, err := resolver.Resolve(pool, lines, nil)
	require.NoError(t, err)
	require.Len(t, res.Variables, 2)

	b := res.Variables[res.Globals[0]]
	n := res.Variables[res.Globals[1]]
	assert.Equal(t, 0, b.Offset)
	assert.Equal(t, resolver.WordSize, n.Offset, "second global should start word-aligned after the 1-byte first global")
}

func TestResolveArgumentsAreByReference(t *testing.T) {
	pool := tokenpool.New()
	lines := tokenize(t, pool, "proc fact n\nret\n")

	res, err := resolver.Resolve(pool, lines, nil)
	require.NoError(t, err)

	proc := res.Procedures[res.ProcIndex["fact"]]
	require.Len(t, proc.Vars, 1)
	arg := res.Variables[proc.Vars[0]]
	assert.True(t, arg.IsArgument)
	assert.Equal(t, 0, arg.Length)
	assert.Equal(t, 1, arg.ArgIndex)
}

func TestResolveRejectsProcMissingRet(t *testing.T) {
	pool := tokenpool.New()
	lines := tokenize(t, pool, "proc init\nmove a b\n")

	_, err := resolver.Resolve(pool, lines, nil)
	assert.Error(t, err)
}

func TestResolveBindsCallbackVariables(t *testing.T) {
	pool := tokenpool.New()
	lines := tokenize(t, pool, "proc init\nret\n")

	res, err := resolver.Resolve(pool, lines, []resolver.CallbackSpec{
		{Name: "out", Length: 1, Type: resolver.TypeByte, Write: true},
	})
	require.NoError(t, err)

	v := res.Variables[res.Globals[0]]
	assert.True(t, v.IsCallback)
	assert.True(t, v.WriteCallback)
	assert.False(t, v.ReadCallback)
}
