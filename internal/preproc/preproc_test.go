package preproc_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crustyvm/internal/preproc"
	"crustyvm/internal/source"
	"crustyvm/internal/tokenpool"
)

func run(t *testing.T, src string, defines map[string]string) []string {
	t.Helper()
	pool := tokenpool.New()
	lines, err := source.Tokenize(pool, "m", []byte(src), nil)
	require.NoError(t, err)
	out, err := preproc.Run(pool, lines, defines)
	require.NoError(t, err)

	var got []string
	for _, l := range out {
		for _, tok := range l.Tokens {
			got = append(got, pool.String(tok))
		}
	}
	return got
}

func TestExprSubstitutesExpandedValue(t *testing.T) {
	got := run(t, "expr x 2 + 3 * 4\nstatic v x\n", nil)
	assert.Equal(t, []string{"static", "v", "14"}, got)
}

func TestMacroExpandsArgumentSubstitution(t *testing.T) {
	got := run(t, "macro inc X\n  add X 1\nendmacro inc\ninc c\n", nil)
	assert.Equal(t, []string{"add", "c", "1"}, got)
}

func TestIfGatesOnNonZero(t *testing.T) {
	got := run(t, "if 0 move a b\nif 1 move c d\n", nil)
	assert.Equal(t, []string{"move", "c", "d"}, got)
}

func TestDefineSubstitutesBeforeMacroExpansion(t *testing.T) {
	got := run(t, "macro inc X\n  add X STEP\nendmacro inc\ninc c\n", map[string]string{"STEP": "2"})
	assert.Equal(t, []string{"add", "c", "2"}, got)
}

func TestRecursiveMacroCallIsRejected(t *testing.T) {
	pool := tokenpool.New()
	lines, err := source.Tokenize(pool, "m", []byte("macro rec X\n  rec X\nendmacro rec\nrec 1\n"), nil)
	require.NoError(t, err)

	_, err = preproc.Run(pool, lines, nil)
	assert.Error(t, err)
}

func TestParseDefine(t *testing.T) {
	name, value, err := preproc.ParseDefine("FOO=bar")
	require.NoError(t, err)
	assert.Equal(t, "FOO", name)
	assert.Equal(t, "bar", value)

	name, value, err = preproc.ParseDefine("FLAG")
	require.NoError(t, err)
	assert.Equal(t, "FLAG", name)
	assert.Equal(t, "1", value)

	_, _, err = preproc.ParseDefine("")
	assert.Error(t, err)
}
