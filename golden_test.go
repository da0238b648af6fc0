package crustyvm_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crustyvm/internal/goldenrun"
)

// TestGoldenExamples runs every examples/*.crusty fixture and compares its
// printint/out trace against examples/golden.json, regenerated offline by
// scripts/gen_golden.go. Unlike that script, this test runs the fixtures
// sequentially on the test goroutine: there is nothing to gain from
// concurrency here, and spec §5's single-goroutine-per-VM discipline is
// easiest to keep obviously true by just not reaching for one.
func TestGoldenExamples(t *testing.T) {
	raw, err := os.ReadFile("examples/golden.json")
	require.NoError(t, err)

	var golden map[string][]goldenrun.Event
	require.NoError(t, json.Unmarshal(raw, &golden))
	require.NotEmpty(t, golden)

	for name, want := range golden {
		name, want := name, want
		t.Run(name, func(t *testing.T) {
			src, err := os.ReadFile(filepath.Join("examples", name))
			require.NoError(t, err)

			got, err := goldenrun.Run(name, src)
			require.NoError(t, err)
			assert.Equal(t, want, got)
		})
	}
}
