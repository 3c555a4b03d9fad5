package afl

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeStatsFile(t *testing.T, dir string, body string) string {
	t.Helper()
	path := filepath.Join(dir, "fuzzer_stats")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestCollectParsesFuzzerStats(t *testing.T) {
	statsFile := writeStatsFile(t, t.TempDir(), "bitmap_cvg    : 12.34%\n"+
		"execs_done    : 5000\n"+
		"execs_per_sec : 123.45\n"+
		"unique_crashes: 2\n"+
		"unique_hangs  : 1\n"+
		"paths_total   : 100\n"+
		"corpus_count  : 100\n"+
		"corpus_favored: 40\n"+
		"stability     : 98.50%\n")

	p := NewMetricProvider(statsFile)
	sample, err := p.Collect()
	require.NoError(t, err)

	assert.InDelta(t, 12.34, sample.CoveragePercent, 0.001)
	assert.Equal(t, 100, sample.TotalPaths)
	assert.Equal(t, 2, sample.UniqueCrashes)
	assert.Equal(t, 1, sample.UniqueHangs)
	assert.Equal(t, 5000, sample.TotalExecutions)
	assert.InDelta(t, 123.45, sample.ExecutionsPerSecond, 0.001)
	assert.Equal(t, 100, sample.CorpusSize)
	assert.Equal(t, 40, sample.CorpusFavored)
	assert.InDelta(t, 98.50, sample.StabilityPercent, 0.001)
}

func TestCollectMissingStatsFileReturnsEmptySample(t *testing.T) {
	p := NewMetricProvider(filepath.Join(t.TempDir(), "fuzzer_stats"))
	sample, err := p.Collect()
	require.NoError(t, err)
	assert.Equal(t, 0, sample.TotalPaths)
}

func TestIsStalledOnlyAdvancesWhenPathsGrow(t *testing.T) {
	dir := t.TempDir()
	statsFile := filepath.Join(dir, "fuzzer_stats")

	writeStatsFile(t, dir, "paths_total: 100\n")
	p := NewMetricProvider(statsFile)
	_, err := p.Collect()
	require.NoError(t, err)

	p.lastPathTime = time.Now().Add(-2 * time.Hour)

	// Re-collecting with the same paths_total must not refresh
	// lastPathTime: a provider polled repeatedly with no new paths has
	// to keep reporting stalled.
	_, err = p.Collect()
	require.NoError(t, err)
	assert.True(t, p.IsStalled(1800))

	// A real increase in paths_total does refresh it.
	writeStatsFile(t, dir, "paths_total: 150\n")
	_, err = p.Collect()
	require.NoError(t, err)
	assert.False(t, p.IsStalled(1800))
}
