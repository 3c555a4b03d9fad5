package libfuzzer

import (
	"context"
	"testing"

	"fzorch/internal/task"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestBuildCommandIncludesCorpusAndFlags(t *testing.T) {
	a := New(zap.NewNop())
	tk := task.New("t1", "libfuzzer", []string{"./target"})
	timeout := 120
	mem := 2048
	tk.TimeoutSeconds = &timeout
	tk.MemoryLimitMB = &mem
	tk.FuzzerConfig = map[string]any{"max_len": 4096, "only_ascii": true}

	cmd, err := a.BuildCommand(context.Background(), tk, "/bin/target", t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "/bin/target", cmd[0])
	assert.Contains(t, cmd, "-max_total_time=120")
	assert.Contains(t, cmd, "-rss_limit_mb=2048")
	assert.Contains(t, cmd, "-max_len=4096")
	assert.Contains(t, cmd, "-only_ascii=1")
	assert.Contains(t, cmd, "-reduce_inputs=1")
}

func TestStatusLineRegex(t *testing.T) {
	line := "#12345 NEW    cov: 1234 ft: 5678 corp: 42/1024Kb exec/s: 1000 rss: 64Mb"
	m := statusLineRE.FindStringSubmatch(line)
	require.NotNil(t, m)
	assert.Equal(t, "12345", m[1])
	assert.Equal(t, "1234", m[2])
	assert.Equal(t, "42", m[4])
	assert.Equal(t, "1000", m[5])
}

func TestSanitizerBannerCountsCrashOnce(t *testing.T) {
	assert.True(t, isSanitizerBanner("==12== ERROR: AddressSanitizer: heap-buffer-overflow on address 0x1"))
	assert.True(t, isSanitizerBanner("==12== ERROR: libFuzzer: deadly signal"))
	// The SUMMARY line of the same report must not count again.
	assert.False(t, isSanitizerBanner("SUMMARY: AddressSanitizer: heap-buffer-overflow"))
	assert.False(t, isSanitizerBanner("#1024 NEW cov: 5 ft: 6 corp: 2/12b exec/s: 512"))
}

func TestCrashTypeClassification(t *testing.T) {
	cases := []struct {
		stderr string
		want   string
	}{
		{"ERROR: AddressSanitizer: heap-buffer-overflow", "ASAN"},
		{"ERROR: MemorySanitizer: use-of-uninitialized-value", "MSAN"},
		{"ERROR: UndefinedBehaviorSanitizer: undefined-behavior", "UBSAN"},
		{"ERROR: ThreadSanitizer: data race", "TSAN"},
		{"no sanitizer banner here", "UNKNOWN"},
	}
	for _, c := range cases {
		got := classify(c.stderr)
		assert.Equal(t, c.want, got)
	}
}
