package libfuzzer

import (
	"bufio"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"fzorch/internal/errs"
	"fzorch/internal/metrics"
)

var statusLineRE = regexp.MustCompile(`#(\d+).*cov:\s*(\d+).*ft:\s*(\d+).*corp:\s*(\d+)/.*exec/s:\s*(\d+)`)

// MetricProvider tails a libFuzzer run's stdout/stderr log, extracting the
// most recent status line and counting sanitizer crash banners.
type MetricProvider struct {
	logFile string

	mu                sync.Mutex
	lastCoverage      int
	lastNewCoverageAt time.Time
}

func NewMetricProvider(logFile string) *MetricProvider {
	return &MetricProvider{logFile: logFile, lastNewCoverageAt: time.Now()}
}

func (p *MetricProvider) Collect() (metrics.Sample, error) {
	sample := metrics.Sample{Timestamp: time.Now(), StabilityPercent: 100.0}

	lines, err := tailLines(p.logFile, 100)
	if err != nil {
		if os.IsNotExist(err) {
			return sample, nil
		}
		return sample, fmt.Errorf("%w: fuzzer log: %w", errs.ErrMetricParse, err)
	}

	for i := len(lines) - 1; i >= 0; i-- {
		m := statusLineRE.FindStringSubmatch(lines[i])
		if m == nil {
			continue
		}
		sample.TotalExecutions = atoi(m[1])
		sample.CoverageBranches = atoi(m[2])
		sample.TotalPaths = atoi(m[3])
		sample.CorpusSize = atoi(m[4])
		sample.ExecutionsPerSecond = atof(m[5])
		break
	}

	crashCount := 0
	for _, line := range lines {
		if isSanitizerBanner(line) {
			crashCount++
		}
	}
	sample.UniqueCrashes = crashCount

	p.mu.Lock()
	if sample.CoverageBranches > p.lastCoverage {
		p.lastNewCoverageAt = time.Now()
	}
	p.lastCoverage = sample.CoverageBranches
	p.mu.Unlock()

	return sample, nil
}

func (p *MetricProvider) IsStalled(thresholdSeconds int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return time.Since(p.lastNewCoverageAt) > time.Duration(thresholdSeconds)*time.Second
}

// isSanitizerBanner reports whether a log line is the opening banner of a
// sanitizer crash report. Counting only the banner, not the SUMMARY line
// that follows it, avoids counting one crash twice.
func isSanitizerBanner(line string) bool {
	if strings.Contains(line, "libFuzzer: deadly signal") ||
		strings.Contains(line, "libFuzzer: timeout") ||
		strings.Contains(line, "libFuzzer: out-of-memory") {
		return true
	}
	if !strings.Contains(line, "ERROR: ") {
		return false
	}
	for _, san := range []string{"AddressSanitizer", "MemorySanitizer", "UndefinedBehaviorSanitizer", "ThreadSanitizer", "LeakSanitizer"} {
		if strings.Contains(line, san) {
			return true
		}
	}
	return false
}

// tailLines returns up to the last n lines of path.
func tailLines(path string, n int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
		if len(lines) > n {
			lines = lines[1:]
		}
	}
	return lines, scanner.Err()
}

func atoi(s string) int {
	v, _ := strconv.Atoi(s)
	return v
}

func atof(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}
