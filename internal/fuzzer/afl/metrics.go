package afl

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"fzorch/internal/errs"
	"fzorch/internal/metrics"
)

// MetricProvider parses an AFL++ fuzzer_stats file into a metrics.Sample.
type MetricProvider struct {
	statsFile string

	mu           sync.Mutex
	lastPathTime time.Time
	lastPaths    int
}

func NewMetricProvider(statsFile string) *MetricProvider {
	return &MetricProvider{statsFile: statsFile, lastPathTime: time.Now()}
}

func (p *MetricProvider) Collect() (metrics.Sample, error) {
	sample := metrics.Sample{Timestamp: time.Now(), StabilityPercent: 100.0}

	f, err := os.Open(p.statsFile)
	if err != nil {
		if os.IsNotExist(err) {
			return sample, nil
		}
		return sample, fmt.Errorf("%w: afl stats: %w", errs.ErrMetricParse, err)
	}
	defer f.Close()

	stats := make(map[string]string)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		idx := strings.Index(line, ":")
		if idx < 0 {
			continue
		}
		key := strings.TrimSpace(line[:idx])
		value := strings.TrimSpace(line[idx+1:])
		stats[key] = value
	}

	sample.CoveragePercent = parseFloat(strings.TrimSuffix(stats["bitmap_cvg"], "%"))
	sample.TotalExecutions = parseInt(stats["execs_done"])
	sample.ExecutionsPerSecond = parseFloat(stats["execs_per_sec"])
	sample.UniqueCrashes = parseInt(stats["unique_crashes"])
	sample.UniqueHangs = parseInt(stats["unique_hangs"])
	sample.TotalPaths = parseInt(stats["paths_total"])
	sample.CorpusSize = parseInt(stats["corpus_count"])
	sample.CorpusFavored = parseInt(stats["corpus_favored"])
	if stability, ok := stats["stability"]; ok {
		sample.StabilityPercent = parseFloat(strings.TrimSuffix(stability, "%"))
	}

	p.mu.Lock()
	if sample.TotalPaths > p.lastPaths {
		if p.lastPaths > 0 {
			newPaths := sample.TotalPaths - p.lastPaths
			timeDiff := time.Since(p.lastPathTime).Seconds()
			if timeDiff > 0 {
				sample.NewPathsLastMinute = int(float64(newPaths) * 60 / timeDiff)
			}
		}
		p.lastPaths = sample.TotalPaths
		p.lastPathTime = time.Now()
	}
	p.mu.Unlock()

	return sample, nil
}

func (p *MetricProvider) IsStalled(thresholdSeconds int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return time.Since(p.lastPathTime) > time.Duration(thresholdSeconds)*time.Second
}

func parseFloat(s string) float64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

func parseInt(s string) int {
	if s == "" {
		return 0
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return v
}
