package metrics

import "time"

// Sample is a single point-in-time reading from a fuzzer adapter's metric
// provider.
type Sample struct {
	Timestamp time.Time

	CoveragePercent  float64
	CoverageLines    int
	CoverageBranches int

	TotalExecutions     int
	ExecutionsPerSecond float64

	UniqueCrashes      int
	UniqueHangs        int
	TotalPaths         int
	NewPathsLastMinute int

	CorpusSize    int
	CorpusFavored int

	StabilityPercent float64

	Custom map[string]any
}

// Provider is implemented by each fuzzer adapter's metric source (AFL
// fuzzer_stats, libFuzzer log tail, ...).
type Provider interface {
	Collect() (Sample, error)
	IsStalled(thresholdSeconds int) bool
}
