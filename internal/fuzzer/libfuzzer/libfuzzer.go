// Package libfuzzer implements the fuzzer.Adapter contract for libFuzzer
// (-fsanitize=fuzzer) binaries.
package libfuzzer

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"fzorch/internal/fuzzer"
	"fzorch/internal/metrics"
	"fzorch/internal/task"

	"go.uber.org/zap"
)

// Adapter drives a libFuzzer-instrumented target binary directly; unlike
// AFL++ there's no separate fuzzer executable, the target binary itself is
// the fuzzer.
type Adapter struct {
	logger *zap.Logger
}

func New(logger *zap.Logger) *Adapter {
	return &Adapter{logger: logger}
}

func (a *Adapter) Capabilities() fuzzer.Capabilities {
	return fuzzer.Capabilities{
		SupportsPersistentMode:  true,
		SupportsParallelFuzzing: true,
		SupportsCustomMutators:  true,
		SupportsDictionary:      true,
		SupportsCoverageGuided:  true,
		SupportsCrashAnalysis:   true,
		SupportsTimeout:         true,
		RequiresInstrumentation: true,
		RequiresSourceCode:      true,
	}
}

func (a *Adapter) BuildCommand(ctx context.Context, t *task.Task, binaryPath, workDir string) ([]string, error) {
	cfg := t.FuzzerConfig

	corpusDir := t.CorpusDir
	if corpusDir == "" {
		corpusDir = filepath.Join(workDir, "corpus")
	}
	if err := os.MkdirAll(corpusDir, 0o755); err != nil {
		return nil, fmt.Errorf("libfuzzer: create corpus dir: %w", err)
	}

	cmd := []string{binaryPath, corpusDir}

	if t.SeedDir != "" {
		if _, err := os.Stat(t.SeedDir); err == nil {
			cmd = append(cmd, t.SeedDir)
		}
	}

	if t.TimeoutSeconds != nil {
		cmd = append(cmd, fmt.Sprintf("-max_total_time=%d", *t.TimeoutSeconds))
	}
	if v, ok := cfg["max_len"]; ok {
		cmd = append(cmd, fmt.Sprintf("-max_len=%v", v))
	}
	if v, ok := cfg["runs"]; ok {
		if asInt, ok := toInt(v); ok && asInt > 0 {
			cmd = append(cmd, fmt.Sprintf("-runs=%d", asInt))
		}
	}
	if t.MemoryLimitMB != nil {
		cmd = append(cmd, fmt.Sprintf("-rss_limit_mb=%d", *t.MemoryLimitMB))
	}
	if dict, ok := cfg["dictionary"]; ok {
		cmd = append(cmd, fmt.Sprintf("-dict=%v", dict))
	}
	if workers, ok := cfg["workers"]; ok {
		cmd = append(cmd, fmt.Sprintf("-workers=%v", workers), fmt.Sprintf("-jobs=%v", workers))
	}
	if onlyASCII, _ := cfg["only_ascii"].(bool); onlyASCII {
		cmd = append(cmd, "-only_ascii=1")
	}
	if v, ok := cfg["mutate_depth"]; ok {
		cmd = append(cmd, fmt.Sprintf("-mutate_depth=%v", v))
	}
	if reduce, present := cfg["reduce_inputs"]; !present || reduce == true {
		cmd = append(cmd, "-reduce_inputs=1")
	}
	// -minimize_crash=1 switches libFuzzer into a minimize-only mode that
	// needs a crash input on the command line, so it's strictly opt-in.
	if minimize, _ := cfg["minimize_crash"].(bool); minimize {
		cmd = append(cmd, "-minimize_crash=1")
	}

	artifactDir := filepath.Join(workDir, "artifacts")
	if err := os.MkdirAll(artifactDir, 0o755); err != nil {
		return nil, fmt.Errorf("libfuzzer: create artifact dir: %w", err)
	}
	cmd = append(cmd, fmt.Sprintf("-artifact_prefix=%s/", artifactDir))

	verbosity := 1
	if v, ok := toInt(cfg["verbosity"]); ok {
		verbosity = v
	}
	if verbosity > 0 {
		cmd = append(cmd, fmt.Sprintf("-verbosity=%d", verbosity))
	}
	if printStats, _ := cfg["print_stats"].(bool); printStats {
		cmd = append(cmd, "-print_stats=1")
	}
	if printCoverage, _ := cfg["print_coverage"].(bool); printCoverage {
		cmd = append(cmd, "-print_coverage=1")
	}

	return cmd, nil
}

func (a *Adapter) MetricProvider(workDir string, t *task.Task) metrics.Provider {
	return NewMetricProvider(filepath.Join(workDir, "fuzzer.log"))
}

func (a *Adapter) ValidateSetup(binaryPath, workDir string) error {
	if _, err := os.Stat(binaryPath); err != nil {
		return fmt.Errorf("libfuzzer: binary not found: %s", binaryPath)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, binaryPath, "-help=1").CombinedOutput()
	if err != nil && ctx.Err() == context.DeadlineExceeded {
		return fmt.Errorf("libfuzzer: timeout on -help (not a libFuzzer binary?)")
	}
	if !strings.Contains(string(out), "libFuzzer") {
		return fmt.Errorf("libfuzzer: binary does not appear to be built with libFuzzer")
	}

	return os.MkdirAll(filepath.Join(workDir, "corpus"), 0o755)
}

func (a *Adapter) PrepareCorpus(ctx context.Context, inputDir, corpusDir string, t *task.Task) error {
	if inputDir == "" || inputDir == corpusDir {
		return nil
	}
	entries, err := os.ReadDir(inputDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("libfuzzer: read seed dir: %w", err)
	}

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if err := copyFile(filepath.Join(inputDir, e.Name()), filepath.Join(corpusDir, e.Name())); err != nil {
			return fmt.Errorf("libfuzzer: seed corpus: %w", err)
		}
	}

	if merge, _ := t.FuzzerConfig["merge_corpus"].(bool); merge {
		return a.mergeCorpus(ctx, corpusDir, t)
	}
	return nil
}

func (a *Adapter) mergeCorpus(ctx context.Context, corpusDir string, t *task.Task) error {
	mergedDir := filepath.Join(filepath.Dir(corpusDir), "corpus_merged")
	if err := os.MkdirAll(mergedDir, 0o755); err != nil {
		return err
	}

	cmd := append([]string{}, t.Command...)
	cmd = append(cmd, "-merge=1", mergedDir, corpusDir)

	mergeCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	if err := exec.CommandContext(mergeCtx, cmd[0], cmd[1:]...).Run(); err != nil {
		a.logger.Warn("corpus merge failed", zap.Error(err))
		return nil
	}

	if err := os.RemoveAll(corpusDir); err != nil {
		return err
	}
	return os.Rename(mergedDir, corpusDir)
}

func (a *Adapter) AnalyzeCrash(ctx context.Context, crashFile, binaryPath, workDir string) (fuzzer.CrashAnalysis, error) {
	fi, err := os.Stat(crashFile)
	if err != nil {
		return fuzzer.CrashAnalysis{}, fmt.Errorf("libfuzzer: stat crash file: %w", err)
	}

	analysis := fuzzer.CrashAnalysis{CrashFile: crashFile, FileSize: fi.Size(), Detail: map[string]string{}}

	analyzeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	cmd := exec.CommandContext(analyzeCtx, binaryPath, crashFile)
	var stderr strings.Builder
	cmd.Stderr = &stderr
	_ = cmd.Run()

	stderrText := stderr.String()
	analysis.Detail["stderr"] = stderrText
	analysis.CrashType = classify(stderrText)

	return analysis, nil
}

func classify(stderrText string) string {
	switch {
	case strings.Contains(stderrText, "ERROR: AddressSanitizer"):
		return "ASAN"
	case strings.Contains(stderrText, "ERROR: MemorySanitizer"):
		return "MSAN"
	case strings.Contains(stderrText, "ERROR: UndefinedBehaviorSanitizer"):
		return "UBSAN"
	case strings.Contains(stderrText, "ERROR: ThreadSanitizer"):
		return "TSAN"
	default:
		return "UNKNOWN"
	}
}

func (a *Adapter) Environment(t *task.Task) map[string]string {
	env := map[string]string{}
	cfg := t.FuzzerConfig

	if asan, ok := cfg["asan_options"].(string); ok {
		env["ASAN_OPTIONS"] = asan
	} else {
		env["ASAN_OPTIONS"] = "abort_on_error=1:symbolize=1:detect_leaks=0"
	}
	if ubsan, ok := cfg["ubsan_options"].(string); ok {
		env["UBSAN_OPTIONS"] = ubsan
	} else {
		env["UBSAN_OPTIONS"] = "halt_on_error=1:abort_on_error=1:symbolize=1"
	}
	if msan, ok := cfg["msan_options"].(string); ok {
		env["MSAN_OPTIONS"] = msan
	}
	if extraCounters, _ := cfg["libfuzzer_extra_counters"].(bool); extraCounters {
		env["LIBFUZZER_EXTRA_COUNTERS"] = "1"
	}

	return env
}

func (a *Adapter) PostProcess(workDir string) fuzzer.PostProcessResult {
	result := fuzzer.PostProcessResult{}

	if entries, err := os.ReadDir(filepath.Join(workDir, "artifacts")); err == nil {
		for _, e := range entries {
			result.Crashes = append(result.Crashes, filepath.Join(workDir, "artifacts", e.Name()))
		}
	}
	if entries, err := os.ReadDir(filepath.Join(workDir, "corpus")); err == nil {
		result.CorpusSize = len(entries)
	}

	return result
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}

func toInt(v any) (int, bool) {
	switch vv := v.(type) {
	case int:
		return vv, true
	case int64:
		return int(vv), true
	case float64:
		return int(vv), true
	default:
		return 0, false
	}
}

var _ fuzzer.Adapter = (*Adapter)(nil)
