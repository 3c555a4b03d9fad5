// Package afl implements the fuzzer.Adapter contract for AFL++.
package afl

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"fzorch/internal/fuzzer"
	"fzorch/internal/metrics"
	"fzorch/internal/task"
	"fzorch/internal/utils"

	"go.uber.org/zap"
)

// Adapter drives AFL++'s afl-fuzz and afl-cmin binaries.
type Adapter struct {
	logger  *zap.Logger
	aflPath string
}

// New locates afl-fuzz (via aflPath if given, else $PATH) and returns an
// Adapter. It does not error if the binary is absent — that surfaces later
// from ValidateSetup, matching how every other admission check behaves.
func New(logger *zap.Logger, aflPath string) *Adapter {
	if aflPath == "" {
		if found, err := exec.LookPath("afl-fuzz"); err == nil {
			aflPath = filepath.Dir(found)
		}
	}
	return &Adapter{logger: logger, aflPath: aflPath}
}

func (a *Adapter) binPath(name string) string {
	if a.aflPath == "" {
		return name
	}
	return filepath.Join(a.aflPath, name)
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
	}
}

func (a *Adapter) BuildCommand(ctx context.Context, t *task.Task, binaryPath, workDir string) ([]string, error) {
	cfg := t.FuzzerConfig

	inputDir := t.SeedDir
	if inputDir == "" {
		inputDir = filepath.Join(workDir, "input")
	}
	outputDir := filepath.Join(workDir, "output")

	cmd := []string{a.binPath("afl-fuzz"), "-i", inputDir, "-o", outputDir}

	if t.MemoryLimitMB != nil {
		cmd = append(cmd, "-m", strconv.Itoa(*t.MemoryLimitMB))
	} else {
		cmd = append(cmd, "-m", "none")
	}

	if t.TimeoutSeconds != nil {
		cmd = append(cmd, "-t", strconv.Itoa(*t.TimeoutSeconds*1000))
	}

	if dict, ok := stringConfig(cfg, "dictionary"); ok {
		cmd = append(cmd, "-x", dict)
	}
	if mode, ok := stringConfig(cfg, "mode"); ok {
		cmd = append(cmd, "-P", mode)
	}
	if boolConfig(cfg, "skip_deterministic") {
		cmd = append(cmd, "-d")
	}
	if affinity, ok := stringConfig(cfg, "cpu_affinity"); ok {
		cmd = append(cmd, "-b", affinity)
	}
	if fuzzerID, ok := stringConfig(cfg, "fuzzer_id"); ok {
		cmd = append(cmd, "-S", fuzzerID)
	} else if isMaster, present := cfg["is_master"]; !present || isMaster == true {
		cmd = append(cmd, "-M", "master")
	}
	if mutator, ok := stringConfig(cfg, "custom_mutator"); ok {
		cmd = append(cmd, "-l", mutator)
	}
	if schedule, ok := stringConfig(cfg, "power_schedule"); ok {
		cmd = append(cmd, "-p", schedule)
	}

	cmd = append(cmd, "--", binaryPath)

	if args, ok := cfg["binary_args"]; ok {
		cmd = append(cmd, toStringSlice(args)...)
	} else {
		cmd = append(cmd, "@@")
	}

	return cmd, nil
}

func (a *Adapter) MetricProvider(workDir string, t *task.Task) metrics.Provider {
	outputDir := filepath.Join(workDir, "output")
	cfg := t.FuzzerConfig

	var statsFile string
	if fuzzerID, ok := stringConfig(cfg, "fuzzer_id"); ok {
		statsFile = filepath.Join(outputDir, fuzzerID, "fuzzer_stats")
	} else if isMaster, present := cfg["is_master"]; !present || isMaster == true {
		statsFile = filepath.Join(outputDir, "master", "fuzzer_stats")
	} else if matches, err := filepath.Glob(filepath.Join(outputDir, "*", "fuzzer_stats")); err == nil && len(matches) > 0 {
		statsFile = matches[0]
	} else {
		statsFile = filepath.Join(outputDir, "fuzzer_stats")
	}

	return NewMetricProvider(statsFile)
}

func (a *Adapter) ValidateSetup(binaryPath, workDir string) error {
	if _, err := os.Stat(a.binPath("afl-fuzz")); err != nil {
		return fmt.Errorf("afl: afl-fuzz not found at %s", a.aflPath)
	}
	if _, err := os.Stat(binaryPath); err != nil {
		return fmt.Errorf("afl: target binary not found: %s", binaryPath)
	}

	if fi, err := os.Stat(binaryPath); err == nil && fi.Size() < 50000 {
		a.logger.Warn("target binary seems small, might not be instrumented", zap.String("binary", binaryPath))
	}

	inputDir := filepath.Join(workDir, "input")
	if _, err := os.Stat(inputDir); os.IsNotExist(err) {
		if err := os.MkdirAll(inputDir, 0o755); err != nil {
			return fmt.Errorf("afl: create default input dir: %w", err)
		}
		if err := os.WriteFile(filepath.Join(inputDir, "default"), []byte("TEST"), 0o644); err != nil {
			return fmt.Errorf("afl: seed default input: %w", err)
		}
		a.logger.Warn("created default input seed", zap.String("dir", inputDir))
	}

	entries, err := os.ReadDir(inputDir)
	if err != nil || len(entries) == 0 {
		return fmt.Errorf("afl: no input files found in %s", inputDir)
	}

	return nil
}

func (a *Adapter) PrepareCorpus(ctx context.Context, inputDir, corpusDir string, t *task.Task) error {
	if inputDir != corpusDir {
		if err := utils.CopyDir(inputDir, corpusDir); err != nil {
			return fmt.Errorf("afl: prepare corpus: %w", err)
		}
	}

	if boolConfig(t.FuzzerConfig, "minimize_corpus") {
		return a.minimizeCorpus(ctx, corpusDir, t)
	}
	return nil
}

// minimizeCorpus runs afl-cmin against corpusDir, replacing it with the
// minimized result on success. Failure is logged and swallowed: a failed
// minimization pass should not block a task from starting.
func (a *Adapter) minimizeCorpus(ctx context.Context, corpusDir string, t *task.Task) error {
	minimizedDir := filepath.Join(filepath.Dir(corpusDir), "corpus_minimized")
	if err := os.MkdirAll(minimizedDir, 0o755); err != nil {
		return err
	}

	cmd := []string{a.binPath("afl-cmin"), "-i", corpusDir, "-o", minimizedDir}
	if t.MemoryLimitMB != nil {
		cmd = append(cmd, "-m", strconv.Itoa(*t.MemoryLimitMB))
	}
	if t.TimeoutSeconds != nil {
		cmd = append(cmd, "-t", strconv.Itoa(*t.TimeoutSeconds*1000))
	}
	cmd = append(cmd, "--")
	cmd = append(cmd, t.Command...)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	if err := exec.CommandContext(ctx, cmd[0], cmd[1:]...).Run(); err != nil {
		a.logger.Warn("corpus minimization failed", zap.Error(err))
		return nil
	}

	if err := os.RemoveAll(corpusDir); err != nil {
		return err
	}
	return os.Rename(minimizedDir, corpusDir)
}

func (a *Adapter) AnalyzeCrash(ctx context.Context, crashFile, binaryPath, workDir string) (fuzzer.CrashAnalysis, error) {
	fi, err := os.Stat(crashFile)
	if err != nil {
		return fuzzer.CrashAnalysis{}, fmt.Errorf("afl: stat crash file: %w", err)
	}

	analysis := fuzzer.CrashAnalysis{
		CrashFile: crashFile,
		FileSize:  fi.Size(),
		Detail:    parseCrashFilename(filepath.Base(crashFile)),
	}
	analysis.Signal = analysis.Detail["sig"]
	analysis.Source = analysis.Detail["src"]
	analysis.Operation = analysis.Detail["op"]

	if _, err := os.Stat(a.binPath("afl-analyze")); err == nil {
		analyzeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		out, err := exec.CommandContext(analyzeCtx, a.binPath("afl-analyze"), "-i", crashFile, "--", binaryPath, "@@").CombinedOutput()
		if err == nil {
			analysis.Detail["afl_analyze"] = string(out)
		}
	}

	return analysis, nil
}

// parseCrashFilename extracts AFL's comma-separated key:value metadata from
// a crash filename like "id:000000,sig:11,src:000000,op:flip1,pos:0".
func parseCrashFilename(name string) map[string]string {
	fields := make(map[string]string)
	for _, part := range strings.Split(name, ",") {
		key, value, ok := strings.Cut(part, ":")
		if !ok {
			continue
		}
		fields[key] = value
	}
	return fields
}

func (a *Adapter) Environment(t *task.Task) map[string]string {
	env := map[string]string{}
	cfg := t.FuzzerConfig

	if raw, ok := cfg["env"]; ok {
		if m, ok := raw.(map[string]string); ok {
			for k, v := range m {
				env[k] = v
			}
		}
	}

	if boolConfig(cfg, "no_affinity") {
		env["AFL_NO_AFFINITY"] = "1"
	}
	if boolConfig(cfg, "skip_crashes") {
		env["AFL_SKIP_CRASHES"] = "1"
	}
	if v, ok := cfg["hang_timeout"]; ok {
		env["AFL_HANG_TMOUT"] = fmt.Sprint(v)
	}
	if v, ok := cfg["map_size"]; ok {
		env["AFL_MAP_SIZE"] = fmt.Sprint(v)
	}
	if boolConfig(cfg, "persistent_mode") {
		env["AFL_PERSISTENT"] = "1"
	}
	if v, ok := stringConfig(cfg, "python_module"); ok {
		env["AFL_PYTHON_MODULE"] = v
	}

	return env
}

func (a *Adapter) PostProcess(workDir string) fuzzer.PostProcessResult {
	result := fuzzer.PostProcessResult{}

	for _, name := range []string{"crashes", "crash", "failures"} {
		dir := filepath.Join(workDir, "output", "master", name)
		if entries, err := os.ReadDir(dir); err == nil {
			for _, e := range entries {
				if e.Name() == "README.txt" {
					continue
				}
				result.Crashes = append(result.Crashes, filepath.Join(dir, e.Name()))
			}
		}
	}

	for _, name := range []string{"queue", "corpus", "inputs"} {
		dir := filepath.Join(workDir, "output", "master", name)
		if entries, err := os.ReadDir(dir); err == nil {
			result.CorpusSize = len(entries)
			break
		}
	}

	return result
}

func stringConfig(cfg map[string]any, key string) (string, bool) {
	v, ok := cfg[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func boolConfig(cfg map[string]any, key string) bool {
	v, ok := cfg[key]
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

func toStringSlice(v any) []string {
	switch vv := v.(type) {
	case []string:
		return vv
	case []any:
		out := make([]string, 0, len(vv))
		for _, e := range vv {
			out = append(out, fmt.Sprint(e))
		}
		return out
	default:
		return nil
	}
}

var _ fuzzer.Adapter = (*Adapter)(nil)
