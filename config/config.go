package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// AppConfig is the orchestrator's process-wide configuration, loaded once at
// startup from the environment (and an optional .env file). Only ServiceName
// and LogLevel have mandatory defaults; every resource limit and sink is
// optional so the orchestrator runs standalone on a single host with nothing
// but a task file.
type AppConfig struct {
	ServiceName string
	LogLevel    string

	// Optional durable sinks. Left empty, the corresponding component is
	// skipped: crash/seed records are not stored, metrics snapshots aren't
	// mirrored externally, and task-terminal events aren't published.
	DatabaseURL string
	RabbitMQURL string
	RedisUrl    string

	Resource   ResourceConfig
	Scheduler  SchedulerConfig
	Supervisor SupervisorConfig
}

// ResourceConfig bounds the resources the orchestrator is willing to let its
// fuzzing tasks consume in aggregate.
type ResourceConfig struct {
	MemoryLimitMB      int           `mapstructure:"memory_limit_mb"`
	CPUCores           int           `mapstructure:"cpu_cores"`
	MemoryThresholdPct float64       `mapstructure:"memory_threshold_pct"`
	CPUThresholdPct    float64       `mapstructure:"cpu_threshold_pct"`
	DiskThresholdPct   float64       `mapstructure:"disk_threshold_pct"`
	SampleInterval     time.Duration `mapstructure:"sample_interval"`
	HistorySize        int           `mapstructure:"history_size"`
}

type SchedulerConfig struct {
	Strategy           string        `mapstructure:"strategy"` // "priority" or "fair-share"
	SchedulingInterval time.Duration `mapstructure:"scheduling_interval"`
	TasksPerBatch      int           `mapstructure:"tasks_per_batch"`
	MaxParallel        int           `mapstructure:"max_parallel"`
	AllowPreemption    bool          `mapstructure:"allow_preemption"`
	CleanupInterval    time.Duration `mapstructure:"cleanup_interval"`
	MaxRestartAttempts int           `mapstructure:"max_restart_attempts"`
}

type SupervisorConfig struct {
	MaxProcesses   int           `mapstructure:"max_processes"`
	GraceTimeout   time.Duration `mapstructure:"grace_timeout"`
	SampleInterval time.Duration `mapstructure:"sample_interval"`
}

func LoadConfig() *AppConfig {
	godotenv.Load()

	cfg := &AppConfig{
		ServiceName: os.Getenv("SERVICE_NAME"),
		LogLevel:    os.Getenv("LOG_LEVEL"),

		DatabaseURL: os.Getenv("DATABASE_URL"),
		RabbitMQURL: os.Getenv("RABBITMQ_URL"),
		RedisUrl:    os.Getenv("REDIS_URL"),

		Resource: ResourceConfig{
			MemoryLimitMB:      parseInt(os.Getenv("FZORCH_MEMORY_LIMIT_MB"), 8192),
			CPUCores:           parseInt(os.Getenv("FZORCH_CPU_CORES"), 0),
			MemoryThresholdPct: parseFloat(os.Getenv("FZORCH_MEMORY_THRESHOLD_PCT"), 90.0),
			CPUThresholdPct:    parseFloat(os.Getenv("FZORCH_CPU_THRESHOLD_PCT"), 95.0),
			DiskThresholdPct:   parseFloat(os.Getenv("FZORCH_DISK_THRESHOLD_PCT"), 90.0),
			SampleInterval:     parseDuration(os.Getenv("FZORCH_SAMPLE_INTERVAL"), time.Second),
			HistorySize:        parseInt(os.Getenv("FZORCH_HISTORY_SIZE"), 300),
		},
		Scheduler: SchedulerConfig{
			Strategy:           envOr("FZORCH_SCHEDULER_STRATEGY", "priority"),
			SchedulingInterval: parseDuration(os.Getenv("FZORCH_SCHEDULING_INTERVAL"), 5*time.Second),
			TasksPerBatch:      parseInt(os.Getenv("FZORCH_TASKS_PER_BATCH"), 1),
			MaxParallel:        parseInt(os.Getenv("FZORCH_MAX_PARALLEL"), 4),
			AllowPreemption:    os.Getenv("FZORCH_ALLOW_PREEMPTION") == "true",
			CleanupInterval:    parseDuration(os.Getenv("FZORCH_CLEANUP_INTERVAL"), 60*time.Second),
			MaxRestartAttempts: parseInt(os.Getenv("FZORCH_MAX_RESTART_ATTEMPTS"), 3),
		},
		Supervisor: SupervisorConfig{
			MaxProcesses:   parseInt(os.Getenv("FZORCH_MAX_PROCESSES"), 32),
			GraceTimeout:   parseDuration(os.Getenv("FZORCH_GRACE_TIMEOUT"), 30*time.Second),
			SampleInterval: parseDuration(os.Getenv("FZORCH_SUPERVISOR_SAMPLE_INTERVAL"), time.Second),
		},
	}

	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "fzorch"
	}

	return cfg
}

// LoadConfigFile layers a `run --config FILE` override on top of the
// environment-derived defaults from LoadConfig. The file may be YAML,
// JSON, or TOML (viper detects the format from the extension); any
// section or key it omits keeps its environment/default value.
func LoadConfigFile(path string) (*AppConfig, error) {
	cfg := LoadConfig()

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	for key, dst := range map[string]*string{
		"service_name": &cfg.ServiceName,
		"log_level":    &cfg.LogLevel,
		"database_url": &cfg.DatabaseURL,
		"rabbitmq_url": &cfg.RabbitMQURL,
		"redis_url":    &cfg.RedisUrl,
	} {
		if v.IsSet(key) {
			*dst = v.GetString(key)
		}
	}

	if v.IsSet("resource") {
		if err := v.UnmarshalKey("resource", &cfg.Resource); err != nil {
			return nil, fmt.Errorf("config: parse resource section: %w", err)
		}
	}
	if v.IsSet("scheduler") {
		if err := v.UnmarshalKey("scheduler", &cfg.Scheduler); err != nil {
			return nil, fmt.Errorf("config: parse scheduler section: %w", err)
		}
	}
	if v.IsSet("supervisor") {
		if err := v.UnmarshalKey("supervisor", &cfg.Supervisor); err != nil {
			return nil, fmt.Errorf("config: parse supervisor section: %w", err)
		}
	}

	return cfg, nil
}

func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func parseDuration(val string, defaultVal time.Duration) time.Duration {
	if val == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return defaultVal
	}
	return d
}

func parseInt(val string, defaultVal int) int {
	if val == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return i
}

func parseFloat(val string, defaultVal float64) float64 {
	if val == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return defaultVal
	}
	return f
}
