// Package taskfile loads and validates campaign definitions from JSON
// or YAML, turning them into internal/task.Task values the scheduler
// can accept.
package taskfile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"fzorch/internal/task"
)

// File is the top-level task-file document.
type File struct {
	Version string     `json:"version" yaml:"version"`
	Tasks   []TaskSpec `json:"tasks" yaml:"tasks"`
}

// TaskSpec is one task entry as it appears on disk, before being turned
// into an internal/task.Task.
type TaskSpec struct {
	Name           string         `json:"name" yaml:"name"`
	Command        []string       `json:"command" yaml:"command"`
	FuzzerType     string         `json:"fuzzer_type" yaml:"fuzzer_type"`
	Priority       string         `json:"priority" yaml:"priority"`
	MemoryLimitMB  *int           `json:"memory_limit_mb,omitempty" yaml:"memory_limit_mb,omitempty"`
	CPUCores       *int           `json:"cpu_cores,omitempty" yaml:"cpu_cores,omitempty"`
	TimeoutSeconds *int           `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
	FuzzerConfig   map[string]any `json:"fuzzer_config,omitempty" yaml:"fuzzer_config,omitempty"`
	Tags           []string       `json:"tags,omitempty" yaml:"tags,omitempty"`
	Dependencies   []string       `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	SeedDir        string         `json:"seed_dir,omitempty" yaml:"seed_dir,omitempty"`
}

// Load reads a task file, detecting JSON vs. YAML by extension (.json
// vs. anything else), and validates it.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("taskfile: read %s: %w", path, err)
	}

	var f File
	if strings.EqualFold(filepath.Ext(path), ".json") {
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("taskfile: parse json: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("taskfile: parse yaml: %w", err)
		}
	}

	if err := Validate(&f); err != nil {
		return nil, err
	}
	return &f, nil
}

// Validate checks required fields and that the dependency graph (named
// by task name, since the file format doesn't know task IDs yet) is
// acyclic.
func Validate(f *File) error {
	if len(f.Tasks) == 0 {
		return fmt.Errorf("taskfile: no tasks defined")
	}

	byName := make(map[string]TaskSpec, len(f.Tasks))
	for _, spec := range f.Tasks {
		if spec.Name == "" {
			return fmt.Errorf("taskfile: task missing required field 'name'")
		}
		if len(spec.Command) == 0 {
			return fmt.Errorf("taskfile: task %q missing required field 'command'", spec.Name)
		}
		if spec.FuzzerType == "" {
			return fmt.Errorf("taskfile: task %q missing required field 'fuzzer_type'", spec.Name)
		}
		if _, dup := byName[spec.Name]; dup {
			return fmt.Errorf("taskfile: duplicate task name %q", spec.Name)
		}
		byName[spec.Name] = spec
	}

	for _, spec := range f.Tasks {
		for _, dep := range spec.Dependencies {
			if _, ok := byName[dep]; !ok {
				return fmt.Errorf("taskfile: task %q depends on unknown task %q", spec.Name, dep)
			}
		}
	}

	return detectCycle(byName)
}

func detectCycle(byName map[string]TaskSpec) error {
	const (
		white = iota
		gray
		black
	)
	color := make(map[string]int, len(byName))

	var visit func(name string, stack []string) error
	visit = func(name string, stack []string) error {
		switch color[name] {
		case black:
			return nil
		case gray:
			return fmt.Errorf("taskfile: cyclic dependency: %s -> %s", strings.Join(stack, " -> "), name)
		}
		color[name] = gray
		for _, dep := range byName[name].Dependencies {
			if err := visit(dep, append(stack, name)); err != nil {
				return err
			}
		}
		color[name] = black
		return nil
	}

	for name := range byName {
		if color[name] == white {
			if err := visit(name, nil); err != nil {
				return err
			}
		}
	}
	return nil
}

// ToTasks converts a validated File into Task values, resolving
// dependency names to the freshly generated Task IDs.
func ToTasks(f *File) ([]*task.Task, error) {
	ids := make(map[string]uuid.UUID, len(f.Tasks))
	tasks := make([]*task.Task, 0, len(f.Tasks))

	for _, spec := range f.Tasks {
		t := task.New(spec.Name, spec.FuzzerType, spec.Command)
		ids[spec.Name] = t.ID
		tasks = append(tasks, t)
	}

	for i, spec := range f.Tasks {
		t := tasks[i]
		if spec.Priority != "" {
			t.Priority = task.ParsePriority(spec.Priority)
		}
		t.MemoryLimitMB = spec.MemoryLimitMB
		t.CPUCores = spec.CPUCores
		t.TimeoutSeconds = spec.TimeoutSeconds
		t.SeedDir = spec.SeedDir
		if spec.FuzzerConfig != nil {
			t.FuzzerConfig = spec.FuzzerConfig
		}
		for _, tag := range spec.Tags {
			t.Tags[tag] = struct{}{}
		}
		for _, dep := range spec.Dependencies {
			depID, ok := ids[dep]
			if !ok {
				return nil, fmt.Errorf("taskfile: task %q depends on unresolved task %q", spec.Name, dep)
			}
			t.Dependencies[depID] = struct{}{}
		}
	}

	return tasks, nil
}

// WriteTemplate writes a minimal example tasks file to path, used by the
// `create` CLI command. JSON is always used for the template regardless
// of the path's extension.
func WriteTemplate(path string) error {
	f := File{
		Version: "2.0",
		Tasks: []TaskSpec{
			{
				Name:       "example-target",
				Command:    []string{"./fuzz_target", "@@"},
				FuzzerType: "afl",
				Priority:   "NORMAL",
				Tags:       []string{"example"},
			},
		},
	}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("taskfile: marshal template: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}
