package taskfile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateRejectsMissingRequiredFields(t *testing.T) {
	f := &File{Tasks: []TaskSpec{{Name: "t1"}}}
	err := Validate(f)
	assert.ErrorContains(t, err, "command")
}

func TestValidateRejectsUnknownDependency(t *testing.T) {
	f := &File{Tasks: []TaskSpec{{Name: "t1", Command: []string{"x"}, FuzzerType: "afl", Dependencies: []string{"ghost"}}}}
	err := Validate(f)
	assert.ErrorContains(t, err, "unknown task")
}

func TestValidateRejectsCyclicDependencies(t *testing.T) {
	f := &File{Tasks: []TaskSpec{
		{Name: "a", Command: []string{"x"}, FuzzerType: "afl", Dependencies: []string{"b"}},
		{Name: "b", Command: []string{"x"}, FuzzerType: "afl", Dependencies: []string{"a"}},
	}}
	err := Validate(f)
	assert.ErrorContains(t, err, "cyclic")
}

func TestValidateAcceptsWellFormedFile(t *testing.T) {
	f := &File{Tasks: []TaskSpec{
		{Name: "a", Command: []string{"x"}, FuzzerType: "afl"},
		{Name: "b", Command: []string{"x"}, FuzzerType: "libfuzzer", Dependencies: []string{"a"}},
	}}
	require.NoError(t, Validate(f))
}

func TestToTasksResolvesDependencyIDs(t *testing.T) {
	f := &File{Tasks: []TaskSpec{
		{Name: "a", Command: []string{"x"}, FuzzerType: "afl"},
		{Name: "b", Command: []string{"x"}, FuzzerType: "afl", Dependencies: []string{"a"}, Priority: "critical"},
	}}
	tasks, err := ToTasks(f)
	require.NoError(t, err)
	require.Len(t, tasks, 2)

	byName := map[string]int{}
	for i, tk := range tasks {
		byName[tk.Name] = i
	}
	dependent := tasks[byName["b"]]
	dependency := tasks[byName["a"]]

	_, resolved := dependent.Dependencies[dependency.ID]
	assert.True(t, resolved)
}

func TestLoadJSONRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tasks.json")
	require.NoError(t, WriteTemplate(path))

	f, err := Load(path)
	require.NoError(t, err)
	require.Len(t, f.Tasks, 1)
	assert.Equal(t, "example-target", f.Tasks[0].Name)
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tasks.yaml")
	content := []byte("version: \"2.0\"\ntasks:\n  - name: y1\n    command: [\"./target\"]\n    fuzzer_type: afl\n")
	require.NoError(t, os.WriteFile(path, content, 0o644))

	f, err := Load(path)
	require.NoError(t, err)
	require.Len(t, f.Tasks, 1)
	assert.Equal(t, "y1", f.Tasks[0].Name)
}
