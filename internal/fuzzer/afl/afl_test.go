package afl

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"fzorch/internal/task"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestBuildCommandMasterMode(t *testing.T) {
	a := New(zap.NewNop(), "/opt/afl")
	tk := task.New("t1", "afl", []string{"./target", "@@"})
	tk.SeedDir = "/seeds"
	mem := 256
	tk.MemoryLimitMB = &mem

	cmd, err := a.BuildCommand(context.Background(), tk, "/bin/target", "/work")
	require.NoError(t, err)

	assert.Contains(t, cmd, "-i")
	assert.Contains(t, cmd, "/seeds")
	assert.Contains(t, cmd, "-M")
	assert.Contains(t, cmd, "master")
	assert.Contains(t, cmd, "/bin/target")
	assert.Contains(t, cmd, "@@")
}

func TestBuildCommandSlaveMode(t *testing.T) {
	a := New(zap.NewNop(), "/opt/afl")
	tk := task.New("t1", "afl", []string{"./target", "@@"})
	tk.FuzzerConfig = map[string]any{"fuzzer_id": "slave-1"}

	cmd, err := a.BuildCommand(context.Background(), tk, "/bin/target", "/work")
	require.NoError(t, err)
	assert.Contains(t, cmd, "-S")
	assert.Contains(t, cmd, "slave-1")
	assert.NotContains(t, cmd, "-M")
}

func TestValidateSetupCreatesDefaultSeed(t *testing.T) {
	dir := t.TempDir()
	bin := filepath.Join(dir, "target")
	require.NoError(t, os.WriteFile(bin, make([]byte, 60000), 0o755))

	a := New(zap.NewNop(), dir)
	// Fake afl-fuzz binary so the presence check passes.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "afl-fuzz"), []byte("#!/bin/sh"), 0o755))

	err := a.ValidateSetup(bin, dir)
	require.NoError(t, err)

	entries, err := os.ReadDir(filepath.Join(dir, "input"))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestParseCrashFilename(t *testing.T) {
	fields := parseCrashFilename("id:000000,sig:11,src:000000,op:flip1,pos:0")
	assert.Equal(t, "11", fields["sig"])
	assert.Equal(t, "flip1", fields["op"])
	assert.Equal(t, "0", fields["pos"])
}
