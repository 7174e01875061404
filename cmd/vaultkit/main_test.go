package main

import (
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// getProjectRoot returns the absolute path to the project root.
func getProjectRoot(t *testing.T) string {
	dir, err := os.Getwd()
	require.NoError(t, err)
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	t.Fatal("go.mod not found")
	return ""
}

func buildBinary(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping build test in short mode")
	}
	binPath := filepath.Join(t.TempDir(), "vaultkit-test")
	buildCmd := exec.Command("go", "build", "-o", binPath, ".")
	buildCmd.Dir = filepath.Join(getProjectRoot(t), "cmd", "vaultkit")
	output, err := buildCmd.CombinedOutput()
	require.NoError(t, err, "build failed: %s", string(output))
	return binPath
}

func TestMainHelpFlag(t *testing.T) {
	bin := buildBinary(t)

	out, err := exec.Command(bin, "--help").CombinedOutput()
	require.NoError(t, err)
	assert.Contains(t, string(out), "vaultkit")
	assert.Contains(t, string(out), "lock")
}

func TestMainUnknownCommand(t *testing.T) {
	bin := buildBinary(t)

	out, err := exec.Command(bin, "unknown-command-xyz").CombinedOutput()
	assert.Error(t, err)
	assert.Contains(t, strings.ToLower(string(out)), "unknown")
}

func TestMainDeniedExitsNonZero(t *testing.T) {
	bin := buildBinary(t)
	vault := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(vault, ".vaultkit"), 0755))

	now := time.Now().UTC()
	rec, err := json.Marshal(map[string]any{
		"machine_id": "machine-other",
		"hostname":   "other-desktop",
		"process_id": 1,
		"locked_at":  now,
		"heartbeat":  now,
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(vault, ".vaultkit", "lock.json"), rec, 0644))

	cmd := exec.Command(bin, "--no-color", "lock", "acquire")
	cmd.Env = append(os.Environ(), "VAULTKIT_VAULT="+vault)
	out, err := cmd.CombinedOutput()
	var exitErr *exec.ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 1, exitErr.ExitCode())
	assert.Contains(t, string(out), "other-desktop")
}
