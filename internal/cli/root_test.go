package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaultkit/vaultkit/internal/audit"
	"github.com/vaultkit/vaultkit/internal/identity"
	"github.com/vaultkit/vaultkit/internal/lockstore"
	"github.com/vaultkit/vaultkit/pkg/config"
	"github.com/vaultkit/vaultkit/pkg/errclass"
	"github.com/vaultkit/vaultkit/pkg/model"
)

func executeCommand(args ...string) (stdout string, err error) {
	return executeCommandContext(context.Background(), args...)
}

func executeCommandContext(ctx context.Context, args ...string) (string, error) {
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(append([]string{"--no-color"}, args...))
	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}

func setupVault(t *testing.T) string {
	t.Helper()
	return t.TempDir()
}

func writeForeignLock(t *testing.T, vault string, heartbeat time.Time) {
	t.Helper()
	require.NoError(t, lockstore.New(vault).WriteAtomic(&model.LockRecord{
		MachineID: "machine-other",
		Hostname:  "other-desktop",
		ProcessID: 4242,
		LockedAt:  heartbeat.Add(-time.Hour).UTC(),
		Heartbeat: heartbeat.UTC(),
	}))
}

func TestRootCommand_Help(t *testing.T) {
	stdout, err := executeCommand("--help")
	require.NoError(t, err)
	assert.Contains(t, stdout, "sync client")
	assert.Contains(t, stdout, "lock")
	assert.Contains(t, stdout, "doctor")
}

func TestWhoami_JSON(t *testing.T) {
	stdout, err := executeCommand("--vault", setupVault(t), "--json", "whoami")
	require.NoError(t, err)

	var out map[string]string
	require.NoError(t, json.Unmarshal([]byte(stdout), &out))
	assert.Equal(t, identity.MachineID(), out["machine_id"])
	assert.Equal(t, identity.Hostname(), out["hostname"])
	assert.NotEmpty(t, out["source"])
}

func TestLockCommand_AcquireStatusRelease(t *testing.T) {
	vault := setupVault(t)

	stdout, err := executeCommand("--vault", vault, "lock", "acquire")
	require.NoError(t, err)
	assert.Contains(t, stdout, "Lock acquired")

	rec, err := lockstore.New(vault).Read()
	require.NoError(t, err)
	assert.Equal(t, identity.MachineID(), rec.MachineID)

	stdout, err = executeCommand("--vault", vault, "lock", "acquire")
	require.NoError(t, err)
	assert.Contains(t, stdout, "already held by this machine")

	stdout, err = executeCommand("--vault", vault, "lock", "status")
	require.NoError(t, err)
	assert.Contains(t, stdout, "held")
	assert.Contains(t, stdout, identity.Hostname())

	stdout, err = executeCommand("--vault", vault, "lock", "release")
	require.NoError(t, err)
	assert.Contains(t, stdout, "Lock released")
	assert.NoFileExists(t, lockstore.New(vault).LockPath())
}

func TestLockCommand_Denied(t *testing.T) {
	vault := setupVault(t)
	writeForeignLock(t, vault, time.Now())

	stdout, err := executeCommand("--vault", vault, "lock", "acquire")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errclass.ErrLockDenied))
	assert.Contains(t, stdout, "other-desktop")
	assert.Contains(t, stdout, "--force")

	rec, err := lockstore.New(vault).Read()
	require.NoError(t, err)
	assert.Equal(t, "machine-other", rec.MachineID)
}

func TestLockCommand_DeniedJSON(t *testing.T) {
	vault := setupVault(t)
	writeForeignLock(t, vault, time.Now().Add(-time.Hour))

	stdout, err := executeCommand("--vault", vault, "--json", "lock", "acquire")
	require.Error(t, err)

	var out struct {
		Vault   string            `json:"vault"`
		Outcome string            `json:"outcome"`
		IsStale bool              `json:"is_stale"`
		Holder  *model.LockRecord `json:"holder"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &out))
	assert.Equal(t, "denied", out.Outcome)
	assert.True(t, out.IsStale)
	require.NotNil(t, out.Holder)
	assert.Equal(t, "other-desktop", out.Holder.Hostname)
}

func TestLockCommand_Force(t *testing.T) {
	vault := setupVault(t)
	writeForeignLock(t, vault, time.Now())

	stdout, err := executeCommand("--vault", vault, "lock", "acquire", "--force")
	require.NoError(t, err)
	assert.Contains(t, stdout, "Took over from other-desktop")

	backups, err := lockstore.New(vault).ListBackups()
	require.NoError(t, err)
	require.Len(t, backups, 1)
	assert.Equal(t, "other-desktop", backups[0].Hostname)
}

func TestLockCommand_ForceFromEnv(t *testing.T) {
	vault := setupVault(t)
	writeForeignLock(t, vault, time.Now())
	t.Setenv("VAULTKIT_VAULT", vault)
	t.Setenv("VAULTKIT_FORCE", "true")

	_, err := executeCommand("lock", "acquire")
	require.NoError(t, err)

	rec, err := lockstore.New(vault).Read()
	require.NoError(t, err)
	assert.Equal(t, identity.MachineID(), rec.MachineID)
}

func TestLockCommand_StatusJSON(t *testing.T) {
	vault := setupVault(t)
	writeForeignLock(t, vault, time.Now().Add(-time.Hour))

	stdout, err := executeCommand("--vault", vault, "--json", "lock", "status")
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(stdout), &out))
	assert.Equal(t, "stale", out["state"])
	assert.NotNil(t, out["lock"])
}

func TestLockCommand_InvalidVault(t *testing.T) {
	_, err := executeCommand("--vault", "/definitely/not/here", "lock", "status")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errclass.ErrVaultInvalid))
}

func TestLockCommand_HoldReleasesOnCancel(t *testing.T) {
	vault := setupVault(t)
	cfg := config.Default()
	cfg.Lock.StaleThreshold = "2s"
	cfg.Lock.HeartbeatInterval = "50ms"
	require.NoError(t, config.Save(vault, cfg))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		_, err := executeCommandContext(ctx, "--vault", vault, "lock", "hold")
		done <- err
	}()

	store := lockstore.New(vault)
	require.Eventually(t, func() bool {
		rec, err := store.Read()
		return err == nil && rec.Heartbeat.After(rec.LockedAt)
	}, 5*time.Second, 20*time.Millisecond, "heartbeat should advance while holding")

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("hold did not return after cancel")
	}
	assert.NoFileExists(t, store.LockPath())
}

func TestDoctorCommand(t *testing.T) {
	vault := setupVault(t)

	stdout, err := executeCommand("--vault", vault, "doctor")
	require.NoError(t, err)
	assert.Contains(t, stdout, "No problems found")

	store := lockstore.New(vault)
	require.NoError(t, os.MkdirAll(store.MetaDir(), 0755))
	require.NoError(t, os.WriteFile(store.LockPath(), []byte("{"), 0644))

	stdout, err = executeCommand("--vault", vault, "doctor")
	require.NoError(t, err)
	assert.Contains(t, stdout, "corrupt")
	assert.FileExists(t, store.LockPath())

	stdout, err = executeCommand("--vault", vault, "doctor", "--repair")
	require.NoError(t, err)
	assert.Contains(t, stdout, "removed corrupt lock record")
	assert.NoFileExists(t, store.LockPath())
}

func TestDoctorCommand_UnhealthyExitsWithError(t *testing.T) {
	vault := setupVault(t)
	require.NoError(t, os.MkdirAll(lockstore.New(vault).MetaDir(), 0755))
	require.NoError(t, os.WriteFile(config.Path(vault), []byte("lock:\n  stale_threshold: 1s\n  heartbeat_interval: 5s\n"), 0644))

	_, err := executeCommand("--vault", vault, "doctor")
	require.Error(t, err)
}

func TestLockCommand_History(t *testing.T) {
	vault := setupVault(t)

	stdout, err := executeCommand("--vault", vault, "lock", "history")
	require.NoError(t, err)
	assert.Contains(t, stdout, "No lock events")

	_, err = executeCommand("--vault", vault, "lock", "acquire")
	require.NoError(t, err)
	_, err = executeCommand("--vault", vault, "lock", "release")
	require.NoError(t, err)

	stdout, err = executeCommand("--vault", vault, "--json", "lock", "history", "--verify")
	require.NoError(t, err)
	var history []audit.Record
	require.NoError(t, json.Unmarshal([]byte(stdout), &history))
	require.Len(t, history, 2)
	assert.Equal(t, audit.EventAcquired, history[0].Event)
	assert.Equal(t, audit.EventReleased, history[1].Event)
	assert.Equal(t, identity.MachineID(), history[0].MachineID)

	stdout, err = executeCommand("--vault", vault, "lock", "history", "--limit", "1")
	require.NoError(t, err)
	assert.Contains(t, stdout, "released")
	assert.NotContains(t, stdout, "acquired")
}

func executeCommandStderr(args ...string) (string, error) {
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(append([]string{"--no-color"}, args...))
	err := cmd.Execute()
	return errOut.String(), err
}

func TestRootCommand_LogLevelDefaultsToWarn(t *testing.T) {
	vault := setupVault(t)
	stderr, err := executeCommandStderr("--vault", vault, "lock", "acquire")
	require.NoError(t, err)
	assert.NotContains(t, stderr, "vault lock acquisition")
	_, err = executeCommand("--vault", vault, "lock", "release")
	require.NoError(t, err)

	cfg := config.Default()
	cfg.Logging.Level = "info"
	require.NoError(t, config.Save(vault, cfg))
	stderr, err = executeCommandStderr("--vault", vault, "lock", "acquire")
	require.NoError(t, err)
	assert.Contains(t, stderr, "vault lock acquisition")
	_, err = executeCommand("--vault", vault, "lock", "release")
	require.NoError(t, err)
}
