package lock

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vaultkit/vaultkit/internal/identity"
	"github.com/vaultkit/vaultkit/internal/lockstore"
	"github.com/vaultkit/vaultkit/pkg/errclass"
	"github.com/vaultkit/vaultkit/pkg/logging"
	"github.com/vaultkit/vaultkit/pkg/metrics"
	"github.com/vaultkit/vaultkit/pkg/model"
)

func TestManager_FailedTakeoverLeavesNoBackup(t *testing.T) {
	vault := t.TempDir()
	store := lockstore.New(vault)
	now := time.Now().UTC()
	foreign := &model.LockRecord{
		MachineID: "machine-other",
		Hostname:  "desktop",
		LockedAt:  now,
		Heartbeat: now,
	}
	require.NoError(t, store.WriteAtomic(foreign))
	before, err := os.ReadFile(store.LockPath())
	require.NoError(t, err)

	m := NewManager(
		WithIdentity(identity.Static("machine-self", "laptop")),
		WithPolicy(model.DefaultLockPolicy()),
		WithMetrics(metrics.NewRegistry()),
		WithLogger(logging.FromZap(zap.NewNop())),
		WithGuardDir(t.TempDir()),
		WithAudit(false),
	)
	m.writeRecord = func(*lockstore.Store, *model.LockRecord) error {
		return errclass.ErrLockIO.WithMessage("write lock").Wrap(errors.New("disk full"))
	}

	res := m.Acquire(context.Background(), vault, true)
	require.Equal(t, OutcomeError, res.Outcome)
	assert.ErrorIs(t, res.Err, errclass.ErrLockIO)
	assert.False(t, m.Held(vault))

	backups, err := store.ListBackups()
	require.NoError(t, err)
	assert.Empty(t, backups)

	after, err := os.ReadFile(store.LockPath())
	require.NoError(t, err)
	assert.Equal(t, before, after)
}
