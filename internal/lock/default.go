package lock

import (
	"context"
	"sync"
)

var (
	defaultOnce    sync.Once
	defaultManager *Manager
)

// Default returns the process-wide manager. Lock timings come from each
// vault's .vaultkit/config.yaml.
func Default() *Manager {
	defaultOnce.Do(func() {
		defaultManager = NewManager()
	})
	return defaultManager
}

// AcquireVaultLock acquires the vault lock with the process-wide manager.
// Vault mutations must be gated on a granted result.
func AcquireVaultLock(ctx context.Context, vaultPath string, force bool) AcquireResult {
	return Default().Acquire(ctx, vaultPath, force)
}

// ReleaseVaultLock releases the vault lock held by the process-wide manager.
func ReleaseVaultLock(ctx context.Context, vaultPath string) error {
	return Default().Release(ctx, vaultPath)
}
