package lock

import (
	"context"
	"crypto/sha256"
	"fmt"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/vaultkit/vaultkit/pkg/errclass"
)

const guardRetryDelay = 25 * time.Millisecond

// guardPath names the same-machine guard file for a vault. It lives outside
// the vault so the sync client never replicates it.
func guardPath(dir, vaultRoot string) string {
	sum := sha256.Sum256([]byte(vaultRoot))
	return filepath.Join(dir, fmt.Sprintf("vaultkit.%x.lock", sum[:12]))
}

// lockGuard takes the cross-process guard for vaultRoot, waiting until ctx
// is done.
func lockGuard(ctx context.Context, dir, vaultRoot string) (*flock.Flock, error) {
	fl := flock.New(guardPath(dir, vaultRoot))
	ok, err := fl.TryLockContext(ctx, guardRetryDelay)
	if err != nil {
		return nil, errclass.ErrLockIO.WithMessage("acquire local guard").Wrap(err)
	}
	if !ok {
		return nil, errclass.ErrLockIO.WithMessage("acquire local guard: not acquired")
	}
	return fl, nil
}
