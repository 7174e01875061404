package identity

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/host"

	"github.com/vaultkit/vaultkit/pkg/uuidutil"
)

// Placeholder is used when neither a machine id nor a hostname is available.
const Placeholder = "unknown-host"

var errEmpty = errors.New("empty identifier")

// Source is one strategy for resolving a machine identifier.
type Source interface {
	Name() string
	MachineID() (string, error)
}

// PlatformSource asks the OS for its persistent hardware/install UUID
// (DMI product UUID, IOPlatformUUID, MachineGuid registry value).
type PlatformSource struct {
	Timeout time.Duration
}

func (PlatformSource) Name() string { return "platform" }

func (s PlatformSource) MachineID() (string, error) {
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	id, err := host.HostIDWithContext(ctx)
	if err != nil {
		return "", fmt.Errorf("platform host id: %w", err)
	}
	return normalized(id)
}

// MachineIDFileSource reads the first usable machine-id style file.
type MachineIDFileSource struct {
	Paths []string
}

// DefaultMachineIDPaths are the well-known machine-id locations.
var DefaultMachineIDPaths = []string{
	"/etc/machine-id",
	"/var/lib/dbus/machine-id",
	"/etc/hostid",
}

func (MachineIDFileSource) Name() string { return "machine-id-file" }

func (s MachineIDFileSource) MachineID() (string, error) {
	paths := s.Paths
	if paths == nil {
		paths = DefaultMachineIDPaths
	}
	var errs []error
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if id, err := normalized(string(data)); err == nil {
			return id, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", p, errEmpty))
	}
	if len(errs) == 0 {
		return "", errEmpty
	}
	return "", errors.Join(errs...)
}

// HostnameSource uses the hostname as a last-resort machine identifier.
type HostnameSource struct {
	Lookup func() (string, error)
}

func (HostnameSource) Name() string { return "hostname" }

func (s HostnameSource) MachineID() (string, error) {
	lookup := s.Lookup
	if lookup == nil {
		lookup = os.Hostname
	}
	h, err := lookup()
	if err != nil {
		return "", err
	}
	return normalized(h)
}

// StaticSource always answers with ID, or Err when set.
type StaticSource struct {
	ID  string
	Err error
}

func (StaticSource) Name() string { return "static" }

func (s StaticSource) MachineID() (string, error) {
	if s.Err != nil {
		return "", s.Err
	}
	return normalized(s.ID)
}

// DefaultSources returns the resolution chain for the running OS. On linux
// the machine-id files come first: the DMI product UUID usually needs root,
// and the platform lookup would otherwise fall back to the per-boot id.
func DefaultSources() []Source {
	return sourcesFor(runtime.GOOS)
}

func sourcesFor(goos string) []Source {
	switch goos {
	case "linux":
		return []Source{MachineIDFileSource{}, PlatformSource{}, HostnameSource{}}
	case "windows", "darwin":
		return []Source{PlatformSource{}, HostnameSource{}}
	default:
		return []Source{PlatformSource{}, MachineIDFileSource{}, HostnameSource{}}
	}
}

func normalized(id string) (string, error) {
	id = uuidutil.Normalize(strings.TrimSpace(id))
	if id == "" {
		return "", errEmpty
	}
	return id, nil
}
