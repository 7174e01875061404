package identity

import (
	"os"
	"strings"
	"sync"

	"github.com/vaultkit/vaultkit/pkg/logging"
)

// Provider resolves and memoizes the machine identity.
type Provider struct {
	sources  []Source
	hostname func() (string, error)

	idOnce   sync.Once
	id       string
	idSource string

	hostOnce sync.Once
	host     string
}

// Option configures a Provider.
type Option func(*Provider)

// WithHostnameLookup overrides the hostname resolver.
func WithHostnameLookup(fn func() (string, error)) Option {
	return func(p *Provider) { p.hostname = fn }
}

// New creates a Provider walking sources in order. With no sources the
// OS default chain is used.
func New(sources []Source, opts ...Option) *Provider {
	if len(sources) == 0 {
		sources = DefaultSources()
	}
	p := &Provider{sources: sources, hostname: os.Hostname}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Static returns a Provider with a fixed identity.
func Static(machineID, hostname string) *Provider {
	return New([]Source{StaticSource{ID: machineID}}, WithHostnameLookup(func() (string, error) {
		return hostname, nil
	}))
}

// MachineID returns the memoized machine identifier. Never empty.
func (p *Provider) MachineID() string {
	p.idOnce.Do(func() {
		for _, s := range p.sources {
			id, err := s.MachineID()
			if err != nil {
				logging.Debug("machine id source failed", map[string]any{
					"source": s.Name(),
					"error":  err.Error(),
				})
				continue
			}
			p.id, p.idSource = id, s.Name()
			return
		}
		p.id, p.idSource = strings.ToLower(p.Hostname()), "hostname-fallback"
	})
	return p.id
}

// Source names the strategy that produced MachineID.
func (p *Provider) Source() string {
	p.MachineID()
	return p.idSource
}

// Hostname returns the memoized display hostname. Never empty.
func (p *Provider) Hostname() string {
	p.hostOnce.Do(func() {
		h, err := p.hostname()
		h = strings.TrimSpace(h)
		if err != nil || h == "" {
			h = Placeholder
		}
		p.host = h
	})
	return p.host
}

var (
	defaultOnce     sync.Once
	defaultProvider *Provider
)

// Default returns the process-wide provider.
func Default() *Provider {
	defaultOnce.Do(func() {
		defaultProvider = New(nil)
	})
	return defaultProvider
}

// MachineID returns the process-wide machine identifier.
func MachineID() string {
	return Default().MachineID()
}

// Hostname returns the process-wide hostname.
func Hostname() string {
	return Default().Hostname()
}
