// Package registry resolves an incoming Host header to a backend
// descriptor. The registry itself is immutable once built at config load;
// only the lifecycle state hung off each entry (owned by internal/lifecycle)
// mutates at runtime.
package registry

import (
	"net"
	"strings"

	"github.com/hiberproxy/hiberproxy/internal/config"
)

// Entry is a hostname's resolved backend: either a lifecycle-managed host
// (Config != nil) or a static always-up target such as the admin API.
type Entry struct {
	Host string

	// Config is nil for a StaticAddress entry (e.g. the admin API route),
	// non-nil for a lifecycle-managed backend.
	Config *config.HostConfig

	// StaticAddress, when set, is proxied to directly with no lifecycle
	// management — used for api_domain -> api_address routing (SPEC_FULL.md
	// §4.8).
	StaticAddress string
}

// Managed reports whether this entry is a lifecycle-managed backend.
func (e *Entry) Managed() bool {
	return e.Config != nil
}

// Address returns the backend's TCP endpoint regardless of whether it is
// lifecycle-managed or static.
func (e *Entry) Address() string {
	if e.Config != nil {
		return e.Config.Address
	}
	return e.StaticAddress
}

// Registry is the immutable hostname -> Entry map.
type Registry struct {
	entries map[string]*Entry
}

// Build constructs a Registry from the loaded config: one entry per
// lifecycle-managed host, plus the admin API route if api_address and
// api_domain are both configured.
func Build(cfg *config.Config) *Registry {
	entries := make(map[string]*Entry, len(cfg.Hosts)+1)
	for name, hc := range cfg.Hosts {
		entries[name] = &Entry{Host: name, Config: hc}
	}
	if cfg.APIDomain != "" && cfg.APIAddress != "" {
		entries[cfg.APIDomain] = &Entry{Host: cfg.APIDomain, StaticAddress: cfg.APIAddress}
	}
	return &Registry{entries: entries}
}

// Lookup resolves a raw Host header (which may carry a :port suffix) to its
// Entry. Returns (nil, false) if no host is configured for it.
func (r *Registry) Lookup(hostHeader string) (*Entry, bool) {
	host := stripPort(hostHeader)
	e, ok := r.entries[host]
	return e, ok
}

// All returns every entry, for callers that need to iterate (e.g. building
// TLS SNI domain lists or the lifecycle controller's host map).
func (r *Registry) All() map[string]*Entry {
	return r.entries
}

func stripPort(hostHeader string) string {
	if h, _, err := net.SplitHostPort(hostHeader); err == nil {
		return h
	}
	// No port present (net.SplitHostPort errors on "host" without ":port").
	return strings.TrimSpace(hostHeader)
}
