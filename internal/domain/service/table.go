package service

import (
	"net"
	"sort"
	"strings"
	"sync/atomic"
)

// Snapshot is an immutable view of the routing table. Lookups never see a
// half-applied update; writers build a fresh snapshot and swap it in.
type Snapshot struct {
	byName map[string]*Definition
	byHost map[string]*Definition
	names  []string
}

func buildSnapshot(defs []Definition) *Snapshot {
	snap := &Snapshot{
		byName: make(map[string]*Definition, len(defs)),
		byHost: make(map[string]*Definition),
	}
	for i := range defs {
		d := defs[i]
		d.Normalize()
		name := strings.TrimSpace(d.Name)
		if name == "" {
			continue
		}
		if _, exists := snap.byName[name]; exists {
			continue
		}
		def := &d
		snap.byName[name] = def
		snap.names = append(snap.names, name)
		for _, raw := range d.InterceptHosts {
			host := strings.ToLower(strings.TrimSpace(raw))
			if host == "" {
				continue
			}
			if _, taken := snap.byHost[host]; taken {
				continue
			}
			snap.byHost[host] = def
		}
	}
	sort.Strings(snap.names)
	return snap
}

// Get returns the definition registered under name. The returned definition
// is shared with the snapshot and must not be mutated.
func (s *Snapshot) Get(name string) (*Definition, bool) {
	d, ok := s.byName[name]
	return d, ok
}

// MatchHost returns the definition whose intercept list contains the given
// Host header value. The port is stripped before matching.
func (s *Snapshot) MatchHost(hostport string) (*Definition, bool) {
	d, ok := s.byHost[NormalizeHost(hostport)]
	return d, ok
}

// Names returns the registered service names in sorted order.
func (s *Snapshot) Names() []string {
	return s.names
}

// Definitions returns the definitions in name order.
func (s *Snapshot) Definitions() []*Definition {
	out := make([]*Definition, 0, len(s.names))
	for _, name := range s.names {
		out = append(out, s.byName[name])
	}
	return out
}

// Len returns the number of registered services.
func (s *Snapshot) Len() int {
	return len(s.names)
}

// NormalizeHost lowercases a Host header value and strips any port and
// IPv6 brackets.
func NormalizeHost(hostport string) string {
	h := strings.TrimSpace(hostport)
	if host, _, err := net.SplitHostPort(h); err == nil {
		h = host
	}
	h = strings.TrimPrefix(h, "[")
	h = strings.TrimSuffix(h, "]")
	return strings.ToLower(h)
}

// Table is the live routing table. Reads are lock-free; Replace publishes a
// complete new snapshot. Duplicate names or intercept hosts keep the first
// definition seen, so callers control precedence by input order.
type Table struct {
	snap atomic.Pointer[Snapshot]
}

// NewTable returns a table populated with the given definitions.
func NewTable(defs []Definition) *Table {
	t := &Table{}
	t.Replace(defs)
	return t
}

// Replace swaps in a snapshot built from defs.
func (t *Table) Replace(defs []Definition) {
	t.snap.Store(buildSnapshot(defs))
}

// Snapshot returns the current immutable view.
func (t *Table) Snapshot() *Snapshot {
	return t.snap.Load()
}

// Get looks up a service by name in the current snapshot.
func (t *Table) Get(name string) (*Definition, bool) {
	return t.Snapshot().Get(name)
}

// MatchHost looks up a service by intercept hostname in the current snapshot.
func (t *Table) MatchHost(hostport string) (*Definition, bool) {
	return t.Snapshot().MatchHost(hostport)
}

// Names returns the service names in the current snapshot, sorted.
func (t *Table) Names() []string {
	return t.Snapshot().Names()
}
