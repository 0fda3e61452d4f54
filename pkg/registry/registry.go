// Package registry tracks the agents known to a node: their addresses,
// declared capabilities, and liveness. Entries expire when no traffic
// has been seen from an agent within the configured TTL.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// DefaultTTL is how long an entry stays live without a refresh.
const DefaultTTL = 5 * time.Minute

var (
	// ErrNotFound is returned when no live agent matches the given ID.
	ErrNotFound = errors.New("agent not found")
	// ErrDuplicateAddress is returned when a different live agent
	// already claims the requested address.
	ErrDuplicateAddress = errors.New("address already claimed by another agent")
)

// AgentIdentity describes an agent advertised to the registry.
type AgentIdentity struct {
	ID           string    `json:"id" yaml:"id"`
	Address      string    `json:"address" yaml:"address"`
	Capabilities []string  `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`
	LastSeen     time.Time `json:"last_seen,omitempty" yaml:"-"`
}

// HasCapability reports whether the identity declares the named
// capability. Declaration is advisory; authorization is the permission
// evaluator's concern.
func (a AgentIdentity) HasCapability(name string) bool {
	for _, c := range a.Capabilities {
		if c == name {
			return true
		}
	}
	return false
}

// Registry is the process-wide table of known agents. It never blocks
// on network I/O; liveness comes from observed traffic, not polling.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]AgentIdentity // agent_id -> identity
	byAddr map[string]string        // address -> agent_id
	ttl    time.Duration
	now    func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithTTL sets the liveness TTL for registered agents.
func WithTTL(ttl time.Duration) Option {
	return func(r *Registry) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

// WithClock overrides the registry clock, used by tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// New creates an empty Registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		agents: make(map[string]AgentIdentity),
		byAddr: make(map[string]string),
		ttl:    DefaultTTL,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register inserts or refreshes an identity. Re-registration refreshes
// the liveness timestamp and replaces the capability set. It fails when
// another live agent claims the same address under a different ID.
func (r *Registry) Register(identity AgentIdentity) error {
	if identity.ID == "" {
		return fmt.Errorf("identity has no id")
	}
	if identity.Address == "" {
		return fmt.Errorf("identity %s has no address", identity.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()

	if ownerID, claimed := r.byAddr[identity.Address]; claimed && ownerID != identity.ID {
		owner, ok := r.agents[ownerID]
		if ok && !r.expired(owner, now) {
			return fmt.Errorf("register %s at %s: %w (held by %s)",
				identity.ID, identity.Address, ErrDuplicateAddress, ownerID)
		}
		// Stale claim; evict it.
		delete(r.agents, ownerID)
		delete(r.byAddr, identity.Address)
	}

	if prev, ok := r.agents[identity.ID]; ok && prev.Address != identity.Address {
		delete(r.byAddr, prev.Address)
	}

	identity.LastSeen = now
	r.agents[identity.ID] = identity
	r.byAddr[identity.Address] = identity.ID
	return nil
}

// Lookup resolves an agent by ID. Expired entries are evicted lazily
// and reported as not found.
func (r *Registry) Lookup(agentID string) (AgentIdentity, error) {
	r.mu.RLock()
	identity, ok := r.agents[agentID]
	now := r.now()
	r.mu.RUnlock()

	if !ok {
		return AgentIdentity{}, fmt.Errorf("lookup %s: %w", agentID, ErrNotFound)
	}
	if r.expired(identity, now) {
		r.mu.Lock()
		if cur, still := r.agents[agentID]; still && r.expired(cur, r.now()) {
			delete(r.agents, agentID)
			delete(r.byAddr, cur.Address)
		}
		r.mu.Unlock()
		return AgentIdentity{}, fmt.Errorf("lookup %s: expired: %w", agentID, ErrNotFound)
	}
	return identity, nil
}

// Deregister removes an agent explicitly.
func (r *Registry) Deregister(agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	identity, ok := r.agents[agentID]
	if !ok {
		return fmt.Errorf("deregister %s: %w", agentID, ErrNotFound)
	}
	delete(r.agents, agentID)
	delete(r.byAddr, identity.Address)
	return nil
}

// Touch refreshes the liveness timestamp for an agent. Receiving any
// message from an agent counts as a liveness signal.
func (r *Registry) Touch(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if identity, ok := r.agents[agentID]; ok {
		identity.LastSeen = r.now()
		r.agents[agentID] = identity
	}
}

// SweepExpired evicts every entry whose TTL elapsed before now and
// returns the removed agent IDs, sorted for stable output.
func (r *Registry) SweepExpired(now time.Time) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []string
	for id, identity := range r.agents {
		if r.expired(identity, now) {
			delete(r.agents, id)
			delete(r.byAddr, identity.Address)
			removed = append(removed, id)
		}
	}
	sort.Strings(removed)
	return removed
}

// List returns all live identities, sorted by ID.
func (r *Registry) List() []AgentIdentity {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.now()
	out := make([]AgentIdentity, 0, len(r.agents))
	for _, identity := range r.agents {
		if !r.expired(identity, now) {
			out = append(out, identity)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of entries currently held, including any not
// yet swept.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

// Clear removes every entry. Intended for tests and process teardown.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents = make(map[string]AgentIdentity)
	r.byAddr = make(map[string]string)
}

func (r *Registry) expired(identity AgentIdentity, now time.Time) bool {
	return now.Sub(identity.LastSeen) > r.ttl
}
