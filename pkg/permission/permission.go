// Package permission decides whether a sender may delegate work
// requiring a set of capabilities to a receiver. Evaluation is a pure
// read over the current grant table and fails closed: a capability the
// evaluator has never heard of is simply not granted.
package permission

import (
	"fmt"
	"sync"
	"time"
)

// Grant records that an agent holds a named capability, optionally
// until an expiry instant. A zero ExpiresAt never expires.
type Grant struct {
	AgentID    string    `json:"agent_id" yaml:"agent_id"`
	Capability string    `json:"capability" yaml:"capability"`
	ExpiresAt  time.Time `json:"expires_at,omitempty" yaml:"expires_at,omitempty"`
}

// DenialReason classifies why authorization was refused.
type DenialReason string

const (
	UnknownAgent         DenialReason = "unknown_agent"
	CapabilityNotGranted DenialReason = "capability_not_granted"
	GrantExpired         DenialReason = "grant_expired"
)

// DeniedError is the typed refusal returned by Authorize.
type DeniedError struct {
	Reason     DenialReason
	AgentID    string
	Capability string
}

func (e *DeniedError) Error() string {
	switch e.Reason {
	case UnknownAgent:
		return fmt.Sprintf("permission denied: unknown agent %s", e.AgentID)
	case GrantExpired:
		return fmt.Sprintf("permission denied: grant for %s expired on agent %s", e.Capability, e.AgentID)
	default:
		return fmt.Sprintf("permission denied: capability %s not granted to agent %s", e.Capability, e.AgentID)
	}
}

// Matcher decides whether a held capability satisfies a required one.
// The default is exact string match; collaborators may inject a
// wildcard-aware matcher without the core depending on one.
type Matcher func(granted, required string) bool

// ExactMatch is the default Matcher.
func ExactMatch(granted, required string) bool { return granted == required }

// Evaluator holds the grant table and answers authorization queries.
// Safe for concurrent readers with occasional writers.
type Evaluator struct {
	mu     sync.RWMutex
	grants map[string]map[string]Grant // agent_id -> capability -> grant
	match  Matcher
	now    func() time.Time
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithMatcher injects a custom capability matcher.
func WithMatcher(m Matcher) Option {
	return func(e *Evaluator) {
		if m != nil {
			e.match = m
		}
	}
}

// WithClock overrides the evaluator clock, used by tests.
func WithClock(now func() time.Time) Option {
	return func(e *Evaluator) {
		if now != nil {
			e.now = now
		}
	}
}

// NewEvaluator creates an Evaluator with no grants.
func NewEvaluator(opts ...Option) *Evaluator {
	e := &Evaluator{
		grants: make(map[string]map[string]Grant),
		match:  ExactMatch,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// AddGrant records a grant, replacing any previous grant of the same
// capability to the same agent.
func (e *Evaluator) AddGrant(g Grant) error {
	if g.AgentID == "" || g.Capability == "" {
		return fmt.Errorf("grant requires both agent id and capability")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	byCap, ok := e.grants[g.AgentID]
	if !ok {
		byCap = make(map[string]Grant)
		e.grants[g.AgentID] = byCap
	}
	byCap[g.Capability] = g
	return nil
}

// RevokeGrant removes a grant if present.
func (e *Evaluator) RevokeGrant(agentID, capability string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if byCap, ok := e.grants[agentID]; ok {
		delete(byCap, capability)
		if len(byCap) == 0 {
			delete(e.grants, agentID)
		}
	}
}

// Authorize reports whether receiverID holds every required capability.
// It has no side effects and is safe to call concurrently and
// repeatedly; callers may re-check before sensitive sub-steps.
func (e *Evaluator) Authorize(senderID, receiverID string, required []string) error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if len(required) == 0 {
		return nil
	}

	byCap, known := e.grants[receiverID]
	if !known {
		return &DeniedError{Reason: UnknownAgent, AgentID: receiverID}
	}

	now := e.now()
	for _, req := range required {
		grant, found := e.lookup(byCap, req)
		if !found {
			return &DeniedError{Reason: CapabilityNotGranted, AgentID: receiverID, Capability: req}
		}
		if !grant.ExpiresAt.IsZero() && now.After(grant.ExpiresAt) {
			return &DeniedError{Reason: GrantExpired, AgentID: receiverID, Capability: req}
		}
	}
	return nil
}

// Grants returns a copy of the grants held by an agent.
func (e *Evaluator) Grants(agentID string) []Grant {
	e.mu.RLock()
	defer e.mu.RUnlock()

	byCap := e.grants[agentID]
	out := make([]Grant, 0, len(byCap))
	for _, g := range byCap {
		out = append(out, g)
	}
	return out
}

// Clear removes all grants. Intended for tests and teardown.
func (e *Evaluator) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.grants = make(map[string]map[string]Grant)
}

func (e *Evaluator) lookup(byCap map[string]Grant, required string) (Grant, bool) {
	if g, ok := byCap[required]; ok && e.match(g.Capability, required) {
		return g, true
	}
	// Non-exact matchers need a scan.
	for _, g := range byCap {
		if e.match(g.Capability, required) {
			return g, true
		}
	}
	return Grant{}, false
}
