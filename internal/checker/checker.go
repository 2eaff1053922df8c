// Package checker implements the capability checker (spec C8): the
// hot-path enforcement engine mapping a ComponentId to its registered
// capability.SecurityContext, and evaluating every capability check against
// it. The map is sharded by fnv hash of the component id, grounded on the
// same "a panic must not wedge the whole admission path" posture the
// teacher applies to its registries — here carried to its logical
// conclusion: per-shard mutexes, not one RWMutex over a single hash table,
// so a single bad shard never stalls the rest.
package checker

import (
	"hash/fnv"
	"sync"

	"github.com/basket/wasmguard/internal/capability"
)

// ShardCount is the number of independent lock-protected shards. A power of
// two keeps the hash-to-shard mapping a cheap bitmask.
const ShardCount = 32

// Decision is the outcome of a capability check.
type Decision struct {
	Granted bool
	Reason  string
}

func granted() Decision        { return Decision{Granted: true} }
func denied(reason string) Decision { return Decision{Granted: false, Reason: reason} }

// ComponentAlreadyRegisteredError reports a register() call for an id that
// already has an entry. Existing entries are never replaced silently.
type ComponentAlreadyRegisteredError struct {
	Id capability.ComponentId
}

func (e *ComponentAlreadyRegisteredError) Error() string {
	return "component already registered: " + string(e.Id)
}

// ComponentNotFoundError reports an unregister() (or, internally, a check())
// call against an id with no registered entry.
type ComponentNotFoundError struct {
	Id capability.ComponentId
}

func (e *ComponentNotFoundError) Error() string {
	return "component not registered: " + string(e.Id)
}

type shard struct {
	mu       sync.RWMutex
	contexts map[capability.ComponentId]*capability.SecurityContext
}

// Checker is the sharded concurrent registry described by spec §4.8.
type Checker struct {
	shards [ShardCount]*shard
}

// New builds an empty Checker.
func New() *Checker {
	c := &Checker{}
	for i := range c.shards {
		c.shards[i] = &shard{contexts: make(map[capability.ComponentId]*capability.SecurityContext)}
	}
	return c
}

func (c *Checker) shardFor(id capability.ComponentId) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return c.shards[h.Sum32()&(ShardCount-1)]
}

// Register inserts ctx under its own Metadata.Id, rejecting a pre-existing
// entry with *ComponentAlreadyRegisteredError rather than replacing it.
func (c *Checker) Register(ctx *capability.SecurityContext) error {
	id := ctx.Metadata.Id
	s := c.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.contexts[id]; exists {
		return &ComponentAlreadyRegisteredError{Id: id}
	}
	s.contexts[id] = ctx
	return nil
}

// Unregister removes id's entry, reporting *ComponentNotFoundError if none
// existed.
func (c *Checker) Unregister(id capability.ComponentId) error {
	s := c.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.contexts[id]; !exists {
		return &ComponentNotFoundError{Id: id}
	}
	delete(s.contexts, id)
	return nil
}

// Lookup returns the registered context for id, if any. Exposed for callers
// (e.g. the actor) that need the full context rather than a single
// check()'s Decision.
func (c *Checker) Lookup(id capability.ComponentId) (*capability.SecurityContext, bool) {
	s := c.shardFor(id)
	s.mu.RLock()
	defer s.mu.RUnlock()
	ctx, ok := s.contexts[id]
	return ctx, ok
}

// Check evaluates (id, resource, permission) against the registered
// context's capability set, per spec §4.8's four-step algorithm. A cache
// miss (unregistered id) is a denial, never an error — the check is
// authoritative and must never propagate a Go error into the hot path.
func (c *Checker) Check(id capability.ComponentId, kind capability.Kind, resource string, permission capability.Permission) Decision {
	s := c.shardFor(id)
	s.mu.RLock()
	ctx, ok := s.contexts[id]
	s.mu.RUnlock()

	if !ok {
		return denied("not registered")
	}
	if ctx.Set.IsEmpty() {
		return denied("no capabilities declared")
	}
	if ctx.Set.Allows(kind, resource, permission) {
		return granted()
	}
	return denied("capability not granted")
}

// Ids returns every currently registered component id, in no particular
// order. Intended for observational callers (internal/admin's dashboard
// and /healthz payload) rather than the hot admission path.
func (c *Checker) Ids() []capability.ComponentId {
	var ids []capability.ComponentId
	for i := range c.shards {
		s := c.shards[i]
		s.mu.RLock()
		for id := range s.contexts {
			ids = append(ids, id)
		}
		s.mu.RUnlock()
	}
	return ids
}

var (
	globalOnce sync.Once
	globalInst *Checker
)

// Global returns the process-wide Checker singleton, lazily initialized.
// Host functions (C12) call through this rather than threading a Checker
// reference through every call site.
func Global() *Checker {
	globalOnce.Do(func() { globalInst = New() })
	return globalInst
}
