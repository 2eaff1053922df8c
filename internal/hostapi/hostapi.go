// Package hostapi implements the host-function enforcement API (spec C12):
// a thin facade over the capability checker (C8) that a host function
// implementation (e.g. "filesystem_read") calls before performing the
// operation it gates. The package-level free functions run against
// checker.Global(), the process-wide singleton C8 exposes for exactly this
// purpose; Facade exposes the same three operations bound to any other
// *checker.Checker, for callers (such as internal/actor's tests) that need
// an isolated checker instance rather than the shared singleton.
package hostapi

import (
	"github.com/basket/wasmguard/internal/capability"
	"github.com/basket/wasmguard/internal/checker"
)

// Facade binds the host-function API to one checker instance.
type Facade struct {
	checker *checker.Checker
}

// NewFacade binds a Facade to c.
func NewFacade(c *checker.Checker) *Facade {
	return &Facade{checker: c}
}

// RegisterComponent registers ctx's security context with f's checker, so
// subsequent CheckCapability calls for its id can be evaluated. Returns
// *checker.ComponentAlreadyRegisteredError if ctx's id already has an entry.
func (f *Facade) RegisterComponent(ctx *capability.SecurityContext) error {
	return f.checker.Register(ctx)
}

// UnregisterComponent removes id's entry from f's checker. Returns
// *checker.ComponentNotFoundError if none existed.
func (f *Facade) UnregisterComponent(id capability.ComponentId) error {
	return f.checker.Unregister(id)
}

// CheckCapability is the synchronous, non-blocking admission check every
// host function must call before performing the operation it gates. A
// Decision is always returned, never a Go error — an unregistered
// component is itself a (denied) decision, not a failure mode.
func (f *Facade) CheckCapability(id capability.ComponentId, kind capability.Kind, resource string, permission capability.Permission) checker.Decision {
	return f.checker.Check(id, kind, resource, permission)
}

// global is the default Facade, bound to checker.Global().
var global = NewFacade(checker.Global())

// RegisterComponent registers ctx's security context with the global
// checker. See Facade.RegisterComponent.
func RegisterComponent(ctx *capability.SecurityContext) error {
	return global.RegisterComponent(ctx)
}

// UnregisterComponent removes id's entry from the global checker. See
// Facade.UnregisterComponent.
func UnregisterComponent(id capability.ComponentId) error {
	return global.UnregisterComponent(id)
}

// CheckCapability runs the admission check against the global checker. See
// Facade.CheckCapability.
func CheckCapability(id capability.ComponentId, kind capability.Kind, resource string, permission capability.Permission) checker.Decision {
	return global.CheckCapability(id, kind, resource, permission)
}
