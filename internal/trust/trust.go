// Package trust implements the trust registry (spec C6): source
// classification of a component as Trusted, Unknown, or DevMode, via a
// pattern registry of TrustSource entries. Modeled on the teacher's
// policy.LivePolicy (RWMutex-guarded snapshot, rare writers, frequent
// readers) in internal/policy/policy.go.
package trust

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Level classifies a component's admission trust.
type Level string

const (
	Trusted Level = "trusted"
	Unknown Level = "unknown"
	DevMode Level = "dev_mode"
)

// SourceKind identifies one of the three TrustSource variants.
type SourceKind string

const (
	SourceGit        SourceKind = "git"
	SourceSigningKey SourceKind = "signing_key"
	SourceLocalPath  SourceKind = "local"
)

// Source is one entry in the trust registry: a pattern that a
// ComponentSource is matched against. Only the fields relevant to Kind are
// populated.
type Source struct {
	Kind        SourceKind
	URLPattern  string // git
	Branch      string // git, optional: "" means any branch
	PublicKey   string // signing_key
	Signer      string // signing_key, descriptive only
	PathPattern string // local
	Description string
}

// ComponentSource is the origin information extracted from a component
// artifact, matched against registered trust Sources.
type ComponentSource struct {
	Kind   SourceKind
	URL    string // git
	Branch string // git
	Commit string // git, descriptive only

	Signature string // signed
	PublicKey string // signed

	Path string // local
}

// Matches reports whether this registered Source admits the given
// ComponentSource, per spec §4.6's per-kind matching semantics. A kind
// mismatch always fails, regardless of pattern content.
func (s Source) Matches(src ComponentSource) bool {
	if s.Kind != src.Kind {
		return false
	}
	switch s.Kind {
	case SourceGit:
		if !globMatch(s.URLPattern, src.URL) {
			return false
		}
		if s.Branch != "" && s.Branch != src.Branch {
			return false
		}
		return true
	case SourceSigningKey:
		return s.PublicKey == src.PublicKey
	case SourceLocalPath:
		return globMatch(s.PathPattern, src.Path)
	default:
		return false
	}
}

// globMatch is the same '*'/'?' matcher used by package capability,
// reimplemented here (not imported) to keep trust free of a dependency on
// the capability package's ACL-specific types — the two packages share an
// idiom, not a type.
func globMatch(pattern, s string) bool {
	var pIdx, sIdx int
	starIdx, sTmp := -1, -1
	pb, sb := []byte(pattern), []byte(s)
	for sIdx < len(sb) {
		switch {
		case pIdx < len(pb) && pb[pIdx] == '?':
			pIdx++
			sIdx++
		case pIdx < len(pb) && pb[pIdx] == sb[sIdx]:
			pIdx++
			sIdx++
		case pIdx < len(pb) && pb[pIdx] == '*':
			starIdx, sTmp = pIdx, sIdx
			pIdx++
		case starIdx != -1:
			pIdx = starIdx + 1
			sTmp++
			sIdx = sTmp
		default:
			return false
		}
	}
	for pIdx < len(pb) && pb[pIdx] == '*' {
		pIdx++
	}
	return pIdx == len(pb)
}

// DuplicateSourceError reports an attempt to register an already-present
// trust source (same kind and pattern).
type DuplicateSourceError struct {
	Source Source
}

func (e *DuplicateSourceError) Error() string {
	return fmt.Sprintf("trust source already registered: kind=%s", e.Source.Kind)
}

// Registry holds a sequence of trust Sources plus a dev-mode flag. Reads
// (DetermineTrustLevel) are the hot path and must not block each other;
// writes (AddSource/RemoveSource/SetDevMode) are rare and serialize behind
// mu. Per spec §9 ("lock poisoning... is a liability on the admission hot
// path"), the registry avoids any primitive that treats a panic as
// permanent failure: writer operations recover from a panic, log it, and
// leave the registry's prior state intact rather than wedging future reads.
type Registry struct {
	mu      sync.RWMutex
	sources []Source
	devMode atomic.Bool
	logger  *slog.Logger
}

// New builds an empty Registry with dev-mode off.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{logger: logger}
}

// AddSource appends a trust source, rejecting an exact duplicate (same kind
// and identifying pattern).
func (r *Registry) AddSource(s Source) (err error) {
	defer recoverWriter(r.logger, "add_source", &err)
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.sources {
		if sameSource(existing, s) {
			return &DuplicateSourceError{Source: s}
		}
	}
	r.sources = append(r.sources, s)
	return nil
}

func sameSource(a, b Source) bool {
	if a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case SourceGit:
		return a.URLPattern == b.URLPattern && a.Branch == b.Branch
	case SourceSigningKey:
		return a.PublicKey == b.PublicKey
	case SourceLocalPath:
		return a.PathPattern == b.PathPattern
	default:
		return false
	}
}

// RemoveSource removes the first source matching the given kind and
// identifying pattern, reporting whether anything was removed.
func (r *Registry) RemoveSource(s Source) (removed bool, err error) {
	defer recoverWriter(r.logger, "remove_source", &err)
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, existing := range r.sources {
		if sameSource(existing, s) {
			r.sources = append(r.sources[:i], r.sources[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

// SetDevMode toggles dev-mode. Enabling is always audit-logged at warn
// level (spec §4.6 invariant); disabling is logged at debug level.
func (r *Registry) SetDevMode(enabled bool) {
	r.devMode.Store(enabled)
	if enabled {
		r.logger.Warn("trust registry: dev-mode ENABLED — all components admitted without capability checks")
	} else {
		r.logger.Debug("trust registry: dev-mode disabled")
	}
}

// DevMode reports whether dev-mode is currently active.
func (r *Registry) DevMode() bool { return r.devMode.Load() }

// DetermineTrustLevel classifies componentId's source. This is the hot
// path: it takes a read lock only to snapshot the source list, then
// evaluates outside any lock.
func (r *Registry) DetermineTrustLevel(componentId string, source ComponentSource) Level {
	if r.devMode.Load() {
		r.logger.Warn("trust registry: admitting component under dev-mode", "component", componentId)
		return DevMode
	}

	r.mu.RLock()
	sources := append([]Source(nil), r.sources...)
	r.mu.RUnlock()

	for _, s := range sources {
		if s.Matches(source) {
			return Trusted
		}
	}
	return Unknown
}

// Sources returns a snapshot of all registered sources, in registration order.
func (r *Registry) Sources() []Source {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Source(nil), r.sources...)
}

// Reset discards every registered source, so a fresh set can be loaded
// without AddSource rejecting re-additions as duplicates. Used when the
// on-disk trust config is reloaded (startup, or after an external edit
// detected by trustconfig.Manager.Watch).
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources = nil
}

// recoverWriter implements the registry's "tolerate lock poisoning" policy:
// a panic during a writer operation is logged and converted into an error
// return rather than propagated, so a single bad admin call can never wedge
// future reads or writes. Go's sync.RWMutex does not poison on panic (the
// deferred Unlock in the caller still runs), so this is purely about
// surfacing the failure gracefully instead of crashing the process.
func recoverWriter(logger *slog.Logger, op string, errOut *error) {
	if rec := recover(); rec != nil {
		logger.Warn("trust registry: recovered panic in writer operation", "op", op, "panic", rec)
		*errOut = fmt.Errorf("trust registry %s: recovered from panic: %v", op, rec)
	}
}
