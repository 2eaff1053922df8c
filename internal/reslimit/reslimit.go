// Package reslimit implements the resource limiter (spec C2): a per-component
// accounting layer the WASM runtime holder (package wasm) consults before
// permitting guest-initiated memory or table growth, extending the teacher's
// classifyFault substring-based memory-trap detection into a first-class,
// independently testable type.
package reslimit

import (
	"fmt"
	"strings"
	"sync/atomic"
)

// WasmPageSize is the size in bytes of one WebAssembly linear memory page.
const WasmPageSize = 64 * 1024

// NearOOMThreshold is the fraction of the memory limit at or above which
// IsNearOOM reports true.
const NearOOMThreshold = 0.90

// OutOfMemoryError reports that a guest's requested growth would exceed its
// configured memory limit. It carries both the static limit and the
// requested size so audit records and logs can show the exact overage.
type OutOfMemoryError struct {
	Limit     uint64
	Requested uint64
}

func (e *OutOfMemoryError) Error() string {
	return fmt.Sprintf("out of memory: requested %d bytes, limit is %d bytes", e.Requested, e.Limit)
}

// Metrics is a point-in-time snapshot of a ResourceLimiter's accounting
// state, safe to copy and log.
type Metrics struct {
	CurrentBytes    uint64
	PeakBytes       uint64
	LimitBytes      uint64
	AllocationCount uint64
	DeniedGrowCount uint64
}

// UsagePercent returns current usage as a percentage of the limit.
func (m Metrics) UsagePercent() float64 {
	if m.LimitBytes == 0 {
		return 0
	}
	return 100 * float64(m.CurrentBytes) / float64(m.LimitBytes)
}

// PeakPercent returns peak usage as a percentage of the limit.
func (m Metrics) PeakPercent() float64 {
	if m.LimitBytes == 0 {
		return 0
	}
	return 100 * float64(m.PeakBytes) / float64(m.LimitBytes)
}

// Remaining returns the number of bytes still available below the limit.
func (m Metrics) Remaining() uint64 {
	if m.CurrentBytes >= m.LimitBytes {
		return 0
	}
	return m.LimitBytes - m.CurrentBytes
}

// PeakExceededOOMThreshold reports whether the high-water mark ever crossed
// NearOOMThreshold, even if current usage has since (conceptually) receded -
// in practice linear memory never shrinks, so this and IsNearOOM agree, but
// callers that only log peaks still get the signal from this method.
func (m Metrics) PeakExceededOOMThreshold() bool {
	return m.PeakPercent() >= NearOOMThreshold*100
}

// ResourceLimiter enforces a hard memory ceiling for one component. All
// counters are atomic so the limiter can be consulted from the wazero
// memory-growth callback (which may run on any goroutine invoking the
// guest) without an external lock.
//
// Table growth is accepted unconditionally, per spec §4.2: tables do not
// consume linear memory in this system, so TableGrowing exists only to
// satisfy the engine's growth-callback contract, not to enforce a cap.
type ResourceLimiter struct {
	limitBytes      uint64
	currentBytes    atomic.Uint64
	peakBytes       atomic.Uint64
	allocationCount atomic.Uint64
	deniedGrowCount atomic.Uint64
}

// New builds a ResourceLimiter with the given hard memory cap. limitBytes
// must be non-zero; a zero-valued limiter would always deny growth rather
// than mean "no limit".
func New(limitBytes uint64) (*ResourceLimiter, error) {
	if limitBytes == 0 {
		return nil, fmt.Errorf("reslimit: limitBytes must be non-zero")
	}
	return &ResourceLimiter{limitBytes: limitBytes}, nil
}

// MemoryGrowing is called before the guest's linear memory grows from
// currentPages by deltaPages (each WasmPageSize bytes). It accepts iff the
// resulting size is at or below the configured limit: on accept, it stores
// the new size as current, atomically raises peak via compare-and-swap, and
// increments the allocation counter; on reject, it returns an
// *OutOfMemoryError and leaves accounting unchanged. This mirrors wazero's
// experimental.MemoryGrowListener shape: the runtime holder is expected to
// deny the underlying Memory.Grow call when this returns an error.
func (r *ResourceLimiter) MemoryGrowing(currentPages, deltaPages uint32) error {
	desired := uint64(currentPages+deltaPages) * WasmPageSize
	if desired > r.limitBytes {
		r.deniedGrowCount.Add(1)
		return &OutOfMemoryError{Limit: r.limitBytes, Requested: desired}
	}
	r.currentBytes.Store(desired)
	r.allocationCount.Add(1)
	for {
		peak := r.peakBytes.Load()
		if desired <= peak {
			break
		}
		if r.peakBytes.CompareAndSwap(peak, desired) {
			break
		}
	}
	return nil
}

// TableGrowing always accepts: tables do not consume linear memory in this
// system (spec §4.2), so there is nothing to account for or reject.
func (r *ResourceLimiter) TableGrowing(currentElements, deltaElements uint32) error {
	return nil
}

// IsNearOOM reports whether current usage is at or above NearOOMThreshold of
// the configured limit. The supervisor's housekeeping sweep uses this to
// flag components approaching exhaustion before they actually fault.
func (r *ResourceLimiter) IsNearOOM() bool {
	current := float64(r.currentBytes.Load())
	limit := float64(r.limitBytes)
	return limit > 0 && current/limit >= NearOOMThreshold
}

// Metrics returns a snapshot of the limiter's current accounting state.
func (r *ResourceLimiter) Metrics() Metrics {
	return Metrics{
		CurrentBytes:    r.currentBytes.Load(),
		PeakBytes:       r.peakBytes.Load(),
		LimitBytes:      r.limitBytes,
		AllocationCount: r.allocationCount.Load(),
		DeniedGrowCount: r.deniedGrowCount.Load(),
	}
}

// ClassifyFault maps a WASM execution error into one of this package's
// typed errors when the failure looks memory-related, extending the
// teacher's classifyFault substring check ("memory") into a reusable,
// testable helper shared by the runtime holder (C9).
func ClassifyFault(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "memory") {
		return &OutOfMemoryError{}
	}
	return err
}
