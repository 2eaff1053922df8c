// Package quota implements the quota tracker (spec C4): five independent
// per-component quotas (storage, message rate, network bandwidth, CPU time,
// memory) backed by atomic counters, with a shared rolling window for the
// three rate-style quotas that resets lazily on first check after expiry.
// The double-checked reset is modeled on the teacher's CAS-guarded
// drop-warning idiom in internal/bus (atomic.CompareAndSwap to avoid
// duplicate work from concurrent callers).
package quota

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Kind identifies one of the five quota dimensions.
type Kind string

const (
	KindStorage   Kind = "storage"
	KindRate      Kind = "rate"
	KindBandwidth Kind = "bandwidth"
	KindCPU       Kind = "cpu"
	KindMemory    Kind = "memory"
)

// DefaultWindow is the default rolling window for rate-style quotas.
const DefaultWindow = time.Second

// WarningThreshold and CriticalThreshold are the fractions of a quota's
// limit at which QuotaStatus flags a warning or critical condition.
const (
	WarningThreshold  = 0.80
	CriticalThreshold = 0.95
)

// ExceededError reports that a consume/check call would push a quota over
// its limit. It names the kind so callers and audit records can report
// exactly which dimension was exhausted.
type ExceededError struct {
	Kind      Kind
	Current   uint64
	Requested uint64
	Limit     uint64
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("%s quota exceeded: current=%d requested=%d limit=%d", e.Kind, e.Current, e.Requested, e.Limit)
}

// QuotaStatus is a point-in-time, loggable snapshot of one quota's state.
type QuotaStatus struct {
	Kind     Kind
	Current  uint64
	Limit    uint64
	Warning  bool
	Critical bool
}

// fraction returns Current/Limit, or 0 if Limit is 0.
func (s QuotaStatus) fraction() float64 {
	if s.Limit == 0 {
		return 0
	}
	return float64(s.Current) / float64(s.Limit)
}

// rollingCounter is a single atomic counter behind a lazily-reset window,
// used for the rate, bandwidth, and CPU quotas. windowStart is a unix-nano
// timestamp; a reset is performed by whichever goroutine wins the
// CompareAndSwap on windowStart, so concurrent checkers never double-reset.
type rollingCounter struct {
	current      atomic.Uint64
	windowStart  atomic.Int64
	lastActivity atomic.Int64
	window       time.Duration
	limit        uint64
}

func newRollingCounter(limit uint64, window time.Duration) *rollingCounter {
	if window <= 0 {
		window = DefaultWindow
	}
	rc := &rollingCounter{window: window, limit: limit}
	now := time.Now().UnixNano()
	rc.windowStart.Store(now)
	rc.lastActivity.Store(now)
	return rc
}

// maybeReset performs the lazy, double-checked rolling-window reset: if the
// window has expired, the first goroutine to win the CAS on windowStart
// resets the counter to zero; goroutines that lose the CAS proceed with
// whatever value the winner left, avoiding duplicate resets.
func (rc *rollingCounter) maybeReset(now time.Time) {
	start := rc.windowStart.Load()
	if now.UnixNano()-start < int64(rc.window) {
		return
	}
	if rc.windowStart.CompareAndSwap(start, now.UnixNano()) {
		rc.current.Store(0)
	}
}

func (rc *rollingCounter) check(kind Kind, amount uint64, now time.Time) error {
	rc.maybeReset(now)
	rc.lastActivity.Store(now.UnixNano())
	current := rc.current.Load()
	if current+amount > rc.limit {
		return &ExceededError{Kind: kind, Current: current, Requested: amount, Limit: rc.limit}
	}
	return nil
}

func (rc *rollingCounter) consume(kind Kind, amount uint64, now time.Time) error {
	rc.maybeReset(now)
	rc.lastActivity.Store(now.UnixNano())
	for {
		current := rc.current.Load()
		if current+amount > rc.limit {
			return &ExceededError{Kind: kind, Current: current, Requested: amount, Limit: rc.limit}
		}
		if rc.current.CompareAndSwap(current, current+amount) {
			return nil
		}
	}
}

// evictIfIdle force-resets the counter if it has not been checked or
// consumed within maxIdle, so a component that has gone quiet does not hold
// stale usage into its next burst. Returns whether a reset happened.
func (rc *rollingCounter) evictIfIdle(now time.Time, maxIdle time.Duration) bool {
	last := rc.lastActivity.Load()
	if now.UnixNano()-last < int64(maxIdle) {
		return false
	}
	if rc.current.Load() == 0 {
		return false
	}
	rc.current.Store(0)
	rc.windowStart.Store(now.UnixNano())
	return true
}

func (rc *rollingCounter) status(kind Kind, now time.Time) QuotaStatus {
	rc.maybeReset(now)
	s := QuotaStatus{Kind: kind, Current: rc.current.Load(), Limit: rc.limit}
	f := s.fraction()
	s.Warning = f >= WarningThreshold
	s.Critical = f >= CriticalThreshold
	return s
}

// Limits configures the five quota dimensions for one component. A zero
// value for any field disables enforcement of that dimension (the check
// always succeeds) — this mirrors spec §4.4's silence on a "no limit"
// sentinel by treating limit 0 as "no cap configured" rather than
// "cap of zero", since the latter would make every consume() fail instantly.
type Limits struct {
	StorageBytes    uint64
	RatePerWindow   uint64
	BandwidthBytes  uint64
	CPUMillis       uint64
	MemoryBytes     uint64
	Window          time.Duration
}

// Tracker holds all five quota counters for one component. Storage and
// memory are cumulative/peak-style counters with no rolling window; rate,
// bandwidth, and CPU share the rolling-window machinery above (each with its
// own counter, since they measure different units, but conceptually "reset
// together" in that they use the same window duration).
type Tracker struct {
	storage   atomic.Uint64
	memory    atomic.Uint64
	storageLim uint64
	memoryLim  uint64

	rate      *rollingCounter
	bandwidth *rollingCounter
	cpu       *rollingCounter
}

// New builds a Tracker for the given limits.
func New(limits Limits) *Tracker {
	return &Tracker{
		storageLim: limits.StorageBytes,
		memoryLim:  limits.MemoryBytes,
		rate:       newRollingCounter(limits.RatePerWindow, limits.Window),
		bandwidth:  newRollingCounter(limits.BandwidthBytes, limits.Window),
		cpu:        newRollingCounter(limits.CPUMillis, limits.Window),
	}
}

// CheckStorage reports whether amount more bytes may be consumed without
// incrementing the counter.
func (t *Tracker) CheckStorage(amount uint64) error {
	return checkCumulative(KindStorage, t.storage.Load(), amount, t.storageLim)
}

// ConsumeStorage atomically reserves amount bytes of storage.
func (t *Tracker) ConsumeStorage(amount uint64) error {
	return consumeCumulative(KindStorage, &t.storage, amount, t.storageLim)
}

// ReleaseStorage returns amount bytes to the storage quota, saturating at
// zero rather than underflowing if release exceeds what was consumed.
func (t *Tracker) ReleaseStorage(amount uint64) {
	for {
		current := t.storage.Load()
		var next uint64
		if amount > current {
			next = 0
		} else {
			next = current - amount
		}
		if t.storage.CompareAndSwap(current, next) {
			return
		}
	}
}

// CheckRate reports whether one more message may be sent in the current
// window without recording it.
func (t *Tracker) CheckRate(amount uint64) error { return t.rate.check(KindRate, amount, time.Now()) }

// ConsumeRate records amount messages against the current window.
func (t *Tracker) ConsumeRate(amount uint64) error {
	return t.rate.consume(KindRate, amount, time.Now())
}

// CheckBandwidth reports whether amount more bytes may be transferred in the
// current window without recording it.
func (t *Tracker) CheckBandwidth(amount uint64) error {
	return t.bandwidth.check(KindBandwidth, amount, time.Now())
}

// ConsumeBandwidth records amount bytes transferred against the current window.
func (t *Tracker) ConsumeBandwidth(amount uint64) error {
	return t.bandwidth.consume(KindBandwidth, amount, time.Now())
}

// CheckCPU reports whether amount more milliseconds of CPU time may be
// spent in the current window without recording it.
func (t *Tracker) CheckCPU(amount uint64) error { return t.cpu.check(KindCPU, amount, time.Now()) }

// ConsumeCPU records amount milliseconds of CPU time against the current window.
func (t *Tracker) ConsumeCPU(amount uint64) error {
	return t.cpu.consume(KindCPU, amount, time.Now())
}

// UpdateMemory sets the current memory usage to bytes (a peak-style gauge,
// not cumulative): it always succeeds in recording but reports an
// ExceededError if bytes is over the configured limit, leaving the caller
// to decide how to react (the value is still stored, matching spec §4.4's
// framing of memory as "current bytes" observability rather than a hard
// admission gate — the hard gate for memory growth lives in package reslimit).
func (t *Tracker) UpdateMemory(bytes uint64) error {
	t.memory.Store(bytes)
	if t.memoryLim != 0 && bytes > t.memoryLim {
		return &ExceededError{Kind: KindMemory, Current: bytes, Requested: bytes, Limit: t.memoryLim}
	}
	return nil
}

// EvictIdle force-resets any rolling-window counter (rate, bandwidth, CPU)
// that has not been checked or consumed within maxIdle, returning the
// number of counters reset. Storage and memory are cumulative gauges, not
// per-window consumption, so they hold no "idle" concept and are left
// untouched — a component's reserved storage does not expire just because
// it has been quiet. Intended to be invoked periodically by the
// supervisor's housekeeping sweep, mirroring ratelimit.Limiter.EvictIdle.
func (t *Tracker) EvictIdle(maxIdle time.Duration) int {
	now := time.Now()
	evicted := 0
	for _, rc := range []*rollingCounter{t.rate, t.bandwidth, t.cpu} {
		if rc.evictIfIdle(now, maxIdle) {
			evicted++
		}
	}
	return evicted
}

// Status returns a snapshot of all five quotas for observability.
func (t *Tracker) Status() []QuotaStatus {
	now := time.Now()
	return []QuotaStatus{
		cumulativeStatus(KindStorage, t.storage.Load(), t.storageLim),
		t.rate.status(KindRate, now),
		t.bandwidth.status(KindBandwidth, now),
		t.cpu.status(KindCPU, now),
		cumulativeStatus(KindMemory, t.memory.Load(), t.memoryLim),
	}
}

func checkCumulative(kind Kind, current, amount, limit uint64) error {
	if limit != 0 && current+amount > limit {
		return &ExceededError{Kind: kind, Current: current, Requested: amount, Limit: limit}
	}
	return nil
}

func consumeCumulative(kind Kind, counter *atomic.Uint64, amount, limit uint64) error {
	for {
		current := counter.Load()
		if limit != 0 && current+amount > limit {
			return &ExceededError{Kind: kind, Current: current, Requested: amount, Limit: limit}
		}
		if counter.CompareAndSwap(current, current+amount) {
			return nil
		}
	}
}

func cumulativeStatus(kind Kind, current, limit uint64) QuotaStatus {
	s := QuotaStatus{Kind: kind, Current: current, Limit: limit}
	f := s.fraction()
	s.Warning = f >= WarningThreshold
	s.Critical = f >= CriticalThreshold
	return s
}
