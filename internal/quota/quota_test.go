package quota

import (
	"errors"
	"testing"
	"time"
)

func defaultLimits() Limits {
	return Limits{
		StorageBytes:   1000,
		RatePerWindow:  10,
		BandwidthBytes: 5000,
		CPUMillis:      200,
		MemoryBytes:    2000,
		Window:         50 * time.Millisecond,
	}
}

func TestConsumeStorageWithinLimit(t *testing.T) {
	tr := New(defaultLimits())
	if err := tr.ConsumeStorage(500); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := tr.ConsumeStorage(400); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestConsumeStorageExceedsLimit(t *testing.T) {
	tr := New(defaultLimits())
	if err := tr.ConsumeStorage(1001); err == nil {
		t.Fatal("expected ExceededError")
	} else {
		var exceeded *ExceededError
		if !errors.As(err, &exceeded) || exceeded.Kind != KindStorage {
			t.Fatalf("expected storage ExceededError, got %T: %v", err, err)
		}
	}
}

func TestReleaseStorageSaturatesAtZero(t *testing.T) {
	tr := New(defaultLimits())
	_ = tr.ConsumeStorage(100)
	tr.ReleaseStorage(500) // releasing more than consumed must not underflow
	if err := tr.ConsumeStorage(1000); err != nil {
		t.Fatalf("expected full quota available after over-release, got %v", err)
	}
}

func TestRateQuotaResetsAfterWindow(t *testing.T) {
	limits := defaultLimits()
	limits.RatePerWindow = 2
	limits.Window = 20 * time.Millisecond
	tr := New(limits)

	if err := tr.ConsumeRate(1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := tr.ConsumeRate(1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := tr.ConsumeRate(1); err == nil {
		t.Fatal("expected rate quota to be exhausted within the window")
	}

	time.Sleep(30 * time.Millisecond)
	if err := tr.ConsumeRate(1); err != nil {
		t.Fatalf("expected rate quota to reset after window expiry, got %v", err)
	}
}

func TestUpdateMemoryReportsExceededButStillRecords(t *testing.T) {
	tr := New(defaultLimits())
	err := tr.UpdateMemory(5000)
	if err == nil {
		t.Fatal("expected ExceededError for memory over limit")
	}
	status := tr.Status()
	var memStatus QuotaStatus
	for _, s := range status {
		if s.Kind == KindMemory {
			memStatus = s
		}
	}
	if memStatus.Current != 5000 {
		t.Errorf("expected memory usage to still be recorded at 5000, got %d", memStatus.Current)
	}
}

func TestStatusWarningAndCriticalThresholds(t *testing.T) {
	limits := defaultLimits()
	limits.StorageBytes = 100
	tr := New(limits)

	_ = tr.ConsumeStorage(85)
	status := statusFor(tr, KindStorage)
	if !status.Warning || status.Critical {
		t.Errorf("expected warning-only at 85%%, got %+v", status)
	}

	_ = tr.ConsumeStorage(10) // now at 95
	status = statusFor(tr, KindStorage)
	if !status.Critical {
		t.Errorf("expected critical at 95%%, got %+v", status)
	}
}

func statusFor(tr *Tracker, kind Kind) QuotaStatus {
	for _, s := range tr.Status() {
		if s.Kind == kind {
			return s
		}
	}
	return QuotaStatus{}
}

func TestZeroLimitDisablesEnforcement(t *testing.T) {
	tr := New(Limits{Window: 10 * time.Millisecond})
	if err := tr.ConsumeStorage(1 << 40); err != nil {
		t.Errorf("expected zero-limit storage quota to accept any amount, got %v", err)
	}
	if err := tr.ConsumeRate(1 << 20); err != nil {
		t.Errorf("expected zero-limit rate quota to accept any amount, got %v", err)
	}
}

func TestEvictIdleResetsOnlyIdleRollingCounters(t *testing.T) {
	limits := defaultLimits()
	limits.Window = time.Hour // window itself won't expire during the test
	tr := New(limits)

	if err := tr.ConsumeRate(5); err != nil {
		t.Fatalf("ConsumeRate: %v", err)
	}
	if err := tr.ConsumeStorage(200); err != nil {
		t.Fatalf("ConsumeStorage: %v", err)
	}

	time.Sleep(5 * time.Millisecond)
	evicted := tr.EvictIdle(time.Millisecond)
	if evicted == 0 {
		t.Fatal("expected at least one idle rolling counter to be evicted")
	}

	if got := statusFor(tr, KindRate).Current; got != 0 {
		t.Fatalf("expected rate counter reset by EvictIdle, got %d", got)
	}
	// Storage is a cumulative gauge, not a rolling window, and must survive eviction.
	if got := statusFor(tr, KindStorage).Current; got != 200 {
		t.Fatalf("expected storage untouched by EvictIdle, got %d", got)
	}
}

func TestEvictIdleLeavesActiveCountersAlone(t *testing.T) {
	limits := defaultLimits()
	limits.Window = time.Hour
	tr := New(limits)

	if err := tr.ConsumeRate(3); err != nil {
		t.Fatalf("ConsumeRate: %v", err)
	}
	if evicted := tr.EvictIdle(time.Hour); evicted != 0 {
		t.Fatalf("expected no eviction for recently-active counters, got %d", evicted)
	}
	if got := statusFor(tr, KindRate).Current; got != 3 {
		t.Fatalf("expected rate counter unaffected, got %d", got)
	}
}

func TestConcurrentConsumeNeverExceedsLimit(t *testing.T) {
	limits := defaultLimits()
	limits.StorageBytes = 100
	tr := New(limits)

	done := make(chan error, 50)
	for i := 0; i < 50; i++ {
		go func() {
			done <- tr.ConsumeStorage(5)
		}()
	}
	successes := 0
	for i := 0; i < 50; i++ {
		if err := <-done; err == nil {
			successes++
		}
	}
	if successes > 20 {
		t.Errorf("expected at most 20 successful 5-byte consumes against a 100-byte quota, got %d", successes)
	}
}
