package reslimit

import (
	"errors"
	"testing"
)

func TestNewRejectsZeroLimit(t *testing.T) {
	if _, err := New(0); err == nil {
		t.Fatal("expected error for zero byte limit")
	}
}

func TestMemoryGrowingWithinLimit(t *testing.T) {
	r, err := New(10 * WasmPageSize)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := r.MemoryGrowing(0, 5); err != nil {
		t.Fatalf("unexpected error growing within limit: %v", err)
	}
	m := r.Metrics()
	if m.CurrentBytes != 5*WasmPageSize {
		t.Errorf("CurrentBytes = %d, want %d", m.CurrentBytes, 5*WasmPageSize)
	}
	if m.AllocationCount != 1 {
		t.Errorf("AllocationCount = %d, want 1", m.AllocationCount)
	}
}

func TestMemoryGrowingExactlyAtLimitSucceeds(t *testing.T) {
	r, _ := New(4 * WasmPageSize)
	if err := r.MemoryGrowing(0, 4); err != nil {
		t.Fatalf("growth exactly at the limit must succeed, got %v", err)
	}
}

func TestMemoryGrowingOneByteOverLimitRejected(t *testing.T) {
	r, _ := New(4*WasmPageSize - 1)
	err := r.MemoryGrowing(0, 4)
	if err == nil {
		t.Fatal("expected OutOfMemoryError for one byte over the limit")
	}
	var oomErr *OutOfMemoryError
	if !errors.As(err, &oomErr) {
		t.Fatalf("expected *OutOfMemoryError, got %T", err)
	}
}

func TestMemoryGrowingExceedsLimit(t *testing.T) {
	r, _ := New(4 * WasmPageSize)
	err := r.MemoryGrowing(0, 5)
	if err == nil {
		t.Fatal("expected OutOfMemoryError")
	}
	var oomErr *OutOfMemoryError
	if !errors.As(err, &oomErr) {
		t.Fatalf("expected *OutOfMemoryError, got %T", err)
	}
	if oomErr.Requested != 5*WasmPageSize || oomErr.Limit != 4*WasmPageSize {
		t.Errorf("unexpected error fields: %+v", oomErr)
	}
	if m := r.Metrics(); m.DeniedGrowCount != 1 {
		t.Errorf("DeniedGrowCount = %d, want 1", m.DeniedGrowCount)
	}
}

func TestPeakBytesTracksHighWaterMark(t *testing.T) {
	r, _ := New(100 * WasmPageSize)
	_ = r.MemoryGrowing(0, 10)
	_ = r.MemoryGrowing(10, 5) // cumulative growth: new current is 15 pages
	m := r.Metrics()
	if m.PeakBytes != 15*WasmPageSize {
		t.Errorf("PeakBytes = %d, want %d (peak must not decrease)", m.PeakBytes, 15*WasmPageSize)
	}
}

func TestGrowthSequenceS3(t *testing.T) {
	// S3: memory limit 1 MiB; growth sequence 512 KiB -> 1024 KiB -> 1024 KiB+64B.
	const mib = 1 << 20
	r, _ := New(mib)
	pages512KiB := uint32((512 * 1024) / WasmPageSize)
	pages1024KiB := uint32(mib / WasmPageSize)

	if err := r.MemoryGrowing(0, pages512KiB); err != nil {
		t.Fatalf("first growth to 512KiB should succeed: %v", err)
	}
	if err := r.MemoryGrowing(pages512KiB, pages1024KiB-pages512KiB); err != nil {
		t.Fatalf("second growth to 1024KiB should succeed: %v", err)
	}
	// Third growth: one more page pushes past the 1 MiB limit.
	if err := r.MemoryGrowing(pages1024KiB, 1); err == nil {
		t.Fatal("third growth beyond the limit must be rejected")
	}

	m := r.Metrics()
	if m.CurrentBytes != mib {
		t.Errorf("CurrentBytes = %d, want %d", m.CurrentBytes, mib)
	}
	if m.PeakBytes != mib {
		t.Errorf("PeakBytes = %d, want %d", m.PeakBytes, mib)
	}
	if m.AllocationCount != 2 {
		t.Errorf("AllocationCount = %d, want 2", m.AllocationCount)
	}
}

func TestIsNearOOM(t *testing.T) {
	r, _ := New(10 * WasmPageSize)
	if r.IsNearOOM() {
		t.Fatal("fresh limiter should not be near OOM")
	}
	_ = r.MemoryGrowing(0, 9) // 90% of limit
	if !r.IsNearOOM() {
		t.Error("expected IsNearOOM at 90% usage")
	}
}

func TestTableGrowingAlwaysAccepts(t *testing.T) {
	r, _ := New(10 * WasmPageSize)
	if err := r.TableGrowing(0, 1<<20); err != nil {
		t.Fatalf("table growth must always be accepted, got %v", err)
	}
}

func TestClassifyFault(t *testing.T) {
	if ClassifyFault(nil) != nil {
		t.Fatal("expected nil passthrough")
	}
	wrapped := errors.New("wasm runtime error: out of memory growing linear memory")
	var oomErr *OutOfMemoryError
	if !errors.As(ClassifyFault(wrapped), &oomErr) {
		t.Fatal("expected memory-related error to classify as OutOfMemoryError")
	}
	other := errors.New("unreachable instruction executed")
	if ClassifyFault(other) != other {
		t.Error("expected non-memory error to pass through unchanged")
	}
}
