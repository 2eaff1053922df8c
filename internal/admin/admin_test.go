package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/wasmguard/internal/bus"
	"github.com/basket/wasmguard/internal/capability"
	"github.com/basket/wasmguard/internal/checker"
	"github.com/basket/wasmguard/internal/codec"
)

func mustContext(t *testing.T, id string) *capability.SecurityContext {
	t.Helper()
	limits, err := capability.NewResourceLimits(1<<20, 1_000_000, 30, 64)
	if err != nil {
		t.Fatalf("NewResourceLimits: %v", err)
	}
	meta := capability.ComponentMetadata{
		Id: capability.ComponentId(id), Name: "demo", Version: "1.0.0", Limits: limits,
	}
	ctx, err := capability.NewSecurityContext(meta, capability.NewCapabilitySet(), "")
	if err != nil {
		t.Fatalf("NewSecurityContext: %v", err)
	}
	return ctx
}

func TestHealthzReportsRegisteredComponentCount(t *testing.T) {
	c := checker.New()
	ctx := mustContext(t, "comp-1")
	if err := c.Register(ctx); err != nil {
		t.Fatalf("Register: %v", err)
	}

	srv := New(Config{Checker: c})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var body healthzResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !body.Healthy {
		t.Fatal("expected healthy=true")
	}
	if body.ComponentsRegistered != 1 {
		t.Fatalf("ComponentsRegistered = %d, want 1", body.ComponentsRegistered)
	}
	if body.Overall.Status != codec.StatusHealthy {
		t.Fatalf("Overall.Status = %q, want %q", body.Overall.Status, codec.StatusHealthy)
	}
}

func TestHealthzWithNilCheckerReportsZero(t *testing.T) {
	srv := New(Config{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()

	var body healthzResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.ComponentsRegistered != 0 {
		t.Fatalf("ComponentsRegistered = %d, want 0", body.ComponentsRegistered)
	}
	if body.Overall.Status != codec.StatusDegraded {
		t.Fatalf("Overall.Status = %q, want %q for a nil checker", body.Overall.Status, codec.StatusDegraded)
	}
}

func TestMetricsWithoutProviderReturns503(t *testing.T) {
	srv := New(Config{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
}

func TestWSEventsRejectsMissingAuth(t *testing.T) {
	srv := New(Config{Bus: bus.New(), AuthToken: "secret"})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/events"
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _, err := websocket.Dial(ctx, wsURL, nil)
	if err == nil {
		t.Fatal("expected Dial to fail without Authorization header")
	}
}

func TestWSEventsRejectsWhenAuthTokenUnset(t *testing.T) {
	srv := New(Config{Bus: bus.New()})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/events"
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _, err := websocket.Dial(ctx, wsURL, nil)
	if err == nil {
		t.Fatal("expected Dial to fail when no AuthToken is configured (fail closed)")
	}
}

func TestWSEventsStreamsPublishedEvents(t *testing.T) {
	b := bus.New()
	srv := New(Config{Bus: b, AuthToken: "secret"})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/events"
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	header := http.Header{}
	header.Set("Authorization", "Bearer secret")
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	// Give the server goroutine time to subscribe before publishing.
	deadline := time.Now().Add(2 * time.Second)
	for b.SubscriberCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	b.Publish(bus.TopicCapabilityDenied, bus.CapabilityDecisionEvent{
		ComponentID: "comp-1",
		Resource:    "/etc/passwd",
		Permission:  "read",
		Granted:     false,
		Reason:      "capability not granted",
	})

	var got wireEvent
	if err := wsjson.Read(ctx, conn, &got); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got.Topic != bus.TopicCapabilityDenied {
		t.Fatalf("Topic = %q, want %q", got.Topic, bus.TopicCapabilityDenied)
	}
}

func TestWSEventsWithoutBusReturns503(t *testing.T) {
	srv := New(Config{AuthToken: "secret"})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/events"
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	header := http.Header{}
	header.Set("Authorization", "Bearer secret")
	_, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPHeader: header})
	if err == nil {
		t.Fatal("expected Dial to fail when no Bus is configured")
	}
}
