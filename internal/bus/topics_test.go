package bus

import "testing"

func TestTopicConstantsAreNonEmpty(t *testing.T) {
	topics := map[string]string{
		"TopicComponentRegistered":        TopicComponentRegistered,
		"TopicComponentUnregistered":      TopicComponentUnregistered,
		"TopicComponentFailed":            TopicComponentFailed,
		"TopicComponentRestarted":         TopicComponentRestarted,
		"TopicComponentQuarantined":       TopicComponentQuarantined,
		"TopicCapabilityGranted":          TopicCapabilityGranted,
		"TopicCapabilityDenied":           TopicCapabilityDenied,
		"TopicResourceLimitExceeded":      TopicResourceLimitExceeded,
		"TopicRateLimitThrottled":         TopicRateLimitThrottled,
		"TopicQuotaExceeded":              TopicQuotaExceeded,
		"TopicSupervisorRestartOneForOne": TopicSupervisorRestartOneForOne,
		"TopicSupervisorRestartOneForAll": TopicSupervisorRestartOneForAll,
		"TopicSupervisorGiveUp":           TopicSupervisorGiveUp,
		"TopicManifestDiscovered":         TopicManifestDiscovered,
		"TopicManifestRemoved":            TopicManifestRemoved,
		"TopicOperatorAlert":              TopicOperatorAlert,
		"TopicTrustConfigExternalChange":  TopicTrustConfigExternalChange,
	}
	for name, value := range topics {
		if value == "" {
			t.Fatalf("%s is empty", name)
		}
	}

	seen := make(map[string]string, len(topics))
	for name, value := range topics {
		if prior, ok := seen[value]; ok {
			t.Fatalf("duplicate topic value %q used by both %s and %s", value, prior, name)
		}
		seen[value] = name
	}
}

func TestCapabilityDecisionEventFields(t *testing.T) {
	ev := CapabilityDecisionEvent{
		ComponentID: "comp-1",
		Resource:    "/app/data",
		Permission:  "read",
		Granted:     false,
		Reason:      "missing capability",
	}
	if ev.ComponentID == "" {
		t.Fatal("ComponentID must not be empty")
	}
	if ev.Granted {
		t.Fatal("expected Granted=false")
	}
	if ev.Reason == "" {
		t.Fatal("expected a denial reason")
	}
}

func TestResourceUsageEventFields(t *testing.T) {
	ev := ResourceUsageEvent{
		ComponentID: "comp-1",
		Dimension:   "memory",
		Limit:       1 << 20,
		Observed:    2 << 20,
	}
	if ev.Dimension == "" {
		t.Fatal("Dimension must not be empty")
	}
	if ev.Observed <= ev.Limit {
		t.Fatalf("expected Observed > Limit for a breach event, got observed=%d limit=%d", ev.Observed, ev.Limit)
	}
}

func TestSupervisorRestartEventFields(t *testing.T) {
	ev := SupervisorRestartEvent{
		SupervisorName: "sup-1",
		Targets:        []string{"child-a", "child-b"},
		Attempt:        2,
	}
	if len(ev.Targets) != 2 {
		t.Fatalf("expected 2 targets, got %d", len(ev.Targets))
	}
	if ev.Attempt <= 0 {
		t.Fatal("Attempt must be positive")
	}
}

func TestManifestAndOperatorAlertEvents(t *testing.T) {
	m := ManifestEvent{Path: "/etc/wasmguard/manifests/comp-1.toml"}
	if m.Path == "" {
		t.Fatal("Path must not be empty")
	}

	alert := OperatorAlert{ComponentID: "comp-1", Severity: "warning", Message: "quarantined after repeated faults"}
	if alert.Severity == "" {
		t.Fatal("Severity must not be empty")
	}
	if alert.Message == "" {
		t.Fatal("Message must not be empty")
	}
	for _, sev := range []string{"info", "warning", "error"} {
		a := OperatorAlert{Severity: sev, Message: "test"}
		if a.Severity != sev {
			t.Fatalf("Severity mismatch: got %s, want %s", a.Severity, sev)
		}
	}
}
