package codec

import "testing"

func TestEncodeDecodeRoundTrip(t *testing.T) {
	env := Encode(TagJSON, []byte(`{"hello":true}`))
	tag, body, err := Decode(env)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if tag != TagJSON {
		t.Errorf("tag = %v, want json", tag)
	}
	if string(body) != `{"hello":true}` {
		t.Errorf("body = %q", body)
	}
}

func TestDecodeEmptyEnvelope(t *testing.T) {
	if _, _, err := Decode(nil); err == nil {
		t.Fatal("expected EmptyEnvelopeError")
	}
}

func healthCases() []HealthStatus {
	return []HealthStatus{
		{Status: StatusHealthy},
		{Status: StatusDegraded, Reason: "slow response"},
		{Status: StatusUnhealthy, Reason: "panic in handle-message"},
		{Status: StatusDegraded, Reason: ""},
	}
}

func TestHealthRoundTripAllCodecs(t *testing.T) {
	for _, tag := range []Tag{TagBinary, TagJSON, TagCBOR} {
		for _, h := range healthCases() {
			env, err := EncodeHealth(tag, h)
			if err != nil {
				t.Fatalf("EncodeHealth(%v, %+v): %v", tag, h, err)
			}
			got, err := ParseHealth(env)
			if err != nil {
				t.Fatalf("ParseHealth(%v) round-trip for %+v: %v", tag, h, err)
			}
			if got != h {
				t.Errorf("%v round-trip = %+v, want %+v", tag, got, h)
			}
		}
	}
}

func TestParseHealthToleratesMislabelledTag(t *testing.T) {
	h := HealthStatus{Status: StatusUnhealthy, Reason: "boom"}
	body := encodeHealthBinary(h)
	// Mislabel a binary body as JSON: parser must still recover the
	// correct value by trying the other codecs, per spec's permissive
	// health-status parsing.
	env := Encode(TagJSON, body)
	got, err := ParseHealth(env)
	if err != nil {
		t.Fatalf("ParseHealth with mislabelled tag: %v", err)
	}
	if got != h {
		t.Errorf("got %+v, want %+v", got, h)
	}
}

func TestParseHealthRejectsGarbage(t *testing.T) {
	env := Encode(TagBinary, []byte{0xff, 0xff, 0xff})
	if _, err := ParseHealth(env); err == nil {
		t.Fatal("expected error for unparseable health body across all codecs")
	}
}

func TestCBORRoundTripLongReason(t *testing.T) {
	reason := ""
	for i := 0; i < 40; i++ {
		reason += "x"
	}
	h := HealthStatus{Status: StatusDegraded, Reason: reason}
	body, err := encodeHealthCBOR(h)
	if err != nil {
		t.Fatalf("encodeHealthCBOR: %v", err)
	}
	got, err := decodeHealthCBOR(body)
	if err != nil {
		t.Fatalf("decodeHealthCBOR: %v", err)
	}
	if got != h {
		t.Errorf("got %+v, want %+v", got, h)
	}
}
