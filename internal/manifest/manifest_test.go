package manifest

import (
	"errors"
	"testing"

	"github.com/basket/wasmguard/internal/capability"
)

const validTOML = `
[component]
id = "comp-1"
name = "demo-component"
version = "1.0.0"
max_memory_bytes = 1048576
max_fuel = 1000000
timeout_seconds = 30

[capabilities]
filesystem.read  = [ "/app/data/*" ]
filesystem.write = [ "/tmp/ns-*" ]
network.connect  = [ "api.example.com:443", "*.cdn.example.com:80" ]
storage.read     = [ "component:comp-1:config:*" ]
storage.write    = [ "component:comp-1:data:*" ]
`

func TestParseValidManifest(t *testing.T) {
	ctx, err := Parse(validTOML)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if ctx.Metadata.Name != "demo-component" {
		t.Errorf("Name = %q", ctx.Metadata.Name)
	}
	if !ctx.Set.Allows(capability.KindFilesystem, "/app/data/x.json", capability.PermRead) {
		t.Error("expected filesystem read on /app/data/x.json to be allowed")
	}
	if ctx.Set.Allows(capability.KindFilesystem, "/app/data/x.json", capability.PermWrite) {
		t.Error("expected filesystem write on /app/data/x.json to be denied")
	}
}

func TestParseS5ParentDirectoryEscape(t *testing.T) {
	text := `
[component]
id = "comp-1"
name = "demo"
version = "1.0.0"
max_memory_bytes = 1048576
max_fuel = 1000000
timeout_seconds = 30

[capabilities]
filesystem.read = [ "/app/../etc/passwd" ]
`
	_, err := Parse(text)
	if err == nil {
		t.Fatal("expected ParentDirectoryEscapeError")
	}
	var escErr *capability.ParentDirectoryEscapeError
	if !errors.As(err, &escErr) {
		t.Fatalf("expected *ParentDirectoryEscapeError, got %T: %v", err, err)
	}
}

func TestParseMissingMetadata(t *testing.T) {
	text := `
[component]
name = ""
version = "1.0.0"
max_memory_bytes = 1048576
max_fuel = 1000000
timeout_seconds = 30
`
	_, err := Parse(text)
	if err == nil {
		t.Fatal("expected MissingMetadataError")
	}
	var missingErr *MissingMetadataError
	if !errors.As(err, &missingErr) {
		t.Fatalf("expected *MissingMetadataError, got %T: %v", err, err)
	}
}

func TestParseRejectsDuplicatePatterns(t *testing.T) {
	text := `
[component]
name = "demo"
version = "1.0.0"
max_memory_bytes = 1048576
max_fuel = 1000000
timeout_seconds = 30

[capabilities]
filesystem.read = [ "/app/*", "/app/*" ]
`
	_, err := Parse(text)
	if err == nil {
		t.Fatal("expected DuplicatePatternError")
	}
	var dupErr *capability.DuplicatePatternError
	if !errors.As(err, &dupErr) {
		t.Fatalf("expected *DuplicatePatternError, got %T: %v", err, err)
	}
}

func TestParseRejectsBadPort(t *testing.T) {
	text := `
[component]
name = "demo"
version = "1.0.0"
max_memory_bytes = 1048576
max_fuel = 1000000
timeout_seconds = 30

[capabilities]
network.connect = [ "api.example.com:99999" ]
`
	_, err := Parse(text)
	if err == nil {
		t.Fatal("expected InvalidPortError")
	}
	var portErr *capability.InvalidPortError
	if !errors.As(err, &portErr) {
		t.Fatalf("expected *InvalidPortError, got %T: %v", err, err)
	}
}

func TestParseRejectsMalformedTOML(t *testing.T) {
	_, err := Parse("this is not [ valid toml")
	if err == nil {
		t.Fatal("expected ParseError for malformed TOML")
	}
	var parseErr *ParseError
	if !errors.As(err, &parseErr) {
		t.Fatalf("expected *ParseError, got %T: %v", err, err)
	}
}

func TestParseSerializeRoundTripIsIdempotent(t *testing.T) {
	ctx1, err := Parse(validTOML)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	serialized, err := Serialize(ctx1)
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	ctx2, err := Parse(serialized)
	if err != nil {
		t.Fatalf("re-Parse of serialized manifest failed: %v", err)
	}

	if ctx1.Metadata.Name != ctx2.Metadata.Name || ctx1.Metadata.Version != ctx2.Metadata.Version {
		t.Errorf("metadata diverged across round-trip: %+v vs %+v", ctx1.Metadata, ctx2.Metadata)
	}
	entries1 := ctx1.Set.ToACLEntries(ctx1.Metadata.Id)
	entries2 := ctx2.Set.ToACLEntries(ctx2.Metadata.Id)
	if len(entries1) != len(entries2) {
		t.Fatalf("ACL entry count diverged: %d vs %d", len(entries1), len(entries2))
	}
}
