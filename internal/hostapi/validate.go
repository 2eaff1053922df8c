package hostapi

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/wasmguard/internal/codec"
)

// PayloadSchemaViolationError reports a JSON-codec message body that fails
// its declared schema. Distinct from checker.Decision's capability-denied
// reason: this is a structural validation failure, independent of (and
// checked in addition to) capability/size/rate admission.
type PayloadSchemaViolationError struct {
	SchemaName string
	Reason     string
}

func (e *PayloadSchemaViolationError) Error() string {
	return fmt.Sprintf("hostapi: payload violates schema %q: %s", e.SchemaName, e.Reason)
}

// SchemaRegistry compiles and caches named JSON Schemas, used to validate
// the body of a multicodec envelope that claims the JSON codec before the
// payload is admitted to an Invoke or InterComponent dispatch. Grounded on
// the teacher's internal/engine.StructuredValidator, which compiles a
// schema once via jsonschema.NewCompiler/AddResource/Compile and reuses
// the compiled *jsonschema.Schema across calls.
type SchemaRegistry struct {
	mu      sync.RWMutex
	schemas map[string]*jsonschema.Schema
}

// NewSchemaRegistry builds an empty registry.
func NewSchemaRegistry() *SchemaRegistry {
	return &SchemaRegistry{schemas: make(map[string]*jsonschema.Schema)}
}

// RegisterSchema compiles schemaJSON and stores it under name, replacing
// any previous schema registered under the same name.
func (r *SchemaRegistry) RegisterSchema(name string, schemaJSON json.RawMessage) error {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(schemaJSON)))
	if err != nil {
		return fmt.Errorf("hostapi: unmarshal schema %q: %w", name, err)
	}
	c := jsonschema.NewCompiler()
	resourceURL := "schema://" + name
	if err := c.AddResource(resourceURL, doc); err != nil {
		return fmt.Errorf("hostapi: add schema resource %q: %w", name, err)
	}
	schema, err := c.Compile(resourceURL)
	if err != nil {
		return fmt.Errorf("hostapi: compile schema %q: %w", name, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemas[name] = schema
	return nil
}

// ValidateEnvelope inspects a multicodec envelope and, only when it claims
// the JSON codec, validates its body against the named schema. Envelopes
// tagged Binary or CBOR pass through untouched — structural JSON Schema
// validation is meaningless for them. name must already be registered via
// RegisterSchema.
func (r *SchemaRegistry) ValidateEnvelope(name string, envelope []byte) error {
	tag, body, err := codec.Decode(envelope)
	if err != nil {
		return err
	}
	if tag != codec.TagJSON {
		return nil
	}

	r.mu.RLock()
	schema, ok := r.schemas[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("hostapi: no schema registered under name %q", name)
	}

	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(string(body)))
	if err != nil {
		return &PayloadSchemaViolationError{SchemaName: name, Reason: "body is not valid JSON: " + err.Error()}
	}
	if err := schema.Validate(parsed); err != nil {
		return &PayloadSchemaViolationError{SchemaName: name, Reason: err.Error()}
	}
	return nil
}
