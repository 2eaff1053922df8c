// Package manifest implements the manifest parser (spec C5): TOML capability
// declarations for one component, parsed into a validated
// capability.SecurityContext. Parsing is fail-closed — any validation error
// rejects the whole manifest before the component is ever instantiated.
package manifest

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/basket/wasmguard/internal/capability"
)

// Document is the raw TOML shape of a component manifest, per spec §6:
//
//	[component]
//	name = "…"; version = "…"
//
//	[capabilities]
//	filesystem.read    = [ "/app/*" ]
//	filesystem.write   = [ "/tmp/ns-*" ]
//	network.connect    = [ "api.example.com:443", "*.cdn.example.com:80" ]
//	storage.read       = [ "component:<id>:config:*" ]
//	storage.write      = [ "component:<id>:data:*" ]
type Document struct {
	Component    componentSection    `toml:"component"`
	Capabilities capabilitiesSection `toml:"capabilities"`
}

type componentSection struct {
	Id          string `toml:"id"`
	Name        string `toml:"name"`
	Version     string `toml:"version"`
	Author      string `toml:"author"`
	Description string `toml:"description"`

	MaxMemoryBytes   uint64 `toml:"max_memory_bytes"`
	MaxFuel          uint64 `toml:"max_fuel"`
	TimeoutSeconds   uint32 `toml:"timeout_seconds"`
	MaxTableElements uint32 `toml:"max_table_elements"`
}

type capabilitiesSection struct {
	Filesystem filesystemSection `toml:"filesystem"`
	Network    networkSection    `toml:"network"`
	Storage    storageSection    `toml:"storage"`
	Messaging  messagingSection  `toml:"messaging"`
}

type filesystemSection struct {
	Read    []string `toml:"read"`
	Write   []string `toml:"write"`
	Execute []string `toml:"execute"`
}

type networkSection struct {
	Connect []string `toml:"connect"`
	Bind    []string `toml:"bind"`
	Listen  []string `toml:"listen"`
}

type storageSection struct {
	Read   []string `toml:"read"`
	Write  []string `toml:"write"`
	Delete []string `toml:"delete"`
}

type messagingSection struct {
	Receive []string `toml:"receive"`
}

// ParseError wraps any failure in TOML parsing itself (malformed syntax),
// as distinct from the typed validation errors raised by package capability.
type ParseError struct {
	Cause error
}

func (e *ParseError) Error() string { return fmt.Sprintf("manifest parse error: %v", e.Cause) }
func (e *ParseError) Unwrap() error { return e.Cause }

// MissingMetadataError reports a manifest whose [component] name or version
// is empty (after trimming whitespace).
type MissingMetadataError struct {
	Field string
}

func (e *MissingMetadataError) Error() string {
	return fmt.Sprintf("manifest missing required metadata field %q", e.Field)
}

// Parse parses TOML text into a validated *capability.SecurityContext.
// Parsing is fail-closed: the first validation error aborts the whole
// manifest, per spec §4.5.
func Parse(text string) (*capability.SecurityContext, error) {
	var doc Document
	if _, err := toml.Decode(text, &doc); err != nil {
		return nil, &ParseError{Cause: err}
	}
	return fromDocument(doc)
}

func fromDocument(doc Document) (*capability.SecurityContext, error) {
	name := strings.TrimSpace(doc.Component.Name)
	version := strings.TrimSpace(doc.Component.Version)
	if name == "" {
		return nil, &MissingMetadataError{Field: "name"}
	}
	if version == "" {
		return nil, &MissingMetadataError{Field: "version"}
	}

	limits, err := capability.NewResourceLimits(
		doc.Component.MaxMemoryBytes,
		doc.Component.MaxFuel,
		doc.Component.TimeoutSeconds,
		doc.Component.MaxTableElements,
	)
	if err != nil {
		return nil, err
	}

	meta := capability.ComponentMetadata{
		Id:          capability.ComponentId(doc.Component.Id),
		Name:        name,
		Version:     version,
		Author:      doc.Component.Author,
		Description: doc.Component.Description,
		Limits:      limits,
	}

	set, err := buildCapabilitySet(doc.Capabilities)
	if err != nil {
		return nil, err
	}

	return capability.NewSecurityContext(meta, set, "")
}

func buildCapabilitySet(c capabilitiesSection) (*capability.CapabilitySet, error) {
	set := capability.NewCapabilitySet()

	if err := addFilesystem(set, c.Filesystem.Read, capability.PermRead); err != nil {
		return nil, err
	}
	if err := addFilesystem(set, c.Filesystem.Write, capability.PermWrite); err != nil {
		return nil, err
	}
	if err := addFilesystem(set, c.Filesystem.Execute, capability.PermExecute); err != nil {
		return nil, err
	}

	if err := addNetwork(set, c.Network.Connect, capability.PermConnect); err != nil {
		return nil, err
	}
	if err := addNetwork(set, c.Network.Bind, capability.PermBind); err != nil {
		return nil, err
	}
	if err := addNetwork(set, c.Network.Listen, capability.PermListen); err != nil {
		return nil, err
	}

	if err := addStorage(set, c.Storage.Read, capability.PermRead); err != nil {
		return nil, err
	}
	if err := addStorage(set, c.Storage.Write, capability.PermWrite); err != nil {
		return nil, err
	}
	if err := addStorage(set, c.Storage.Delete, capability.PermDelete); err != nil {
		return nil, err
	}

	for _, topic := range c.Messaging.Receive {
		msg, err := capability.NewMessaging(topic)
		if err != nil {
			return nil, err
		}
		set.Add(msg)
	}

	return set, nil
}

func addFilesystem(set *capability.CapabilitySet, paths []string, perm capability.Permission) error {
	if len(paths) == 0 {
		return nil
	}
	c, err := capability.NewFilesystem(paths, []capability.Permission{perm})
	if err != nil {
		return err
	}
	set.Add(c)
	return nil
}

func addNetwork(set *capability.CapabilitySet, endpoints []string, perm capability.Permission) error {
	if len(endpoints) == 0 {
		return nil
	}
	c, err := capability.NewNetwork(endpoints, []capability.Permission{perm})
	if err != nil {
		return err
	}
	set.Add(c)
	return nil
}

func addStorage(set *capability.CapabilitySet, namespaces []string, perm capability.Permission) error {
	if len(namespaces) == 0 {
		return nil
	}
	c, err := capability.NewStorage(namespaces, []capability.Permission{perm})
	if err != nil {
		return err
	}
	set.Add(c)
	return nil
}

// Serialize renders a SecurityContext back to canonical TOML text. It is
// the inverse side of the idempotent round-trip property: Parse(Serialize(Parse(t))) == Parse(t).
func Serialize(ctx *capability.SecurityContext) (string, error) {
	doc := toDocument(ctx)
	var sb strings.Builder
	enc := toml.NewEncoder(&sb)
	if err := enc.Encode(doc); err != nil {
		return "", fmt.Errorf("manifest serialize: %w", err)
	}
	return sb.String(), nil
}

func toDocument(ctx *capability.SecurityContext) Document {
	doc := Document{
		Component: componentSection{
			Id:               string(ctx.Metadata.Id),
			Name:             ctx.Metadata.Name,
			Version:          ctx.Metadata.Version,
			Author:           ctx.Metadata.Author,
			Description:      ctx.Metadata.Description,
			MaxMemoryBytes:   ctx.Metadata.Limits.MaxMemoryBytes,
			MaxFuel:          ctx.Metadata.Limits.MaxFuel,
			TimeoutSeconds:   ctx.Metadata.Limits.TimeoutSeconds,
			MaxTableElements: ctx.Metadata.Limits.MaxTableElements,
		},
	}
	for _, entry := range ctx.Set.ToACLEntries(ctx.Metadata.Id) {
		switch entry.Kind {
		case capability.KindFilesystem:
			appendFS(&doc.Capabilities.Filesystem, entry)
		case capability.KindNetwork:
			appendNetwork(&doc.Capabilities.Network, entry)
		case capability.KindStorage:
			appendStorage(&doc.Capabilities.Storage, entry)
		case capability.KindMessaging:
			doc.Capabilities.Messaging.Receive = appendUnique(doc.Capabilities.Messaging.Receive, entry.Pattern)
		}
	}
	return doc
}

func appendFS(s *filesystemSection, e capability.ACLEntry) {
	switch e.Perm {
	case capability.PermRead:
		s.Read = appendUnique(s.Read, e.Pattern)
	case capability.PermWrite:
		s.Write = appendUnique(s.Write, e.Pattern)
	case capability.PermExecute:
		s.Execute = appendUnique(s.Execute, e.Pattern)
	}
}

func appendNetwork(s *networkSection, e capability.ACLEntry) {
	switch e.Perm {
	case capability.PermConnect:
		s.Connect = appendUnique(s.Connect, e.Pattern)
	case capability.PermBind:
		s.Bind = appendUnique(s.Bind, e.Pattern)
	case capability.PermListen:
		s.Listen = appendUnique(s.Listen, e.Pattern)
	}
}

func appendStorage(s *storageSection, e capability.ACLEntry) {
	switch e.Perm {
	case capability.PermRead:
		s.Read = appendUnique(s.Read, e.Pattern)
	case capability.PermWrite:
		s.Write = appendUnique(s.Write, e.Pattern)
	case capability.PermDelete:
		s.Delete = appendUnique(s.Delete, e.Pattern)
	}
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}
