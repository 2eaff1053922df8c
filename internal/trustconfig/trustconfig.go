// Package trustconfig implements the config manager (spec C7): load, save,
// dated-backup, and checksum-integrity management of the trust registry's
// TOML configuration file. Dated backups with a count-based retention cap
// are modeled on the teacher's persistence.RunRetention cutoff-delete idiom
// (internal/persistence/retention_store.go), adapted from a day-based
// cutoff to oldest-first count-based purging. The checksum sidecar uses
// crypto/sha256 from the standard library — no hashing library appears
// anywhere in the retrieved corpus for simple file-integrity checksums, so
// the standard library is the right call here (see DESIGN.md).
package trustconfig

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"

	"github.com/basket/wasmguard/internal/trust"
)

// MaxBackups is the retention cap; the oldest backup beyond this count is
// deleted first, per spec §4.7.
const MaxBackups = 10

// BackupTimestampLayout matches spec §6's file-naming convention:
// "trust-config.toml.backup.<YYYY-MM-DD-HHMMSS.fff>".
const BackupTimestampLayout = "2006-01-02-150405.000"

// Document is the TOML shape of the trust config file.
type Document struct {
	Trust trustSection `toml:"trust"`
}

type trustSection struct {
	DevMode bool           `toml:"dev_mode"`
	Sources []sourceRecord `toml:"sources"`
}

type sourceRecord struct {
	Type        string `toml:"type"`
	URLPattern  string `toml:"url_pattern,omitempty"`
	Branch      string `toml:"branch,omitempty"`
	PublicKey   string `toml:"public_key,omitempty"`
	Signer      string `toml:"signer,omitempty"`
	PathPattern string `toml:"path_pattern,omitempty"`
	Description string `toml:"description,omitempty"`
}

// Config is the in-memory, validated form of the trust config file.
type Config struct {
	DevMode bool
	Sources []trust.Source
}

// ParseError wraps a TOML syntax failure.
type ParseError struct{ Cause error }

func (e *ParseError) Error() string { return fmt.Sprintf("trust config parse error: %v", e.Cause) }
func (e *ParseError) Unwrap() error { return e.Cause }

// ValidationError reports a structurally invalid trust config.
type ValidationError struct{ Reason string }

func (e *ValidationError) Error() string { return fmt.Sprintf("trust config invalid: %s", e.Reason) }

// IntegrityCheckFailedError reports a checksum mismatch between the
// on-disk config and its sidecar hash file.
type IntegrityCheckFailedError struct {
	Expected string
	Actual   string
}

func (e *IntegrityCheckFailedError) Error() string {
	return fmt.Sprintf("trust config integrity check failed: expected checksum %s, got %s", e.Expected, e.Actual)
}

// BackupNotFoundError reports a restore attempt against a backup file that
// does not exist.
type BackupNotFoundError struct{ Path string }

func (e *BackupNotFoundError) Error() string { return fmt.Sprintf("backup not found: %s", e.Path) }

func parseDocument(text string) (Config, error) {
	var doc Document
	if _, err := toml.Decode(text, &doc); err != nil {
		return Config{}, &ParseError{Cause: err}
	}
	return fromDocument(doc)
}

func fromDocument(doc Document) (Config, error) {
	cfg := Config{DevMode: doc.Trust.DevMode}
	for _, rec := range doc.Trust.Sources {
		src, err := sourceFromRecord(rec)
		if err != nil {
			return Config{}, err
		}
		cfg.Sources = append(cfg.Sources, src)
	}
	return cfg, nil
}

func sourceFromRecord(rec sourceRecord) (trust.Source, error) {
	switch rec.Type {
	case string(trust.SourceGit):
		if rec.URLPattern == "" {
			return trust.Source{}, &ValidationError{Reason: "git source missing url_pattern"}
		}
		return trust.Source{Kind: trust.SourceGit, URLPattern: rec.URLPattern, Branch: rec.Branch, Description: rec.Description}, nil
	case string(trust.SourceSigningKey):
		if rec.PublicKey == "" {
			return trust.Source{}, &ValidationError{Reason: "signing_key source missing public_key"}
		}
		return trust.Source{Kind: trust.SourceSigningKey, PublicKey: rec.PublicKey, Signer: rec.Signer, Description: rec.Description}, nil
	case string(trust.SourceLocalPath):
		if rec.PathPattern == "" {
			return trust.Source{}, &ValidationError{Reason: "local source missing path_pattern"}
		}
		return trust.Source{Kind: trust.SourceLocalPath, PathPattern: rec.PathPattern, Description: rec.Description}, nil
	default:
		return trust.Source{}, &ValidationError{Reason: fmt.Sprintf("unknown trust source type %q", rec.Type)}
	}
}

func toDocument(cfg Config) Document {
	doc := Document{Trust: trustSection{DevMode: cfg.DevMode}}
	for _, s := range cfg.Sources {
		rec := sourceRecord{Type: string(s.Kind), Description: s.Description}
		switch s.Kind {
		case trust.SourceGit:
			rec.URLPattern, rec.Branch = s.URLPattern, s.Branch
		case trust.SourceSigningKey:
			rec.PublicKey, rec.Signer = s.PublicKey, s.Signer
		case trust.SourceLocalPath:
			rec.PathPattern = s.PathPattern
		}
		doc.Trust.Sources = append(doc.Trust.Sources, rec)
	}
	return doc
}

func serialize(cfg Config) (string, error) {
	var sb strings.Builder
	if err := toml.NewEncoder(&sb).Encode(toDocument(cfg)); err != nil {
		return "", fmt.Errorf("trust config serialize: %w", err)
	}
	return sb.String(), nil
}

// Manager owns the on-disk lifecycle of one trust config file: its dated
// backups, its checksum sidecar, and (optionally) a watcher that detects
// out-of-band edits.
type Manager struct {
	path      string
	backupDir string
	logger    *slog.Logger

	watcher   *fsnotify.Watcher
	onExternalChange func()
}

// NewManager builds a Manager for the trust config file at path, storing
// backups in backupDir (created on first Save if absent).
func NewManager(path, backupDir string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{path: path, backupDir: backupDir, logger: logger}
}

func (m *Manager) hashPath() string { return m.path + ".hash" }

// Load reads and validates the trust config file.
func (m *Manager) Load() (Config, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return Config{}, fmt.Errorf("trust config load: %w", err)
	}
	return parseDocument(string(data))
}

// Save validates cfg, creates a dated backup of the previous file (if any)
// before overwriting, enforces the MaxBackups retention cap, and writes the
// checksum sidecar for the new contents.
func (m *Manager) Save(cfg Config) error {
	text, err := serialize(cfg)
	if err != nil {
		return err
	}
	// Validate round-trip before ever touching disk.
	if _, err := parseDocument(text); err != nil {
		return fmt.Errorf("trust config save: refusing to write invalid document: %w", err)
	}

	if _, err := os.Stat(m.path); err == nil {
		if err := m.backupCurrent(); err != nil {
			return fmt.Errorf("trust config save: backup failed: %w", err)
		}
	}

	if err := os.WriteFile(m.path, []byte(text), 0o600); err != nil {
		return fmt.Errorf("trust config save: write failed: %w", err)
	}
	if err := m.writeChecksum(text); err != nil {
		return fmt.Errorf("trust config save: checksum write failed: %w", err)
	}
	if err := m.enforceRetention(); err != nil {
		m.logger.Warn("trust config: backup retention purge failed", "error", err)
	}
	return nil
}

func (m *Manager) writeChecksum(text string) error {
	sum := sha256.Sum256([]byte(text))
	return os.WriteFile(m.hashPath(), []byte(hex.EncodeToString(sum[:])), 0o600)
}

// VerifyIntegrity compares the on-disk config against its checksum
// sidecar. If the sidecar is absent, it is materialized from the current
// file contents (first-run semantics) and verification succeeds. A
// mismatch returns *IntegrityCheckFailedError.
func (m *Manager) VerifyIntegrity() error {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return fmt.Errorf("trust config verify: %w", err)
	}
	actual := sha256Hex(data)

	expectedBytes, err := os.ReadFile(m.hashPath())
	if err != nil {
		if os.IsNotExist(err) {
			return os.WriteFile(m.hashPath(), []byte(actual), 0o600)
		}
		return fmt.Errorf("trust config verify: %w", err)
	}
	expected := strings.TrimSpace(string(expectedBytes))
	if expected != actual {
		return &IntegrityCheckFailedError{Expected: expected, Actual: actual}
	}
	return nil
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func (m *Manager) backupCurrent() error {
	if err := os.MkdirAll(m.backupDir, 0o700); err != nil {
		return err
	}
	data, err := os.ReadFile(m.path)
	if err != nil {
		return err
	}
	name := fmt.Sprintf("%s.backup.%s", filepath.Base(m.path), time.Now().Format(BackupTimestampLayout))
	return os.WriteFile(filepath.Join(m.backupDir, name), data, 0o600)
}

// Backups returns backup file paths for this config, oldest first.
func (m *Manager) Backups() ([]string, error) {
	entries, err := os.ReadDir(m.backupDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	prefix := filepath.Base(m.path) + ".backup."
	var paths []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), prefix) {
			paths = append(paths, filepath.Join(m.backupDir, e.Name()))
		}
	}
	sort.Strings(paths) // timestamp suffix sorts lexically == chronologically
	return paths, nil
}

// enforceRetention deletes the oldest backups beyond MaxBackups.
func (m *Manager) enforceRetention() error {
	paths, err := m.Backups()
	if err != nil {
		return err
	}
	if len(paths) <= MaxBackups {
		return nil
	}
	toDelete := paths[:len(paths)-MaxBackups]
	for _, p := range toDelete {
		if err := os.Remove(p); err != nil {
			return err
		}
	}
	return nil
}

// Restore replaces the current config with the contents of backupPath.
// Restoration first snapshots the current file (so an operator can recover
// from a bad restore), then validates the backup, then overwrites — and
// never proceeds if the backup itself fails validation.
func (m *Manager) Restore(backupPath string) error {
	if _, err := os.Stat(backupPath); err != nil {
		if os.IsNotExist(err) {
			return &BackupNotFoundError{Path: backupPath}
		}
		return err
	}

	backupData, err := os.ReadFile(backupPath)
	if err != nil {
		return fmt.Errorf("trust config restore: reading backup: %w", err)
	}
	if _, err := parseDocument(string(backupData)); err != nil {
		return fmt.Errorf("trust config restore: backup failed validation, not restoring: %w", err)
	}

	if _, err := os.Stat(m.path); err == nil {
		if err := m.backupCurrent(); err != nil {
			return fmt.Errorf("trust config restore: pre-restore snapshot failed: %w", err)
		}
	}

	if err := os.WriteFile(m.path, backupData, 0o600); err != nil {
		return fmt.Errorf("trust config restore: write failed: %w", err)
	}
	return m.writeChecksum(string(backupData))
}

// Watch starts an fsnotify watch on the config file and invokes onChange
// whenever the file is modified outside of Save/Restore (i.e. the on-disk
// bytes changed without the checksum sidecar being updated to match).
// Modeled on the teacher's internal/config file-watching convention.
func (m *Manager) Watch(onChange func()) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("trust config watch: %w", err)
	}
	if err := w.Add(filepath.Dir(m.path)); err != nil {
		w.Close()
		return fmt.Errorf("trust config watch: %w", err)
	}
	m.watcher = w
	m.onExternalChange = onChange

	go func() {
		for {
			select {
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if event.Name != m.path || !(event.Has(fsnotify.Write) || event.Has(fsnotify.Create)) {
					continue
				}
				if err := m.VerifyIntegrity(); err != nil {
					m.logger.Warn("trust config: external modification detected", "error", err)
					if m.onExternalChange != nil {
						m.onExternalChange()
					}
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				m.logger.Error("trust config watch error", "error", err)
			}
		}
	}()
	return nil
}

// Close stops the file watcher, if running.
func (m *Manager) Close() error {
	if m.watcher == nil {
		return nil
	}
	return m.watcher.Close()
}
