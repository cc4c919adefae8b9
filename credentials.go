package staging

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Credential is one subscription login handed to workers for paywalled sources.
type Credential struct {
	Name     string `yaml:"name" json:"name"`
	Domain   string `yaml:"domain" json:"domain"`
	Email    string `yaml:"email" json:"email"`
	Password string `yaml:"password" json:"password"`
	Notes    string `yaml:"notes" json:"notes,omitempty"`
}

func (c Credential) usable() bool { return c.Email != "" || c.Password != "" }

type credentialsFile struct {
	Subscriptions []Credential `yaml:"subscriptions"`
}

type credentialTables struct {
	byDomain map[string]Credential
	byName   map[string]Credential
}

// CredentialIndex looks up subscription credentials by source domain or publication
// name. It is safe for concurrent use; Replace swaps the whole table atomically.
type CredentialIndex struct {
	preferredEmail string
	tables         atomic.Pointer[credentialTables]
}

func NewCredentialIndex(preferredEmail string) *CredentialIndex {
	idx := &CredentialIndex{preferredEmail: preferredEmail}
	idx.tables.Store(&credentialTables{byDomain: map[string]Credential{}, byName: map[string]Credential{}})
	return idx
}

// Load replaces the index contents with the subscriptions listed in the YAML at path.
func (idx *CredentialIndex) Load(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read credentials: %w", err)
	}
	var f credentialsFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return fmt.Errorf("parse credentials %s: %w", path, err)
	}
	idx.Replace(f.Subscriptions)
	return nil
}

// Replace rebuilds the index from entries. When several entries share a domain the
// preferred email wins, then entries carrying both email and password. Names keep
// the first entry unless a later one uses the preferred email.
func (idx *CredentialIndex) Replace(entries []Credential) {
	t := &credentialTables{byDomain: map[string]Credential{}, byName: map[string]Credential{}}
	for _, e := range entries {
		e.Name = strings.TrimSpace(e.Name)
		e.Domain = strings.TrimSpace(e.Domain)
		e.Email = strings.TrimSpace(e.Email)
		e.Password = strings.TrimSpace(e.Password)
		if e.Name == "" && e.Domain == "" {
			continue
		}
		if d := DomainOf(e.Domain); d != "" {
			if cur, ok := t.byDomain[d]; !ok || idx.rank(e) > idx.rank(cur) {
				t.byDomain[d] = e
			}
		}
		if e.Name != "" {
			key := strings.ToLower(e.Name)
			cur, ok := t.byName[key]
			if !ok || (!idx.preferred(cur) && idx.preferred(e)) {
				t.byName[key] = e
			}
		}
	}
	idx.tables.Store(t)
}

func (idx *CredentialIndex) preferred(c Credential) bool {
	return idx.preferredEmail != "" && strings.EqualFold(c.Email, idx.preferredEmail)
}

func (idx *CredentialIndex) rank(c Credential) int {
	r := 0
	if idx.preferred(c) {
		r += 2
	}
	if c.Email != "" && c.Password != "" {
		r++
	}
	return r
}

// Len returns the number of indexed domains and names.
func (idx *CredentialIndex) Len() (domains, names int) {
	t := idx.tables.Load()
	return len(t.byDomain), len(t.byName)
}

// For finds credentials for rec: permalink domain, then source URL domain, then
// publication name. Entries without an email or password are ignored.
func (idx *CredentialIndex) For(rec Record) *Credential {
	t := idx.tables.Load()
	for _, raw := range []string{rec.PermalinkURL, rec.SourceURL} {
		if d := DomainOf(raw); d != "" {
			if c, ok := t.byDomain[d]; ok && c.usable() {
				return &c
			}
		}
	}
	if name := strings.ToLower(strings.TrimSpace(rec.Publication)); name != "" {
		if c, ok := t.byName[name]; ok && c.usable() {
			return &c
		}
	}
	return nil
}

// WatchCredentials reloads idx whenever the file at path is written or replaced,
// until ctx is canceled. The parent directory is watched so that editors which
// rename over the file are picked up.
func WatchCredentials(ctx context.Context, path string, idx *CredentialIndex, cfg *Config) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", path, err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if err := idx.Load(abs); err != nil {
				cfg.logError(LogEvent{Message: "Credentials reload failed", Err: err})
				continue
			}
			domains, names := idx.Len()
			cfg.logInfo(LogEvent{
				Message: fmt.Sprintf("Reloaded credentials: %d domains, %d names", domains, names),
				Count:   domains,
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			cfg.logError(LogEvent{Message: "Credentials watcher error", Err: err})
		}
	}
}
