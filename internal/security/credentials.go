// Package security holds the guards shared by every entry point: secret
// redaction for logs and tool output, credential storage, subprocess
// environment scrubbing, rate limiting, payload limits, URL filtering and
// the audit trail.
package security

import (
	"maps"
	"slices"
	"sync"
)

// CredentialStore holds the secret values known at runtime. Every value
// in it is redacted from logs and tool output and scrubbed from the
// environment of spawned tools.
type CredentialStore struct {
	mu    sync.RWMutex
	creds map[string]string
}

// NewCredentialStore creates an empty credential store.
func NewCredentialStore() *CredentialStore {
	return &CredentialStore{creds: make(map[string]string)}
}

// Set stores a credential, replacing any previous value under name. An
// empty value removes it.
func (s *CredentialStore) Set(name, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if value == "" {
		delete(s.creds, name)
		return
	}
	s.creds[name] = value
}

// Get returns the credential value and whether it exists.
func (s *CredentialStore) Get(name string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.creds[name]
	return v, ok
}

// LoadEnv registers the value of every named environment variable. lookup
// is usually os.LookupEnv. It returns the names that were unset or empty.
func (s *CredentialStore) LoadEnv(names []string, lookup func(string) (string, bool)) (missing []string) {
	for _, name := range names {
		v, ok := lookup(name)
		if !ok || v == "" {
			missing = append(missing, name)
			continue
		}
		s.Set("env:"+name, v)
	}
	return missing
}

// Names returns the credential names, sorted.
func (s *CredentialStore) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Sorted(maps.Keys(s.creds))
}

// Values returns every credential value, longest first so that a secret
// containing another is replaced whole.
func (s *CredentialStore) Values() []string {
	s.mu.RLock()
	values := slices.Collect(maps.Values(s.creds))
	s.mu.RUnlock()
	slices.SortFunc(values, func(a, b string) int { return len(b) - len(a) })
	return values
}
