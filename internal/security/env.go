package security

import (
	"slices"
	"strings"
)

// minSecretLen is the shortest credential value scrubbed from variable
// values. Shorter values ("yes", "1") would mangle unrelated variables.
const minSecretLen = 8

// defaultStripPrefixes are variable name prefixes never passed to a tool.
var defaultStripPrefixes = []string{
	// model providers an agent typically runs with
	"OPENAI_",
	"ANTHROPIC_",
	"GEMINI_API",
	"MISTRAL_API",
	// cloud and forge credentials
	"AWS_SECRET",
	"AWS_SESSION_TOKEN",
	"AZURE_CLIENT_SECRET",
	"GOOGLE_APPLICATION_CREDENTIALS",
	"GITHUB_TOKEN",
	"GH_TOKEN",
	"GITLAB_TOKEN",
	"NPM_TOKEN",
	// signing material
	"SIGSTORE_ID_TOKEN",
	"COSIGN_PASSWORD",
	"COSIGN_PRIVATE_KEY",
	// our own secrets
	"AGENTGATE_TOKEN",
	"AGENTGATE_BASIC_PASS",
}

// defaultStripExact are stripped by exact name only, so DB_PORT or
// DATABASE_HOST still get through.
var defaultStripExact = []string{
	"AWS_SECRET_ACCESS_KEY",
	"DATABASE_URL",
	"DB_PASSWORD",
	"REDIS_PASSWORD",
	"SSH_AUTH_SOCK",
}

// EnvFilter decides which parent environment variables reach a spawned
// tool. The zero value applies the built-in lists.
type EnvFilter struct {
	// Strip adds variable names to remove. A trailing "*" makes the entry
	// a prefix.
	Strip []string `yaml:"strip"`
	// Keep names variables passed through even when they match a strip
	// rule.
	Keep []string `yaml:"keep"`
}

// Sensitive reports whether name is removed by the filter. Matching is
// case-insensitive.
func (f EnvFilter) Sensitive(name string) bool {
	upper := strings.ToUpper(name)
	if slices.ContainsFunc(f.Keep, func(k string) bool { return strings.EqualFold(k, name) }) {
		return false
	}
	if slices.Contains(defaultStripExact, upper) {
		return true
	}
	for _, prefix := range defaultStripPrefixes {
		if strings.HasPrefix(upper, prefix) {
			return true
		}
	}
	for _, s := range f.Strip {
		s = strings.ToUpper(s)
		if prefix, ok := strings.CutSuffix(s, "*"); ok {
			if strings.HasPrefix(upper, prefix) {
				return true
			}
		} else if upper == s {
			return true
		}
	}
	return false
}

// Apply returns env without sensitive variables. Values registered in
// store are replaced by RedactPlaceholder wherever they appear in the
// remaining variables.
func (f EnvFilter) Apply(env []string, store *CredentialStore) []string {
	var secrets []string
	if store != nil {
		for _, v := range store.Values() {
			if len(v) >= minSecretLen {
				secrets = append(secrets, v)
			}
		}
	}

	out := make([]string, 0, len(env))
	for _, entry := range env {
		key, _, ok := strings.Cut(entry, "=")
		if !ok || f.Sensitive(key) {
			continue
		}
		for _, secret := range secrets {
			entry = strings.ReplaceAll(entry, secret, RedactPlaceholder)
		}
		out = append(out, entry)
	}
	return out
}
