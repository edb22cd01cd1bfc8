package security

import (
	"io"
	"regexp"
	"strings"
	"sync"
)

// RedactPlaceholder replaces every redacted secret.
const RedactPlaceholder = "***REDACTED***"

// Redactor masks secrets in log records, tool output and audit events. It
// matches regular expressions for well-known credential formats and the
// literal values held by a CredentialStore. It is safe for concurrent use.
type Redactor struct {
	mu       sync.RWMutex
	patterns []*regexp.Regexp
	literals []string
}

// NewRedactor returns a Redactor loaded with DefaultPatterns.
func NewRedactor() *Redactor {
	return &Redactor{patterns: DefaultPatterns()}
}

// AddPattern adds a compiled pattern.
func (r *Redactor) AddPattern(pattern *regexp.Regexp) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.patterns = append(r.patterns, pattern)
}

// AddLiteral adds a secret value. Empty strings are ignored.
func (r *Redactor) AddLiteral(secret string) {
	if secret == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.literals = append(r.literals, secret)
}

// SyncCredentials replaces the literals with the store's current values.
func (r *Redactor) SyncCredentials(store *CredentialStore) {
	values := store.Values()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.literals = values
}

// Redact returns s with every pattern match and literal replaced by
// RedactPlaceholder. Patterns run before literals.
func (r *Redactor) Redact(s string) string {
	if s == "" {
		return s
	}
	r.mu.RLock()
	patterns, literals := r.patterns, r.literals
	r.mu.RUnlock()

	for _, p := range patterns {
		s = p.ReplaceAllString(s, RedactPlaceholder)
	}
	for _, lit := range literals {
		s = strings.ReplaceAll(s, lit, RedactPlaceholder)
	}
	return s
}

// Writer returns a writer that redacts each chunk before passing it to w.
// A secret split across two writes is not caught.
func (r *Redactor) Writer(w io.Writer) io.Writer {
	return &redactingWriter{r: r, w: w}
}

type redactingWriter struct {
	r *Redactor
	w io.Writer
}

// Write reports len(p) on success even when redaction changed the length.
func (rw *redactingWriter) Write(p []byte) (int, error) {
	if _, err := io.WriteString(rw.w, rw.r.Redact(string(p))); err != nil {
		return 0, err
	}
	return len(p), nil
}

// secretFlag matches flag names that usually carry a secret value.
var secretFlag = regexp.MustCompile(`(?i)^--?[a-z0-9_-]*(secret|token|password|passwd|api[_-]?key|credential)[a-z0-9_-]*$`)

// MaskArgs returns a copy of argv with the values of secret-looking flags
// replaced, in both the "--token=v" and "--token v" forms.
func MaskArgs(argv []string) []string {
	out := make([]string, len(argv))
	maskNext := false
	for i, arg := range argv {
		switch {
		case maskNext:
			out[i] = RedactPlaceholder
			maskNext = false
			continue
		case arg == "--":
			copy(out[i:], argv[i:])
			return out
		}
		name, _, hasValue := strings.Cut(arg, "=")
		switch {
		case !secretFlag.MatchString(name):
			out[i] = arg
		case hasValue:
			out[i] = name + "=" + RedactPlaceholder
		default:
			out[i] = arg
			maskNext = true
		}
	}
	return out
}

// DefaultPatterns returns compiled regex patterns for credentials that
// commonly show up in tool output and command lines.
func DefaultPatterns() []*regexp.Regexp {
	return []*regexp.Regexp{
		// Anthropic before OpenAI so the longer prefix wins.
		regexp.MustCompile(`sk-ant-[a-zA-Z0-9\-]{20,}`),
		regexp.MustCompile(`sk-[a-zA-Z0-9]{20,}`),
		regexp.MustCompile(`(ghp_|gho_|ghs_|github_pat_)[a-zA-Z0-9_]{20,}`),
		regexp.MustCompile(`glpat-[a-zA-Z0-9_\-]{20,}`),
		regexp.MustCompile(`npm_[a-zA-Z0-9]{36}`),
		// AWS access key id
		regexp.MustCompile(`AKIA[A-Z0-9]{16}`),
		regexp.MustCompile(`xox[bp]-[0-9]+-[a-zA-Z0-9]+`),
		// JWTs, including Sigstore OIDC identity tokens
		regexp.MustCompile(`eyJ[a-zA-Z0-9_\-]{10,}\.eyJ[a-zA-Z0-9_\-]{10,}\.[a-zA-Z0-9_\-]{10,}`),
		// PEM private keys, including cosign.key
		regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----[\s\S]*?-----END [A-Z ]*PRIVATE KEY-----`),
		regexp.MustCompile(`(?i)bearer\s+[a-zA-Z0-9._\-]{16,}`),
	}
}
