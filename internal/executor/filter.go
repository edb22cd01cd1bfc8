package executor

import (
	"regexp"
	"unicode/utf8"

	"github.com/flemzord/agentgate/internal/security"
)

// TruncationMarker is appended to output cut by Filter.
const TruncationMarker = "\n[output truncated]"

// Filter redacts secrets from the captured output and cuts each stream to
// the configured maximum length. The executor's redactor always runs;
// extra patterns are applied after it.
func (e *Executor) Filter(res Result, extra ...*regexp.Regexp) Result {
	out := res
	out.Command = append([]string(nil), res.Command...)

	out.Stdout = e.redact(res.Stdout, extra)
	out.Stderr = e.redact(res.Stderr, extra)
	for i, arg := range out.Command {
		out.Command[i] = e.redact(arg, extra)
	}
	if out.Stdout != res.Stdout || out.Stderr != res.Stderr {
		out.Redacted = true
	}

	var cutOut, cutErr bool
	out.Stdout, cutOut = cut(out.Stdout, e.cfg.MaxResultLength)
	out.Stderr, cutErr = cut(out.Stderr, e.cfg.MaxResultLength)
	out.Truncated = res.Truncated || cutOut || cutErr
	return out
}

func (e *Executor) redact(s string, extra []*regexp.Regexp) string {
	s = e.redactor.Redact(s)
	for _, p := range extra {
		s = p.ReplaceAllString(s, security.RedactPlaceholder)
	}
	return s
}

func cut(s string, n int) (string, bool) {
	if n <= 0 || len(s) <= n {
		return s, false
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + TruncationMarker, true
}
