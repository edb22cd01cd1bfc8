package security

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// DefaultMaxJSONDepth bounds nesting in discovery responses and API bodies.
const DefaultMaxJSONDepth = 32

var (
	ErrPayloadTooLarge = errors.New("payload exceeds maximum size")
	ErrJSONTooDeep     = errors.New("JSON nesting exceeds maximum depth")
	ErrInvalidJSON     = errors.New("invalid JSON")
)

// JSONLimits bounds untrusted JSON before it is decoded into a value.
// Zero fields mean no size cap and DefaultMaxJSONDepth.
type JSONLimits struct {
	MaxBytes int
	MaxDepth int
}

// Check walks data token by token without building it and fails on the
// first violated limit. Empty input passes.
func (l JSONLimits) Check(data []byte) error {
	if l.MaxBytes > 0 && len(data) > l.MaxBytes {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrPayloadTooLarge, len(data), l.MaxBytes)
	}
	limit := l.MaxDepth
	if limit <= 0 {
		limit = DefaultMaxJSONDepth
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	for depth := 0; ; {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidJSON, err)
		}
		d, ok := tok.(json.Delim)
		if !ok {
			continue
		}
		if d == '{' || d == '[' {
			if depth++; depth > limit {
				return fmt.Errorf("%w: limit %d", ErrJSONTooDeep, limit)
			}
		} else {
			depth--
		}
	}
}
