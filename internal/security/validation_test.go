package security

import (
	"errors"
	"strings"
	"testing"
)

func nested(depth int) string {
	return strings.Repeat(`{"a":`, depth) + "1" + strings.Repeat("}", depth)
}

func TestJSONLimits_Check(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		limits  JSONLimits
		data    string
		wantErr error
	}{
		{name: "empty", data: ""},
		{name: "scalar", data: `"plain"`},
		{name: "flat", limits: JSONLimits{MaxDepth: 1}, data: `{"name": "gh", "version": "2.0"}`},
		{name: "at depth", limits: JSONLimits{MaxDepth: 3}, data: nested(3)},
		{name: "over depth", limits: JSONLimits{MaxDepth: 3}, data: nested(4), wantErr: ErrJSONTooDeep},
		{name: "arrays count", limits: JSONLimits{MaxDepth: 2}, data: `[[[1]]]`, wantErr: ErrJSONTooDeep},
		{name: "siblings do not add up", limits: JSONLimits{MaxDepth: 2}, data: `{"a": [1], "b": [2], "c": {"d": 3}}`},
		{name: "default depth", data: nested(DefaultMaxJSONDepth)},
		{name: "default depth exceeded", data: nested(DefaultMaxJSONDepth + 1), wantErr: ErrJSONTooDeep},
		{name: "truncated", data: `{"name": `, wantErr: ErrInvalidJSON},
		{name: "garbage", data: `{]`, wantErr: ErrInvalidJSON},
		{name: "at size", limits: JSONLimits{MaxBytes: 7}, data: `"12345"`},
		{name: "over size", limits: JSONLimits{MaxBytes: 6}, data: `"12345"`, wantErr: ErrPayloadTooLarge},
		{name: "size checked first", limits: JSONLimits{MaxBytes: 2}, data: `{]`, wantErr: ErrPayloadTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := tt.limits.Check([]byte(tt.data))
			if tt.wantErr == nil && err != nil {
				t.Fatalf("Check() = %v, want nil", err)
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Check() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func BenchmarkJSONLimits_Check(b *testing.B) {
	data := []byte(nested(DefaultMaxJSONDepth))
	var l JSONLimits
	for b.Loop() {
		_ = l.Check(data)
	}
}
