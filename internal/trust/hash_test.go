package trust

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestHashFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "tool")
	if err := os.WriteFile(path, []byte("hello"), 0o755); err != nil {
		t.Fatal(err)
	}
	got, err := HashFile(path)
	if err != nil {
		t.Fatalf("HashFile: %v", err)
	}
	const want = "sha256:2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"
	if got != want {
		t.Errorf("HashFile = %s, want %s", got, want)
	}
	if HashBytes([]byte("hello")) != want {
		t.Error("HashBytes disagrees with HashFile")
	}
}

func TestHashFile_Missing(t *testing.T) {
	t.Parallel()

	if _, err := HashFile(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("expected error")
	}
}

func TestDigestsEqual(t *testing.T) {
	t.Parallel()

	hexDigest := "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"
	tests := []struct {
		a, b string
		want bool
	}{
		{"sha256:" + hexDigest, hexDigest, true},
		{strings.ToUpper(hexDigest), "sha256:" + hexDigest, true},
		{hexDigest, strings.Repeat("0", 64), false},
		{"sha256:zz", "sha256:zz", false},
		{"", "", false},
	}
	for _, tt := range tests {
		if got := DigestsEqual(tt.a, tt.b); got != tt.want {
			t.Errorf("DigestsEqual(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}
