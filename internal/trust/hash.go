package trust

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
)

// DigestPrefix is the algorithm prefix of rendered digests.
const DigestPrefix = "sha256:"

// HashFile streams the file at path through SHA-256 and returns the digest
// rendered as "sha256:<hex>".
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("trust: opening %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("trust: hashing %s: %w", path, err)
	}
	return DigestPrefix + hex.EncodeToString(h.Sum(nil)), nil
}

// HashBytes returns the SHA-256 digest of b rendered as "sha256:<hex>".
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return DigestPrefix + hex.EncodeToString(sum[:])
}

// ParseDigest accepts bare or "sha256:"-prefixed hex and returns the raw
// 32-byte digest.
func ParseDigest(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), DigestPrefix)
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("trust: invalid digest: %w", err)
	}
	if len(raw) != sha256.Size {
		return nil, fmt.Errorf("trust: invalid digest length %d", len(raw))
	}
	return raw, nil
}

// DigestsEqual compares two rendered digests in constant time. Malformed
// input never compares equal.
func DigestsEqual(a, b string) bool {
	ra, err := ParseDigest(a)
	if err != nil {
		return false
	}
	rb, err := ParseDigest(b)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(ra, rb) == 1
}
