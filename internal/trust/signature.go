package trust

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/flemzord/agentgate/internal/descriptor"
)

// SignatureCheck is the input to a signature verifier.
type SignatureCheck struct {
	// Path is the binary the signature covers.
	Path string
	// Digest is the SHA-256 of the binary as computed by the evaluator.
	Digest  []byte
	Ref     *descriptor.SignatureRef
	Offline bool
}

// SignatureVerifier checks a detached signature. It returns nil when the
// signature is valid, an error wrapping ErrSignatureUnavailable when it
// could not be checked, and an error wrapping ErrSignatureInvalid otherwise.
type SignatureVerifier interface {
	VerifySignature(ctx context.Context, c SignatureCheck) error
}

// KeyVerifier verifies Ed25519 signatures over the content digest against
// a set of pinned public keys. It needs no network access.
type KeyVerifier struct {
	keys []ed25519.PublicKey
}

var _ SignatureVerifier = (*KeyVerifier)(nil)

// NewKeyVerifier parses hex or base64 encoded Ed25519 public keys.
func NewKeyVerifier(trustedKeys []string) (*KeyVerifier, error) {
	keys := make([]ed25519.PublicKey, 0, len(trustedKeys))
	for _, encoded := range trustedKeys {
		key, err := decodePublicKey(encoded)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return &KeyVerifier{keys: keys}, nil
}

// VerifySignature implements SignatureVerifier. The public key named by the
// reference must be one of the pinned keys; a document cannot vouch for
// itself by shipping its own key.
func (v *KeyVerifier) VerifySignature(_ context.Context, c SignatureCheck) error {
	if !c.Ref.Keyed() {
		return fmt.Errorf("%w: reference carries no public key and signature", ErrSignatureInvalid)
	}
	if len(v.keys) == 0 {
		return fmt.Errorf("%w: no trusted keys configured", ErrSignatureUnavailable)
	}

	key, err := decodePublicKey(c.Ref.PublicKey)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	if !v.trusted(key) {
		return fmt.Errorf("%w: public key is not trusted", ErrSignatureInvalid)
	}

	sig, err := decodeBytes(c.Ref.Signature)
	if err != nil {
		return fmt.Errorf("%w: signature encoding: %v", ErrSignatureInvalid, err)
	}
	if !ed25519.Verify(key, c.Digest, sig) {
		return fmt.Errorf("%w: ed25519 signature does not match content", ErrSignatureInvalid)
	}
	return nil
}

func (v *KeyVerifier) trusted(key ed25519.PublicKey) bool {
	for _, k := range v.keys {
		if k.Equal(key) {
			return true
		}
	}
	return false
}

// ChainVerifier routes keyed references to the local key verifier and
// keyless references to the external toolchain.
type ChainVerifier struct {
	Key     SignatureVerifier
	Keyless SignatureVerifier
}

var _ SignatureVerifier = (*ChainVerifier)(nil)

// VerifySignature implements SignatureVerifier.
func (v *ChainVerifier) VerifySignature(ctx context.Context, c SignatureCheck) error {
	next := v.Keyless
	kind := "keyless"
	if c.Ref.Keyed() {
		next, kind = v.Key, "keyed"
	}
	if next == nil {
		return fmt.Errorf("%w: no %s verifier configured", ErrSignatureUnavailable, kind)
	}
	return next.VerifySignature(ctx, c)
}

// Sign signs the SHA-256 digest of the file at path and returns the
// hex-encoded signature, the form KeyVerifier expects in a reference.
func Sign(privateKey ed25519.PrivateKey, path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("trust: reading %s: %w", path, err)
	}
	digest, err := ParseDigest(HashBytes(data))
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(ed25519.Sign(privateKey, digest)), nil
}

func decodePublicKey(encoded string) (ed25519.PublicKey, error) {
	raw, err := decodeBytes(encoded)
	if err != nil {
		return nil, fmt.Errorf("trust: invalid public key %q: %w", encoded, err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("trust: invalid key size for %q: got %d, want %d", encoded, len(raw), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(raw), nil
}

// decodeBytes accepts hex first, then standard or URL-safe base64.
func decodeBytes(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errors.New("empty value")
	}
	if raw, err := hex.DecodeString(s); err == nil {
		return raw, nil
	}
	if raw, err := base64.StdEncoding.DecodeString(s); err == nil {
		return raw, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
	if err != nil {
		return nil, errors.New("neither hex nor base64")
	}
	return raw, nil
}
