// Package sigverify performs Ed25519 verification of manifest bytes
// against the shell-configured public key. It verifies over the
// JCS-canonicalized form of the exact raw bytes a manifest was parsed
// from (bundlemanifest.Deserialized.CanonicalSigningBytes), never a
// re-serialization of the parsed struct, so unknown fields stay covered.
//
// Ed25519 verification itself is one of the few operations in this
// module built on the standard library rather than a third-party
// library; see DESIGN.md for why no ecosystem signing library was a
// better fit.
package sigverify

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/runwork/shell/bundlemanifest"
	"github.com/runwork/shell/internal/bundleerr"
)

const signaturePrefix = "ed25519:"

// ParsePublicKey decodes the base64 Ed25519 public key from the shell's
// "publicKey" configuration field.
func ParsePublicKey(base64Key string) (ed25519.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(base64Key)
	if err != nil {
		return nil, fmt.Errorf("sigverify: decoding public key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("sigverify: public key must be %d bytes, got %d", ed25519.PublicKeySize, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

// parseSignature parses the "ed25519:<standard-base64>" wire form. Any
// other prefix is a parse failure.
func parseSignature(s string) ([]byte, error) {
	if !strings.HasPrefix(s, signaturePrefix) {
		return nil, fmt.Errorf("sigverify: signature %q missing %q prefix", s, signaturePrefix)
	}
	sig, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(s, signaturePrefix))
	if err != nil {
		return nil, fmt.Errorf("sigverify: decoding signature: %w", err)
	}
	if len(sig) != ed25519.SignatureSize {
		return nil, fmt.Errorf("sigverify: signature must be %d bytes, got %d", ed25519.SignatureSize, len(sig))
	}
	return sig, nil
}

// Verify checks m's signature against pub. It reconstructs the canonical
// signing bytes from m's raw wire bytes (see
// bundlemanifest.Deserialized.CanonicalSigningBytes), not from a
// re-encoding of the parsed struct, so that any field a newer manifest
// schema adds - and this build doesn't know about - still falls under
// the bytes being verified.
func Verify(m *bundlemanifest.Deserialized, pub ed25519.PublicKey) error {
	sig, err := parseSignature(m.Signature)
	if err != nil {
		return bundleerr.New(bundleerr.KindSignature, "malformed signature", err)
	}

	signingBytes, err := m.CanonicalSigningBytes()
	if err != nil {
		return bundleerr.New(bundleerr.KindSignature, "could not build signing bytes", err)
	}

	if !ed25519.Verify(pub, signingBytes, sig) {
		return bundleerr.New(bundleerr.KindSignature, "signature does not verify", nil)
	}
	return nil
}
