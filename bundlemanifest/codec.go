package bundlemanifest

import (
	"encoding/json"
	"fmt"

	jsoncanonicalizer "github.com/cyberphone/json-canonicalization/go/src/webpki.org/jsoncanonicalizer"

	"github.com/runwork/shell/internal/bundleerr"
)

// Deserialized wraps Manifest with the exact JSON bytes it was parsed
// from, the same way manifest/schema2.DeserializedManifest wraps its
// Manifest with a "canonical" byte slice: MarshalJSON and the Raw
// accessor always return those original bytes, never a re-encoding,
// which is what lets SignatureVerifier and StorageManager.SaveManifest
// operate on the bytes that were actually signed.
type Deserialized struct {
	Manifest

	raw []byte
}

// ParseManifest parses raw manifest JSON, preserving the original bytes
// for later signature verification and on-disk persistence.
func ParseManifest(raw []byte) (*Deserialized, error) {
	var d Deserialized
	if err := d.UnmarshalJSON(raw); err != nil {
		return nil, bundleerr.New(bundleerr.KindParse, "manifest parse failed", err)
	}
	if err := d.ValidateStructure(); err != nil {
		return nil, bundleerr.New(bundleerr.KindParse, "manifest structure invalid", err)
	}
	return &d, nil
}

// UnmarshalJSON stores b verbatim in raw and decodes a Manifest view from
// it. Unknown fields are not rejected: a tolerant parse is required so
// that newer manifests (with fields this shell doesn't know about yet)
// still round-trip their raw bytes unchanged, and so the signature (which
// covers those raw bytes) still verifies.
func (d *Deserialized) UnmarshalJSON(b []byte) error {
	d.raw = append([]byte(nil), b...)

	var m Manifest
	if err := json.Unmarshal(b, &m); err != nil {
		return fmt.Errorf("bundlemanifest: %w", err)
	}
	d.Manifest = m
	return nil
}

// MarshalJSON returns the original raw bytes if present, falling back to
// a fresh encoding of Manifest only when Deserialized was built in memory
// (e.g. in tests) rather than parsed from the wire.
func (d *Deserialized) MarshalJSON() ([]byte, error) {
	if len(d.raw) > 0 {
		return d.raw, nil
	}
	return json.Marshal(d.Manifest)
}

// Raw returns the exact bytes this manifest was parsed from.
func (d *Deserialized) Raw() []byte {
	return d.raw
}

// CanonicalSigningBytes returns the canonical bytes a signer would have
// produced for m: the JCS (RFC 8785) encoding of m with the signature
// field blanked. Field order is JCS's UTF-16-code-unit key ordering
// rather than struct declaration order; see DESIGN.md for why this
// deviates from a literal reading of "field order matching the declared
// schema" while still satisfying it (canonical encoders are
// order-independent by construction — any conforming implementation
// reaches the same bytes).
//
// This method only sees m's known, typed fields, so it drops any field a
// wire manifest carried that this version of Manifest doesn't declare.
// It exists for constructing signing bytes from a Manifest built in
// memory (e.g. a test fixture) before it has ever been serialized.
// SignatureVerifier must not use it: verification needs
// Deserialized.CanonicalSigningBytes, which canonicalizes the untyped
// raw bytes a manifest actually arrived as, so unknown fields stay
// covered by the signature.
func (m Manifest) CanonicalSigningBytes() ([]byte, error) {
	blanked := m
	blanked.Signature = ""
	b, err := json.Marshal(blanked)
	if err != nil {
		return nil, fmt.Errorf("bundlemanifest: canonical signing bytes: %w", err)
	}
	return canonicalize(b)
}

// CanonicalSigningBytes returns the canonical bytes to verify d's
// signature against: the JCS (RFC 8785) encoding of d's raw wire bytes
// with only the "signature" key blanked. Because this operates on a
// generic JSON tree rather than the Manifest struct, any field a future
// schema version adds - and this shell doesn't know about yet - still
// passes through untouched and stays covered by the signature.
func (d *Deserialized) CanonicalSigningBytes() ([]byte, error) {
	if len(d.raw) == 0 {
		return d.Manifest.CanonicalSigningBytes()
	}

	var generic map[string]json.RawMessage
	if err := json.Unmarshal(d.raw, &generic); err != nil {
		return nil, fmt.Errorf("bundlemanifest: canonical signing bytes: %w", err)
	}
	generic["signature"] = json.RawMessage(`""`)

	blanked, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("bundlemanifest: canonical signing bytes: %w", err)
	}
	return canonicalize(blanked)
}

// canonicalize runs JCS (RFC 8785) over b, the same transform
// lattice-substrate-json-canon's conformance suite differentials
// against this package for the official test vectors.
func canonicalize(b []byte) ([]byte, error) {
	out, err := jsoncanonicalizer.Transform(b)
	if err != nil {
		return nil, fmt.Errorf("bundlemanifest: JCS canonicalization: %w", err)
	}
	return out, nil
}
