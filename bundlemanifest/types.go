// Package bundlemanifest implements the data model and wire codec for a
// signed update manifest: file hashes, files, per-platform archives, and
// the manifest itself. Its raw-bytes-preservation discipline mirrors
// manifest/schema2.DeserializedManifest: the exact bytes a manifest was
// parsed from are kept alongside the parsed struct, because signature
// verification (and later, on-disk persistence) must operate on those
// exact bytes, not a re-serialization.
package bundlemanifest

import (
	"encoding/json"
	"fmt"
	"strings"

	digest "github.com/opencontainers/go-digest"

	"github.com/runwork/shell/platform"
)

// Algorithm is the single fixed digest algorithm tag a manifest may use.
const Algorithm = digest.SHA256

// digestLen is the length, in hex characters, of a sha256 digest.
const digestLen = 64

// FileHash is a BundleFileHash: a fixed "sha256" algorithm tag plus a
// 32-byte digest, wrapping digest.Digest the way manifest/schema2 keys
// every blob reference - Validate/Algorithm/Encoded give this for free
// instead of hand-rolling hex validation and a ":"-split wire form.
type FileHash struct {
	d digest.Digest
}

// NewFileHash validates hexDigest (must be digestLen lowercase hex
// characters) and returns a FileHash.
func NewFileHash(hexDigest string) (FileHash, error) {
	if len(hexDigest) != digestLen {
		return FileHash{}, fmt.Errorf("bundlemanifest: hash must be %d hex characters, got %d", digestLen, len(hexDigest))
	}
	full := digest.NewDigestFromEncoded(Algorithm, hexDigest)
	if err := full.Validate(); err != nil {
		return FileHash{}, fmt.Errorf("bundlemanifest: hash %q: %w", hexDigest, err)
	}
	return FileHash{d: full}, nil
}

// FileHashFromBytes builds a FileHash directly from a 32-byte sha256
// digest, as produced by the Hasher.
func FileHashFromBytes(sum []byte) (FileHash, error) {
	if len(sum) != 32 {
		return FileHash{}, fmt.Errorf("bundlemanifest: sha256 digest must be 32 bytes, got %d", len(sum))
	}
	return FileHash{d: digest.NewDigestFromBytes(Algorithm, sum)}, nil
}

// ParseFileHash parses the "sha256:<64 hex>" wire form.
func ParseFileHash(s string) (FileHash, error) {
	d, err := digest.Parse(s)
	if err != nil {
		return FileHash{}, fmt.Errorf("bundlemanifest: %w", err)
	}
	if d.Algorithm() != Algorithm {
		return FileHash{}, fmt.Errorf("bundlemanifest: hash %q does not use the %q algorithm", s, Algorithm)
	}
	if err := d.Validate(); err != nil {
		return FileHash{}, fmt.Errorf("bundlemanifest: hash %q: %w", s, err)
	}
	return FileHash{d: d}, nil
}

// String renders the "sha256:<hex>" wire form.
func (h FileHash) String() string {
	if h.d == "" {
		return ""
	}
	return h.d.String()
}

// Hex returns the bare hex digest, the name ContentStore blobs are keyed
// by.
func (h FileHash) Hex() string {
	if h.d == "" {
		return ""
	}
	return h.d.Encoded()
}

// IsZero reports whether h is the zero value.
func (h FileHash) IsZero() bool { return h.d == "" }

// Equal compares two hashes by digest value.
func (h FileHash) Equal(o FileHash) bool { return h.d == o.d }

func (h FileHash) MarshalJSON() ([]byte, error) {
	return json.Marshal(h.String())
}

func (h *FileHash) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParseFileHash(s)
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// File is a BundleFile: a relative path, its content hash, and its byte
// size, with optional platform constraints.
type File struct {
	Path string       `json:"path"`
	Hash FileHash     `json:"hash"`
	Size int64        `json:"size"`
	OS   *platform.OS `json:"os,omitempty"`
	Arch *platform.Arch `json:"arch,omitempty"`
}

// ValidatePath checks a file path's invariants: forward-slash relative,
// no "." or ".." components, no leading slash.
func ValidatePath(p string) error {
	if p == "" {
		return fmt.Errorf("bundlemanifest: file path must not be empty")
	}
	if strings.HasPrefix(p, "/") {
		return fmt.Errorf("bundlemanifest: file path %q must not have a leading slash", p)
	}
	if strings.Contains(p, "\\") {
		return fmt.Errorf("bundlemanifest: file path %q must use forward slashes", p)
	}
	for _, part := range strings.Split(p, "/") {
		if part == "" {
			return fmt.Errorf("bundlemanifest: file path %q has an empty component", p)
		}
		if part == "." || part == ".." {
			return fmt.Errorf("bundlemanifest: file path %q contains a %q component", p, part)
		}
	}
	return nil
}

// PlatformBundle is a PlatformBundle: the full-archive ZIP available for
// one declared platform.
type PlatformBundle struct {
	ZipPath string `json:"zip"`
	Size    int64  `json:"size"`
}

// Manifest is the parsed view of a bundle manifest.
type Manifest struct {
	SchemaVersion   int                       `json:"schemaVersion"`
	BuildNumber     int64                     `json:"buildNumber"`
	CreatedAt       string                    `json:"createdAt"`
	MinShellVersion int                       `json:"minShellVersion"`
	ShellUpdateURL  *string                   `json:"shellUpdateUrl"`
	Files           []File                    `json:"files"`
	MainClass       string                    `json:"mainClass"`
	Zips            map[string]PlatformBundle `json:"zips"`
	Signature       string                    `json:"signature"`
}

// ValidateStructure checks everything about a manifest that's checkable
// without consulting the content store: no duplicate paths, well-formed
// hashes via the type system already, non-empty zips with valid
// platform-id keys. Size-matches-blob and signature coverage are checked
// by the Downloader/ContentStore and SignatureVerifier respectively.
func (m *Manifest) ValidateStructure() error {
	seen := make(map[string]struct{}, len(m.Files))
	for _, f := range m.Files {
		if err := ValidatePath(f.Path); err != nil {
			return err
		}
		if _, dup := seen[f.Path]; dup {
			return fmt.Errorf("bundlemanifest: duplicate file path %q", f.Path)
		}
		seen[f.Path] = struct{}{}
		if f.Size < 0 {
			return fmt.Errorf("bundlemanifest: file %q has negative size", f.Path)
		}
		if f.Hash.IsZero() {
			return fmt.Errorf("bundlemanifest: file %q has no hash", f.Path)
		}
	}

	if len(m.Zips) == 0 {
		return fmt.Errorf("bundlemanifest: zips must not be empty")
	}
	for key := range m.Zips {
		if _, err := platform.Parse(key); err != nil {
			return fmt.Errorf("bundlemanifest: zips key %q: %w", key, err)
		}
	}

	return nil
}
