// Package hasher streams SHA-256 over files and byte streams, producing
// a bundlemanifest.FileHash. Its Digester wraps digest.Digester from
// github.com/opencontainers/go-digest directly (the same hash.Hash-plus-
// finished-Digest shape manifest handlers use for every blob reference
// elsewhere in this codebase), adapted here to hand back bundlemanifest's
// own hash type instead of a bare digest.Digest.
package hasher

import (
	"fmt"
	"hash"
	"io"
	"os"

	digest "github.com/opencontainers/go-digest"

	"github.com/runwork/shell/bundlemanifest"
)

// Digester accumulates a streaming SHA-256 digest. Callers write to
// Hash() directly (e.g. via io.TeeReader or io.MultiWriter) and call
// Sum() once all bytes have passed through.
type Digester interface {
	Hash() hash.Hash
	Sum() bundlemanifest.FileHash
}

type digester struct {
	d digest.Digester
}

// New returns a fresh streaming SHA-256 Digester.
func New() Digester {
	return &digester{d: bundlemanifest.Algorithm.Digester()}
}

func (d *digester) Hash() hash.Hash { return d.d.Hash() }

func (d *digester) Sum() bundlemanifest.FileHash {
	fh, err := bundlemanifest.NewFileHash(d.d.Digest().Encoded())
	if err != nil {
		// The underlying algorithm is fixed to sha256, so Digester()
		// always produces a digest NewFileHash accepts.
		panic(fmt.Sprintf("hasher: unexpected digest: %v", err))
	}
	return fh
}

// HashReader streams r through SHA-256 and returns its FileHash, without
// buffering the content in memory.
func HashReader(r io.Reader) (bundlemanifest.FileHash, error) {
	d := New()
	if _, err := io.Copy(d.Hash(), r); err != nil {
		return bundlemanifest.FileHash{}, fmt.Errorf("hasher: reading stream: %w", err)
	}
	return d.Sum(), nil
}

// HashFile streams the file at path through SHA-256 and returns its
// FileHash. Used by ContentStore.hash_of.
func HashFile(path string) (bundlemanifest.FileHash, error) {
	f, err := os.Open(path)
	if err != nil {
		return bundlemanifest.FileHash{}, fmt.Errorf("hasher: opening %s: %w", path, err)
	}
	defer f.Close()

	return HashReader(f)
}

// TeeHasher wraps w so that everything written through it is also fed
// into the digester, letting a download loop compute the hash of data as
// it streams to a temp file, in one pass, exactly as the Downloader's
// full-archive and incremental paths require.
func TeeHasher(w io.Writer) (io.Writer, Digester) {
	d := New()
	return io.MultiWriter(w, d.Hash()), d
}
