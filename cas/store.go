// Package cas implements a content store: a map from file hash to blob
// bytes under bundleDir/cas, with an atomic insert protocol grounded on
// registry/storage/driver/filesystem.driver.Move (rename, falling back to
// copy-then-delete when rename crosses a filesystem boundary) and the
// exists/put shape of registry/storage/blobstore.go.
package cas

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/runwork/shell/bundlemanifest"
	"github.com/runwork/shell/hasher"
	"github.com/runwork/shell/internal/bundlectx"
	"github.com/runwork/shell/internal/bundleerr"
)

// Store is the ContentStore: bundleDir/cas, with files named by their hex
// digest.
type Store struct {
	root string
}

// New returns a Store rooted at casDir (normally bundleDir/cas). The
// directory is created if absent.
func New(casDir string) (*Store, error) {
	if err := os.MkdirAll(casDir, 0o777); err != nil {
		return nil, bundleerr.New(bundleerr.KindFilesystemOp, "creating cas directory", err)
	}
	return &Store{root: casDir}, nil
}

// Root returns the directory this store is rooted at.
func (s *Store) Root() string { return s.root }

func (s *Store) blobPath(h bundlemanifest.FileHash) string {
	return filepath.Join(s.root, h.Hex())
}

// Contains reports whether h's blob is present.
func (s *Store) Contains(h bundlemanifest.FileHash) bool {
	_, err := os.Stat(s.blobPath(h))
	return err == nil
}

// PathOf returns the absolute path of h's blob, and whether it exists.
func (s *Store) PathOf(h bundlemanifest.FileHash) (string, bool) {
	p := s.blobPath(h)
	if _, err := os.Stat(p); err != nil {
		return "", false
	}
	return p, true
}

// HashOf streams path through the Hasher and returns its digest, the way
// digest.Canonical.FromReader does for a registry blob store.
func (s *Store) HashOf(path string) (bundlemanifest.FileHash, error) {
	return hasher.HashFile(path)
}

// InsertFrom computes tempPath's hash and, on match with expected,
// atomically moves it into the store as cas/<hex>. On mismatch, tempPath
// is removed and a HashMismatch error is returned. If the destination
// already exists, tempPath is discarded and the insert succeeds
// (idempotent).
func (s *Store) InsertFrom(ctx context.Context, tempPath string, expected bundlemanifest.FileHash) error {
	log := bundlectx.GetLogger(ctx)

	actual, err := hasher.HashFile(tempPath)
	if err != nil {
		return bundleerr.New(bundleerr.KindFilesystemOp, "hashing temp file before insert", err)
	}
	if !actual.Equal(expected) {
		os.Remove(tempPath)
		return bundleerr.New(bundleerr.KindHashMismatch, "downloaded blob does not match expected hash", nil)
	}

	dest := s.blobPath(expected)
	if _, err := os.Stat(dest); err == nil {
		log.Debugf("cas: blob %s already present, discarding duplicate insert", expected)
		os.Remove(tempPath)
		return nil
	}

	if err := move(tempPath, dest); err != nil {
		return bundleerr.New(bundleerr.KindFilesystemOp, "inserting blob into cas", err)
	}
	return nil
}

// Delete removes h's blob, reporting whether it was present.
func (s *Store) Delete(h bundlemanifest.FileHash) bool {
	err := os.Remove(s.blobPath(h))
	return err == nil
}

// ListHashes enumerates every blob currently in the store, the way
// registry/storage/driver/filesystem's WalkFallback enumerates a flat
// directory of entries.
func (s *Store) ListHashes() ([]bundlemanifest.FileHash, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, bundleerr.New(bundleerr.KindFilesystemOp, "listing cas entries", err)
	}

	out := make([]bundlemanifest.FileHash, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		h, err := bundlemanifest.NewFileHash(e.Name())
		if err != nil {
			// Not a blob this store recognizes (e.g. a stray .tmp file
			// from an interrupted move); skip it rather than fail the
			// whole enumeration.
			continue
		}
		out = append(out, h)
	}
	return out, nil
}

// move renames src to dest, creating dest's parent directory first. If
// the rename fails because src and dest cross a filesystem boundary (the
// only case os.Rename can fail for reasons outside our control here), it
// falls back to copy-then-delete so the insert remains atomic from the
// caller's perspective.
func move(src, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o777); err != nil {
		return err
	}

	err := os.Rename(src, dest)
	if err == nil {
		return nil
	}
	if !isCrossDevice(err) {
		return err
	}
	return copyThenDelete(src, dest)
}

func copyThenDelete(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := dest + ".moving"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Remove(src)
}
