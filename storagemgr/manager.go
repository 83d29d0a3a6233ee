package storagemgr

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/runwork/shell/bundlemanifest"
	"github.com/runwork/shell/cas"
	"github.com/runwork/shell/internal/bundleerr"
	"github.com/runwork/shell/platform"
)

// ErrNoManifest is returned by CurrentManifest when bundleDir has never
// been finalized: manifest.json, the marker of a finalized bundle, is
// absent.
var ErrNoManifest = errors.New("storagemgr: no manifest.json present")

// Manager owns bundleDir exclusively, exposing read methods freely and
// gating every mutation through WithWriteScope, the same "wrap every
// mutating call" discipline registry/storage/driver/base.Base applies
// to a StorageDriver, adapted here to a single mutex-guarded scope value
// instead of per-call wrapping.
type Manager struct {
	p   paths
	cas *cas.Store

	mu sync.Mutex
}

// New opens (creating if absent) the bundleDir layout:
// cas/, versions/, temp/.
func New(bundleDir string) (*Manager, error) {
	p := newPaths(bundleDir)

	store, err := cas.New(p.casDir())
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(p.versionsDir(), 0o777); err != nil {
		return nil, bundleerr.New(bundleerr.KindFilesystemOp, "creating versions directory", err)
	}
	if err := os.MkdirAll(p.tempDir(), 0o777); err != nil {
		return nil, bundleerr.New(bundleerr.KindFilesystemOp, "creating temp directory", err)
	}

	return &Manager{p: p, cas: store}, nil
}

// BundleDir returns the root directory this Manager owns.
func (m *Manager) BundleDir() string { return m.p.root }

// CAS returns the ContentStore backing this bundleDir. Reads are always
// permitted; inserts should normally happen through a WriteScope's
// Downloader collaborator, but the Store itself has no opinion on that -
// it is the caller's discipline that matters here, as in the source.
func (m *Manager) CAS() *cas.Store { return m.cas }

// TempDir returns bundleDir/temp, where in-flight downloads are staged.
func (m *Manager) TempDir() string { return m.p.tempDir() }

// VersionPath returns the materialized directory for buildNumber,
// whether or not it currently exists.
func (m *Manager) VersionPath(buildNumber int64) string {
	return m.p.versionDir(buildNumber)
}

// VersionExists reports whether versions/<buildNumber>/ is present.
func (m *Manager) VersionExists(buildNumber int64) bool {
	info, err := os.Stat(m.p.versionDir(buildNumber))
	return err == nil && info.IsDir()
}

// CurrentManifest loads and parses manifest.json, preserving its raw
// bytes for signature re-verification. Returns ErrNoManifest if absent.
func (m *Manager) CurrentManifest() (*bundlemanifest.Deserialized, error) {
	raw, err := os.ReadFile(m.p.manifestFile())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoManifest
		}
		return nil, bundleerr.New(bundleerr.KindFilesystemOp, "reading manifest.json", err)
	}
	return bundlemanifest.ParseManifest(raw)
}

// CurrentBuildNumber returns the on-disk manifest's buildNumber, or 0 if
// no manifest is present - the baseline the engine's downgrade-prevention
// check compares against.
func (m *Manager) CurrentBuildNumber() int64 {
	d, err := m.CurrentManifest()
	if err != nil {
		return 0
	}
	return d.BuildNumber
}

// ListVersions enumerates the buildNumbers materialized under versions/,
// for CleanupManager's sweep phase.
func (m *Manager) ListVersions() ([]int64, error) {
	entries, err := os.ReadDir(m.p.versionsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, bundleerr.New(bundleerr.KindFilesystemOp, "listing versions", err)
	}

	out := make([]int64, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		var n int64
		if _, err := fmt.Sscanf(e.Name(), "%d", &n); err != nil {
			continue
		}
		out = append(out, n)
	}
	return out, nil
}

// WithWriteScope acquires the single process-wide write lock for
// bundleDir and runs op against a WriteScope, the only value through
// which PrepareVersion, SaveManifest, DeleteVersion, and CleanupTemp are
// reachable - generalizing the "methods only through Base" embedding
// discipline seen elsewhere in this codebase into a function-scoped
// guard. Non-reentrant: calling WithWriteScope again from inside op
// deadlocks.
func (m *Manager) WithWriteScope(op func(ws *WriteScope) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ws := &WriteScope{m: m}
	return op(ws)
}

// WriteScope is the gatekeeper for mutation: mutations to bundleDir
// exist only as methods on this type, obtainable only inside
// WithWriteScope's locked region.
type WriteScope struct {
	m *Manager
}

// PrepareVersion materializes versions/<manifest.BuildNumber>/ by
// linking each file applicable to platform back into the CAS.
// Idempotent: an already-correct link is left untouched.
func (ws *WriteScope) PrepareVersion(manifest *bundlemanifest.Manifest, p platform.ID) error {
	m := ws.m
	buildNumber := manifest.BuildNumber
	versionDir := m.p.versionDir(buildNumber)

	if err := os.MkdirAll(versionDir, 0o777); err != nil {
		return bundleerr.New(bundleerr.KindFilesystemOp, "creating version directory", err)
	}

	for _, f := range manifest.FilesForPlatform(p) {
		blobPath, ok := m.cas.PathOf(f.Hash)
		if !ok {
			return bundleerr.New(bundleerr.KindIntegrityGap,
				fmt.Sprintf("file %q (hash %s) missing from cas during materialization", f.Path, f.Hash), nil)
		}

		dest := m.p.versionedFile(buildNumber, f.Path)
		if alreadyLinked(dest, blobPath) {
			continue
		}

		if err := os.MkdirAll(filepath.Dir(dest), 0o777); err != nil {
			return bundleerr.New(bundleerr.KindFilesystemOp, "creating version subdirectory", err)
		}
		// Remove whatever is there, if anything: a stale regular file, a
		// broken symlink, or a link to the wrong blob.
		os.Remove(dest)

		if err := linkFromCAS(blobPath, dest); err != nil {
			return bundleerr.New(bundleerr.KindFilesystemOp,
				fmt.Sprintf("linking %q into version directory", f.Path), err)
		}
	}

	return nil
}

// alreadyLinked reports whether dest already resolves to blobPath,
// letting PrepareVersion skip a redundant relink.
func alreadyLinked(dest, blobPath string) bool {
	if runtime.GOOS == "windows" {
		di, err1 := os.Stat(dest)
		bi, err2 := os.Stat(blobPath)
		return err1 == nil && err2 == nil && os.SameFile(di, bi)
	}

	target, err := os.Readlink(dest)
	if err != nil {
		return false
	}
	resolved := target
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(filepath.Dir(dest), target)
	}
	return filepath.Clean(resolved) == filepath.Clean(blobPath)
}

// linkFromCAS creates dest as a link back to blobPath: a relative
// symlink on macOS/Linux (survives a directory move of bundleDir), a
// hard link on Windows (symlinks there require elevated privilege).
func linkFromCAS(blobPath, dest string) error {
	if runtime.GOOS == "windows" {
		return os.Link(blobPath, dest)
	}

	rel, err := filepath.Rel(filepath.Dir(dest), blobPath)
	if err != nil {
		rel = blobPath
	}
	return os.Symlink(rel, dest)
}

// SaveManifest writes raw (the exact bytes whose signature was already
// verified) to manifest.json atomically: write-to-temp, then rename.
// Writing manifest.json is the final step of finalization; its existence
// pointing at build N is the durable "N is usable" signal.
func (ws *WriteScope) SaveManifest(raw []byte) error {
	m := ws.m
	tmp := m.p.manifestTempFile()

	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return bundleerr.New(bundleerr.KindFilesystemOp, "writing manifest temp file", err)
	}
	if err := os.Rename(tmp, m.p.manifestFile()); err != nil {
		os.Remove(tmp)
		return bundleerr.New(bundleerr.KindFilesystemOp, "renaming manifest into place", err)
	}
	return nil
}

// DeleteVersion removes versions/<buildNumber>/ entirely.
func (ws *WriteScope) DeleteVersion(buildNumber int64) error {
	if err := os.RemoveAll(ws.m.p.versionDir(buildNumber)); err != nil {
		return bundleerr.New(bundleerr.KindFilesystemOp, "deleting version directory", err)
	}
	return nil
}

// CleanupTemp purges temp/ and recreates it empty. Always safe: nothing
// under temp/ is ever the sole copy of anything.
func (ws *WriteScope) CleanupTemp() error {
	if err := os.RemoveAll(ws.m.p.tempDir()); err != nil {
		return bundleerr.New(bundleerr.KindFilesystemOp, "purging temp directory", err)
	}
	if err := os.MkdirAll(ws.m.p.tempDir(), 0o777); err != nil {
		return bundleerr.New(bundleerr.KindFilesystemOp, "recreating temp directory", err)
	}
	return nil
}

// CAS exposes the ContentStore for mutation within the write scope (the
// Downloader inserts blobs while holding one).
func (ws *WriteScope) CAS() *cas.Store { return ws.m.cas }
