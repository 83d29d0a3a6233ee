// Package validator checks an installed bundle's integrity and repairs
// broken version links on demand. Bounded-parallel per-file verification
// is grounded on the same errgroup.WithContext + SetLimit pattern
// registry/storage/garbagecollect.go uses for its mark phase; repair
// grounded on storagemgr.WriteScope.PrepareVersion's idempotency
// contract (re-running it only touches what is actually wrong).
package validator

import (
	"context"
	"crypto/ed25519"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/runwork/shell/bundlemanifest"
	"github.com/runwork/shell/internal/bundlectx"
	"github.com/runwork/shell/internal/bundleerr"
	"github.com/runwork/shell/platform"
	"github.com/runwork/shell/sigverify"
	"github.com/runwork/shell/storagemgr"
)

// ResultKind tags which of Result's payload fields apply.
type ResultKind int

const (
	Valid ResultKind = iota
	NoBundle
	ShellUpdateRequired
	Failed
	NetworkError
)

// FileFailure records one file that failed verification.
type FileFailure struct {
	Path     string
	Expected bundlemanifest.FileHash
	Actual   bundlemanifest.FileHash // zero value if unreadable rather than mismatched
	Reason   string
}

// Progress is a (filesVerified, totalFiles, bytesVerified, totalBytes)
// snapshot of an in-progress verification.
type Progress struct {
	FilesVerified int
	TotalFiles    int
	BytesVerified int64
	TotalBytes    int64
}

// ProgressFunc is invoked as verification proceeds through step 6.
type ProgressFunc func(Progress)

// Result is the sealed outcome of a validation run.
type Result struct {
	Kind ResultKind

	Manifest    *bundlemanifest.Deserialized // Valid
	VersionPath string                       // Valid

	CurrentShellVersion  int    // ShellUpdateRequired
	RequiredShellVersion int    // ShellUpdateRequired
	UpdateURL            string // ShellUpdateRequired

	Reason   string        // Failed, NetworkError
	Failures []FileFailure // Failed
}

// MaxConcurrency bounds simultaneous file verifications at 5.
const MaxConcurrency = 5

// Validator validates and repairs one bundleDir/platform pair.
type Validator struct {
	mgr          *storagemgr.Manager
	pub          ed25519.PublicKey
	shellVersion int
	platform     platform.ID
}

// New returns a Validator for mgr, verifying signatures against pub and
// comparing minShellVersion against shellVersion, for the given platform.
func New(mgr *storagemgr.Manager, pub ed25519.PublicKey, shellVersion int, p platform.ID) *Validator {
	return &Validator{mgr: mgr, pub: pub, shellVersion: shellVersion, platform: p}
}

// Validate checks the current manifest's signature, platform support,
// minimum shell version, and per-file integrity, end to end.
func (v *Validator) Validate(ctx context.Context, onProgress ProgressFunc) (Result, error) {
	manifest, err := v.mgr.CurrentManifest()
	if err != nil {
		if err == storagemgr.ErrNoManifest {
			return Result{Kind: NoBundle}, nil
		}
		if bundleerr.Of(err) == bundleerr.KindParse {
			return Result{Kind: Failed, Reason: "parse"}, nil
		}
		return Result{Kind: NetworkError, Reason: err.Error()}, nil
	}

	if err := sigverify.Verify(manifest, v.pub); err != nil {
		return Result{Kind: Failed, Reason: "signature"}, nil
	}

	if !manifest.SupportsPlatform(v.platform) {
		return Result{Kind: Failed, Reason: "platform"}, nil
	}

	if v.shellVersion < manifest.MinShellVersion {
		updateURL := ""
		if manifest.ShellUpdateURL != nil {
			updateURL = *manifest.ShellUpdateURL
		}
		return Result{
			Kind:                 ShellUpdateRequired,
			CurrentShellVersion:  v.shellVersion,
			RequiredShellVersion: manifest.MinShellVersion,
			UpdateURL:            updateURL,
		}, nil
	}

	if !v.mgr.VersionExists(manifest.BuildNumber) {
		return Result{Kind: NoBundle}, nil
	}

	failures, err := v.verifyFiles(ctx, manifest, onProgress)
	if err != nil {
		return Result{}, err
	}
	if len(failures) > 0 {
		return Result{Kind: Failed, Reason: "file verification", Failures: failures}, nil
	}

	return Result{
		Kind:        Valid,
		Manifest:    manifest,
		VersionPath: v.mgr.VersionPath(manifest.BuildNumber),
	}, nil
}

func (v *Validator) verifyFiles(ctx context.Context, manifest *bundlemanifest.Deserialized, onProgress ProgressFunc) ([]FileFailure, error) {
	files := manifest.FilesForPlatform(v.platform)

	var totalBytes int64
	for _, f := range files {
		totalBytes += f.Size
	}

	var (
		mu            sync.Mutex
		failures      []FileFailure
		filesVerified int32
		bytesVerified int64
	)

	report := func() {
		if onProgress == nil {
			return
		}
		onProgress(Progress{
			FilesVerified: int(atomic.LoadInt32(&filesVerified)),
			TotalFiles:    len(files),
			BytesVerified: atomic.LoadInt64(&bytesVerified),
			TotalBytes:    totalBytes,
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(MaxConcurrency)

	for _, f := range files {
		f := f
		g.Go(func() error {
			failure, err := v.verifyOneFile(gctx, manifest, f)
			if err != nil {
				return err
			}
			if failure != nil {
				mu.Lock()
				failures = append(failures, *failure)
				mu.Unlock()
			}
			atomic.AddInt32(&filesVerified, 1)
			atomic.AddInt64(&bytesVerified, f.Size)
			report()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return failures, nil
}

func (v *Validator) verifyOneFile(ctx context.Context, manifest *bundlemanifest.Deserialized, f bundlemanifest.File) (*FileFailure, error) {
	log := bundlectx.GetLogger(ctx)

	store := v.mgr.CAS()
	blobPath, ok := store.PathOf(f.Hash)
	if !ok {
		return &FileFailure{Path: f.Path, Expected: f.Hash, Reason: "CAS file missing"}, nil
	}

	actual, err := store.HashOf(blobPath)
	if err != nil {
		return &FileFailure{Path: f.Path, Expected: f.Hash, Reason: "CAS file unreadable"}, nil
	}
	if !actual.Equal(f.Hash) {
		return &FileFailure{Path: f.Path, Expected: f.Hash, Actual: actual, Reason: "CAS file corrupted"}, nil
	}

	if v.needsLinkRepair(manifest, f) {
		err := v.mgr.WithWriteScope(func(ws *storagemgr.WriteScope) error {
			return ws.PrepareVersion(&manifest.Manifest, v.platform)
		})
		if err != nil {
			log.Warnf("validator: repairing link for %q: %v", f.Path, err)
			return &FileFailure{Path: f.Path, Expected: f.Hash, Reason: "link repair failed"}, nil
		}
	}

	return nil, nil
}

// needsLinkRepair reports whether versions/<buildNumber>/<f.Path> is
// absent or does not resolve to a file matching f.Hash. Reading through
// the path (rather than inspecting link metadata) works uniformly for
// both the symlink and hard-link materialization strategies.
func (v *Validator) needsLinkRepair(manifest *bundlemanifest.Deserialized, f bundlemanifest.File) bool {
	versionedPath := filepath.Join(v.mgr.VersionPath(manifest.BuildNumber), filepath.FromSlash(f.Path))

	if _, err := os.Stat(versionedPath); err != nil {
		return true
	}

	actual, err := v.mgr.CAS().HashOf(versionedPath)
	if err != nil {
		return true
	}
	return !actual.Equal(f.Hash)
}
