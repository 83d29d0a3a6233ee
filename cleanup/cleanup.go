// Package cleanup implements mark-and-sweep of non-current versions and
// unreferenced CAS blobs, grounded directly on
// registry/storage/garbagecollect.go's own mark-and-sweep shape (walk the
// referenced set, delete everything in the store that isn't in it) and
// its "log and skip" handling of individual deletion failures, carried
// into this package's Stats type (renamed from GCStats, trimmed to the
// three counters this domain has).
package cleanup

import (
	"context"

	"github.com/runwork/shell/bundlemanifest"
	"github.com/runwork/shell/internal/bundlectx"
	"github.com/runwork/shell/platform"
	"github.com/runwork/shell/storagemgr"
)

// Stats is the result of one Run.
type Stats struct {
	VersionsRemoved int
	CASFilesRemoved int
	BytesFreed      int64
}

// Manager runs cleanup against one bundleDir.
type Manager struct {
	mgr *storagemgr.Manager
}

// New returns a Manager for mgr.
func New(mgr *storagemgr.Manager) *Manager {
	return &Manager{mgr: mgr}
}

// Run purges the temp directory, removes every materialized version
// except currentManifest's, and removes every CAS blob not referenced by
// currentManifest, inside one write scope. Callers must only invoke Run
// when the engine has just confirmed currentManifest.BuildNumber equals
// the server's - this package does not re-derive that precondition; the
// engine decides when cleanup may run.
func (m *Manager) Run(ctx context.Context, currentManifest *bundlemanifest.Manifest, p platform.ID) (Stats, error) {
	log := bundlectx.GetLogger(ctx)
	var stats Stats

	err := m.mgr.WithWriteScope(func(ws *storagemgr.WriteScope) error {
		if err := ws.CleanupTemp(); err != nil {
			return err
		}

		versions, err := m.mgr.ListVersions()
		if err != nil {
			return err
		}
		for _, v := range versions {
			if v == currentManifest.BuildNumber {
				continue
			}
			if err := ws.DeleteVersion(v); err != nil {
				log.Warnf("cleanup: deleting version %d: %v", v, err)
				continue
			}
			stats.VersionsRemoved++
		}

		referenced := make(map[string]struct{})
		for _, f := range currentManifest.FilesForPlatform(p) {
			referenced[f.Hash.Hex()] = struct{}{}
		}

		hashes, err := ws.CAS().ListHashes()
		if err != nil {
			return err
		}
		for _, h := range hashes {
			if _, keep := referenced[h.Hex()]; keep {
				continue
			}
			blobPath, ok := ws.CAS().PathOf(h)
			var size int64
			if ok {
				if info, statErr := statSize(blobPath); statErr == nil {
					size = info
				}
			}
			if !ws.CAS().Delete(h) {
				log.Warnf("cleanup: deleting unreferenced blob %s: not found (already removed?)", h)
				continue
			}
			stats.CASFilesRemoved++
			stats.BytesFreed += size
		}

		return nil
	})

	return stats, err
}
