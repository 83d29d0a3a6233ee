// Package downloader executes the decider's chosen strategy, streaming
// bytes into the content store with mandatory hash verification at
// insert time. Bounded parallelism for the incremental path follows
// registry/storage/garbagecollect.go's errgroup.WithContext +
// g.SetLimit(opts.MaxConcurrency) pattern.
package downloader

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/runwork/shell/bundlemanifest"
	"github.com/runwork/shell/cas/rediscache"
	"github.com/runwork/shell/decider"
	"github.com/runwork/shell/fetcher"
	"github.com/runwork/shell/internal/bundlectx"
	"github.com/runwork/shell/internal/bundleerr"
	"github.com/runwork/shell/platform"
	"github.com/runwork/shell/storagemgr"
)

// MaxConcurrency bounds simultaneous incremental file downloads at 5.
const MaxConcurrency = 5

// Progress is the aggregate byte progress of one Execute call.
type Progress struct {
	BytesDownloaded int64
	TotalBytes      int64
}

// ProgressFunc is invoked as bytes land, in causal order: the incremental
// path delivers callbacks one at a time under a mutex, each carrying the
// running total at that point, so reported totals never go backwards.
type ProgressFunc func(Progress)

// Downloader executes a decider.Decision against one manifest/platform.
type Downloader struct {
	fetcher *fetcher.Fetcher
	urls    *fetcher.URLBuilder
	cache   *rediscache.Cache
}

// New returns a Downloader issuing requests through f against routes
// rooted at urls.
func New(f *fetcher.Fetcher, urls *fetcher.URLBuilder) *Downloader {
	return &Downloader{fetcher: f, urls: urls}
}

// SetCache attaches the optional shared digest cache consulted before each
// incremental blob fetch and updated after each successful insert. A nil
// cache (the default) disables the optimization entirely.
func (d *Downloader) SetCache(cache *rediscache.Cache) {
	d.cache = cache
}

// Execute downloads whatever decision.Decide chose into the CAS, using
// tempDir for staging. A NoDownloadNeeded decision is a no-op.
func (d *Downloader) Execute(ctx context.Context, ws *storagemgr.WriteScope, manifest *bundlemanifest.Manifest, p platform.ID, decision decider.Decision, tempDir string, onProgress ProgressFunc) error {
	switch decision.Kind {
	case decider.NoDownloadNeeded:
		return nil
	case decider.FullArchive:
		return d.executeFullArchive(ctx, ws, manifest, p, decision, tempDir, onProgress)
	case decider.Incremental:
		return d.executeIncremental(ctx, ws, decision, tempDir, onProgress)
	default:
		return fmt.Errorf("downloader: unknown decision kind %v", decision.Kind)
	}
}

func (d *Downloader) executeFullArchive(ctx context.Context, ws *storagemgr.WriteScope, manifest *bundlemanifest.Manifest, p platform.ID, decision decider.Decision, tempDir string, onProgress ProgressFunc) error {
	log := bundlectx.GetLogger(ctx)

	zipPath, ok := manifest.ZipPathForPlatform(p)
	if !ok {
		return bundleerr.New(bundleerr.KindPlatform, "manifest has no zip for this platform", nil)
	}

	resp, err := d.fetcher.Get(ctx, d.urls.Zip(zipPath))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	archiveFile, err := os.CreateTemp(tempDir, "archive-*.zip")
	if err != nil {
		return bundleerr.New(bundleerr.KindFilesystemOp, "creating archive temp file", err)
	}
	archivePath := archiveFile.Name()
	defer os.Remove(archivePath)

	var downloaded int64
	total := decision.TotalSize
	counter := &countingWriter{w: archiveFile, onWrite: func(n int64) {
		downloaded += n
		if onProgress != nil {
			onProgress(Progress{BytesDownloaded: downloaded, TotalBytes: total})
		}
	}}

	_, copyErr := io.Copy(counter, resp.Body)
	closeErr := archiveFile.Close()
	if copyErr != nil {
		if ctx.Err() != nil {
			return bundleerr.New(bundleerr.KindCancelled, "archive download cancelled", ctx.Err())
		}
		return bundleerr.New(bundleerr.KindNetwork, "streaming archive", copyErr)
	}
	if closeErr != nil {
		return bundleerr.New(bundleerr.KindFilesystemOp, "closing archive temp file", closeErr)
	}

	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return bundleerr.New(bundleerr.KindParse, "opening downloaded archive", err)
	}
	defer zr.Close()

	for _, entry := range zr.File {
		if err := ctx.Err(); err != nil {
			return bundleerr.New(bundleerr.KindCancelled, "archive extraction cancelled", err)
		}

		expected, err := bundlemanifest.NewFileHash(entry.Name)
		if err != nil {
			log.Warnf("downloader: skipping archive entry %q: not a hex digest name", entry.Name)
			continue
		}

		if err := d.extractEntry(ws, entry, expected, tempDir); err != nil {
			return err
		}
	}

	return nil
}

func (d *Downloader) extractEntry(ws *storagemgr.WriteScope, entry *zip.File, expected bundlemanifest.FileHash, tempDir string) error {
	rc, err := entry.Open()
	if err != nil {
		return bundleerr.New(bundleerr.KindParse, fmt.Sprintf("opening archive entry %q", entry.Name), err)
	}
	defer rc.Close()

	tmp, err := os.CreateTemp(tempDir, "blob-*")
	if err != nil {
		return bundleerr.New(bundleerr.KindFilesystemOp, "creating blob temp file", err)
	}
	tmpPath := tmp.Name()

	_, copyErr := io.Copy(tmp, rc)
	closeErr := tmp.Close()
	if copyErr != nil {
		os.Remove(tmpPath)
		return bundleerr.New(bundleerr.KindParse, fmt.Sprintf("reading archive entry %q", entry.Name), copyErr)
	}
	if closeErr != nil {
		os.Remove(tmpPath)
		return bundleerr.New(bundleerr.KindFilesystemOp, "closing blob temp file", closeErr)
	}

	return ws.CAS().InsertFrom(context.Background(), tmpPath, expected)
}

func (d *Downloader) executeIncremental(ctx context.Context, ws *storagemgr.WriteScope, decision decider.Decision, tempDir string, onProgress ProgressFunc) error {
	total := decision.TotalDataSize
	var (
		mu         sync.Mutex
		downloaded int64
	)
	report := func(n int64) {
		mu.Lock()
		defer mu.Unlock()
		downloaded += n
		if onProgress != nil {
			onProgress(Progress{BytesDownloaded: downloaded, TotalBytes: total})
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(MaxConcurrency)

	for _, f := range decision.Files {
		f := f
		g.Go(func() error {
			return d.downloadOne(gctx, ws, f, tempDir, report)
		})
	}

	return g.Wait()
}

func (d *Downloader) downloadOne(ctx context.Context, ws *storagemgr.WriteScope, f bundlemanifest.File, tempDir string, report func(n int64)) error {
	if d.cache != nil {
		if seen, err := d.cache.Seen(ctx, f.Hash); err != nil {
			bundlectx.GetLogger(ctx).Warnf("downloader: checking digest cache for %q: %v", f.Path, err)
		} else if seen && ws.CAS().Contains(f.Hash) {
			report(f.Size)
			return nil
		}
	}

	resp, err := d.fetcher.Get(ctx, d.urls.Blob(f.Hash.Hex()))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	tmp, err := os.CreateTemp(tempDir, "blob-*")
	if err != nil {
		return bundleerr.New(bundleerr.KindFilesystemOp, "creating blob temp file", err)
	}
	tmpPath := tmp.Name()

	counter := &countingWriter{w: tmp, onWrite: report}

	_, copyErr := io.Copy(counter, resp.Body)
	closeErr := tmp.Close()
	if copyErr != nil {
		os.Remove(tmpPath)
		if ctx.Err() != nil {
			return bundleerr.New(bundleerr.KindCancelled, "blob download cancelled", ctx.Err())
		}
		return bundleerr.New(bundleerr.KindNetwork, fmt.Sprintf("streaming file %q", f.Path), copyErr)
	}
	if closeErr != nil {
		os.Remove(tmpPath)
		return bundleerr.New(bundleerr.KindFilesystemOp, "closing blob temp file", closeErr)
	}

	if err := ws.CAS().InsertFrom(ctx, tmpPath, f.Hash); err != nil {
		return err
	}

	if d.cache != nil {
		if err := d.cache.MarkSeen(ctx, f.Hash); err != nil {
			bundlectx.GetLogger(ctx).Warnf("downloader: marking %q seen in digest cache: %v", f.Path, err)
		}
	}
	return nil
}

// countingWriter reports bytes written as they land, the same shape as
// wrapping an io.Writer with a byte counter for progress - used instead
// of a full io.TeeReader since we only need the count, not a second
// destination.
type countingWriter struct {
	w       io.Writer
	onWrite func(n int64)
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	if n > 0 && c.onWrite != nil {
		c.onWrite(int64(n))
	}
	return n, err
}
