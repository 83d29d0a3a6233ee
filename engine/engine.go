package engine

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"io"
	"math"
	"time"

	events "github.com/docker/go-events"

	"github.com/runwork/shell/bundlemanifest"
	"github.com/runwork/shell/cas/rediscache"
	"github.com/runwork/shell/cleanup"
	"github.com/runwork/shell/decider"
	"github.com/runwork/shell/downloader"
	"github.com/runwork/shell/fetcher"
	"github.com/runwork/shell/internal/bundlectx"
	"github.com/runwork/shell/internal/bundleerr"
	"github.com/runwork/shell/internal/config"
	"github.com/runwork/shell/loader"
	"github.com/runwork/shell/platform"
	"github.com/runwork/shell/sigverify"
	"github.com/runwork/shell/storagemgr"
	"github.com/runwork/shell/validator"
)

// digestCacheTTL bounds how long a shared digest-cache confirmation is
// trusted before the Downloader falls back to re-fetching normally.
const digestCacheTTL = 10 * time.Minute

// Engine orchestrates validating, downloading, and launching a locally
// cached bundle, retrying failed downloads with exponential backoff. It
// owns the Fetcher and releases it on Close.
type Engine struct {
	mgr        *storagemgr.Manager
	fetcher    *fetcher.Fetcher
	urls       *fetcher.URLBuilder
	validator  *validator.Validator
	downloader *downloader.Downloader
	cleanupMgr *cleanup.Manager
	loader     loader.Loader
	cache      *rediscache.Cache
	bus        *bus

	pub           ed25519.PublicKey
	shellVersion  int
	platform      platform.ID
	retry         config.Retry
	checkInterval time.Duration
	cfg           *config.Config
}

// New builds an Engine from cfg. ld is typically loader.New(); tests may
// substitute a stub.
func New(cfg *config.Config, ld loader.Loader) (*Engine, error) {
	pub, err := sigverify.ParsePublicKey(cfg.PublicKey)
	if err != nil {
		return nil, err
	}

	var p platform.ID
	if cfg.Platform != "" {
		p, err = platform.Parse(cfg.Platform)
	} else {
		p, err = platform.Detect()
	}
	if err != nil {
		return nil, err
	}

	mgr, err := storagemgr.New(cfg.BundleDir())
	if err != nil {
		return nil, err
	}

	urls, err := fetcher.NewURLBuilder(cfg.BaseURL)
	if err != nil {
		return nil, err
	}

	f := fetcher.New(30 * time.Second)

	dl := downloader.New(f, urls)

	var cache *rediscache.Cache
	if cfg.RedisAddr != "" {
		cache = rediscache.New(cfg.RedisAddr, digestCacheTTL)
		dl.SetCache(cache)
	}

	return &Engine{
		mgr:           mgr,
		fetcher:       f,
		urls:          urls,
		validator:     validator.New(mgr, pub, cfg.ShellVersion, p),
		downloader:    dl,
		cleanupMgr:    cleanup.New(mgr),
		loader:        ld,
		cache:         cache,
		bus:           newBus(),
		pub:           pub,
		shellVersion:  cfg.ShellVersion,
		platform:      p,
		retry:         cfg.Retry,
		checkInterval: cfg.CheckInterval,
		cfg:           cfg,
	}, nil
}

// Events returns the channel of progress events this Engine emits, in
// causal order.
func (e *Engine) Events() <-chan events.Event {
	return e.bus.Events()
}

// Close releases the Fetcher, the digest cache connection (if any), and
// the event bus.
func (e *Engine) Close() error {
	e.bus.close()
	if e.cache != nil {
		if err := e.cache.Close(); err != nil {
			return err
		}
	}
	return e.fetcher.Close()
}

// ValidateAndLaunch validates the currently cached bundle and launches
// it, falling back to a download when none is valid.
func (e *Engine) ValidateAndLaunch(ctx context.Context) (int, error) {
	e.bus.emit(Event{Kind: EventValidating})

	result, err := e.validator.Validate(ctx, nil)
	if err != nil {
		e.emitFailed("validation error", true, err)
		return -1, err
	}

	switch result.Kind {
	case validator.Valid:
		e.bus.emit(Event{Kind: EventLaunching})
		return e.launch(ctx, &result)

	case validator.NoBundle, validator.Failed:
		return e.downloadAndLaunch(ctx)

	case validator.ShellUpdateRequired:
		e.bus.emit(Event{
			Kind:                 EventShellUpdateRequired,
			CurrentShellVersion:  result.CurrentShellVersion,
			RequiredShellVersion: result.RequiredShellVersion,
			UpdateURL:            result.UpdateURL,
		})
		return -1, nil

	case validator.NetworkError:
		e.emitFailed(result.Reason, true, nil)
		return -1, nil

	default:
		return -1, fmt.Errorf("engine: unexpected validation result kind %v", result.Kind)
	}
}

func (e *Engine) downloadAndLaunch(ctx context.Context) (int, error) {
	dr := e.downloadLatestWithRetry(ctx)

	switch dr.Kind {
	case DownloadSuccess:
		result, err := e.validator.Validate(ctx, nil)
		if err != nil || result.Kind != validator.Valid {
			e.emitFailed("validation failed after download", false, err)
			return -1, err
		}
		e.bus.emit(Event{Kind: EventLaunching})
		return e.launch(ctx, &result)

	case DownloadAlreadyUpToDate:
		e.emitFailed("validation failed and no update available", false, nil)
		return -1, nil

	case DownloadFailure:
		e.emitFailed(dr.Err.Error(), dr.Retryable, dr.Err)
		return -1, dr.Err

	case DownloadCancelled:
		e.emitFailed("cancelled", false, ctx.Err())
		return -1, ctx.Err()

	default:
		return -1, fmt.Errorf("engine: unexpected download result kind %v", dr.Kind)
	}
}

func (e *Engine) launch(ctx context.Context, result *validator.Result) (int, error) {
	cfg := loader.LaunchConfig{
		AppDataDir:         e.cfg.AppDataDir,
		BundleSubdirectory: e.cfg.BundleSubdirectory,
		BaseURL:            e.cfg.BaseURL,
		PublicKey:          e.cfg.PublicKey,
		Platform:           e.platform.String(),
		ShellVersion:       e.shellVersion,
		CurrentBuildNumber: result.Manifest.BuildNumber,
	}
	return e.loader.Launch(ctx, result.VersionPath, result.Manifest.MainClass, cfg)
}

// DownloadLatest runs one retried download_latest cycle without
// launching anything, for callers (e.g. the background flow, or a
// standalone "update" CLI verb) that only care about storage ending up
// current.
func (e *Engine) DownloadLatest(ctx context.Context) DownloadResult {
	return e.downloadLatestWithRetry(ctx)
}

// downloadLatestWithRetry wraps downloadLatestOnce with an exponential
// backoff policy: a BackingOff event before each sleep, and immediate
// termination on a non-recoverable error. It performs the initial attempt
// plus up to retry.MaxAttempts retries after it (MaxAttempts=3 means at
// most 4 attempts total), matching the backoff policy's retry count.
func (e *Engine) downloadLatestWithRetry(ctx context.Context) DownloadResult {
	delay := e.retry.InitialDelay
	if delay <= 0 {
		delay = time.Second
	}

	var lastResult DownloadResult
	for attempt := 0; ; attempt++ {
		lastResult = e.downloadLatestOnce(ctx)
		if lastResult.Kind != DownloadFailure || !lastResult.Retryable {
			return lastResult
		}
		if attempt >= e.retry.MaxAttempts {
			return lastResult
		}

		next := time.Now().Add(delay)
		e.bus.emit(Event{
			Kind:          EventBackingOff,
			RetryNumber:   attempt + 1,
			DelaySeconds:  delay.Seconds(),
			NextRetryTime: next,
			Cause:         lastResult.Err,
		})

		select {
		case <-ctx.Done():
			return DownloadResult{Kind: DownloadCancelled}
		case <-time.After(delay):
		}

		multiplier := e.retry.Multiplier
		if multiplier <= 0 {
			multiplier = 2
		}
		maxDelay := e.retry.MaxDelay
		if maxDelay <= 0 {
			maxDelay = 60 * time.Second
		}
		delay = time.Duration(math.Min(float64(delay)*multiplier, float64(maxDelay)))
	}
}

// downloadLatestOnce is one attempt at fetching the latest manifest:
// fetch, verify, check the platform, enforce downgrade prevention, plan,
// execute, and finalize - all within a single write scope for the
// mutating half.
func (e *Engine) downloadLatestOnce(ctx context.Context) DownloadResult {
	if ctx.Err() != nil {
		return DownloadResult{Kind: DownloadCancelled}
	}

	resp, err := e.fetcher.Get(ctx, e.urls.Manifest())
	if err != nil {
		return classify(err)
	}
	raw, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return classify(bundleerr.New(bundleerr.KindNetwork, "reading manifest body", err))
	}

	manifest, err := bundlemanifest.ParseManifest(raw)
	if err != nil {
		return DownloadResult{Kind: DownloadFailure, Err: err, Retryable: false}
	}

	if err := sigverify.Verify(manifest, e.pub); err != nil {
		return DownloadResult{Kind: DownloadFailure, Err: err, Retryable: false}
	}

	if !manifest.SupportsPlatform(e.platform) {
		return DownloadResult{
			Kind:      DownloadFailure,
			Err:       bundleerr.New(bundleerr.KindPlatform, "manifest does not declare the running platform", nil),
			Retryable: false,
		}
	}

	currentBuild := e.mgr.CurrentBuildNumber()
	if manifest.BuildNumber <= currentBuild {
		return DownloadResult{Kind: DownloadAlreadyUpToDate}
	}

	e.bus.emit(Event{Kind: EventDownloadDeciding})
	decision := decider.Decide(&manifest.Manifest, e.platform, e.mgr.CAS())

	err = e.mgr.WithWriteScope(func(ws *storagemgr.WriteScope) error {
		e.bus.emit(Event{Kind: EventDownloading})
		onProgress := func(p downloader.Progress) {
			e.bus.emit(Event{Kind: EventDownloading, Progress: p})
		}
		if err := e.downloader.Execute(ctx, ws, &manifest.Manifest, e.platform, decision, e.mgr.TempDir(), onProgress); err != nil {
			return err
		}

		e.bus.emit(Event{Kind: EventFinalizing})
		if err := ws.PrepareVersion(&manifest.Manifest, e.platform); err != nil {
			return err
		}
		return ws.SaveManifest(manifest.Raw())
	})
	if err != nil {
		return classify(err)
	}

	return DownloadResult{Kind: DownloadSuccess}
}

// CheckAndDownload runs one iteration of the background flow: run the
// same pipeline as downloadLatestOnce (with retry), and when the engine
// concludes it is up to date, run cleanup.
func (e *Engine) CheckAndDownload(ctx context.Context) error {
	dr := e.downloadLatestWithRetry(ctx)

	switch dr.Kind {
	case DownloadSuccess, DownloadAlreadyUpToDate:
		manifest, err := e.mgr.CurrentManifest()
		if err != nil {
			return nil
		}
		stats, err := e.cleanupMgr.Run(ctx, &manifest.Manifest, e.platform)
		if err != nil {
			bundlectx.GetLogger(ctx).Warnf("engine: cleanup failed: %v", err)
			return nil
		}
		e.bus.emit(Event{Kind: EventCleanupComplete, Stats: stats})
		return nil

	case DownloadFailure:
		e.emitFailed(dr.Err.Error(), dr.Retryable, dr.Err)
		return dr.Err

	case DownloadCancelled:
		return ctx.Err()

	default:
		return nil
	}
}

// RunInBackground loops CheckAndDownload every checkInterval until ctx
// is cancelled. A failed iteration is logged and does not stop the loop;
// only cancellation does.
func (e *Engine) RunInBackground(ctx context.Context) error {
	interval := e.checkInterval
	if interval <= 0 {
		interval = time.Hour
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := e.CheckAndDownload(ctx); err != nil {
			bundlectx.GetLogger(ctx).Warnf("engine: background check failed: %v", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (e *Engine) emitFailed(reason string, retryable bool, cause error) {
	e.bus.emit(Event{Kind: EventFailed, Reason: reason, Retryable: retryable, Cause: cause})
}

// classify turns err into a DownloadResult, distinguishing cancellation
// from an ordinary classified failure.
func classify(err error) DownloadResult {
	if bundleerr.Of(err) == bundleerr.KindCancelled {
		return DownloadResult{Kind: DownloadCancelled}
	}
	return DownloadResult{Kind: DownloadFailure, Err: err, Retryable: bundleerr.Retryable(err)}
}
