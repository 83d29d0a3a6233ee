package engine

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runwork/shell/bundlemanifest"
	"github.com/runwork/shell/internal/config"
	"github.com/runwork/shell/loader"
	"github.com/runwork/shell/storagemgr"
)

type stubLoader struct {
	launched   bool
	versionDir string
	mainClass  string
	cfg        loader.LaunchConfig
	returnCode int
	returnErr  error
}

func (s *stubLoader) Launch(ctx context.Context, versionDir, mainClass string, cfg loader.LaunchConfig) (int, error) {
	s.launched = true
	s.versionDir = versionDir
	s.mainClass = mainClass
	s.cfg = cfg
	return s.returnCode, s.returnErr
}

func fileHash(t *testing.T, data []byte) bundlemanifest.FileHash {
	t.Helper()
	sum := sha256.Sum256(data)
	h, err := bundlemanifest.FileHashFromBytes(sum[:])
	require.NoError(t, err)
	return h
}

func sign(t *testing.T, priv ed25519.PrivateKey, m *bundlemanifest.Manifest) []byte {
	t.Helper()
	signingBytes, err := m.CanonicalSigningBytes()
	require.NoError(t, err)
	m.Signature = "ed25519:" + base64.StdEncoding.EncodeToString(ed25519.Sign(priv, signingBytes))
	raw, err := json.Marshal(m)
	require.NoError(t, err)
	return raw
}

func newTestEngine(t *testing.T, srvURL string, pub ed25519.PublicKey, ld loader.Loader) *Engine {
	t.Helper()
	cfg := &config.Config{
		AppDataDir:   t.TempDir(),
		BaseURL:      srvURL,
		PublicKey:    base64.StdEncoding.EncodeToString(pub),
		ShellVersion: 1,
		Platform:     "linux-x64",
		Retry:        config.Retry{InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1, MaxAttempts: 2},
	}
	e, err := New(cfg, ld)
	require.NoError(t, err)
	return e
}

func TestValidateAndLaunchDownloadsAndLaunchesFreshBundle(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	data := []byte("app binary contents")
	h := fileHash(t, data)

	mux := http.NewServeMux()
	mux.HandleFunc("/manifest.json", func(w http.ResponseWriter, r *http.Request) {
		m := &bundlemanifest.Manifest{
			SchemaVersion:   1,
			BuildNumber:     1,
			MinShellVersion: 1,
			MainClass:       "/bin/app",
			Files:           []bundlemanifest.File{{Path: "bin/app", Hash: h, Size: int64(len(data))}},
			// An archive far larger than the one missing file plus its
			// per-request overhead, so the per-file strategy is chosen.
			Zips: map[string]bundlemanifest.PlatformBundle{"linux-x64": {ZipPath: "z.zip", Size: 999_999_999}},
		}
		w.Write(sign(t, priv, m))
	})
	mux.HandleFunc("/files/"+h.Hex(), func(w http.ResponseWriter, r *http.Request) {
		w.Write(data)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	ld := &stubLoader{returnCode: 0}
	e := newTestEngine(t, srv.URL, pub, ld)
	defer e.Close()

	exitCode, err := e.ValidateAndLaunch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, exitCode)
	assert.True(t, ld.launched)
	assert.Equal(t, "/bin/app", ld.mainClass)
}

func TestValidateAndLaunchShellUpdateRequiredEmitsEvent(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	updateURL := "https://example.com/update"
	m := &bundlemanifest.Manifest{
		BuildNumber:     1,
		MinShellVersion: 99,
		ShellUpdateURL:  &updateURL,
		Zips:            map[string]bundlemanifest.PlatformBundle{"linux-x64": {ZipPath: "z.zip", Size: 1}},
	}
	signed := sign(t, priv, m)

	mux := http.NewServeMux()
	mux.HandleFunc("/manifest.json", func(w http.ResponseWriter, r *http.Request) {
		w.Write(signed)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	ld := &stubLoader{}
	e := newTestEngine(t, srv.URL, pub, ld)
	defer e.Close()

	// Install the manifest locally so that validation itself finds the
	// shell too old.
	require.NoError(t, e.mgr.WithWriteScope(func(ws *storagemgr.WriteScope) error {
		return ws.SaveManifest(signed)
	}))

	go func() {
		_, _ = e.ValidateAndLaunch(context.Background())
	}()

	timeout := time.After(2 * time.Second)
	for {
		select {
		case raw := <-e.Events():
			ev, ok := raw.(Event)
			require.True(t, ok)
			if ev.Kind == EventShellUpdateRequired {
				assert.Equal(t, updateURL, ev.UpdateURL)
				return
			}
		case <-timeout:
			t.Fatal("timed out waiting for a ShellUpdateRequired event")
		}
	}
}

func TestDownloadLatestAlreadyUpToDate(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	mux := http.NewServeMux()
	mux.HandleFunc("/manifest.json", func(w http.ResponseWriter, r *http.Request) {
		m := &bundlemanifest.Manifest{
			BuildNumber: 0,
			Zips:        map[string]bundlemanifest.PlatformBundle{"linux-x64": {ZipPath: "z.zip", Size: 1}},
		}
		w.Write(sign(t, priv, m))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	e := newTestEngine(t, srv.URL, pub, &stubLoader{})
	defer e.Close()

	dr := e.DownloadLatest(context.Background())
	assert.Equal(t, DownloadAlreadyUpToDate, dr.Kind)
}

func TestNewWithRedisAddrConstructsAndClosesCache(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	cfg := &config.Config{
		AppDataDir:   t.TempDir(),
		BaseURL:      "http://unused.invalid",
		PublicKey:    base64.StdEncoding.EncodeToString(pub),
		ShellVersion: 1,
		Platform:     "linux-x64",
		RedisAddr:    "127.0.0.1:0",
		Retry:        config.DefaultRetry(),
	}
	e, err := New(cfg, &stubLoader{})
	require.NoError(t, err)
	assert.NotNil(t, e.cache)
	assert.NoError(t, e.Close())
}

func TestDownloadLatestWithRetryAttemptsOneMoreThanMaxAttempts(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	var requests int32
	mux := http.NewServeMux()
	mux.HandleFunc("/manifest.json", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		w.WriteHeader(http.StatusInternalServerError)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	cfg := &config.Config{
		AppDataDir:   t.TempDir(),
		BaseURL:      srv.URL,
		PublicKey:    base64.StdEncoding.EncodeToString(pub),
		ShellVersion: 1,
		Platform:     "linux-x64",
		Retry:        config.Retry{InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1, MaxAttempts: 3},
	}
	e, err := New(cfg, &stubLoader{})
	require.NoError(t, err)
	defer e.Close()

	dr := e.DownloadLatest(context.Background())
	assert.Equal(t, DownloadFailure, dr.Kind)
	assert.Equal(t, int32(4), atomic.LoadInt32(&requests))
}

func TestEventKindString(t *testing.T) {
	assert.Equal(t, "Validating", EventValidating.String())
	assert.Equal(t, "Unknown", EventKind(999).String())
}
