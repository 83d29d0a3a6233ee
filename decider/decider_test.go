package decider

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/runwork/shell/bundlemanifest"
	"github.com/runwork/shell/cas"
	"github.com/runwork/shell/platform"
)

func hashOf(t *testing.T, hex string) bundlemanifest.FileHash {
	t.Helper()
	h, err := bundlemanifest.NewFileHash(hex)
	require.NoError(t, err)
	return h
}

func newStoreWithBlob(t *testing.T, h bundlemanifest.FileHash) *cas.Store {
	t.Helper()
	dir := t.TempDir()
	store, err := cas.New(dir)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, h.Hex()), []byte("data"), 0o644))
	return store
}

func TestDecideNoDownloadNeeded(t *testing.T) {
	h := hashOf(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855")
	store := newStoreWithBlob(t, h)

	manifest := &bundlemanifest.Manifest{
		Files: []bundlemanifest.File{{Path: "bin/app", Hash: h, Size: 4}},
		Zips:  map[string]bundlemanifest.PlatformBundle{"linux-x64": {ZipPath: "z.zip", Size: 4}},
	}

	p := platform.ID{OS: platform.Linux, Arch: platform.X64}
	decision := Decide(manifest, p, store)
	require.Equal(t, NoDownloadNeeded, decision.Kind)
}

func TestDecideFavorsFullArchiveOnTie(t *testing.T) {
	dir := t.TempDir()
	store, err := cas.New(dir)
	require.NoError(t, err)

	h := hashOf(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855")

	manifest := &bundlemanifest.Manifest{
		Files: []bundlemanifest.File{{Path: "bin/app", Hash: h, Size: 10}},
		Zips:  map[string]bundlemanifest.PlatformBundle{"linux-x64": {ZipPath: "z.zip", Size: 10 + PerRequestOverhead}},
	}

	p := platform.ID{OS: platform.Linux, Arch: platform.X64}
	decision := Decide(manifest, p, store)
	require.Equal(t, FullArchive, decision.Kind)
	require.Equal(t, int64(10+PerRequestOverhead), decision.TotalSize)
}

func TestDecideIncrementalWhenCheaper(t *testing.T) {
	dir := t.TempDir()
	store, err := cas.New(dir)
	require.NoError(t, err)

	h := hashOf(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855")

	manifest := &bundlemanifest.Manifest{
		Files: []bundlemanifest.File{{Path: "bin/app", Hash: h, Size: 10}},
		Zips:  map[string]bundlemanifest.PlatformBundle{"linux-x64": {ZipPath: "z.zip", Size: 999_999_999}},
	}

	p := platform.ID{OS: platform.Linux, Arch: platform.X64}
	decision := Decide(manifest, p, store)
	require.Equal(t, Incremental, decision.Kind)
	require.Len(t, decision.Files, 1)
	require.Equal(t, int64(10), decision.TotalDataSize)
}

func TestDecideFiltersByPlatform(t *testing.T) {
	dir := t.TempDir()
	store, err := cas.New(dir)
	require.NoError(t, err)

	macOnly := platform.MacOS
	h := hashOf(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855")

	manifest := &bundlemanifest.Manifest{
		Files: []bundlemanifest.File{{Path: "bin/app-mac", Hash: h, Size: 10, OS: &macOnly}},
		Zips:  map[string]bundlemanifest.PlatformBundle{"linux-x64": {ZipPath: "z.zip", Size: 5}},
	}

	p := platform.ID{OS: platform.Linux, Arch: platform.X64}
	decision := Decide(manifest, p, store)
	require.Equal(t, NoDownloadNeeded, decision.Kind, "mac-only file must not be considered for linux")
}
