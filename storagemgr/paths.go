// Package storagemgr implements bundleDir's directory layout, version
// materialization, the temp-file area, manifest persistence, and the
// single process-wide write-lock scope gating all of it. Path layout is
// grounded on registry/storage/paths.go's pathMapper - a small set of
// named, centralized path-building functions rather than scattered
// filepath.Join calls - narrowed to the fixed three-directory layout
// (cas/, versions/<buildNumber>/, temp/).
package storagemgr

import (
	"path/filepath"
	"strconv"
)

// paths centralizes every path bundleDir's layout can produce, the same
// single-responsibility role pathMapper plays for the registry's blob
// store.
type paths struct {
	root string
}

func newPaths(root string) paths { return paths{root: root} }

func (p paths) manifestFile() string { return filepath.Join(p.root, "manifest.json") }
func (p paths) manifestTempFile() string {
	return filepath.Join(p.root, "manifest.json.tmp")
}
func (p paths) casDir() string  { return filepath.Join(p.root, "cas") }
func (p paths) tempDir() string { return filepath.Join(p.root, "temp") }
func (p paths) versionsDir() string {
	return filepath.Join(p.root, "versions")
}
func (p paths) versionDir(buildNumber int64) string {
	return filepath.Join(p.versionsDir(), strconv.FormatInt(buildNumber, 10))
}
func (p paths) versionedFile(buildNumber int64, relPath string) string {
	return filepath.Join(p.versionDir(buildNumber), filepath.FromSlash(relPath))
}
