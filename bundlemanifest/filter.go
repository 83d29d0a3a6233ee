package bundlemanifest

import "github.com/runwork/shell/platform"

// SupportsPlatform reports whether a manifest is applicable to p: its
// zips map must contain p's key.
func (m *Manifest) SupportsPlatform(p platform.ID) bool {
	_, ok := m.Zips[p.String()]
	return ok
}

// FilesForPlatform filters to the files applicable to p: the manifest
// must support p, and each returned file either has no platform
// constraint or matches p by OS-only or full OS/arch tuple. This is the
// single source of truth; every component that needs "the files I care
// about" calls this, never re-implements the filter.
func (m *Manifest) FilesForPlatform(p platform.ID) []File {
	if !m.SupportsPlatform(p) {
		return nil
	}

	out := make([]File, 0, len(m.Files))
	for _, f := range m.Files {
		if f.OS != nil && *f.OS != p.OS {
			continue
		}
		if f.Arch != nil && *f.Arch != p.Arch {
			continue
		}
		out = append(out, f)
	}
	return out
}

// SizeForPlatform returns the authoritative full-archive size for p:
// zips[p].size.
func (m *Manifest) SizeForPlatform(p platform.ID) (int64, bool) {
	pb, ok := m.Zips[p.String()]
	if !ok {
		return 0, false
	}
	return pb.Size, true
}

// ZipPathForPlatform returns the relative URL of the full archive for p.
func (m *Manifest) ZipPathForPlatform(p platform.ID) (string, bool) {
	pb, ok := m.Zips[p.String()]
	if !ok {
		return "", false
	}
	return pb.ZipPath, true
}
