// Package decider implements a pure function choosing between a
// full-archive and a per-file download strategy, grounded on
// registry/storage/garbagecollect.go's mark-phase style of accumulating
// stats (count, size) while walking a file set.
package decider

import (
	"github.com/runwork/shell/bundlemanifest"
	"github.com/runwork/shell/cas"
	"github.com/runwork/shell/platform"
)

// PerRequestOverhead is the fixed per-file cost the incremental strategy
// is charged. Not tunable, so that the decision is reproducible across
// implementations.
const PerRequestOverhead = 50_000

// Kind tags a Decision, the sealed result of Decide: it selects which of
// Decision's other fields are meaningful.
type Kind int

const (
	NoDownloadNeeded Kind = iota
	FullArchive
	Incremental
)

func (k Kind) String() string {
	switch k {
	case NoDownloadNeeded:
		return "NoDownloadNeeded"
	case FullArchive:
		return "FullArchive"
	case Incremental:
		return "Incremental"
	default:
		return "Unknown"
	}
}

// Decision carries the payload for whichever Kind was chosen.
type Decision struct {
	Kind Kind

	// FullArchive payload.
	TotalSize int64
	FileCount int

	// Incremental payload.
	Files         []bundlemanifest.File
	TotalDataSize int64
}

// Decide filters to platform, computes missing files, and compares the
// full-archive size against the overhead-charged incremental size,
// favoring FullArchive on a tie because it eliminates tail-latency
// variance.
func Decide(m *bundlemanifest.Manifest, p platform.ID, store *cas.Store) Decision {
	applicable := m.FilesForPlatform(p)

	var missing []bundlemanifest.File
	for _, f := range applicable {
		if !store.Contains(f.Hash) {
			missing = append(missing, f)
		}
	}

	if len(missing) == 0 {
		return Decision{Kind: NoDownloadNeeded}
	}

	fullSize, ok := m.SizeForPlatform(p)
	if !ok {
		// FilesForPlatform already required SupportsPlatform, so this
		// should be unreachable; fall back to summed file sizes rather
		// than panicking.
		fullSize = sumSizes(applicable)
	}

	var missingSize int64
	for _, f := range missing {
		missingSize += f.Size
	}
	effectiveIncremental := missingSize + int64(len(missing))*PerRequestOverhead

	if fullSize <= effectiveIncremental {
		return Decision{Kind: FullArchive, TotalSize: fullSize, FileCount: len(applicable)}
	}
	return Decision{Kind: Incremental, Files: missing, TotalDataSize: missingSize}
}

func sumSizes(files []bundlemanifest.File) int64 {
	var total int64
	for _, f := range files {
		total += f.Size
	}
	return total
}
