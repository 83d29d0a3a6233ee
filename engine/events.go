// Package engine implements a small state machine over the typed events
// below, orchestrating check → download → finalize → cleanup with
// retry/backoff. The event bus is built on github.com/docker/go-events's
// Sink/Event shape, reused here as a buffered channel of engine progress
// events instead of repository push/pull notifications.
package engine

import (
	"time"

	events "github.com/docker/go-events"

	"github.com/runwork/shell/cleanup"
	"github.com/runwork/shell/downloader"
)

// EventKind tags which of Event's payload fields are meaningful, a
// tagged-variant in place of a sealed hierarchy.
type EventKind int

const (
	EventValidating EventKind = iota
	EventDownloadDeciding
	EventDownloading
	EventFinalizing
	EventLaunching
	EventUpToDate
	EventShellUpdateRequired
	EventBackingOff
	EventFailed
	EventCleanupComplete
)

func (k EventKind) String() string {
	switch k {
	case EventValidating:
		return "Validating"
	case EventDownloadDeciding:
		return "DownloadDeciding"
	case EventDownloading:
		return "Downloading"
	case EventFinalizing:
		return "Finalizing"
	case EventLaunching:
		return "Launching"
	case EventUpToDate:
		return "UpToDate"
	case EventShellUpdateRequired:
		return "ShellUpdateRequired"
	case EventBackingOff:
		return "BackingOff"
	case EventFailed:
		return "Failed"
	case EventCleanupComplete:
		return "CleanupComplete"
	default:
		return "Unknown"
	}
}

// Event is the engine's progress-event type. Since
// github.com/docker/go-events's Event is an empty interface, any value -
// including this struct - already satisfies it; no adapter is needed to
// put Events on a go-events Sink.
type Event struct {
	Kind EventKind

	// EventDownloading
	Progress downloader.Progress

	// EventShellUpdateRequired
	CurrentShellVersion  int
	RequiredShellVersion int
	UpdateURL            string

	// EventBackingOff
	RetryNumber   int
	DelaySeconds  float64
	NextRetryTime time.Time

	// EventFailed
	Reason    string
	Retryable bool

	// EventCleanupComplete
	Stats cleanup.Stats

	// Cause is the underlying error for EventBackingOff and EventFailed.
	Cause error
}

// bus wraps an events.Channel, the library's buffered-channel Sink
// implementation, as the engine's emit/consume point.
type bus struct {
	ch *events.Channel
}

func newBus() *bus {
	return &bus{ch: events.NewChannel(32)}
}

// emit writes ev to the bus. Errors from Write are impossible for an
// open Channel (it never rejects a write the way a closed eventQueue
// would), so they are intentionally not propagated to callers - every
// call site here is already deep inside the engine's synchronous
// control flow.
func (b *bus) emit(ev Event) {
	_ = b.ch.Write(ev)
}

// Events returns the channel Event values are delivered on, in the
// causal order the engine emits them. Callers must not reorder them.
func (b *bus) Events() <-chan events.Event {
	return b.ch.C
}

func (b *bus) close() {
	_ = b.ch.Close()
}
