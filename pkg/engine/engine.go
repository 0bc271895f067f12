// Package engine defines the boundary to the audio decode/render engine. The
// engine is driven with Play/Stop/SetVolume and reports back through a
// stream of events.
package engine

// State is the raw state reported by a media engine.
type State int

const (
	None State = iota
	Opening
	Buffering
	Playing
	Paused
)

func (s State) String() string {
	switch s {
	case Opening:
		return "Opening"
	case Buffering:
		return "Buffering"
	case Playing:
		return "Playing"
	case Paused:
		return "Paused"
	default:
		return "None"
	}
}

// EventKind discriminates Event.
type EventKind int

const (
	Opened EventKind = iota
	Failed
	StateChanged
)

func (k EventKind) String() string {
	switch k {
	case Opened:
		return "opened"
	case Failed:
		return "failed"
	default:
		return "state_changed"
	}
}

// Event is emitted by an engine. State is set for StateChanged, Message for
// Failed.
type Event struct {
	Kind    EventKind
	State   State
	Message string
}

// Engine plays a single stream at a time.
type Engine interface {
	Play(url string) error
	Stop() error
	SetVolume(volume int) error

	// Events is consumed by exactly one reader for the lifetime of the
	// engine.
	Events() <-chan Event
}
