package session

import "github.com/zachfi/smtchost/pkg/engine"

// Input is everything the reconciler looks at.
type Input struct {
	Raw  engine.State
	Last LogicalStatus

	// StopRequested is set by an explicit stop until the next play.
	StopRequested bool

	// Failed is set by an engine failure or a startup timeout until the next
	// play.
	Failed bool
}

// Reconcile maps the raw engine state to the published status.
//
// A transient or ambiguous raw state (Opening, Buffering, None) keeps a
// published Playing status unless a stop was requested, so short buffering
// blips do not flicker the display. Paused is an explicit state and is never
// absorbed. Once stopped or failed, late engine events cannot bring the
// session back; only a new play does.
func Reconcile(in Input) LogicalStatus {
	if in.Failed || in.StopRequested {
		return Stopped
	}

	switch in.Raw {
	case engine.Playing:
		return Playing
	case engine.Paused:
		return Paused
	}

	if in.Last == Playing {
		switch in.Raw {
		case engine.Opening, engine.Buffering, engine.None:
			return Playing
		}
	}

	return Connecting
}
