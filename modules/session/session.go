package session

import (
	"strings"
	"time"

	"github.com/zachfi/smtchost/pkg/engine"
)

// Placeholders used whenever a field would otherwise be blank.
const (
	DefaultTitle   = "Radio Stream"
	DefaultStation = "Radio Browser"
)

// trackSeparator splits "Artist - Title" stream titles.
const trackSeparator = " - "

// LogicalStatus is the externally published playback status.
type LogicalStatus int

const (
	Stopped LogicalStatus = iota
	Connecting
	Playing
	Paused
)

func (s LogicalStatus) String() string {
	switch s {
	case Connecting:
		return "Connecting"
	case Playing:
		return "Playing"
	case Paused:
		return "Paused"
	default:
		return "Stopped"
	}
}

func (s LogicalStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ParseStatus maps a pushed status value to a LogicalStatus. Anything that is
// not playing, paused or stopped means the stream is still connecting.
func ParseStatus(v string) LogicalStatus {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "playing":
		return Playing
	case "paused":
		return Paused
	case "stopped":
		return Stopped
	default:
		return Connecting
	}
}

// Session is the playback session record. An empty URL means no stream is
// bound; a zero UpdatedAt means the session was never mutated.
type Session struct {
	URL       string
	Title     string
	Artist    string
	Station   string
	Status    LogicalStatus
	Error     string
	Volume    int
	UpdatedAt time.Time
}

// Snapshot is an immutable copy of the session taken after a mutation.
type Snapshot struct {
	Session

	// PlaybackState is the last raw state reported by the engine.
	PlaybackState engine.State
}

// Update carries externally pushed now-playing hints. Nil fields are left
// untouched, except Status which maps to Connecting when unset.
type Update struct {
	Title  *string
	Artist *string
	Status *string
}

func placeholder(v, def string) string {
	if v = strings.TrimSpace(v); v == "" {
		return def
	}
	return v
}

// SplitTrack splits a stream title into artist and title on the first
// " - ". Without a separator the whole text is the title and currentArtist
// is kept.
func SplitTrack(text, currentArtist string) (artist, title string) {
	if i := strings.Index(text, trackSeparator); i >= 0 {
		return strings.TrimSpace(text[:i]), strings.TrimSpace(text[i+len(trackSeparator):])
	}
	return currentArtist, strings.TrimSpace(text)
}

// DisplayTitle composes the single line shown for a track.
func DisplayTitle(artist, title string) string {
	artist = strings.TrimSpace(artist)
	title = strings.TrimSpace(title)
	switch {
	case artist == "":
		return title
	case title == "":
		return artist
	case strings.EqualFold(artist, title):
		return title
	}
	return artist + trackSeparator + title
}

// ClampVolume limits v to 0..100.
func ClampVolume(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
