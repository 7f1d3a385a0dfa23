package feed

import "time"

// MediaKind classifies a media reference attached to an entry.
type MediaKind string

const (
	MediaImage MediaKind = "image"
	MediaVideo MediaKind = "video"
	MediaAudio MediaKind = "audio"
)

// Media is one media reference: either a remote URL or inline bytes
// produced by a download step.
type Media struct {
	Kind MediaKind
	URL  string

	// Data is set when the media has been downloaded inline. Filename is a
	// hint for the delivery transport.
	Data     []byte
	Filename string

	Size     int64
	Duration time.Duration // videos only; zero otherwise
}

// Inline reports whether the media carries downloaded bytes.
func (m Media) Inline() bool { return len(m.Data) > 0 }

// Entry is one unit of content drawn from a source. It is created by the
// fetcher and mutated in place as it moves through the pipeline; only its ID
// is ever persisted (as part of the per-source dedup state).
type Entry struct {
	// ID is unique within its source. The dedup key is (SourceID, ID).
	ID       string
	SourceID string

	Title     string
	Content   string // rich-text body; rewritten by pipeline stages
	Link      string
	Published time.Time
	Author    string

	// SourceTitle is the feed's self-declared title, cached for templates.
	SourceTitle string

	// Enclosures are raw attachment URLs from the feed document. The media
	// extraction stage converts them into Media refs.
	Enclosures []string

	Media []Media

	// Rendered is the final message text attached by the formatting stage.
	Rendered string
}

// MediaByKind returns the entry's media refs of one kind, in order.
func (e *Entry) MediaByKind(kind MediaKind) []Media {
	var out []Media
	for _, m := range e.Media {
		if m.Kind == kind {
			out = append(out, m)
		}
	}
	return out
}

// HasMedia reports whether any media is attached.
func (e *Entry) HasMedia() bool { return len(e.Media) > 0 }
