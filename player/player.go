// Package player defines the abstractions the SABR transport consumes from
// the embedding media player: the pluggable network-scheme registry, the
// live playback state, and the parsed manifest. The transport only ever
// reads from these; it never drives playback itself.
package player

import (
	"context"
	"net/http"

	"sabrstream/models"
)

// RequestType mirrors the player's request categories. The SABR scheme only
// ever serves segment requests; anything else is rejected by the handler.
type RequestType int

const (
	RequestTypeManifest RequestType = iota
	RequestTypeSegment
	RequestTypeLicense
)

// Request carries the player-side request properties for a scheme fetch.
type Request struct {
	URIs    []string
	Method  string
	Headers map[string]string
}

// Response is what a scheme handler resolves a fetch with.
type Response struct {
	Data      []byte
	Status    int
	Headers   http.Header
	URI       string
	FromCache bool
}

// Callbacks are invoked by a scheme handler as a fetch progresses.
// HeadersReceived fires once when response headers are logically available;
// Progress reports cumulative loaded bytes (total is -1 when unknown).
type Callbacks struct {
	HeadersReceived func(http.Header)
	Progress        func(loaded, total int64)
}

// NotifyHeadersReceived invokes the HeadersReceived callback if set.
func (c Callbacks) NotifyHeadersReceived(h http.Header) {
	if c.HeadersReceived != nil {
		c.HeadersReceived(h)
	}
}

// NotifyProgress invokes the Progress callback if set.
func (c Callbacks) NotifyProgress(loaded, total int64) {
	if c.Progress != nil {
		c.Progress(loaded, total)
	}
}

// Handler serves fetches for a registered custom scheme. Cancelling ctx must
// abort the fetch and surface an aborted-class error.
type Handler func(ctx context.Context, uri string, req *Request, typ RequestType, cb Callbacks) (*Response, error)

// SchemeRegistry is the player surface the transport registers itself with.
type SchemeRegistry interface {
	RegisterScheme(name string, h Handler)
	UnregisterScheme(name string)
}

// VariantTrack describes one playable variant as the player sees it.
// Format keys are the composite "itag-lastModified-xtags" strings; either
// may be empty when the variant lacks that track.
type VariantTrack struct {
	AudioFormatKey string
	VideoFormatKey string
	AudioBandwidth int64
	VideoBandwidth int64
	AudioRoles     []string
	Active         bool
}

// SegmentIndex resolves presentation time to segment numbers for one track.
type SegmentIndex interface {
	// Find returns the segment index containing the given presentation
	// time, or false when the time is past the end of the index.
	Find(timeSec float64) (int, bool)
	// Last returns the final known segment index.
	Last() int
}

// Manifest is the decoded manifest subset the transport needs: the variant
// list and a segment index per format key.
type Manifest struct {
	Variants []VariantTrack
	// SegmentIndexes maps a track's format key to its segment index.
	SegmentIndexes map[string]SegmentIndex
}

// SegmentIndexFor returns the segment index for a format key, if known.
func (m *Manifest) SegmentIndexFor(formatKey string) (SegmentIndex, bool) {
	if m == nil || m.SegmentIndexes == nil {
		return nil, false
	}
	idx, ok := m.SegmentIndexes[formatKey]
	return idx, ok
}

// Player is the live playback state the transport reads on every request.
type Player interface {
	// BufferedRanges reports the currently buffered intervals for one
	// media type, in presentation seconds.
	BufferedRanges(t models.MediaType) []models.TimeRange
	// VariantTracks lists the variants the player knows about, including
	// which one is active (none may be, before playback commits).
	VariantTracks() []VariantTrack
	// IsAudioOnly reports whether the player is in audio-only mode.
	IsAudioOnly() bool
	// CurrentTime is the playhead position in seconds.
	CurrentTime() float64
	// PlaybackRate is the current playback speed multiplier.
	PlaybackRate() float64
	// BandwidthEstimate is the player's bandwidth estimate in bits/sec.
	BandwidthEstimate() int64
}
