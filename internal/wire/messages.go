package wire

import (
	"sabrstream/internal/ump"
)

// Message is the closed set of decoded protocol parts. The orchestrator
// switches over these concrete types; adding a variant here forces every
// switch to be revisited.
type Message interface {
	isMessage()
}

// FormatID is the wire form of a rendition identity.
type FormatID struct {
	Itag         int32
	LastModified uint64
	Xtags        string
}

// MediaHeader announces a media payload stream. Subsequent Media/MediaEnd
// parts reference it by HeaderID.
type MediaHeader struct {
	HeaderID       uint32
	VideoID        string
	Itag           int32
	LastModified   uint64
	Xtags          string
	IsInitSegment  bool
	SequenceNumber int64
	StartMs        int64
	DurationMs     int64
	FormatID       *FormatID
	ContentLength  int64
}

func (*MediaHeader) isMessage() {}

// EffectiveFormatID returns the embedded FormatID, falling back to the
// header's own itag/lastModified/xtags fields when the message form is absent.
func (m *MediaHeader) EffectiveFormatID() FormatID {
	if m.FormatID != nil {
		return *m.FormatID
	}
	return FormatID{Itag: m.Itag, LastModified: m.LastModified, Xtags: m.Xtags}
}

// Media carries a slice of media bytes for the stream opened by HeaderID.
type Media struct {
	HeaderID uint32
	Data     ump.ChunkedData
}

func (*Media) isMessage() {}

// MediaEnd closes the stream opened by HeaderID; the segment is complete.
type MediaEnd struct {
	HeaderID uint32
}

func (*MediaEnd) isMessage() {}

// NextRequestPolicy instructs the client how to shape its next request.
type NextRequestPolicy struct {
	TargetAudioReadaheadMs int32
	TargetVideoReadaheadMs int32
	BackoffTimeMs          int32
	// PlaybackCookie is kept serialized; it is echoed back opaquely.
	PlaybackCookie []byte
	VideoID        string
}

func (*NextRequestPolicy) isMessage() {}

// SabrRedirect moves the session to a new endpoint URL.
type SabrRedirect struct {
	URL string
}

func (*SabrRedirect) isMessage() {}

// SabrError is a server-reported protocol failure.
type SabrError struct {
	Type string
	Code int32
}

func (*SabrError) isMessage() {}

// Stream protection states reported by the server.
const (
	StreamProtectionOK                  = 1
	StreamProtectionAttestationPending  = 2
	StreamProtectionAttestationRequired = 3
)

// StreamProtectionStatus reports the server's view of the proof-of-origin
// token. AttestationRequired means the current token is unusable.
type StreamProtectionStatus struct {
	Status int32
}

func (*StreamProtectionStatus) isMessage() {}

// Context write policies.
const (
	WritePolicyOverwrite    = 1
	WritePolicyKeepExisting = 2
)

// SabrContextUpdate delivers an opaque context blob the client may be asked
// to echo on subsequent requests.
type SabrContextUpdate struct {
	Type          int32
	Scope         int32
	Value         []byte
	SendByDefault bool
	WritePolicy   int32
}

func (*SabrContextUpdate) isMessage() {}

// SabrContextSendingPolicy switches context types on or off and discards
// stored ones.
type SabrContextSendingPolicy struct {
	Start   []int32
	Stop    []int32
	Discard []int32
}

func (*SabrContextSendingPolicy) isMessage() {}

// ReloadPlayerResponse tells the client the whole playback session must be
// rebuilt from a fresh player response.
type ReloadPlayerResponse struct {
	ReloadPlaybackParams []byte
}

func (*ReloadPlayerResponse) isMessage() {}

// FormatInitializationMetadata describes a format the server is preparing to
// send. Informational; logged but not acted on.
type FormatInitializationMetadata struct {
	VideoID       string
	FormatID      *FormatID
	DurationMs    int64
	TotalSegments int32
	MimeType      string
}

func (*FormatInitializationMetadata) isMessage() {}

// Unknown is any part type outside the modeled set.
type Unknown struct {
	PartType PartType
	Size     int
}

func (*Unknown) isMessage() {}
