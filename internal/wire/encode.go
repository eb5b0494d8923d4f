package wire

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Values for ClientAbrState.EnabledTrackTypes.
const (
	TrackTypesVideoAndAudio int32 = 0
	TrackTypesAudioOnly     int32 = 1
)

// ClientInfo identifies the client to the streaming edge.
type ClientInfo struct {
	DeviceMake    string
	DeviceModel   string
	ClientName    int32
	ClientVersion string
	OsName        string
	OsVersion     string
}

// ClientAbrState is the playback state snapshot sent with every request.
type ClientAbrState struct {
	ClientViewportWidth  int32
	ClientViewportHeight int32
	BandwidthEstimate    int64
	PlayerTimeMs         int64
	EnabledTrackTypes    int32
	PlaybackRate         float64
}

// SabrContext is a stored context blob echoed back to the server.
type SabrContext struct {
	Type          int32
	Scope         int32
	Value         []byte
	SendByDefault bool
}

// StreamerContext carries session credentials and the context echo state.
type StreamerContext struct {
	ClientInfo         ClientInfo
	PoToken            []byte
	PlaybackCookie     []byte
	SabrContexts       []SabrContext
	UnsentSabrContexts []int32
}

// TimeRangeTicks is a buffered span expressed in timescale ticks.
type TimeRangeTicks struct {
	StartTicks    int64
	DurationTicks int64
	Timescale     int32
}

// BufferedRange reports one contiguous buffered span for a format.
type BufferedRange struct {
	FormatID          FormatID
	StartTimeMs       int64
	DurationMs        int64
	StartSegmentIndex int32
	EndSegmentIndex   int32
	TimeRange         *TimeRangeTicks
}

// VideoPlaybackAbrRequest is the outbound request envelope.
type VideoPlaybackAbrRequest struct {
	ClientAbrState         ClientAbrState
	SelectedFormatIDs      []FormatID
	BufferedRanges         []BufferedRange
	PlayerTimeMs           int64
	UstreamerConfig        []byte
	SelectedAudioFormatIDs []FormatID
	SelectedVideoFormatIDs []FormatID
	StreamerContext        StreamerContext
}

// Encode serializes the request body.
//
// VideoPlaybackAbrRequest: 1 clientAbrState, 2 selectedFormatIds (repeated),
// 3 bufferedRanges (repeated), 4 playerTimeMs, 5 videoPlaybackUstreamerConfig,
// 7 selectedAudioFormatIds (repeated), 8 selectedVideoFormatIds (repeated),
// 9 streamerContext.
//
// A request without any selected format cannot produce media and is rejected
// here rather than sent.
func (r *VideoPlaybackAbrRequest) Encode() ([]byte, error) {
	if len(r.SelectedFormatIDs) == 0 && len(r.SelectedAudioFormatIDs) == 0 && len(r.SelectedVideoFormatIDs) == 0 {
		return nil, fmt.Errorf("no selected formats to request")
	}

	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, appendClientAbrState(nil, &r.ClientAbrState))

	for i := range r.SelectedFormatIDs {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, appendFormatID(nil, &r.SelectedFormatIDs[i]))
	}
	for i := range r.BufferedRanges {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, appendBufferedRange(nil, &r.BufferedRanges[i]))
	}
	if r.PlayerTimeMs != 0 {
		b = protowire.AppendTag(b, 4, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(r.PlayerTimeMs))
	}
	if len(r.UstreamerConfig) > 0 {
		b = protowire.AppendTag(b, 5, protowire.BytesType)
		b = protowire.AppendBytes(b, r.UstreamerConfig)
	}
	for i := range r.SelectedAudioFormatIDs {
		b = protowire.AppendTag(b, 7, protowire.BytesType)
		b = protowire.AppendBytes(b, appendFormatID(nil, &r.SelectedAudioFormatIDs[i]))
	}
	for i := range r.SelectedVideoFormatIDs {
		b = protowire.AppendTag(b, 8, protowire.BytesType)
		b = protowire.AppendBytes(b, appendFormatID(nil, &r.SelectedVideoFormatIDs[i]))
	}
	b = protowire.AppendTag(b, 9, protowire.BytesType)
	b = protowire.AppendBytes(b, appendStreamerContext(nil, &r.StreamerContext))
	return b, nil
}

// FormatId: 1 itag, 2 lastModified (varints), 3 xtags (string).
func appendFormatID(b []byte, f *FormatID) []byte {
	if f.Itag != 0 {
		b = protowire.AppendTag(b, 1, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(f.Itag))
	}
	if f.LastModified != 0 {
		b = protowire.AppendTag(b, 2, protowire.VarintType)
		b = protowire.AppendVarint(b, f.LastModified)
	}
	if f.Xtags != "" {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendString(b, f.Xtags)
	}
	return b
}

// ClientAbrState: 18 clientViewportWidth, 19 clientViewportHeight,
// 24 bandwidthEstimate, 28 playerTimeMs, 40 enabledTrackTypes (varints);
// 57 playbackRate (float).
func appendClientAbrState(b []byte, s *ClientAbrState) []byte {
	if s.ClientViewportWidth != 0 {
		b = protowire.AppendTag(b, 18, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(s.ClientViewportWidth))
	}
	if s.ClientViewportHeight != 0 {
		b = protowire.AppendTag(b, 19, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(s.ClientViewportHeight))
	}
	if s.BandwidthEstimate != 0 {
		b = protowire.AppendTag(b, 24, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(s.BandwidthEstimate))
	}
	if s.PlayerTimeMs != 0 {
		b = protowire.AppendTag(b, 28, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(s.PlayerTimeMs))
	}
	if s.EnabledTrackTypes != 0 {
		b = protowire.AppendTag(b, 40, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(s.EnabledTrackTypes))
	}
	if s.PlaybackRate != 0 && s.PlaybackRate != 1 {
		b = protowire.AppendTag(b, 57, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, math.Float32bits(float32(s.PlaybackRate)))
	}
	return b
}

// BufferedRange: 1 formatId, 2 startTimeMs, 3 durationMs,
// 4 startSegmentIndex, 5 endSegmentIndex, 6 timeRange.
func appendBufferedRange(b []byte, r *BufferedRange) []byte {
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, appendFormatID(nil, &r.FormatID))
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.StartTimeMs))
	b = protowire.AppendTag(b, 3, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.DurationMs))
	b = protowire.AppendTag(b, 4, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.StartSegmentIndex))
	b = protowire.AppendTag(b, 5, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.EndSegmentIndex))
	if r.TimeRange != nil {
		var tr []byte
		tr = protowire.AppendTag(tr, 1, protowire.VarintType)
		tr = protowire.AppendVarint(tr, uint64(r.TimeRange.StartTicks))
		tr = protowire.AppendTag(tr, 2, protowire.VarintType)
		tr = protowire.AppendVarint(tr, uint64(r.TimeRange.DurationTicks))
		tr = protowire.AppendTag(tr, 3, protowire.VarintType)
		tr = protowire.AppendVarint(tr, uint64(r.TimeRange.Timescale))
		b = protowire.AppendTag(b, 6, protowire.BytesType)
		b = protowire.AppendBytes(b, tr)
	}
	return b
}

// StreamerContext: 1 clientInfo, 2 poToken, 3 playbackCookie,
// 5 sabrContexts (repeated), 6 unsentSabrContexts (packed varints).
func appendStreamerContext(b []byte, s *StreamerContext) []byte {
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, appendClientInfo(nil, &s.ClientInfo))
	if len(s.PoToken) > 0 {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, s.PoToken)
	}
	if len(s.PlaybackCookie) > 0 {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, s.PlaybackCookie)
	}
	for i := range s.SabrContexts {
		c := &s.SabrContexts[i]
		var cb []byte
		cb = protowire.AppendTag(cb, 1, protowire.VarintType)
		cb = protowire.AppendVarint(cb, uint64(c.Type))
		if c.Scope != 0 {
			cb = protowire.AppendTag(cb, 2, protowire.VarintType)
			cb = protowire.AppendVarint(cb, uint64(c.Scope))
		}
		if len(c.Value) > 0 {
			cb = protowire.AppendTag(cb, 3, protowire.BytesType)
			cb = protowire.AppendBytes(cb, c.Value)
		}
		if c.SendByDefault {
			cb = protowire.AppendTag(cb, 4, protowire.VarintType)
			cb = protowire.AppendVarint(cb, 1)
		}
		b = protowire.AppendTag(b, 5, protowire.BytesType)
		b = protowire.AppendBytes(b, cb)
	}
	if len(s.UnsentSabrContexts) > 0 {
		var packed []byte
		for _, t := range s.UnsentSabrContexts {
			packed = protowire.AppendVarint(packed, uint64(t))
		}
		b = protowire.AppendTag(b, 6, protowire.BytesType)
		b = protowire.AppendBytes(b, packed)
	}
	return b
}

// ClientInfo: 12 deviceMake, 13 deviceModel (strings); 16 clientName
// (varint); 17 clientVersion, 18 osName, 19 osVersion (strings).
func appendClientInfo(b []byte, c *ClientInfo) []byte {
	if c.DeviceMake != "" {
		b = protowire.AppendTag(b, 12, protowire.BytesType)
		b = protowire.AppendString(b, c.DeviceMake)
	}
	if c.DeviceModel != "" {
		b = protowire.AppendTag(b, 13, protowire.BytesType)
		b = protowire.AppendString(b, c.DeviceModel)
	}
	if c.ClientName != 0 {
		b = protowire.AppendTag(b, 16, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(c.ClientName))
	}
	if c.ClientVersion != "" {
		b = protowire.AppendTag(b, 17, protowire.BytesType)
		b = protowire.AppendString(b, c.ClientVersion)
	}
	if c.OsName != "" {
		b = protowire.AppendTag(b, 18, protowire.BytesType)
		b = protowire.AppendString(b, c.OsName)
	}
	if c.OsVersion != "" {
		b = protowire.AppendTag(b, 19, protowire.BytesType)
		b = protowire.AppendString(b, c.OsVersion)
	}
	return b
}
