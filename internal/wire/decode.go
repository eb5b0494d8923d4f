package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"sabrstream/internal/ump"
)

// DecodePart turns a framed container part into a typed Message. Media part
// payloads keep their chunk lists; everything else is decoded as protobuf.
// Decode errors mean this part is unusable, not that the stream is; callers
// are expected to log and skip.
func DecodePart(p ump.Part) (Message, error) {
	switch PartType(p.Type) {
	case PartMediaHeader:
		return decodeMediaHeader(p.Data.Bytes())
	case PartMedia:
		return decodeMedia(p.Data)
	case PartMediaEnd:
		return decodeMediaEnd(p.Data)
	case PartNextRequestPolicy:
		return decodeNextRequestPolicy(p.Data.Bytes())
	case PartFormatInitMetadata:
		return decodeFormatInitMetadata(p.Data.Bytes())
	case PartSabrRedirect:
		return decodeSabrRedirect(p.Data.Bytes())
	case PartSabrError:
		return decodeSabrError(p.Data.Bytes())
	case PartReloadPlayerResponse:
		return decodeReloadPlayerResponse(p.Data.Bytes())
	case PartSabrContextUpdate:
		return decodeSabrContextUpdate(p.Data.Bytes())
	case PartStreamProtectionStatus:
		return decodeStreamProtectionStatus(p.Data.Bytes())
	case PartSabrContextSendingPolicy:
		return decodeSabrContextSendingPolicy(p.Data.Bytes())
	}
	return &Unknown{PartType: PartType(p.Type), Size: p.Data.Len()}, nil
}

// decodeMedia strips the leading container varint (header id) and keeps the
// remaining payload chunked.
func decodeMedia(data ump.ChunkedData) (*Media, error) {
	id, n := ump.DecodeVarint(data.Peek(5))
	if n == 0 {
		return nil, fmt.Errorf("media part too short for header id (%d bytes)", data.Len())
	}
	return &Media{HeaderID: id, Data: data.Skip(n)}, nil
}

func decodeMediaEnd(data ump.ChunkedData) (*MediaEnd, error) {
	id, n := ump.DecodeVarint(data.Peek(5))
	if n == 0 {
		return nil, fmt.Errorf("media end part too short for header id (%d bytes)", data.Len())
	}
	return &MediaEnd{HeaderID: id}, nil
}

// fieldIter walks protobuf fields, handing each to visit. Unknown fields are
// skipped; malformed input returns an error.
func fieldIter(b []byte, visit func(num protowire.Number, typ protowire.Type, v []byte) ([]byte, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		rest, err := visit(num, typ, b)
		if err != nil {
			return fmt.Errorf("field %d: %w", num, err)
		}
		if rest != nil {
			b = rest
			continue
		}
		n = protowire.ConsumeFieldValue(num, typ, b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
	}
	return nil
}

func consumeVarint(b []byte) (uint64, []byte, error) {
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, nil, protowire.ParseError(n)
	}
	return v, b[n:], nil
}

func consumeBytes(b []byte) ([]byte, []byte, error) {
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, nil, protowire.ParseError(n)
	}
	return v, b[n:], nil
}

// FormatId message: 1 itag (varint), 2 lastModified (varint), 3 xtags (string).
func decodeFormatID(b []byte) (*FormatID, error) {
	f := &FormatID{}
	err := fieldIter(b, func(num protowire.Number, typ protowire.Type, b []byte) ([]byte, error) {
		switch num {
		case 1:
			v, rest, err := consumeVarint(b)
			f.Itag = int32(v)
			return rest, err
		case 2:
			v, rest, err := consumeVarint(b)
			f.LastModified = v
			return rest, err
		case 3:
			v, rest, err := consumeBytes(b)
			f.Xtags = string(v)
			return rest, err
		}
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	return f, nil
}

// MediaHeader message:
//
//	1 headerId (varint)        8 isInitSegment (varint)
//	2 videoId (string)         9 sequenceNumber (varint)
//	3 itag (varint)           11 startMs (varint)
//	4 lastModified (varint)   12 durationMs (varint)
//	5 xtags (string)          13 formatId (FormatId)
//	                          14 contentLength (varint)
func decodeMediaHeader(b []byte) (*MediaHeader, error) {
	m := &MediaHeader{}
	err := fieldIter(b, func(num protowire.Number, typ protowire.Type, b []byte) ([]byte, error) {
		switch num {
		case 1:
			v, rest, err := consumeVarint(b)
			m.HeaderID = uint32(v)
			return rest, err
		case 2:
			v, rest, err := consumeBytes(b)
			m.VideoID = string(v)
			return rest, err
		case 3:
			v, rest, err := consumeVarint(b)
			m.Itag = int32(v)
			return rest, err
		case 4:
			v, rest, err := consumeVarint(b)
			m.LastModified = v
			return rest, err
		case 5:
			v, rest, err := consumeBytes(b)
			m.Xtags = string(v)
			return rest, err
		case 8:
			v, rest, err := consumeVarint(b)
			m.IsInitSegment = v != 0
			return rest, err
		case 9:
			v, rest, err := consumeVarint(b)
			m.SequenceNumber = int64(v)
			return rest, err
		case 11:
			v, rest, err := consumeVarint(b)
			m.StartMs = int64(v)
			return rest, err
		case 12:
			v, rest, err := consumeVarint(b)
			m.DurationMs = int64(v)
			return rest, err
		case 13:
			v, rest, err := consumeBytes(b)
			if err != nil {
				return nil, err
			}
			f, err := decodeFormatID(v)
			if err != nil {
				return nil, err
			}
			m.FormatID = f
			return rest, nil
		case 14:
			v, rest, err := consumeVarint(b)
			m.ContentLength = int64(v)
			return rest, err
		}
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// NextRequestPolicy message: 1 targetAudioReadaheadMs, 2 targetVideoReadaheadMs,
// 4 backoffTimeMs (varints); 7 playbackCookie (bytes, kept opaque); 8 videoId.
func decodeNextRequestPolicy(b []byte) (*NextRequestPolicy, error) {
	m := &NextRequestPolicy{}
	err := fieldIter(b, func(num protowire.Number, typ protowire.Type, b []byte) ([]byte, error) {
		switch num {
		case 1:
			v, rest, err := consumeVarint(b)
			m.TargetAudioReadaheadMs = int32(v)
			return rest, err
		case 2:
			v, rest, err := consumeVarint(b)
			m.TargetVideoReadaheadMs = int32(v)
			return rest, err
		case 4:
			v, rest, err := consumeVarint(b)
			m.BackoffTimeMs = int32(v)
			return rest, err
		case 7:
			v, rest, err := consumeBytes(b)
			if err != nil {
				return nil, err
			}
			m.PlaybackCookie = append([]byte(nil), v...)
			return rest, nil
		case 8:
			v, rest, err := consumeBytes(b)
			m.VideoID = string(v)
			return rest, err
		}
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// SabrRedirect message: 1 url (string).
func decodeSabrRedirect(b []byte) (*SabrRedirect, error) {
	m := &SabrRedirect{}
	err := fieldIter(b, func(num protowire.Number, typ protowire.Type, b []byte) ([]byte, error) {
		if num == 1 {
			v, rest, err := consumeBytes(b)
			m.URL = string(v)
			return rest, err
		}
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// SabrError message: 1 type (string), 2 code (varint).
func decodeSabrError(b []byte) (*SabrError, error) {
	m := &SabrError{}
	err := fieldIter(b, func(num protowire.Number, typ protowire.Type, b []byte) ([]byte, error) {
		switch num {
		case 1:
			v, rest, err := consumeBytes(b)
			m.Type = string(v)
			return rest, err
		case 2:
			v, rest, err := consumeVarint(b)
			m.Code = int32(v)
			return rest, err
		}
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// StreamProtectionStatus message: 1 status (varint).
func decodeStreamProtectionStatus(b []byte) (*StreamProtectionStatus, error) {
	m := &StreamProtectionStatus{}
	err := fieldIter(b, func(num protowire.Number, typ protowire.Type, b []byte) ([]byte, error) {
		if num == 1 {
			v, rest, err := consumeVarint(b)
			m.Status = int32(v)
			return rest, err
		}
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// SabrContextUpdate message: 1 type, 2 scope, 4 sendByDefault, 5 writePolicy
// (varints); 3 value (bytes, opaque).
func decodeSabrContextUpdate(b []byte) (*SabrContextUpdate, error) {
	m := &SabrContextUpdate{}
	err := fieldIter(b, func(num protowire.Number, typ protowire.Type, b []byte) ([]byte, error) {
		switch num {
		case 1:
			v, rest, err := consumeVarint(b)
			m.Type = int32(v)
			return rest, err
		case 2:
			v, rest, err := consumeVarint(b)
			m.Scope = int32(v)
			return rest, err
		case 3:
			v, rest, err := consumeBytes(b)
			if err != nil {
				return nil, err
			}
			m.Value = append([]byte(nil), v...)
			return rest, nil
		case 4:
			v, rest, err := consumeVarint(b)
			m.SendByDefault = v != 0
			return rest, err
		case 5:
			v, rest, err := consumeVarint(b)
			m.WritePolicy = int32(v)
			return rest, err
		}
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// SabrContextSendingPolicy message: 1 start, 2 stop, 3 discard, each a
// repeated int32 type tag accepted in both packed and unpacked encodings.
func decodeSabrContextSendingPolicy(b []byte) (*SabrContextSendingPolicy, error) {
	m := &SabrContextSendingPolicy{}
	appendTags := func(dst *[]int32, typ protowire.Type, b []byte) ([]byte, error) {
		if typ == protowire.BytesType { // packed
			packed, rest, err := consumeBytes(b)
			if err != nil {
				return nil, err
			}
			for len(packed) > 0 {
				v, n := protowire.ConsumeVarint(packed)
				if n < 0 {
					return nil, protowire.ParseError(n)
				}
				*dst = append(*dst, int32(v))
				packed = packed[n:]
			}
			return rest, nil
		}
		v, rest, err := consumeVarint(b)
		if err != nil {
			return nil, err
		}
		*dst = append(*dst, int32(v))
		return rest, nil
	}

	err := fieldIter(b, func(num protowire.Number, typ protowire.Type, b []byte) ([]byte, error) {
		switch num {
		case 1:
			return appendTags(&m.Start, typ, b)
		case 2:
			return appendTags(&m.Stop, typ, b)
		case 3:
			return appendTags(&m.Discard, typ, b)
		}
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// ReloadPlayerResponse message: 1 reloadPlaybackParams (bytes, opaque).
func decodeReloadPlayerResponse(b []byte) (*ReloadPlayerResponse, error) {
	m := &ReloadPlayerResponse{}
	err := fieldIter(b, func(num protowire.Number, typ protowire.Type, b []byte) ([]byte, error) {
		if num == 1 {
			v, rest, err := consumeBytes(b)
			if err != nil {
				return nil, err
			}
			m.ReloadPlaybackParams = append([]byte(nil), v...)
			return rest, nil
		}
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// FormatInitializationMetadata message: 1 videoId (string), 2 formatId
// (FormatId), 3 durationMs (varint), 4 totalSegments (varint), 5 mimeType (string).
func decodeFormatInitMetadata(b []byte) (*FormatInitializationMetadata, error) {
	m := &FormatInitializationMetadata{}
	err := fieldIter(b, func(num protowire.Number, typ protowire.Type, b []byte) ([]byte, error) {
		switch num {
		case 1:
			v, rest, err := consumeBytes(b)
			m.VideoID = string(v)
			return rest, err
		case 2:
			v, rest, err := consumeBytes(b)
			if err != nil {
				return nil, err
			}
			f, err := decodeFormatID(v)
			if err != nil {
				return nil, err
			}
			m.FormatID = f
			return rest, nil
		case 3:
			v, rest, err := consumeVarint(b)
			m.DurationMs = int64(v)
			return rest, err
		case 4:
			v, rest, err := consumeVarint(b)
			m.TotalSegments = int32(v)
			return rest, err
		case 5:
			v, rest, err := consumeBytes(b)
			m.MimeType = string(v)
			return rest, err
		}
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}
