// Package wire implements the typed SABR protocol messages carried inside
// container parts, hand-coded over google.golang.org/protobuf/encoding/protowire.
// There is no generated code: the message set is small, the field layout is
// documented next to each decoder, and unknown fields are skipped so the
// client keeps working when the server grows its messages.
package wire

import "fmt"

// PartType tags a container part. Values the client does not model are
// surfaced as Unknown and skipped.
type PartType uint32

const (
	PartMediaHeader              PartType = 20
	PartMedia                    PartType = 21
	PartMediaEnd                 PartType = 22
	PartNextRequestPolicy        PartType = 35
	PartFormatInitMetadata       PartType = 42
	PartSabrRedirect             PartType = 43
	PartSabrError                PartType = 44
	PartReloadPlayerResponse     PartType = 46
	PartSabrContextUpdate        PartType = 57
	PartStreamProtectionStatus   PartType = 58
	PartSabrContextSendingPolicy PartType = 59
)

func (p PartType) String() string {
	switch p {
	case PartMediaHeader:
		return "MEDIA_HEADER"
	case PartMedia:
		return "MEDIA"
	case PartMediaEnd:
		return "MEDIA_END"
	case PartNextRequestPolicy:
		return "NEXT_REQUEST_POLICY"
	case PartFormatInitMetadata:
		return "FORMAT_INITIALIZATION_METADATA"
	case PartSabrRedirect:
		return "SABR_REDIRECT"
	case PartSabrError:
		return "SABR_ERROR"
	case PartReloadPlayerResponse:
		return "RELOAD_PLAYER_RESPONSE"
	case PartSabrContextUpdate:
		return "SABR_CONTEXT_UPDATE"
	case PartStreamProtectionStatus:
		return "STREAM_PROTECTION_STATUS"
	case PartSabrContextSendingPolicy:
		return "SABR_CONTEXT_SENDING_POLICY"
	}
	return fmt.Sprintf("PART_%d", uint32(p))
}
