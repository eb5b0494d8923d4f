package models

import (
	"fmt"
	"strconv"
	"strings"
)

// FormatID identifies one specific audio or video rendition. LastModified is
// kept in its original string form because player track keys carry it with a
// fractional suffix ("162000.0"); the wire layer normalizes it to an integer.
type FormatID struct {
	Itag         int
	LastModified string
	Xtags        string
}

// ParseFormatKey parses the composite "itag-lastModified-xtags" key the
// player attaches to each track. Xtags may be empty ("137-162000.0-").
func ParseFormatKey(key string) (FormatID, error) {
	parts := strings.SplitN(key, "-", 3)
	if len(parts) != 3 {
		return FormatID{}, fmt.Errorf("malformed format key %q", key)
	}
	itag, err := strconv.Atoi(parts[0])
	if err != nil {
		return FormatID{}, fmt.Errorf("malformed itag in format key %q: %w", key, err)
	}
	return FormatID{Itag: itag, LastModified: parts[1], Xtags: parts[2]}, nil
}

// Key reconstructs the composite track key.
func (f FormatID) Key() string {
	return fmt.Sprintf("%d-%s-%s", f.Itag, f.LastModified, f.Xtags)
}

// LastModifiedUint returns the numeric form of LastModified. Fractional
// suffixes are truncated; unparseable values yield zero.
func (f FormatID) LastModifiedUint() uint64 {
	if f.LastModified == "" {
		return 0
	}
	if n, err := strconv.ParseUint(f.LastModified, 10, 64); err == nil {
		return n
	}
	if x, err := strconv.ParseFloat(f.LastModified, 64); err == nil && x >= 0 {
		return uint64(x)
	}
	return 0
}

// Equal compares identities, normalizing LastModified numerically so that
// "162000.0" and "162000" refer to the same rendition.
func (f FormatID) Equal(other FormatID) bool {
	return f.Itag == other.Itag &&
		f.LastModifiedUint() == other.LastModifiedUint() &&
		f.Xtags == other.Xtags
}

// MediaType distinguishes the two track kinds the transport serves.
type MediaType int

const (
	MediaTypeAudio MediaType = iota
	MediaTypeVideo
)

func (m MediaType) String() string {
	switch m {
	case MediaTypeAudio:
		return "audio"
	case MediaTypeVideo:
		return "video"
	}
	return fmt.Sprintf("media(%d)", int(m))
}

// TimeRange is a contiguous buffered interval in presentation seconds.
type TimeRange struct {
	Start float64
	End   float64
}

// Duration returns the span length in seconds, never negative.
func (t TimeRange) Duration() float64 {
	if t.End < t.Start {
		return 0
	}
	return t.End - t.Start
}
