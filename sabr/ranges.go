package sabr

import (
	"math"

	"sabrstream/internal/wire"
	"sabrstream/models"
	"sabrstream/player"
)

// Values reported for a track the player is not streaming in the current
// mode. Pinning the range to the largest representable span tells the
// server to stop sending that media type entirely.
const (
	syntheticEndSegmentIndex = math.MaxInt32
	syntheticDurationMs      = math.MaxInt64
)

const rangeTimescale = 1000 // buffered-range ticks are milliseconds

// wireFormatID converts a player-side format identity to its wire form.
func wireFormatID(f models.FormatID) wire.FormatID {
	return wire.FormatID{
		Itag:         int32(f.Itag),
		LastModified: f.LastModifiedUint(),
		Xtags:        f.Xtags,
	}
}

// trackReport names one track involved in the current request and whether
// the player is actively streaming that media type right now.
type trackReport struct {
	Format    models.FormatID
	Key       string
	Type      models.MediaType
	Streaming bool
}

// buildBufferedRanges produces the client's buffer description for a
// request: real ranges for streamed tracks (mapped to segment indices via
// the manifest), one synthetic fully-buffered range for each present track
// type that is not being streamed. Recomputed from live player state on
// every request.
func buildBufferedRanges(plr player.Player, man *player.Manifest, tracks []trackReport) []wire.BufferedRange {
	var out []wire.BufferedRange
	for _, tr := range tracks {
		if tr.Key == "" {
			continue
		}
		if !tr.Streaming {
			out = append(out, syntheticFullRange(tr.Format))
			continue
		}
		out = append(out, bufferedRangesForTrack(plr, man, tr)...)
	}
	return out
}

func bufferedRangesForTrack(plr player.Player, man *player.Manifest, tr trackReport) []wire.BufferedRange {
	buffered := plr.BufferedRanges(tr.Type)
	if len(buffered) == 0 {
		return nil
	}
	idx, haveIndex := man.SegmentIndexFor(tr.Key)

	out := make([]wire.BufferedRange, 0, len(buffered))
	for _, r := range buffered {
		startMs := int64(math.Round(r.Start * 1000))
		durationMs := int64(math.Round(r.Duration() * 1000))

		var startSeg, endSeg int32
		if haveIndex {
			if i, ok := idx.Find(r.Start); ok {
				startSeg = int32(i)
			} else {
				startSeg = int32(idx.Last())
			}
			// End-of-stream lookups miss; fall back to the last
			// known segment.
			if i, ok := idx.Find(r.End); ok {
				endSeg = int32(i)
			} else {
				endSeg = int32(idx.Last())
			}
		}

		out = append(out, wire.BufferedRange{
			FormatID:          wireFormatID(tr.Format),
			StartTimeMs:       startMs,
			DurationMs:        durationMs,
			StartSegmentIndex: startSeg,
			EndSegmentIndex:   endSeg,
			TimeRange: &wire.TimeRangeTicks{
				StartTicks:    startMs,
				DurationTicks: durationMs,
				Timescale:     rangeTimescale,
			},
		})
	}
	return out
}

func syntheticFullRange(f models.FormatID) wire.BufferedRange {
	return wire.BufferedRange{
		FormatID:          wireFormatID(f),
		StartTimeMs:       0,
		DurationMs:        syntheticDurationMs,
		StartSegmentIndex: 0,
		EndSegmentIndex:   syntheticEndSegmentIndex,
	}
}
