package sabr

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sabrstream/models"
	"sabrstream/player"
)

type stubPlayer struct {
	audioRanges []models.TimeRange
	videoRanges []models.TimeRange
	audioOnly   bool
	currentTime float64
	rate        float64
	bandwidth   int64
}

func (p *stubPlayer) BufferedRanges(t models.MediaType) []models.TimeRange {
	if t == models.MediaTypeAudio {
		return p.audioRanges
	}
	return p.videoRanges
}
func (p *stubPlayer) VariantTracks() []player.VariantTrack { return nil }
func (p *stubPlayer) IsAudioOnly() bool                    { return p.audioOnly }
func (p *stubPlayer) CurrentTime() float64                 { return p.currentTime }
func (p *stubPlayer) PlaybackRate() float64                { return p.rate }
func (p *stubPlayer) BandwidthEstimate() int64             { return p.bandwidth }

type stubIndex struct {
	segDuration float64
	lastSeg     int
}

func (i stubIndex) Find(timeSec float64) (int, bool) {
	seg := int(timeSec / i.segDuration)
	if seg > i.lastSeg {
		return 0, false
	}
	return seg, true
}
func (i stubIndex) Last() int { return i.lastSeg }

func TestBuildBufferedRangesStreaming(t *testing.T) {
	plr := &stubPlayer{
		audioRanges: []models.TimeRange{{Start: 0, End: 10}, {Start: 20, End: 25}},
	}
	man := &player.Manifest{
		SegmentIndexes: map[string]player.SegmentIndex{
			"140-123-": stubIndex{segDuration: 5, lastSeg: 100},
		},
	}
	tracks := []trackReport{{
		Format:    models.FormatID{Itag: 140, LastModified: "123"},
		Key:       "140-123-",
		Type:      models.MediaTypeAudio,
		Streaming: true,
	}}

	got := buildBufferedRanges(plr, man, tracks)
	require.Len(t, got, 2)

	assert.Equal(t, int64(0), got[0].StartTimeMs)
	assert.Equal(t, int64(10000), got[0].DurationMs)
	assert.Equal(t, int32(0), got[0].StartSegmentIndex)
	assert.Equal(t, int32(2), got[0].EndSegmentIndex)
	require.NotNil(t, got[0].TimeRange)
	assert.Equal(t, int32(1000), got[0].TimeRange.Timescale)

	assert.Equal(t, int64(20000), got[1].StartTimeMs)
	assert.Equal(t, int64(5000), got[1].DurationMs)
	assert.Equal(t, int32(4), got[1].StartSegmentIndex)
	assert.Equal(t, int32(5), got[1].EndSegmentIndex)
}

func TestBuildBufferedRangesIndexMissFallsBackToLast(t *testing.T) {
	plr := &stubPlayer{
		videoRanges: []models.TimeRange{{Start: 495, End: 520}},
	}
	man := &player.Manifest{
		SegmentIndexes: map[string]player.SegmentIndex{
			"137-9-": stubIndex{segDuration: 5, lastSeg: 100},
		},
	}
	tracks := []trackReport{{
		Format:    models.FormatID{Itag: 137, LastModified: "9"},
		Key:       "137-9-",
		Type:      models.MediaTypeVideo,
		Streaming: true,
	}}

	got := buildBufferedRanges(plr, man, tracks)
	require.Len(t, got, 1)
	assert.Equal(t, int32(99), got[0].StartSegmentIndex)
	// 520s is past the index end.
	assert.Equal(t, int32(100), got[0].EndSegmentIndex)
}

func TestBuildBufferedRangesSyntheticForNonStreamedTrack(t *testing.T) {
	plr := &stubPlayer{audioOnly: true}
	tracks := []trackReport{
		{
			Format:    models.FormatID{Itag: 140, LastModified: "1"},
			Key:       "140-1-",
			Type:      models.MediaTypeAudio,
			Streaming: true,
		},
		{
			Format:    models.FormatID{Itag: 137, LastModified: "2"},
			Key:       "137-2-",
			Type:      models.MediaTypeVideo,
			Streaming: false,
		},
	}

	got := buildBufferedRanges(plr, &player.Manifest{}, tracks)
	require.Len(t, got, 1) // audio has no buffered ranges yet

	tracks[0].Streaming = false
	got = buildBufferedRanges(plr, &player.Manifest{}, tracks)
	require.Len(t, got, 2)
	for _, r := range got {
		assert.Equal(t, int64(0), r.StartTimeMs)
		assert.Equal(t, int64(math.MaxInt64), r.DurationMs)
		assert.Equal(t, int32(math.MaxInt32), r.EndSegmentIndex)
		assert.Nil(t, r.TimeRange)
	}
}

func TestBuildBufferedRangesSkipsEmptyKey(t *testing.T) {
	got := buildBufferedRanges(&stubPlayer{}, &player.Manifest{}, []trackReport{{
		Format: models.FormatID{Itag: 140},
	}})
	assert.Empty(t, got)
}
