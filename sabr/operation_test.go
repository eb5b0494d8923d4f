package sabr

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/acomagu/bufpipe"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"sabrstream/config"
	"sabrstream/internal/ump"
	"sabrstream/internal/wire"
	"sabrstream/player"
)

var testSettings = config.ClientSettings{
	RequestTimeoutSec:     5,
	MaxBackoffOccurrences: 3,
	MaxPolicyRetries:      100,
	UserAgent:             "sabrstream-test/1.0",
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubRegistry struct {
	handlers map[string]player.Handler
}

func newStubRegistry() *stubRegistry {
	return &stubRegistry{handlers: make(map[string]player.Handler)}
}

func (r *stubRegistry) RegisterScheme(name string, h player.Handler) { r.handlers[name] = h }
func (r *stubRegistry) UnregisterScheme(name string)                 { delete(r.handlers, name) }

func testManifest() *player.Manifest {
	return &player.Manifest{
		Variants: []player.VariantTrack{{
			AudioFormatKey: "140-100-",
			VideoFormatKey: "137-162000-",
			AudioBandwidth: 128000,
			Active:         true,
		}},
	}
}

func setupTestSession(t *testing.T, serverURL string) (*stubRegistry, *Handle) {
	t.Helper()
	return setupTestSessionWith(t, serverURL, testSettings)
}

func setupTestSessionWith(t *testing.T, serverURL string, settings config.ClientSettings) (*stubRegistry, *Handle) {
	t.Helper()
	reg := newStubRegistry()
	plr := &stubPlayer{rate: 1, bandwidth: 2_000_000}
	man := testManifest()
	h, err := Setup(SessionParams{
		InitialURL: serverURL,
		PoToken:    "dGVzdC10b2tlbg",
		ClientInfo: wire.ClientInfo{ClientName: 7, ClientVersion: "1.0"},
	}, reg,
		func() player.Player { return plr },
		func() *player.Manifest { return man },
		settings, testLogger())
	require.NoError(t, err)
	t.Cleanup(h.Cleanup)
	return reg, h
}

func fetch(t *testing.T, reg *stubRegistry, ctx context.Context, uri string, cb player.Callbacks) (*player.Response, error) {
	t.Helper()
	h, ok := reg.handlers[Scheme]
	require.True(t, ok, "scheme not registered")
	return h(ctx, uri, &player.Request{}, player.RequestTypeSegment, cb)
}

// Response-building helpers mirroring the server's part encodings.

func mediaHeaderPayload(id uint32, itag int32, lastModified uint64, isInit bool, seq int64, contentLen int64) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(id))
	b = protowire.AppendTag(b, 3, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(itag))
	b = protowire.AppendTag(b, 4, protowire.VarintType)
	b = protowire.AppendVarint(b, lastModified)
	if isInit {
		b = protowire.AppendTag(b, 8, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}
	b = protowire.AppendTag(b, 9, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(seq))
	if contentLen > 0 {
		b = protowire.AppendTag(b, 14, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(contentLen))
	}
	return b
}

func mediaPayload(id uint32, data []byte) []byte {
	return append(ump.AppendVarint(nil, id), data...)
}

func segmentStream(id uint32, itag int32, lastModified uint64, isInit bool, seq int64, data []byte) []byte {
	var out []byte
	out = ump.AppendPart(out, uint32(wire.PartMediaHeader),
		mediaHeaderPayload(id, itag, lastModified, isInit, seq, int64(len(data))))
	half := len(data) / 2
	out = ump.AppendPart(out, uint32(wire.PartMedia), mediaPayload(id, data[:half]))
	out = ump.AppendPart(out, uint32(wire.PartMedia), mediaPayload(id, data[half:]))
	out = ump.AppendPart(out, uint32(wire.PartMediaEnd), ump.AppendVarint(nil, id))
	return out
}

func testSegmentData(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}

func requireSabrRequest(t *testing.T, r *http.Request) {
	t.Helper()
	assert.Equal(t, http.MethodPost, r.Method)
	assert.Equal(t, "application/x-protobuf", r.Header.Get("Content-Type"))
	assert.Equal(t, "application/vnd.yt-ump", r.Header.Get("Accept"))
	assert.NotEmpty(t, r.URL.Query().Get("rn"))
}

func TestFetchSegmentHappyPath(t *testing.T) {
	data := testSegmentData(1000)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requireSabrRequest(t, r)
		assert.Equal(t, "1", r.URL.Query().Get("rn"))
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		assert.NotEmpty(t, body)
		w.Write(segmentStream(1, 137, 162000, false, 5, data))
	}))
	defer srv.Close()

	reg, _ := setupTestSession(t, srv.URL+"/videoplayback")

	var progressCalls atomic.Int32
	var lastLoaded, lastTotal atomic.Int64
	resp, err := fetch(t, reg, context.Background(), "sabr://segment/137-162000-/5", player.Callbacks{
		Progress: func(loaded, total int64) {
			progressCalls.Add(1)
			lastLoaded.Store(loaded)
			lastTotal.Store(total)
		},
	})
	require.NoError(t, err)
	assert.Equal(t, data, resp.Data)
	assert.Equal(t, 200, resp.Status)
	assert.GreaterOrEqual(t, progressCalls.Load(), int32(2))
	assert.Equal(t, int64(1000), lastLoaded.Load())
	assert.Equal(t, int64(1000), lastTotal.Load())
}

func TestFetchIgnoresForeignMediaStreams(t *testing.T) {
	data := testSegmentData(600)
	other := testSegmentData(300)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var out []byte
		// An interleaved stream for a different format must be skipped.
		out = ump.AppendPart(out, uint32(wire.PartMediaHeader),
			mediaHeaderPayload(9, 140, 100, false, 5, int64(len(other))))
		out = ump.AppendPart(out, uint32(wire.PartMedia), mediaPayload(9, other))
		out = append(out, segmentStream(1, 137, 162000, false, 5, data)...)
		out = ump.AppendPart(out, uint32(wire.PartMediaEnd), ump.AppendVarint(nil, 9))
		w.Write(out)
	}))
	defer srv.Close()

	reg, _ := setupTestSession(t, srv.URL+"/videoplayback")

	resp, err := fetch(t, reg, context.Background(), "sabr://segment/137-162000-/5", player.Callbacks{})
	require.NoError(t, err)
	assert.Equal(t, data, resp.Data)
}

func TestFetchFollowsRedirect(t *testing.T) {
	data := testSegmentData(400)
	var requests atomic.Int32

	var srvURL string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requireSabrRequest(t, r)
		switch requests.Add(1) {
		case 1:
			assert.Equal(t, "1", r.URL.Query().Get("rn"))
			var redirect []byte
			redirect = protowire.AppendTag(redirect, 1, protowire.BytesType)
			redirect = protowire.AppendString(redirect, srvURL+"/videoplayback?edge=2")
			w.Write(ump.AppendPart(nil, uint32(wire.PartSabrRedirect), redirect))
		default:
			// Re-issued request carries the next number on the new URL.
			assert.Equal(t, "2", r.URL.Query().Get("rn"))
			assert.Equal(t, "2", r.URL.Query().Get("edge"))
			w.Write(segmentStream(1, 137, 162000, false, 5, data))
		}
	}))
	defer srv.Close()
	srvURL = srv.URL

	reg, _ := setupTestSession(t, srv.URL+"/videoplayback")

	resp, err := fetch(t, reg, context.Background(), "sabr://segment/137-162000-/5", player.Callbacks{})
	require.NoError(t, err)
	assert.Equal(t, data, resp.Data)
	assert.Equal(t, int32(2), requests.Load())
}

func TestFetchInvalidTokenIsCritical(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var status []byte
		status = protowire.AppendTag(status, 1, protowire.VarintType)
		status = protowire.AppendVarint(status, wire.StreamProtectionAttestationRequired)
		w.Write(ump.AppendPart(nil, uint32(wire.PartStreamProtectionStatus), status))
	}))
	defer srv.Close()

	reg, _ := setupTestSession(t, srv.URL+"/videoplayback")

	_, err := fetch(t, reg, context.Background(), "sabr://segment/137-162000-/5", player.Callbacks{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidPoToken))
	assert.Equal(t, CategoryCritical, Categorize(err))
}

func TestFetchForbiddenIsCritical(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer srv.Close()

	reg, _ := setupTestSession(t, srv.URL+"/videoplayback")

	_, err := fetch(t, reg, context.Background(), "sabr://segment/137-162000-/5", player.Callbacks{})
	require.Error(t, err)
	assert.Equal(t, CategoryCritical, Categorize(err))
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusForbidden, se.StatusCode)
}

func TestFetchServerErrorIsRecoverable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var msg []byte
		msg = protowire.AppendTag(msg, 1, protowire.BytesType)
		msg = protowire.AppendString(msg, "MEDIA_ERROR")
		msg = protowire.AppendTag(msg, 2, protowire.VarintType)
		msg = protowire.AppendVarint(msg, 5)
		w.Write(ump.AppendPart(nil, uint32(wire.PartSabrError), msg))
	}))
	defer srv.Close()

	reg, _ := setupTestSession(t, srv.URL+"/videoplayback")

	_, err := fetch(t, reg, context.Background(), "sabr://segment/137-162000-/5", player.Callbacks{})
	require.Error(t, err)
	assert.Equal(t, CategoryRecoverable, Categorize(err))
	assert.Contains(t, err.Error(), "MEDIA_ERROR")
}

func TestFetchCancelledMidStreamIsAborted(t *testing.T) {
	firstMedia := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data := testSegmentData(200)
		var out []byte
		out = ump.AppendPart(out, uint32(wire.PartMediaHeader),
			mediaHeaderPayload(1, 137, 162000, false, 5, 10_000))
		out = ump.AppendPart(out, uint32(wire.PartMedia), mediaPayload(1, data))
		w.Write(out)
		w.(http.Flusher).Flush()
		// Hold the stream open until the client gives up.
		<-r.Context().Done()
	}))
	defer srv.Close()

	reg, _ := setupTestSession(t, srv.URL+"/videoplayback")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-firstMedia
		cancel()
	}()

	var once atomic.Bool
	_, err := fetch(t, reg, ctx, "sabr://segment/137-162000-/5", player.Callbacks{
		Progress: func(loaded, total int64) {
			if once.CompareAndSwap(false, true) {
				close(firstMedia)
			}
		},
	})
	require.Error(t, err)
	assert.Equal(t, CategoryAborted, Categorize(err))
}

func TestFetchBackoffLoopTriggersReload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var policy []byte
		policy = protowire.AppendTag(policy, 4, protowire.VarintType)
		policy = protowire.AppendVarint(policy, 5) // 5ms backoff
		w.Write(ump.AppendPart(nil, uint32(wire.PartNextRequestPolicy), policy))
	}))
	defer srv.Close()

	reg, handle := setupTestSession(t, srv.URL+"/videoplayback")

	var reloads atomic.Int32
	handle.OnReloadOnce(func() { reloads.Add(1) })

	var backoffs atomic.Int32
	handle.OnBackoffRequested = func(d time.Duration) {
		assert.Equal(t, 5*time.Millisecond, d)
		backoffs.Add(1)
	}

	_, err := fetch(t, reg, context.Background(), "sabr://segment/137-162000-/5", player.Callbacks{})
	require.Error(t, err)
	assert.Equal(t, CategoryAborted, Categorize(err))
	assert.Equal(t, int32(1), reloads.Load())
	// The third backoff hits the cap before waiting.
	assert.Equal(t, int32(2), backoffs.Load())

	// The session is terminal: later fetches fail without touching the
	// network, and a late reload subscription fires immediately.
	_, err = fetch(t, reg, context.Background(), "sabr://segment/137-162000-/6", player.Callbacks{})
	require.Error(t, err)
	assert.Equal(t, CategoryAborted, Categorize(err))

	fired := false
	handle.OnReloadOnce(func() { fired = true })
	assert.True(t, fired)
	assert.Equal(t, int32(1), reloads.Load())
}

func TestFetchServerReloadNotice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var msg []byte
		msg = protowire.AppendTag(msg, 1, protowire.BytesType)
		msg = protowire.AppendBytes(msg, []byte("reload-params"))
		w.Write(ump.AppendPart(nil, uint32(wire.PartReloadPlayerResponse), msg))
	}))
	defer srv.Close()

	reg, handle := setupTestSession(t, srv.URL+"/videoplayback")

	var reloads atomic.Int32
	handle.OnReloadOnce(func() { reloads.Add(1) })

	_, err := fetch(t, reg, context.Background(), "sabr://segment/137-162000-/5", player.Callbacks{})
	require.Error(t, err)
	assert.Equal(t, CategoryAborted, Categorize(err))
	assert.Equal(t, int32(1), reloads.Load())
}

func TestInitSegmentServedFromCache(t *testing.T) {
	data := testSegmentData(800)
	var requests atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.Write(segmentStream(1, 140, 100, true, 0, data))
	}))
	defer srv.Close()

	reg, _ := setupTestSession(t, srv.URL+"/videoplayback")

	resp, err := fetch(t, reg, context.Background(), "sabr://init/140-100-", player.Callbacks{})
	require.NoError(t, err)
	assert.Equal(t, data, resp.Data)
	assert.False(t, resp.FromCache)

	resp, err = fetch(t, reg, context.Background(), "sabr://init/140-100-", player.Callbacks{})
	require.NoError(t, err)
	assert.Equal(t, data, resp.Data)
	assert.True(t, resp.FromCache)
	assert.Equal(t, int32(1), requests.Load())
}

func TestFetchTimesOut(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var out []byte
		out = ump.AppendPart(out, uint32(wire.PartMediaHeader),
			mediaHeaderPayload(1, 137, 162000, false, 5, 10_000))
		out = ump.AppendPart(out, uint32(wire.PartMedia), mediaPayload(1, testSegmentData(100)))
		w.Write(out)
		w.(http.Flusher).Flush()
		// Never finish the stream; the per-request deadline must fire.
		<-r.Context().Done()
	}))
	defer srv.Close()

	cfg := testSettings
	cfg.RequestTimeoutSec = 1
	reg, _ := setupTestSessionWith(t, srv.URL+"/videoplayback", cfg)

	start := time.Now()
	_, err := fetch(t, reg, context.Background(), "sabr://segment/137-162000-/5", player.Callbacks{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTimeout))
	assert.Equal(t, CategoryTimeout, Categorize(err))
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestFetchIncompleteSegmentIsRecoverable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data := testSegmentData(250)
		var out []byte
		out = ump.AppendPart(out, uint32(wire.PartMediaHeader),
			mediaHeaderPayload(1, 137, 162000, false, 5, int64(len(data))))
		out = ump.AppendPart(out, uint32(wire.PartMedia), mediaPayload(1, data))
		// Stream ends without the end-of-stream marker.
		w.Write(out)
	}))
	defer srv.Close()

	reg, _ := setupTestSession(t, srv.URL+"/videoplayback")

	_, err := fetch(t, reg, context.Background(), "sabr://segment/137-162000-/5", player.Callbacks{})
	require.Error(t, err)
	assert.Equal(t, CategoryRecoverable, Categorize(err))
	assert.Contains(t, err.Error(), "incomplete")
}

func TestConcurrentFetchesShareOneSession(t *testing.T) {
	videoData := testSegmentData(700)
	audioData := testSegmentData(300)

	var mu sync.Mutex
	seenRN := map[string]bool{}

	// Every response carries both streams interleaved; each operation must
	// pick out its own and ignore the other.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seenRN[r.URL.Query().Get("rn")] = true
		mu.Unlock()
		var out []byte
		out = append(out, segmentStream(1, 137, 162000, false, 5, videoData)...)
		out = append(out, segmentStream(2, 140, 100, false, 3, audioData)...)
		w.Write(out)
	}))
	defer srv.Close()

	reg, _ := setupTestSession(t, srv.URL+"/videoplayback")

	var wg sync.WaitGroup
	results := make([][]byte, 2)
	errs := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		resp, err := fetch(t, reg, context.Background(), "sabr://segment/137-162000-/5", player.Callbacks{})
		if resp != nil {
			results[0] = resp.Data
		}
		errs[0] = err
	}()
	go func() {
		defer wg.Done()
		resp, err := fetch(t, reg, context.Background(), "sabr://segment/140-100-/3", player.Callbacks{})
		if resp != nil {
			results[1] = resp.Data
		}
		errs[1] = err
	}()
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, videoData, results[0])
	assert.Equal(t, audioData, results[1])

	// Request numbers never collide across concurrent operations.
	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, seenRN, 2)
}

func TestReadStreamChunkedDelivery(t *testing.T) {
	data := testSegmentData(500)
	stream := segmentStream(1, 137, 162000, false, 5, data)

	pr, pw := bufpipe.New(nil)
	go func() {
		// Dribble the stream in uneven pieces, as a real body arrives.
		for i := 0; i < len(stream); i += 7 {
			end := i + 7
			if end > len(stream) {
				end = len(stream)
			}
			pw.Write(stream[i:end])
		}
		pw.Close()
	}()

	op := &operation{
		req: segmentRequest{
			Format:   mustFormat(t, "137-162000-"),
			Key:      "137-162000-",
			Sequence: 5,
		},
		log: testLogger(),
	}
	result, err := op.readStream(context.Background(), testLogger(), pr)
	require.NoError(t, err)
	assert.True(t, result.complete)
	assert.Equal(t, data, result.media)
}
