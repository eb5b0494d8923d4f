package sabr

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"sabrstream/config"
	"sabrstream/internal/wire"
	"sabrstream/models"
	"sabrstream/player"
)

// Scheme is the URI scheme the handler registers under. Segment URIs take
// the form "sabr://init/<formatKey>" or "sabr://segment/<formatKey>/<seq>".
const Scheme = "sabr"

// SessionParams carries everything needed to start a streaming session.
// PoToken and UstreamerConfig are base64url strings as delivered by the
// playback response; they are decoded once during Setup.
type SessionParams struct {
	InitialURL      string
	PoToken         string
	UstreamerConfig string
	ClientInfo      wire.ClientInfo

	// Viewport dimensions are read live on every request.
	ViewportWidth  func() int
	ViewportHeight func() int

	// PreferredAudioFormatKey overrides the audio-track guess used while
	// no audio variant is active yet.
	PreferredAudioFormatKey string
}

// Handle is the caller's grip on a registered session: reload notification,
// backoff observation and teardown.
type Handle struct {
	mu         sync.Mutex
	reloadSeen bool
	onReload   func()
	cleanup    func()

	// OnBackoffRequested, when set, observes every server-instructed wait.
	OnBackoffRequested func(time.Duration)
}

// OnReloadOnce registers fn to run the first time the session becomes
// terminal. If the session already reloaded, fn runs immediately. At most
// one invocation ever happens.
func (h *Handle) OnReloadOnce(fn func()) {
	h.mu.Lock()
	fire := h.reloadSeen
	if !fire {
		h.onReload = fn
	}
	h.mu.Unlock()
	if fire {
		fn()
	}
}

func (h *Handle) notifyReload() {
	h.mu.Lock()
	if h.reloadSeen {
		h.mu.Unlock()
		return
	}
	h.reloadSeen = true
	fn := h.onReload
	h.onReload = nil
	h.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Cleanup unregisters the scheme, drops the init-segment cache and aborts
// in-flight fetches. Idempotent and safe even when no request ever ran.
func (h *Handle) Cleanup() {
	h.mu.Lock()
	fn := h.cleanup
	h.cleanup = nil
	h.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Setup wires a streaming session into the player: it builds the shared
// session state and HTTP client, then registers a handler for the sabr
// scheme on the player's registry. The returned Handle tears it all down.
func Setup(params SessionParams, registry player.SchemeRegistry,
	getPlayer func() player.Player, getManifest func() *player.Manifest,
	settings config.ClientSettings, logger *slog.Logger) (*Handle, error) {

	if params.InitialURL == "" {
		return nil, fmt.Errorf("initial url required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	poToken, err := decodeBase64Loose(params.PoToken)
	if err != nil {
		return nil, fmt.Errorf("decode po token: %w", err)
	}
	ustreamerConfig, err := decodeBase64Loose(params.UstreamerConfig)
	if err != nil {
		return nil, fmt.Errorf("decode ustreamer config: %w", err)
	}

	client, err := newHTTPClient()
	if err != nil {
		return nil, fmt.Errorf("build http client: %w", err)
	}

	session := NewSession(params.InitialURL)
	cache := newInitSegmentCache()
	handle := &Handle{}

	width := params.ViewportWidth
	if width == nil {
		width = func() int { return 0 }
	}
	height := params.ViewportHeight
	if height == nil {
		height = func() int { return 0 }
	}

	handler := func(ctx context.Context, uri string, _ *player.Request,
		typ player.RequestType, cb player.Callbacks) (*player.Response, error) {

		if typ != player.RequestTypeSegment {
			return nil, recoverableError(fmt.Sprintf("unsupported request type %d", typ), nil)
		}
		req, err := parseSegmentURI(uri)
		if err != nil {
			return nil, recoverableError("parse segment uri", err)
		}

		plr := getPlayer()
		man := getManifest()
		tracks := selectTracks(plr, man, req, params.PreferredAudioFormatKey)

		op := &operation{
			req:             req,
			tracks:          tracks,
			cb:              cb,
			session:         session,
			cache:           cache,
			client:          client,
			log:             logger,
			requestTimeout:  settings.RequestTimeout(),
			maxBackoffs:     settings.MaxBackoffOccurrences,
			maxPolicyRetry:  settings.MaxPolicyRetries,
			userAgent:       settings.UserAgent,
			poToken:         poToken,
			ustreamerConfig: ustreamerConfig,
			clientInfo:      params.ClientInfo,
			viewportWidth:   width,
			viewportHeight:  height,
			getPlayer:       getPlayer,
			getManifest:     getManifest,
			onBackoff:       func(d time.Duration) { handle.backoff(d) },
			onSessionFatal:  handle.notifyReload,
		}

		data, fromCache, err := op.run(ctx)
		if err != nil {
			return nil, err
		}
		return &player.Response{Data: data, Status: 200, URI: uri, FromCache: fromCache}, nil
	}

	registry.RegisterScheme(Scheme, handler)

	handle.cleanup = func() {
		registry.UnregisterScheme(Scheme)
		cache.clear()
		session.Close()
	}
	return handle, nil
}

func (h *Handle) backoff(d time.Duration) {
	h.mu.Lock()
	fn := h.OnBackoffRequested
	h.mu.Unlock()
	if fn != nil {
		fn(d)
	}
}

// parseSegmentURI splits "sabr://init/<formatKey>" and
// "sabr://segment/<formatKey>/<seq>" into a segmentRequest.
func parseSegmentURI(uri string) (segmentRequest, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return segmentRequest{}, err
	}
	if u.Scheme != Scheme {
		return segmentRequest{}, fmt.Errorf("unexpected scheme %q", u.Scheme)
	}
	path := strings.TrimPrefix(u.Path, "/")

	switch u.Host {
	case "init":
		format, err := models.ParseFormatKey(path)
		if err != nil {
			return segmentRequest{}, err
		}
		return segmentRequest{Format: format, Key: path, IsInit: true}, nil

	case "segment":
		key, seqStr, ok := strings.Cut(path, "/")
		if !ok {
			return segmentRequest{}, fmt.Errorf("segment uri missing sequence: %q", uri)
		}
		format, err := models.ParseFormatKey(key)
		if err != nil {
			return segmentRequest{}, err
		}
		seq, err := strconv.ParseInt(seqStr, 10, 64)
		if err != nil {
			return segmentRequest{}, fmt.Errorf("bad sequence %q: %w", seqStr, err)
		}
		return segmentRequest{Format: format, Key: key, Sequence: seq}, nil

	default:
		return segmentRequest{}, fmt.Errorf("unexpected uri form %q", uri)
	}
}

// selectTracks determines the audio and video tracks to report in the
// request: the requested track plus its counterpart from the active
// variant. When no variant is active yet the counterpart audio track is
// guessed; video is omitted until a variant selects one.
func selectTracks(plr player.Player, man *player.Manifest, req segmentRequest,
	preferredAudioKey string) []trackReport {

	var audioKey, videoKey string
	if man != nil {
		if v := activeVariant(man); v != nil {
			audioKey = v.AudioFormatKey
			videoKey = v.VideoFormatKey
		}
	}
	if audioKey == "" {
		audioKey = guessAudioKey(man, preferredAudioKey)
	}

	reqType := models.MediaTypeVideo
	if audioKey != "" && req.Key == audioKey {
		reqType = models.MediaTypeAudio
	} else if videoKey != "" && req.Key == videoKey {
		reqType = models.MediaTypeVideo
	} else if audioKey == "" && videoKey == "" {
		// No variant yet; a lone fetch is treated as audio so the
		// server does not push unsolicited video.
		reqType = models.MediaTypeAudio
	}

	var out []trackReport
	if audioKey != "" {
		if f, err := models.ParseFormatKey(audioKey); err == nil {
			out = append(out, trackReport{
				Format:    f,
				Key:       audioKey,
				Type:      models.MediaTypeAudio,
				Streaming: reqType == models.MediaTypeAudio,
			})
		}
	}
	// The video track stays in the report even in audio-only mode: its
	// synthetic fully-buffered range is what tells the server to stop
	// sending video.
	if videoKey != "" {
		if f, err := models.ParseFormatKey(videoKey); err == nil {
			out = append(out, trackReport{
				Format:    f,
				Key:       videoKey,
				Type:      models.MediaTypeVideo,
				Streaming: reqType == models.MediaTypeVideo,
			})
		}
	}

	// The requested track always appears even when the manifest does not
	// know it yet.
	if !containsKey(out, req.Key) {
		out = append(out, trackReport{
			Format:    req.Format,
			Key:       req.Key,
			Type:      reqType,
			Streaming: true,
		})
	}
	return out
}

func containsKey(tracks []trackReport, key string) bool {
	for _, t := range tracks {
		if t.Key == key {
			return true
		}
	}
	return false
}

func activeVariant(man *player.Manifest) *player.VariantTrack {
	for i := range man.Variants {
		if man.Variants[i].Active {
			return &man.Variants[i]
		}
	}
	return nil
}

// guessAudioKey picks the audio track to report before any variant is
// active: the preferred key when provided, otherwise the highest-bandwidth
// variant audio carrying the "main" role (or any audio when no role says
// otherwise).
func guessAudioKey(man *player.Manifest, preferred string) string {
	if preferred != "" {
		return preferred
	}
	if man == nil {
		return ""
	}

	candidates := make([]player.VariantTrack, 0, len(man.Variants))
	for _, v := range man.Variants {
		if v.AudioFormatKey == "" {
			continue
		}
		if len(v.AudioRoles) > 0 && !hasRole(v.AudioRoles, "main") {
			continue
		}
		candidates = append(candidates, v)
	}
	if len(candidates) == 0 {
		return ""
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].AudioBandwidth > candidates[j].AudioBandwidth
	})
	return candidates[0].AudioFormatKey
}

func hasRole(roles []string, role string) bool {
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}

// decodeBase64Loose accepts both url-safe and standard alphabets, padded or
// not. Empty input decodes to nil.
func decodeBase64Loose(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	for _, enc := range []*base64.Encoding{
		base64.RawURLEncoding, base64.URLEncoding,
		base64.RawStdEncoding, base64.StdEncoding,
	} {
		if b, err := enc.DecodeString(s); err == nil {
			return b, nil
		}
	}
	return nil, fmt.Errorf("not valid base64: %q", s)
}
