package sabr

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"

	"sabrstream/internal/ump"
	"sabrstream/internal/wire"
	"sabrstream/models"
	"sabrstream/player"
)

// segmentRequest is one player-initiated fetch: either the init segment or
// a numbered media segment of one format.
type segmentRequest struct {
	Format   models.FormatID
	Key      string
	IsInit   bool
	Sequence int64
	Type     models.MediaType
}

func (r segmentRequest) String() string {
	if r.IsInit {
		return fmt.Sprintf("init %s", r.Key)
	}
	return fmt.Sprintf("segment %d of %s", r.Sequence, r.Key)
}

// operation owns one fetch from the player: the bounded request/retry loop,
// the streamed response decode, and the final categorized resolution.
// Operations never share state except through the Session.
type operation struct {
	id      string
	req     segmentRequest
	tracks  []trackReport
	cb      player.Callbacks
	session *Session
	cache   *initSegmentCache
	client  *http.Client
	log     *slog.Logger

	requestTimeout  time.Duration
	maxBackoffs     int
	maxPolicyRetry  int
	userAgent       string
	poToken         []byte
	ustreamerConfig []byte
	clientInfo      wire.ClientInfo
	viewportWidth   func() int
	viewportHeight  func() int
	getPlayer       func() player.Player
	getManifest     func() *player.Manifest

	onBackoff      func(time.Duration)
	onSessionFatal func()
}

// attemptResult is everything one HTTP exchange produced.
type attemptResult struct {
	media        []byte
	complete     bool
	retry        bool
	invalidToken bool
	sabrErr      *wire.SabrError
	reload       bool
}

// run executes the fetch. It resolves with the reassembled segment bytes
// (fromCache reports an init-cache hit) or a categorized error;
// session-fatal conditions additionally flag the whole session for reload.
func (o *operation) run(parent context.Context) (data []byte, fromCache bool, err error) {
	if o.id == "" {
		o.id = uuid.NewString()
	}
	log := o.log.With("op", o.id, "request", o.req.String())

	// Guard: a terminal session issues nothing.
	if o.session.ReloadRequested() {
		return nil, false, fmt.Errorf("session reload pending: %w", ErrAborted)
	}

	// Init-segment short-circuit.
	if o.req.IsInit {
		if data, ok := o.cache.get(o.req.Key); ok {
			log.Debug("init segment served from cache", "bytes", len(data))
			return data, true, nil
		}
	}

	ctx, cancel := context.WithCancelCause(parent)
	defer cancel(nil)

	// A reload anywhere in the session aborts this operation too.
	stopWatch := context.AfterFunc(o.session.Lifecycle(), func() {
		cancel(ErrAborted)
	})
	defer stopWatch()

	// Per-request timeout, defused on every exit path.
	timer := time.AfterFunc(o.requestTimeout, func() {
		cancel(ErrTimeout)
	})
	defer timer.Stop()

	var (
		backoffCount  int
		backoffTotal  time.Duration
		policyRetries int
		timerReset    bool
	)

	for {
		if o.session.ReloadRequested() {
			return nil, false, fmt.Errorf("session reload pending: %w", ErrAborted)
		}

		// Honor the server's backoff instruction before requesting.
		if p := o.session.NextRequestPolicy(); p != nil && p.BackoffTimeMs > 0 {
			delay := time.Duration(p.BackoffTimeMs) * time.Millisecond
			backoffCount++
			backoffTotal += delay
			if backoffCount >= o.maxBackoffs || backoffTotal >= o.requestTimeout {
				log.Warn("backoff loop detected, requesting session reload",
					"occurrences", backoffCount, "total", backoffTotal)
				o.sessionFatal()
				return nil, false, fmt.Errorf("backoff loop: %w", ErrAborted)
			}
			// A legitimate long wait must not read as a stalled
			// request; push the deadline out once.
			if !timerReset {
				timer.Reset(o.requestTimeout)
				timerReset = true
			}
			log.Info("backing off before request", "delay", delay)
			if o.onBackoff != nil {
				o.onBackoff(delay)
			}
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, false, o.ctxError(ctx)
			}
		}

		body, err := o.encodeRequest()
		if err != nil {
			// Without a valid request body there is nothing to send.
			return nil, false, recoverableError("encode request body", err)
		}

		result, status, err := o.attempt(ctx, log, body)
		if err != nil {
			return nil, false, err
		}

		if result.reload {
			log.Warn("server requested player reload")
			o.sessionFatal()
			return nil, false, fmt.Errorf("server reload notice: %w", ErrAborted)
		}

		// Resolution, in priority order.
		switch {
		case result.complete:
			if o.req.IsInit {
				o.cache.put(o.req.Key, result.media)
			}
			log.Debug("segment complete", "bytes", len(result.media))
			return result.media, false, nil

		case result.retry:
			policyRetries++
			if policyRetries >= o.maxPolicyRetry {
				log.Warn("policy retry loop detected, requesting session reload",
					"retries", policyRetries)
				o.sessionFatal()
				return nil, false, fmt.Errorf("retry loop: %w", ErrAborted)
			}
			log.Info("re-issuing request", "retries", policyRetries, "url", o.session.URL())
			continue

		case result.invalidToken:
			return nil, false, criticalError("stream protection rejected token", ErrInvalidPoToken)

		case result.sabrErr != nil:
			return nil, false, recoverableError(
				fmt.Sprintf("server error %q (code %d)", result.sabrErr.Type, result.sabrErr.Code), nil)

		case len(result.media) > 0:
			return nil, false, recoverableError(
				fmt.Sprintf("segment incomplete: %d bytes without end marker", len(result.media)), nil)

		case status != http.StatusOK:
			statusErr := &StatusError{StatusCode: status}
			if status == http.StatusUnauthorized || status == http.StatusForbidden {
				return nil, false, criticalError("endpoint rejected request", statusErr)
			}
			return nil, false, recoverableError("endpoint error status", statusErr)

		default:
			return nil, false, recoverableError("response contained no usable parts", nil)
		}
	}
}

// attempt performs one HTTP exchange and decodes its streamed response.
func (o *operation) attempt(ctx context.Context, log *slog.Logger, body []byte) (attemptResult, int, error) {
	rn := o.session.NextRequestNumber()
	target, err := requestURL(o.session.URL(), rn)
	if err != nil {
		return attemptResult{}, 0, recoverableError("build request url", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return attemptResult{}, 0, recoverableError("build request", err)
	}
	req.Header.Set("Content-Type", "application/x-protobuf")
	req.Header.Set("Accept", "application/vnd.yt-ump")
	req.Header.Set("Accept-Encoding", "identity")
	if o.userAgent != "" {
		req.Header.Set("User-Agent", o.userAgent)
	}

	log.Debug("issuing request", "rn", rn, "bytes", len(body))

	resp, err := o.client.Do(req)
	if err != nil {
		if ctxErr := o.ctxError(ctx); ctxErr != nil {
			return attemptResult{}, 0, ctxErr
		}
		return attemptResult{}, 0, recoverableError("request failed", err)
	}
	defer resp.Body.Close()

	o.cb.NotifyHeadersReceived(resp.Header)

	if resp.StatusCode != http.StatusOK {
		// Drain a little for connection reuse; the status decides the
		// outcome during resolution.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 2048))
		return attemptResult{}, resp.StatusCode, nil
	}

	result, err := o.readStream(ctx, log, resp.Body)
	if err != nil {
		return attemptResult{}, 0, err
	}
	return result, resp.StatusCode, nil
}

// readStream incrementally frames and dispatches the response body. It
// stops early once the requested segment is complete or the server demands
// a reload; everything else runs to end of stream.
func (o *operation) readStream(ctx context.Context, log *slog.Logger, r io.Reader) (attemptResult, error) {
	var (
		reader         ump.Reader
		result         attemptResult
		acceptedHeader uint32
		headerMatched  bool
		contentLength  int64 = -1
	)

	expected := wireFormatID(o.req.Format)

	for {
		if err := ctx.Err(); err != nil {
			return attemptResult{}, o.ctxError(ctx)
		}

		buf := make([]byte, 32*1024)
		n, readErr := r.Read(buf)
		if n > 0 {
			parts, err := reader.Feed(buf[:n])
			if err != nil {
				return attemptResult{}, recoverableError("malformed container framing", err)
			}
			for _, part := range parts {
				done := o.handlePart(log, part, expected, &result, &acceptedHeader, &headerMatched, &contentLength)
				if done {
					return result, nil
				}
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				return result, nil
			}
			if ctxErr := o.ctxError(ctx); ctxErr != nil {
				return attemptResult{}, ctxErr
			}
			return attemptResult{}, recoverableError("read response stream", readErr)
		}
	}
}

// handlePart reacts to one decoded part. Returns true when the stream read
// should stop (segment complete or session-fatal reload).
func (o *operation) handlePart(log *slog.Logger, part ump.Part, expected wire.FormatID,
	result *attemptResult, acceptedHeader *uint32, headerMatched *bool, contentLength *int64) bool {

	msg, err := wire.DecodePart(part)
	if err != nil {
		// A single bad part must not spoil the fetch.
		log.Debug("skipping undecodable part", "type", wire.PartType(part.Type).String(), "err", err)
		return false
	}

	switch m := msg.(type) {
	case *wire.MediaHeader:
		if *headerMatched {
			return false
		}
		if !o.headerMatches(m, expected) {
			log.Debug("ignoring media header for other stream",
				"headerId", m.HeaderID, "itag", m.EffectiveFormatID().Itag)
			return false
		}
		*acceptedHeader = m.HeaderID
		*headerMatched = true
		if m.ContentLength > 0 {
			*contentLength = m.ContentLength
		}

	case *wire.Media:
		if !*headerMatched || m.HeaderID != *acceptedHeader {
			return false
		}
		result.media = m.Data.AppendTo(result.media)
		o.cb.NotifyProgress(int64(len(result.media)), *contentLength)

	case *wire.MediaEnd:
		if !*headerMatched || m.HeaderID != *acceptedHeader {
			return false
		}
		result.complete = true
		return true

	case *wire.SabrRedirect:
		if m.URL != "" {
			log.Info("server redirect", "url", m.URL)
			o.session.RecordRedirect(m.URL)
			result.retry = true
		}

	case *wire.NextRequestPolicy:
		o.session.RecordNextRequestPolicy(m)
		result.retry = true

	case *wire.SabrContextUpdate:
		o.session.RecordContextUpdate(m)

	case *wire.SabrContextSendingPolicy:
		o.session.ApplySendingPolicy(m)

	case *wire.StreamProtectionStatus:
		if m.Status == wire.StreamProtectionAttestationRequired {
			result.invalidToken = true
		}

	case *wire.SabrError:
		log.Debug("server reported error", "type", m.Type, "code", m.Code)
		result.sabrErr = m

	case *wire.ReloadPlayerResponse:
		result.reload = true
		return true

	case *wire.FormatInitializationMetadata:
		log.Debug("format initialization metadata",
			"videoId", m.VideoID, "mimeType", m.MimeType, "totalSegments", m.TotalSegments)

	case *wire.Unknown:
		log.Debug("skipping unhandled part", "type", m.PartType.String(), "bytes", m.Size)
	}
	return false
}

// headerMatches checks a media header against the requested format and the
// init-vs-sequence expectation.
func (o *operation) headerMatches(h *wire.MediaHeader, expected wire.FormatID) bool {
	got := h.EffectiveFormatID()
	if got.Itag != expected.Itag || got.LastModified != expected.LastModified || got.Xtags != expected.Xtags {
		return false
	}
	if o.req.IsInit {
		return h.IsInitSegment
	}
	return !h.IsInitSegment && h.SequenceNumber == o.req.Sequence
}

// encodeRequest snapshots session and player state into the request body.
func (o *operation) encodeRequest() ([]byte, error) {
	plr := o.getPlayer()
	man := o.getManifest()

	contexts, unsent := o.session.OutboundContexts()

	var cookie []byte
	if p := o.session.NextRequestPolicy(); p != nil {
		cookie = p.PlaybackCookie
	}

	trackTypes := wire.TrackTypesVideoAndAudio
	if plr != nil && plr.IsAudioOnly() {
		trackTypes = wire.TrackTypesAudioOnly
	}

	req := wire.VideoPlaybackAbrRequest{
		UstreamerConfig: o.ustreamerConfig,
		StreamerContext: wire.StreamerContext{
			ClientInfo:         o.clientInfo,
			PoToken:            o.poToken,
			PlaybackCookie:     cookie,
			SabrContexts:       contexts,
			UnsentSabrContexts: unsent,
		},
	}

	if plr != nil {
		playerTimeMs := int64(plr.CurrentTime() * 1000)
		req.PlayerTimeMs = playerTimeMs
		req.ClientAbrState = wire.ClientAbrState{
			ClientViewportWidth:  int32(o.viewportWidth()),
			ClientViewportHeight: int32(o.viewportHeight()),
			BandwidthEstimate:    plr.BandwidthEstimate(),
			PlayerTimeMs:         playerTimeMs,
			EnabledTrackTypes:    trackTypes,
			PlaybackRate:         plr.PlaybackRate(),
		}
		req.BufferedRanges = buildBufferedRanges(plr, man, o.tracks)
	}

	for _, tr := range o.tracks {
		id := wireFormatID(tr.Format)
		req.SelectedFormatIDs = append(req.SelectedFormatIDs, id)
		switch tr.Type {
		case models.MediaTypeAudio:
			req.SelectedAudioFormatIDs = append(req.SelectedAudioFormatIDs, id)
		case models.MediaTypeVideo:
			req.SelectedVideoFormatIDs = append(req.SelectedVideoFormatIDs, id)
		}
	}

	return req.Encode()
}

// ctxError translates a cancelled context into the categorized error the
// player expects, distinguishing timeout from abort.
func (o *operation) ctxError(ctx context.Context) error {
	if ctx.Err() == nil {
		return nil
	}
	cause := context.Cause(ctx)
	switch {
	case errors.Is(cause, ErrTimeout):
		return fmt.Errorf("deadline after %s: %w", o.requestTimeout, ErrTimeout)
	case errors.Is(cause, ErrAborted):
		return ErrAborted
	case errors.Is(cause, context.Canceled):
		return ErrAborted
	default:
		return cause
	}
}

// sessionFatal flips the session into its terminal state and notifies the
// scheme adapter exactly once.
func (o *operation) sessionFatal() {
	o.session.RequestReload()
	if o.onSessionFatal != nil {
		o.onSessionFatal()
	}
}

// requestURL appends the request number to the current endpoint.
func requestURL(base string, rn int64) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("rn", strconv.FormatInt(rn, 10))
	u.RawQuery = q.Encode()
	return u.String(), nil
}
