// Package sabr implements the server-assisted bitrate streaming transport:
// a custom network-scheme handler that fetches media segments over a
// multiplexed binary protocol, reacting to server-pushed control messages
// (redirects, backoff policies, context updates, reload notices) while
// reassembling segment bytes for the player.
package sabr

import (
	"context"
	"sync"

	"sabrstream/internal/wire"
)

// Session holds the per-playback-session protocol state shared by all
// concurrent fetch operations. All mutation happens under one mutex so no
// operation ever observes a half-applied server instruction.
type Session struct {
	mu            sync.Mutex
	url           string
	contexts      map[int32]*wire.SabrContextUpdate
	activeTypes   map[int32]struct{}
	policy        *wire.NextRequestPolicy
	reload        bool
	requestNumber int64

	// lifecycle is cancelled when the session becomes terminal (reload
	// requested or cleanup); every in-flight operation watches it.
	lifecycle context.Context
	cancel    context.CancelCauseFunc
}

// NewSession creates session state pointing at the initial endpoint URL.
func NewSession(initialURL string) *Session {
	ctx, cancel := context.WithCancelCause(context.Background())
	return &Session{
		url:         initialURL,
		contexts:    make(map[int32]*wire.SabrContextUpdate),
		activeTypes: make(map[int32]struct{}),
		lifecycle:   ctx,
		cancel:      cancel,
	}
}

// URL returns the current endpoint, reflecting any server redirect.
func (s *Session) URL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.url
}

// RecordRedirect replaces the endpoint URL.
func (s *Session) RecordRedirect(url string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.url = url
}

// NextRequestNumber increments and returns the session request counter.
// Every HTTP exchange attempt gets a fresh number.
func (s *Session) NextRequestNumber() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requestNumber++
	return s.requestNumber
}

// RecordContextUpdate stores a server-issued context blob. KEEP_EXISTING
// updates are ignored when a context of that type is already stored; any
// other write policy replaces it. Send-by-default updates activate the type.
func (s *Session) RecordContextUpdate(u *wire.SabrContextUpdate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.contexts[u.Type]; exists && u.WritePolicy == wire.WritePolicyKeepExisting {
		return
	}
	s.contexts[u.Type] = u
	if u.SendByDefault {
		s.activeTypes[u.Type] = struct{}{}
	}
}

// ApplySendingPolicy activates "start" types, deactivates "stop" types and
// drops "discard" types from storage, in that order. A tag named in both
// start and stop ends up stopped.
func (s *Session) ApplySendingPolicy(p *wire.SabrContextSendingPolicy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range p.Start {
		s.activeTypes[t] = struct{}{}
	}
	for _, t := range p.Stop {
		delete(s.activeTypes, t)
	}
	for _, t := range p.Discard {
		delete(s.contexts, t)
	}
}

// OutboundContexts splits stored contexts into those to send (active types)
// and the type tags held back, so the server knows what the client has but
// is not sending.
func (s *Session) OutboundContexts() (send []wire.SabrContext, unsent []int32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for typ, u := range s.contexts {
		if _, active := s.activeTypes[typ]; active {
			send = append(send, wire.SabrContext{
				Type:          u.Type,
				Scope:         u.Scope,
				Value:         u.Value,
				SendByDefault: u.SendByDefault,
			})
		} else {
			unsent = append(unsent, typ)
		}
	}
	return send, unsent
}

// RecordNextRequestPolicy replaces the stored policy wholesale.
func (s *Session) RecordNextRequestPolicy(p *wire.NextRequestPolicy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policy = p
}

// NextRequestPolicy returns the current policy, or nil.
func (s *Session) NextRequestPolicy() *wire.NextRequestPolicy {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.policy
}

// RequestReload marks the session terminal and aborts every in-flight
// operation. Idempotent; the flag never resets.
func (s *Session) RequestReload() {
	s.mu.Lock()
	already := s.reload
	s.reload = true
	s.mu.Unlock()
	if !already {
		s.cancel(ErrAborted)
	}
}

// ReloadRequested reports whether the session has become terminal.
func (s *Session) ReloadRequested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reload
}

// Lifecycle is done once the session is terminal (reload or close);
// operations select on it alongside their own contexts.
func (s *Session) Lifecycle() context.Context {
	return s.lifecycle
}

// Close aborts in-flight operations without flagging a reload. Used by
// scheme cleanup.
func (s *Session) Close() {
	s.cancel(ErrAborted)
}
