package sabr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sabrstream/internal/wire"
)

func TestSessionContextUpdateWritePolicy(t *testing.T) {
	s := NewSession("https://edge.example/videoplayback")

	s.RecordContextUpdate(&wire.SabrContextUpdate{
		Type: 2, Value: []byte("first"), SendByDefault: true,
		WritePolicy: wire.WritePolicyOverwrite,
	})

	// KEEP_EXISTING must not replace a stored context of the same type.
	s.RecordContextUpdate(&wire.SabrContextUpdate{
		Type: 2, Value: []byte("second"), SendByDefault: true,
		WritePolicy: wire.WritePolicyKeepExisting,
	})

	send, unsent := s.OutboundContexts()
	require.Len(t, send, 1)
	assert.Empty(t, unsent)
	assert.Equal(t, []byte("first"), send[0].Value)

	// Overwrite replaces it.
	s.RecordContextUpdate(&wire.SabrContextUpdate{
		Type: 2, Value: []byte("third"), SendByDefault: true,
		WritePolicy: wire.WritePolicyOverwrite,
	})
	send, _ = s.OutboundContexts()
	require.Len(t, send, 1)
	assert.Equal(t, []byte("third"), send[0].Value)

	// KEEP_EXISTING for a type not yet stored does store.
	s.RecordContextUpdate(&wire.SabrContextUpdate{
		Type: 5, Value: []byte("new"), SendByDefault: true,
		WritePolicy: wire.WritePolicyKeepExisting,
	})
	send, _ = s.OutboundContexts()
	assert.Len(t, send, 2)
}

func TestSessionSendingPolicyOrdering(t *testing.T) {
	s := NewSession("https://edge.example/videoplayback")
	s.RecordContextUpdate(&wire.SabrContextUpdate{Type: 1, Value: []byte("a")})
	s.RecordContextUpdate(&wire.SabrContextUpdate{Type: 2, Value: []byte("b")})

	// Stored but not send-by-default: reported as unsent.
	send, unsent := s.OutboundContexts()
	assert.Empty(t, send)
	assert.ElementsMatch(t, []int32{1, 2}, unsent)

	s.ApplySendingPolicy(&wire.SabrContextSendingPolicy{Start: []int32{1}})
	send, unsent = s.OutboundContexts()
	assert.Len(t, send, 1)
	assert.Equal(t, []int32{2}, unsent)

	// A type in both start and stop ends up stopped.
	s.ApplySendingPolicy(&wire.SabrContextSendingPolicy{
		Start: []int32{1, 2}, Stop: []int32{1},
	})
	send, unsent = s.OutboundContexts()
	require.Len(t, send, 1)
	assert.Equal(t, int32(2), send[0].Type)
	assert.Equal(t, []int32{1}, unsent)

	// Discard removes storage entirely.
	s.ApplySendingPolicy(&wire.SabrContextSendingPolicy{Discard: []int32{1, 2}})
	send, unsent = s.OutboundContexts()
	assert.Empty(t, send)
	assert.Empty(t, unsent)

	// Applying the same policy twice is harmless.
	s.ApplySendingPolicy(&wire.SabrContextSendingPolicy{Discard: []int32{1, 2}})
	send, unsent = s.OutboundContexts()
	assert.Empty(t, send)
	assert.Empty(t, unsent)
}

func TestSessionReloadIsTerminal(t *testing.T) {
	s := NewSession("https://edge.example/videoplayback")
	assert.False(t, s.ReloadRequested())

	s.RequestReload()
	assert.True(t, s.ReloadRequested())

	select {
	case <-s.Lifecycle().Done():
	default:
		t.Fatal("lifecycle not cancelled after reload")
	}

	// Idempotent.
	s.RequestReload()
	assert.True(t, s.ReloadRequested())
}

func TestSessionRequestNumbersAndRedirect(t *testing.T) {
	s := NewSession("https://a.example/videoplayback")
	assert.Equal(t, int64(1), s.NextRequestNumber())
	assert.Equal(t, int64(2), s.NextRequestNumber())

	s.RecordRedirect("https://b.example/videoplayback")
	assert.Equal(t, "https://b.example/videoplayback", s.URL())
	// Redirects do not reset the counter.
	assert.Equal(t, int64(3), s.NextRequestNumber())
}
