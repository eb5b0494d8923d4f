package sabr

import (
	"net/http"
	"time"

	"golang.org/x/net/http2"
)

// newHTTPClient builds the client used for SABR exchanges. Responses are
// streamed for tens of seconds, so there is no client-level timeout; the
// per-operation context enforces the deadline. Connection reuse matters:
// every segment fetch is a fresh POST to the same edge host.
func newHTTPClient() (*http.Client, error) {
	transport := &http.Transport{
		MaxIdleConns:        10,
		MaxIdleConnsPerHost: 4,
		MaxConnsPerHost:     8,
		IdleConnTimeout:     90 * time.Second,
		// The response body is the protocol stream; intermediate
		// decompression would corrupt framing offsets.
		DisableCompression: true,
	}
	if err := http2.ConfigureTransport(transport); err != nil {
		return nil, err
	}
	return &http.Client{Transport: transport}, nil
}
