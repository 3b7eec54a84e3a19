package gateway

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"
)

// newHTTPClient applies the request and connect timeouts used for every
// provider REST call.
func newHTTPClient(timeout, connectTimeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if connectTimeout <= 0 {
		connectTimeout = 15 * time.Second
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{Timeout: connectTimeout, KeepAlive: 30 * time.Second}).DialContext
	transport.TLSHandshakeTimeout = connectTimeout
	return &http.Client{Timeout: timeout, Transport: transport}
}

// classifyCallError maps a failed provider call to ErrProviderUnreachable
// (network, timeout) or ErrProviderRejected (the provider answered no).
// A timeout is a failure, never a partial success.
func classifyCallError(err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || errors.As(err, &netErr) {
		return errors.Join(ErrProviderUnreachable, err)
	}
	return errors.Join(ErrProviderRejected, err)
}

// isNotFoundMessage matches provider answers meaning the entity is gone.
func isNotFoundMessage(msg string) bool {
	msg = strings.ToLower(msg)
	return strings.Contains(msg, "not_found") || strings.Contains(msg, "not found") || strings.Contains(msg, "404")
}
