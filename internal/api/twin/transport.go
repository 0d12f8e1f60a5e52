package twin

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// TransportConfig bounds the connection phase of a request. There is no
// overall deadline: a reply streams for as long as the service keeps writing.
type TransportConfig struct {
	ConnectTimeout        time.Duration
	ResponseHeaderTimeout time.Duration

	// PublicOnly rejects connections to private, loopback and link-local
	// addresses.
	PublicOnly bool
}

// NewHTTPClient builds an instrumented HTTP client for streaming requests.
func NewHTTPClient(cfg TransportConfig) *http.Client {
	return &http.Client{Transport: otelhttp.NewTransport(NewTransport(cfg))}
}

// NewTransport builds the base transport.
func NewTransport(cfg TransportConfig) *http.Transport {
	connectTimeout := cfg.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 5 * time.Second
	}
	dialer := &net.Dialer{Timeout: connectTimeout}

	t := http.DefaultTransport.(*http.Transport).Clone()
	t.ResponseHeaderTimeout = cfg.ResponseHeaderTimeout
	// Compression would buffer the event stream.
	t.DisableCompression = true
	t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
		conn, err := dialer.DialContext(ctx, network, addr)
		if err != nil {
			return nil, err
		}
		if !cfg.PublicOnly {
			return conn, nil
		}

		host, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
		ip := net.ParseIP(host)
		if ip == nil {
			conn.Close()
			return nil, fmt.Errorf("failed to parse remote IP for %q", addr)
		}

		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() {
			conn.Close()
			return nil, fmt.Errorf("access to private IP %s is denied", ip)
		}

		return conn, nil
	}
	return t
}
