package webclient

import (
	"net"
	"net/http"
	"time"
)

// DefaultTimeout applies when NewDefault is given zero.
const DefaultTimeout = 60 * time.Second

// NewDefault returns a client for open-data APIs: bounded dial and TLS
// handshakes, a small idle pool per host, and proxies from the environment.
func NewDefault(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           dialer.DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          64,
			MaxIdleConnsPerHost:   8,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: timeout,
		},
	}
}
