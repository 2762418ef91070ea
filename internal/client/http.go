package client

/*
oonict — feed TLS chains seen by OONI probes into Certificate Transparency logs
Copyright (C) 2025  Pepijn van der Stap <rxtls@vanderstap.info>

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU Affero General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU Affero General Public License for more details.

You should have received a copy of the GNU Affero General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

/*
Package client provides the shared HTTP client oonict uses for everything that goes over
the network: fetching measurement archives from object storage and talking to the CT log.

The client is configured once at startup and retrieved by every component, so TCP and TLS
connections to the archive bucket and the log are reused across workers.
*/

import (
	"net"
	"net/http"
	"sync"
	"time"
)

// HTTP client-specific constants.
const (
	// DialTimeout is the maximum amount of time a dial will wait for a connect to complete.
	DialTimeout = 5 * time.Second
	// KeepAliveTimeout is the interval between keep-alive probes for active network connections.
	KeepAliveTimeout = 60 * time.Second
	// RequestTimeout bounds an entire request including the body on the shared client.
	// Archive downloads use the streaming client instead, since their body is read at the
	// pace of the submission limiter.
	RequestTimeout = 10 * time.Minute
	// MaxIdleConnsPerHost is the maximum number of idle (keep-alive) connections to keep per-host.
	// oonict talks to two hosts at most, with one connection per worker each.
	MaxIdleConnsPerHost = 16
	// DefaultUserAgent is sent when a request does not set its own.
	DefaultUserAgent = "oonict (+https://github.com/x-stp/oonict)"
)

var (
	defaultIdleConnTimeout       = 90 * time.Second
	defaultMaxIdleConns          = 32
	defaultMaxConnsPerHost       = 32
	defaultResponseHeaderTimeout = 30 * time.Second

	// sharedClient is the global HTTP client instance used by the application.
	sharedClient *http.Client
	// streamClient shares sharedClient's transport but has no whole-request timeout.
	streamClient *http.Client
	// sharedClientLock protects access to sharedClient and clientInitialized.
	sharedClientLock sync.RWMutex
	// clientInitialized indicates whether the sharedClient has been initialized.
	clientInitialized bool
)

// Config holds configuration parameters for the HTTP client.
// A zero-value Config results in default settings being used.
type Config struct {
	// DialTimeout is the maximum duration for establishing a new connection.
	DialTimeout time.Duration
	// KeepAliveTimeout specifies the keep-alive period for an active network connection.
	KeepAliveTimeout time.Duration
	// IdleConnTimeout is how long an idle keep-alive connection stays in the pool.
	IdleConnTimeout time.Duration
	// ResponseHeaderTimeout limits the wait for response headers after the request is written.
	ResponseHeaderTimeout time.Duration
	// MaxIdleConns controls the maximum number of idle (keep-alive) connections across all hosts.
	MaxIdleConns int
	// MaxIdleConnsPerHost is the maximum number of idle (keep-alive) connections to keep per host.
	MaxIdleConnsPerHost int
	// MaxConnsPerHost caps connections per host in any state. On limit violation, dials block.
	MaxConnsPerHost int
	// RequestTimeout is the timeout for the entire HTTP request, body included.
	RequestTimeout time.Duration
	// UserAgent is set on requests that carry none.
	UserAgent string
}

// DefaultConfig returns a new Config struct populated with default HTTP client settings.
func DefaultConfig() *Config {
	return &Config{
		DialTimeout:           DialTimeout,
		KeepAliveTimeout:      KeepAliveTimeout,
		IdleConnTimeout:       defaultIdleConnTimeout,
		ResponseHeaderTimeout: defaultResponseHeaderTimeout,
		MaxIdleConns:          defaultMaxIdleConns,
		MaxIdleConnsPerHost:   MaxIdleConnsPerHost,
		MaxConnsPerHost:       defaultMaxConnsPerHost,
		RequestTimeout:        RequestTimeout,
		UserAgent:             DefaultUserAgent,
	}
}

// userAgentTransport fills in the User-Agent header when the caller left it empty.
type userAgentTransport struct {
	base      http.RoundTripper
	userAgent string
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") != "" {
		return t.base.RoundTrip(req)
	}
	// RoundTrippers must not modify the caller's request.
	r := req.Clone(req.Context())
	r.Header.Set("User-Agent", t.userAgent)
	return t.base.RoundTrip(r)
}

// InitHTTPClient initializes or reconfigures the shared global HTTP client with the provided configuration.
// If a nil config is provided, it uses the default configuration obtained from DefaultConfig().
// Zero fields are filled with defaults. This function is thread-safe.
func InitHTTPClient(config *Config) {
	sharedClientLock.Lock()
	defer sharedClientLock.Unlock()

	if config == nil {
		config = DefaultConfig()
	}
	defaults := DefaultConfig()
	if config.DialTimeout == 0 {
		config.DialTimeout = defaults.DialTimeout
	}
	if config.KeepAliveTimeout == 0 {
		config.KeepAliveTimeout = defaults.KeepAliveTimeout
	}
	if config.IdleConnTimeout == 0 {
		config.IdleConnTimeout = defaults.IdleConnTimeout
	}
	if config.ResponseHeaderTimeout == 0 {
		config.ResponseHeaderTimeout = defaults.ResponseHeaderTimeout
	}
	if config.MaxIdleConns == 0 {
		config.MaxIdleConns = defaults.MaxIdleConns
	}
	if config.MaxIdleConnsPerHost == 0 {
		config.MaxIdleConnsPerHost = defaults.MaxIdleConnsPerHost
	}
	if config.MaxConnsPerHost == 0 {
		config.MaxConnsPerHost = defaults.MaxConnsPerHost
	}
	if config.RequestTimeout == 0 {
		config.RequestTimeout = defaults.RequestTimeout
	}
	if config.UserAgent == "" {
		config.UserAgent = defaults.UserAgent
	}

	// If we're reinitializing an existing client, close idle connections on the old transport.
	if sharedClient != nil {
		if ua, ok := sharedClient.Transport.(*userAgentTransport); ok {
			if old, ok := ua.base.(*http.Transport); ok && old != nil {
				old.CloseIdleConnections()
			}
		}
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment, // Respect standard proxy environment variables.
		DialContext: (&net.Dialer{
			Timeout:   config.DialTimeout,
			KeepAlive: config.KeepAliveTimeout,
		}).DialContext,
		MaxIdleConns:          config.MaxIdleConns,
		MaxIdleConnsPerHost:   config.MaxIdleConnsPerHost,
		MaxConnsPerHost:       config.MaxConnsPerHost,
		IdleConnTimeout:       config.IdleConnTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: config.ResponseHeaderTimeout,
		ExpectContinueTimeout: 1 * time.Second,
		// Archives are already gzip; asking for transport compression only costs CPU.
		DisableCompression: true,
		ForceAttemptHTTP2:  true,
	}

	rt := &userAgentTransport{base: transport, userAgent: config.UserAgent}
	sharedClient = &http.Client{
		Transport: rt,
		Timeout:   config.RequestTimeout,
	}
	// Dial, TLS handshake and response headers stay bounded by the transport; the body
	// is bounded only by the request context.
	streamClient = &http.Client{Transport: rt}
	clientInitialized = true
}

// GetHTTPClient returns the shared global HTTP client instance.
// If the client has not been initialized, it will be initialized with default settings.
// This function is thread-safe.
func GetHTTPClient() *http.Client {
	sharedClientLock.RLock()
	if !clientInitialized {
		sharedClientLock.RUnlock()
		InitHTTPClient(nil)
		sharedClientLock.RLock()
	}
	client := sharedClient
	sharedClientLock.RUnlock()
	return client
}

// GetStreamingClient returns the client for long response bodies such as archives. It
// uses the shared transport but never times out while the body is being read; callers
// cancel through the request context.
func GetStreamingClient() *http.Client {
	sharedClientLock.RLock()
	if !clientInitialized {
		sharedClientLock.RUnlock()
		InitHTTPClient(nil)
		sharedClientLock.RLock()
	}
	client := streamClient
	sharedClientLock.RUnlock()
	return client
}

// ConfigureForWorkers sizes the connection pool for n concurrent workers. Zero
// requestTimeout and empty userAgent keep the defaults.
func ConfigureForWorkers(n int, requestTimeout time.Duration, userAgent string) {
	if n < 1 {
		n = 1
	}
	cfg := DefaultConfig()
	cfg.MaxIdleConnsPerHost = n * 2
	cfg.MaxConnsPerHost = n * 2
	cfg.MaxIdleConns = n * 4
	if requestTimeout > 0 {
		cfg.RequestTimeout = requestTimeout
	}
	if userAgent != "" {
		cfg.UserAgent = userAgent
	}
	InitHTTPClient(cfg)
}
