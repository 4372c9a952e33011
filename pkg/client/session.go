package client

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/explaindio/musetalk-container/pkg/metrics"
)

// TransportError is a connection or protocol level failure, as opposed to
// the remote side answering with an error status.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: transport error: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Timeout reports whether the underlying error was a timeout
func (e *TransportError) Timeout() bool {
	var netErr net.Error
	return errors.As(e.Err, &netErr) && netErr.Timeout()
}

// IsTransport reports whether err is, or wraps, a TransportError
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// StatusError is returned when the remote side answered with an
// unexpected HTTP status
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: HTTP %d: %s", e.Op, e.StatusCode, e.Body)
}

// Session is an HTTP connection pool with a bounded lifetime. On any
// transport fault the owner calls Rebuild so that the next request does not
// reuse a connection that may be in a broken state (stale TLS session,
// half-closed keep-alive).
type Session struct {
	name         string
	newTransport func() http.RoundTripper

	mu        sync.Mutex
	transport http.RoundTripper
	client    *http.Client
	rebuilds  int
}

// NewSession creates a session with a private transport
func NewSession(name string) *Session {
	return NewSessionWithTransport(name, defaultTransport)
}

// NewSessionWithTransport creates a session whose transports come from factory
func NewSessionWithTransport(name string, factory func() http.RoundTripper) *Session {
	s := &Session{
		name:         name,
		newTransport: factory,
	}
	s.reset()
	return s
}

func defaultTransport() http.RoundTripper {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          4,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

func (s *Session) reset() {
	s.transport = s.newTransport()
	s.client = &http.Client{Transport: s.transport}
}

// Name returns the activity that owns the session
func (s *Session) Name() string {
	return s.name
}

// Do sends req. Any error from the underlying client is returned as a
// *TransportError. Deadlines come from the request context.
func (s *Session) Do(op string, req *http.Request) (*http.Response, error) {
	s.mu.Lock()
	c := s.client
	s.mu.Unlock()

	resp, err := c.Do(req)
	if err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}
	return resp, nil
}

// Rebuild discards the current transport and creates a fresh one
func (s *Session) Rebuild() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ci, ok := s.transport.(interface{ CloseIdleConnections() }); ok {
		ci.CloseIdleConnections()
	}
	s.reset()
	s.rebuilds++
	metrics.SessionRebuilds.WithLabelValues(s.name).Inc()
}

// Rebuilds returns how many times the session was rebuilt
func (s *Session) Rebuilds() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rebuilds
}
