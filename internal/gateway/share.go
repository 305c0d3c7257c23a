package gateway

import (
	"errors"
	"net/http"
	"sync"

	"github.com/gorilla/mux"

	"github.com/flatironinstitute/kbucket/internal/logger"
	"github.com/flatironinstitute/kbucket/pkg/tunnel"
)

// handleShare proxies an HTTP request through the tunnel session registered
// under the share key and streams the agent's response back to the caller.
func (g *Gateway) handleShare(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	key := vars["key"]

	sess, err := g.shares.Lookup(key)
	if err != nil {
		writeError(w, http.StatusNotFound, "share %q is not connected", key)
		return
	}

	// The agent sees the key-prefixed path so one agent can serve several
	// keys over separate connections without ambiguity.
	path := key + "/" + vars["rest"]
	if r.URL.RawQuery != "" {
		path += "?" + r.URL.RawQuery
	}

	headers := make(map[string]string, len(r.Header))
	for k := range r.Header {
		headers[k] = r.Header.Get(k)
	}

	sink := newHTTPSink(w)
	g.metrics.RequestForwarded()

	id, err := sess.Forward(r.Context(), r.Method, path, headers, r.Body, sink)
	if err != nil {
		// Transmit failures already resolved the sink; a closed session
		// never registered it. Fail is idempotent either way.
		sink.Fail("failed to reach share: " + err.Error())
		g.metrics.RequestFailed()
		if !errors.Is(err, tunnel.ErrSessionClosed) {
			logger.Warn("Failed to forward request for share %s: %v", key, err)
		}
		return
	}

	select {
	case <-sink.Finished():
	case <-r.Context().Done():
		sess.Abort(id, "client disconnected")
		<-sink.Finished()
	}
	if sink.Failed() {
		g.metrics.RequestFailed()
	}
}

// httpSink binds a forwarded request's response stream to the originating
// http.ResponseWriter. The session's read loop drives it; the handler
// goroutine blocks on Finished until the stream resolves.
type httpSink struct {
	w http.ResponseWriter

	mu      sync.Mutex
	started bool
	failed  bool

	once     sync.Once
	finished chan struct{}
}

func newHTTPSink(w http.ResponseWriter) *httpSink {
	return &httpSink{w: w, finished: make(chan struct{})}
}

// Finished is closed once the response has ended, failed, or been aborted.
func (s *httpSink) Finished() <-chan struct{} {
	return s.finished
}

// Failed reports whether the stream resolved with an error.
func (s *httpSink) Failed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failed
}

func (s *httpSink) SetHeaders(headers map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	for k, v := range headers {
		s.w.Header().Set(k, v)
	}
}

func (s *httpSink) WriteData(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		s.w.WriteHeader(http.StatusOK)
		s.started = true
	}
	if _, err := s.w.Write(data); err != nil {
		return err
	}
	if f, ok := s.w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}

func (s *httpSink) End() {
	s.mu.Lock()
	if !s.started {
		s.w.WriteHeader(http.StatusOK)
		s.started = true
	}
	s.mu.Unlock()
	s.once.Do(func() { close(s.finished) })
}

func (s *httpSink) Fail(message string) {
	s.mu.Lock()
	s.failed = true
	if !s.started {
		// Nothing sent yet; surface a gateway error instead of dropping
		// the connection. Mid-stream failures just truncate the body.
		s.started = true
		writeError(s.w, http.StatusBadGateway, "%s", message)
	}
	s.mu.Unlock()
	s.once.Do(func() { close(s.finished) })
}
