package tunnel

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"sync"

	"github.com/flatironinstitute/kbucket/internal/logger"
)

// forwardChunkSize bounds the body bytes carried by one tunnel frame.
const forwardChunkSize = 32 * 1024

// Session is the hub-side endpoint of one persistent tunnel connection.
//
// A session owns the table of pending forwarded requests. Request ids come
// from a monotonic counter, so they are unique within the session's lifetime
// by construction. The pending table is the only mutable state shared
// between the connection's read loop and the HTTP handler goroutines; it is
// guarded by a mutex.
type Session struct {
	key string
	out MessageWriter

	mu      sync.Mutex
	pending map[string]ResponseSink
	nextID  uint64
	closed  bool
}

// NewSession creates a session for a registered share key. out delivers
// messages to the remote agent.
func NewSession(key string, out MessageWriter) *Session {
	return &Session{
		key:     key,
		out:     out,
		pending: make(map[string]ResponseSink),
	}
}

// Key returns the share key this session is registered under.
func (s *Session) Key() string {
	return s.key
}

// allocate registers sink under a fresh request id.
func (s *Session) allocate(sink ResponseSink) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrSessionClosed
	}
	s.nextID++
	id := "req-" + strconv.FormatUint(s.nextID, 10)
	s.pending[id] = sink
	return id, nil
}

// remove drops a pending request, returning its sink if it was present.
func (s *Session) remove(id string) (ResponseSink, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sink, ok := s.pending[id]
	if ok {
		delete(s.pending, id)
	}
	return sink, ok
}

// lookup returns the sink for a pending request without removing it.
func (s *Session) lookup(id string) (ResponseSink, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sink, ok := s.pending[id]
	return sink, ok
}

// PendingCount returns the number of requests currently in flight.
func (s *Session) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Forward sends an inbound HTTP request through the tunnel. It registers
// sink under a fresh request id, emits http_initiate_request, streams the
// request body in order-preserving chunks, and closes the request with
// http_end_request. The response arrives asynchronously via HandleMessage;
// Forward returns once the request side has been fully transmitted.
//
// path is the share key concatenated with the remainder of the forwarded
// URL, letting a multi-tenant agent disambiguate.
//
// The returned id identifies the pending request; the caller may Abort it
// if the originating HTTP client goes away.
func (s *Session) Forward(ctx context.Context, method, path string, headers map[string]string, body io.Reader, sink ResponseSink) (string, error) {
	id, err := s.allocate(sink)
	if err != nil {
		return "", err
	}

	fail := func(err error) error {
		if removed, ok := s.remove(id); ok {
			removed.Fail(err.Error())
		}
		return err
	}

	err = s.out.WriteMessage(&Message{
		Command:   CmdInitiateRequest,
		ShareKey:  s.key,
		RequestID: id,
		Method:    method,
		Path:      path,
		Headers:   headers,
	})
	if err != nil {
		return id, fail(fmt.Errorf("failed to initiate forwarded request: %w", err))
	}

	if body != nil {
		buf := make([]byte, forwardChunkSize)
		for {
			if err := ctx.Err(); err != nil {
				return id, fail(err)
			}
			n, readErr := body.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				err := s.out.WriteMessage(&Message{
					Command:   CmdWriteRequestData,
					ShareKey:  s.key,
					RequestID: id,
					Data:      chunk,
				})
				if err != nil {
					return id, fail(fmt.Errorf("failed to forward request body: %w", err))
				}
			}
			if readErr == io.EOF {
				break
			}
			if readErr != nil {
				return id, fail(fmt.Errorf("failed to read request body: %w", readErr))
			}
		}
	}

	err = s.out.WriteMessage(&Message{
		Command:   CmdEndRequest,
		ShareKey:  s.key,
		RequestID: id,
	})
	if err != nil {
		return id, fail(fmt.Errorf("failed to end forwarded request: %w", err))
	}
	return id, nil
}

// Abort resolves a single pending request with an error, typically because
// the originating HTTP client disconnected before the response arrived. It
// is a no-op if the request has already been resolved.
func (s *Session) Abort(id, reason string) {
	if sink, ok := s.remove(id); ok {
		sink.Fail(reason)
	}
}

// HandleMessage dispatches one inbound message from the agent to the
// pending request it references. Messages carrying the wrong share key or
// an unknown request id are protocol errors; the caller must close the
// connection when one is returned.
func (s *Session) HandleMessage(m *Message) error {
	if m.ShareKey != s.key {
		return fmt.Errorf("message for key %q on session %q: %w", m.ShareKey, s.key, ErrKeyMismatch)
	}

	switch m.Command {
	case CmdSetResponseHeaders:
		sink, ok := s.lookup(m.RequestID)
		if !ok {
			return fmt.Errorf("%s for %q: %w", m.Command, m.RequestID, ErrUnknownRequestID)
		}
		sink.SetHeaders(m.Headers)
		return nil

	case CmdWriteResponseData:
		sink, ok := s.lookup(m.RequestID)
		if !ok {
			return fmt.Errorf("%s for %q: %w", m.Command, m.RequestID, ErrUnknownRequestID)
		}
		if err := sink.WriteData(m.Data); err != nil {
			// The HTTP caller went away; resolve the pending request but
			// keep the tunnel connection alive for the others.
			if removed, ok := s.remove(m.RequestID); ok {
				removed.Fail(err.Error())
			}
			logger.Debug("Dropped response data for %s: %v", m.RequestID, err)
		}
		return nil

	case CmdEndResponse:
		sink, ok := s.remove(m.RequestID)
		if !ok {
			return fmt.Errorf("%s for %q: %w", m.Command, m.RequestID, ErrUnknownRequestID)
		}
		sink.End()
		return nil

	case CmdReportError:
		sink, ok := s.remove(m.RequestID)
		if !ok {
			return fmt.Errorf("%s for %q: %w", m.Command, m.RequestID, ErrUnknownRequestID)
		}
		sink.Fail(m.Error)
		return nil

	default:
		return fmt.Errorf("unexpected tunnel command %q", m.Command)
	}
}

// Close marks the session closed and resolves every pending request with an
// error, so no forwarded HTTP caller is left hanging when the connection
// goes away. Safe to call more than once.
func (s *Session) Close(reason string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	orphaned := s.pending
	s.pending = make(map[string]ResponseSink)
	s.mu.Unlock()

	if reason == "" {
		reason = "tunnel connection closed"
	}
	for id, sink := range orphaned {
		logger.Debug("Resolving orphaned request %s: %s", id, reason)
		sink.Fail(reason)
	}
}
