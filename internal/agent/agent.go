// Package agent implements the share agent: the client side of the share
// tunnel. It dials the hub, registers a share key, and serves directory
// listings and file downloads from a local directory over the tunnel.
package agent

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/flatironinstitute/kbucket/internal/logger"
	"github.com/flatironinstitute/kbucket/pkg/tunnel"
)

// DefaultReconnectDelay is the pause between reconnection attempts.
const DefaultReconnectDelay = 10 * time.Second

// Config describes a share agent.
type Config struct {
	// HubURL is the hub's base URL (http or https); the agent derives the
	// websocket endpoint from it.
	HubURL string

	// ShareKey identifies this share on the hub. Requests for
	// /share/<key>/... are tunneled here.
	ShareKey string

	// Directory is the local directory being shared, read-only.
	Directory string

	// ReconnectDelay overrides the default pause between reconnects.
	ReconnectDelay time.Duration
}

// Agent maintains a tunnel connection to the hub and answers forwarded
// requests against the shared directory.
type Agent struct {
	cfg   Config
	wsURL string
}

// New validates the configuration and prepares an agent.
func New(cfg Config) (*Agent, error) {
	if !tunnel.ValidShareKey(cfg.ShareKey) {
		return nil, fmt.Errorf("share key must be %d to %d characters: %w",
			tunnel.MinShareKeyLen, tunnel.MaxShareKeyLen, tunnel.ErrInvalidShareKey)
	}

	info, err := os.Stat(cfg.Directory)
	if err != nil {
		return nil, fmt.Errorf("cannot share %s: %w", cfg.Directory, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("cannot share %s: not a directory", cfg.Directory)
	}

	wsURL, err := connectURL(cfg.HubURL)
	if err != nil {
		return nil, err
	}

	if cfg.ReconnectDelay == 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}

	return &Agent{cfg: cfg, wsURL: wsURL}, nil
}

// connectURL derives the websocket tunnel endpoint from the hub's base URL.
func connectURL(hubURL string) (string, error) {
	u, err := url.Parse(hubURL)
	if err != nil {
		return "", fmt.Errorf("invalid hub URL %q: %w", hubURL, err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("invalid hub URL %q: unsupported scheme %q", hubURL, u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/connect"
	return u.String(), nil
}

// Run connects to the hub and serves tunnel requests until ctx is canceled,
// reconnecting after connection loss.
func (a *Agent) Run(ctx context.Context) error {
	for {
		err := a.runConnection(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger.Warn("Tunnel connection lost: %v; reconnecting in %s", err, a.cfg.ReconnectDelay)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(a.cfg.ReconnectDelay):
		}
	}
}

// runConnection dials the hub, registers, and runs the read loop until the
// connection breaks or ctx is canceled.
func (a *Agent) runConnection(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, a.wsURL, nil)
	if err != nil {
		return fmt.Errorf("failed to dial hub at %s: %w", a.wsURL, err)
	}
	defer conn.Close()

	// Unblock the read loop on cancellation.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	out := &connWriter{conn: conn}
	err = out.WriteMessage(&tunnel.Message{
		Command:  tunnel.CmdRegisterShare,
		ShareKey: a.cfg.ShareKey,
	})
	if err != nil {
		return fmt.Errorf("failed to register share: %w", err)
	}
	logger.Info("Registered share %s with %s, serving %s", a.cfg.ShareKey, a.cfg.HubURL, a.cfg.Directory)

	// Forwarded requests accumulate here between initiate and end. Only the
	// read loop touches the map; responses are served from goroutines that
	// write through the serialized writer.
	pending := make(map[string]*inboundRequest)

	for {
		var m tunnel.Message
		if err := conn.ReadJSON(&m); err != nil {
			return fmt.Errorf("tunnel read failed: %w", err)
		}
		if m.ShareKey != a.cfg.ShareKey {
			return fmt.Errorf("message for key %q: %w", m.ShareKey, tunnel.ErrKeyMismatch)
		}

		switch m.Command {
		case tunnel.CmdInitiateRequest:
			pending[m.RequestID] = &inboundRequest{
				method:  m.Method,
				path:    m.Path,
				headers: m.Headers,
			}

		case tunnel.CmdWriteRequestData:
			// Shares serve read-only traffic; request bodies are dropped.
			if _, ok := pending[m.RequestID]; !ok {
				return fmt.Errorf("%s for %q: %w", m.Command, m.RequestID, tunnel.ErrUnknownRequestID)
			}

		case tunnel.CmdEndRequest:
			req, ok := pending[m.RequestID]
			if !ok {
				return fmt.Errorf("%s for %q: %w", m.Command, m.RequestID, tunnel.ErrUnknownRequestID)
			}
			delete(pending, m.RequestID)
			go a.serve(out, m.RequestID, req)

		default:
			return fmt.Errorf("unexpected tunnel command %q", m.Command)
		}
	}
}

// inboundRequest is a forwarded request between initiate and end frames.
type inboundRequest struct {
	method  string
	path    string
	headers map[string]string
}

// connWriter serializes concurrent frame writes onto one websocket
// connection.
type connWriter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *connWriter) WriteMessage(m *tunnel.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteJSON(m)
}
