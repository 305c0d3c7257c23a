package gateway

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/flatironinstitute/kbucket/internal/logger"
	"github.com/flatironinstitute/kbucket/pkg/tunnel"
)

// closeFrameTimeout bounds the write of a close control frame.
const closeFrameTimeout = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Agents are command-line processes, not browsers; there is no origin
	// to check.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleConnect accepts a share agent's tunnel connection. The first frame
// must register a share key; after that the connection carries response
// traffic for forwarded requests until either side goes away.
func (g *Gateway) handleConnect(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("Failed to upgrade tunnel connection from %s: %v", r.RemoteAddr, err)
		return
	}
	defer conn.Close()

	var reg tunnel.Message
	if err := conn.ReadJSON(&reg); err != nil {
		logger.Debug("Tunnel connection from %s dropped before registering: %v", r.RemoteAddr, err)
		return
	}
	if reg.Command != tunnel.CmdRegisterShare {
		closeWithPolicyViolation(conn, "first message must be "+string(tunnel.CmdRegisterShare))
		return
	}

	sess := tunnel.NewSession(reg.ShareKey, &wsWriter{conn: conn})
	if err := g.shares.Register(sess); err != nil {
		logger.Warn("Rejected share registration from %s: %v", r.RemoteAddr, err)
		closeWithPolicyViolation(conn, err.Error())
		return
	}

	logger.Info("Share %s connected from %s", reg.ShareKey, r.RemoteAddr)
	g.metrics.SessionOpened()
	defer func() {
		g.shares.Unregister(reg.ShareKey, sess)
		sess.Close("tunnel connection closed")
		g.metrics.SessionClosed()
		logger.Info("Share %s disconnected", reg.ShareKey)
	}()

	for {
		var m tunnel.Message
		if err := conn.ReadJSON(&m); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn("Share %s connection error: %v", reg.ShareKey, err)
			}
			return
		}
		if m.Command == tunnel.CmdRegisterShare {
			closeWithPolicyViolation(conn, "duplicate registration")
			return
		}
		if err := sess.HandleMessage(&m); err != nil {
			logger.Warn("Share %s protocol error: %v", reg.ShareKey, err)
			closeWithPolicyViolation(conn, err.Error())
			return
		}
	}
}

func closeWithPolicyViolation(conn *websocket.Conn, reason string) {
	// Close reasons are capped at 123 bytes by the protocol.
	if len(reason) > 123 {
		reason = reason[:123]
	}
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
	// WriteControl is the only write safe to issue from the read loop while
	// forwarding goroutines stream data frames through the serialized writer.
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeFrameTimeout)); err != nil {
		logger.Debug("Failed to send close frame: %v", err)
	}
}

// wsWriter adapts a websocket connection to the tunnel's message writer.
// The websocket package permits one concurrent writer, so calls are
// serialized here; HTTP handler goroutines write through this concurrently.
type wsWriter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsWriter) WriteMessage(m *tunnel.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteJSON(m)
}
