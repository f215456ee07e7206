package hub

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"coursecast-live/internal/models"
	"coursecast-live/internal/observability/metrics"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// maxFrameBytes caps a single signaling frame at 16KB. Larger frames are
	// a policy violation and close the connection with 1008.
	maxFrameBytes = 16 << 10

	// anonymousIdleLimit bounds how long an unidentified connection may sit
	// on the hub before it is closed.
	anonymousIdleLimit = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

type client struct {
	hub  *Hub
	conn *websocket.Conn

	mu          sync.Mutex
	send        chan outboundFrame
	closed      bool
	closeCode   int
	closeReason string

	// Mutated only from the read loop.
	user      models.User
	authed    bool
	joined    string
	anonTimer *time.Timer
}

// enqueue hands a frame to the write loop without blocking the fan-out
// goroutine. When the queue is full, droppable frames shed load by evicting
// the oldest droppable entry; a control frame that cannot be queued closes
// the connection instead, since silently losing it would desynchronize the
// client.
func (c *client) enqueue(f outboundFrame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- f:
		return
	default:
	}
	if f.control {
		metrics.Default().ObserveSignalDrop(f.Type)
		c.closeLocked(websocket.ClosePolicyViolation, "send queue overflow")
		return
	}
	select {
	case oldest := <-c.send:
		if oldest.control {
			// Never discard a queued control frame; shed the new frame.
			metrics.Default().ObserveSignalDrop(f.Type)
			c.send <- oldest
			return
		}
		metrics.Default().ObserveSignalDrop(oldest.Type)
	default:
	}
	select {
	case c.send <- f:
	default:
		metrics.Default().ObserveSignalDrop(f.Type)
	}
}

func (c *client) sendError(code, message string) {
	c.enqueue(errorFrame(code, message))
}

func (c *client) close(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked(code, reason)
}

// closeLocked marks the client closed and closes the send channel. The write
// loop drains whatever is still queued before tearing down the socket, so a
// final frame enqueued just before close still reaches the peer.
func (c *client) closeLocked(code int, reason string) {
	if c.closed {
		return
	}
	c.closed = true
	c.closeCode = code
	c.closeReason = reason
	close(c.send)
}

func (c *client) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case frame, ok := <-c.send:
			if !ok {
				c.mu.Lock()
				code, reason := c.closeCode, c.closeReason
				c.mu.Unlock()
				deadline := time.Now().Add(writeWait)
				_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
				_ = c.conn.Close()
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(frame); err != nil {
				_ = c.conn.Close()
				c.close(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = c.conn.Close()
				c.close(websocket.CloseAbnormalClosure, "")
				return
			}
		}
	}
}

func (c *client) readLoop() {
	defer func() {
		if c.anonTimer != nil {
			c.anonTimer.Stop()
		}
		c.hub.detach(c, "disconnect")
		c.close(websocket.CloseNormalClosure, "")
		metrics.Default().ObserveSignalConnection(-1)
	}()
	c.conn.SetReadLimit(maxFrameBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			if errors.Is(err, websocket.ErrReadLimit) {
				c.close(websocket.ClosePolicyViolation, "frame exceeds size limit")
			}
			return
		}
		var frame inboundFrame
		if err := json.Unmarshal(payload, &frame); err != nil {
			c.sendError(ErrCodeBadFrame, "invalid frame payload")
			continue
		}
		metrics.Default().ObserveSignalFrame(frame.Type)
		c.dispatch(frame)
	}
}

func (c *client) dispatch(frame inboundFrame) {
	switch frame.Type {
	case FrameIdentify:
		c.handleIdentify(frame.Token)
	case FrameJoinStream:
		if !c.authed {
			c.sendError(ErrCodeIdentifyRequired, "identify before joining a stream")
			return
		}
		if c.joined != "" && c.joined != frame.SessionID {
			c.sendError(ErrCodeBadFrame, "already joined a stream")
			return
		}
		if c.hub.join(c, frame.SessionID, frame.Role) {
			c.joined = frame.SessionID
		}
	case FrameMediaPublished, FrameStatusUpdate, FrameStreamControl:
		if c.joined == "" {
			c.sendError(ErrCodeNotJoined, "join a stream first")
			return
		}
		c.hub.forward(c, c.joined, frame)
	case FrameLeave:
		if c.joined != "" {
			c.hub.detach(c, "leave")
			c.joined = ""
		}
	default:
		c.sendError(ErrCodeBadFrame, "unknown frame type")
	}
}

func (c *client) handleIdentify(token string) {
	if c.authed {
		c.enqueue(outboundFrame{Type: FrameConnectionStatus, State: "identified", UserID: c.user.ID, control: true})
		return
	}
	user, ok := c.hub.identities.Resolve(token)
	if !ok {
		c.sendError(ErrCodeInvalidToken, "credentials were not accepted")
		return
	}
	c.user = user
	c.authed = true
	if c.anonTimer != nil {
		c.anonTimer.Stop()
		c.anonTimer = nil
	}
	c.enqueue(outboundFrame{Type: FrameConnectionStatus, State: "identified", UserID: user.ID, DisplayName: user.DisplayName, control: true})
}
