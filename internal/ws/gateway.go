package ws

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/claritycare/triage-orchestrator/internal/auth"
	"github.com/claritycare/triage-orchestrator/internal/lifecycle"
	"github.com/claritycare/triage-orchestrator/internal/model"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = 25 * time.Second
	maxFrameBytes  = 64 << 10
	sendBufferSize = 32
)

// Sessions is the slice of the session controller the gateway drives
// from inbound frames.
type Sessions interface {
	ForwardSignal(roomID string, fromRole model.Role, payload json.RawMessage) (int64, error)
	MarkConnected(roomID string) error
	End(roomID string, reason model.EndReason) error
}

// Rooms answers whether a principal is a party to a room and in which
// role. It guards every room-scoped frame.
type Rooms interface {
	Party(roomID, principalID string) (model.Role, bool)
}

// Presence is the connection registry the gateway reports to.
type Presence interface {
	Register(principalID string, role model.Role, connectionID string)
	Deregister(connectionID string)
}

type Gateway struct {
	hub      *Hub
	presence Presence
	sessions Sessions
	rooms    Rooms
	upgrader websocket.Upgrader
}

func NewGateway(hub *Hub, presence Presence, sessions Sessions, rooms Rooms) *Gateway {
	return &Gateway{
		hub:      hub,
		presence: presence,
		sessions: sessions,
		rooms:    rooms,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(*http.Request) bool {
				// Browser clients connect from the portal origin; the
				// bearer token is the access control, not the Origin
				// header.
				return true
			},
		},
	}
}

// clientFrame is the inbound wire shape. Fields beyond Type are
// populated per frame type.
type clientFrame struct {
	Type   string          `json:"type"`
	RoomID string          `json:"room_id,omitempty"`
	Reason string          `json:"reason,omitempty"`
	Signal json.RawMessage `json:"payload,omitempty"`
}

type ackFrame struct {
	Type     string `json:"type"`
	RoomID   string `json:"room_id,omitempty"`
	Sequence int64  `json:"sequence,omitempty"`
	Error    string `json:"error,omitempty"`
}

type client struct {
	gw           *Gateway
	conn         *websocket.Conn
	principal    auth.Principal
	connectionID string
	send         chan []byte
	done         chan struct{}
	closeOnce    sync.Once
}

// ServeHTTP upgrades the request. Authentication already ran in the
// router middleware; an unauthenticated request never reaches here.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("event=ws_upgrade_failed principal=%s err=%q", principal.ID, err.Error())
		return
	}

	c := &client{
		gw:           g,
		conn:         conn,
		principal:    principal,
		connectionID: "con_" + uuid.NewString(),
		send:         make(chan []byte, sendBufferSize),
		done:         make(chan struct{}),
	}

	g.hub.add(c)
	g.presence.Register(principal.ID, principal.Role, c.connectionID)
	log.Printf("event=ws_connected principal=%s role=%s connection=%s", principal.ID, principal.Role, c.connectionID)

	go c.writePump()
	c.readPump()
}

func (c *client) teardown() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.gw.hub.remove(c)
		c.gw.presence.Deregister(c.connectionID)
		c.conn.Close()
		log.Printf("event=ws_disconnected principal=%s connection=%s", c.principal.ID, c.connectionID)
	})
}

func (c *client) readPump() {
	defer c.teardown()

	c.conn.SetReadLimit(maxFrameBytes)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("event=ws_read_error principal=%s err=%q", c.principal.ID, err.Error())
			}
			return
		}

		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.ack(ackFrame{Type: "error", Error: "malformed frame"})
			continue
		}
		c.handleFrame(frame)
	}
}

func (c *client) handleFrame(frame clientFrame) {
	switch frame.Type {
	case "signal":
		role, ok := c.gw.rooms.Party(frame.RoomID, c.principal.ID)
		if !ok {
			c.ack(ackFrame{Type: "signal.ack", RoomID: frame.RoomID, Error: "not a participant"})
			return
		}
		seq, err := c.gw.sessions.ForwardSignal(frame.RoomID, role, frame.Signal)
		if err != nil {
			// A buffered envelope still got a sequence; the peer will
			// pick it up over the polling fallback.
			c.ack(ackFrame{Type: "signal.ack", RoomID: frame.RoomID, Sequence: seq, Error: err.Error()})
			return
		}
		c.ack(ackFrame{Type: "signal.ack", RoomID: frame.RoomID, Sequence: seq})

	case "session.connected":
		if _, ok := c.gw.rooms.Party(frame.RoomID, c.principal.ID); !ok {
			c.ack(ackFrame{Type: "error", RoomID: frame.RoomID, Error: "not a participant"})
			return
		}
		if err := c.gw.sessions.MarkConnected(frame.RoomID); err != nil {
			c.ack(ackFrame{Type: "error", RoomID: frame.RoomID, Error: err.Error()})
		}

	case "session.end":
		if _, ok := c.gw.rooms.Party(frame.RoomID, c.principal.ID); !ok {
			c.ack(ackFrame{Type: "error", RoomID: frame.RoomID, Error: "not a participant"})
			return
		}
		reason := model.EndNormal
		if frame.Reason == string(model.EndPeerUnreachable) {
			reason = model.EndPeerUnreachable
		}
		// Both parties racing to end the same session is not an error
		// worth reporting to either of them.
		if err := c.gw.sessions.End(frame.RoomID, reason); err != nil && !errors.Is(err, lifecycle.ErrAlreadyEnded) {
			c.ack(ackFrame{Type: "error", RoomID: frame.RoomID, Error: err.Error()})
		}

	case "ping":
		c.ack(ackFrame{Type: "pong"})

	default:
		c.ack(ackFrame{Type: "error", Error: "unknown frame type: " + frame.Type})
	}
}

func (c *client) ack(frame ackFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.teardown()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
