package api

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/venmail/vensuite-gateway/internal/slogging"
)

// Category describes which of the three connection taxonomies a
// connection belongs to. A connection keeps its category for life;
// categories never mix.
type Category int

const (
	// CategoryToken is an authenticated account connection
	CategoryToken Category = iota
	// CategorySheet is a spreadsheet collaboration connection
	CategorySheet
	// CategoryMeeting is a video-meeting room connection
	CategoryMeeting
)

// String returns the category label used in logs and metrics
func (c Category) String() string {
	switch c {
	case CategoryToken:
		return "token"
	case CategorySheet:
		return "sheet"
	case CategoryMeeting:
		return "meeting"
	default:
		return "unknown"
	}
}

// TokenContext holds the attributes of a token/account connection.
// OrgID and EmployeeID are organization chat bookkeeping, set under
// the hub lock when the client joins an org room.
type TokenContext struct {
	Token          string
	UserID         string
	Accounts       []string
	OrgChatEnabled bool

	orgID      string
	employeeID string
}

// SheetContext holds the attributes of a sheet connection. joinedSheet
// is set under the hub lock once the client sends a join message; until
// then the connection is in no sheet room and binary frames are dropped.
type SheetContext struct {
	SheetID  string
	UserID   string
	UserName string
	Channel  string // "crdt" or default

	joinedSheet string
}

// MeetingContext holds the attributes of a meeting connection
type MeetingContext struct {
	MeetingCode string
	GuestEmail  string
	GuestName   string
	IsGuest     bool
}

// frame is one outbound WebSocket frame
type frame struct {
	messageType int
	data        []byte
}

// Client represents one live WebSocket connection. Exactly one of
// Token/Sheet/Meeting is non-nil, matching Category, and the context
// is constructed once at admission.
type Client struct {
	ID       string
	Category Category

	Token   *TokenContext
	Sheet   *SheetContext
	Meeting *MeetingContext

	hub  *Hub
	conn *websocket.Conn
	send chan frame
	done chan struct{}

	readLimit    int64
	pongWait     time.Duration
	pingInterval time.Duration

	closeOnce sync.Once
}

const writeWait = 10 * time.Second

// Close tears down the connection. Safe to call from any goroutine and
// more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.conn != nil {
			_ = c.conn.Close()
		}
	})
}

// CloseWithCode sends a close frame with the given protocol code before
// tearing the connection down. Used for duplicate-session eviction
// (1008) and server shutdown (1001).
func (c *Client) CloseWithCode(code int, reason string) {
	if c.conn != nil {
		msg := websocket.FormatCloseMessage(code, reason)
		if err := c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait)); err != nil {
			slogging.Get().Debug("Failed to send close frame to client %s: %v", c.ID, err)
		}
	}
	c.Close()
}

// trySend enqueues a frame without blocking. A full outbound queue
// drops the frame; fan-out to the rest of a room is never held up by
// one slow consumer.
func (c *Client) trySend(messageType int, data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame{messageType: messageType, data: data}:
		return true
	default:
		return false
	}
}

// sendJSONOrLog marshals and enqueues a text frame, logging drops
func (c *Client) sendJSONOrLog(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slogging.Get().Error("Failed to marshal outbound message for client %s: %v", c.ID, err)
		return
	}
	if !c.trySend(websocket.TextMessage, data) {
		slogging.Get().Warn("Dropped outbound message for client %s: send queue full", c.ID)
		broadcastDropsTotal.Inc()
	}
}

// ReadPump pumps inbound frames from the connection into the router.
// It owns the connection's lifetime: when the read loop exits the
// client is unregistered from every index it was placed in.
func (c *Client) ReadPump(router *Router) {
	logger := slogging.Get()
	defer func() {
		router.Disconnect(c)
		c.Close()
	}()

	c.conn.SetReadLimit(c.readLimit)
	if err := c.conn.SetReadDeadline(time.Now().Add(c.pongWait)); err != nil {
		logger.Debug("Failed to set read deadline for client %s: %v", c.ID, err)
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logger.Debug("Read error on client %s: %v", c.ID, err)
			}
			return
		}

		messagesTotal.WithLabelValues(c.Category.String()).Inc()

		switch messageType {
		case websocket.TextMessage:
			router.HandleText(c, data)
		case websocket.BinaryMessage:
			router.HandleBinary(c, data)
		}
	}
}

// WritePump pumps outbound frames to the connection and keeps the
// protocol-level ping/pong alive.
func (c *Client) WritePump() {
	ticker := time.NewTicker(c.pingInterval)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case fr := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(fr.messageType, fr.data); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
