package api

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/venmail/vensuite-gateway/auth/db"
	"github.com/venmail/vensuite-gateway/internal/slogging"
)

// Router dispatches inbound text frames to a handler based on the
// connection's category and the message's type discriminator. Faults
// are isolated per message: unparsable JSON and unknown types are
// logged and dropped without closing the connection.
type Router struct {
	hub     *Hub
	history *ChatHistoryStore
	keys    *db.RedisKeyBuilder
}

// NewRouter creates a new message router
func NewRouter(hub *Hub, history *ChatHistoryStore) *Router {
	return &Router{
		hub:     hub,
		history: history,
		keys:    db.NewRedisKeyBuilder(),
	}
}

// HandleText processes one inbound text frame
func (r *Router) HandleText(c *Client, data []byte) {
	logger := slogging.Get()
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("Recovered panic handling message from client %s: %v", c.ID, rec)
		}
	}()

	// Manual keep-alive on the token/sheet transport, distinct from
	// protocol-level ping/pong frames. Skips all further processing.
	if c.Category != CategoryMeeting && string(data) == "ping" {
		c.trySend(websocket.TextMessage, []byte("pong"))
		return
	}

	var env inboundEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		logger.Warn("Dropping unparsable message from client %s: %v", c.ID, err)
		return
	}

	switch c.Category {
	case CategorySheet:
		r.handleSheetMessage(c, &env, data)
	case CategoryToken:
		r.handleTokenMessage(c, &env)
	case CategoryMeeting:
		r.handleMeetingMessage(c, &env)
	}
}

// HandleBinary relays an opaque CRDT frame within the sender's sheet
// room. Binary frames from any other category are dropped.
func (r *Router) HandleBinary(c *Client, data []byte) {
	if c.Category != CategorySheet {
		slogging.Get().Debug("Dropping binary frame from non-sheet client %s", c.ID)
		return
	}
	r.hub.RelayBinary(c, data)
}

// Disconnect removes the client from every index it was placed in and
// notifies the rooms it leaves behind. Called once the read loop exits.
func (r *Router) Disconnect(c *Client) {
	connectionsGauge.WithLabelValues(c.Category.String()).Dec()
	switch c.Category {
	case CategorySheet:
		sheetID := r.hub.JoinedSheet(c)
		r.hub.Unregister(c)
		if sheetID != "" {
			r.broadcastUserEvent(sheetID, "user_left", Sender{ID: c.Sheet.UserID, Name: c.Sheet.UserName}, nil)
		}
	case CategoryToken:
		orgID, _ := r.hub.OrgMembership(c)
		r.hub.Unregister(c)
		if orgID != "" {
			r.hub.BroadcastOrgPresence(orgID)
		}
	case CategoryMeeting:
		r.hub.Unregister(c)
		event, err := json.Marshal(userEventMessage{
			Type:      "user_left",
			User:      Sender{ID: c.Meeting.GuestEmail, Name: c.Meeting.GuestName},
			Timestamp: time.Now().UTC(),
		})
		if err == nil {
			r.hub.Publish(c.Meeting.MeetingCode, event)
		}
	}
}

// --- sheet category ---

func (r *Router) handleSheetMessage(c *Client, env *inboundEnvelope, raw []byte) {
	logger := slogging.Get()

	switch env.Type {
	case "join":
		r.handleSheetJoin(c, env)
	case "leave":
		sheetID := r.hub.JoinedSheet(c)
		r.hub.RemoveSheet(c)
		if sheetID != "" {
			r.broadcastUserEvent(sheetID, "user_left", Sender{ID: c.Sheet.UserID, Name: c.Sheet.UserName}, nil)
		}
	case "chat":
		r.handleSheetChat(c, env)
	case "cursor", "change", "title":
		r.handleSheetOperation(c, raw)
	default:
		logger.Debug("Dropping sheet message with unknown type %q from client %s", env.Type, c.ID)
	}
}

func (r *Router) handleSheetJoin(c *Client, env *inboundEnvelope) {
	sheetID := env.SheetID
	if sheetID == "" {
		sheetID = c.Sheet.SheetID
	}
	if sheetID == "" {
		slogging.Get().Debug("Dropping join without sheet id from client %s", c.ID)
		return
	}

	r.hub.AddSheet(c, sheetID)

	messages := r.history.Get(context.Background(), r.keys.SheetChatKey(sheetID))
	c.sendJSONOrLog(initMessage{
		Type:     "init",
		SheetID:  sheetID,
		Messages: messages,
		Users:    r.hub.SheetMembers(sheetID),
	})

	r.broadcastUserEvent(sheetID, "user_joined", Sender{ID: c.Sheet.UserID, Name: c.Sheet.UserName}, c)
}

func (r *Router) handleSheetChat(c *Client, env *inboundEnvelope) {
	logger := slogging.Get()

	sheetID := r.hub.JoinedSheet(c)
	if sheetID == "" {
		logger.Debug("Dropping chat from client %s: not in a sheet room", c.ID)
		return
	}
	if env.Content == "" {
		logger.Debug("Dropping empty chat from client %s", c.ID)
		return
	}

	message := ChatMessage{
		ID:        uuid.New().String(),
		Type:      "chat",
		Content:   truncateContent(env.Content),
		User:      Sender{ID: c.Sheet.UserID, Name: c.Sheet.UserName},
		Timestamp: time.Now().UTC(),
		Room:      sheetID,
		ReplyTo:   env.ReplyTo,
	}

	r.history.Append(context.Background(), r.keys.SheetChatKey(sheetID), message)

	data, err := json.Marshal(message)
	if err != nil {
		logger.Error("Failed to marshal chat message: %v", err)
		return
	}
	r.hub.BroadcastSheet(sheetID, data, c)
}

// handleSheetOperation rebroadcasts cursor/change/title operations to
// the room, stamped with sender identity and timestamp. The operation
// fields themselves are opaque.
func (r *Router) handleSheetOperation(c *Client, raw []byte) {
	logger := slogging.Get()

	sheetID := r.hub.JoinedSheet(c)
	if sheetID == "" {
		logger.Debug("Dropping operation from client %s: not in a sheet room", c.ID)
		return
	}

	var op map[string]any
	if err := json.Unmarshal(raw, &op); err != nil {
		logger.Warn("Dropping unparsable operation from client %s: %v", c.ID, err)
		return
	}
	op["user"] = Sender{ID: c.Sheet.UserID, Name: c.Sheet.UserName}
	op["timestamp"] = time.Now().UTC()

	data, err := json.Marshal(op)
	if err != nil {
		logger.Error("Failed to marshal operation broadcast: %v", err)
		return
	}
	r.hub.BroadcastSheet(sheetID, data, c)
}

// --- token/account category ---

func (r *Router) handleTokenMessage(c *Client, env *inboundEnvelope) {
	logger := slogging.Get()

	switch env.Type {
	case "org_chat_join":
		r.handleOrgChatJoin(c, env)
	case "org_chat_message":
		r.handleOrgChatMessage(c, env)
	case "org_chat_leave":
		if orgID, _, ok := r.hub.LeaveOrg(c); ok {
			r.hub.BroadcastOrgPresence(orgID)
		}
	case "get_org_chat_history":
		orgID, _ := r.hub.OrgMembership(c)
		if orgID == "" {
			logger.Debug("Dropping history request from client %s: not in an org room", c.ID)
			return
		}
		c.sendJSONOrLog(historyMessage{
			Type:     "org_chat_history",
			Messages: r.history.Get(context.Background(), r.keys.OrgChatKey(orgID)),
		})
	default:
		// Mail forwarding fallback: any message carrying a user id and
		// message id is relayed to that user's live connections. The
		// msg field is an opaque pass-through value.
		if env.UserID != "" && env.MsgID != "" {
			r.ForwardToUser(env.UserID, env.MsgID, env.Msg)
			return
		}
		logger.Debug("Dropping token message with unknown type %q from client %s", env.Type, c.ID)
	}
}

func (r *Router) handleOrgChatJoin(c *Client, env *inboundEnvelope) {
	logger := slogging.Get()

	if !c.Token.OrgChatEnabled {
		logger.Debug("Dropping org chat join from client %s: org chat disabled for session", c.ID)
		return
	}
	if env.EmployeeID == "" || env.OrganizationID == "" {
		logger.Debug("Dropping org chat join from client %s: missing employee or organization id", c.ID)
		return
	}

	r.hub.JoinOrg(c, env.OrganizationID, env.EmployeeID)
	c.sendJSONOrLog(orgReadyMessage{Type: "org_chat_ready", OrgID: env.OrganizationID})
	r.hub.BroadcastOrgPresence(env.OrganizationID)
}

func (r *Router) handleOrgChatMessage(c *Client, env *inboundEnvelope) {
	logger := slogging.Get()

	orgID, employeeID := r.hub.OrgMembership(c)
	if orgID == "" {
		logger.Debug("Dropping org chat message from client %s: not in an org room", c.ID)
		return
	}
	if env.Content == "" {
		logger.Debug("Dropping empty org chat message from client %s", c.ID)
		return
	}

	message := ChatMessage{
		ID:        uuid.New().String(),
		Type:      "org_chat_message",
		Content:   truncateContent(env.Content),
		User:      Sender{ID: employeeID},
		Timestamp: time.Now().UTC(),
		Room:      orgID,
	}

	r.history.Append(context.Background(), r.keys.OrgChatKey(orgID), message)

	data, err := json.Marshal(message)
	if err != nil {
		logger.Error("Failed to marshal org chat message: %v", err)
		return
	}
	r.hub.BroadcastOrg(orgID, data, c)
}

// ForwardToUser delivers an opaque payload to every live connection of
// a user. Shared by the WebSocket fallback path and POST /special.
// Returns the number of connections reached.
func (r *Router) ForwardToUser(userID, msgID string, msg json.RawMessage) int {
	data, err := json.Marshal(forwardedMessage{From: userID, Msg: msg, MsgID: msgID})
	if err != nil {
		slogging.Get().Error("Failed to marshal forwarded message %s: %v", msgID, err)
		return 0
	}
	return r.hub.SendToUser(userID, data)
}

// --- meeting category ---

func (r *Router) handleMeetingMessage(c *Client, env *inboundEnvelope) {
	logger := slogging.Get()

	switch env.Type {
	case "chat_message":
		r.handleMeetingChat(c, env)
	case "get_chat_history":
		c.sendJSONOrLog(historyMessage{
			Type:     "chat_history",
			Messages: r.history.Get(context.Background(), r.keys.MeetingChatKey(c.Meeting.MeetingCode)),
		})
	default:
		logger.Debug("Dropping meeting message with unknown type %q from client %s", env.Type, c.ID)
	}
}

func (r *Router) handleMeetingChat(c *Client, env *inboundEnvelope) {
	logger := slogging.Get()

	if env.Content == "" {
		logger.Debug("Dropping empty meeting chat from client %s", c.ID)
		return
	}

	name := env.SenderName
	if name == "" {
		name = c.Meeting.GuestName
	}
	message := ChatMessage{
		ID:        uuid.New().String(),
		Type:      "chat_message",
		Content:   truncateContent(env.Content),
		User:      Sender{ID: c.Meeting.GuestEmail, Name: name},
		Timestamp: time.Now().UTC(),
		Room:      c.Meeting.MeetingCode,
	}

	r.history.Append(context.Background(), r.keys.MeetingChatKey(c.Meeting.MeetingCode), message)

	data, err := json.Marshal(message)
	if err != nil {
		logger.Error("Failed to marshal meeting chat message: %v", err)
		return
	}
	// Topic delivery reaches the sender too; clients de-duplicate by id.
	r.hub.Publish(c.Meeting.MeetingCode, data)
}

// --- helpers ---

func (r *Router) broadcastUserEvent(sheetID, eventType string, user Sender, exclude *Client) {
	data, err := json.Marshal(userEventMessage{
		Type:      eventType,
		User:      user,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return
	}
	r.hub.BroadcastSheet(sheetID, data, exclude)
}

// truncateContent caps chat content at MaxChatContentLength characters
func truncateContent(content string) string {
	runes := []rune(content)
	if len(runes) <= MaxChatContentLength {
		return content
	}
	return string(runes[:MaxChatContentLength])
}
