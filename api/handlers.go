package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/venmail/vensuite-gateway/auth"
	"github.com/venmail/vensuite-gateway/internal/slogging"
)

// handleMeetingWS admits meeting room connections on /meeting/*.
// Required query parameter: code. Optional: email, name (guests).
func (s *Server) handleMeetingWS(c *gin.Context) {
	logger := slogging.Get()

	code := c.Query("code")
	if code == "" {
		c.String(http.StatusBadRequest, "Missing meeting code")
		return
	}
	email := c.Query("email")
	name := c.Query("name")

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Debug("Meeting upgrade failed: %v", err)
		return
	}

	client := s.newClient(conn, CategoryMeeting)
	client.Meeting = &MeetingContext{
		MeetingCode: code,
		GuestEmail:  email,
		GuestName:   name,
		IsGuest:     email != "",
	}

	s.hub.AddMeeting(client)
	connectionsGauge.WithLabelValues(CategoryMeeting.String()).Inc()

	client.sendJSONOrLog(readyMessage{Type: "ready"})
	client.sendJSONOrLog(historyMessage{
		Type:     "chat_history",
		Messages: s.history.Get(c.Request.Context(), s.keys.MeetingChatKey(code)),
	})

	if event, err := json.Marshal(userEventMessage{
		Type:      "user_joined",
		User:      Sender{ID: email, Name: name},
		Timestamp: time.Now().UTC(),
	}); err == nil {
		s.hub.Publish(code, event)
	}

	go client.WritePump()
	go client.ReadPump(s.router)
}

// handleDefaultWS admits token/account and sheet connections on any
// unrouted GET path. The query carries either a token or the sheet
// parameter set; neither present is rejected before the handshake.
func (s *Server) handleDefaultWS(c *gin.Context) {
	if token := c.Query("token"); token != "" {
		s.handleTokenUpgrade(c, token)
		return
	}
	if c.Query("sheetId") != "" {
		s.handleSheetUpgrade(c)
		return
	}
	c.String(http.StatusUnauthorized, "Missing token or sheet parameters")
}

// handleTokenUpgrade runs the authenticated upgrade pipeline: session
// lookup, account filtering, then the handshake. Client disconnects
// mid-validation cancel the request context; once it is canceled
// nothing is written and the handshake is never attempted.
func (s *Server) handleTokenUpgrade(c *gin.Context, token string) {
	logger := slogging.Get()
	ctx := c.Request.Context()

	session, err := s.validator.Validate(ctx, token)
	if ctx.Err() != nil {
		logger.Debug("Upgrade aborted mid-validation")
		return
	}
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) {
			c.String(http.StatusUnauthorized, "Expired token")
		} else {
			c.String(http.StatusUnauthorized, "Invalid token")
		}
		return
	}

	accounts := s.validator.FilterAccounts(ctx, token, session.Accounts)
	if ctx.Err() != nil {
		logger.Debug("Upgrade aborted mid-validation")
		return
	}
	if len(accounts) == 0 {
		c.String(http.StatusForbidden, "No valid accounts")
		return
	}

	s.hub.CreateSession(&TokenSession{
		Token:          token,
		UserID:         session.UserID,
		Accounts:       accounts,
		OrgChatEnabled: session.OrgChatEnabled,
	})

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Debug("Token upgrade failed: %v", err)
		s.hub.DeleteSession(token)
		return
	}

	client := s.newClient(conn, CategoryToken)
	client.Token = &TokenContext{
		Token:          token,
		UserID:         session.UserID,
		Accounts:       accounts,
		OrgChatEnabled: session.OrgChatEnabled,
	}

	if err := s.hub.AttachToken(client); err != nil {
		// Session state inconsistent at open time; close this
		// connection only.
		logger.Warn("Token session vanished before open for user %s", session.UserID)
		client.CloseWithCode(websocket.ClosePolicyViolation, "invalid session")
		return
	}
	connectionsGauge.WithLabelValues(CategoryToken.String()).Inc()

	client.sendJSONOrLog(readyMessage{Type: "ready"})

	go client.WritePump()
	go client.ReadPump(s.router)
}

// handleSheetUpgrade admits sheet collaboration connections. Required
// query parameters: sheetId, userId, userName. Optional: channel
// ("crdt" for the binary update socket).
func (s *Server) handleSheetUpgrade(c *gin.Context) {
	logger := slogging.Get()

	sheetID := c.Query("sheetId")
	userID := c.Query("userId")
	userName := c.Query("userName")
	if userID == "" || userName == "" {
		c.String(http.StatusBadRequest, "Missing sheet connection parameters")
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Debug("Sheet upgrade failed: %v", err)
		return
	}

	client := s.newClient(conn, CategorySheet)
	client.Sheet = &SheetContext{
		SheetID:  sheetID,
		UserID:   userID,
		UserName: userName,
		Channel:  c.Query("channel"),
	}
	connectionsGauge.WithLabelValues(CategorySheet.String()).Inc()

	client.sendJSONOrLog(readyMessage{Type: "ready"})

	go client.WritePump()
	go client.ReadPump(s.router)
}

// specialRequest is the body of POST /special
type specialRequest struct {
	Msg    json.RawMessage `json:"msg"`
	MsgID  string          `json:"msg_id"`
	Target string          `json:"target"`
	UserID string          `json:"user_id"`
}

// postSpecial forwards an opaque message to every live connection of
// the target user. Used by the HTTP-triggered notification path.
func (s *Server) postSpecial(c *gin.Context) {
	var req specialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "Malformed request body"})
		return
	}
	if req.MsgID == "" || req.UserID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "msg_id and user_id are required"})
		return
	}

	delivered := s.router.ForwardToUser(req.UserID, req.MsgID, req.Msg)
	slogging.Get().Debug("Forwarded message %s to %d connections of user %s", req.MsgID, delivered, req.UserID)

	c.JSON(http.StatusOK, "Message queued")
}

// meetingNotificationRequest is the body of POST /meeting-notification
type meetingNotificationRequest struct {
	Type        string `json:"type"`
	MeetingCode string `json:"meetingCode"`
	GuestEmail  string `json:"guestEmail"`
	GuestToken  string `json:"guest_token"`
	ApprovedBy  string `json:"approved_by"`
}

// postMeetingNotification pushes meeting lifecycle notifications into a
// meeting room and directly to the affected guest's connection.
func (s *Server) postMeetingNotification(c *gin.Context) {
	var req meetingNotificationRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Type == "" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "Malformed request body"})
		return
	}

	switch req.Type {
	case "access_approved":
		payload, err := json.Marshal(accessApprovedMessage{
			Type:       "meeting_access_approved",
			Email:      req.GuestEmail,
			ApprovedBy: req.ApprovedBy,
			GuestToken: req.GuestToken,
			Timestamp:  time.Now().UTC(),
		})
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "Failed to build notification"})
			return
		}
		if req.MeetingCode != "" {
			s.hub.Publish(req.MeetingCode, payload)
		}
		if req.GuestEmail != "" {
			s.hub.SendToGuest(req.GuestEmail, payload)
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "message": "Notification delivered"})
	default:
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "Unsupported notification type"})
	}
}

// getHealth reports cache reachability
func (s *Server) getHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if err := s.redis.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "cache": "unreachable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// newClient builds a Client with transport settings from configuration
func (s *Server) newClient(conn *websocket.Conn, category Category) *Client {
	return &Client{
		ID:           uuid.New().String(),
		Category:     category,
		hub:          s.hub,
		conn:         conn,
		send:         make(chan frame, s.cfg.WebSocket.SendBufferSize),
		done:         make(chan struct{}),
		readLimit:    s.cfg.WebSocket.MaxPayloadBytes,
		pongWait:     time.Duration(s.cfg.WebSocket.PongTimeoutSeconds) * time.Second,
		pingInterval: time.Duration(s.cfg.WebSocket.PingIntervalSeconds) * time.Second,
	}
}
