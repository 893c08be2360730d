package api

import (
	"encoding/json"
	"time"
)

// Sender identifies the originator of a chat message or room event
type Sender struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// ChatMessage is the unit stored in history buckets and broadcast to
// rooms. Content is capped at MaxChatContentLength characters.
type ChatMessage struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Content   string    `json:"content"`
	User      Sender    `json:"user"`
	Timestamp time.Time `json:"timestamp"`
	Room      string    `json:"room,omitempty"`
	ReplyTo   string    `json:"reply_to,omitempty"`
}

// MaxChatContentLength bounds chat message content
const MaxChatContentLength = 2000

// inboundEnvelope is the first-pass parse of any text frame. Fields
// beyond Type feed the token category's mail-forwarding fallback.
type inboundEnvelope struct {
	Type string `json:"type"`

	// sheet category
	SheetID string `json:"sheetId"`
	Content string `json:"content"`
	ReplyTo string `json:"replyTo"`

	// token category
	EmployeeID     string          `json:"employee_id"`
	OrganizationID string          `json:"organization_id"`
	UserID         string          `json:"user_id"`
	MsgID          string          `json:"msg_id"`
	Msg            json.RawMessage `json:"msg"`

	// meeting category
	SenderName string `json:"senderName"`
}

// readyMessage is sent exactly once after a connection is admitted
type readyMessage struct {
	Type string `json:"type"`
}

// initMessage seeds a sheet client with room state on join
type initMessage struct {
	Type     string        `json:"type"`
	SheetID  string        `json:"sheetId"`
	Messages []ChatMessage `json:"messages"`
	Users    []Sender      `json:"users"`
}

// userEventMessage announces membership changes in a room
type userEventMessage struct {
	Type      string    `json:"type"`
	User      Sender    `json:"user"`
	Timestamp time.Time `json:"timestamp"`
}

// historyMessage carries a room's retained chat history
type historyMessage struct {
	Type     string        `json:"type"`
	Messages []ChatMessage `json:"messages"`
}

// orgPresenceMessage reports organization room membership counts
type orgPresenceMessage struct {
	Type  string `json:"type"`
	OrgID string `json:"orgId"`
	Count int    `json:"count"`
}

// orgReadyMessage acknowledges an organization chat join
type orgReadyMessage struct {
	Type  string `json:"type"`
	OrgID string `json:"orgId"`
}

// forwardedMessage is the opaque mail-forwarding payload delivered to
// every live connection of the target user. Msg is passed through
// verbatim, never interpreted.
type forwardedMessage struct {
	From  string          `json:"from"`
	Msg   json.RawMessage `json:"msg,omitempty"`
	MsgID string          `json:"msg_id"`
}

// accessApprovedMessage notifies a meeting room that a guest was admitted
type accessApprovedMessage struct {
	Type       string    `json:"type"`
	Email      string    `json:"email"`
	ApprovedBy string    `json:"approved_by,omitempty"`
	GuestToken string    `json:"guest_token,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}
