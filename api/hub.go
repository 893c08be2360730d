package api

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/venmail/vensuite-gateway/auth"
	"github.com/venmail/vensuite-gateway/internal/slogging"
)

// ErrSessionGone indicates a token session vanished between upgrade and
// open, e.g. evicted by a concurrent duplicate login. The connection is
// closed with code 1008.
var ErrSessionGone = errors.New("token session no longer exists")

// TokenSession binds a validated token to a user, their authorized
// accounts and zero-or-one live connection.
type TokenSession struct {
	Token          string
	UserID         string
	Accounts       []string
	OrgChatEnabled bool

	// Client is nil between upgrade and open, and after eviction.
	Client *Client
}

// Hub is the connection registry: the sole owner of all room indices
// and the session table. Every mutation happens under its mutex, and no
// I/O is performed while the lock is held.
type Hub struct {
	mu sync.RWMutex

	sheetRooms   map[string]map[*Client]bool
	accountRooms map[string]map[*Client]bool
	meetingRooms map[string]map[*Client]bool
	orgRooms     map[string]map[*Client]bool

	guestConns map[string]*Client
	userTokens map[string]map[string]bool
	sessions   map[string]*TokenSession

	validator        *auth.SessionValidator
	preventDuplicate bool
	closed           bool
}

// NewHub creates a new connection registry
func NewHub(validator *auth.SessionValidator, preventDuplicate bool) *Hub {
	return &Hub{
		sheetRooms:       make(map[string]map[*Client]bool),
		accountRooms:     make(map[string]map[*Client]bool),
		meetingRooms:     make(map[string]map[*Client]bool),
		orgRooms:         make(map[string]map[*Client]bool),
		guestConns:       make(map[string]*Client),
		userTokens:       make(map[string]map[string]bool),
		sessions:         make(map[string]*TokenSession),
		validator:        validator,
		preventDuplicate: preventDuplicate,
	}
}

// CreateSession records a validated token session ahead of the upgrade.
// The connection is attached later by AttachToken once the socket opens.
// Reusing a token whose previous connection is still open supersedes
// it: the old connection leaves every index and is closed with code
// 1008, keeping each session at zero-or-one live connection.
func (h *Hub) CreateSession(session *TokenSession) {
	h.mu.Lock()
	var displaced *Client
	var displacedOrg string
	if prev, ok := h.sessions[session.Token]; ok && prev.Client != nil {
		displaced = prev.Client
		displacedOrg = prev.Client.Token.orgID
		h.removeTokenIndicesLocked(prev.Client)
	}
	h.sessions[session.Token] = session
	h.mu.Unlock()

	if displaced != nil {
		slogging.Get().Info("Superseding connection %s reusing its token", displaced.ID)
		sessionEvictionsTotal.Inc()
		displaced.CloseWithCode(websocket.ClosePolicyViolation, "session superseded")
		if displacedOrg != "" {
			h.BroadcastOrgPresence(displacedOrg)
		}
	}
}

// DeleteSession removes a session that never reached the open state
// (upgrade failure or client abort mid-handshake).
func (h *Hub) DeleteSession(token string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	session, ok := h.sessions[token]
	if !ok {
		return
	}
	delete(h.sessions, token)
	h.removeUserTokenLocked(session.UserID, token)
}

// AttachToken binds an opened connection to its session and inserts it
// into the account indices. With duplicate prevention enabled, every
// other session of the same user is evicted with close code 1008.
func (h *Hub) AttachToken(client *Client) error {
	logger := slogging.Get()

	h.mu.Lock()
	session, ok := h.sessions[client.Token.Token]
	if !ok {
		h.mu.Unlock()
		return ErrSessionGone
	}

	var evicted []*Client
	var evictedOrgs []string
	if h.preventDuplicate {
		for token := range h.userTokens[session.UserID] {
			if token == client.Token.Token {
				continue
			}
			other, ok := h.sessions[token]
			if !ok {
				continue
			}
			if other.Client != nil {
				if orgID := other.Client.Token.orgID; orgID != "" {
					evictedOrgs = append(evictedOrgs, orgID)
				}
				h.removeTokenIndicesLocked(other.Client)
				evicted = append(evicted, other.Client)
			}
			delete(h.sessions, token)
			h.removeUserTokenLocked(session.UserID, token)
		}
	}

	// A previous connection may still hold this session when two
	// handshakes race on one token; it is superseded the same way.
	if prev := session.Client; prev != nil && prev != client {
		if orgID := prev.Token.orgID; orgID != "" {
			evictedOrgs = append(evictedOrgs, orgID)
		}
		h.removeTokenIndicesLocked(prev)
		evicted = append(evicted, prev)
	}

	session.Client = client
	if h.userTokens[session.UserID] == nil {
		h.userTokens[session.UserID] = make(map[string]bool)
	}
	h.userTokens[session.UserID][session.Token] = true

	for _, accountID := range client.Token.Accounts {
		if h.accountRooms[accountID] == nil {
			h.accountRooms[accountID] = make(map[*Client]bool)
		}
		h.accountRooms[accountID][client] = true
	}
	h.mu.Unlock()

	for _, other := range evicted {
		logger.Info("Evicting duplicate session for user %s (client %s)", client.Token.UserID, other.ID)
		sessionEvictionsTotal.Inc()
		other.CloseWithCode(websocket.ClosePolicyViolation, "session superseded")
	}
	for _, orgID := range evictedOrgs {
		h.BroadcastOrgPresence(orgID)
	}
	return nil
}

// AddSheet inserts a sheet connection into a sheet room. Sheet
// connections enter their room on an explicit join message, not at
// open, so a connection that never joins is in no index at all.
func (h *Hub) AddSheet(client *Client, sheetID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if prev := client.Sheet.joinedSheet; prev != "" && prev != sheetID {
		h.removeFromRoomLocked(h.sheetRooms, prev, client)
	}
	client.Sheet.joinedSheet = sheetID
	if h.sheetRooms[sheetID] == nil {
		h.sheetRooms[sheetID] = make(map[*Client]bool)
	}
	h.sheetRooms[sheetID][client] = true
}

// RemoveSheet removes a sheet connection from its room
func (h *Hub) RemoveSheet(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if client.Sheet.joinedSheet == "" {
		return
	}
	h.removeFromRoomLocked(h.sheetRooms, client.Sheet.joinedSheet, client)
	client.Sheet.joinedSheet = ""
}

// JoinedSheet returns the sheet room the client has joined, if any
func (h *Hub) JoinedSheet(client *Client) string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return client.Sheet.joinedSheet
}

// SheetMembers returns the identities currently in a sheet room
func (h *Hub) SheetMembers(sheetID string) []Sender {
	h.mu.RLock()
	defer h.mu.RUnlock()

	members := make([]Sender, 0, len(h.sheetRooms[sheetID]))
	for client := range h.sheetRooms[sheetID] {
		members = append(members, Sender{ID: client.Sheet.UserID, Name: client.Sheet.UserName})
	}
	return members
}

// AddMeeting registers a meeting connection: it subscribes to the room
// topic and, for guests, is tracked in the guest index for direct
// notification delivery.
func (h *Hub) AddMeeting(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	code := client.Meeting.MeetingCode
	if h.meetingRooms[code] == nil {
		h.meetingRooms[code] = make(map[*Client]bool)
	}
	h.meetingRooms[code][client] = true

	if client.Meeting.GuestEmail != "" {
		h.guestConns[client.Meeting.GuestEmail] = client
	}
}

// JoinOrg inserts a token connection into an organization room and
// records the membership on its context. Returns the room's member
// count after the join.
func (h *Hub) JoinOrg(client *Client, orgID, employeeID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	if prev := client.Token.orgID; prev != "" && prev != orgID {
		h.removeFromRoomLocked(h.orgRooms, prev, client)
	}
	client.Token.orgID = orgID
	client.Token.employeeID = employeeID

	if h.orgRooms[orgID] == nil {
		h.orgRooms[orgID] = make(map[*Client]bool)
	}
	h.orgRooms[orgID][client] = true
	return len(h.orgRooms[orgID])
}

// LeaveOrg removes a token connection from its organization room.
// Returns the org id and remaining member count; ok is false if the
// client was in no org room.
func (h *Hub) LeaveOrg(client *Client) (orgID string, remaining int, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	orgID = client.Token.orgID
	if orgID == "" {
		return "", 0, false
	}
	h.removeFromRoomLocked(h.orgRooms, orgID, client)
	client.Token.orgID = ""
	client.Token.employeeID = ""
	return orgID, len(h.orgRooms[orgID]), true
}

// OrgCount returns the current member count of an organization room
func (h *Hub) OrgCount(orgID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.orgRooms[orgID])
}

// OrgMembership returns the client's current org room and employee id
func (h *Hub) OrgMembership(client *Client) (orgID, employeeID string) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return client.Token.orgID, client.Token.employeeID
}

// Unregister removes a connection from every index it was placed in.
// A token connection always leaves the account and org rooms, even when
// another connection has since taken over its session; only the session
// owner additionally deletes the session entry and invalidates the
// per-account active token cache keys. Idempotent: a client evicted
// moments earlier is already absent from every index.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()

	var invalidateAccounts []string
	switch client.Category {
	case CategoryToken:
		h.removeTokenIndicesLocked(client)
		session, ok := h.sessions[client.Token.Token]
		if ok && session.Client == client {
			delete(h.sessions, client.Token.Token)
			h.removeUserTokenLocked(client.Token.UserID, client.Token.Token)
			invalidateAccounts = client.Token.Accounts
		}
	case CategorySheet:
		if client.Sheet.joinedSheet != "" {
			h.removeFromRoomLocked(h.sheetRooms, client.Sheet.joinedSheet, client)
			client.Sheet.joinedSheet = ""
		}
	case CategoryMeeting:
		code := client.Meeting.MeetingCode
		if _, ok := h.meetingRooms[code][client]; ok {
			h.removeFromRoomLocked(h.meetingRooms, code, client)
		}
		if email := client.Meeting.GuestEmail; email != "" && h.guestConns[email] == client {
			delete(h.guestConns, email)
		}
	}
	h.mu.Unlock()

	// Cache invalidation happens outside the lock; the entries carry
	// their own TTL so failures are logged and swallowed.
	for _, accountID := range invalidateAccounts {
		h.validator.InvalidateAccount(context.Background(), accountID)
	}
}

// removeTokenIndicesLocked drops a token client from the account and
// organization rooms. Caller holds the lock.
func (h *Hub) removeTokenIndicesLocked(client *Client) {
	for _, accountID := range client.Token.Accounts {
		h.removeFromRoomLocked(h.accountRooms, accountID, client)
	}
	if client.Token.orgID != "" {
		h.removeFromRoomLocked(h.orgRooms, client.Token.orgID, client)
		client.Token.orgID = ""
		client.Token.employeeID = ""
	}
}

// removeFromRoomLocked removes a client from a room bucket, deleting
// the bucket once it is empty. Caller holds the lock.
func (h *Hub) removeFromRoomLocked(rooms map[string]map[*Client]bool, key string, client *Client) {
	bucket, ok := rooms[key]
	if !ok {
		return
	}
	delete(bucket, client)
	if len(bucket) == 0 {
		delete(rooms, key)
	}
}

func (h *Hub) removeUserTokenLocked(userID, token string) {
	tokens, ok := h.userTokens[userID]
	if !ok {
		return
	}
	delete(tokens, token)
	if len(tokens) == 0 {
		delete(h.userTokens, userID)
	}
}

// snapshotRoom copies a room's member set so sends happen outside the lock
func (h *Hub) snapshotRoom(rooms map[string]map[*Client]bool, key string, exclude *Client) []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()

	bucket := rooms[key]
	members := make([]*Client, 0, len(bucket))
	for client := range bucket {
		if client == exclude {
			continue
		}
		members = append(members, client)
	}
	return members
}

// broadcast fans a text frame out to every member of the snapshot. A
// failed send is logged and never aborts the remaining fan-out.
func (h *Hub) broadcast(members []*Client, data []byte) {
	logger := slogging.Get()
	for _, client := range members {
		if !client.trySend(websocket.TextMessage, data) {
			logger.Warn("Broadcast send failed for client %s: send queue full", client.ID)
			broadcastDropsTotal.Inc()
		}
	}
	broadcastsTotal.Inc()
}

// BroadcastSheet sends to every member of a sheet room except exclude
func (h *Hub) BroadcastSheet(sheetID string, data []byte, exclude *Client) {
	h.broadcast(h.snapshotRoom(h.sheetRooms, sheetID, exclude), data)
}

// BroadcastOrg sends to every member of an organization room except exclude
func (h *Hub) BroadcastOrg(orgID string, data []byte, exclude *Client) {
	h.broadcast(h.snapshotRoom(h.orgRooms, orgID, exclude), data)
}

// BroadcastOrgPresence reports an organization room's current member
// count to its members. Sent after every membership change, including
// removals caused by session eviction.
func (h *Hub) BroadcastOrgPresence(orgID string) {
	data, err := json.Marshal(orgPresenceMessage{
		Type:  "org_chat_presence",
		OrgID: orgID,
		Count: h.OrgCount(orgID),
	})
	if err != nil {
		return
	}
	h.BroadcastOrg(orgID, data, nil)
}

// BroadcastAccount sends to every connection bound to an account except exclude
func (h *Hub) BroadcastAccount(accountID string, data []byte, exclude *Client) {
	h.broadcast(h.snapshotRoom(h.accountRooms, accountID, exclude), data)
}

// Publish delivers to every subscriber of a meeting room topic. Topic
// delivery cannot exclude the sender; clients de-duplicate by message
// id.
func (h *Hub) Publish(meetingCode string, data []byte) {
	h.broadcast(h.snapshotRoom(h.meetingRooms, meetingCode, nil), data)
}

// RelayBinary fans an opaque CRDT update out to every other connection
// in the sender's sheet room. The payload is never parsed. A sender
// that has not joined a room yet is dropped at debug level.
func (h *Hub) RelayBinary(sender *Client, data []byte) {
	logger := slogging.Get()

	h.mu.RLock()
	sheetID := sender.Sheet.joinedSheet
	bucket, joined := h.sheetRooms[sheetID]
	members := make([]*Client, 0, len(bucket))
	for client := range bucket {
		if client != sender {
			members = append(members, client)
		}
	}
	h.mu.RUnlock()

	if sheetID == "" || !joined {
		logger.Debug("Dropping binary frame from client %s: no sheet room", sender.ID)
		return
	}

	for _, client := range members {
		if !client.trySend(websocket.BinaryMessage, data) {
			logger.Warn("Binary relay send failed for client %s: send queue full", client.ID)
			broadcastDropsTotal.Inc()
		}
	}
	relayedFramesTotal.Inc()
}

// SendToUser delivers a payload to every live connection of a user.
// Returns the number of connections reached.
func (h *Hub) SendToUser(userID string, data []byte) int {
	h.mu.RLock()
	var targets []*Client
	for token := range h.userTokens[userID] {
		if session, ok := h.sessions[token]; ok && session.Client != nil {
			targets = append(targets, session.Client)
		}
	}
	h.mu.RUnlock()

	delivered := 0
	for _, client := range targets {
		if client.trySend(websocket.TextMessage, data) {
			delivered++
		} else {
			slogging.Get().Warn("Forward send failed for client %s: send queue full", client.ID)
			broadcastDropsTotal.Inc()
		}
	}
	return delivered
}

// SendToGuest delivers a payload directly to a tracked guest connection
func (h *Hub) SendToGuest(guestEmail string, data []byte) bool {
	h.mu.RLock()
	client := h.guestConns[guestEmail]
	h.mu.RUnlock()

	if client == nil {
		return false
	}
	return client.trySend(websocket.TextMessage, data)
}

// Session returns the session for a token, if any
func (h *Hub) Session(token string) (*TokenSession, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	session, ok := h.sessions[token]
	return session, ok
}

// Shutdown drains the registry: every tracked connection receives a
// close frame with code 1001, then all indices and the session table
// are cleared. Idempotent and safe to invoke more than once.
func (h *Hub) Shutdown() {
	logger := slogging.Get()

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true

	clients := make(map[*Client]bool)
	for _, session := range h.sessions {
		if session.Client != nil {
			clients[session.Client] = true
		}
	}
	for _, bucket := range h.sheetRooms {
		for client := range bucket {
			clients[client] = true
		}
	}
	for _, bucket := range h.meetingRooms {
		for client := range bucket {
			clients[client] = true
		}
	}

	h.sheetRooms = make(map[string]map[*Client]bool)
	h.accountRooms = make(map[string]map[*Client]bool)
	h.meetingRooms = make(map[string]map[*Client]bool)
	h.orgRooms = make(map[string]map[*Client]bool)
	h.guestConns = make(map[string]*Client)
	h.userTokens = make(map[string]map[string]bool)
	h.sessions = make(map[string]*TokenSession)
	h.mu.Unlock()

	logger.Info("Draining %d connections for shutdown", len(clients))
	for client := range clients {
		client.CloseWithCode(websocket.CloseGoingAway, "server shutdown")
	}
}
