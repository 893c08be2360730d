package api

import (
	"encoding/json"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/venmail/vensuite-gateway/auth"
	"github.com/venmail/vensuite-gateway/auth/db"
)

// setupTestHub creates a hub backed by an in-memory cache
func setupTestHub(t *testing.T, preventDuplicate bool) (*Hub, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := db.NewRedisDBFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	return NewHub(auth.NewSessionValidator(rdb), preventDuplicate), mr
}

func newTestClient(category Category) *Client {
	c := &Client{
		ID:       uuid.New().String(),
		Category: category,
		send:     make(chan frame, 16),
		done:     make(chan struct{}),
	}
	switch category {
	case CategoryToken:
		c.Token = &TokenContext{}
	case CategorySheet:
		c.Sheet = &SheetContext{}
	case CategoryMeeting:
		c.Meeting = &MeetingContext{}
	}
	return c
}

func newTestTokenClient(token, userID string, accounts ...string) *Client {
	c := newTestClient(CategoryToken)
	c.Token.Token = token
	c.Token.UserID = userID
	c.Token.Accounts = accounts
	return c
}

// receivedFrames drains the client's send queue
func receivedFrames(c *Client) []frame {
	var frames []frame
	for {
		select {
		case fr := <-c.send:
			frames = append(frames, fr)
		default:
			return frames
		}
	}
}

func TestHubSheetRooms(t *testing.T) {
	hub, _ := setupTestHub(t, false)

	a := newTestClient(CategorySheet)
	a.Sheet.UserID, a.Sheet.UserName = "u1", "Alice"
	b := newTestClient(CategorySheet)
	b.Sheet.UserID, b.Sheet.UserName = "u2", "Bob"

	t.Run("JoinCreatesBucket", func(t *testing.T) {
		hub.AddSheet(a, "s1")
		hub.AddSheet(b, "s1")
		assert.Equal(t, "s1", hub.JoinedSheet(a))
		assert.Len(t, hub.SheetMembers("s1"), 2)
	})

	t.Run("BroadcastExcludesSender", func(t *testing.T) {
		hub.BroadcastSheet("s1", []byte(`{"x":1}`), a)
		assert.Empty(t, receivedFrames(a))
		frames := receivedFrames(b)
		require.Len(t, frames, 1)
		assert.Equal(t, websocket.TextMessage, frames[0].messageType)
	})

	t.Run("BroadcastWithoutExclusionReachesAll", func(t *testing.T) {
		hub.BroadcastSheet("s1", []byte(`{"x":2}`), nil)
		assert.Len(t, receivedFrames(a), 1)
		assert.Len(t, receivedFrames(b), 1)
	})

	t.Run("EmptyBucketIsDeleted", func(t *testing.T) {
		hub.RemoveSheet(a)
		hub.RemoveSheet(b)
		hub.mu.RLock()
		_, exists := hub.sheetRooms["s1"]
		hub.mu.RUnlock()
		assert.False(t, exists)
	})
}

func TestHubBinaryRelay(t *testing.T) {
	hub, _ := setupTestHub(t, false)

	a := newTestClient(CategorySheet)
	b := newTestClient(CategorySheet)
	c := newTestClient(CategorySheet)

	hub.AddSheet(a, "s1")
	hub.AddSheet(b, "s1")
	hub.AddSheet(c, "s2")

	payload := []byte{0x01, 0x02, 0xff}
	hub.RelayBinary(a, payload)

	assert.Empty(t, receivedFrames(a), "sender must not receive its own update")
	assert.Empty(t, receivedFrames(c), "other rooms must not receive the update")

	frames := receivedFrames(b)
	require.Len(t, frames, 1)
	assert.Equal(t, websocket.BinaryMessage, frames[0].messageType)
	assert.Equal(t, payload, frames[0].data)

	t.Run("UnjoinedSenderIsDropped", func(t *testing.T) {
		loner := newTestClient(CategorySheet)
		hub.RelayBinary(loner, payload)
		assert.Empty(t, receivedFrames(b))
	})
}

func TestHubTokenSessions(t *testing.T) {
	hub, mr := setupTestHub(t, false)

	client := newTestTokenClient("tok1", "u1", "a1", "a2")
	hub.CreateSession(&TokenSession{Token: "tok1", UserID: "u1", Accounts: []string{"a1", "a2"}})

	t.Run("AttachInsertsIndices", func(t *testing.T) {
		require.NoError(t, hub.AttachToken(client))

		session, ok := hub.Session("tok1")
		require.True(t, ok)
		assert.Equal(t, client, session.Client)

		hub.mu.RLock()
		assert.Contains(t, hub.accountRooms["a1"], client)
		assert.Contains(t, hub.accountRooms["a2"], client)
		assert.True(t, hub.userTokens["u1"]["tok1"])
		hub.mu.RUnlock()
	})

	t.Run("AttachWithoutSessionFails", func(t *testing.T) {
		orphan := newTestTokenClient("ghost", "u9")
		assert.ErrorIs(t, hub.AttachToken(orphan), ErrSessionGone)
	})

	t.Run("SendToUserReachesAllConnections", func(t *testing.T) {
		second := newTestTokenClient("tok2", "u1", "a1")
		hub.CreateSession(&TokenSession{Token: "tok2", UserID: "u1", Accounts: []string{"a1"}})
		require.NoError(t, hub.AttachToken(second))

		delivered := hub.SendToUser("u1", []byte(`{"from":"u1"}`))
		assert.Equal(t, 2, delivered)
		assert.Len(t, receivedFrames(client), 1)
		assert.Len(t, receivedFrames(second), 1)

		hub.Unregister(second)
	})

	t.Run("UnregisterRemovesEverything", func(t *testing.T) {
		require.NoError(t, mr.Set(db.NewRedisKeyBuilder().ActiveTokenKey("a1"), "tok1"))

		hub.Unregister(client)

		_, ok := hub.Session("tok1")
		assert.False(t, ok)
		hub.mu.RLock()
		assert.NotContains(t, hub.accountRooms, "a1")
		assert.NotContains(t, hub.accountRooms, "a2")
		assert.NotContains(t, hub.userTokens, "u1")
		hub.mu.RUnlock()

		assert.False(t, mr.Exists(db.NewRedisKeyBuilder().ActiveTokenKey("a1")),
			"active token cache key must be invalidated")
	})

	t.Run("UnregisterIsIdempotent", func(t *testing.T) {
		hub.Unregister(client)
	})
}

func TestHubDuplicateSessionEviction(t *testing.T) {
	hub, _ := setupTestHub(t, true)

	first := newTestTokenClient("tok1", "u1", "a1")
	hub.CreateSession(&TokenSession{Token: "tok1", UserID: "u1", Accounts: []string{"a1"}})
	require.NoError(t, hub.AttachToken(first))

	second := newTestTokenClient("tok2", "u1", "a1")
	hub.CreateSession(&TokenSession{Token: "tok2", UserID: "u1", Accounts: []string{"a1"}})
	require.NoError(t, hub.AttachToken(second))

	_, ok := hub.Session("tok1")
	assert.False(t, ok, "evicted session entry must be deleted")

	select {
	case <-first.done:
	default:
		t.Fatal("evicted client must be closed")
	}

	session, ok := hub.Session("tok2")
	require.True(t, ok)
	assert.Equal(t, second, session.Client)

	hub.mu.RLock()
	assert.Len(t, hub.userTokens["u1"], 1)
	assert.NotContains(t, hub.accountRooms["a1"], first)
	hub.mu.RUnlock()
}

func TestHubSameTokenReconnect(t *testing.T) {
	hub, _ := setupTestHub(t, false)

	old := newTestTokenClient("tok1", "u1", "a1")
	hub.CreateSession(&TokenSession{Token: "tok1", UserID: "u1", Accounts: []string{"a1"}})
	require.NoError(t, hub.AttachToken(old))

	// Reconnect reusing the same token while the old socket is open.
	replacement := newTestTokenClient("tok1", "u1", "a1")
	hub.CreateSession(&TokenSession{Token: "tok1", UserID: "u1", Accounts: []string{"a1"}})
	require.NoError(t, hub.AttachToken(replacement))

	select {
	case <-old.done:
	default:
		t.Fatal("superseded connection must be closed")
	}

	hub.mu.RLock()
	assert.NotContains(t, hub.accountRooms["a1"], old)
	assert.Contains(t, hub.accountRooms["a1"], replacement)
	hub.mu.RUnlock()

	// The superseded connection's read loop still tears down afterwards;
	// it must leave no trace and must not disturb the replacement.
	hub.Unregister(old)

	session, ok := hub.Session("tok1")
	require.True(t, ok)
	assert.Equal(t, replacement, session.Client)

	hub.mu.RLock()
	assert.NotContains(t, hub.accountRooms["a1"], old)
	assert.Contains(t, hub.accountRooms["a1"], replacement)
	hub.mu.RUnlock()
}

func TestHubEvictionUpdatesOrgPresence(t *testing.T) {
	hub, _ := setupTestHub(t, true)

	observer := newTestTokenClient("tok0", "u0", "a0")
	hub.CreateSession(&TokenSession{Token: "tok0", UserID: "u0", Accounts: []string{"a0"}})
	require.NoError(t, hub.AttachToken(observer))
	hub.JoinOrg(observer, "org1", "e0")

	first := newTestTokenClient("tok1", "u1", "a1")
	hub.CreateSession(&TokenSession{Token: "tok1", UserID: "u1", Accounts: []string{"a1"}})
	require.NoError(t, hub.AttachToken(first))
	hub.JoinOrg(first, "org1", "e1")
	receivedFrames(observer)

	second := newTestTokenClient("tok2", "u1", "a1")
	hub.CreateSession(&TokenSession{Token: "tok2", UserID: "u1", Accounts: []string{"a1"}})
	require.NoError(t, hub.AttachToken(second))

	assert.Equal(t, 1, hub.OrgCount("org1"))

	// The remaining members learn the corrected count right away.
	frames := receivedFrames(observer)
	require.NotEmpty(t, frames, "eviction from an org room must rebroadcast presence")
	var presence orgPresenceMessage
	require.NoError(t, json.Unmarshal(frames[len(frames)-1].data, &presence))
	assert.Equal(t, "org_chat_presence", presence.Type)
	assert.Equal(t, "org1", presence.OrgID)
	assert.Equal(t, 1, presence.Count)
}

func TestHubMeetingRooms(t *testing.T) {
	hub, _ := setupTestHub(t, false)

	guest := newTestClient(CategoryMeeting)
	guest.Meeting.MeetingCode = "room-1"
	guest.Meeting.GuestEmail = "g@x.com"
	guest.Meeting.IsGuest = true

	other := newTestClient(CategoryMeeting)
	other.Meeting.MeetingCode = "room-1"

	hub.AddMeeting(guest)
	hub.AddMeeting(other)

	t.Run("PublishReachesEveryoneIncludingSender", func(t *testing.T) {
		hub.Publish("room-1", []byte(`{"type":"chat_message"}`))
		assert.Len(t, receivedFrames(guest), 1)
		assert.Len(t, receivedFrames(other), 1)
	})

	t.Run("SendToGuest", func(t *testing.T) {
		assert.True(t, hub.SendToGuest("g@x.com", []byte(`{}`)))
		assert.False(t, hub.SendToGuest("nobody@x.com", []byte(`{}`)))
		assert.Len(t, receivedFrames(guest), 1)
	})

	t.Run("UnregisterCleansGuestIndex", func(t *testing.T) {
		hub.Unregister(guest)
		assert.False(t, hub.SendToGuest("g@x.com", []byte(`{}`)))

		hub.Unregister(other)
		hub.mu.RLock()
		assert.NotContains(t, hub.meetingRooms, "room-1")
		hub.mu.RUnlock()
	})
}

func TestHubOrgRooms(t *testing.T) {
	hub, _ := setupTestHub(t, false)

	a := newTestTokenClient("tok1", "u1", "a1")
	b := newTestTokenClient("tok2", "u2", "a2")
	hub.CreateSession(&TokenSession{Token: "tok1", UserID: "u1", Accounts: []string{"a1"}})
	hub.CreateSession(&TokenSession{Token: "tok2", UserID: "u2", Accounts: []string{"a2"}})
	require.NoError(t, hub.AttachToken(a))
	require.NoError(t, hub.AttachToken(b))

	assert.Equal(t, 1, hub.JoinOrg(a, "org1", "e1"))
	assert.Equal(t, 2, hub.JoinOrg(b, "org1", "e2"))

	orgID, employeeID := hub.OrgMembership(a)
	assert.Equal(t, "org1", orgID)
	assert.Equal(t, "e1", employeeID)

	hub.BroadcastOrg("org1", []byte(`{}`), a)
	assert.Empty(t, receivedFrames(a))
	assert.Len(t, receivedFrames(b), 1)

	orgID, remaining, ok := hub.LeaveOrg(a)
	require.True(t, ok)
	assert.Equal(t, "org1", orgID)
	assert.Equal(t, 1, remaining)

	_, _, ok = hub.LeaveOrg(a)
	assert.False(t, ok)

	// Disconnecting the last member deletes the bucket.
	hub.Unregister(b)
	assert.Equal(t, 0, hub.OrgCount("org1"))
}

func TestHubShutdown(t *testing.T) {
	hub, _ := setupTestHub(t, false)

	token := newTestTokenClient("tok1", "u1", "a1")
	hub.CreateSession(&TokenSession{Token: "tok1", UserID: "u1", Accounts: []string{"a1"}})
	require.NoError(t, hub.AttachToken(token))

	sheet := newTestClient(CategorySheet)
	hub.AddSheet(sheet, "s1")

	meeting := newTestClient(CategoryMeeting)
	meeting.Meeting.MeetingCode = "m1"
	hub.AddMeeting(meeting)

	hub.Shutdown()

	for _, c := range []*Client{token, sheet, meeting} {
		select {
		case <-c.done:
		default:
			t.Fatalf("client %s not closed on shutdown", c.ID)
		}
	}

	_, ok := hub.Session("tok1")
	assert.False(t, ok)
	assert.Empty(t, hub.SheetMembers("s1"))

	// Safe to invoke more than once.
	hub.Shutdown()
}
