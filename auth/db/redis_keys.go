package db

import "fmt"

// RedisKeyBuilder builds cache keys following the gateway's key namespace.
// Session records are keyed by the raw token; every other key carries a
// purpose prefix.
type RedisKeyBuilder struct{}

// NewRedisKeyBuilder creates a new Redis key builder
func NewRedisKeyBuilder() *RedisKeyBuilder {
	return &RedisKeyBuilder{}
}

// SessionKey builds the key holding a token's session record
func (b *RedisKeyBuilder) SessionKey(token string) string {
	return token
}

// ActiveTokenKey builds the key holding an account's current session token
func (b *RedisKeyBuilder) ActiveTokenKey(accountID string) string {
	return fmt.Sprintf("active_token_%s", accountID)
}

// SheetChatKey builds the chat history bucket key for a sheet room
func (b *RedisKeyBuilder) SheetChatKey(sheetID string) string {
	return fmt.Sprintf("messages_%s", sheetID)
}

// MeetingChatKey builds the chat history bucket key for a meeting room
func (b *RedisKeyBuilder) MeetingChatKey(code string) string {
	return fmt.Sprintf("meeting_chat_%s", code)
}

// OrgChatKey builds the chat history bucket key for an organization room
func (b *RedisKeyBuilder) OrgChatKey(orgID string) string {
	return fmt.Sprintf("org_chat_%s", orgID)
}
