package api

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTruncateContent(t *testing.T) {
	assert.Equal(t, "short", truncateContent("short"))
	assert.Equal(t, "", truncateContent(""))

	exact := strings.Repeat("a", MaxChatContentLength)
	assert.Equal(t, exact, truncateContent(exact))

	long := strings.Repeat("b", MaxChatContentLength+50)
	assert.Len(t, truncateContent(long), MaxChatContentLength)

	// Truncation is rune-safe for multi-byte content.
	wide := strings.Repeat("界", MaxChatContentLength+1)
	truncated := truncateContent(wide)
	assert.Equal(t, MaxChatContentLength, len([]rune(truncated)))
	assert.Equal(t, strings.Repeat("界", MaxChatContentLength), truncated)
}
