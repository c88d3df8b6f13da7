package chat

import (
	"errors"
	"time"
)

// Roles a message may carry.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

var (
	// ErrChatNotFound is returned when a chat id does not exist
	ErrChatNotFound = errors.New("chat not found")

	// ErrInvalidMessage is returned for messages without a role or content
	ErrInvalidMessage = errors.New("invalid message")
)

// Message is a single entry in a chat.
type Message struct {
	ID        string `json:"id" mapstructure:"id"`
	Role      string `json:"role" mapstructure:"role"`
	Content   string `json:"content" mapstructure:"content"`
	Timestamp int64  `json:"timestamp" mapstructure:"timestamp"`
	Model     string `json:"model,omitempty" mapstructure:"model"`
}

// Chat is a conversation with its ordered messages.
type Chat struct {
	ID        string    `json:"id" mapstructure:"id"`
	Title     string    `json:"title" mapstructure:"title"`
	Messages  []Message `json:"messages" mapstructure:"messages"`
	CreatedAt int64     `json:"createdAt" mapstructure:"createdAt"`
	UpdatedAt int64     `json:"updatedAt" mapstructure:"updatedAt"`
}

// Clone returns a deep copy of the chat
func (c Chat) Clone() Chat {
	out := c
	out.Messages = append([]Message(nil), c.Messages...)
	return out
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
