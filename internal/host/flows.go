package host

import (
	"context"
	"errors"
	"strings"

	"github.com/harun/nouschat/pkg/chat"
)

// ErrEmptyMessage is returned when a hook fold leaves nothing to store.
var ErrEmptyMessage = errors.New("message is empty")

// NewChat creates and selects a chat, then notifies plugins
func (h *Host) NewChat(ctx context.Context, title string) (chat.Chat, error) {
	c, err := h.chats.CreateChat(ctx, title)
	if err != nil {
		return chat.Chat{}, err
	}
	h.manager.ChatCreated(ctx, c)
	return c, nil
}

// DeleteChat removes a chat, then notifies plugins
func (h *Host) DeleteChat(ctx context.Context, id string) error {
	if err := h.chats.DeleteChat(ctx, id); err != nil {
		return err
	}
	h.manager.ChatDeleted(ctx, id)
	return nil
}

// Send runs a user message through beforeSendMessage and appends the
// result to the current chat. A chat is created when none is selected.
func (h *Host) Send(ctx context.Context, content string) (chat.Message, error) {
	msg := h.manager.BeforeSendMessage(ctx, chat.Message{Role: chat.RoleUser, Content: content})
	return h.append(ctx, msg)
}

// Receive runs an assistant reply through afterReceiveMessage and appends
// the result to the current chat.
func (h *Host) Receive(ctx context.Context, content, model string) (chat.Message, error) {
	msg := h.manager.AfterReceiveMessage(ctx, chat.Message{Role: chat.RoleAssistant, Content: content, Model: model})
	return h.append(ctx, msg)
}

// Execute routes a slash command to the plugin that registered it
func (h *Host) Execute(ctx context.Context, line string) bool {
	return h.manager.Execute(ctx, line)
}

func (h *Host) append(ctx context.Context, msg chat.Message) (chat.Message, error) {
	if strings.TrimSpace(msg.Content) == "" {
		return chat.Message{}, ErrEmptyMessage
	}

	current, err := h.chats.CurrentChat(ctx)
	if err != nil {
		return chat.Message{}, err
	}
	if current == nil {
		c, err := h.NewChat(ctx, "")
		if err != nil {
			return chat.Message{}, err
		}
		current = &c
	}

	return h.chats.AddMessage(ctx, current.ID, msg)
}
