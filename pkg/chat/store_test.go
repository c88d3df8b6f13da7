package chat

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/harun/nouschat/pkg/hoststore"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestKV(t *testing.T) *hoststore.Store {
	t.Helper()
	kv, err := hoststore.Open(hoststore.Config{
		Path:   filepath.Join(t.TempDir(), "chat.db"),
		Logger: zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { kv.Close() })
	return kv
}

func TestStore_CreateAndList(t *testing.T) {
	ctx := context.Background()
	s, err := NewStore(ctx, newTestKV(t), zerolog.Nop())
	require.NoError(t, err)

	first, err := s.CreateChat(ctx, "First")
	require.NoError(t, err)
	second, err := s.CreateChat(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "New chat", second.Title)

	chats, err := s.Chats(ctx)
	require.NoError(t, err)
	require.Len(t, chats, 2)
	assert.Equal(t, first.ID, chats[0].ID)
	assert.Equal(t, second.ID, chats[1].ID)

	current, err := s.CurrentChat(ctx)
	require.NoError(t, err)
	require.NotNil(t, current)
	assert.Equal(t, second.ID, current.ID)
}

func TestStore_AddMessage(t *testing.T) {
	ctx := context.Background()
	s, err := NewStore(ctx, newTestKV(t), zerolog.Nop())
	require.NoError(t, err)

	c, err := s.CreateChat(ctx, "Test")
	require.NoError(t, err)

	t.Run("fills id and timestamp", func(t *testing.T) {
		msg, err := s.AddMessage(ctx, c.ID, Message{Role: RoleUser, Content: "hello"})
		require.NoError(t, err)
		assert.NotEmpty(t, msg.ID)
		assert.NotZero(t, msg.Timestamp)
	})

	t.Run("unknown chat", func(t *testing.T) {
		_, err := s.AddMessage(ctx, "nope", Message{Role: RoleUser, Content: "x"})
		assert.ErrorIs(t, err, ErrChatNotFound)
	})

	t.Run("missing role", func(t *testing.T) {
		_, err := s.AddMessage(ctx, c.ID, Message{Content: "x"})
		assert.ErrorIs(t, err, ErrInvalidMessage)
	})

	t.Run("snapshots are copies", func(t *testing.T) {
		chats, err := s.Chats(ctx)
		require.NoError(t, err)
		chats[0].Messages[0].Content = "mutated"

		got, err := s.Chat(ctx, c.ID)
		require.NoError(t, err)
		assert.Equal(t, "hello", got.Messages[0].Content)
	})
}

func TestStore_Persistence(t *testing.T) {
	ctx := context.Background()
	kv := newTestKV(t)

	s, err := NewStore(ctx, kv, zerolog.Nop())
	require.NoError(t, err)
	c, err := s.CreateChat(ctx, "Persisted")
	require.NoError(t, err)
	_, err = s.AddMessage(ctx, c.ID, Message{Role: RoleAssistant, Content: "hi"})
	require.NoError(t, err)
	_, err = s.UpdateSettings(ctx, map[string]any{"theme": "dark"})
	require.NoError(t, err)

	reopened, err := NewStore(ctx, kv, zerolog.Nop())
	require.NoError(t, err)

	got, err := reopened.Chat(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "hi", got.Messages[0].Content)

	current, err := reopened.CurrentChat(ctx)
	require.NoError(t, err)
	require.NotNil(t, current)
	assert.Equal(t, c.ID, current.ID)

	settings, err := reopened.Settings(ctx)
	require.NoError(t, err)
	assert.Equal(t, "dark", settings["theme"])
}

func TestStore_DeleteChat(t *testing.T) {
	ctx := context.Background()
	s, err := NewStore(ctx, newTestKV(t), zerolog.Nop())
	require.NoError(t, err)

	c, err := s.CreateChat(ctx, "Doomed")
	require.NoError(t, err)

	require.NoError(t, s.DeleteChat(ctx, c.ID))
	assert.ErrorIs(t, s.DeleteChat(ctx, c.ID), ErrChatNotFound)

	current, err := s.CurrentChat(ctx)
	require.NoError(t, err)
	assert.Nil(t, current)
}

func TestStore_UpdateSettings(t *testing.T) {
	ctx := context.Background()
	s, err := NewStore(ctx, newTestKV(t), zerolog.Nop())
	require.NoError(t, err)

	_, err = s.UpdateSettings(ctx, map[string]any{"model": "hermes", "temperature": 0.7})
	require.NoError(t, err)
	merged, err := s.UpdateSettings(ctx, map[string]any{"temperature": 0.2})
	require.NoError(t, err)

	assert.Equal(t, "hermes", merged["model"])
	assert.Equal(t, 0.2, merged["temperature"])
}
