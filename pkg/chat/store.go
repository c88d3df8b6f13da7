package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"sync"

	"github.com/google/uuid"
	"github.com/harun/nouschat/pkg/hoststore"
	"github.com/rs/zerolog"
)

// Keys under which chat state is persisted.
const (
	chatsKey       = "chats"
	currentChatKey = "currentChatId"
	settingsKey    = "settings"
)

// Store owns the host chat state and persists it through a key/value store.
// Readers always receive copies.
type Store struct {
	mu        sync.RWMutex
	kv        hoststore.KV
	logger    zerolog.Logger
	chats     []Chat
	currentID string
	settings  map[string]any
}

// NewStore loads persisted chat state from kv
func NewStore(ctx context.Context, kv hoststore.KV, logger zerolog.Logger) (*Store, error) {
	s := &Store{
		kv:       kv,
		logger:   logger.With().Str("component", "chat_store").Logger(),
		settings: make(map[string]any),
	}

	if err := s.loadJSON(ctx, chatsKey, &s.chats); err != nil {
		return nil, err
	}
	if err := s.loadJSON(ctx, settingsKey, &s.settings); err != nil {
		return nil, err
	}
	if raw, ok, err := kv.Get(ctx, currentChatKey); err != nil {
		return nil, err
	} else if ok {
		s.currentID = string(raw)
	}
	if s.settings == nil {
		s.settings = make(map[string]any)
	}

	s.logger.Debug().Int("chats", len(s.chats)).Msg("Chat state loaded")
	return s, nil
}

func (s *Store) loadJSON(ctx context.Context, key string, v any) error {
	raw, ok, err := s.kv.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to load %s: %w", key, err)
	}
	if !ok || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return nil
}

func (s *Store) saveJSON(ctx context.Context, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	return s.kv.Set(ctx, key, raw)
}

// Chats returns a snapshot of all chats in creation order
func (s *Store) Chats(ctx context.Context) ([]Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Chat, len(s.chats))
	for i, c := range s.chats {
		out[i] = c.Clone()
	}
	return out, nil
}

// Chat returns a snapshot of one chat
func (s *Store) Chat(ctx context.Context, id string) (Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx := s.indexOf(id)
	if idx < 0 {
		return Chat{}, ErrChatNotFound
	}
	return s.chats[idx].Clone(), nil
}

// CurrentChat returns the selected chat, or nil when none is selected.
func (s *Store) CurrentChat(ctx context.Context) (*Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx := s.indexOf(s.currentID)
	if idx < 0 {
		return nil, nil
	}
	c := s.chats[idx].Clone()
	return &c, nil
}

// SetCurrent selects the chat with the given id
func (s *Store) SetCurrent(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.indexOf(id) < 0 {
		return ErrChatNotFound
	}
	s.currentID = id
	return s.kv.Set(ctx, currentChatKey, []byte(id))
}

// CreateChat appends a new chat and selects it
func (s *Store) CreateChat(ctx context.Context, title string) (Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if title == "" {
		title = "New chat"
	}
	now := nowMillis()
	c := Chat{
		ID:        uuid.New().String(),
		Title:     title,
		Messages:  []Message{},
		CreatedAt: now,
		UpdatedAt: now,
	}

	s.chats = append(s.chats, c)
	if err := s.saveJSON(ctx, chatsKey, s.chats); err != nil {
		s.chats = s.chats[:len(s.chats)-1]
		return Chat{}, err
	}
	s.currentID = c.ID
	if err := s.kv.Set(ctx, currentChatKey, []byte(c.ID)); err != nil {
		return Chat{}, err
	}

	s.logger.Info().Str("chat_id", c.ID).Str("title", title).Msg("Chat created")
	return c.Clone(), nil
}

// DeleteChat removes a chat. The current selection is cleared if it pointed there.
func (s *Store) DeleteChat(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.indexOf(id)
	if idx < 0 {
		return ErrChatNotFound
	}

	s.chats = append(s.chats[:idx], s.chats[idx+1:]...)
	if err := s.saveJSON(ctx, chatsKey, s.chats); err != nil {
		return err
	}
	if s.currentID == id {
		s.currentID = ""
		if err := s.kv.Delete(ctx, currentChatKey); err != nil {
			return err
		}
	}

	s.logger.Info().Str("chat_id", id).Msg("Chat deleted")
	return nil
}

// AddMessage appends msg to a chat. Missing ID and timestamp are filled in.
func (s *Store) AddMessage(ctx context.Context, chatID string, msg Message) (Message, error) {
	if msg.Role == "" {
		return Message{}, fmt.Errorf("%w: role is required", ErrInvalidMessage)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.indexOf(chatID)
	if idx < 0 {
		return Message{}, ErrChatNotFound
	}

	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = nowMillis()
	}

	prev := s.chats[idx]
	updated := prev.Clone()
	updated.Messages = append(updated.Messages, msg)
	updated.UpdatedAt = msg.Timestamp
	s.chats[idx] = updated

	if err := s.saveJSON(ctx, chatsKey, s.chats); err != nil {
		s.chats[idx] = prev
		return Message{}, err
	}

	return msg, nil
}

// Settings returns a copy of the host settings
func (s *Store) Settings(ctx context.Context) (map[string]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.settings), nil
}

// UpdateSettings shallow-merges patch over the settings and returns the result
func (s *Store) UpdateSettings(ctx context.Context, patch map[string]any) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	merged := maps.Clone(s.settings)
	if merged == nil {
		merged = make(map[string]any)
	}
	maps.Copy(merged, patch)

	if err := s.saveJSON(ctx, settingsKey, merged); err != nil {
		return nil, err
	}
	s.settings = merged
	return maps.Clone(merged), nil
}

func (s *Store) indexOf(id string) int {
	if id == "" {
		return -1
	}
	for i := range s.chats {
		if s.chats[i].ID == id {
			return i
		}
	}
	return -1
}
