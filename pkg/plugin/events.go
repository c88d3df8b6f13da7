package plugin

import (
	"context"
	"fmt"
	"sync"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

type subscription struct {
	handle  string
	event   string
	owner   string
	handler EventHandler
}

// EventBus delivers plugin events to subscribers in subscription order.
// Subscriptions are owned by a plugin and addressed by handle.
type EventBus struct {
	mu     sync.RWMutex
	subs   []*subscription
	seq    int
	logger zerolog.Logger
}

// NewEventBus creates an event bus
func NewEventBus(logger zerolog.Logger) *EventBus {
	return &EventBus{
		logger: logger.With().Str("component", "plugin-events").Logger(),
	}
}

// On subscribes handler to event and returns its handle
func (b *EventBus) On(owner, event string, handler EventHandler) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	handle, err := gonanoid.New()
	if err != nil {
		// nanoid only fails if the system random source does
		b.seq++
		handle = fmt.Sprintf("%s-%d", owner, b.seq)
	}

	b.subs = append(b.subs, &subscription{handle: handle, event: event, owner: owner, handler: handler})
	return handle
}

// Off removes a subscription. Only the owner may remove its own handles.
func (b *EventBus) Off(owner, handle string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, s := range b.subs {
		if s.handle == handle && s.owner == owner {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return true
		}
	}
	return false
}

// RemoveOwner drops every subscription held by owner
func (b *EventBus) RemoveOwner(owner string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	kept := b.subs[:0]
	removed := 0
	for _, s := range b.subs {
		if s.owner == owner {
			removed++
			continue
		}
		kept = append(kept, s)
	}
	for i := len(kept); i < len(b.subs); i++ {
		b.subs[i] = nil
	}
	b.subs = kept
	return removed
}

// Emit calls every handler subscribed to event. Handler failures are logged.
func (b *EventBus) Emit(ctx context.Context, event string, data any) {
	b.mu.RLock()
	var targets []*subscription
	for _, s := range b.subs {
		if s.event == event {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range targets {
		b.deliver(ctx, s, data)
	}
}

func (b *EventBus) deliver(ctx context.Context, s *subscription, data any) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().
				Str("plugin", s.owner).
				Str("event", s.event).
				Interface("panic", r).
				Msg("Event handler panicked")
		}
	}()

	if err := s.handler(ctx, data); err != nil {
		b.logger.Error().
			Err(err).
			Str("plugin", s.owner).
			Str("event", s.event).
			Msg("Event handler failed")
	}
}
