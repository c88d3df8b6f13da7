package notify

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Notification is a user-facing message raised by the host or a plugin.
type Notification struct {
	Title   string    `json:"title"`
	Message string    `json:"message"`
	Source  string    `json:"source,omitempty"`
	Time    time.Time `json:"time"`
}

// Sink receives notifications as they are shown.
type Sink func(Notification)

// Center is a fire-and-forget notification surface. It keeps a bounded
// history and fans notifications out to registered sinks.
type Center struct {
	mu      sync.Mutex
	logger  zerolog.Logger
	history []Notification
	limit   int
	sinks   []Sink
}

// NewCenter creates a notification center keeping up to limit entries
func NewCenter(limit int, logger zerolog.Logger) *Center {
	if limit <= 0 {
		limit = 100
	}
	return &Center{
		logger: logger.With().Str("component", "notify").Logger(),
		limit:  limit,
	}
}

// Subscribe registers a sink. Sinks run synchronously and must not block.
func (c *Center) Subscribe(sink Sink) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sinks = append(c.sinks, sink)
}

// Show records a notification without a source
func (c *Center) Show(title, message string) {
	c.ShowFrom("", title, message)
}

// ShowFrom records a notification attributed to source
func (c *Center) ShowFrom(source, title, message string) {
	n := Notification{Title: title, Message: message, Source: source, Time: time.Now()}

	c.mu.Lock()
	c.history = append(c.history, n)
	if len(c.history) > c.limit {
		c.history = c.history[len(c.history)-c.limit:]
	}
	sinks := append([]Sink(nil), c.sinks...)
	c.mu.Unlock()

	c.logger.Info().
		Str("source", source).
		Str("title", title).
		Msg(message)

	for _, sink := range sinks {
		sink(n)
	}
}

// History returns recorded notifications, oldest first
func (c *Center) History() []Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Notification(nil), c.history...)
}
