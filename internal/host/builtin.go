package host

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/go-viper/mapstructure/v2"
	"github.com/harun/nouschat/pkg/chat"
	"github.com/harun/nouschat/pkg/plugin"
	"github.com/rs/zerolog"
)

// MessageStatsModule is the builtin module name for message statistics.
// A plugin directory selects it with runtime "builtin" and main
// "message-stats".
const MessageStatsModule = "message-stats"

// totalsKey is the storage key holding the running totals.
const totalsKey = "totals"

func registerBuiltins(rt *plugin.BuiltinRuntime) {
	rt.Register(MessageStatsModule, newMessageStats)
}

// messageStats counts messages passing through the hooks and reports
// per-chat numbers on /stats.
type messageStats struct {
	mu     sync.Mutex
	api    plugin.API
	totals totals
	logger zerolog.Logger
}

type totals struct {
	Sent     int `mapstructure:"sent"`
	Received int `mapstructure:"received"`
}

func newMessageStats(env plugin.Env) (*plugin.Module, error) {
	s := &messageStats{logger: env.Logger}
	return &plugin.Module{
		Initialize: s.initialize,
		Hooks: map[string]plugin.HookFunc{
			plugin.HookBeforeSendMessage:   s.count(func() { s.totals.Sent++ }),
			plugin.HookAfterReceiveMessage: s.count(func() { s.totals.Received++ }),
		},
		Cleanup: s.save,
	}, nil
}

func (s *messageStats) initialize(ctx context.Context, api plugin.API) error {
	s.api = api

	if v, ok, err := api.StorageGet(ctx, totalsKey); err != nil {
		return err
	} else if ok {
		if err := mapstructure.Decode(v, &s.totals); err != nil {
			return fmt.Errorf("failed to decode stored totals: %w", err)
		}
	}

	return api.RegisterCommand(ctx, "stats", s.report)
}

func (s *messageStats) count(inc func()) plugin.HookFunc {
	return func(ctx context.Context, payload any, args ...any) (any, error) {
		s.mu.Lock()
		inc()
		s.mu.Unlock()
		return nil, nil
	}
}

func (s *messageStats) report(ctx context.Context, args []string) error {
	current, err := s.api.GetCurrentChat(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	sent, recv := s.totals.Sent, s.totals.Received
	s.mu.Unlock()

	var b strings.Builder
	fmt.Fprintf(&b, "session: %d sent, %d received", sent, recv)
	if current != nil {
		st := summarize(current.Messages)
		fmt.Fprintf(&b, "\n%s: %d messages, %d words (%d user, %d assistant)",
			current.Title, st.messages, st.words, st.user, st.assistant)
	}
	s.logger.Debug().Int("sent", sent).Int("received", recv).Msg("Stats requested")
	s.api.ShowNotification(ctx, "Message statistics", b.String())
	return nil
}

func (s *messageStats) save(ctx context.Context) error {
	if s.api == nil {
		return nil
	}
	s.mu.Lock()
	t := map[string]any{"sent": s.totals.Sent, "received": s.totals.Received}
	s.mu.Unlock()
	return s.api.StorageSet(ctx, totalsKey, t)
}

type chatSummary struct {
	messages  int
	words     int
	user      int
	assistant int
}

func summarize(msgs []chat.Message) chatSummary {
	var st chatSummary
	for _, m := range msgs {
		st.messages++
		st.words += len(strings.Fields(m.Content))
		switch m.Role {
		case chat.RoleUser:
			st.user++
		case chat.RoleAssistant:
			st.assistant++
		}
	}
	return st
}
