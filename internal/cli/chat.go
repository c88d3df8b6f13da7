package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/harun/nouschat/internal/host"
	"github.com/harun/nouschat/pkg/chat"
	"github.com/spf13/cobra"
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start an interactive chat session",
	Long: `Start an interactive chat session. Messages pass through the plugin hooks
before they are stored; lines starting with / run host or plugin commands.
Type /help for the list of host commands.`,
	Args: cobra.NoArgs,
	RunE: runChat,
}

func init() {
	rootCmd.AddCommand(chatCmd)
}

func runChat(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	s, err := openSession(ctx, cmd)
	if err != nil {
		return err
	}
	defer s.Close(context.Background())

	out := cmd.OutOrStdout()
	s.host.Notifications().Subscribe(printNotification(out))

	result := s.host.Start(ctx)
	printLoadFailures(out, result)

	fmt.Fprintln(out, titleStyle.Render("nouschat "+version)+dimStyle.Render(" - /help for commands, /quit to exit"))
	return newChatLoop(s.host, cmd.InOrStdin(), out).run(ctx)
}

// chatLoop reads lines and routes them to the host.
type chatLoop struct {
	host *host.Host
	in   *bufio.Scanner
	out  io.Writer
}

func newChatLoop(h *host.Host, in io.Reader, out io.Writer) *chatLoop {
	return &chatLoop{host: h, in: bufio.NewScanner(in), out: out}
}

// run reads until /quit, end of input or ctx is done. Reading happens on
// its own goroutine so an interrupt does not wait for the next line.
func (l *chatLoop) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	errc := make(chan error, 1)
	go func() {
		defer close(lines)
		for l.in.Scan() {
			select {
			case lines <- l.in.Text():
			case <-ctx.Done():
				return
			}
		}
		errc <- l.in.Err()
	}()

	for {
		fmt.Fprint(l.out, userStyle.Render("> "))

		select {
		case <-ctx.Done():
			fmt.Fprintln(l.out)
			return nil
		case raw, ok := <-lines:
			if !ok {
				fmt.Fprintln(l.out)
				select {
				case err := <-errc:
					return err
				default:
					return nil
				}
			}

			line := strings.TrimSpace(raw)
			if line == "" {
				continue
			}
			if quit := l.handle(ctx, line); quit {
				return nil
			}
		}
	}
}

// handle processes one input line and reports whether the loop should end
func (l *chatLoop) handle(ctx context.Context, line string) bool {
	if !strings.HasPrefix(line, "/") {
		msg, err := l.host.Send(ctx, line)
		if err != nil {
			printError(l.out, err)
			return false
		}
		l.printMessage(msg)
		return false
	}

	name, rest, _ := strings.Cut(line[1:], " ")
	rest = strings.TrimSpace(rest)

	var err error
	switch name {
	case "quit", "exit":
		return true
	case "help":
		l.help()
	case "new":
		err = l.newChat(ctx, rest)
	case "chats":
		err = l.listChats(ctx)
	case "switch":
		err = l.switchChat(ctx, rest)
	case "delete":
		err = l.deleteChat(ctx, rest)
	case "history":
		err = l.history(ctx)
	case "reply":
		err = l.reply(ctx, rest)
	case "plugins":
		l.listPlugins()
	case "enable", "disable":
		err = l.toggle(ctx, rest, name == "enable")
	case "notifications":
		l.notifications()
	default:
		if !l.host.Execute(ctx, line) {
			err = fmt.Errorf("unknown command /%s", name)
		}
	}

	if err != nil {
		printError(l.out, err)
	}
	return false
}

func (l *chatLoop) help() {
	fmt.Fprintln(l.out, `Host commands:
  /new [title]        create and select a chat
  /chats              list chats
  /switch <n|id>      select a chat by number or id prefix
  /delete [n|id]      delete a chat, the current one by default
  /history            show the current chat
  /reply <text>       add an assistant reply
  /plugins            list loaded plugins
  /enable <id>        enable a plugin
  /disable <id>       disable a plugin
  /notifications      show recent notifications
  /quit               leave
Other /commands are routed to plugins.`)
}

func (l *chatLoop) newChat(ctx context.Context, title string) error {
	c, err := l.host.NewChat(ctx, title)
	if err != nil {
		return err
	}
	fmt.Fprintf(l.out, "Created %s\n", titleStyle.Render(c.Title))
	return nil
}

func (l *chatLoop) listChats(ctx context.Context) error {
	chats, err := l.host.Chats().Chats(ctx)
	if err != nil {
		return err
	}
	if len(chats) == 0 {
		fmt.Fprintln(l.out, "No chats yet.")
		return nil
	}

	current, err := l.host.Chats().CurrentChat(ctx)
	if err != nil {
		return err
	}
	for i, c := range chats {
		marker := " "
		if current != nil && current.ID == c.ID {
			marker = "*"
		}
		fmt.Fprintf(l.out, "%s %d. %s %s\n", marker, i+1, c.Title,
			dimStyle.Render(fmt.Sprintf("(%d messages, %s)", len(c.Messages), shortID(c.ID))))
	}
	return nil
}

func (l *chatLoop) switchChat(ctx context.Context, ref string) error {
	c, err := l.findChat(ctx, ref)
	if err != nil {
		return err
	}
	if err := l.host.Chats().SetCurrent(ctx, c.ID); err != nil {
		return err
	}
	fmt.Fprintf(l.out, "Switched to %s\n", titleStyle.Render(c.Title))
	return nil
}

func (l *chatLoop) deleteChat(ctx context.Context, ref string) error {
	var c chat.Chat
	if ref == "" {
		current, err := l.host.Chats().CurrentChat(ctx)
		if err != nil {
			return err
		}
		if current == nil {
			return errors.New("no chat selected")
		}
		c = *current
	} else {
		found, err := l.findChat(ctx, ref)
		if err != nil {
			return err
		}
		c = found
	}

	if err := l.host.DeleteChat(ctx, c.ID); err != nil {
		return err
	}
	fmt.Fprintf(l.out, "Deleted %s\n", c.Title)
	return nil
}

// findChat resolves a 1-based list number or an id prefix
func (l *chatLoop) findChat(ctx context.Context, ref string) (chat.Chat, error) {
	if ref == "" {
		return chat.Chat{}, errors.New("chat number or id required")
	}
	chats, err := l.host.Chats().Chats(ctx)
	if err != nil {
		return chat.Chat{}, err
	}

	if n, err := strconv.Atoi(ref); err == nil {
		if n < 1 || n > len(chats) {
			return chat.Chat{}, fmt.Errorf("no chat number %d", n)
		}
		return chats[n-1], nil
	}

	var match *chat.Chat
	for i := range chats {
		if strings.HasPrefix(chats[i].ID, ref) {
			if match != nil {
				return chat.Chat{}, fmt.Errorf("id prefix %q is ambiguous", ref)
			}
			match = &chats[i]
		}
	}
	if match == nil {
		return chat.Chat{}, chat.ErrChatNotFound
	}
	return *match, nil
}

func (l *chatLoop) history(ctx context.Context) error {
	current, err := l.host.Chats().CurrentChat(ctx)
	if err != nil {
		return err
	}
	if current == nil {
		fmt.Fprintln(l.out, "No chat selected.")
		return nil
	}

	fmt.Fprintln(l.out, titleStyle.Render(current.Title))
	for _, msg := range current.Messages {
		l.printMessage(msg)
	}
	return nil
}

func (l *chatLoop) reply(ctx context.Context, text string) error {
	msg, err := l.host.Receive(ctx, text, "")
	if err != nil {
		return err
	}
	l.printMessage(msg)
	return nil
}

func (l *chatLoop) listPlugins() {
	infos := l.host.Manager().Plugins()
	if len(infos) == 0 {
		fmt.Fprintln(l.out, "No plugins loaded.")
		return
	}
	for _, info := range infos {
		printPluginInfo(l.out, info)
	}
}

func (l *chatLoop) toggle(ctx context.Context, id string, enabled bool) error {
	if id == "" {
		return errors.New("plugin id required")
	}
	if !l.host.Manager().TogglePlugin(ctx, id, enabled) {
		return fmt.Errorf("plugin %s is not loaded", id)
	}
	state := "disabled"
	if enabled {
		state = "enabled"
	}
	fmt.Fprintf(l.out, "%s %s\n", id, state)
	return nil
}

func (l *chatLoop) notifications() {
	history := l.host.Notifications().History()
	if len(history) == 0 {
		fmt.Fprintln(l.out, "No notifications.")
		return
	}
	for _, n := range history {
		fmt.Fprintf(l.out, "%s [%s] %s: %s\n", dimStyle.Render(n.Time.Format(time.Kitchen)), n.Source, n.Title, n.Message)
	}
}

func (l *chatLoop) printMessage(msg chat.Message) {
	label := userStyle.Render("you")
	if msg.Role == chat.RoleAssistant {
		name := "assistant"
		if msg.Model != "" {
			name = msg.Model
		}
		label = assistantStyle.Render(name)
	}
	fmt.Fprintf(l.out, "%s: %s\n", label, msg.Content)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
