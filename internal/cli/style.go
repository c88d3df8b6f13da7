package cli

import (
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
	"github.com/harun/nouschat/pkg/notify"
)

var (
	colorPrimary = lipgloss.Color("#7C3AED")
	colorAccent  = lipgloss.Color("#10B981")
	colorWarning = lipgloss.Color("#F59E0B")
	colorError   = lipgloss.Color("#EF4444")
	colorMuted   = lipgloss.Color("#6B7280")

	titleStyle = lipgloss.NewStyle().
			Foreground(colorPrimary).
			Bold(true)

	userStyle = lipgloss.NewStyle().
			Foreground(colorAccent).
			Bold(true)

	assistantStyle = lipgloss.NewStyle().
			Foreground(colorPrimary).
			Bold(true)

	noticeStyle = lipgloss.NewStyle().
			Foreground(colorWarning)

	errorStyle = lipgloss.NewStyle().
			Foreground(colorError).
			Bold(true)

	dimStyle = lipgloss.NewStyle().
			Foreground(colorMuted)
)

// printNotification is the notification sink of the chat loop
func printNotification(w io.Writer) notify.Sink {
	return func(n notify.Notification) {
		source := n.Source
		if source == "" {
			source = "nouschat"
		}
		fmt.Fprintf(w, "%s %s\n%s\n",
			noticeStyle.Render("["+source+"]"),
			titleStyle.Render(n.Title),
			n.Message)
	}
}

func printError(w io.Writer, err error) {
	fmt.Fprintln(w, errorStyle.Render("error: ")+err.Error())
}
