package tui

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

// opDoneMsg is sent when a background lifecycle transition finishes.
type opDoneMsg struct {
	op     string
	name   string
	detail string
	err    error
}

// reconciledMsg carries the result of a reconcile pass.
type reconciledMsg struct {
	added   int
	removed int
	err     error
}

// statusTickMsg triggers a refresh of the record list.
type statusTickMsg time.Time

// confirmExpiredMsg cancels a pending kill or delete confirmation.
type confirmExpiredMsg struct{}

// tickCmd returns a command that sends a tick every 2 seconds.
func tickCmd() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg {
		return statusTickMsg(t)
	})
}
