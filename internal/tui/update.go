package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/zpdzap/redock/internal/address"
	"github.com/zpdzap/redock/internal/sandbox"
)

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.input.Width = msg.Width - 6 // account for "  > /" prefix
		return m, nil

	case statusTickMsg:
		m.refresh()
		return m, tickCmd()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case opDoneMsg:
		m.refresh()
		if msg.err != nil {
			m.message = fmt.Sprintf("%s %s failed: %v", msg.op, msg.name, msg.err)
			m.isError = true
			return m, nil
		}
		m.message = opSummary(msg)
		m.isError = false
		return m, nil

	case reconciledMsg:
		m.refresh()
		if msg.err != nil {
			m.message = fmt.Sprintf("reconcile failed: %v", msg.err)
			m.isError = true
			return m, nil
		}
		if msg.added > 0 || msg.removed > 0 {
			m.message = fmt.Sprintf("Reconciled ssh config: %d added, %d removed", msg.added, msg.removed)
			m.isError = false
		}
		return m, nil

	case confirmExpiredMsg:
		m.confirmKey = ""
		m.confirmName = ""
		return m, nil

	case tea.KeyMsg:
		if m.commanding {
			return m.handleCommandMode(msg)
		}
		return m.handleNormalMode(msg)
	}

	// Forward to input if in command mode
	if m.commanding {
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		return m, cmd
	}
	return m, nil
}

func opSummary(msg opDoneMsg) string {
	switch msg.op {
	case "start":
		return fmt.Sprintf("Started %s (ssh %s)", msg.name, msg.detail)
	case "commit":
		return fmt.Sprintf("Committed %s to %s", msg.name, msg.detail)
	case "kill":
		return fmt.Sprintf("Killed %s", msg.name)
	case "delete":
		return fmt.Sprintf("Deleted %s", msg.name)
	}
	return fmt.Sprintf("%s %s done", msg.op, msg.name)
}

// handleNormalMode handles keys when navigating the sandbox list.
func (m model) handleNormalMode(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	key := msg.String()

	// Dismiss help modal
	if m.showHelp {
		switch key {
		case "?", "esc":
			m.showHelp = false
		case "ctrl+c", "q":
			m.quitting = true
			return m, tea.Quit
		}
		return m, nil
	}

	// A pending confirmation is confirmed by the same key, anything else
	// cancels it
	if m.confirmKey != "" {
		pending, name := m.confirmKey, m.confirmName
		m.confirmKey = ""
		m.confirmName = ""
		switch {
		case key == pending && pending == "x":
			return m.kill(name)
		case key == pending && pending == "D":
			return m.remove(name)
		}
		return m, nil
	}

	switch key {
	case "ctrl+c", "q":
		m.quitting = true
		return m, tea.Quit

	case "/":
		m.commanding = true
		m.input.Focus()
		m.input.SetValue("")
		return m, textinput.Blink

	case "s":
		return m.prompt("start ")

	case "c":
		if rec, ok := m.selected(); ok {
			return m.prompt("commit " + rec.Address.String() + " ")
		}
		return m, nil

	case "x", "D":
		rec, ok := m.selected()
		if !ok {
			return m, nil
		}
		m.confirmKey = key
		m.confirmName = rec.Address.String()
		return m, tea.Tick(2*time.Second, func(time.Time) tea.Msg {
			return confirmExpiredMsg{}
		})

	case "r":
		m.message = "Reconciling ssh config..."
		m.isError = false
		return m, m.reconcileCmd()

	case "?":
		m.showHelp = true
		return m, nil

	case "up", "k":
		if m.cursor > 0 {
			m.cursor--
		} else if len(m.records) > 0 {
			m.cursor = len(m.records) - 1
		}
		return m, nil

	case "down", "j":
		if m.cursor < len(m.records)-1 {
			m.cursor++
		}
		return m, nil

	case "enter":
		if rec, ok := m.selected(); ok {
			return m.shell(rec.Address.String())
		}
		return m, nil
	}

	return m, nil
}

func (m model) prompt(value string) (tea.Model, tea.Cmd) {
	m.commanding = true
	m.input.Focus()
	m.input.SetValue(value)
	m.input.SetCursor(len(value))
	return m, textinput.Blink
}

// handleCommandMode handles keys when the command input is active.
func (m model) handleCommandMode(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		m.quitting = true
		return m, tea.Quit

	case "esc":
		m.commanding = false
		m.input.Blur()
		m.input.SetValue("")
		return m, nil

	case "enter":
		m.commanding = false
		m.input.Blur()
		return m.processInput()
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m model) processInput() (tea.Model, tea.Cmd) {
	input := strings.TrimSpace(m.input.Value())
	m.input.SetValue("")

	if input == "" {
		return m, nil
	}

	// Allow commands with or without the / prefix
	if input[0] != '/' {
		input = "/" + input
	}
	cmd := ParseCommand(input)
	if cmd == nil {
		return m, nil
	}

	needsName := cmd.Name != "/reconcile" && cmd.Name != "/quit"
	if _, known := usage[cmd.Name]; known && needsName && len(cmd.Args) == 0 {
		return m.fail("Usage: " + usage[cmd.Name])
	}

	switch cmd.Name {
	case "/start":
		hostname := ""
		if len(cmd.Args) > 1 {
			hostname = cmd.Args[1]
		}
		return m.start(cmd.Args[0], hostname)

	case "/commit":
		return m.commit(cmd.Args[0], strings.Join(cmd.Args[1:], " "))

	case "/kill":
		return m.kill(cmd.Args[0])

	case "/delete":
		return m.remove(cmd.Args[0])

	case "/shell":
		return m.shell(cmd.Args[0])

	case "/reconcile":
		m.message = "Reconciling ssh config..."
		m.isError = false
		return m, m.reconcileCmd()

	case "/quit":
		m.quitting = true
		return m, tea.Quit
	}

	return m.fail(fmt.Sprintf("Unknown command: %s", strings.TrimPrefix(cmd.Name, "/")))
}

func (m model) fail(message string) (tea.Model, tea.Cmd) {
	m.message = message
	m.isError = true
	return m, nil
}

// resolve parses a name typed into the dashboard.
func (m model) resolve(raw string) (address.Address, error) {
	return address.Resolve(raw, m.opts.User)
}

// transition runs fn in the background under the address's progress
// entry and reports the outcome as an opDoneMsg.
func (m model) transition(op, raw, phase string, fn func(addr address.Address, progress sandbox.ProgressFunc) (string, error)) (tea.Model, tea.Cmd) {
	addr, err := m.resolve(raw)
	if err != nil {
		return m.fail(err.Error())
	}
	name := addr.String()
	if _, busy := m.progress.get(name); busy {
		return m.fail(fmt.Sprintf("%s is busy", name))
	}

	m.progress.set(name, phase)
	m.message = fmt.Sprintf("[%s] %s", name, phase)
	m.isError = false

	board := m.progress
	return m, func() tea.Msg {
		defer board.clear(name)
		detail, err := fn(addr, board.report(name))
		return opDoneMsg{op: op, name: name, detail: detail, err: err}
	}
}

func (m model) start(raw, hostname string) (tea.Model, tea.Cmd) {
	return m.transition("start", raw, "Starting...", func(addr address.Address, progress sandbox.ProgressFunc) (string, error) {
		_, err := m.ctrl.Start(m.ctx, addr, sandbox.StartOptions{Hostname: hostname, Progress: progress})
		return addr.Alias(), err
	})
}

func (m model) commit(raw, message string) (tea.Model, tea.Cmd) {
	return m.transition("commit", raw, "Committing...", func(addr address.Address, progress sandbox.ProgressFunc) (string, error) {
		_, err := m.ctrl.Commit(m.ctx, addr, sandbox.CommitOptions{
			Message:  message,
			Author:   m.opts.Author,
			Progress: progress,
		})
		return addr.ImageRef(), err
	})
}

func (m model) kill(raw string) (tea.Model, tea.Cmd) {
	return m.transition("kill", raw, "Killing...", func(addr address.Address, _ sandbox.ProgressFunc) (string, error) {
		_, err := m.ctrl.Kill(m.ctx, addr)
		return "", err
	})
}

func (m model) remove(raw string) (tea.Model, tea.Cmd) {
	return m.transition("delete", raw, "Deleting...", func(addr address.Address, _ sandbox.ProgressFunc) (string, error) {
		return "", m.ctrl.Delete(m.ctx, addr)
	})
}

// shell quits the program so Run can hand the terminal to ssh.
func (m model) shell(raw string) (tea.Model, tea.Cmd) {
	addr, err := m.resolve(raw)
	if err != nil {
		return m.fail(err.Error())
	}
	for _, rec := range m.records {
		if rec.Address == addr && rec.State == sandbox.StateRunning {
			m.connectTo = addr.Alias()
			return m, tea.Quit
		}
	}
	return m.fail(fmt.Sprintf("%s is not running (start it with /start %s)", addr, raw))
}

func (m model) reconcileCmd() tea.Cmd {
	ctx, ctrl := m.ctx, m.ctrl
	return func() tea.Msg {
		report, err := ctrl.Reconcile(ctx)
		if err != nil {
			return reconciledMsg{err: err}
		}
		return reconciledMsg{added: len(report.Added), removed: len(report.Removed)}
	}
}
