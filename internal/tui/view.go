package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/zpdzap/redock/internal/engine"
	"github.com/zpdzap/redock/internal/sandbox"
)

const title = "redock"

func (m model) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	b.WriteString(headerStyle.Width(m.width).Render(title + "  " + statsStyle.Render(m.stats())))
	b.WriteString("\n")

	pending := m.pendingRows()
	if len(m.records) == 0 && len(pending) == 0 {
		b.WriteString(dividerStyle.Render(strings.Repeat("─", m.width)))
		b.WriteString("\n")
		b.WriteString(emptyStyle.Render("No sandboxes yet. Press s or / to start one."))
		b.WriteString("\n")
	} else {
		for i, rec := range m.records {
			b.WriteString(m.renderRecord(i, rec))
			b.WriteString("\n")
		}
		for _, p := range pending {
			b.WriteString(fmt.Sprintf("    %s %s  %s", m.spinner.View(), nameStyle.Render(p.name), phaseStyle.Render(p.phase)))
			b.WriteString("\n")
		}
		b.WriteString(dividerStyle.Render(strings.Repeat("─", m.width)))
		b.WriteString("\n")
		b.WriteString(m.renderDetail())
	}

	b.WriteString(dividerStyle.Render(strings.Repeat("─", m.width)))
	b.WriteString("\n")
	b.WriteString(m.renderHotkeys())
	b.WriteString("\n")
	m.renderStatusAndInput(&b)

	if m.showHelp {
		return m.renderHelpOverlay(b.String())
	}
	return b.String()
}

func (m model) stats() string {
	running := 0
	for _, rec := range m.records {
		if rec.State == sandbox.StateRunning {
			running++
		}
	}
	return fmt.Sprintf("%d running, %d known", running, len(m.records))
}

// pendingRows returns in-flight transitions for addresses without a record.
func (m model) pendingRows() []phaseEntry {
	known := make(map[string]bool, len(m.records))
	for _, rec := range m.records {
		known[rec.Address.String()] = true
	}
	var out []phaseEntry
	for _, p := range m.progress.snapshot() {
		if !known[p.name] {
			out = append(out, p)
		}
	}
	return out
}

func (m model) renderRecord(index int, rec sandbox.Record) string {
	cursor := "  "
	nStyle := nameStyle
	if index == m.cursor {
		cursor = "▸ "
		nStyle = selectedNameStyle
	}

	name := rec.Address.String()
	icon, iStyle := stateIcon(rec.State)
	status := iStyle.Render(icon)
	if _, busy := m.progress.get(name); busy {
		status = m.spinner.View()
	}

	parts := []string{fmt.Sprintf("  %s%s %s", cursor, status, nStyle.Render(name))}
	if phase, busy := m.progress.get(name); busy {
		parts = append(parts, phaseStyle.Render(phase))
	} else {
		parts = append(parts, iStyle.Render(string(rec.State)))
	}
	if rec.State == sandbox.StateRunning {
		parts = append(parts, aliasStyle.Render("ssh "+rec.Alias()))
		if rec.Endpoint != nil {
			parts = append(parts, portStyle.Render(fmt.Sprintf("%s:%d", rec.Endpoint.Host, rec.Endpoint.Port)))
		}
	}
	if !rec.UpdatedAt.IsZero() {
		parts = append(parts, ageStyle.Render(humanize.Time(rec.UpdatedAt)))
	}
	return strings.Join(parts, "  ")
}

// renderDetail shows the engine handles of the selected record.
func (m model) renderDetail() string {
	rec, ok := m.selected()
	if !ok {
		return ""
	}
	var lines []string
	if rec.ContainerHandle != "" {
		lines = append(lines, detailStyle.Render("container  "+engine.Short(rec.ContainerHandle)))
	}
	if rec.ImageHandle != "" {
		lines = append(lines, detailStyle.Render(fmt.Sprintf("image      %s (%s)", rec.Address.ImageRef(), engine.Short(rec.ImageHandle))))
	}
	if rec.Hostname != "" {
		lines = append(lines, detailStyle.Render("hostname   "+rec.Hostname))
	}
	if len(lines) == 0 {
		return ""
	}
	return strings.Join(lines, "\n") + "\n"
}

func stateIcon(s sandbox.State) (string, lipgloss.Style) {
	switch s {
	case sandbox.StateRunning:
		return "●", statusRunning
	case sandbox.StateImaged:
		return "◎", statusImaged
	case sandbox.StateDestroying:
		return "◍", statusOther
	default:
		return "○", statusStopped
	}
}

func (m model) renderHotkeys() string {
	switch {
	case m.commanding:
		return hotkeysStyle.Render("[enter] execute  [esc] cancel")
	case m.confirmKey == "x":
		return confirmStyle.Render(fmt.Sprintf("Kill %s? Press x again to confirm, any other key to cancel", m.confirmName))
	case m.confirmKey == "D":
		return confirmStyle.Render(fmt.Sprintf("Delete %s and its image? Press D again to confirm, any other key to cancel", m.confirmName))
	case len(m.records) == 0:
		return hotkeysStyle.Render("[s]tart  [r]econcile  [?] help  [q] quit")
	}
	return hotkeysStyle.Render("[↑↓] select  [enter] shell  [s]tart  [c]ommit  [x] kill  [D]elete  [r]econcile  [?] help")
}

func (m model) renderStatusAndInput(b *strings.Builder) {
	if m.message != "" {
		if m.isError {
			b.WriteString(errorStyle.Render(m.message))
		} else {
			b.WriteString(messageStyle.Render(m.message))
		}
		b.WriteString("\n")
	}
	if m.commanding {
		b.WriteString("  ")
		b.WriteString(m.input.View())
		b.WriteString("\n")
	}
}

func (m model) renderHelpOverlay(base string) string {
	help := strings.Join([]string{
		helpHeaderStyle.Render("Navigation"),
		helpKeyStyle.Render("  ↑/k  ↓/j") + helpDescStyle.Render("   Select sandbox"),
		helpKeyStyle.Render("  Enter") + helpDescStyle.Render("       Open a shell (ssh)"),
		"",
		helpHeaderStyle.Render("Actions"),
		helpKeyStyle.Render("  s") + helpDescStyle.Render("           Start a sandbox"),
		helpKeyStyle.Render("  c") + helpDescStyle.Render("           Commit selected sandbox"),
		helpKeyStyle.Render("  x") + helpDescStyle.Render("           Kill selected sandbox"),
		helpKeyStyle.Render("  D") + helpDescStyle.Render("           Delete selected sandbox"),
		helpKeyStyle.Render("  r") + helpDescStyle.Render("           Reconcile ssh config"),
		"",
		helpHeaderStyle.Render("Commands"),
		helpKeyStyle.Render("  /") + helpDescStyle.Render("           Open command bar"),
		helpDescStyle.Render("  " + usage["/start"]),
		helpDescStyle.Render("  " + usage["/commit"]),
		helpDescStyle.Render("  " + usage["/kill"]),
		helpDescStyle.Render("  " + usage["/delete"]),
		helpDescStyle.Render("  " + usage["/shell"]),
		helpDescStyle.Render("  " + usage["/reconcile"]),
		"",
		helpKeyStyle.Render("  q") + helpDescStyle.Render("  quit") + "     " + helpKeyStyle.Render("?") + helpDescStyle.Render("  close this help"),
	}, "\n")

	modal := helpStyle.Render(help)

	// Center the modal over the base view
	modalWidth := lipgloss.Width(modal)
	modalHeight := lipgloss.Height(modal)
	xOffset := max(0, (m.width-modalWidth)/2)
	yOffset := max(0, (m.height-modalHeight)/2)

	baseLines := strings.Split(base, "\n")
	for len(baseLines) < yOffset+modalHeight {
		baseLines = append(baseLines, "")
	}
	padding := strings.Repeat(" ", xOffset)
	for i, mLine := range strings.Split(modal, "\n") {
		baseLines[yOffset+i] = padding + mLine + strings.Repeat(" ", max(0, m.width-xOffset-lipgloss.Width(mLine)))
	}
	return strings.Join(baseLines, "\n")
}
