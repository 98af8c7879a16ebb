package tui

import (
	"context"
	"os"
	"sort"
	"sync"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"golang.org/x/term"

	"github.com/zpdzap/redock/internal/sandbox"
)

// model is the Bubble Tea model for the redock dashboard.
type model struct {
	ctx  context.Context
	ctrl Controller
	opts Options

	records []sandbox.Record
	input   textinput.Model
	spinner spinner.Model

	cursor     int
	message    string
	isError    bool
	commanding bool // true when in command mode (/ pressed)
	quitting   bool
	connectTo  string // alias to open a shell on after tea quits
	width      int
	height     int

	// progress is shared with background transitions
	progress *progressBoard

	showHelp bool

	// Double-press confirmation for kill (x) and delete (D)
	confirmKey  string
	confirmName string
}

// progressBoard holds the latest phase reported by each running
// transition, keyed by address.
type progressBoard struct {
	mu     sync.Mutex
	phases map[string]string
}

func newProgressBoard() *progressBoard {
	return &progressBoard{phases: make(map[string]string)}
}

func (p *progressBoard) set(name, phase string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.phases[name] = phase
}

func (p *progressBoard) clear(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.phases, name)
}

func (p *progressBoard) get(name string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	phase, ok := p.phases[name]
	return phase, ok
}

// snapshot returns the in-flight transitions sorted by name.
func (p *progressBoard) snapshot() []phaseEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]phaseEntry, 0, len(p.phases))
	for name, phase := range p.phases {
		out = append(out, phaseEntry{name: name, phase: phase})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

type phaseEntry struct {
	name  string
	phase string
}

// report returns a ProgressFunc that records phases for name.
func (p *progressBoard) report(name string) sandbox.ProgressFunc {
	return func(phase string) {
		p.set(name, phase)
	}
}

func newModel(ctx context.Context, ctrl Controller, opts Options) model {
	ti := textinput.New()
	ti.Placeholder = "start, commit, kill, delete, shell <name> | reconcile | quit"
	ti.CharLimit = 256
	ti.Width = 80
	// Input starts unfocused, activated by pressing /
	ti.Blur()

	sp := spinner.New(spinner.WithSpinner(spinner.Dot))
	sp.Style = spinnerStyle

	// Get initial terminal size so the first render isn't at width=0
	w, h, _ := term.GetSize(int(os.Stdout.Fd()))
	if w == 0 {
		w = 80
	}
	if h == 0 {
		h = 24
	}

	return model{
		ctx:      ctx,
		ctrl:     ctrl,
		opts:     opts,
		records:  ctrl.List(),
		input:    ti,
		spinner:  sp,
		width:    w,
		height:   h,
		progress: newProgressBoard(),
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(tickCmd(), m.spinner.Tick, m.reconcileCmd())
}

// selected returns the record under the cursor.
func (m model) selected() (sandbox.Record, bool) {
	if m.cursor < 0 || m.cursor >= len(m.records) {
		return sandbox.Record{}, false
	}
	return m.records[m.cursor], true
}

// refresh reloads the record list and keeps the cursor in range.
func (m *model) refresh() {
	m.records = m.ctrl.List()
	if m.cursor >= len(m.records) {
		m.cursor = max(0, len(m.records)-1)
	}
}
