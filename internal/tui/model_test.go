package tui

import (
	"context"
	stderrors "errors"
	"sort"
	"sync"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zpdzap/redock/internal/address"
	"github.com/zpdzap/redock/internal/errors"
	"github.com/zpdzap/redock/internal/sandbox"
)

type fakeController struct {
	mu      sync.Mutex
	records map[address.Address]sandbox.Record
	calls   []string

	startOpts  sandbox.StartOptions
	commitOpts sandbox.CommitOptions
	startErr   error
	reconciled *sandbox.ReconcileReport
}

func newFakeController(recs ...sandbox.Record) *fakeController {
	f := &fakeController{records: make(map[address.Address]sandbox.Record)}
	for _, r := range recs {
		f.records[r.Address] = r
	}
	return f
}

func (f *fakeController) Start(ctx context.Context, addr address.Address, opts sandbox.StartOptions) (*sandbox.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "start "+addr.String())
	f.startOpts = opts
	if f.startErr != nil {
		return nil, f.startErr
	}
	if opts.Progress != nil {
		opts.Progress("Waiting for sshd...")
	}
	rec := sandbox.Record{
		Address:         addr,
		State:           sandbox.StateRunning,
		ContainerHandle: "0123456789abcdef0123",
		Endpoint:        &sandbox.Endpoint{Host: "127.0.0.1", Port: 32768},
		UpdatedAt:       time.Now(),
	}
	f.records[addr] = rec
	return &rec, nil
}

func (f *fakeController) Commit(ctx context.Context, addr address.Address, opts sandbox.CommitOptions) (*sandbox.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "commit "+addr.String())
	f.commitOpts = opts
	rec, ok := f.records[addr]
	if !ok || rec.State != sandbox.StateRunning {
		return nil, errors.NotRunning("commit", addr.String())
	}
	rec.ImageHandle = "sha256:feedface"
	f.records[addr] = rec
	return &rec, nil
}

func (f *fakeController) Kill(ctx context.Context, addr address.Address) (*sandbox.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "kill "+addr.String())
	rec, ok := f.records[addr]
	if !ok {
		return &sandbox.Record{Address: addr, State: sandbox.StateAbsent}, nil
	}
	rec.ContainerHandle = ""
	rec.Endpoint = nil
	if rec.ImageHandle == "" {
		delete(f.records, addr)
		rec.State = sandbox.StateAbsent
		return &rec, nil
	}
	rec.State = sandbox.StateImaged
	f.records[addr] = rec
	return &rec, nil
}

func (f *fakeController) Delete(ctx context.Context, addr address.Address) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "delete "+addr.String())
	if rec, ok := f.records[addr]; ok && rec.State == sandbox.StateRunning {
		return errors.StillRunning("delete", addr.String())
	}
	delete(f.records, addr)
	return nil
}

func (f *fakeController) List() []sandbox.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sandbox.Record, 0, len(f.records))
	for _, r := range f.records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address.String() < out[j].Address.String() })
	return out
}

func (f *fakeController) Reconcile(ctx context.Context) (*sandbox.ReconcileReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "reconcile")
	if f.reconciled != nil {
		return f.reconciled, nil
	}
	return &sandbox.ReconcileReport{}, nil
}

func (f *fakeController) called() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func running(raw string) sandbox.Record {
	return sandbox.Record{
		Address:   address.MustResolve(raw, "alice"),
		State:     sandbox.StateRunning,
		Endpoint:  &sandbox.Endpoint{Host: "127.0.0.1", Port: 40022},
		UpdatedAt: time.Now().Add(-time.Minute),
	}
}

func testModel(ctrl Controller) model {
	return newModel(context.Background(), ctrl, Options{User: "alice", SSHConfig: "/tmp/ssh_config", Author: "alice"})
}

func key(s string) tea.KeyMsg {
	switch s {
	case "enter":
		return tea.KeyMsg{Type: tea.KeyEnter}
	case "esc":
		return tea.KeyMsg{Type: tea.KeyEsc}
	case "up":
		return tea.KeyMsg{Type: tea.KeyUp}
	case "down":
		return tea.KeyMsg{Type: tea.KeyDown}
	}
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func update(t *testing.T, m model, msg tea.Msg) (model, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(msg)
	out, ok := next.(model)
	require.True(t, ok)
	return out, cmd
}

// submit types a command into the command bar and presses enter.
func submit(t *testing.T, m model, input string) (model, tea.Cmd) {
	t.Helper()
	m, _ = update(t, m, key("/"))
	require.True(t, m.commanding)
	m.input.SetValue(input)
	return update(t, m, key("enter"))
}

// finish runs a background command and feeds its message back.
func finish(t *testing.T, m model, cmd tea.Cmd) model {
	t.Helper()
	require.NotNil(t, cmd)
	m, _ = update(t, m, cmd())
	return m
}

func TestStartCommand(t *testing.T) {
	ctrl := newFakeController()
	m := testModel(ctrl)

	m, cmd := submit(t, m, "start demo box1")
	assert.False(t, m.commanding)
	assert.Equal(t, "[alice:demo] Starting...", m.message)
	_, busy := m.progress.get("alice:demo")
	assert.True(t, busy)

	m = finish(t, m, cmd)
	assert.False(t, m.isError)
	assert.Equal(t, "Started alice:demo (ssh demo-container)", m.message)
	assert.Equal(t, "box1", ctrl.startOpts.Hostname)
	require.Len(t, m.records, 1)
	assert.Equal(t, sandbox.StateRunning, m.records[0].State)

	_, busy = m.progress.get("alice:demo")
	assert.False(t, busy, "progress entry cleared when the transition ends")
}

func TestStartInvalidName(t *testing.T) {
	ctrl := newFakeController()
	m := testModel(ctrl)

	m, cmd := submit(t, m, "/start a:b:c")
	assert.Nil(t, cmd)
	assert.True(t, m.isError)
	assert.Contains(t, m.message, string(errors.KindInvalidName))
	assert.Empty(t, ctrl.called())
}

func TestStartFailureShown(t *testing.T) {
	ctrl := newFakeController()
	ctrl.startErr = errors.ReadinessTimeout("alice:demo", stderrors.New("connection refused"))
	m := testModel(ctrl)

	m, cmd := submit(t, m, "/start demo")
	m = finish(t, m, cmd)
	assert.True(t, m.isError)
	assert.Contains(t, m.message, "start alice:demo failed")
	assert.Contains(t, m.message, string(errors.KindReadinessTimeout))
}

func TestBusyAddressRejected(t *testing.T) {
	ctrl := newFakeController()
	m := testModel(ctrl)

	m, first := submit(t, m, "/start demo")
	require.NotNil(t, first)
	m, second := submit(t, m, "/kill demo")
	assert.Nil(t, second)
	assert.True(t, m.isError)
	assert.Equal(t, "alice:demo is busy", m.message)
}

func TestCommandUsage(t *testing.T) {
	m := testModel(newFakeController())

	for _, name := range []string{"start", "commit", "kill", "delete", "shell"} {
		t.Run(name, func(t *testing.T) {
			got, cmd := submit(t, m, "/"+name)
			assert.Nil(t, cmd)
			assert.True(t, got.isError)
			assert.Equal(t, "Usage: "+usage["/"+name], got.message)
		})
	}
}

func TestUnknownCommand(t *testing.T) {
	m := testModel(newFakeController())
	m, _ = submit(t, m, "/merge demo")
	assert.True(t, m.isError)
	assert.Equal(t, "Unknown command: merge", m.message)
}

func TestEscapeCancelsCommand(t *testing.T) {
	m := testModel(newFakeController())
	m, _ = update(t, m, key("s"))
	require.True(t, m.commanding)
	assert.Equal(t, "start ", m.input.Value())

	m, _ = update(t, m, key("esc"))
	assert.False(t, m.commanding)
	assert.Empty(t, m.input.Value())
}

func TestCommitPassesMessageAndAuthor(t *testing.T) {
	ctrl := newFakeController(running("demo"))
	m := testModel(ctrl)

	m, cmd := submit(t, m, "/commit demo add go toolchain")
	m = finish(t, m, cmd)
	assert.False(t, m.isError, m.message)
	assert.Equal(t, "Committed alice:demo to alice:demo", m.message)
	assert.Equal(t, "add go toolchain", ctrl.commitOpts.Message)
	assert.Equal(t, "alice", ctrl.commitOpts.Author)
}

func TestCommitKeyPrefillsSelected(t *testing.T) {
	m := testModel(newFakeController(running("demo")))
	m, _ = update(t, m, key("c"))
	assert.True(t, m.commanding)
	assert.Equal(t, "commit alice:demo ", m.input.Value())
}

func TestKillNeedsConfirmation(t *testing.T) {
	ctrl := newFakeController(running("demo"))
	m := testModel(ctrl)

	m, cmd := update(t, m, key("x"))
	require.NotNil(t, cmd, "confirmation expiry timer")
	assert.Equal(t, "x", m.confirmKey)
	assert.Contains(t, m.View(), "Kill alice:demo?")

	m, cmd = update(t, m, key("x"))
	assert.Empty(t, m.confirmKey)
	m = finish(t, m, cmd)
	assert.Equal(t, "Killed alice:demo", m.message)
	assert.Equal(t, []string{"kill alice:demo"}, ctrl.called())
	assert.Empty(t, m.records)
}

func TestConfirmationCancelledByOtherKey(t *testing.T) {
	ctrl := newFakeController(running("demo"))
	m := testModel(ctrl)

	m, _ = update(t, m, key("D"))
	assert.Equal(t, "D", m.confirmKey)
	m, cmd := update(t, m, key("j"))
	assert.Nil(t, cmd)
	assert.Empty(t, m.confirmKey)
	assert.Empty(t, ctrl.called())
}

func TestConfirmationExpires(t *testing.T) {
	m := testModel(newFakeController(running("demo")))
	m, _ = update(t, m, key("x"))
	m, _ = update(t, m, confirmExpiredMsg{})
	assert.Empty(t, m.confirmKey)
	assert.Empty(t, m.confirmName)
}

func TestDeleteRunningShowsError(t *testing.T) {
	ctrl := newFakeController(running("demo"))
	m := testModel(ctrl)

	m, _ = update(t, m, key("D"))
	m, cmd := update(t, m, key("D"))
	m = finish(t, m, cmd)
	assert.True(t, m.isError)
	assert.Contains(t, m.message, string(errors.KindStillRunning))
	assert.Len(t, m.records, 1)
}

func TestEnterOpensShell(t *testing.T) {
	m := testModel(newFakeController(running("demo")))
	m, cmd := update(t, m, key("enter"))
	require.NotNil(t, cmd)
	assert.Equal(t, "demo-container", m.connectTo)
	assert.Equal(t, tea.Quit(), cmd())
}

func TestShellRequiresRunning(t *testing.T) {
	imaged := running("demo")
	imaged.State = sandbox.StateImaged
	imaged.Endpoint = nil
	m := testModel(newFakeController(imaged))

	m, cmd := update(t, m, key("enter"))
	assert.Nil(t, cmd)
	assert.Empty(t, m.connectTo)
	assert.True(t, m.isError)
	assert.Contains(t, m.message, "not running")
}

func TestCursorWraps(t *testing.T) {
	m := testModel(newFakeController(running("a"), running("b"), running("c")))
	require.Len(t, m.records, 3)

	m, _ = update(t, m, key("up"))
	assert.Equal(t, 2, m.cursor)
	m, _ = update(t, m, key("down"))
	assert.Equal(t, 2, m.cursor)
	m, _ = update(t, m, key("k"))
	assert.Equal(t, 1, m.cursor)
}

func TestTickRefreshesAndClampsCursor(t *testing.T) {
	ctrl := newFakeController(running("a"), running("b"))
	m := testModel(ctrl)
	m.cursor = 1

	_, err := ctrl.Kill(context.Background(), address.MustResolve("b", "alice"))
	require.NoError(t, err)

	m, cmd := update(t, m, statusTickMsg(time.Now()))
	assert.NotNil(t, cmd)
	assert.Len(t, m.records, 1)
	assert.Equal(t, 0, m.cursor)
}

func TestReconcileMessage(t *testing.T) {
	ctrl := newFakeController()
	ctrl.reconciled = &sandbox.ReconcileReport{Added: []string{"demo-container"}, Removed: []string{"old-container", "x-container"}}
	m := testModel(ctrl)

	m, cmd := update(t, m, key("r"))
	m = finish(t, m, cmd)
	assert.False(t, m.isError)
	assert.Equal(t, "Reconciled ssh config: 1 added, 2 removed", m.message)
}

func TestQuit(t *testing.T) {
	m := testModel(newFakeController())
	m, cmd := update(t, m, key("q"))
	assert.True(t, m.quitting)
	assert.Equal(t, tea.Quit(), cmd())
	assert.Empty(t, m.View())
}

func TestViewListsRecords(t *testing.T) {
	imaged := running("old")
	imaged.State = sandbox.StateImaged
	imaged.Endpoint = nil
	imaged.ImageHandle = "sha256:0123456789abcdef"
	m := testModel(newFakeController(running("demo"), imaged))

	view := m.View()
	assert.Contains(t, view, "alice:demo")
	assert.Contains(t, view, "ssh demo-container")
	assert.Contains(t, view, "127.0.0.1:40022")
	assert.Contains(t, view, "alice:old")
	assert.Contains(t, view, "imaged")
	assert.Contains(t, view, "1 running, 2 known")
}

func TestViewEmptyAndPending(t *testing.T) {
	m := testModel(newFakeController())
	assert.Contains(t, m.View(), "No sandboxes yet")

	m.progress.set("alice:new", "Bootstrapping base image...")
	view := m.View()
	assert.NotContains(t, view, "No sandboxes yet")
	assert.Contains(t, view, "alice:new")
	assert.Contains(t, view, "Bootstrapping base image...")
}

func TestHelpOverlay(t *testing.T) {
	m := testModel(newFakeController())
	m, _ = update(t, m, key("?"))
	assert.True(t, m.showHelp)
	assert.Contains(t, m.View(), usage["/commit"])

	m, _ = update(t, m, key("esc"))
	assert.False(t, m.showHelp)
}
