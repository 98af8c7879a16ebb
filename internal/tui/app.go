package tui

import (
	"context"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/zpdzap/redock/internal/address"
	"github.com/zpdzap/redock/internal/logging"
	"github.com/zpdzap/redock/internal/sandbox"
	"github.com/zpdzap/redock/internal/sshkey"
)

// Controller is the part of the lifecycle controller the dashboard drives.
type Controller interface {
	Start(ctx context.Context, addr address.Address, opts sandbox.StartOptions) (*sandbox.Record, error)
	Commit(ctx context.Context, addr address.Address, opts sandbox.CommitOptions) (*sandbox.Record, error)
	Kill(ctx context.Context, addr address.Address) (*sandbox.Record, error)
	Delete(ctx context.Context, addr address.Address) error
	List() []sandbox.Record
	Reconcile(ctx context.Context) (*sandbox.ReconcileReport, error)
}

// Options configures the dashboard.
type Options struct {
	// User is the namespace for names typed without one.
	User string

	// SSHConfig is the client config file holding the managed aliases.
	SSHConfig string

	// Author is recorded on commits made from the dashboard.
	Author string
}

// Run starts the dashboard loop. It cycles between the Bubble Tea program
// and interactive ssh sessions until the user quits.
func Run(ctx context.Context, ctrl Controller, opts Options) error {
	for {
		m := newModel(ctx, ctrl, opts)
		p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx))
		result, err := p.Run()
		if err != nil {
			return fmt.Errorf("dashboard: %w", err)
		}

		final := result.(model)

		if final.quitting {
			logging.UserInfo("Running sandboxes left intact (use 'redock kill' to stop them)")
			return nil
		}

		if final.connectTo == "" {
			return nil
		}

		fmt.Fprintf(logging.Stdout, "Connecting to %s... (exit the shell to return)\n", final.connectTo)
		cmd := sshkey.Command(sshkey.ForAlias(final.connectTo, opts.SSHConfig))
		if err := cmd.Run(); err != nil {
			logging.Debug("ssh session ended", "alias", final.connectTo, "error", err)
		}

		// Reset terminal so Bubble Tea starts clean
		fmt.Fprint(logging.Stdout, "\033c")
	}
}
