package sandbox

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/zpdzap/redock/internal/config"
	"github.com/zpdzap/redock/internal/engine"
	"github.com/zpdzap/redock/internal/logging"
	"github.com/zpdzap/redock/internal/sshkey"
)

// notReadyError reports that sshd never accepted a session within the
// retry budget. cause is the last probe failure.
type notReadyError struct {
	cause error
}

func (e *notReadyError) Error() string {
	return fmt.Sprintf("ssh not ready: %v", e.cause)
}

func (e *notReadyError) Unwrap() error { return e.cause }

func asNotReady(err error) (*notReadyError, bool) {
	var nr *notReadyError
	ok := stderrors.As(err, &nr)
	return nr, ok
}

// waitReady polls the container until its published sshd runs a command
// for the installation key, backing off exponentially between attempts.
// Engine errors and context cancellation end the wait immediately.
func (m *Manager) waitReady(ctx context.Context, h engine.Handle, retry config.Retry) (Endpoint, error) {
	short := engine.Short(h)
	last := stderrors.New("no probe attempted")

	for attempt := 0; attempt < retry.Attempts; attempt++ {
		if attempt > 0 {
			if err := m.sleep(ctx, retry.Delay(attempt-1)); err != nil {
				return Endpoint{}, err
			}
		}

		st, err := m.inspect(ctx, h)
		if err != nil {
			return Endpoint{}, err
		}
		switch {
		case st.Kind == engine.KindContainerExited || !st.Exists():
			return Endpoint{}, &notReadyError{cause: fmt.Errorf("container %s exited before sshd came up", short)}
		case !st.Running():
			last = fmt.Errorf("container %s is %s", short, st.Kind)
			continue
		case st.SSHPort == 0:
			last = fmt.Errorf("container %s has no published ssh port", short)
			continue
		}

		ep := Endpoint{Host: sshkey.DialHost(st.SSHHost), Port: st.SSHPort}
		if err := m.probe(ctx, ep.Host, ep.Port); err != nil {
			if ctx.Err() != nil {
				return Endpoint{}, ctx.Err()
			}
			logging.Debug("ssh not ready", "container", short, "attempt", attempt+1, "error", err)
			last = err
			continue
		}
		logging.Debug("ssh ready", "container", short, "attempts", attempt+1)
		return ep, nil
	}
	return Endpoint{}, &notReadyError{cause: last}
}
