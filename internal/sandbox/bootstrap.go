package sandbox

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/kballard/go-shellquote"

	"github.com/zpdzap/redock/internal/engine"
	"github.com/zpdzap/redock/internal/errors"
	"github.com/zpdzap/redock/internal/logging"
)

const (
	bootstrapPrefix   = "redock-bootstrap-"
	bootstrapHostname = "redock-template"
	aptConfigFile     = "/etc/apt/apt.conf.d/90redock"
	sshdCommand       = "mkdir -p -m0755 /var/run/sshd && exec /usr/sbin/sshd -eD"
)

// baseChanges are applied to the committed base image so every sandbox
// runs sshd in the foreground.
var baseChanges = []string{
	`CMD ["/bin/sh", "-c", "mkdir -p -m0755 /var/run/sshd && exec /usr/sbin/sshd -eD"]`,
	"EXPOSE 22",
}

// ensureBase returns the base image, bootstrapping it when neither the
// registry nor the engine knows one. Concurrent callers wait for a single
// bootstrap.
func (m *Manager) ensureBase(ctx context.Context, progress ProgressFunc) (BaseImage, error) {
	m.bootMu.Lock()
	defer m.bootMu.Unlock()

	if b, ok := m.registry.Base(); ok {
		st, err := m.inspect(ctx, b.Handle)
		if err != nil {
			return BaseImage{}, err
		}
		if st.Kind == engine.KindImage {
			return b, nil
		}
		logging.Warn("base image is gone, looking it up again", "image", engine.Short(b.Handle))
		m.registry.ClearBase()
	}

	ref := m.cfg.Image.Base
	st, err := m.inspect(ctx, engine.Handle(ref))
	if err != nil {
		return BaseImage{}, err
	}
	if st.Kind == engine.KindImage {
		b := BaseImage{Handle: st.ID, Ref: ref, CreatedAt: m.now()}
		m.registry.SetBase(b)
		logging.Debug("found base image", "ref", ref, "image", engine.Short(st.ID))
		return b, nil
	}

	return m.bootstrap(ctx, progress)
}

// bootstrap builds the base image from the pristine image: install sshd
// and the installation key in a throwaway container, wait until sshd
// answers, then commit it. On a readiness timeout the container is left in
// place for inspection; any other failure after create removes it.
func (m *Manager) bootstrap(ctx context.Context, progress ProgressFunc) (BaseImage, error) {
	kp, err := m.ensureKeys()
	if err != nil {
		return BaseImage{}, err
	}

	pristine := m.cfg.Image.Pristine
	st, err := m.inspect(ctx, engine.Handle(pristine))
	if err != nil {
		return BaseImage{}, err
	}
	if st.Kind != engine.KindImage {
		progress.report("Pulling " + pristine + "...")
		if err := m.engine.PullImage(ctx, pristine); err != nil {
			return BaseImage{}, err
		}
	}

	name := bootstrapPrefix + uuid.NewString()
	log := logging.With("container", name)
	log.Info("initializing base image, this only happens once", "from", pristine)
	progress.report("Installing ssh server (only happens once)...")

	h, err := m.engine.CreateContainer(ctx, engine.ContainerSpec{
		Name:        name,
		Image:       pristine,
		Hostname:    bootstrapHostname,
		Cmd:         []string{"bash", "-c", installScript(kp.AuthorizedKey(), m.cfg.Image.Packages)},
		Labels:      map[string]string{LabelBootstrap: "true"},
		PublishSSH:  true,
		BindAddress: m.cfg.SSH.BindAddress,
	})
	if err != nil {
		return BaseImage{}, err
	}
	if err := m.engine.StartContainer(ctx, h); err != nil {
		m.discard(ctx, h)
		return BaseImage{}, err
	}

	if _, err := m.waitReady(ctx, h, m.cfg.Bootstrap); err != nil {
		if nr, ok := asNotReady(err); ok {
			return BaseImage{}, errors.BootstrapTimeout(name, nr.cause)
		}
		m.discard(ctx, h)
		return BaseImage{}, err
	}

	progress.report("Saving base image...")
	id, err := m.engine.CommitContainer(ctx, h, engine.CommitOptions{
		Reference: m.cfg.Image.Base,
		Message:   "Installed SSH server & public key",
		Author:    "redock",
		Changes:   baseChanges,
	})
	if err != nil {
		m.discard(ctx, h)
		return BaseImage{}, err
	}

	m.discard(ctx, h)

	b := BaseImage{Handle: id, Ref: m.cfg.Image.Base, CreatedAt: m.now()}
	m.registry.SetBase(b)
	log.Info("base image ready", "ref", b.Ref, "image", engine.Short(id))
	return b, nil
}

// installScript is the bash script the bootstrap container runs. It ends by
// exec'ing sshd in the foreground so readiness can be probed over ssh.
func installScript(authorizedKey string, extra []string) string {
	packages := append([]string{"openssh-server"}, extra...)
	install := append([]string{"apt-get", "install", "-q", "-y", "--no-install-recommends"}, packages...)

	steps := []string{
		"set -e",
		"export DEBIAN_FRONTEND=noninteractive",
		"echo " + shellquote.Join(`APT::Install-Recommends "false";`) + " > " + aptConfigFile,
		"apt-get update -q",
		shellquote.Join(install...),
		"apt-get clean",
		"mkdir -p -m0700 /root/.ssh",
		"echo " + shellquote.Join(authorizedKey) + " > /root/.ssh/authorized_keys",
		"chmod 0600 /root/.ssh/authorized_keys",
		sshdCommand,
	}
	return strings.Join(steps, "\n")
}
