package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/zpdzap/redock/internal/address"
	"github.com/zpdzap/redock/internal/config"
	"github.com/zpdzap/redock/internal/engine"
	"github.com/zpdzap/redock/internal/errors"
	"github.com/zpdzap/redock/internal/logging"
	"github.com/zpdzap/redock/internal/sandbox"
	"github.com/zpdzap/redock/internal/sshconfig"
)

// app is everything a command needs, wired from the config file.
type app struct {
	home   string
	user   string
	cfg    *config.Config
	docker *engine.Docker
	hosts  *sshconfig.Synchronizer
	mgr    *sandbox.Manager
}

func loadConfig(home string) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if path := viper.GetString("config"); path != "" {
		cfg, err = config.LoadFile(path)
	} else {
		cfg, err = config.Load(home)
	}
	if err != nil {
		return nil, errors.ConfigError("loading configuration", err)
	}
	return cfg, nil
}

func homeDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.ConfigError("locating home directory", err)
	}
	return home, nil
}

func newApp() (*app, error) {
	home, err := homeDir()
	if err != nil {
		return nil, err
	}
	cfg, err := loadConfig(home)
	if err != nil {
		return nil, err
	}

	host := cfg.Engine.Host
	if host == "" {
		d := config.DetectEngine(home)
		host = d.Host
		logging.Debug("engine endpoint", "host", d.Host, "source", d.Source)
	}
	docker, err := engine.NewDocker(host)
	if err != nil {
		return nil, err
	}
	docker.StopTimeout = int(cfg.Engine.StopTimeout.Std().Seconds())

	registry, err := sandbox.LoadRegistry(config.StatePath(home))
	if err != nil {
		docker.Close()
		return nil, errors.ConfigError("loading sandbox state", err)
	}
	hosts, err := sshconfig.Open(cfg.SSHConfigPath(home))
	if err != nil {
		docker.Close()
		return nil, err
	}

	return &app{
		home:   home,
		user:   address.CurrentUser(),
		cfg:    cfg,
		docker: docker,
		hosts:  hosts,
		mgr: sandbox.NewManager(sandbox.Options{
			Engine:   docker,
			Registry: registry,
			Hosts:    hosts,
			Config:   cfg,
			KeyDir:   cfg.KeyDirPath(home),
		}),
	}, nil
}

func (a *app) Close() error {
	return a.docker.Close()
}

// withApp runs fn with a wired app and a context cancelled on SIGINT or
// SIGTERM.
func withApp(fn func(ctx context.Context, a *app) error) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return fn(ctx, a)
}

// resolveAll parses every name before any transition runs.
func resolveAll(names []string, user string) ([]address.Address, error) {
	addrs := make([]address.Address, 0, len(names))
	seen := make(map[address.Address]bool, len(names))
	for _, raw := range names {
		addr, err := address.Resolve(raw, user)
		if err != nil {
			return nil, err
		}
		if seen[addr] {
			continue
		}
		seen[addr] = true
		addrs = append(addrs, addr)
	}
	return addrs, nil
}

// checkHostname rejects --hostname when more than one sandbox is named.
func checkHostname(hostname string, addrs []address.Address) error {
	if hostname != "" && len(addrs) > 1 {
		return errors.Usage("--hostname applies to a single sandbox")
	}
	return nil
}

// runAll applies fn to every address concurrently. Each failure is
// printed as it happens; the first one in argument order decides the
// exit code.
func runAll(addrs []address.Address, fn func(addr address.Address) error) error {
	errs := make([]error, len(addrs))
	var mu sync.Mutex
	var g errgroup.Group
	for i, addr := range addrs {
		i, addr := i, addr
		g.Go(func() error {
			err := fn(addr)
			if err != nil {
				mu.Lock()
				logging.UserError("%v", err)
				mu.Unlock()
			}
			errs[i] = err
			return nil
		})
	}
	g.Wait()

	for _, err := range errs {
		if err != nil {
			return &reportedError{err: err}
		}
	}
	return nil
}

func jsonOutput() bool {
	return viper.GetBool("json")
}

// progress prints transition phases for addr unless output is JSON.
func progress(addr address.Address) sandbox.ProgressFunc {
	if jsonOutput() {
		return func(phase string) {
			logging.Info("progress", "address", addr.String(), "phase", phase)
		}
	}
	return func(phase string) {
		logging.UserInfo("[%s] %s", addr, phase)
	}
}

func interactive() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))
}
