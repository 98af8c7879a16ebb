package sshkey

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"github.com/kballard/go-shellquote"
)

// Options configures the interactive ssh client invocation.
type Options struct {
	// Alias is the Host entry from the managed ssh config region. When set,
	// the client resolves everything else from the config file.
	Alias string

	// ConfigFile is passed with -F when it is not the client's default.
	ConfigFile string

	// Used only without an alias.
	Host         string
	Port         int
	User         string
	IdentityFile string

	RequestTTY bool
}

// ForAlias returns options that connect through a config alias.
func ForAlias(alias, configFile string) Options {
	return Options{Alias: alias, ConfigFile: configFile}
}

// WithTTY returns a copy with a TTY requested.
func (o Options) WithTTY() Options {
	o.RequestTTY = true
	return o
}

// Args returns the ssh arguments without the program name.
func (o Options) Args(command ...string) []string {
	var args []string
	if o.ConfigFile != "" {
		args = append(args, "-F", o.ConfigFile)
	}
	if o.RequestTTY {
		args = append(args, "-t")
	}
	if o.Alias != "" {
		args = append(args, o.Alias)
		return append(args, command...)
	}

	args = append(args,
		"-p", fmt.Sprintf("%d", o.Port),
		"-o", "StrictHostKeyChecking=no",
		"-o", "UserKnownHostsFile=/dev/null",
		"-o", "LogLevel=ERROR",
	)
	if o.IdentityFile != "" {
		args = append(args, "-i", o.IdentityFile)
	}
	if o.User != "" {
		args = append(args, "-l", o.User)
	}
	args = append(args, DialHost(o.Host))
	return append(args, command...)
}

// String renders the full command line, quoted for a POSIX shell.
func (o Options) String(command ...string) string {
	return shellquote.Join(append([]string{"ssh"}, o.Args(command...)...)...)
}

// Command builds an exec.Cmd attached to the current terminal.
func Command(o Options, command ...string) *exec.Cmd {
	cmd := exec.Command("ssh", o.Args(command...)...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd
}

// ReplaceWithSession replaces the current process with an ssh session.
// It does not return on success.
func ReplaceWithSession(o Options, command ...string) error {
	sshPath, err := exec.LookPath("ssh")
	if err != nil {
		return fmt.Errorf("ssh not found: %w", err)
	}
	argv := append([]string{"ssh"}, o.Args(command...)...)
	return syscall.Exec(sshPath, argv, os.Environ())
}
