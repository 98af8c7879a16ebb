// Package provision configures a running sandbox over its ssh daemon:
// running commands, uploading files, installing packages and mirroring a
// local directory with rsync.
package provision

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"
	"golang.org/x/crypto/ssh"

	"github.com/zpdzap/redock/internal/errors"
	"github.com/zpdzap/redock/internal/logging"
	"github.com/zpdzap/redock/internal/sshkey"
)

// DefaultDialTimeout bounds connecting and authenticating.
const DefaultDialTimeout = 10 * time.Second

// Target says where a sandbox's ssh daemon listens and how to log in.
type Target struct {
	// Address is the sandbox address, used in diagnostics.
	Address string

	Host   string
	Port   int
	User   string
	Signer ssh.Signer

	// Alias and ConfigFile let the local rsync client reach the sandbox
	// through the managed ssh config.
	Alias      string
	ConfigFile string
}

// Runner runs a local program, streaming its output to stdout and stderr.
type Runner func(ctx context.Context, stdout, stderr io.Writer, name string, args ...string) error

// Client runs commands in one sandbox. It is not safe for concurrent use.
type Client struct {
	target Target
	conn   *ssh.Client

	// Stdout and Stderr receive remote command output. Nil discards it.
	Stdout io.Writer
	Stderr io.Writer

	// Run starts local programs. Defaults to os/exec.
	Run Runner
}

// Dial connects to the sandbox described by t.
func Dial(ctx context.Context, t Target) (*Client, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultDialTimeout)
	defer cancel()

	conn, err := sshkey.Dial(ctx, t.Signer, t.User, t.Host, t.Port)
	if err != nil {
		return nil, errors.RemoteCommand(t.Address, "ssh", -1, err)
	}
	logging.Debug("connected to sandbox", "address", t.Address, "port", t.Port)
	return &Client{target: t, conn: conn, Run: runLocal}, nil
}

// Close closes the ssh connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Execute runs command in the sandbox with stdin attached. Arguments are
// quoted for the remote shell. A non-zero exit status is a
// RemoteCommandError carrying that status.
func (c *Client) Execute(ctx context.Context, stdin io.Reader, command ...string) error {
	return c.run(ctx, stdin, c.Stdout, command)
}

// Output runs command and returns what it wrote to stdout.
func (c *Client) Output(ctx context.Context, command ...string) (string, error) {
	var out bytes.Buffer
	err := c.run(ctx, nil, &out, command)
	return out.String(), err
}

func (c *Client) run(ctx context.Context, stdin io.Reader, stdout io.Writer, command []string) error {
	if len(command) == 0 {
		return errors.Usage("no command given")
	}
	cmdline := shellquote.Join(command...)

	session, err := c.conn.NewSession()
	if err != nil {
		return errors.RemoteCommand(c.target.Address, cmdline, -1, err)
	}
	defer session.Close()
	session.Stdin = stdin
	session.Stdout = stdout
	session.Stderr = c.Stderr

	logging.Debug("running remote command", "address", c.target.Address, "command", cmdline)
	done := make(chan error, 1)
	go func() { done <- session.Run(cmdline) }()

	select {
	case err := <-done:
		return c.commandError(cmdline, err)
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		return ctx.Err()
	}
}

func (c *Client) commandError(cmdline string, err error) error {
	if err == nil {
		return nil
	}
	var exit *ssh.ExitError
	if stderrors.As(err, &exit) {
		return errors.RemoteCommand(c.target.Address, cmdline, exit.ExitStatus(), nil)
	}
	return errors.RemoteCommand(c.target.Address, cmdline, -1, err)
}

// UploadFile writes contents to name inside the sandbox, creating parent
// directories. The file is written under a temporary name and renamed
// into place, then its size is checked.
func (c *Client) UploadFile(ctx context.Context, name string, contents []byte, mode fs.FileMode) error {
	q := func(s string) string { return shellquote.Join(s) }
	script := strings.Join([]string{
		"set -e",
		"mkdir -p " + q(path.Dir(name)),
		"tmp=$(mktemp " + q(name+".redock-XXXXXX") + ")",
		`cat > "$tmp"`,
		fmt.Sprintf(`chmod %04o "$tmp"`, mode.Perm()),
		`mv -f "$tmp" ` + q(name),
		"wc -c < " + q(name),
	}, "\n")

	var out bytes.Buffer
	if err := c.run(ctx, bytes.NewReader(contents), &out, []string{"sh", "-c", script}); err != nil {
		return err
	}
	written, err := strconv.Atoi(strings.TrimSpace(out.String()))
	if err != nil || written != len(contents) {
		return &errors.RedockError{
			Kind:    errors.KindRemoteCommand,
			Op:      "upload",
			Address: c.target.Address,
			Message: fmt.Sprintf("wrote %d bytes to %s but the sandbox reports %q", len(contents), name, strings.TrimSpace(out.String())),
		}
	}
	logging.Debug("uploaded file", "address", c.target.Address, "path", name, "bytes", written)
	return nil
}

// InstallPackages installs apt packages non-interactively.
func (c *Client) InstallPackages(ctx context.Context, packages ...string) error {
	if len(packages) == 0 {
		return nil
	}
	return c.apt(ctx, append([]string{"install", "-q", "-y"}, packages...)...)
}

// UpdateSystemPackages refreshes the package index and upgrades every
// installed package.
func (c *Client) UpdateSystemPackages(ctx context.Context) error {
	if err := c.apt(ctx, "update", "-q"); err != nil {
		return err
	}
	return c.apt(ctx, "dist-upgrade", "-q", "-y", "--no-install-recommends")
}

func (c *Client) apt(ctx context.Context, args ...string) error {
	command := append([]string{"env", "DEBIAN_FRONTEND=noninteractive", "apt-get"}, args...)
	return c.Execute(ctx, nil, command...)
}

// RsyncOptions adjusts Rsync.
type RsyncOptions struct {
	// KeepVCS copies files rsync's --cvs-exclude would skip.
	KeepVCS bool
	// KeepExtra leaves remote files that are missing locally.
	KeepExtra bool
}

// Rsync mirrors the local directory into remote, creating it if needed.
// rsync is installed in the sandbox first.
func (c *Client) Rsync(ctx context.Context, local, remote string, opts RsyncOptions) error {
	if c.target.Alias == "" {
		return errors.Usage("rsync needs the sandbox's ssh alias")
	}
	if err := c.InstallPackages(ctx, "rsync"); err != nil {
		return err
	}

	args := rsyncArgs(c.target, local, remote, opts)
	logging.Debug("running rsync", "address", c.target.Address, "args", shellquote.Join(args...))
	if err := c.Run(ctx, c.Stdout, c.Stderr, "rsync", args...); err != nil {
		status := -1
		var exit *exec.ExitError
		if stderrors.As(err, &exit) {
			status = exit.ExitCode()
			err = nil
		}
		return errors.RemoteCommand(c.target.Address, "rsync", status, err)
	}
	return nil
}

func rsyncArgs(t Target, local, remote string, opts RsyncOptions) []string {
	rsh := []string{"ssh"}
	if t.ConfigFile != "" {
		rsh = append(rsh, "-F", t.ConfigFile)
	}
	args := []string{
		"-a",
		"-e", shellquote.Join(rsh...),
		"--rsync-path", "mkdir -p " + shellquote.Join(remote) + " && rsync",
	}
	if !opts.KeepVCS {
		args = append(args, "--cvs-exclude", "--exclude", ".hgignore")
	}
	if !opts.KeepExtra {
		args = append(args, "--delete")
	}
	return append(args, dirSlash(local), t.Alias+":"+dirSlash(remote))
}

// dirSlash adds the trailing slash that makes rsync copy a directory's
// contents rather than the directory itself.
func dirSlash(p string) string {
	return strings.TrimRight(p, "/") + "/"
}

func runLocal(ctx context.Context, stdout, stderr io.Writer, name string, args ...string) error {
	command := exec.CommandContext(ctx, name, args...)
	command.Stdin = os.Stdin
	command.Stdout = stdout
	command.Stderr = stderr
	return command.Run()
}
