package main

import (
	"context"
	"io/fs"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/zpdzap/redock/internal/address"
	"github.com/zpdzap/redock/internal/errors"
	"github.com/zpdzap/redock/internal/logging"
	"github.com/zpdzap/redock/internal/provision"
)

// withClient opens a provisioning session on the named sandbox for the
// duration of fn. Remote output goes to the user's terminal.
func withClient(ctx context.Context, a *app, addr address.Address, fn func(c *provision.Client) error) error {
	c, err := a.mgr.Provision(ctx, addr)
	if err != nil {
		return err
	}
	defer c.Close()
	c.Stdout = logging.Stdout
	c.Stderr = logging.Stderr
	return fn(c)
}

func execCmd() *cobra.Command {
	var stdin bool
	cmd := &cobra.Command{
		Use:   "exec NAME COMMAND [ARG...]",
		Short: "Run a command in a running sandbox",
		Long: `Run a command in a running sandbox over ssh without a terminal.

The command's exit status is reported as a RemoteCommandError.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				addr, err := address.Resolve(args[0], a.user)
				if err != nil {
					return err
				}
				return withClient(ctx, a, addr, func(c *provision.Client) error {
					if stdin {
						return c.Execute(ctx, os.Stdin, args[1:]...)
					}
					return c.Execute(ctx, nil, args[1:]...)
				})
			})
		},
	}
	cmd.Flags().SetInterspersed(false)
	cmd.Flags().BoolVarP(&stdin, "stdin", "i", false, "Pass standard input to the command")
	return cmd
}

func uploadCmd() *cobra.Command {
	var modeFlag string
	cmd := &cobra.Command{
		Use:   "upload NAME LOCAL REMOTE",
		Short: "Copy a local file into a running sandbox",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			contents, mode, err := readUpload(args[1], modeFlag)
			if err != nil {
				return err
			}
			return withApp(func(ctx context.Context, a *app) error {
				addr, err := address.Resolve(args[0], a.user)
				if err != nil {
					return err
				}
				return withClient(ctx, a, addr, func(c *provision.Client) error {
					if err := c.UploadFile(ctx, args[2], contents, mode); err != nil {
						return err
					}
					logging.UserSuccess("Uploaded %s to %s:%s", args[1], addr, args[2])
					return nil
				})
			})
		},
	}
	cmd.Flags().StringVar(&modeFlag, "mode", "", "Octal file mode in the sandbox (default: the local file's)")
	return cmd
}

// readUpload reads the local file and works out the remote file mode.
func readUpload(local, modeFlag string) ([]byte, fs.FileMode, error) {
	info, err := os.Stat(local)
	if err != nil {
		return nil, 0, errors.Wrap(errors.KindUsage, "reading "+local, err)
	}
	if info.IsDir() {
		return nil, 0, errors.Usage(local + " is a directory, use sync")
	}
	mode := info.Mode().Perm()
	if modeFlag != "" {
		m, err := strconv.ParseUint(modeFlag, 8, 32)
		if err != nil || m > 0o7777 {
			return nil, 0, errors.Usage("--mode must be an octal file mode, got " + strconv.Quote(modeFlag))
		}
		mode = fs.FileMode(m)
	}
	contents, err := os.ReadFile(local)
	if err != nil {
		return nil, 0, errors.Wrap(errors.KindUsage, "reading "+local, err)
	}
	return contents, mode, nil
}

func installCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "install NAME PACKAGE...",
		Short: "Install apt packages in a running sandbox",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				addr, err := address.Resolve(args[0], a.user)
				if err != nil {
					return err
				}
				return withClient(ctx, a, addr, func(c *provision.Client) error {
					if err := c.InstallPackages(ctx, args[1:]...); err != nil {
						return err
					}
					logging.UserSuccess("Installed %d package(s) in %s", len(args)-1, addr)
					return nil
				})
			})
		},
	}
}

func upgradeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "upgrade NAME...",
		Short: "Upgrade the system packages of running sandboxes",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				addrs, err := resolveAll(args, a.user)
				if err != nil {
					return err
				}
				return runAll(addrs, func(addr address.Address) error {
					return withClient(ctx, a, addr, func(c *provision.Client) error {
						if err := c.UpdateSystemPackages(ctx); err != nil {
							return err
						}
						logging.UserSuccess("Upgraded %s", addr)
						return nil
					})
				})
			})
		},
	}
}

func syncCmd() *cobra.Command {
	var opts provision.RsyncOptions
	cmd := &cobra.Command{
		Use:   "sync NAME LOCAL_DIR REMOTE_DIR",
		Short: "Mirror a local directory into a running sandbox with rsync",
		Long: `Mirror a local directory into a running sandbox with rsync.

Files ignored by rsync's --cvs-exclude rules are skipped and remote files
missing locally are deleted unless told otherwise.`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				addr, err := address.Resolve(args[0], a.user)
				if err != nil {
					return err
				}
				return withClient(ctx, a, addr, func(c *provision.Client) error {
					if err := c.Rsync(ctx, args[1], args[2], opts); err != nil {
						return err
					}
					logging.UserSuccess("Synced %s to %s:%s", args[1], addr, args[2])
					return nil
				})
			})
		},
	}
	cmd.Flags().BoolVar(&opts.KeepVCS, "include-vcs", false, "Copy version control files too")
	cmd.Flags().BoolVar(&opts.KeepExtra, "no-delete", false, "Keep remote files that are missing locally")
	return cmd
}
