package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/zpdzap/redock/internal/address"
	"github.com/zpdzap/redock/internal/config"
	"github.com/zpdzap/redock/internal/engine"
	"github.com/zpdzap/redock/internal/errors"
	"github.com/zpdzap/redock/internal/logging"
	"github.com/zpdzap/redock/internal/sandbox"
	"github.com/zpdzap/redock/internal/sshkey"
	"github.com/zpdzap/redock/internal/tui"
)

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default ~/.redock/config.yaml",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			home, err := homeDir()
			if err != nil {
				return err
			}
			if config.Exists(home) && !force {
				logging.UserInfo("Config already exists at %s", config.Path(home))
				return nil
			}

			cfg := config.Default()
			if d := config.DetectEngine(home); d.Host != "" {
				cfg.Engine.Host = d.Host
				logging.UserInfo("Using engine at %s (from %s)", d.Host, d.Source)
			}
			if err := config.Save(home, cfg); err != nil {
				return errors.ConfigError("saving configuration", err)
			}
			logging.UserSuccess("Wrote %s", config.Path(home))
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing config file")
	return cmd
}

func startCmd() *cobra.Command {
	var (
		hostname string
		noShell  bool
	)
	cmd := &cobra.Command{
		Use:   "start NAME...",
		Short: "Start sandboxes and register their ssh aliases",
		Long: `Start each named sandbox. A sandbox that is already running is left alone.
A committed sandbox resumes from its image; a new one starts from the base
image, which is bootstrapped on first use.

With a single name on an interactive terminal, a shell is opened on the
sandbox once it is ready.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				addrs, err := resolveAll(args, a.user)
				if err != nil {
					return err
				}
				if err := checkHostname(hostname, addrs); err != nil {
					return err
				}

				err = runAll(addrs, func(addr address.Address) error {
					rec, err := a.mgr.Start(ctx, addr, sandbox.StartOptions{
						Hostname: hostname,
						Progress: progress(addr),
					})
					if err != nil {
						return err
					}
					logging.UserSuccess("%s is running (ssh %s)", addr, rec.Alias())
					return nil
				})
				if err != nil {
					return err
				}

				if len(addrs) == 1 && !noShell && !jsonOutput() && interactive() {
					a.Close()
					return sshkey.ReplaceWithSession(sshkey.ForAlias(addrs[0].Alias(), a.hosts.Path()))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&hostname, "hostname", "", "Container host name (default: the tag)")
	cmd.Flags().BoolVar(&noShell, "no-shell", false, "Do not open a shell after starting")
	return cmd
}

func commitCmd() *cobra.Command {
	var message, author string
	cmd := &cobra.Command{
		Use:   "commit NAME...",
		Short: "Save running sandboxes as images",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				addrs, err := resolveAll(args, a.user)
				if err != nil {
					return err
				}
				if author == "" {
					author = a.user
				}
				return runAll(addrs, func(addr address.Address) error {
					rec, err := a.mgr.Commit(ctx, addr, sandbox.CommitOptions{
						Message:  message,
						Author:   author,
						Progress: progress(addr),
					})
					if err != nil {
						return err
					}
					logging.UserSuccess("Committed %s to %s (%s)", addr, addr.ImageRef(), engine.Short(rec.ImageHandle))
					return nil
				})
			})
		},
	}
	cmd.Flags().StringVarP(&message, "message", "m", "", "Commit message recorded on the image")
	cmd.Flags().StringVar(&author, "author", "", "Author recorded on the image (default: current user)")
	return cmd
}

func killCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "kill NAME...",
		Short: "Stop and remove sandbox containers, keeping committed images",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				addrs, err := resolveAll(args, a.user)
				if err != nil {
					return err
				}
				return runAll(addrs, func(addr address.Address) error {
					rec, err := a.mgr.Kill(ctx, addr)
					if err != nil {
						return err
					}
					logging.UserSuccess("Killed %s (now %s)", addr, rec.State)
					return nil
				})
			})
		},
	}
}

func deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "delete NAME...",
		Aliases: []string{"rm"},
		Short:   "Remove stopped sandboxes and their images",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				addrs, err := resolveAll(args, a.user)
				if err != nil {
					return err
				}
				return runAll(addrs, func(addr address.Address) error {
					if err := a.mgr.Delete(ctx, addr); err != nil {
						return err
					}
					logging.UserSuccess("Deleted %s", addr)
					return nil
				})
			})
		},
	}
}

func reconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Rewrite the managed ssh config region from live engine state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				report, err := a.mgr.Reconcile(ctx)
				if err != nil {
					return err
				}
				for _, alias := range report.Added {
					logging.UserInfo("added %s", alias)
				}
				for _, alias := range report.Removed {
					logging.UserInfo("removed %s", alias)
				}
				logging.UserSuccess("%d running, ssh config at %s is up to date", len(report.Running), a.hosts.Path())
				return nil
			})
		},
	}
}

func shellCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "shell NAME [-- COMMAND...]",
		Short: "Open an ssh session on a running sandbox",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				addr, err := address.Resolve(args[0], a.user)
				if err != nil {
					return err
				}
				rec, err := a.mgr.Status(ctx, addr)
				if err != nil {
					return err
				}
				if rec.State != sandbox.StateRunning {
					return errors.NotRunning("shell", addr.String())
				}
				opts := sshkey.ForAlias(rec.Alias(), a.hosts.Path())
				if len(args) > 1 && interactive() {
					opts = opts.WithTTY()
				}
				logging.Debug("handing off", "command", opts.String(args[1:]...))
				a.Close()
				return sshkey.ReplaceWithSession(opts, args[1:]...)
			})
		},
	}
}

func uiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ui",
		Short: "Open the interactive dashboard",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				return tui.Run(ctx, a.mgr, tui.Options{
					User:      a.user,
					SSHConfig: a.hosts.Path(),
					Author:    a.user,
				})
			})
		},
	}
}
