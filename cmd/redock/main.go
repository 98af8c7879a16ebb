package main

import (
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zpdzap/redock/internal/errors"
	"github.com/zpdzap/redock/internal/logging"
)

var rootCmd = &cobra.Command{
	Use:   "redock",
	Short: "Named, SSH-reachable container sandboxes",
	Long: `redock turns a short name into a running container you can ssh into,
saves its filesystem as an image on commit, and keeps ~/.ssh/config in step
with the sandboxes that are running.

Names are 'tag' or 'namespace:tag'. Without a namespace the current user is used.`,
	Example: `  redock start demo          # start and open a shell on alice:demo
  redock commit demo -m "installed toolchain"
  redock kill demo
  redock start demo          # resumes from the committed image
  ssh demo-container`,

	SilenceUsage:  true,
	SilenceErrors: true,

	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logging.Setup(viper.GetInt("verbose"), viper.GetBool("json"), os.Stderr)
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase log verbosity (repeatable)")
	rootCmd.PersistentFlags().Bool("json", false, "Emit logs and listings as JSON")
	rootCmd.PersistentFlags().String("config", "", "Config file (default ~/.redock/config.yaml)")
	viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
	viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))

	rootCmd.AddCommand(
		initCmd(),
		startCmd(),
		commitCmd(),
		killCmd(),
		deleteCmd(),
		listCmd(),
		reconcileCmd(),
		shellCmd(),
		execCmd(),
		uploadCmd(),
		installCmd(),
		upgradeCmd(),
		syncCmd(),
		uiCmd(),
	)

	viper.SetEnvPrefix("REDOCK")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(report(err))
	}
}

// report prints a one-line diagnostic for err unless it was already
// printed, and returns the exit code for it.
func report(err error) int {
	var r *reportedError
	if !errors.As(err, &r) {
		logging.UserError("%v", err)
	}
	return errors.GetExitCode(err)
}

// reportedError marks an error whose diagnostics were already printed.
type reportedError struct {
	err error
}

func (e *reportedError) Error() string { return e.err.Error() }
func (e *reportedError) Unwrap() error { return e.err }
