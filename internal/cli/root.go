package cli

import (
	"encoding/json"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/vaultkit/vaultkit/internal/lock"
	"github.com/vaultkit/vaultkit/pkg/color"
	"github.com/vaultkit/vaultkit/pkg/config"
	"github.com/vaultkit/vaultkit/pkg/logging"
	"github.com/vaultkit/vaultkit/pkg/pathutil"
)

// envPrefix is prepended to every flag name to form its environment
// variable, e.g. VAULTKIT_VAULT or VAULTKIT_LOG_LEVEL.
const envPrefix = "VAULTKIT"

// app carries the per-invocation settings shared by all commands.
type app struct {
	v   *viper.Viper
	log *logging.Logger
	mgr *lock.Manager
}

func newRootCmd() *cobra.Command {
	a := &app{v: viper.New()}
	a.v.SetEnvPrefix(envPrefix)
	a.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	a.v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:   "vaultkit",
		Short: "vaultkit - single-writer locking for cloud-synced vaults",
		Long: `vaultkit keeps one machine at a time writing to a vault folder that is
replicated by a sync client (Dropbox, iCloud Drive, OneDrive, Syncthing).
The holder refreshes a heartbeat in .vaultkit/lock.json; other machines are
refused until the heartbeat goes stale or they force a takeover.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
	}

	flags := cmd.PersistentFlags()
	flags.String("vault", "", "vault directory (default: current directory)")
	flags.Bool("json", false, "output in JSON format")
	flags.String("log-level", "", "log level: debug, info, warn, error (default: vault config)")
	flags.Bool("no-color", false, "disable colored output")

	cmd.AddCommand(newLockCmd(a), newWhoamiCmd(a), newDoctorCmd(a))
	return cmd
}

// setup binds every flag of the executing command to viper so each one can
// also come from a VAULTKIT_* variable, then builds the logger.
func (a *app) setup(cmd *cobra.Command) error {
	var bindErr error
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if err := a.v.BindPFlag(f.Name, f); err != nil && bindErr == nil {
			bindErr = err
		}
	})
	if bindErr != nil {
		return bindErr
	}

	color.Init(a.v.GetBool("no-color"))

	level, format := a.v.GetString("log-level"), logging.FormatJSON
	if root, err := a.vaultRoot(); err == nil {
		if cfg, err := config.Load(root); err == nil {
			if level == "" {
				level = cfg.Logging.Level
			}
			format = cfg.Logging.Format
		}
	}
	if level == "" {
		level = string(logging.LevelWarn)
	}
	a.log = logging.NewLoggerFormat(logging.ParseLevel(level), format)
	a.log.SetOutput(cmd.ErrOrStderr())
	logging.SetGlobal(a.log)
	return nil
}

func (a *app) jsonOutput() bool {
	return a.v.GetBool("json")
}

// vaultRoot resolves --vault, falling back to the working directory.
func (a *app) vaultRoot() (string, error) {
	path := a.v.GetString("vault")
	if path == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return "", err
		}
		path = cwd
	}
	return pathutil.ResolveVaultRoot(path)
}

func (a *app) manager() *lock.Manager {
	if a.mgr == nil {
		a.mgr = lock.NewManager(lock.WithLogger(a.log))
	}
	return a.mgr
}

// Execute runs the root command.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmtErr("%v", err)
		os.Exit(1)
	}
}

// outputJSON prints v as indented JSON to the command's output.
func outputJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
