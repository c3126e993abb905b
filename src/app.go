package main

import (
	"fmt"
	"sync"

	"github.com/OpenTollGate/tollgate-module-apmux-go/src/cli"
	"github.com/OpenTollGate/tollgate-module-apmux-go/src/config_manager"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/ubuntu/decorate"
)

// cmdName is the binary name for the daemon.
const cmdName = "apmux"

// envPrefix prefixes every environment override, e.g. APMUX_LOG_LEVEL.
const envPrefix = "APMUX"

// App wraps the daemon in a cobra command whose flags can also be set
// through APMUX_* environment variables.
type App struct {
	rootCmd cobra.Command
	viper   *viper.Viper
	opts    []daemonOption

	mu        sync.Mutex
	daemon    *Daemon
	ready     chan struct{}
	readyOnce sync.Once
}

func newApp(opts ...daemonOption) *App {
	a := App{ready: make(chan struct{}), opts: opts}
	a.rootCmd = cobra.Command{
		Use:   cmdName,
		Short: "Access point control-plane multiplexer",
		Long: `apmux keeps one event loop over the hostapd control sockets of every
attached VAP and the nl80211 driver session, recovers dead connections and
serves a local control socket for apmux-cli.`,
		Args: cobra.NoArgs,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Force a visit of the local flags so persistent flags for all parents are merged.
			cmd.LocalFlags()

			// command parsing has been successful. Returns to not print usage anymore.
			a.rootCmd.SilenceUsage = true
			return a.initViper(cmd)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.serve()
		},
		SilenceErrors: true,
	}
	a.viper = viper.New()

	flags := a.rootCmd.PersistentFlags()
	flags.StringP("config", "c", "", fmt.Sprintf("configuration file path (default %s)", config_manager.DefaultConfigPath))
	flags.String("log-level", "", "override the configured log level")
	flags.String("socket", "", "override the control socket path")
	flags.CountP("verbosity", "v", "issue INFO (-v), DEBUG (-vv) or DEBUG with caller (-vvv) output")

	for key, flag := range map[string]string{
		"config_path": "config",
		"log_level":   "log-level",
		"socket":      "socket",
		"verbosity":   "verbosity",
	} {
		if err := a.viper.BindPFlag(key, flags.Lookup(flag)); err != nil {
			daemonLogger.WithError(err).Warn("Could not bind flag")
		}
	}

	a.installVersion()
	return &a
}

func (a *App) initViper(cmd *cobra.Command) (err error) {
	defer decorate.OnError(&err, "can't load configuration")

	a.viper.SetEnvPrefix(envPrefix)
	a.viper.AutomaticEnv()

	v, err := cmd.Flags().GetCount("verbosity")
	if err != nil {
		return fmt.Errorf("internal error: no persistent verbosity flag installed: %w", err)
	}
	setVerboseMode(v)
	return nil
}

func (a *App) installVersion() {
	a.rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), cli.GetFormattedVersionInfo())
			return nil
		},
	})
}

// serve loads the configuration and runs the daemon until Quit.
func (a *App) serve() (err error) {
	defer a.markReady()

	cm, err := config_manager.NewConfigManager(config_manager.ResolveConfigPath(a.viper.GetString("config_path")))
	if err != nil {
		return err
	}
	if err := cm.EnsureInitializedConfig(); err != nil {
		return err
	}

	cfg := cm.GetConfig()
	if level := a.viper.GetString("log_level"); level != "" {
		cfg.LogLevel = level
	}
	if socket := a.viper.GetString("socket"); socket != "" {
		cfg.CLISocketPath = socket
	}
	InitializeGlobalLogger(cfg.LogLevel)
	setVerboseMode(a.viper.GetInt("verbosity"))

	d, err := newDaemon(cfg, a.opts...)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.daemon = d
	a.mu.Unlock()
	a.markReady()

	return d.Serve()
}

func (a *App) markReady() {
	a.readyOnce.Do(func() { close(a.ready) })
}

// Run executes the command and associated process. It returns an error on syntax/usage error.
func (a *App) Run() error {
	defer a.markReady()
	return a.rootCmd.Execute()
}

// UsageError returns if the error is a command parsing or runtime one.
func (a *App) UsageError() bool {
	return !a.rootCmd.SilenceUsage
}

// Quit gracefully shuts down the daemon.
func (a *App) Quit() {
	a.WaitReady()
	a.mu.Lock()
	d := a.daemon
	a.mu.Unlock()
	if d != nil {
		d.Quit()
	}
}

// WaitReady returns once the daemon is built or failed to build.
func (a *App) WaitReady() {
	<-a.ready
}

// SetArgs changes the root command args. Used by tests.
func (a *App) SetArgs(args ...string) {
	a.rootCmd.SetArgs(args)
}
