package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/al-bashkir/tgbridge/internal/config"
	"github.com/al-bashkir/tgbridge/internal/daemon"
	"github.com/al-bashkir/tgbridge/internal/ipc"
	"github.com/al-bashkir/tgbridge/internal/logsanitize"
)

// Version information (set via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// Global flags
var (
	configFile string
	logLevel   string
	logFormat  string
	socketPath string
)

// sessions reap flag; negative means "use the daemon's idle timeout"
var reapMaxIdle time.Duration

// Exit codes
const (
	ExitSuccess = 0
	ExitError   = 1
	ExitConfig  = 3
)

const defaultSocketPath = "/run/tgbridge/admin.sock"

var rootCmd = &cobra.Command{
	Use:   "tgbridge",
	Short: "Per-user Telegram session bridge",
	Long: `tgbridge keeps one authenticated Telegram client per CRM user.

The daemon exposes a REST API through which a user logs in with a phone
code (and two-factor password when enabled), after which the CRM can read
the user's conversations and group participants. Sessions are persisted
and restored on demand; idle connections are closed by a background reaper.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the session bridge daemon",
	Long: `Start the daemon.

The daemon:
  - Serves the REST API and /health, /metrics on listen.http
  - Listens on a Unix socket for admin commands
  - Pools one Telegram client per user and reaps idle ones
  - Persists sessions so users stay logged in across restarts

This mode is typically run as a systemd service.`,
	RunE: runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Display version information",
	Long:  `Display version, commit hash, and build date.`,
	Run:   runVersion,
}

// overrideExitCode is set by subcommands (check-config) so main() can call
// os.Exit() after cobra finishes. -1 means "use default".
var overrideExitCode = -1

var checkConfigCmd = &cobra.Command{
	Use:   "check-config",
	Short: "Validate configuration file",
	Long: `Load and validate the configuration file without starting the daemon.

Exit codes:
  0 = Configuration is valid
  3 = Configuration error`,
	RunE: runCheckConfig,
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect and manage pooled sessions of a running daemon",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions currently held in the pool",
	Args:  cobra.NoArgs,
	RunE:  runSessionsList,
}

var sessionsReapCmd = &cobra.Command{
	Use:   "reap",
	Short: "Evict idle sessions now",
	Long: `Evict sessions idle for longer than --max-idle. Without the flag the
daemon's configured idle timeout applies. --max-idle=0 evicts every session.
Persisted sessions are kept, so evicted users are restored on their next request.`,
	Args: cobra.NoArgs,
	RunE: runSessionsReap,
}

var sessionsDisconnectCmd = &cobra.Command{
	Use:   "disconnect <user-id>",
	Short: "Log a user out and delete the persisted session",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsDisconnect,
}

func init() {
	// Global flags (available to all commands)
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "/etc/tgbridge/config.yaml",
		"Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"Log level (debug, info, warn, error) - overrides config file")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "",
		"Log format (json, text) - overrides config file")

	sessionsCmd.PersistentFlags().StringVar(&socketPath, "socket", "",
		"Admin socket path - overrides config file")
	sessionsReapCmd.Flags().DurationVar(&reapMaxIdle, "max-idle", -1,
		"Evict sessions idle longer than this (default: daemon idle timeout)")

	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsReapCmd)
	sessionsCmd.AddCommand(sessionsDisconnectCmd)

	// Add subcommands
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(checkConfigCmd)
	rootCmd.AddCommand(sessionsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(ExitError)
	}

	// If a subcommand set a specific exit code, use it.
	// This is done outside RunE so deferred functions run properly.
	if overrideExitCode >= 0 {
		os.Exit(overrideExitCode)
	}
}

// runServe starts the daemon
func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Override log settings from flags if provided
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}

	config.SetupLogging(&cfg.Log)

	slog.Info("starting tgbridge",
		"version", version,
		"commit", commit,
		"build_date", buildDate,
		"config", configFile,
	)

	d, err := daemon.New(cfg, version)
	if err != nil {
		slog.Error("failed to create daemon", "error", err)
		return fmt.Errorf("failed to create daemon: %w", err)
	}

	return d.Run()
}

// runVersion displays version information
func runVersion(cmd *cobra.Command, args []string) {
	w := out(cmd)
	fmt.Fprintf(w, "tgbridge version %s\n", version)
	fmt.Fprintf(w, "  Commit:     %s\n", commit)
	fmt.Fprintf(w, "  Build date: %s\n", buildDate)
	fmt.Fprintf(w, "  Go version: %s\n", runtime.Version())
}

// runCheckConfig validates the configuration
func runCheckConfig(cmd *cobra.Command, args []string) error {
	w := out(cmd)
	fmt.Fprintf(w, "Checking configuration: %s\n\n", configFile)

	cfg, err := config.Load(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Configuration validation failed:\n")
		fmt.Fprintf(os.Stderr, "   %v\n", err)
		overrideExitCode = ExitConfig
		return nil // exit code handled via overrideExitCode
	}

	// Print configuration summary (with secrets redacted)
	red := cfg.Redact()
	fmt.Fprintln(w, "✅ Configuration is valid")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Configuration summary:")
	fmt.Fprintf(w, "  HTTP Listen:       %s\n", red.Listen.HTTP)
	fmt.Fprintf(w, "  Admin Socket:      %s\n", red.Listen.Socket)
	fmt.Fprintf(w, "  Session Store:     %s (%s)\n", red.Sessions.Store, red.Sessions.Dir)
	fmt.Fprintf(w, "  Metadata Store:    %s\n", red.Metadata.Store)
	fmt.Fprintf(w, "  Idle Timeout:      %s\n", red.Sessions.IdleTimeoutDuration())
	fmt.Fprintf(w, "  Operation Timeout: %s\n", red.Sessions.OperationTimeoutDuration())
	fmt.Fprintf(w, "  Identity Mode:     %s\n", red.Identity.Mode)
	fmt.Fprintf(w, "  Required Roles:    %v\n", red.Identity.RequiredRoles)
	fmt.Fprintf(w, "  Log Level:         %s\n", red.Log.Level)
	fmt.Fprintf(w, "  TLS Enabled:       %v\n", red.TLS.Enabled)
	fmt.Fprintf(w, "  Metrics:           %v (%s)\n", red.Metrics.Enabled, red.Metrics.Path)

	if cfg.Telegram.Enabled() {
		fmt.Fprintf(w, "\n  Telegram:          api_id %d, api_hash %s\n", red.Telegram.APIID, red.Telegram.APIHash)
	} else {
		fmt.Fprintln(w, "\n  Telegram:          [NOT SET] (bridge runs disabled)")
	}

	fmt.Fprintln(w, "\n✅ Ready to start daemon")

	return nil
}

func runSessionsList(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	sessions, err := adminClient().List(ctx)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(out(cmd), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "USER\tSTATE\tPHONE\tCREATED\tLAST ACTIVITY")
	for _, s := range sessions {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			s.UserID,
			s.State,
			logsanitize.MaskPhone(s.PhoneNumber),
			s.CreatedAt.Format(time.RFC3339),
			s.LastActivity.Format(time.RFC3339),
		)
	}
	return tw.Flush()
}

func runSessionsReap(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	var maxIdle *time.Duration
	if reapMaxIdle >= 0 {
		maxIdle = &reapMaxIdle
	}

	n, err := adminClient().Reap(ctx, maxIdle)
	if err != nil {
		return err
	}
	fmt.Fprintf(out(cmd), "reaped %d session(s)\n", n)
	return nil
}

func runSessionsDisconnect(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if err := adminClient().Disconnect(ctx, args[0]); err != nil {
		return err
	}
	fmt.Fprintf(out(cmd), "disconnected %s\n", args[0])
	return nil
}

// adminClient resolves the socket from --socket, then the config file,
// then the built-in default. A config that fails to load is not fatal here.
func adminClient() *ipc.Client {
	path := socketPath
	if path == "" {
		path = defaultSocketPath
		if cfg, err := config.Load(configFile); err == nil {
			path = cfg.Listen.Socket
		}
	}
	return ipc.NewClient(path)
}

func out(cmd *cobra.Command) io.Writer {
	if cmd == nil {
		return os.Stdout
	}
	return cmd.OutOrStdout()
}
