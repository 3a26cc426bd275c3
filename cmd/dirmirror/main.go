// Package main implements the dirmirror command-line tool for mirroring a directory tree.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/BurntSushi/toml"
	"github.com/cockroachdb/errors"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/mirrorctl/dirmirror/internal/mirror"
)

var (
	// Build information - can be set via build flags
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"

	// Command-line flags
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "dirmirror",
	Short: "Keep a replica directory an exact copy of a source directory",
	Long: `dirmirror makes a replica directory an exact copy of a source directory and
repeats the synchronization on a fixed interval until it is stopped.

Every created, updated or deleted entry is printed and appended to a file
named "Log" in the log directory.`,
	SilenceUsage: true,
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Mirror the source directory into the replica directory",
	Long: `Mirrors the source directory into the replica directory every interval seconds.

Usage:
  # Synchronize every minute
  dirmirror sync --source /data --replica /backup/data --log-file /var/log/dirmirror --interval 60

  # Run a single pass and exit
  dirmirror sync --source /data --replica /backup/data --log-file /var/log/dirmirror --once

  # Read settings from a configuration file
  dirmirror sync --config /etc/dirmirror.toml

Press Ctrl+C to stop.

If a directory does not exist, or the log directory lies inside the source
or replica, a message is printed and dirmirror exits with status 1 before
any pass runs or any log file is written.`,
	Args: cobra.NoArgs,
	Run:  runSync,
}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check that the replica matches the source",
	Long: `Compares the source and replica trees entry by entry and file contents by
SHA-256 digest. Nothing is modified. Exits with status 1 on any mismatch.`,
	Args: cobra.NoArgs,
	Run:  runVerify,
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration",
	Long:  `Validate the configuration file, environment and flags and report any issues.`,
	Args:  cobra.NoArgs,
	Run:   runValidate,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  "Print version information including build details",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Printf("dirmirror %s\n", version)
		fmt.Printf("commit: %s\n", commit)
		fmt.Printf("built: %s\n", buildDate)
	},
}

// wordSepNormalizeFunc lets --log_file and --log-file name the same flag.
func wordSepNormalizeFunc(_ *pflag.FlagSet, name string) pflag.NormalizedName {
	return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
}

func addPathFlags(cmd *cobra.Command) {
	cmd.Flags().String("source", "", "path to the source directory")
	cmd.Flags().String("replica", "", "path to the replica directory")
	cmd.Flags().String("log-file", "", "directory in which the \"Log\" file is written")
	cmd.Flags().Int("interval", 0, "synchronization interval in seconds")
	cmd.Flags().Bool("fsync", false, "fsync replica directories after every pass")
}

func init() {
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(versionCmd)

	rootCmd.SetGlobalNormalizationFunc(wordSepNormalizeFunc)

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "configuration file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "override log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("verbose-errors", false, "show detailed error information including stack traces")
	rootCmd.PersistentFlags().BoolP("quiet", "q", false, "suppress all output except for errors")

	addPathFlags(syncCmd)
	addPathFlags(validateCmd)
	addPathFlags(verifyCmd)
	syncCmd.Flags().Bool("once", false, "run a single pass and exit")
	verifyCmd.Flags().Int("workers", 0, "number of files compared concurrently (default GOMAXPROCS)")
}

// formatError returns a human-friendly error message, optionally with stack trace
func formatError(err error, verbose bool) string {
	if verbose {
		return fmt.Sprintf("%+v", err) // Full details with stack trace
	}

	flattened := errors.FlattenDetails(err)
	if flattened != "" {
		return flattened
	}

	return err.Error()
}

// formatUndecodedError builds a user-friendly error message for undecoded TOML keys
func formatUndecodedError(undecoded []toml.Key) string {
	keys := make([]string, 0, len(undecoded))
	for _, key := range undecoded {
		keys = append(keys, key.String())
	}
	return "configuration contains unknown keys: " + strings.Join(keys, ", ")
}

// validationMessage maps a failed path check to the message printed at startup.
func validationMessage(err error) string {
	switch {
	case errors.Is(err, mirror.ErrSourceMissing):
		return "The source directory path does not exist"
	case errors.Is(err, mirror.ErrReplicaMissing):
		return "The replica directory path does not exist"
	case errors.Is(err, mirror.ErrLogDirMissing):
		return "The log file path does not exist"
	case errors.Is(err, mirror.ErrBadInterval):
		return "The interval must be a positive number of seconds"
	case errors.Is(err, mirror.ErrOverlap):
		return "The source and replica directories must not contain each other"
	case errors.Is(err, mirror.ErrLogDirOverlap):
		return "The log file path must be outside the source and replica directories"
	}
	return ""
}

// loadConfig builds the configuration from, in increasing precedence,
// defaults, the configuration file, DIRMIRROR_* variables and flags.
func loadConfig(cmd *cobra.Command) (*mirror.Config, error) {
	config := mirror.NewConfig()

	if configPath != "" {
		meta, err := toml.DecodeFile(configPath, config)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, errors.Wrap(err, "configuration file not found")
			}
			return nil, errors.Wrap(err, "failed to decode config file")
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return nil, errors.New(formatUndecodedError(undecoded))
		}
	}

	if err := config.ApplyEnvironmentVariables(); err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("source") {
		config.Source, _ = flags.GetString("source")
	}
	if flags.Changed("replica") {
		config.Replica, _ = flags.GetString("replica")
	}
	if flags.Changed("log-file") {
		config.LogDir, _ = flags.GetString("log-file")
	}
	if flags.Changed("interval") {
		config.Interval, _ = flags.GetInt("interval")
	}
	if flags.Changed("fsync") {
		config.Fsync, _ = flags.GetBool("fsync")
	}

	if err := config.ExpandPaths(); err != nil {
		return nil, err
	}

	if err := config.Log.Apply(); err != nil {
		return nil, err
	}
	if logLevel != "" {
		config.Log.Level = logLevel
		if err := config.Log.Apply(); err != nil {
			return nil, errors.Wrapf(err, "command-line log level %q", logLevel)
		}
		slog.Debug("log level successfully overridden from command line", "level", logLevel)
	}
	if quiet, _ := cmd.Flags().GetBool("quiet"); quiet {
		config.Log.Level = "error"
		if err := config.Log.Apply(); err != nil {
			return nil, err
		}
	}

	return config, nil
}

// mustLoadConfig loads and checks the configuration or exits.
func mustLoadConfig(cmd *cobra.Command) *mirror.Config {
	verboseErrors, _ := cmd.Flags().GetBool("verbose-errors")

	config, err := loadConfig(cmd)
	if err != nil {
		slog.Error("failed to load configuration", "error", formatError(err, verboseErrors), "path", configPath)
		os.Exit(1)
	}

	if err := config.Check(); err != nil {
		if msg := validationMessage(err); msg != "" {
			fmt.Println(msg)
		} else {
			slog.Error("configuration check failed", "error", formatError(err, verboseErrors))
		}
		os.Exit(1)
	}
	return config
}

func runSync(cmd *cobra.Command, _ []string) {
	verboseErrors, _ := cmd.Flags().GetBool("verbose-errors")
	once, _ := cmd.Flags().GetBool("once")
	config := mustLoadConfig(cmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := mirror.Run(ctx, config, mirror.RunOptions{Once: once})
	if err != nil {
		if errors.Is(err, mirror.ErrLocked) {
			slog.Error("log directory is locked by another process", "dir", config.LogDir)
			os.Exit(1)
		}
		slog.Error("synchronization failed", "error", formatError(err, verboseErrors))
		if !verboseErrors {
			slog.Info("run with --verbose-errors for detailed stack traces")
		}
		os.Exit(1)
	}
}

func runVerify(cmd *cobra.Command, _ []string) {
	verboseErrors, _ := cmd.Flags().GetBool("verbose-errors")
	quiet, _ := cmd.Flags().GetBool("quiet")
	workers, _ := cmd.Flags().GetInt("workers")
	config := mustLoadConfig(cmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := mirror.VerifyOptions{Workers: workers}
	if !quiet {
		opts.Progress = os.Stderr
	}

	report, err := mirror.Verify(ctx, afero.NewOsFs(), config.Source, config.Replica, opts)
	if err != nil {
		slog.Error("verification failed", "error", formatError(err, verboseErrors))
		os.Exit(1)
	}

	for _, m := range report.Mismatches {
		fmt.Printf("%s: %s\n", m.Path, m.Reason)
	}
	if !report.OK() {
		slog.Error("replica does not match source",
			"entries", report.Entries, "compared", report.Compared, "mismatches", len(report.Mismatches))
		os.Exit(1)
	}
	slog.Info("replica matches source", "entries", report.Entries, "compared", report.Compared)
}

func runValidate(cmd *cobra.Command, _ []string) {
	verboseErrors, _ := cmd.Flags().GetBool("verbose-errors")

	config, err := loadConfig(cmd)
	if err != nil {
		slog.Error("failed to load configuration", "error", formatError(err, verboseErrors), "path", configPath)
		os.Exit(1)
	}

	if err := config.Check(); err != nil {
		slog.Error("the configuration is not valid", "error", formatError(err, verboseErrors))
		os.Exit(1)
	}

	slog.Info("the configuration passes validation checks",
		"source", config.Source, "replica", config.Replica, "log_dir", config.LogDir, "interval", config.Interval)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
