package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/redbco/hana-cdc/internal/config"
	"github.com/redbco/hana-cdc/pkg/cdc"
	"github.com/redbco/hana-cdc/pkg/keyring"
	"github.com/redbco/hana-cdc/pkg/logger"
)

// Exit codes.
const (
	exitOK             = 0
	exitFailure        = 1
	exitUsage          = 2
	exitInfrastructure = 3
	exitIntrospection  = 4
)

var (
	configFile string
	logLevel   string

	// Build information, set with -ldflags "-X main.Version=..."
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// usageError marks invalid arguments.
type usageError struct {
	err error
}

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

// noArgs rejects positional arguments as a usage error.
func noArgs(cmd *cobra.Command, args []string) error {
	if err := cobra.NoArgs(cmd, args); err != nil {
		return usageError{err}
	}
	return nil
}

func usagef(format string, args ...interface{}) error {
	return usageError{fmt.Errorf(format, args...)}
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "hanacdc",
	Short: "Trigger-based change data capture for SAP HANA",
	Long: "hanacdc installs shadow tables and triggers in an SAP HANA database and streams the captured " +
		"row changes of each monitored table to a sink, tracking progress per consumer client.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default: ./hanacdc.yaml if present)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error (overrides log_level)")
	rootCmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError{err}
	})

	setupCommands()
}

func main() {
	os.Exit(execute(context.Background()))
}

func execute(ctx context.Context) int {
	err := rootCmd.ExecuteContext(ctx)
	if err == nil {
		return exitOK
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	return exitCode(err)
}

// exitCode maps an error onto the process exit status.
func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var usage usageError
	if errors.As(err, &usage) {
		return exitUsage
	}
	switch cdc.KindOf(err) {
	case cdc.ConfigurationError:
		return exitUsage
	case cdc.InfrastructureError:
		return exitInfrastructure
	case cdc.IntrospectionError:
		return exitIntrospection
	}
	return exitFailure
}

// printVersionInfo displays detailed version information
func printVersionInfo() {
	fmt.Printf("hanacdc %s\n", Version)
	fmt.Printf("Built: %s, from commit: %s\n", BuildTime, GitCommit)
	fmt.Printf("Go version: %s\n", runtime.Version())
	fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
}

func newKeyring() *keyring.KeyringManager {
	return keyring.NewKeyringManager(keyring.GetDefaultKeyringPath(), keyring.GetMasterPasswordFromEnv())
}

// loadConfig reads the configuration file and environment. The engine section is validated
// by the caller once command flags have been applied.
func loadConfig() (*config.File, error) {
	f, err := config.NewLoader(newKeyring()).Load(configFile)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		f.LogLevel = logLevel
	}
	return f, nil
}

func newLogger(level string) (*logger.Logger, error) {
	log := logger.New("hanacdc", Version)
	if level == "" {
		return log, nil
	}
	if err := log.SetLevel(level); err != nil {
		return nil, cdc.NewConfigurationError("log_level", err.Error())
	}
	return log, nil
}

// setup loads and validates the configuration and creates the logger.
func setup() (*config.File, *logger.Logger, error) {
	f, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	if err := f.Config.Validate(); err != nil {
		return nil, nil, err
	}
	log, err := newLogger(f.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	return f, log, nil
}
