// Package cli implements the satchel command-line interface.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/satchel/internal/config"
	"github.com/mesh-intelligence/satchel/internal/engine"
	"github.com/mesh-intelligence/satchel/internal/logging"
	"github.com/mesh-intelligence/satchel/internal/paths"
	"github.com/mesh-intelligence/satchel/pkg/types"
)

// Exit codes.
const (
	exitSuccess   = 0
	exitUserError = 1
	exitSysError  = 2
)

// rootFlags holds global flag values accessible to all subcommands.
type rootFlags struct {
	configDir string
	dataDir   string
	jsonMode  bool
}

// app carries the global flags into subcommands.
type app struct {
	flags rootFlags
}

// NewRootCmd creates the top-level "satchel" command with global flags
// and all subcommands registered.
func NewRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "satchel",
		Short: "Offline routine cache and workout sync queue",
		Long: "Satchel keeps selected workout routines, their exercises, and clips available\n" +
			"offline, and queues workout archive writes until the remote is reachable.",
		// Do not print usage on errors returned by subcommands.
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&a.flags.configDir, "config-dir", "", "configuration directory (default: $SATCHEL_CONFIG_DIR or the platform config dir)")
	root.PersistentFlags().StringVar(&a.flags.dataDir, "data-dir", "", "data directory (default: $SATCHEL_DATA_DIR, data_dir from config, or the platform data dir)")
	root.PersistentFlags().BoolVar(&a.flags.jsonMode, "json", false, "output in JSON format")

	root.AddCommand(
		newVersionCmd(a),
		newInitCmd(a),
		newEnableCmd(a),
		newDisableCmd(a),
		newStatusCmd(a),
		newRoutinesCmd(a),
		newMediaCmd(a),
		newStorageCmd(a),
		newCleanupCmd(a),
		newCheckCmd(a),
		newOutboxCmd(a),
		newRunCmd(a),
	)
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &userError{msg: err.Error()}
	})
	markArgErrors(root)
	return root
}

// markArgErrors makes argument validation failures user errors.
func markArgErrors(c *cobra.Command) {
	if validate := c.Args; validate != nil {
		c.Args = func(cmd *cobra.Command, args []string) error {
			if err := validate(cmd, args); err != nil {
				return &userError{msg: err.Error()}
			}
			return nil
		}
	}
	for _, sub := range c.Commands() {
		markArgErrors(sub)
	}
}

// Execute runs the root command and exits with the appropriate code.
func Execute() {
	root := NewRootCmd()
	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitCode(err))
	}
	os.Exit(exitSuccess)
}

// exitCode maps an error to exit code 1 for problems the user can fix and
// 2 for everything else.
func exitCode(err error) int {
	var ue *userError
	switch {
	case err == nil:
		return exitSuccess
	case errors.As(err, &ue),
		strings.HasPrefix(err.Error(), "unknown command"),
		errors.Is(err, types.ErrNotFound),
		errors.Is(err, types.ErrInvalidID),
		errors.Is(err, types.ErrInvalidData),
		errors.Is(err, types.ErrBackendEmpty),
		errors.Is(err, types.ErrBackendUnknown),
		errors.Is(err, config.ErrOwnerMissing),
		errors.Is(err, config.ErrRemoteMissing),
		errors.Is(err, config.ErrInvalidSetting):
		return exitUserError
	default:
		return exitSysError
	}
}

// userError marks bad input detected by the CLI itself.
type userError struct{ msg string }

func (e *userError) Error() string { return e.msg }

func userErrorf(format string, args ...any) error {
	return &userError{msg: fmt.Sprintf(format, args...)}
}

// loadConfig resolves the config and data directories and reads config.yaml.
func (a *app) loadConfig() (*config.Config, string, error) {
	configDir, err := paths.ResolveConfigDir(a.flags.configDir)
	if err != nil {
		return nil, "", fmt.Errorf("resolve config dir: %w", err)
	}
	cfg, err := config.Load(configDir)
	if err != nil {
		return nil, "", err
	}
	dataDir, err := paths.ResolveDataDir(a.flags.dataDir, cfg.DataDir)
	if err != nil {
		return nil, "", fmt.Errorf("resolve data dir: %w", err)
	}
	cfg.DataDir = dataDir
	if cfg.Logging.File == "" {
		cfg.Logging.File = filepath.Join(dataDir, "satchel.log")
	}
	return cfg, configDir, nil
}

// withEngine opens the engine for the duration of fn.
func (a *app) withEngine(fn func(cmd *cobra.Command, args []string, e *engine.Engine) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) (err error) {
		cfg, _, err := a.loadConfig()
		if err != nil {
			return err
		}
		logger, logCloser, err := logging.Setup(logging.Config{File: cfg.Logging.File, Level: cfg.Logging.Level})
		if err != nil {
			return err
		}
		defer logCloser.Close()

		e, err := engine.Open(*cfg, engine.WithLogger(logger))
		if err != nil {
			return err
		}
		defer func() {
			if cerr := e.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}()
		return fn(cmd, args, e)
	}
}

// readInput reads a file argument, or stdin when the name is "-".
func readInput(cmd *cobra.Command, name string) ([]byte, error) {
	if name == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	data, err := os.ReadFile(name)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, userErrorf("file %s does not exist", name)
		}
		return nil, err
	}
	return data, nil
}
