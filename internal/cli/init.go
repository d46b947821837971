package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/satchel/internal/config"
	"github.com/mesh-intelligence/satchel/internal/paths"
	"github.com/mesh-intelligence/satchel/internal/store"
)

type initOptions struct {
	backend string
	owner   string
	remote  string
}

func newInitCmd(a *app) *cobra.Command {
	var opts initOptions
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize satchel configuration and storage",
		Long: "Write config.yaml if it is missing, then create the data directory and\n" +
			"initialize the storage backend. An existing config.yaml is left untouched.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(cmd, a, opts)
		},
	}
	cmd.Flags().StringVar(&opts.backend, "backend", "", "storage backend: sqlite or bolt")
	cmd.Flags().StringVar(&opts.owner, "owner", "", "owner id written to the new config")
	cmd.Flags().StringVar(&opts.remote, "remote", "", "remote base URL written to the new config")
	return cmd
}

func runInit(cmd *cobra.Command, a *app, opts initOptions) error {
	configDir, err := paths.ResolveConfigDir(a.flags.configDir)
	if err != nil {
		return fmt.Errorf("resolve config dir: %w", err)
	}

	defaults := config.Default()
	if opts.backend != "" {
		defaults.Backend = opts.backend
	}
	defaults.DataDir = a.flags.dataDir
	defaults.OwnerID = opts.owner
	defaults.Remote.BaseURL = opts.remote
	if err := defaults.Validate(); err != nil {
		return err
	}

	written, err := config.WriteDefault(configDir, defaults)
	if err != nil {
		return err
	}

	cfg, _, err := a.loadConfig()
	if err != nil {
		return err
	}
	s, err := store.Open(cfg.Store())
	if err != nil {
		return fmt.Errorf("initialize storage: %w", err)
	}
	if err := s.Detach(); err != nil {
		return fmt.Errorf("finalize storage: %w", err)
	}

	out := cmd.OutOrStdout()
	if written {
		fmt.Fprintf(out, "Wrote %s/%s\n", configDir, paths.ConfigFileName)
	}
	fmt.Fprintf(out, "Satchel initialized (%s backend in %s)\n", cfg.Backend, cfg.DataDir)
	return nil
}
