// Package cli provides the affinityctl command-line interface.
package cli

import (
	"fmt"
	"os"

	"github.com/danmuck/affinity/internal/config"
	"github.com/danmuck/affinity/internal/logging"
	"github.com/danmuck/affinity/internal/service"
	"github.com/spf13/cobra"
)

// Version information (set at build time).
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
)

func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "affinityctl",
		Short: "Owner-loop runtime for weak handle dispatch",
		PersistentPreRun: func(*cobra.Command, []string) {
			logging.ConfigureRuntime()
		},
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetVersionTemplate("{{.Name}} {{.Version}}\n")

	root.AddCommand(newRunCommand())
	root.AddCommand(newConfigCommand())
	root.AddCommand(newVersionCommand())
	return root
}

func Execute() error {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "affinityctl: %v\n", err)
		return err
	}
	return nil
}

func newRunCommand() *cobra.Command {
	var (
		cfgPath  string
		httpAddr string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the owner loop, workers and HTTP surface",
		Example: `  affinityctl run
  affinityctl run --config affinity.toml --http :9400`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sc, err := resolveServiceConfig(cfgPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("http") {
				sc.HTTPAddr = httpAddr
			}
			return service.NewServiceWithConfig(sc).Run()
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to a TOML config file")
	cmd.Flags().StringVar(&httpAddr, "http", "", "HTTP listen address (empty disables the server)")
	return cmd
}

// resolveServiceConfig loads path when given and applies its log level.
func resolveServiceConfig(path string) (service.ServiceConfig, error) {
	cfg := config.Default()
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return service.ServiceConfig{}, err
		}
		cfg = loaded
	}
	if cfg.LogLevel != "" {
		logging.ApplyConfiguredLevel(cfg.LogLevel)
	}
	return service.FromConfig(cfg, path), nil
}

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Create and check config files",
	}

	var (
		output string
		force  bool
	)
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a config template",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if output == "-" {
				_, err := fmt.Fprint(cmd.OutOrStdout(), config.Template())
				return err
			}
			if err := config.WriteTemplate(output, force); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", output)
			return nil
		},
	}
	initCmd.Flags().StringVarP(&output, "output", "o", "affinity.toml", "destination path, or - for stdout")
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	var input string
	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Load and validate a config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(input)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s: ok name=%q workers=%d\n", input, cfg.Name, len(cfg.Workers))
			return nil
		},
	}
	validateCmd.Flags().StringVarP(&input, "input", "i", "affinity.toml", "config file to validate")

	cmd.AddCommand(initCmd, validateCmd)
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, _ []string) {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "affinityctl v%s (%s)\n", Version, GitCommit)
		},
	}
}
