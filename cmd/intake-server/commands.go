package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"intake/internal/config"
	"intake/internal/server/bootstrap"
)

type cli struct {
	configPath string
}

func newRootCommand() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:           "intake-server",
		Short:         "Receive tasks over MQTT, enrich them and store them",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          c.runServe,
	}
	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", "", "Path to a YAML config file")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the intake service until shutdown",
		RunE:  c.runServe,
	})
	root.AddCommand(&cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration with secrets masked",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(c.configPath)
			if err != nil {
				return err
			}
			return dumpConfig(cmd.OutOrStdout(), cfg)
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "Version: %s\n", version)
		},
	})
	return root
}

func (c *cli) runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return bootstrap.RunServer(ctx, cfg, bootstrap.Options{Version: version})
}

func dumpConfig(w io.Writer, cfg config.Config) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(cfg.Sanitized()); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return enc.Close()
}
