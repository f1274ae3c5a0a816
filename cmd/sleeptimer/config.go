package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"sleeptimer/internal/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Config helpers"}
	cmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Load and validate the config file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			cfg, err := config.NewConfigManager(cfgPath).Load()
			if err != nil {
				return err
			}
			if err := config.Validate(cfg); err != nil {
				return err
			}
			if _, err := cfg.SchedulerSettings(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok: transport=%s prefix=%q\n", cfg.TransportName(), cfg.CommandPrefix())
			return nil
		},
	})
	return cmd
}
