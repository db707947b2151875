package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/xkilldash9x/deskhand/internal/config"
	"github.com/xkilldash9x/deskhand/internal/observability"
	"github.com/xkilldash9x/deskhand/internal/tools"
)

// newToolsCmd creates the `tools` command, which connects to the configured
// tool providers and lists what the agent can invoke.
func newToolsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "Lists the tools the configured providers expose",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			cfg, err := config.NewConfigFromViper(viper.GetViper())
			if err != nil {
				return err
			}

			if len(cfg.Tools().Providers) == 0 {
				cmd.Println("No tool providers configured. Add entries under tools.providers in the config file.")
				return nil
			}

			gateway := tools.NewGateway(cfg.Tools(), logger)
			if err := gateway.Start(ctx); err != nil {
				return fmt.Errorf("failed to start tool gateway: %w", err)
			}
			defer gateway.Close()

			infos := gateway.Tools()
			if len(infos) == 0 {
				cmd.Println("No tools available. All configured providers failed to start or exposed nothing.")
				return nil
			}

			cmd.Printf("%d tool(s) available:\n", len(infos))
			for _, info := range infos {
				if info.Description != "" {
					cmd.Printf("  %-40s %s\n", info.Name, info.Description)
				} else {
					cmd.Printf("  %s\n", info.Name)
				}
			}
			return nil
		},
	}
}
