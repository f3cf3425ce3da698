package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rendis/gastown/pkg/mcp"
)

func mcpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Expose read-only operator tools over MCP stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()

			st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()
			if err := st.Migrate(cmd.Context()); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			srv := mcp.NewServer(mcp.ServerDeps{Store: st, Logger: logger})
			return srv.Serve(ctx)
		},
	}
}
