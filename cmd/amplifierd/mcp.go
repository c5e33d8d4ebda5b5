package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/amplifierd/internal/mcp"
)

func newMCPCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve MCP tools on stdio",
		Long: `Serve amplifierd's sessions, notification summaries and device pushes
as MCP tools over stdin/stdout. Services run in-process; logs go to stderr.

Examples:
  # Register with an MCP client
  amplifierd mcp --config ~/.config/amplifierd/config.yaml`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runMCP(cmd.Context(), *configPath)
		},
	}
}

func runMCP(ctx context.Context, configPath string) (err error) {
	rt, err := bootstrap(ctx, configPath, true)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, rt.close()) }()

	if err := rt.services.Start(ctx); err != nil {
		return fmt.Errorf("failed to start services: %w", err)
	}

	srv, err := mcp.NewServer(&mcp.Config{
		Name:    "amplifierd",
		Version: version,
		Logger:  rt.logger.Underlying().Named("mcp"),
	}, rt.services)
	if err != nil {
		return err
	}

	fmt.Fprintln(os.Stderr, "amplifierd MCP server started on stdio")
	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
