package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/MegaGrindStone/signeo-mcp"
)

func newStdioCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stdio",
		Short: "Serve one MCP session over stdin and stdout",
		Long: "Serve one MCP session over stdin and stdout, for clients that launch the server " +
			"as a subprocess. Logs go to stderr.",
		Args: cobra.NoArgs,
		RunE: runStdio,
	}
}

func runStdio(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.Log, cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	stdio := mcp.NewStdioServer(a.manager, mcp.WithStdioLogger(logger))
	return a.run(ctx, func(ctx context.Context) error {
		return stdio.Serve(ctx, cmd.InOrStdin(), cmd.OutOrStdout())
	})
}
