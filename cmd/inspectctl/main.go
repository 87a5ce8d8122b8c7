package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cloudsentry/api/internal/cli"
	"github.com/cloudsentry/api/pkg/log"
)

func main() {
	level := os.Getenv("INSPECTCTL_LOG_LEVEL")
	if level == "" {
		level = "warn"
	}
	// stdout carries command output, logs go to stderr
	logger, err := log.InitLog(log.Options{Level: level, Output: "stderr"})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	undo := zap.ReplaceGlobals(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	command := NewInspectCtlCommand()
	err = command.ExecuteContext(ctx)

	cancel()
	_ = logger.Sync()
	undo()
	if err != nil {
		os.Exit(1)
	}
}

func NewInspectCtlCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspectctl [flags] [options]",
		Short: "inspectctl starts and follows cloud inspections.",
		Run: func(cmd *cobra.Command, args []string) {
			_ = cmd.Help()
			os.Exit(1)
		},
	}
	cmd.AddCommand(cli.NewCmdStart())
	cmd.AddCommand(cli.NewCmdWatch())

	return cmd
}
