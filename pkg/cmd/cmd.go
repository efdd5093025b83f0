package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/maxgio92/xmem/internal/settings"
	"github.com/maxgio92/xmem/pkg/cmd/common"
	"github.com/maxgio92/xmem/pkg/cmd/run"
	"github.com/maxgio92/xmem/pkg/cmd/status"
	"github.com/maxgio92/xmem/pkg/cmd/stop"
	"github.com/maxgio92/xmem/pkg/cmd/tree"
	"github.com/maxgio92/xmem/pkg/cmd/wait"
)

const logLevelInfo = "info"

func NewCommand(o *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   settings.CmdName,
		Short: fmt.Sprintf("%s is a live memory allocation profiler", settings.CmdName),
		Long: fmt.Sprintf(`
%s is a live memory allocation profiler for Linux.
It traces the kernel page, slab, per-CPU, page cache and RSS events of a process with eBPF,
and attributes the memory still allocated to the call paths that allocated it.
`, settings.CmdName),
		DisableAutoGenTag: true,
	}
	cmd.PersistentFlags().StringVar(&o.LogLevel, common.LogLevelFlag, logLevelInfo, "Set the log level (trace, debug, info, warn, error, fatal, panic)")

	cmd.AddCommand(run.NewCommand(run.NewOptions(
		run.WithProbe(o.Probe),
		run.WithProbePath(o.ProbePath),
		run.WithContext(o.Ctx),
		run.WithLogger(o.Logger),
	)))
	cmd.AddCommand(status.NewCommand(status.NewOptions(
		status.WithContext(o.Ctx),
		status.WithLogger(o.Logger),
	)))
	cmd.AddCommand(stop.NewCommand(stop.NewOptions(
		stop.WithContext(o.Ctx),
		stop.WithLogger(o.Logger),
	)))
	cmd.AddCommand(wait.NewCommand(wait.NewOptions(
		wait.WithContext(o.Ctx),
		wait.WithLogger(o.Logger),
	)))
	cmd.AddCommand(tree.NewCommand(tree.NewOptions(
		tree.WithContext(o.Ctx),
		tree.WithLogger(o.Logger),
	)))

	return cmd
}

func Execute(probe []byte, probePath string) {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := log.New(
		log.ConsoleWriter{Out: os.Stderr},
	).With().Timestamp().Logger()

	opts := NewOptions(
		WithProbe(probe),
		WithProbePath(probePath),
		WithContext(ctx),
		WithLogger(logger),
	)

	if err := NewCommand(opts).Execute(); err != nil {
		cancel()
		os.Exit(1)
	}
}
