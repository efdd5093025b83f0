package run

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/maxgio92/xmem/internal/settings"
	"github.com/maxgio92/xmem/pkg/cmd/common"
	"github.com/maxgio92/xmem/pkg/history"
	"github.com/maxgio92/xmem/pkg/probe"
	"github.com/maxgio92/xmem/pkg/profiler"
	"github.com/maxgio92/xmem/pkg/stack"
	"github.com/maxgio92/xmem/pkg/state"
)

const (
	CmdName = "run"

	configFlag = "config"
	detachFlag = "detach"
	probeFlag  = "probe"
)

func NewCommand(o *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   CmdName,
		Short: "Run the memory allocation profiler",
		Long: fmt.Sprintf(`
%s loads the kernel probe and profiles the memory allocations of the traced process.
The live allocation tree is served over HTTP until the profiler is interrupted.
`, CmdName),
		DisableAutoGenTag: true,
		RunE:              o.Run,
	}

	probePath := o.probePath
	if probePath == "" {
		probePath = settings.ObjectPath
	}

	cmd.Flags().StringVar(&o.configPath, configFlag, "", "Path to a config file (YAML, JSON or TOML)")
	cmd.Flags().BoolVarP(&o.detach, detachFlag, "d", false, fmt.Sprintf("Run %s as daemon", settings.CmdName))

	cmd.Flags().String(probeFlag, probePath, "Path to the probe object")
	cmd.Flags().String("listen", settings.ListenAddr, "Address of the HTTP report server")
	cmd.Flags().Duration("refresh-interval", stack.DefaultRefreshInterval, "Memory map refresh interval")
	cmd.Flags().Bool("dump", false, "Store a dump on exit")
	cmd.Flags().String("dump-path", settings.DumpPath, "Path of the dump")
	cmd.Flags().String("dump-format", string(state.FormatJSON), "Format of the dump (json, pprof)")
	cmd.Flags().Bool("status", false, "Periodically print a status of the profiler")
	cmd.Flags().Bool("demangle", false, "Demangle C++ and Rust symbols")
	cmd.Flags().Int("symbol-cache-size", stack.DefaultSymbolCacheSize, "Number of symbol tables kept in memory")
	cmd.Flags().Int("path-cache-size", history.DefaultPathCacheSize, "Number of resolved stacks kept in memory")
	cmd.Flags().String("proc", "", "Mount point of procfs (default /proc)")
	cmd.Flags().Int("pid", 0, "PID to track before the probe reports one")

	return cmd
}

func (o *Options) Run(cmd *cobra.Command, _ []string) error {
	if o.detach {
		return o.daemonize(cmd)
	}

	var err error
	o.Logger, err = common.SetupLogger(cmd, o.Logger)
	if err != nil {
		return err
	}

	cfg, err := LoadConfig(cmd.Flags(), o.configPath)
	if err != nil {
		return err
	}
	opts, err := cfg.ProfilerOptions(o.Logger)
	if err != nil {
		return err
	}

	probeOpts := []probe.Option{
		probe.WithLogger(o.Logger),
		probe.WithOptionalPrograms(cfg.OptionalPrograms...),
	}
	if len(o.probe) > 0 && !cmd.Flags().Changed(probeFlag) {
		probeOpts = append(probeOpts, probe.WithObjectData(o.probe))
	} else {
		probeOpts = append(probeOpts, probe.WithObjectPath(cfg.Probe))
	}

	// Store PID file.
	if err := os.WriteFile(settings.PidFile, []byte(strconv.Itoa(os.Getpid())), 0644); err != nil {
		o.Logger.Warn().Err(err).Msg("failed to write PID file")
	}
	defer os.Remove(settings.PidFile)

	p := profiler.NewProfiler(append(opts, profiler.WithSource(probe.NewProbe(probeOpts...)))...)
	if err := p.Init(o.Ctx); err != nil {
		return errors.Wrap(err, "failed to init profiler")
	}
	if err := p.Run(o.Ctx); err != nil {
		return errors.Wrap(err, "failed to run profiler")
	}

	return nil
}

// daemonArgs returns the arguments of the daemon process: the flags set
// on the command line, without detach.
func daemonArgs(flags *pflag.FlagSet) []string {
	args := []string{CmdName}
	flags.Visit(func(f *pflag.Flag) {
		if f.Name == detachFlag {
			return
		}
		args = append(args, fmt.Sprintf("--%s=%s", f.Name, f.Value.String()))
	})

	return args
}

func (o *Options) daemonize(cmd *cobra.Command) error {
	// Check if already running.
	if common.IsDaemonRunning() {
		fmt.Fprintf(cmd.OutOrStdout(), "%s already running\n", settings.CmdName)
		return nil
	}

	// Start the daemon process.
	daemon := exec.Command(os.Args[0], daemonArgs(cmd.Flags())...)
	daemon.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	// Redirect output to log file.
	if settings.LogFile != "" {
		f, err := os.OpenFile(settings.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			o.Logger.Error().Err(err).Msg("failed to open log file")
			return err
		}
		defer f.Close()
		daemon.Stdout = f
		daemon.Stderr = f
	}

	if err := daemon.Start(); err != nil {
		o.Logger.Error().Err(err).Msgf("failed to start %s", settings.CmdName)
		return err
	}

	// Store PID file.
	if err := os.WriteFile(settings.PidFile, []byte(strconv.Itoa(daemon.Process.Pid)), 0644); err != nil {
		o.Logger.Error().Err(err).Msg("failed to write PID file")
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s started (PID %d)\n", settings.CmdName, daemon.Process.Pid)

	return nil
}
