package wait

import (
	"fmt"
	"net"
	"os"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/maxgio92/xmem/internal/settings"
	"github.com/maxgio92/xmem/pkg/cmd/common"
	"github.com/maxgio92/xmem/pkg/healthcheck"
)

const (
	CmdName = "wait"

	retryInterval = 500 * time.Millisecond
)

var ErrTimeout = errors.New("timeout waiting for profiler readiness")

func NewCommand(o *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:               CmdName,
		Short:             fmt.Sprintf("Wait for the %s profiler to be ready", settings.CmdName),
		DisableAutoGenTag: true,
		RunE:              o.Run,
	}

	socketPath := o.socketPath
	if socketPath == "" {
		socketPath = settings.HealthCheckSockPath
	}
	cmd.Flags().StringVarP(&o.socketPath, "socket-path", "s", socketPath, fmt.Sprintf("Path to the %s socket file", settings.CmdName))
	cmd.Flags().DurationVar(&o.timeout, "timeout", time.Second*120, "Timeout")

	return cmd
}

func (o *Options) Run(cmd *cobra.Command, _ []string) error {
	logger, err := common.SetupLogger(cmd, o.Logger)
	if err != nil {
		return err
	}
	o.Logger = logger.With().Str("component", "wait").Logger()

	start := time.Now()
	o.Logger.Info().Msg("waiting for the profiler to be ready")

	for {
		if time.Since(start) >= o.timeout {
			return ErrTimeout
		}

		info, err := o.poll()
		if err != nil {
			return err
		}
		if info != nil {
			o.Logger.Info().Str("addr", info.Addr).Int("pid", info.Pid).Msg("profiler is ready")
			fmt.Fprintf(cmd.OutOrStdout(), "http://%s\n", info.Addr)
			return nil
		}

		time.Sleep(retryInterval)
	}
}

// poll returns the readiness info, nil when the profiler is not ready
// yet. Errors are returned only when retrying cannot help.
func (o *Options) poll() (*healthcheck.ReadyInfo, error) {
	// Check if socket exists.
	fi, err := os.Stat(o.socketPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "error checking socket")
	}

	if fi.Mode()&os.ModeSocket == 0 {
		return nil, errors.Errorf("path exists but is not a Unix socket: %s", o.socketPath)
	}

	// Try to connect.
	conn, err := net.DialTimeout("unix", o.socketPath, retryInterval)
	if err != nil {
		if errors.Is(err, syscall.EACCES) {
			return nil, errors.Wrap(err, "failed connecting")
		}
		return nil, nil
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(retryInterval))
	info, err := healthcheck.ReadReady(conn)
	if err != nil {
		// Not ready yet, or the profiler is going away.
		return nil, nil
	}

	return &info, nil
}
