package common

import (
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	log "github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/maxgio92/xmem/internal/settings"
)

const LogLevelFlag = "log-level"

// ReadPid returns the daemon PID stored in the PID file.
func ReadPid() (int, error) {
	pidData, err := os.ReadFile(settings.PidFile)
	if err != nil {
		return 0, err
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(pidData)))
	if err != nil {
		return 0, errors.Wrap(err, "invalid PID file")
	}

	return pid, nil
}

func IsDaemonRunning() bool {
	pid, err := ReadPid()
	if err != nil {
		return false
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	// Check if process exists
	return process.Signal(syscall.Signal(0)) == nil
}

// SetupLogger returns logger at the level of the log-level flag.
func SetupLogger(cmd *cobra.Command, logger log.Logger) (log.Logger, error) {
	logLevel, err := cmd.Flags().GetString(LogLevelFlag)
	if err != nil {
		return logger, errors.Wrap(err, "failed to get log level")
	}

	level, err := log.ParseLevel(logLevel)
	if err != nil {
		return logger, errors.Wrapf(err, "invalid log level %q", logLevel)
	}

	return logger.Level(level), nil
}
