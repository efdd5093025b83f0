package wait

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	log "github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"

	"github.com/maxgio92/xmem/pkg/cmd/common"
	"github.com/maxgio92/xmem/pkg/healthcheck"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := &cobra.Command{Use: "xmem", SilenceUsage: true, SilenceErrors: true}
	root.PersistentFlags().String(common.LogLevelFlag, "info", "")
	root.AddCommand(NewCommand(NewOptions(
		WithContext(context.Background()),
		WithLogger(log.New(log.NewTestWriter(t))),
	)))
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs(append([]string{CmdName}, args...))
	err := root.Execute()

	return out.String(), err
}

func TestWaitReady(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "xmem.sock")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hc := healthcheck.NewServer(sock, log.Nop())
	require.NoError(t, hc.Listen(ctx))
	defer hc.Close()
	hc.Ready(healthcheck.ReadyInfo{Addr: "127.0.0.1:8080", Pid: 4242})

	out, err := execute(t, "--socket-path", sock, "--timeout", "10s")
	require.NoError(t, err)
	require.Equal(t, "http://127.0.0.1:8080\n", out)
}

func TestWaitTimeout(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "xmem.sock")
	_, err := execute(t, "--socket-path", sock, "--timeout", "1s")
	require.ErrorIs(t, err, ErrTimeout)
}

func TestWaitNotASocket(t *testing.T) {
	path := filepath.Join(t.TempDir(), "xmem.sock")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	_, err := execute(t, "--socket-path", path, "--timeout", "10s")
	require.ErrorContains(t, err, "not a Unix socket")
}

func TestWaitInvalidLogLevel(t *testing.T) {
	_, err := execute(t, "--log-level", "verbose", "--timeout", "1s")
	require.ErrorContains(t, err, "invalid log level")
}
