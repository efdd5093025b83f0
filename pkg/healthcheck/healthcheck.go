package healthcheck

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"os"
	"sync"
	"syscall"

	"github.com/pkg/errors"
	log "github.com/rs/zerolog"
)

// ReadyMsg is the first byte sent to the clients once the profiler is
// ready, followed by the ReadyInfo JSON line.
const ReadyMsg = 0x01

var ErrNotReady = errors.New("unexpected readiness message")

// ReadyInfo tells the waiting clients where the profiler can be queried.
type ReadyInfo struct {
	// Addr is the listen address of the report server.
	Addr string `json:"addr"`
	// Pid is the tracked process, 0 when not known yet.
	Pid int `json:"pid"`
}

// Server answers on a UNIX socket once the profiler is ready, so that
// scripts can wait for the probe to be attached before querying.
type Server struct {
	ln         net.Listener
	socketPath string

	ready     chan struct{}
	readyOnce sync.Once
	info      ReadyInfo

	logger log.Logger
}

func NewServer(socketPath string, logger log.Logger) *Server {
	return &Server{
		socketPath: socketPath,
		ready:      make(chan struct{}),
		logger:     logger.With().Str("component", "healthcheck").Logger(),
	}
}

// Listen replaces any stale socket and serves the clients until ctx
// is done or Close is called.
func (s *Server) Listen(ctx context.Context) error {
	os.Remove(s.socketPath)

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on UDS %s", s.socketPath)
	}
	s.ln = ln

	go s.serve(ctx)

	return nil
}

// Ready publishes info to the current and future clients. Only the
// first call counts.
func (s *Server) Ready(info ReadyInfo) {
	s.readyOnce.Do(func() {
		s.logger.Debug().Str("addr", info.Addr).Int("pid", info.Pid).Msg("marking readiness")
		s.info = info
		close(s.ready)
	})
}

// Close stops accepting the clients and removes the socket.
func (s *Server) Close() error {
	if s.ln != nil {
		if err := s.ln.Close(); err != nil {
			s.logger.Debug().Err(err).Msg("error closing listener")
		}
	}

	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		s.logger.Debug().Err(err).Msg("error removing socket")
		return err
	}

	return nil
}

func (s *Server) serve(ctx context.Context) {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				s.logger.Debug().Msg("stopping accepting connections")
				return
			}
			s.logger.Warn().Err(err).Msg("accept error")
			continue
		}

		go s.answer(ctx, conn)
	}
}

// answer holds conn until the profiler is ready.
func (s *Server) answer(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	select {
	case <-s.ready:
	case <-ctx.Done():
		return
	}

	msg, err := json.Marshal(s.info)
	if err != nil {
		s.logger.Warn().Err(err).Msg("error encoding readiness info")
		return
	}
	msg = append(append([]byte{ReadyMsg}, msg...), '\n')

	if _, err := conn.Write(msg); err != nil {
		// The client gave up waiting.
		if errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNRESET) {
			return
		}
		s.logger.Debug().Err(err).Msg("failed to write")
	}
}

// ReadReady reads the readiness message sent on conn.
func ReadReady(conn net.Conn) (ReadyInfo, error) {
	var info ReadyInfo

	r := bufio.NewReader(conn)
	first, err := r.ReadByte()
	if err != nil {
		return info, err
	}
	if first != ReadyMsg {
		return info, errors.Wrapf(ErrNotReady, "got 0x%02x", first)
	}

	line, err := r.ReadBytes('\n')
	if err != nil {
		return info, errors.Wrap(err, "error reading readiness info")
	}
	if err := json.Unmarshal(line, &info); err != nil {
		return info, errors.Wrap(err, "error decoding readiness info")
	}

	return info, nil
}
