package state

import (
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	log "github.com/rs/zerolog"
	"go.uber.org/atomic"

	"github.com/maxgio92/xmem/pkg/history"
)

type Format string

const (
	FormatJSON  Format = "json"
	FormatPprof Format = "pprof"
)

var ErrUnknownFormat = errors.New("unknown dump format")

func ParseFormat(s string) (Format, error) {
	switch f := Format(s); f {
	case FormatJSON, FormatPprof:
		return f, nil
	default:
		return "", errors.Wrapf(ErrUnknownFormat, "%q", s)
	}
}

// Snapshotter produces a copy of the profiler state.
type Snapshotter interface {
	Snapshot() *history.Snapshot
}

// AtomicState is the process-wide dump toggle. The flag can be flipped
// from any goroutine, the dump itself is written by StoreDump.
type AtomicState struct {
	dump *atomic.Bool

	source Snapshotter
	pid    func() int
	path   string
	format Format
	now    func() time.Time
	logger log.Logger
}

type Option func(*AtomicState)

func WithLogger(logger log.Logger) Option {
	return func(s *AtomicState) {
		s.logger = logger
	}
}

func WithDumpPath(path string) Option {
	return func(s *AtomicState) {
		s.path = path
	}
}

func WithDumpFormat(format Format) Option {
	return func(s *AtomicState) {
		s.format = format
	}
}

func WithDumpEnabled(enabled bool) Option {
	return func(s *AtomicState) {
		s.dump.Store(enabled)
	}
}

// WithPid sets the function reporting the tracked pid in dumps.
func WithPid(pid func() int) Option {
	return func(s *AtomicState) {
		s.pid = pid
	}
}

func New(source Snapshotter, opts ...Option) *AtomicState {
	s := &AtomicState{
		dump:   atomic.NewBool(false),
		source: source,
		pid:    func() int { return 0 },
		format: FormatJSON,
		now:    time.Now,
		logger: log.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With().Str("component", "state").Logger()

	return s
}

func (s *AtomicState) EnableDump() {
	s.dump.Store(true)
}

func (s *AtomicState) DisableDump() {
	s.dump.Store(false)
}

func (s *AtomicState) DumpEnabled() bool {
	return s.dump.Load()
}

// StoreDump writes the current state to the dump path when the dump is
// enabled. It reports whether a dump has been written.
func (s *AtomicState) StoreDump() (bool, error) {
	if !s.DumpEnabled() {
		s.logger.Debug().Msg("dump disabled, skipping")
		return false, nil
	}
	if s.path == "" {
		return false, errors.New("dump path not set")
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return false, errors.Wrap(err, "error creating dump directory")
	}
	f, err := os.Create(s.path)
	if err != nil {
		return false, errors.Wrap(err, "error creating dump file")
	}
	defer f.Close()

	snap := s.source.Snapshot()
	now := s.now()
	switch s.format {
	case FormatPprof:
		err = NewProfile(snap, now).Write(f)
	default:
		err = NewDumpReport(
			WithReportPid(s.pid()),
			WithReportTime(now),
			WithReportSnapshot(snap),
		).WriteReport(f)
	}
	if err != nil {
		return false, errors.Wrapf(err, "error writing %s dump", s.format)
	}

	s.logger.Info().Str("path", s.path).Str("format", string(s.format)).
		Int("units", len(snap.Units)).Msg("dump stored")

	return true, nil
}
