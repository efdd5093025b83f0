package profiler

import (
	"time"

	log "github.com/rs/zerolog"

	"github.com/maxgio92/xmem/pkg/consumer"
	"github.com/maxgio92/xmem/pkg/state"
)

type Options struct {
	layouts []consumer.Layout

	listenAddr      string
	refreshInterval time.Duration
	procPath        string
	pid             int

	dump       bool
	dumpPath   string
	dumpFormat state.Format

	status          bool
	demangle        bool
	symbolCacheSize int
	pathCacheSize   int

	healthCheckSockPath string

	logger log.Logger
}

type Option func(*Profiler)

// WithSource sets the source of raw records, usually the kernel probe.
func WithSource(source Source) Option {
	return func(p *Profiler) {
		p.source = source
	}
}

func WithLayouts(layouts []consumer.Layout) Option {
	return func(p *Profiler) {
		p.layouts = layouts
	}
}

func WithListenAddr(addr string) Option {
	return func(p *Profiler) {
		p.listenAddr = addr
	}
}

func WithRefreshInterval(interval time.Duration) Option {
	return func(p *Profiler) {
		p.refreshInterval = interval
	}
}

// WithProcPath sets the procfs mount point.
func WithProcPath(path string) Option {
	return func(p *Profiler) {
		p.procPath = path
	}
}

func WithPid(pid int) Option {
	return func(p *Profiler) {
		p.pid = pid
	}
}

func WithDump(enabled bool) Option {
	return func(p *Profiler) {
		p.dump = enabled
	}
}

func WithDumpPath(path string) Option {
	return func(p *Profiler) {
		p.dumpPath = path
	}
}

func WithDumpFormat(format state.Format) Option {
	return func(p *Profiler) {
		p.dumpFormat = format
	}
}

func WithStatus(status bool) Option {
	return func(p *Profiler) {
		p.status = status
	}
}

func WithDemangle(demangle bool) Option {
	return func(p *Profiler) {
		p.demangle = demangle
	}
}

func WithSymbolCacheSize(size int) Option {
	return func(p *Profiler) {
		p.symbolCacheSize = size
	}
}

func WithPathCacheSize(size int) Option {
	return func(p *Profiler) {
		p.pathCacheSize = size
	}
}

func WithHealthCheckSockPath(path string) Option {
	return func(p *Profiler) {
		p.healthCheckSockPath = path
	}
}

func WithLogger(logger log.Logger) Option {
	return func(p *Profiler) {
		p.logger = logger
	}
}
