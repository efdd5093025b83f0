package profiler

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/procfs"
	log "github.com/rs/zerolog"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/maxgio92/xmem/internal/output"
	"github.com/maxgio92/xmem/internal/settings"
	"github.com/maxgio92/xmem/pkg/consumer"
	"github.com/maxgio92/xmem/pkg/event"
	"github.com/maxgio92/xmem/pkg/healthcheck"
	"github.com/maxgio92/xmem/pkg/history"
	"github.com/maxgio92/xmem/pkg/ksym"
	"github.com/maxgio92/xmem/pkg/server"
	"github.com/maxgio92/xmem/pkg/stack"
	"github.com/maxgio92/xmem/pkg/state"
)

const (
	// The probe counters are read at least every pollEvents records.
	pollEvents     = 0xffff
	pollInterval   = time.Second
	statusInterval = time.Second
)

// Source produces raw records.
type Source interface {
	Init(ctx context.Context) error
	Attach(ctx context.Context) error
	InitEventBuf(ctx context.Context) (chan []byte, error)
	// PollEventBuf starts delivering records to the events channel.
	PollEventBuf()
	StopEventBuf()
	CloseEventBuf()
	LostEvents() (uint64, error)
	// TargetPid returns the process to track, 0 when not known yet.
	TargetPid() (int, error)
	Close()
}

// Profiler wires the probe to the aggregation engine and serves the
// results until its context is done.
type Profiler struct {
	source Source

	resolver   *stack.Resolver
	aggregator *history.Aggregator
	reporter   *history.Reporter
	consumer   *consumer.Consumer
	state      *state.AtomicState
	server     *server.Server

	healthCheck *healthcheck.Server

	// consumed is the number of records since the last status refresh.
	consumed *atomic.Uint64

	*Options
}

func NewProfiler(opts ...Option) *Profiler {
	p := &Profiler{
		consumed: atomic.NewUint64(0),
		Options: &Options{
			layouts:             consumer.DefaultLayouts(),
			listenAddr:          settings.ListenAddr,
			refreshInterval:     stack.DefaultRefreshInterval,
			dumpPath:            settings.DumpPath,
			dumpFormat:          state.FormatJSON,
			symbolCacheSize:     stack.DefaultSymbolCacheSize,
			pathCacheSize:       history.DefaultPathCacheSize,
			healthCheckSockPath: settings.HealthCheckSockPath,
			logger:              log.Nop(),
		},
	}
	for _, opt := range opts {
		opt(p)
	}

	return p
}

func (p *Profiler) Reporter() *history.Reporter {
	return p.reporter
}

func (p *Profiler) State() *state.AtomicState {
	return p.state
}

func (p *Profiler) Consumer() *consumer.Consumer {
	return p.consumer
}

// Init builds the engine and loads the probe.
func (p *Profiler) Init(ctx context.Context) error {
	if p.source == nil {
		return errors.New("no record source specified")
	}

	resolverOpts := []stack.Option{
		stack.WithLogger(p.logger),
		stack.WithSymbolCacheSize(p.symbolCacheSize),
		stack.WithDemangle(p.demangle),
	}
	if p.procPath != "" {
		fs, err := procfs.NewFS(p.procPath)
		if err != nil {
			return errors.Wrapf(err, "error opening procfs at %s", p.procPath)
		}
		resolverOpts = append(resolverOpts, stack.WithProcFS(fs))
	}

	var err error
	p.resolver, err = stack.NewResolver(resolverOpts...)
	if err != nil {
		return errors.Wrap(err, "error creating stack resolver")
	}
	if p.pid > 0 {
		if err := p.resolver.Track(p.pid); err != nil {
			p.logger.Warn().Err(err).Int("pid", p.pid).Msg("error reading memory map")
		}
	}

	aggregatorOpts := []history.Option{
		history.WithLogger(p.logger),
		history.WithPathCacheSize(p.pathCacheSize),
	}
	if kernel := p.loadKernelSymbols(); kernel != nil {
		aggregatorOpts = append(aggregatorOpts, history.WithKernelResolver(kernel))
	}
	p.aggregator, err = history.NewAggregator(p.resolver, aggregatorOpts...)
	if err != nil {
		return errors.Wrap(err, "error creating aggregator")
	}
	p.reporter = history.NewReporter(p.aggregator)

	decoder, err := consumer.NewDecoder(p.layouts)
	if err != nil {
		return errors.Wrap(err, "error creating decoder")
	}
	p.consumer = consumer.New(decoder, p.aggregator,
		consumer.WithLogger(p.logger),
		consumer.WithTracker(p.resolver),
		consumer.WithPid(uint32(max(p.pid, 0))),
	)

	p.state = state.New(p.reporter,
		state.WithLogger(p.logger),
		state.WithDumpEnabled(p.dump),
		state.WithDumpPath(p.dumpPath),
		state.WithDumpFormat(p.dumpFormat),
		state.WithPid(p.resolver.Pid),
	)

	p.server = server.New(p.reporter,
		server.WithAddr(p.listenAddr),
		server.WithEventSource(p.consumer),
		server.WithResolverSource(p.resolver),
		server.WithLogger(p.logger),
	)

	if err := p.source.Init(ctx); err != nil {
		return errors.Wrap(err, "error loading probe")
	}
	if err := p.source.Attach(ctx); err != nil {
		p.source.Close()
		return errors.Wrap(err, "error attaching probe")
	}

	return nil
}

// loadKernelSymbols returns nil when the kernel symbols are not
// readable, and the call sites are labelled with their address.
func (p *Profiler) loadKernelSymbols() *ksym.Table {
	procPath := p.procPath
	if procPath == "" {
		procPath = procfs.DefaultMountPoint
	}
	table, err := ksym.Load(filepath.Join(procPath, "kallsyms"), p.logger)
	if err != nil {
		p.logger.Warn().Err(err).Msg("kernel call sites will not be symbolized")
		return nil
	}

	return table
}

// Run consumes the records until ctx is done or the source ends, then
// stores the dump when enabled.
func (p *Profiler) Run(ctx context.Context) error {
	if p.consumer == nil {
		return errors.New("profiler not initialized")
	}
	defer p.source.Close()

	events, err := p.source.InitEventBuf(ctx)
	if err != nil {
		return errors.Wrap(err, "error initializing event buffer")
	}
	defer p.source.CloseEventBuf()

	ln, err := p.server.Listen()
	if err != nil {
		return err
	}

	p.healthCheck = healthcheck.NewServer(p.healthCheckSockPath, p.logger)
	if err := p.healthCheck.Listen(ctx); err != nil {
		ln.Close()
		return errors.Wrap(err, "error starting health check")
	}
	defer p.healthCheck.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return p.consume(gctx, events)
	})
	g.Go(func() error {
		return p.resolver.Run(gctx, p.refreshInterval)
	})
	g.Go(func() error {
		return p.server.Serve(gctx, ln)
	})
	g.Go(func() error {
		p.watchDumpSignal(gctx)
		return nil
	})
	g.Go(func() error {
		p.printStatusBar(gctx, events)
		return nil
	})

	p.source.PollEventBuf()
	p.logger.Info().Str("addr", ln.Addr().String()).Msg("profiler ready")
	p.healthCheck.Ready(healthcheck.ReadyInfo{
		Addr: ln.Addr().String(),
		Pid:  p.resolver.Pid(),
	})

	err = g.Wait()
	if errors.Is(err, errEndOfStream) {
		err = nil
	}
	p.source.StopEventBuf()

	if _, dumpErr := p.state.StoreDump(); dumpErr != nil {
		p.logger.Error().Err(dumpErr).Msg("error storing dump")
	}

	return err
}

// consume feeds the records to the engine. It returns on end of stream
// too, cancelling the other contexts.
func (p *Profiler) consume(ctx context.Context, events chan []byte) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	var sinceCheck int
	p.logger.Debug().Msg("consuming events from ring buffer")
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.pollProbe()
			sinceCheck = 0
		case data, ok := <-events:
			if !ok {
				p.logger.Info().Msg("event stream ended")
				return errEndOfStream
			}
			p.consumer.Arrive(data)
			p.consumed.Inc()
			if sinceCheck++; sinceCheck >= pollEvents {
				p.pollProbe()
				sinceCheck = 0
			}
		}
	}
}

var errEndOfStream = errors.New("end of event stream")

func (p *Profiler) pollProbe() {
	p.checkTarget()
	p.checkLost()
}

// checkTarget follows the process the probe filters allocations for.
func (p *Profiler) checkTarget() {
	pid, err := p.source.TargetPid()
	if err != nil {
		p.logger.Debug().Err(err).Msg("error reading target pid")
		return
	}
	if pid > 0 {
		p.consumer.SetTarget(uint32(pid))
	}
}

func (p *Profiler) checkLost() {
	total, err := p.source.LostEvents()
	if err != nil {
		p.logger.Debug().Err(err).Msg("error reading lost events")
		return
	}
	if delta := p.consumer.SetLost(total); delta > 0 {
		p.logger.Warn().Uint64("lost", delta).Uint64("total", total).Msg("events lost")
	}
}

// watchDumpSignal enables the dump on SIGUSR1.
func (p *Profiler) watchDumpSignal(ctx context.Context) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGUSR1)
	defer signal.Stop(sigCh)

	for {
		select {
		case <-ctx.Done():
			return
		case <-sigCh:
			p.state.EnableDump()
			p.logger.Info().Str("path", p.dumpPath).Msg("dump enabled")
		}
	}
}

func (p *Profiler) printStatusBar(ctx context.Context, events chan []byte) {
	if !p.status {
		return
	}
	output.StatusBar(ctx,
		statusInterval,
		func() {
			stats := p.consumer.Stats()
			counters := p.aggregator.Counters()
			var live uint64
			for c := event.Category(0); c < event.NumCategories; c++ {
				if c != event.CategoryRss {
					live += p.aggregator.Category(c).Live
				}
			}
			output.PrintRight(output.PrettyStatus(output.Status{
				Rate:            p.consumed.Swap(0), // events rate reset at each bar refresh.
				Lost:            stats.Lost.Load(),
				Dropped:         stats.Dropped.Load(),
				Inconsistencies: counters.Inconsistencies,
				LiveBytes:       live,
				BufUtil:         len(events) * 100 / max(cap(events), 1),
			}))
		},
	)
}
