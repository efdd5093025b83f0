package stack

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"github.com/prometheus/procfs"
	log "github.com/rs/zerolog"
	"go.uber.org/atomic"

	"github.com/maxgio92/xmem/pkg/procmap"
	"github.com/maxgio92/xmem/pkg/symtable"
)

// Unknown is the label of addresses not covered by any known mapping.
const Unknown = "unknown"

const (
	DefaultSymbolCacheSize = 256
	DefaultRefreshInterval = 5 * time.Second
	// Resolution misses do not trigger refreshes more often than this.
	minMissRefreshInterval = 500 * time.Millisecond
)

var ErrNotTracking = errors.New("no process is being tracked")

// Loader loads the symbol table of the file at path.
type Loader func(path string) (*symtable.SymbolTable, error)

type tableEntry struct {
	table *symtable.SymbolTable
	err   error
}

// Resolver turns raw return addresses of the tracked process into
// display labels. It is safe for concurrent use.
type Resolver struct {
	fs     *procfs.FS
	loader Loader

	pid    *atomic.Int64
	mmap   *atomic.Pointer[procmap.MemoryMap]
	tables *lru.Cache[string, *tableEntry]

	refreshCh   chan struct{}
	lastRefresh *atomic.Time

	cacheSize int
	demangle  bool
	logger    log.Logger

	stats Stats
}

// Stats are the resolver counters.
type Stats struct {
	Refreshes  *atomic.Uint64
	Misses     *atomic.Uint64
	LoadErrors *atomic.Uint64
}

type Option func(*Resolver)

func WithLogger(logger log.Logger) Option {
	return func(r *Resolver) {
		r.logger = logger
	}
}

// WithProcFS sets the procfs the memory maps are read from.
func WithProcFS(fs procfs.FS) Option {
	return func(r *Resolver) {
		r.fs = &fs
	}
}

func WithLoader(loader Loader) Option {
	return func(r *Resolver) {
		r.loader = loader
	}
}

func WithSymbolCacheSize(size int) Option {
	return func(r *Resolver) {
		r.cacheSize = size
	}
}

func WithDemangle(enabled bool) Option {
	return func(r *Resolver) {
		r.demangle = enabled
	}
}

// WithPid tracks pid from the start, without reading its memory map.
func WithPid(pid int) Option {
	return func(r *Resolver) {
		r.pid.Store(int64(pid))
	}
}

func NewResolver(opts ...Option) (*Resolver, error) {
	r := &Resolver{
		pid:         atomic.NewInt64(0),
		mmap:        atomic.NewPointer[procmap.MemoryMap](nil),
		refreshCh:   make(chan struct{}, 1),
		lastRefresh: atomic.NewTime(time.Time{}),
		cacheSize:   DefaultSymbolCacheSize,
		logger:      log.Nop(),
		stats: Stats{
			Refreshes:  atomic.NewUint64(0),
			Misses:     atomic.NewUint64(0),
			LoadErrors: atomic.NewUint64(0),
		},
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With().Str("component", "resolver").Logger()

	if r.fs == nil {
		fs, err := procfs.NewDefaultFS()
		if err != nil {
			return nil, errors.Wrap(err, "error opening procfs")
		}
		r.fs = &fs
	}
	if r.loader == nil {
		r.loader = func(path string) (*symtable.SymbolTable, error) {
			return symtable.Load(path,
				symtable.WithLogger(r.logger),
				symtable.WithDemangle(r.demangle),
			)
		}
	}

	var err error
	r.tables, err = lru.New[string, *tableEntry](r.cacheSize)
	if err != nil {
		return nil, errors.Wrap(err, "error creating symbol table cache")
	}

	return r, nil
}

func (r *Resolver) Stats() Stats {
	return r.stats
}

// CachedTables returns the number of symbol tables in the cache.
func (r *Resolver) CachedTables() int {
	return r.tables.Len()
}

// Pid returns the tracked process ID, 0 when none.
func (r *Resolver) Pid() int {
	return int(r.pid.Load())
}

// Track switches the resolver to pid and rebuilds its memory map.
func (r *Resolver) Track(pid int) error {
	old := r.pid.Swap(int64(pid))
	if old != int64(pid) {
		r.logger.Info().Int("pid", pid).Int64("previous", old).Msg("tracking process")
	}

	return r.Refresh()
}

// Refresh rebuilds the memory map of the tracked process and replaces
// the current one. Failed symbol table loads are forgotten so that the
// next resolution retries them.
func (r *Resolver) Refresh() error {
	pid := r.Pid()
	if pid == 0 {
		return ErrNotTracking
	}
	r.lastRefresh.Store(time.Now())

	m, err := procmap.Read(*r.fs, pid)
	if err != nil {
		return errors.Wrapf(err, "error refreshing memory map")
	}
	r.mmap.Store(m)
	r.stats.Refreshes.Inc()

	for _, path := range r.tables.Keys() {
		if entry, ok := r.tables.Peek(path); ok && entry.err != nil {
			r.tables.Remove(path)
		}
	}
	r.logger.Trace().Int("pid", pid).Int("regions", m.Len()).Msg("memory map refreshed")

	return nil
}

// Resolve returns one label per address, in the same order.
func (r *Resolver) Resolve(addrs []uint64) []string {
	labels := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		labels = append(labels, r.ResolveOne(addr))
	}

	return labels
}

// ResolveOne returns the label of addr: "symbol+0xoff (module)" when a
// symbol covers it, "path+0xoff" when only the mapping is known, and
// Unknown otherwise.
func (r *Resolver) ResolveOne(addr uint64) string {
	m := r.mmap.Load()
	if m == nil {
		r.miss()
		return Unknown
	}
	region, err := m.Lookup(addr)
	if err != nil {
		r.miss()
		return Unknown
	}
	if region.Path == "" {
		return Unknown
	}

	offset := region.FileOffset(addr)
	fallback := fmt.Sprintf("%s+%#x", region.Path, offset)
	if !region.FileBacked() {
		return fallback
	}

	table, err := r.table(region.Path)
	if err != nil {
		return fallback
	}
	vaddr := table.Translate(offset)
	sym, ok := table.Lookup(vaddr)
	if !ok {
		return fallback
	}

	return fmt.Sprintf("%s+%#x (%s)", sym.Name, vaddr-sym.Start, filepath.Base(region.Path))
}

func (r *Resolver) table(path string) (*symtable.SymbolTable, error) {
	if entry, ok := r.tables.Get(path); ok {
		return entry.table, entry.err
	}

	// Concurrent loads of the same path are harmless: the content
	// depends only on the path, the last one added wins.
	table, err := r.loader(path)
	if err != nil {
		r.stats.LoadErrors.Inc()
		r.logger.Debug().Err(err).Str("path", path).Msg("error loading symbol table")
	}
	r.tables.Add(path, &tableEntry{table: table, err: err})

	return table, err
}

// miss requests an out of band refresh, without blocking.
func (r *Resolver) miss() {
	r.stats.Misses.Inc()
	if r.Pid() == 0 {
		return
	}
	select {
	case r.refreshCh <- struct{}{}:
	default:
	}
}

// Run refreshes the memory map every interval and whenever a resolution
// misses, until ctx is done.
func (r *Resolver) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.logger.Debug().Dur("interval", interval).Msg("starting memory map refresher")
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-r.refreshCh:
			if time.Since(r.lastRefresh.Load()) < minMissRefreshInterval {
				continue
			}
		}

		if err := r.Refresh(); err != nil && !errors.Is(err, ErrNotTracking) {
			r.logger.Debug().Err(err).Msg("error refreshing memory map")
		}
	}
}
