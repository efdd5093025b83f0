package consumer

import (
	"github.com/pkg/errors"
	log "github.com/rs/zerolog"
	"go.uber.org/atomic"

	"github.com/maxgio92/xmem/pkg/event"
)

// Applier consumes decoded events.
type Applier interface {
	Apply(evt *event.Event)
}

// Tracker is notified when the target process changes.
type Tracker interface {
	Track(pid int) error
}

// Stats are the consumer counters.
type Stats struct {
	// Events is the number of records decoded and applied.
	Events *atomic.Uint64
	// Dropped is the number of malformed records.
	Dropped *atomic.Uint64
	// Lost is the number of records the kernel could not push to the
	// full ring buffer, as reported by the probe.
	Lost *atomic.Uint64
}

// Consumer decodes records and dispatches them to an Applier.
// Arrive must be called from a single goroutine.
type Consumer struct {
	decoder *Decoder
	applier Applier
	tracker Tracker
	pid     *atomic.Uint32

	stats  Stats
	logger log.Logger
}

type Option func(*Consumer)

func WithLogger(logger log.Logger) Option {
	return func(c *Consumer) {
		c.logger = logger
	}
}

func WithTracker(tracker Tracker) Option {
	return func(c *Consumer) {
		c.tracker = tracker
	}
}

// WithPid seeds the target process.
func WithPid(pid uint32) Option {
	return func(c *Consumer) {
		c.pid.Store(pid)
	}
}

func New(decoder *Decoder, applier Applier, opts ...Option) *Consumer {
	c := &Consumer{
		decoder: decoder,
		applier: applier,
		pid:     atomic.NewUint32(0),
		stats: Stats{
			Events:  atomic.NewUint64(0),
			Dropped: atomic.NewUint64(0),
			Lost:    atomic.NewUint64(0),
		},
		logger: log.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With().Str("component", "consumer").Logger()

	return c
}

func (c *Consumer) Stats() Stats {
	return c.stats
}

// Pid returns the target process.
func (c *Consumer) Pid() uint32 {
	return c.pid.Load()
}

// SetTarget retargets the tracker when pid differs from the current
// target. A zero pid is ignored.
func (c *Consumer) SetTarget(pid uint32) {
	if pid == 0 {
		return
	}
	if old := c.pid.Swap(pid); old != pid && c.tracker != nil {
		c.logger.Debug().Uint32("pid", pid).Uint32("old", old).Msg("target process changed")
		if err := c.tracker.Track(int(pid)); err != nil {
			c.logger.Warn().Err(err).Uint32("pid", pid).Msg("error tracking process")
		}
	}
}

// Arrive handles one raw record.
func (c *Consumer) Arrive(raw []byte) {
	evt, err := c.decoder.Decode(raw)
	if err != nil {
		c.stats.Dropped.Inc()
		var decErr *DecodeError
		if errors.As(err, &decErr) {
			c.logger.Debug().Err(decErr.Err).Int("len", decErr.Len).Uint32("discriminant", decErr.Discriminant).
				Msg("dropping record")
		}
		return
	}

	// Only the records with a stack are filtered by the probe on the
	// target process, the others carry the pid of any running task.
	if len(evt.Stack) > 0 {
		c.SetTarget(evt.Pid)
	}

	c.stats.Events.Inc()
	c.applier.Apply(evt)
}

// SetLost records the probe lost counter and returns how much it grew
// since the previous call.
func (c *Consumer) SetLost(total uint64) uint64 {
	old := c.stats.Lost.Swap(total)
	if total < old {
		// The counter restarted with the probe.
		return total
	}

	return total - old
}
