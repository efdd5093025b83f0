package probe

import (
	"context"
	"encoding/binary"
	"unsafe"

	bpf "github.com/maxgio92/libbpfgo"
	"github.com/pkg/errors"
	log "github.com/rs/zerolog"
)

const (
	DefaultObjectPath     = "/usr/share/xmem/xmem.bpf.o"
	ProbeName             = "xmem"
	EventsChBufSize       = 4096
	evtRingBufBPFMapName  = "event_queue"
	evtRingBufPollTimeout = 60
	pidBPFMapName         = "pid"
	lostBPFMapName        = "lost_events"
)

var ErrNotLoaded = errors.New("probe not loaded")

// DefaultOptionalPrograms returns the programs of the bundled probe whose
// tracepoints are missing on some kernels.
func DefaultOptionalPrograms() []string {
	return []string{
		"percpu_alloc",
		"percpu_free",
		"add_to_page_cache",
		"remove_from_page_cache",
	}
}

// Probe loads the kernel probe object, attaches its programs and
// exposes its event ring buffer.
type Probe struct {
	Name string
	path string
	data []byte

	// optional programs whose attach failure is tolerated.
	optional map[string]struct{}

	bpfMod *bpf.Module
	links  []*bpf.BPFLink

	EvtBuf *bpf.RingBuffer

	logger log.Logger
}

type Option func(p *Probe)

func WithLogger(logger log.Logger) Option {
	return func(p *Probe) {
		p.logger = logger
	}
}

// WithObjectPath loads the probe object from path.
func WithObjectPath(path string) Option {
	return func(p *Probe) {
		p.path = path
	}
}

// WithObjectData loads the probe object from memory.
func WithObjectData(data []byte) Option {
	return func(p *Probe) {
		p.data = data
	}
}

// WithOptionalPrograms sets the programs that may fail to attach, e.g.
// on kernels missing their tracepoints.
func WithOptionalPrograms(names ...string) Option {
	return func(p *Probe) {
		for _, name := range names {
			p.optional[name] = struct{}{}
		}
	}
}

func NewProbe(opts ...Option) *Probe {
	p := &Probe{
		Name:     ProbeName,
		path:     DefaultObjectPath,
		optional: make(map[string]struct{}),
		logger:   log.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With().Str("component", "probe").Logger()

	return p
}

func (p *Probe) Init(_ context.Context) error {
	p.configureBPFLogger()

	var err error
	if p.data != nil {
		p.bpfMod, err = bpf.NewModuleFromBuffer(p.data, p.Name)
	} else {
		p.bpfMod, err = bpf.NewModuleFromFile(p.path)
	}
	if err != nil {
		return errors.Wrapf(err, "failed to load bpf module: %s", p.Name)
	}

	if err := p.bpfMod.BPFLoadObject(); err != nil {
		return errors.Wrapf(err, "failed to load bpf module %s", p.Name)
	}

	if err := p.resetPid(); err != nil {
		return err
	}

	return nil
}

// resetPid removes the pid left in the map by a previous run, so that
// the probe discovers the process to track again.
func (p *Probe) resetPid() error {
	pidMap, err := p.bpfMod.GetMap(pidBPFMapName)
	if err != nil {
		return errors.Wrapf(err, "failed to get bpf map: %s", pidBPFMapName)
	}

	key := uint32(0)
	value, err := pidMap.GetValue(unsafe.Pointer(&key))
	if err != nil || len(value) < 4 {
		return nil
	}
	old := binary.NativeEndian.Uint32(value)
	if old == 0 {
		return nil
	}

	p.logger.Warn().Uint32("pid", old).Msg("detected old pid")
	if err := pidMap.DeleteKey(unsafe.Pointer(&key)); err != nil {
		p.logger.Warn().Err(err).Msg("failed to remove old pid")
	}

	return nil
}

func (p *Probe) configureBPFLogger() {
	bpf.SetLoggerCbs(bpf.Callbacks{
		Log: func(level int, msg string) {
			switch level {
			case bpf.LibbpfWarnLevel:
				p.logger.Debug().Msgf("libbpf warning: %s", msg)
			default:
				p.logger.Trace().Msgf("libbpf: %s", msg)
			}
		},
	})
}

// Attach attaches every program of the object.
func (p *Probe) Attach(_ context.Context) error {
	if p.bpfMod == nil {
		return ErrNotLoaded
	}

	it := p.bpfMod.Iterator()
	for prog := it.NextProgram(); prog != nil; prog = it.NextProgram() {
		link, err := prog.AttachGeneric()
		if err != nil {
			if _, ok := p.optional[prog.Name()]; ok {
				p.logger.Warn().Err(err).Str("program", prog.Name()).Msg("error attaching optional program")
				continue
			}
			return errors.Wrapf(err, "failed to attach bpf program: %s", prog.Name())
		}
		p.links = append(p.links, link)
		p.logger.Debug().Str("program", prog.Name()).Msg("attached program")
	}
	p.logger.Info().Int("programs", len(p.links)).Msg("attached bpf module")

	return nil
}

func (p *Probe) InitEventBuf(_ context.Context) (chan []byte, error) {
	if p.bpfMod == nil {
		return nil, ErrNotLoaded
	}

	var err error
	events := make(chan []byte, EventsChBufSize)

	p.EvtBuf, err = p.bpfMod.InitRingBuf(evtRingBufBPFMapName, events)
	if err != nil {
		return nil, errors.Wrapf(err, "error initializing ring buffer %s", evtRingBufBPFMapName)
	}

	return events, nil
}

// PollEventBuf runs libbpf ring_buffer__poll() on the probe events ring
// buffer.
// PollEventBuf must be called out of a thread-locked goroutine,
// hence after InitEventBuf that calls libbpfgo InitRingBuffer().
// CGO goroutine thread-locked cannot use blocking operations like send
// to channel. Go runtime locks the goroutine to the thread when receiving
// the callback from C.
func (p *Probe) PollEventBuf() {
	p.EvtBuf.Poll(evtRingBufPollTimeout)
}

// StopEventBuf stops the polling and closes the events channel.
func (p *Probe) StopEventBuf() {
	p.EvtBuf.Stop()
}

func (p *Probe) CloseEventBuf() {
	p.EvtBuf.Close()
}

// LostEvents returns the number of records the probe failed to submit.
func (p *Probe) LostEvents() (uint64, error) {
	return p.readKeyZero(lostBPFMapName)
}

// TargetPid returns the process the probe filters allocations for, 0
// until the probe discovers it.
func (p *Probe) TargetPid() (int, error) {
	pid, err := p.readKeyZero(pidBPFMapName)
	return int(pid), err
}

// readKeyZero reads the integer at key 0 of name. A missing key reads
// as 0, as the probe creates it lazily.
func (p *Probe) readKeyZero(name string) (uint64, error) {
	if p.bpfMod == nil {
		return 0, ErrNotLoaded
	}
	m, err := p.bpfMod.GetMap(name)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to get bpf map: %s", name)
	}

	key := uint32(0)
	value, err := m.GetValue(unsafe.Pointer(&key))
	if err != nil {
		return 0, nil
	}

	return decodeCounter(name, value)
}

func decodeCounter(name string, value []byte) (uint64, error) {
	switch len(value) {
	case 4:
		return uint64(binary.NativeEndian.Uint32(value)), nil
	case 8:
		return binary.NativeEndian.Uint64(value), nil
	default:
		return 0, errors.Errorf("unexpected %s value size %d", name, len(value))
	}
}

func (p *Probe) Close() {
	for _, link := range p.links {
		if err := link.Destroy(); err != nil {
			p.logger.Debug().Err(err).Msg("error destroying link")
		}
	}
	if p.bpfMod != nil {
		p.bpfMod.Close()
	}
}
