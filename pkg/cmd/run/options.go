package run

import (
	"context"

	log "github.com/rs/zerolog"

	"github.com/maxgio92/xmem/pkg/cmd/options"
)

type Options struct {
	probe     []byte
	probePath string

	configPath string
	detach     bool

	*options.CommonOptions
}

type Option func(o *Options)

func NewOptions(opts ...Option) *Options {
	o := new(Options)
	o.CommonOptions = new(options.CommonOptions)

	for _, f := range opts {
		f(o)
	}

	return o
}

// WithProbe sets the embedded probe object, used unless a probe path is
// explicitly requested.
func WithProbe(probe []byte) Option {
	return func(o *Options) {
		o.probe = probe
	}
}

func WithProbePath(path string) Option {
	return func(o *Options) {
		o.probePath = path
	}
}

func WithContext(ctx context.Context) Option {
	return func(o *Options) {
		o.Ctx = ctx
	}
}

func WithLogger(logger log.Logger) Option {
	return func(o *Options) {
		o.Logger = logger
	}
}
