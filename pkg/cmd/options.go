package cmd

import (
	"context"

	log "github.com/rs/zerolog"

	"github.com/maxgio92/xmem/pkg/cmd/options"
)

type Options struct {
	Probe     []byte
	ProbePath string

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

func WithProbe(probe []byte) Option {
	return func(o *Options) {
		if o == nil {
			return
		}
		o.Probe = probe
	}
}

func WithProbePath(path string) Option {
	return func(o *Options) {
		if o == nil {
			return
		}
		o.ProbePath = path
	}
}

func WithContext(ctx context.Context) Option {
	return func(o *Options) {
		if o == nil || o.CommonOptions == nil {
			return
		}
		o.Ctx = ctx
	}
}

func WithLogger(logger log.Logger) Option {
	return func(o *Options) {
		if o == nil || o.CommonOptions == nil {
			return
		}
		o.Logger = logger
	}
}
