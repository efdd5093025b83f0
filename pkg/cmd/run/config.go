package run

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/maxgio92/xmem/internal/settings"
	"github.com/maxgio92/xmem/pkg/consumer"
	"github.com/maxgio92/xmem/pkg/probe"
	"github.com/maxgio92/xmem/pkg/profiler"
	"github.com/maxgio92/xmem/pkg/state"
)

// Config is the run configuration. Flags take precedence over XMEM_*
// environment variables, which take precedence over the config file.
type Config struct {
	Probe            string            `mapstructure:"probe"`
	OptionalPrograms []string          `mapstructure:"optional-programs"`
	Listen           string            `mapstructure:"listen"`
	RefreshInterval  time.Duration     `mapstructure:"refresh-interval"`
	Dump             bool              `mapstructure:"dump"`
	DumpPath         string            `mapstructure:"dump-path"`
	DumpFormat       string            `mapstructure:"dump-format"`
	Status           bool              `mapstructure:"status"`
	Demangle         bool              `mapstructure:"demangle"`
	SymbolCacheSize  int               `mapstructure:"symbol-cache-size"`
	PathCacheSize    int               `mapstructure:"path-cache-size"`
	Proc             string            `mapstructure:"proc"`
	Pid              int               `mapstructure:"pid"`
	Layouts          []consumer.Layout `mapstructure:"layouts"`
}

// LoadConfig merges the flags, the environment and the optional config
// file at path.
func LoadConfig(flags *pflag.FlagSet, path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(settings.EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	v.SetDefault("optional-programs", probe.DefaultOptionalPrograms())

	if err := v.BindPFlags(flags); err != nil {
		return nil, errors.Wrap(err, "failed to bind flags")
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "failed to read config file %s", path)
		}
	}

	cfg := new(Config)
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "failed to decode config")
	}
	if len(cfg.Layouts) == 0 {
		cfg.Layouts = consumer.DefaultLayouts()
	}

	return cfg, nil
}

// ProfilerOptions validates the configuration and returns the matching
// profiler options.
func (c *Config) ProfilerOptions(logger log.Logger) ([]profiler.Option, error) {
	format, err := state.ParseFormat(c.DumpFormat)
	if err != nil {
		return nil, err
	}
	if _, err := consumer.NewDecoder(c.Layouts); err != nil {
		return nil, errors.Wrap(err, "invalid layouts")
	}
	if c.RefreshInterval <= 0 {
		return nil, errors.Errorf("invalid refresh interval %s", c.RefreshInterval)
	}

	return []profiler.Option{
		profiler.WithLayouts(c.Layouts),
		profiler.WithListenAddr(c.Listen),
		profiler.WithRefreshInterval(c.RefreshInterval),
		profiler.WithProcPath(c.Proc),
		profiler.WithPid(c.Pid),
		profiler.WithDump(c.Dump),
		profiler.WithDumpPath(c.DumpPath),
		profiler.WithDumpFormat(format),
		profiler.WithStatus(c.Status),
		profiler.WithDemangle(c.Demangle),
		profiler.WithSymbolCacheSize(c.SymbolCacheSize),
		profiler.WithPathCacheSize(c.PathCacheSize),
		profiler.WithHealthCheckSockPath(settings.HealthCheckSockPath),
		profiler.WithLogger(logger),
	}, nil
}
