package nowplaying

import (
	"flag"
	"log/slog"
	"time"

	"github.com/zachfi/zkit/pkg/util"
)

type Config struct {
	URL     string        `yaml:"url,omitempty"`
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.URL, util.PrefixConfig(prefix, "url"), "", "Endpoint receiving now playing updates. Updates are logged when empty.")
	f.DurationVar(&cfg.Timeout, util.PrefixConfig(prefix, "timeout"), 600*time.Millisecond, "Timeout for a single now playing update.")
}

// NewSink returns the sink described by cfg.
func NewSink(cfg Config, logger *slog.Logger) Sink {
	if cfg.URL == "" {
		return LogSink{Logger: logger}
	}
	return NewHTTPSink(cfg.URL, cfg.Timeout)
}
