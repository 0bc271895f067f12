package session

import (
	"flag"
	"os"
	"time"

	"github.com/zachfi/zkit/pkg/util"

	"github.com/zachfi/smtchost/pkg/shoutcast"
)

const (
	defaultStartupTimeout = 12 * time.Second
	defaultReconnectDelay = 2 * time.Second
	defaultVolume         = 100

	// EnvDefaultEncoding overrides the default ICY decode encoding.
	EnvDefaultEncoding = "SMTC_HOST_DEFAULT_ENCODING"
)

type Config struct {
	StartupTimeout  time.Duration `yaml:"startup-timeout,omitempty"`  // watchdog delay before a stream that never plays is failed
	ReconnectDelay  time.Duration `yaml:"reconnect-delay,omitempty"`  // fixed delay between ICY reconnect attempts
	DefaultEncoding string        `yaml:"default-encoding,omitempty"` // ICY title encoding when the station declares none
	UserAgent       string        `yaml:"user-agent,omitempty"`
	Volume          int           `yaml:"volume,omitempty"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.DurationVar(&cfg.StartupTimeout, util.PrefixConfig(prefix, "startup-timeout"), defaultStartupTimeout,
		"Time a stream has to reach playing before it is failed with a timeout.")
	f.DurationVar(&cfg.ReconnectDelay, util.PrefixConfig(prefix, "reconnect-delay"), defaultReconnectDelay,
		"Delay before the ICY metadata monitor reconnects after a failure.")
	f.StringVar(&cfg.DefaultEncoding, util.PrefixConfig(prefix, "default-encoding"), os.Getenv(EnvDefaultEncoding),
		"Encoding used for ICY titles when the station declares none, eg: windows-1251. Defaults to $"+EnvDefaultEncoding+".")
	f.StringVar(&cfg.UserAgent, util.PrefixConfig(prefix, "user-agent"), shoutcast.DefaultUserAgent,
		"User agent sent to stream servers.")
	f.IntVar(&cfg.Volume, util.PrefixConfig(prefix, "volume"), defaultVolume, "Initial volume, 0-100.")
}

func (cfg *Config) applyDefaults() {
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = defaultStartupTimeout
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = defaultReconnectDelay
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = shoutcast.DefaultUserAgent
	}
	cfg.Volume = ClampVolume(cfg.Volume)
}
