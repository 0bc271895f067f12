package engine

import (
	"flag"
	"time"

	"github.com/grafana/dskit/flagext"
	"github.com/zachfi/zkit/pkg/util"
)

const defaultStartupGrace = 1500 * time.Millisecond

type Config struct {
	// Command is the player executable. An empty command leaves the host
	// without a media engine; play requests then fail.
	Command      string                 `yaml:"command,omitempty"`
	Args         flagext.StringSliceCSV `yaml:"args,omitempty"`
	StartupGrace time.Duration          `yaml:"startup-grace,omitempty"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	cfg.Args = flagext.StringSliceCSV{"{url}"}

	f.StringVar(&cfg.Command, util.PrefixConfig(prefix, "command"), "", "Player executable used to render streams, eg: mpv")
	f.Var(&cfg.Args, util.PrefixConfig(prefix, "args"), "Comma separated player arguments. {url} and {volume} are substituted.")
	f.DurationVar(&cfg.StartupGrace, util.PrefixConfig(prefix, "startup-grace"), defaultStartupGrace,
		"How long the player process must stay up before the stream is reported as playing.")
}
