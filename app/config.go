package app

import (
	"flag"
	"os"
	"path/filepath"

	"github.com/grafana/dskit/flagext"
	"github.com/grafana/dskit/server"
	"github.com/pkg/errors"
	yaml "gopkg.in/yaml.v2"

	"github.com/zachfi/zkit/pkg/tracing"

	"github.com/zachfi/smtchost/modules/host"
	"github.com/zachfi/smtchost/modules/session"
	"github.com/zachfi/smtchost/pkg/engine"
	"github.com/zachfi/smtchost/pkg/nowplaying"
)

type Config struct {
	Target     string            `yaml:"target"`
	Debug      bool              `yaml:"debug,omitempty"`
	Tracing    tracing.Config    `yaml:"tracing,omitempty"`
	Server     server.Config     `yaml:"server,omitempty"`
	Host       host.Config       `yaml:"host,omitempty"`
	Session    session.Config    `yaml:"session,omitempty"`
	Engine     engine.Config     `yaml:"engine,omitempty"`
	NowPlaying nowplaying.Config `yaml:"nowplaying,omitempty"`
}

// LoadConfig receives a file path for a configuration to load.
func LoadConfig(file string) (Config, error) {
	filename, _ := filepath.Abs(file)

	config := Config{}
	err := loadYamlFile(filename, &config)
	if err != nil {
		return config, errors.Wrap(err, "failed to load yaml file")
	}

	return config, nil
}

// loadYamlFile unmarshals a YAML file into the received interface{} or returns an error.
func loadYamlFile(filename string, d interface{}) error {
	yamlFile, err := os.ReadFile(filename)
	if err != nil {
		return err
	}

	return yaml.UnmarshalStrict(yamlFile, d)
}

func (c *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.BoolVar(&c.Debug, "debug", false, "Log at debug level.")

	flagext.DefaultValues(&c.Server)
	// The HTTP listener follows host.prefix.
	f.StringVar(&c.Server.GRPCListenAddress, "server.grpc-listen-address", "127.0.0.1", "gRPC server listen address.")
	f.IntVar(&c.Server.GRPCListenPort, "server.grpc-listen-port", 0, "gRPC server listen port, 0 picks a free port.")

	c.Tracing.RegisterFlagsAndApplyDefaults("tracing", f)
	c.Host.RegisterFlagsAndApplyDefaults("host", f)
	c.Session.RegisterFlagsAndApplyDefaults("session", f)
	c.Engine.RegisterFlagsAndApplyDefaults("engine", f)
	c.NowPlaying.RegisterFlagsAndApplyDefaults("nowplaying", f)
}
