package host

import (
	"flag"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/zachfi/zkit/pkg/util"
)

const (
	// EnvPrefix overrides the listener prefix.
	EnvPrefix = "SMTC_HOST_PREFIX"

	DefaultPrefix = "http://127.0.0.1:8765/"
)

type Config struct {
	Prefix string `yaml:"prefix,omitempty"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	def := os.Getenv(EnvPrefix)
	if def == "" {
		def = DefaultPrefix
	}
	f.StringVar(&cfg.Prefix, util.PrefixConfig(prefix, "prefix"), def,
		"Listener prefix, eg: http://127.0.0.1:8765/. Defaults to $"+EnvPrefix+".")
}

// Listener is the parsed form of a prefix.
type Listener struct {
	Host string
	Port int

	// Path always starts and ends with a slash.
	Path string
}

// ParsePrefix parses a listener prefix such as http://127.0.0.1:8765/. A
// missing trailing slash is added.
func ParsePrefix(prefix string) (Listener, error) {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	u, err := url.Parse(prefix)
	if err != nil {
		return Listener{}, errors.Wrapf(err, "invalid prefix %q", prefix)
	}
	if u.Scheme != "http" {
		return Listener{}, errors.Errorf("invalid prefix %q: only http is supported", prefix)
	}

	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		host, portStr = u.Host, "80"
	}
	switch host {
	case "+", "*":
		host = ""
	case "localhost":
		host = "127.0.0.1"
	}

	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return Listener{}, errors.Errorf("invalid prefix %q: bad port %q", prefix, portStr)
	}

	p := u.Path
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}

	return Listener{Host: strings.Trim(host, "[]"), Port: port, Path: p}, nil
}
