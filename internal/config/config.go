// Package config layers monocle's runtime configuration the way the
// teacher's core/config.go builds bgpipe's: a koanf.Koanf instance fed
// first by an optional TOML file, then overridden by CLI flags via
// posflag. Unlike the teacher (flags only), monocle also supports a
// config file, grounded on koanf's own file+toml provider pair.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/bgpkit/monocle/internal/merr"
)

// Config is the resolved runtime configuration for a monocle process.
type Config struct {
	DataDir     string
	LogLevel    string
	RtrAddr     string
	RtrTLS      bool
	RtrTimeout  time.Duration
	BrokerURL   string
	BrokerRate  float64
	Parallelism int
	RoaTTL      time.Duration
	Pfx2asTTL   time.Duration
	As2relTTL   time.Duration
	AsinfoTTL   time.Duration
}

// Flags registers every monocle flag onto f, with the same defaults
// Load falls back to when neither a config file nor a flag sets them.
func Flags(f *pflag.FlagSet) {
	f.SortFlags = false
	f.String("data-dir", "./monocle-data", "directory holding the embedded store and cache files")
	f.String("config", "", "path to a TOML config file")
	f.StringP("log", "l", "info", "log level (trace/debug/info/warn/error/disabled)")
	f.String("rtr-addr", "", "RTR server address (host:port)")
	f.Bool("rtr-tls", false, "use TLS for the RTR connection")
	f.Duration("rtr-timeout", 30*time.Second, "RTR connect/read/write timeout")
	f.String("broker-url", "", "BGPKIT broker base URL (empty: public instance)")
	f.Float64("broker-rate", 0, "max broker requests/sec (0: unlimited)")
	f.Int("parallelism", 4, "MRT search worker pool size")
	f.Duration("roa-ttl", 24*time.Hour, "ROA/ASPA cache TTL")
	f.Duration("pfx2as-ttl", 24*time.Hour, "pfx2as cache TTL")
	f.Duration("as2rel-ttl", 7*24*time.Hour, "AS-relationship cache TTL")
	f.Duration("asinfo-ttl", 24*time.Hour, "AS-name enrichment cache TTL")
}

// Load builds a Config from (in increasing precedence) defaults, an
// optional TOML file (given by --config or the configPath argument),
// and CLI flags already parsed into f.
func Load(f *pflag.FlagSet, configPath string) (Config, error) {
	k := koanf.New(".")

	if cf := firstNonEmpty(configPath, flagString(f, "config")); cf != "" {
		if _, err := os.Stat(cf); err == nil {
			if err := k.Load(file.Provider(cf), toml.Parser()); err != nil {
				return Config{}, fmt.Errorf("%w: load config file %s: %v", merr.ErrInvalidInput, cf, err)
			}
		}
	}

	if err := k.Load(posflag.Provider(f, ".", k), nil); err != nil {
		return Config{}, fmt.Errorf("%w: merge flags: %v", merr.ErrInvalidInput, err)
	}

	lvl, err := zerolog.ParseLevel(k.String("log"))
	if err != nil {
		return Config{}, fmt.Errorf("%w: invalid --log level %q: %v", merr.ErrInvalidInput, k.String("log"), err)
	}
	zerolog.SetGlobalLevel(lvl)

	return Config{
		DataDir:     k.String("data-dir"),
		LogLevel:    k.String("log"),
		RtrAddr:     k.String("rtr-addr"),
		RtrTLS:      k.Bool("rtr-tls"),
		RtrTimeout:  k.Duration("rtr-timeout"),
		BrokerURL:   k.String("broker-url"),
		BrokerRate:  k.Float64("broker-rate"),
		Parallelism: k.Int("parallelism"),
		RoaTTL:      k.Duration("roa-ttl"),
		Pfx2asTTL:   k.Duration("pfx2as-ttl"),
		As2relTTL:   k.Duration("as2rel-ttl"),
		AsinfoTTL:   k.Duration("asinfo-ttl"),
	}, nil
}

func flagString(f *pflag.FlagSet, name string) string {
	v, err := f.GetString(name)
	if err != nil {
		return ""
	}
	return v
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
