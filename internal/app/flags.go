package app

import (
	"flag"
	"fmt"

	"delayq/internal/config"
)

// Options are the command line settings shared by every role. Non-empty
// values override the config file and the environment.
type Options struct {
	ConfigPath string
	Host       string
	Keyspace   string
	Name       string
	Mode       string
}

// RegisterFlags binds the shared flags to fs. Host and keyspace also have the
// short forms -H and -K.
func RegisterFlags(fs *flag.FlagSet) *Options {
	o := &Options{}
	fs.StringVar(&o.ConfigPath, "config", "", "path to configuration file")
	fs.StringVar(&o.Host, "host", "", "storage host (comma-separated for cassandra)")
	fs.StringVar(&o.Host, "H", "", "shorthand for --host")
	fs.StringVar(&o.Keyspace, "keyspace", "", "cassandra keyspace")
	fs.StringVar(&o.Keyspace, "K", "", "shorthand for --keyspace")
	fs.StringVar(&o.Name, "name", "", "queue name")
	fs.StringVar(&o.Mode, "mode", "", "storage mode: memory, cassandra, postgres, redis or pebble")
	return o
}

// Load reads the config file and applies the flag overrides on top. The
// result is validated.
func (o *Options) Load() (*config.Config, error) {
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return nil, err
	}

	if o.Mode != "" {
		cfg.Storage.Mode = config.StorageMode(o.Mode)
	}
	if o.Host != "" {
		cfg.SetHost(o.Host)
	}
	if o.Keyspace != "" {
		cfg.Cassandra.Keyspace = o.Keyspace
	}
	if o.Name != "" {
		cfg.Queue.Name = o.Name
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
