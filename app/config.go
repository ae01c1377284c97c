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

	"github.com/zachfi/audiostream/modules/janitor"
	"github.com/zachfi/audiostream/modules/player"
	"github.com/zachfi/audiostream/pkg/engine"
)

type Config struct {
	Target  string         `yaml:"target"`
	Tracing tracing.Config `yaml:"tracing,omitempty"`
	Server  server.Config  `yaml:"server,omitempty"`
	Engine  engine.Config  `yaml:"engine,omitempty"`
	Player  player.Config  `yaml:"player,omitempty"`
	Janitor janitor.Config `yaml:"janitor,omitempty"`
}

// LoadConfig receives a file path for a configuration to load.
func LoadConfig(file string) (Config, error) {
	filename, _ := filepath.Abs(file)

	config := Config{}
	config.RegisterFlagsAndApplyDefaults("", flag.NewFlagSet("", flag.ContinueOnError))

	if err := loadYamlFile(filename, &config); err != nil {
		return config, errors.Wrap(err, "failed to load yaml file")
	}

	return config, nil
}

func loadYamlFile(filename string, d interface{}) error {
	yamlFile, err := os.ReadFile(filename)
	if err != nil {
		return err
	}

	return yaml.UnmarshalStrict(yamlFile, d)
}

func (c *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&c.Target, "target", All, "Module to run.")

	flagext.DefaultValues(&c.Server)
	f.IntVar(&c.Server.HTTPListenPort, "server.http-listen-port", 3030, "HTTP server listen port.")
	f.IntVar(&c.Server.GRPCListenPort, "server.grpc-listen-port", 9090, "gRPC server listen port.")

	c.Tracing.RegisterFlagsAndApplyDefaults("tracing", f)
	c.Engine.RegisterFlagsAndApplyDefaults("engine", f)
	c.Player.RegisterFlagsAndApplyDefaults("player", f)
	c.Janitor.RegisterFlagsAndApplyDefaults("janitor", f)
}

// Validate checks the sections used by every target.
func (c *Config) Validate() error {
	if err := c.Engine.Validate(); err != nil {
		return errors.Wrap(err, "invalid engine config")
	}
	return nil
}
