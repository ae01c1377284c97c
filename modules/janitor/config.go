package janitor

import (
	"flag"

	"github.com/zachfi/zkit/pkg/util"
)

type Config struct {
	// Schedule is a five field cron expression, or a descriptor such as
	// "@every 10m".
	Schedule   string `yaml:"schedule,omitempty"`
	RunOnStart bool   `yaml:"run_on_start,omitempty"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.Schedule, util.PrefixConfig(prefix, "schedule"), "@every 10m", "Cron schedule for cache maintenance sweeps.")
	f.BoolVar(&cfg.RunOnStart, util.PrefixConfig(prefix, "run-on-start"), true, "Sweep the cache once at startup.")
}
