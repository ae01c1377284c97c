package player

import (
	"flag"
	"time"

	"github.com/pkg/errors"
	"github.com/zachfi/zkit/pkg/util"
)

// Write buffer sizing guidance (write-buffer-size):
// - SSD wear: fewer, larger writes reduce I/O overhead; 256KiB–1MiB is a good range.
// - NFS: larger buffers amortize round-trip cost.
// - Upper bound: clamped to 4MiB to limit memory and avoid huge single writes.
const (
	defaultWriteBufferSize = 256 * 1024 // 256 KiB
	defaultMaxRetryCount   = 3
	defaultRetryDelay      = time.Second
)

type Config struct {
	URL             string        `yaml:"url,omitempty"`
	Dir             string        `yaml:"dir,omitempty"`
	WriteBufferSize int           `yaml:"write-buffer-size,omitempty"` // bytes to buffer before writing (reduces write frequency)
	MaxRetryCount   int           `yaml:"max-retry-count,omitempty"`   // reopen attempts after a failure before giving up
	RetryDelay      time.Duration `yaml:"retry-delay,omitempty"`       // delay before each reopen
	Speed           float64       `yaml:"speed,omitempty"`             // pacing multiplier; 1 records in real time
	Volume          float64       `yaml:"volume,omitempty"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.URL, util.PrefixConfig(prefix, "url"), "", "The URL from which to stream")
	f.StringVar(&cfg.Dir, util.PrefixConfig(prefix, "dir"), "", "The directory to save the data")
	f.IntVar(&cfg.WriteBufferSize, util.PrefixConfig(prefix, "write-buffer-size"), defaultWriteBufferSize,
		"Bytes to buffer in memory before writing to disk (default 256KiB). Reasonable range: 256KiB-1MiB.")
	f.IntVar(&cfg.MaxRetryCount, util.PrefixConfig(prefix, "max-retry-count"), defaultMaxRetryCount,
		"Times a failed stream is reopened before the player gives up.")
	f.DurationVar(&cfg.RetryDelay, util.PrefixConfig(prefix, "retry-delay"), defaultRetryDelay,
		"Delay before reopening a failed stream.")
	f.Float64Var(&cfg.Speed, util.PrefixConfig(prefix, "speed"), 1,
		"Pacing of the recording output relative to real time.")
	f.Float64Var(&cfg.Volume, util.PrefixConfig(prefix, "volume"), 1, "Initial volume in [0,1].")
}

func (cfg *Config) Validate() error {
	switch {
	case cfg.URL == "":
		return errors.New("a stream url is required")
	case cfg.Speed <= 0:
		return errors.New("speed must be positive")
	case cfg.MaxRetryCount < 0:
		return errors.New("max retry count must not be negative")
	}
	return nil
}
