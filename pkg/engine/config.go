package engine

import (
	"flag"
	"time"

	"github.com/pkg/errors"
	"github.com/zachfi/zkit/pkg/util"

	"github.com/zachfi/audiostream/pkg/input"
)

type Config struct {
	// Output ring sizing.
	BufferCount int `yaml:"buffer_count,omitempty"`
	BufferSize  int `yaml:"buffer_size,omitempty"`

	// HTTPConnectionBufferSize is the read chunk size for every input.
	HTTPConnectionBufferSize int `yaml:"http_connection_buffer_size,omitempty"`

	// MaxPrebufferedByteCount caps the bytes held by the packet queue. The
	// input is unscheduled while the cap is reached.
	MaxPrebufferedByteCount int64 `yaml:"max_prebuffered_byte_count,omitempty"`

	RequiredInitialPrebufferedByteCountForContinuousStream    int64   `yaml:"required_initial_prebuffered_byte_count_for_continuous_stream,omitempty"`
	RequiredInitialPrebufferedByteCountForNonContinuousStream int64   `yaml:"required_initial_prebuffered_byte_count_for_non_continuous_stream,omitempty"`
	RequiredInitialPrebufferedPacketCount                     int     `yaml:"required_initial_prebuffered_packet_count,omitempty"`
	UsePrebufferSizeCalculationInSeconds                      bool    `yaml:"use_prebuffer_size_calculation_in_seconds,omitempty"`
	UsePrebufferSizeCalculationInPackets                      bool    `yaml:"use_prebuffer_size_calculation_in_packets,omitempty"`
	RequiredPrebufferSizeInSeconds                            float64 `yaml:"required_prebuffer_size_in_seconds,omitempty"`

	// PrebufferOverrideRatio completes buffering once this share of the
	// remaining content, or of the prebuffer cap, has been received.
	PrebufferOverrideRatio float64 `yaml:"prebuffer_override_ratio,omitempty"`

	BounceInterval        time.Duration `yaml:"bounce_interval,omitempty"`
	MaxBounceCount        int           `yaml:"max_bounce_count,omitempty"`
	StartupWatchdogPeriod time.Duration `yaml:"startup_watchdog_period,omitempty"`

	CacheEnabled            bool   `yaml:"cache_enabled,omitempty"`
	SeekingFromCacheEnabled bool   `yaml:"seeking_from_cache_enabled,omitempty"`
	CacheDirectory          string `yaml:"cache_directory,omitempty"`
	StoreDirectory          string `yaml:"store_directory,omitempty"`
	MaxDiskCacheSize        int64  `yaml:"max_disk_cache_size,omitempty"`

	RequireStrictContentTypeChecking bool `yaml:"require_strict_content_type_checking,omitempty"`

	// Playback ends cleanly when the input has ended and less than
	// CompletionGraceMin of audio is unaccounted for; up to
	// CompletionGraceMax it ends after the remainder plays out.
	CompletionGraceMin time.Duration `yaml:"completion_grace_min,omitempty"`
	CompletionGraceMax time.Duration `yaml:"completion_grace_max,omitempty"`

	RewindSafetyPackets int           `yaml:"rewind_safety_packets,omitempty"`
	SeekPollInterval    time.Duration `yaml:"seek_poll_interval,omitempty"`
	DecodeInterval      time.Duration `yaml:"decode_interval,omitempty"`

	HTTP input.HTTPConfig `yaml:"http,omitempty"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.IntVar(&cfg.BufferCount, util.PrefixConfig(prefix, "buffer-count"), 64, "Number of output buffers.")
	f.IntVar(&cfg.BufferSize, util.PrefixConfig(prefix, "buffer-size"), 8192, "Size of each output buffer in bytes.")
	f.IntVar(&cfg.HTTPConnectionBufferSize, util.PrefixConfig(prefix, "http-connection-buffer-size"), 8192, "Input read chunk size in bytes.")
	f.Int64Var(&cfg.MaxPrebufferedByteCount, util.PrefixConfig(prefix, "max-prebuffered-byte-count"), 20_000_000, "Cap on bytes held by the packet queue.")
	f.Int64Var(&cfg.RequiredInitialPrebufferedByteCountForContinuousStream, util.PrefixConfig(prefix, "required-prebuffer-continuous"), 256_000, "Bytes to buffer before a continuous stream starts playing.")
	f.Int64Var(&cfg.RequiredInitialPrebufferedByteCountForNonContinuousStream, util.PrefixConfig(prefix, "required-prebuffer-non-continuous"), 256_000, "Bytes to buffer before a finite stream starts playing.")
	f.IntVar(&cfg.RequiredInitialPrebufferedPacketCount, util.PrefixConfig(prefix, "required-prebuffer-packets"), 32, "Packets to buffer before playing when counting packets.")
	f.BoolVar(&cfg.UsePrebufferSizeCalculationInSeconds, util.PrefixConfig(prefix, "prebuffer-in-seconds"), false, "Measure the initial prebuffer in seconds of audio.")
	f.BoolVar(&cfg.UsePrebufferSizeCalculationInPackets, util.PrefixConfig(prefix, "prebuffer-in-packets"), false, "Measure the initial prebuffer in packets.")
	f.Float64Var(&cfg.RequiredPrebufferSizeInSeconds, util.PrefixConfig(prefix, "required-prebuffer-seconds"), 7, "Seconds of audio to buffer when measuring in seconds.")
	f.Float64Var(&cfg.PrebufferOverrideRatio, util.PrefixConfig(prefix, "prebuffer-override-ratio"), 0.9, "Share of the remaining content that completes buffering early.")
	f.DurationVar(&cfg.BounceInterval, util.PrefixConfig(prefix, "bounce-interval"), 10*time.Second, "Window in which rebuffer events are counted.")
	f.IntVar(&cfg.MaxBounceCount, util.PrefixConfig(prefix, "max-bounce-count"), 4, "Rebuffer events within the window that fail the stream.")
	f.DurationVar(&cfg.StartupWatchdogPeriod, util.PrefixConfig(prefix, "startup-watchdog-period"), 30*time.Second, "Fail when no packet was decoded this long after opening.")
	f.BoolVar(&cfg.CacheEnabled, util.PrefixConfig(prefix, "cache-enabled"), true, "Mirror finite streams to the disk cache.")
	f.BoolVar(&cfg.SeekingFromCacheEnabled, util.PrefixConfig(prefix, "seeking-from-cache-enabled"), true, "Seek within queued packets without reopening.")
	f.StringVar(&cfg.CacheDirectory, util.PrefixConfig(prefix, "cache-directory"), "", "Writable cache directory. Defaults to a directory under the system temp dir.")
	f.StringVar(&cfg.StoreDirectory, util.PrefixConfig(prefix, "store-directory"), "", "Read-only directory of pre-populated cache entries.")
	f.Int64Var(&cfg.MaxDiskCacheSize, util.PrefixConfig(prefix, "max-disk-cache-size"), 256_000_000, "Cache directory size cap enforced by the janitor.")
	f.BoolVar(&cfg.RequireStrictContentTypeChecking, util.PrefixConfig(prefix, "strict-content-type"), true, "Reject sources whose content type is not audio.")
	f.DurationVar(&cfg.CompletionGraceMin, util.PrefixConfig(prefix, "completion-grace-min"), time.Second, "Unplayed audio below which an ended stream completes at once.")
	f.DurationVar(&cfg.CompletionGraceMax, util.PrefixConfig(prefix, "completion-grace-max"), 2*time.Second, "Unplayed audio up to which an ended stream completes after it plays out.")
	f.IntVar(&cfg.RewindSafetyPackets, util.PrefixConfig(prefix, "rewind-safety-packets"), 16, "Packets that must stay queued after a rewind.")
	f.DurationVar(&cfg.SeekPollInterval, util.PrefixConfig(prefix, "seek-poll-interval"), 50*time.Millisecond, "Interval for checking that the decoder is idle before a seek.")
	f.DurationVar(&cfg.DecodeInterval, util.PrefixConfig(prefix, "decode-interval"), 15*time.Millisecond, "Decode loop tick.")

	cfg.HTTP.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "http"), f)
}

func (cfg *Config) Validate() error {
	switch {
	case cfg.BufferCount <= 0:
		return errors.New("buffer count must be positive")
	case cfg.BufferSize <= 0:
		return errors.New("buffer size must be positive")
	case cfg.MaxPrebufferedByteCount <= 0:
		return errors.New("max prebuffered byte count must be positive")
	case cfg.UsePrebufferSizeCalculationInPackets && cfg.RequiredInitialPrebufferedPacketCount <= 0:
		return errors.New("required prebuffered packet count must be positive")
	case cfg.BounceInterval < 0, cfg.StartupWatchdogPeriod < 0, cfg.CompletionGraceMin < 0:
		return errors.New("periods must not be negative")
	case cfg.CompletionGraceMax < cfg.CompletionGraceMin:
		return errors.New("completion grace max must not be below min")
	case cfg.PrebufferOverrideRatio < 0 || cfg.PrebufferOverrideRatio > 1:
		return errors.New("prebuffer override ratio must be within [0,1]")
	case cfg.DecodeInterval <= 0 || cfg.SeekPollInterval <= 0:
		return errors.New("decode and seek poll intervals must be positive")
	}

	return nil
}
