package engine

import "time"

// bufferingInput is what the buffering policy looks at each time data
// arrives.
type bufferingInput struct {
	continuous bool
	everPlayed bool

	cachedBytes    int64
	cachedPackets  int
	cachedDuration time.Duration

	// bytesReceived counts bytes delivered since the input was opened at
	// openOffset.
	bytesReceived int64
	contentLength int64
	openOffset    int64
}

// bufferingComplete reports whether enough data is queued to let the decoder
// run.
func bufferingComplete(cfg *Config, in bufferingInput) bool {
	switch {
	case cfg.UsePrebufferSizeCalculationInPackets:
		if in.cachedPackets >= cfg.RequiredInitialPrebufferedPacketCount {
			return true
		}
	case cfg.UsePrebufferSizeCalculationInSeconds && in.cachedDuration > 0:
		if in.cachedDuration.Seconds() >= cfg.RequiredPrebufferSizeInSeconds {
			return true
		}
	default:
		threshold := cfg.RequiredInitialPrebufferedByteCountForNonContinuousStream
		if in.continuous {
			threshold = cfg.RequiredInitialPrebufferedByteCountForContinuousStream
		}
		if in.cachedBytes > threshold {
			return true
		}
	}

	if in.everPlayed {
		return false
	}

	// Small remaining tails would otherwise never reach the threshold.
	received := float64(in.bytesReceived)
	if remaining := in.contentLength - in.openOffset; in.contentLength > 0 && remaining > 0 {
		if received >= cfg.PrebufferOverrideRatio*float64(remaining) {
			return true
		}
	}
	return received >= cfg.PrebufferOverrideRatio*float64(cfg.MaxPrebufferedByteCount)
}

// bounceDetector counts re-entries into buffering within a sliding window.
type bounceDetector struct {
	interval time.Duration
	max      int

	count int
	start time.Time
}

// observe records a re-entry at now and reports whether the stream is
// bouncing. The window restarts after it fires.
func (b *bounceDetector) observe(now time.Time) bool {
	if b.count == 0 || now.Sub(b.start) > b.interval {
		b.count = 0
		b.start = now
	}
	b.count++

	if b.max > 0 && b.count >= b.max {
		b.count = 0
		return true
	}
	return false
}

func (b *bounceDetector) reset() {
	b.count = 0
	b.start = time.Time{}
}
