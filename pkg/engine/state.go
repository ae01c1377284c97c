package engine

import (
	"time"

	"github.com/zachfi/audiostream/pkg/input"
)

// State is the session state of the engine.
type State int

const (
	StateStopped State = iota
	StateBuffering
	StatePlaying
	StatePaused
	StateSeeking
	StateFailed
	StateEndOfFile
	StatePlaybackCompleted
	StateRetryStarted
	StateRetrySucceeded
	StateRetryFailed
)

var stateNames = [...]string{
	StateStopped:           "stopped",
	StateBuffering:         "buffering",
	StatePlaying:           "playing",
	StatePaused:            "paused",
	StateSeeking:           "seeking",
	StateFailed:            "failed",
	StateEndOfFile:         "end_of_file",
	StatePlaybackCompleted: "playback_completed",
	StateRetryStarted:      "retry_started",
	StateRetrySucceeded:    "retry_succeeded",
	StateRetryFailed:       "retry_failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// ErrorCode classifies a surfaced failure.
type ErrorCode int

const (
	ErrorOpen ErrorCode = iota
	ErrorStreamParse
	ErrorNetwork
	ErrorUnsupportedFormat
	ErrorStreamBouncing
	ErrorTerminated
	ErrorNetworkPermission
	ErrorBadURL
)

var errorCodeNames = [...]string{
	ErrorOpen:              "open",
	ErrorStreamParse:       "stream_parse",
	ErrorNetwork:           "network",
	ErrorUnsupportedFormat: "unsupported_format",
	ErrorStreamBouncing:    "stream_bouncing",
	ErrorTerminated:        "terminated",
	ErrorNetworkPermission: "network_permission",
	ErrorBadURL:            "bad_url",
}

func (c ErrorCode) String() string {
	if c < 0 || int(c) >= len(errorCodeNames) {
		return "unknown"
	}
	return errorCodeNames[c]
}

// Observer receives engine events on the engine's loop goroutine. Calls must
// return quickly and must not call back into the engine synchronously.
type Observer interface {
	StateChanged(prev, next State)
	Failed(code ErrorCode, err error)
	MetadataAvailable(m input.Metadata)
	BitrateAvailable(bitsPerSecond int)
	BuffersEmpty()
}

// NopObserver ignores every event. Embed it to implement a subset.
type NopObserver struct{}

func (NopObserver) StateChanged(State, State)        {}
func (NopObserver) Failed(ErrorCode, error)          {}
func (NopObserver) MetadataAvailable(input.Metadata) {}
func (NopObserver) BitrateAvailable(int)             {}
func (NopObserver) BuffersEmpty()                    {}

// PlaybackPosition is where playback is within the current resource.
type PlaybackPosition struct {
	Fractional float64
	Played     time.Duration
}
