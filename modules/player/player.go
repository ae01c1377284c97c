// Package player runs one stream through the engine into the recorder and
// reopens it when it fails.
package player

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"

	"github.com/zachfi/audiostream/pkg/cache"
	"github.com/zachfi/audiostream/pkg/engine"
	"github.com/zachfi/audiostream/pkg/input"
)

type Player struct {
	services.Service
	cfg    *Config
	logger *slog.Logger

	engine   *engine.Engine
	recorder *Recorder
	initial  track

	events chan event

	mu     sync.Mutex
	status engine.State

	retries *prometheus.CounterVec
}

// event carries an engine notification from the engine loop to the player
// loop.
type event struct {
	state  engine.State
	failed bool
	code   engine.ErrorCode
	err    error
}

var module = "player"

// New creates a player that records cfg.URL, opening it through an engine
// configured by engineCfg. store may be nil.
func New(cfg Config, engineCfg engine.Config, store *cache.Store, logger *slog.Logger, reg prometheus.Registerer) (*Player, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid player config: %w", err)
	}

	p := &Player{
		cfg:     &cfg,
		logger:  logger.With("module", module),
		initial: initialTrack(cfg.URL),
		events:  make(chan event, 64),
		retries: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "audiostream",
			Subsystem: module,
			Name:      "retries_total",
			Help:      "Stream reopen attempts by outcome.",
		}, []string{"result"}),
	}
	p.recorder = NewRecorder(cfg, logger, reg)

	e, err := engine.New(engineCfg, engine.Options{
		Device:   p.recorder,
		Observer: p,
		Store:    store,
	}, logger, reg)
	if err != nil {
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}
	p.engine = e

	p.Service = services.NewBasicService(p.starting, p.running, p.stopping)

	return p, nil
}

// initialTrack names recordings before the stream reports any metadata.
func initialTrack(rawURL string) track {
	t := track{station: "local"}
	u, err := url.Parse(rawURL)
	if err != nil {
		t.title = path.Base(rawURL)
		return t
	}
	if u.Host != "" {
		t.station = u.Host
	}
	t.title = strings.TrimSuffix(path.Base(u.Path), path.Ext(u.Path))
	return t
}

// Status is the last engine or retry state the player saw.
func (p *Player) Status() engine.State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *Player) setStatus(s engine.State) {
	p.mu.Lock()
	p.status = s
	p.mu.Unlock()
}

func (p *Player) starting(ctx context.Context) error {
	if err := services.StartAndAwaitRunning(ctx, p.engine); err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}
	return p.engine.SetVolume(p.cfg.Volume)
}

func (p *Player) running(ctx context.Context) error {
	// The recorder outlives the engine so buffers in flight at shutdown
	// still land in the open recording.
	recCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var g errgroup.Group
	g.Go(func() error { return p.recorder.Run(recCtx) })

	p.recorder.SetTrack(p.initial.station, p.initial.title)

	p.logger.Info("opening stream", "url", p.cfg.URL)
	err := p.engine.Open(p.cfg.URL)
	if err == nil {
		err = p.loop(ctx)
	}

	if stopErr := services.StopAndAwaitTerminated(context.Background(), p.engine); stopErr != nil {
		err = errors.Join(err, stopErr)
	}
	cancel()

	return errors.Join(err, g.Wait())
}

func (p *Player) stopping(_ error) error {
	p.logger.Info("stopping")
	return nil
}

// loop applies the restart policy: each failure schedules a resume after
// RetryDelay until MaxRetryCount consecutive attempts have failed.
func (p *Player) loop(ctx context.Context) error {
	var (
		retryC   <-chan time.Time
		attempts int
		retrying bool
	)

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-retryC:
			retryC = nil
			if err := p.engine.Resume(); err != nil {
				p.logger.Warn("resume failed, reopening", "err", err)
				if err := p.engine.Open(p.cfg.URL); err != nil {
					return fmt.Errorf("failed to reopen %s: %w", p.cfg.URL, err)
				}
			}

		case ev := <-p.events:
			if ev.failed {
				if attempts >= p.cfg.MaxRetryCount {
					p.reportRetry(engine.StateRetryFailed)
					p.retries.WithLabelValues("failed").Inc()
					p.logger.Error("giving up on stream", "url", p.cfg.URL, "attempts", attempts, "code", ev.code, "err", ev.err)
					return fmt.Errorf("stream failed after %d retries: %w", attempts, ev.err)
				}

				attempts++
				retrying = true
				p.reportRetry(engine.StateRetryStarted)
				p.retries.WithLabelValues("started").Inc()
				p.logger.Warn("stream failed, retrying", "code", ev.code, "err", ev.err, "attempt", attempts, "delay", p.cfg.RetryDelay)
				retryC = time.After(p.cfg.RetryDelay)
				continue
			}

			p.setStatus(ev.state)
			switch ev.state {
			case engine.StatePlaying, engine.StateEndOfFile:
				if retrying {
					retrying = false
					attempts = 0
					p.reportRetry(engine.StateRetrySucceeded)
					p.retries.WithLabelValues("succeeded").Inc()
					p.logger.Info("stream recovered", "url", p.cfg.URL)
				}
			case engine.StatePlaybackCompleted:
				p.logger.Info("stream finished", "url", p.cfg.URL)
			}
		}
	}
}

// reportRetry publishes a retry state through the engine and keeps it as
// the player status.
func (p *Player) reportRetry(st engine.State) {
	p.setStatus(st)
	if err := p.engine.ReportRetry(st); err != nil {
		p.logger.Debug("retry state not recorded", "state", st, "err", err)
	}
}

func (p *Player) send(ev event) {
	select {
	case p.events <- ev:
	default:
		p.logger.Warn("dropping engine event", "state", ev.state, "failed", ev.failed)
	}
}

func (p *Player) StateChanged(_, next engine.State) {
	p.send(event{state: next})
}

func (p *Player) Failed(code engine.ErrorCode, err error) {
	p.send(event{failed: true, code: code, err: err})
}

func (p *Player) MetadataAvailable(m input.Metadata) {
	title := m.Fields["StreamTitle"]
	if title == "" {
		title = m.Fields["Title"]
	}
	if title == "" {
		return
	}

	station := m.Fields[input.StationNameKey]
	if station == "" {
		station = p.initial.station
	}
	p.recorder.SetTrack(station, title)
}

func (p *Player) BitrateAvailable(br int) {
	p.logger.Info("bitrate detected", "kbps", br/1000)
}

func (p *Player) BuffersEmpty() {}
