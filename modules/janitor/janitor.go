// Package janitor keeps the disk cache tidy: it removes the leftovers of
// interrupted downloads and holds the directory under its size cap.
package janitor

import (
	"context"
	"log/slog"

	"github.com/dustin/go-humanize"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/robfig/cron/v3"

	"github.com/zachfi/audiostream/pkg/cache"
)

var module = "janitor"

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

type Janitor struct {
	services.Service
	cfg      *Config
	logger   *slog.Logger
	store    *cache.Store
	maxBytes int64

	cron *cron.Cron

	sweeps *prometheus.CounterVec
	freed  prometheus.Counter
}

// New creates a janitor for store that caps it at maxBytes. A maxBytes of
// zero only purges incomplete entries.
func New(cfg Config, store *cache.Store, maxBytes int64, logger *slog.Logger, reg prometheus.Registerer) (*Janitor, error) {
	if store == nil {
		return nil, errors.New("a cache store is required")
	}

	schedule, err := parser.Parse(cfg.Schedule)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid janitor schedule %q", cfg.Schedule)
	}

	j := &Janitor{
		cfg:      &cfg,
		logger:   logger.With("module", module),
		store:    store,
		maxBytes: maxBytes,
		cron:     cron.New(cron.WithParser(parser)),
		sweeps: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "audiostream",
			Subsystem: module,
			Name:      "sweeps_total",
			Help:      "Cache maintenance sweeps by result.",
		}, []string{"result"}),
		freed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "audiostream",
			Subsystem: module,
			Name:      "freed_bytes_total",
			Help:      "Bytes removed from the cache directory.",
		}),
	}
	j.cron.Schedule(schedule, cron.FuncJob(j.sweep))

	j.Service = services.NewBasicService(j.starting, j.running, j.stopping)

	return j, nil
}

func (j *Janitor) starting(_ context.Context) error {
	if j.cfg.RunOnStart {
		j.sweep()
	}
	return nil
}

func (j *Janitor) running(ctx context.Context) error {
	j.cron.Start()
	<-ctx.Done()
	return nil
}

func (j *Janitor) stopping(_ error) error {
	j.logger.Info("stopping")
	// Wait for a sweep in progress.
	<-j.cron.Stop().Done()
	return nil
}

// sweep purges interrupted artifacts, then evicts old entries over the cap.
func (j *Janitor) sweep() {
	purged, err := j.store.Purge()
	if err != nil {
		j.sweeps.WithLabelValues("error").Inc()
		j.logger.Error("cache purge failed", "err", err)
		return
	}

	evicted, err := j.store.Enforce(j.maxBytes)
	if err != nil {
		j.sweeps.WithLabelValues("error").Inc()
		j.logger.Error("cache size enforcement failed", "err", err)
		return
	}

	freed := purged.Bytes + evicted.Bytes
	j.freed.Add(float64(freed))
	j.sweeps.WithLabelValues("success").Inc()

	if purged.Incomplete > 0 || evicted.Evicted > 0 {
		j.logger.Info("cache swept",
			"incomplete", purged.Incomplete,
			"evicted", evicted.Evicted,
			"freed", humanize.IBytes(uint64(freed)),
		)
	}
}
