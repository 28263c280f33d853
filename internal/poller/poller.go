// Package poller drives the feed: it recovers the manifest on start, then
// pulls the upstream export on a fixed cadence and flushes the open batch on
// a timer.
package poller

import (
	"context"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"

	"github.com/gustycube/c2feed/internal/feed"
	"github.com/gustycube/c2feed/internal/ingest"
	"github.com/gustycube/c2feed/internal/logging"
	"github.com/gustycube/c2feed/internal/metrics"
)

// Puller fetches one full upstream export.
type Puller interface {
	Pull(ctx context.Context) (map[string]ingest.Record, error)
}

// Options configures a Poller. Zero durations take the service defaults
// of 2h between pulls and 5m between flushes.
type Options struct {
	Interval      time.Duration
	FlushInterval time.Duration
	// OnReady is called once recovery has finished.
	OnReady func()
	Log     *logging.Logger
}

// Poller is the only writer of the feed. It owns the generator.
type Poller struct {
	puller   Puller
	gen      *feed.Generator
	pipeline *ingest.Pipeline
	opts     Options

	lastSuccess atomic.Int64
}

// New creates a poller that pulls from puller and feeds pipeline, which
// must write into gen.
func New(puller Puller, gen *feed.Generator, pipeline *ingest.Pipeline, opts Options) *Poller {
	if opts.Interval == 0 {
		opts.Interval = 2 * time.Hour
	}
	if opts.FlushInterval == 0 {
		opts.FlushInterval = 5 * time.Minute
	}
	if opts.Log == nil {
		opts.Log = logging.Nop()
	}
	return &Poller{puller: puller, gen: gen, pipeline: pipeline, opts: opts}
}

// LastSuccess is the time of the last successful upstream pull, zero before
// the first one.
func (p *Poller) LastSuccess() time.Time {
	ns := p.lastSuccess.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Recover rebuilds the manifest from the stored batch documents and reopens
// the most recent batch.
func (p *Poller) Recover(ctx context.Context) error {
	if err := p.gen.Manifest().Rebuild(ctx); err != nil {
		return err
	}
	return p.gen.Open(ctx)
}

// RunOnce performs one poll cycle. Upstream failures are returned without
// touching the feed.
func (p *Poller) RunOnce(ctx context.Context) (ingest.Stats, error) {
	ctx, span := otel.Tracer("c2feed/poller").Start(ctx, "Poll")
	defer span.End()

	pull, err := p.puller.Pull(ctx)
	if err != nil {
		metrics.PollsTotal.WithLabelValues("upstream_error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "upstream")
		return ingest.Stats{}, err
	}
	now := time.Now()
	p.lastSuccess.Store(now.UnixNano())
	metrics.LastPoll.Set(float64(now.Unix()))

	stats, err := p.pipeline.Run(ctx, pull)
	if err != nil {
		metrics.PollsTotal.WithLabelValues("ingest_error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "ingest")
		return stats, err
	}
	metrics.PollsTotal.WithLabelValues("ok").Inc()
	return stats, nil
}

// Run recovers and then polls until ctx is done. Cycle errors are logged and
// never end the loop; a failed cycle simply waits for the next one.
func (p *Poller) Run(ctx context.Context) error {
	if err := p.Recover(ctx); err != nil {
		return err
	}
	if p.opts.OnReady != nil {
		p.opts.OnReady()
	}
	p.opts.Log.Infow("poller started", "interval", p.opts.Interval.String(), "flush_interval", p.opts.FlushInterval.String())

	next := time.NewTimer(0)
	defer next.Stop()
	flush := time.NewTicker(p.opts.FlushInterval)
	defer flush.Stop()

	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			err := p.gen.Flush(shutdownCtx)
			cancel()
			if err != nil {
				p.opts.Log.Errorw("final flush failed", "err", err)
			}
			p.opts.Log.Infow("poller stopped")
			return nil

		case <-flush.C:
			if err := p.gen.Flush(ctx); err != nil {
				p.opts.Log.Warnw("periodic flush failed", "err", err)
			}

		case <-next.C:
			stats, err := p.RunOnce(ctx)
			switch {
			case err == nil:
				p.opts.Log.Infow("poll cycle complete", "added", stats.Added, "records", stats.Total())
			case ctx.Err() != nil:
			default:
				p.opts.Log.Errorw("poll cycle failed", "err", err, "added", stats.Added)
			}
			next.Reset(p.opts.Interval)
		}
	}
}
