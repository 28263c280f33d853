package ingest

import (
	"context"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/gustycube/c2feed/internal/logging"
	"github.com/gustycube/c2feed/internal/metrics"
	"github.com/gustycube/c2feed/internal/misp"
)

// Sink receives the objects of one run. feed.Generator implements it.
type Sink interface {
	AddObject(ctx context.Context, template string, fields []misp.Field, d misp.Directives) error
	CurrentHosts() map[string]struct{}
	Flush(ctx context.Context) error
}

// Saver asks the backing store to persist its memory tier.
type Saver interface {
	Save(ctx context.Context) error
}

// DefaultObjectTags are attached to the metadata attribute of every object.
var DefaultObjectTags = []misp.Tag{
	{Name: "CobaltStrike", Colour: "#609b4b"},
	{Name: "Cobalt Strike", Colour: "#50b33d"},
	{Name: `admiralty-scale:information-credibility="1"`, Colour: "#0eb100"},
	{Name: `admiralty-scale:source-reliability="a"`, Colour: "#054300"},
}

// Options configures a Pipeline. Zero values take the c2-server template,
// DefaultObjectTags and a 24h maximum record age.
type Options struct {
	Template   string
	ObjectTags []misp.Tag
	MaxAge     time.Duration
	// SkipMalformed counts and skips malformed records instead of aborting
	// the run.
	SkipMalformed bool
	Now           func() time.Time
	Log           *logging.Logger
}

// Pipeline runs upstream pulls through normalization into a Sink.
type Pipeline struct {
	sink  Sink
	saver Saver
	opts  Options
}

// New creates a pipeline writing to sink. saver may be nil.
func New(sink Sink, saver Saver, opts Options) *Pipeline {
	if opts.Template == "" {
		opts.Template = "c2-server"
	}
	if opts.ObjectTags == nil {
		opts.ObjectTags = DefaultObjectTags
	}
	if opts.MaxAge == 0 {
		opts.MaxAge = 24 * time.Hour
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Log == nil {
		opts.Log = logging.Nop()
	}
	return &Pipeline{sink: sink, saver: saver, opts: opts}
}

// Stats counts the outcome of every record in a run.
type Stats struct {
	Added     int
	Stale     int
	Duplicate int
	Malformed int
	Skipped   int
}

func (s Stats) Total() int {
	return s.Added + s.Stale + s.Duplicate + s.Malformed + s.Skipped
}

func (p *Pipeline) directives() misp.Directives {
	return misp.Directives{
		Tags:               map[string][]misp.Tag{"metadata": p.opts.ObjectTags},
		DisableCorrelation: map[string]bool{"metadata": true},
	}
}

// Run ingests one upstream pull. Records are visited in key order. The
// batch is flushed and the store asked to save once every record has been
// handled.
func (p *Pipeline) Run(ctx context.Context, pull map[string]Record) (stats Stats, err error) {
	ctx, span := otel.Tracer("c2feed/ingest").Start(ctx, "Run")
	defer func() {
		span.SetAttributes(
			attribute.Int("records", len(pull)),
			attribute.Int("added", stats.Added),
			attribute.Int("stale", stats.Stale),
			attribute.Int("duplicate", stats.Duplicate),
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	keys := make([]string, 0, len(pull))
	for k := range pull {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	hosts := p.sink.CurrentHosts()
	now := p.opts.Now()
	base := p.directives()

	for _, key := range keys {
		ind, err := Normalize(key, pull[key], now, p.opts.MaxAge)
		switch {
		case ErrStale.Has(err):
			stats.Stale++
			metrics.RecordsTotal.WithLabelValues("stale").Inc()
			continue
		case ErrMalformedRecord.Has(err):
			stats.Malformed++
			metrics.RecordsTotal.WithLabelValues("malformed").Inc()
			if !p.opts.SkipMalformed {
				return stats, err
			}
			p.opts.Log.Warnw("skipping malformed record", "key", key, "err", err)
			continue
		case err != nil:
			return stats, err
		}

		if _, seen := hosts[ind.Key()]; seen {
			stats.Duplicate++
			metrics.RecordsTotal.WithLabelValues("duplicate").Inc()
			continue
		}

		d := base
		d.ToIDs = ind.ToIDs()
		err = p.sink.AddObject(ctx, p.opts.Template, ind.Fields(), d)
		if misp.ErrUnknownTemplate.Has(err) {
			stats.Skipped++
			metrics.RecordsTotal.WithLabelValues("skipped").Inc()
			p.opts.Log.Errorw("object template not loaded, skipping", "template", p.opts.Template, "key", key)
			continue
		}
		if err != nil {
			return stats, err
		}
		hosts[ind.Key()] = struct{}{}
		stats.Added++
		metrics.RecordsTotal.WithLabelValues("added").Inc()
	}

	if err := p.sink.Flush(ctx); err != nil {
		return stats, err
	}
	if p.saver != nil {
		if err := p.saver.Save(ctx); err != nil {
			return stats, err
		}
	}
	p.opts.Log.Infow("ingestion run complete",
		"records", len(pull), "added", stats.Added, "stale", stats.Stale,
		"duplicate", stats.Duplicate, "malformed", stats.Malformed, "skipped", stats.Skipped)
	return stats, nil
}
