// Package feed owns the daily MISP event: which batch an indicator belongs
// to, when batches rotate, and keeping the manifest and hash list in step
// with the event documents.
package feed

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/errs"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/gustycube/c2feed/internal/logging"
	"github.com/gustycube/c2feed/internal/metrics"
	"github.com/gustycube/c2feed/internal/misp"
	"github.com/gustycube/c2feed/internal/store"
)

var (
	// Error is the class of feed generation failures.
	Error = errs.Class("feed")
	// ErrInconsistent is returned when the manifest references a batch whose
	// document is missing.
	ErrInconsistent = errs.Class("manifest inconsistency")
)

const dateLayout = "2006-01-02"

// EventMeta is the publication metadata stamped on every new batch.
type EventMeta struct {
	DailyEventName string
	Org            misp.Org
	Tags           []misp.Tag
	Analysis       int
	ThreatLevelID  int
	Published      bool
}

// Title is the info line of the batch for date.
func (m EventMeta) Title(date string) string {
	return m.DailyEventName + " " + date
}

// Generator is the batch lifecycle manager. It is not safe for concurrent
// use: a single owner (the poller) drives it.
type Generator struct {
	store    store.Store
	keys     store.Keys
	manifest *Manifest
	hashes   *HashCache
	objects  *misp.Registry
	meta     EventMeta
	log      *logging.Logger

	now        func() time.Time
	flushEvery time.Duration
	flushNext  time.Time

	// open is nil until the first batch is loaded or created.
	open     *misp.Event
	openDate string
}

// Options configures a Generator. Digest defaults to MD5Digest and
// FlushInterval to 5m.
type Options struct {
	Store         store.Store
	Keys          store.Keys
	Objects       *misp.Registry
	Meta          EventMeta
	Digest        Digest
	FlushInterval time.Duration
	Now           func() time.Time
	Log           *logging.Logger
}

// NewGenerator creates a generator with no open batch; call Open before
// the first mutation to resume the stored feed.
func NewGenerator(opts Options) *Generator {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Log == nil {
		opts.Log = logging.Nop()
	}
	if opts.FlushInterval == 0 {
		opts.FlushInterval = 5 * time.Minute
	}
	return &Generator{
		store:      opts.Store,
		keys:       opts.Keys,
		manifest:   NewManifest(opts.Store, opts.Keys, opts.Log),
		hashes:     NewHashCache(opts.Store, opts.Keys.Hashes, opts.Digest),
		objects:    opts.Objects,
		meta:       opts.Meta,
		log:        opts.Log,
		now:        opts.Now,
		flushEvery: opts.FlushInterval,
		flushNext:  opts.Now().Add(opts.FlushInterval),
	}
}

func (g *Generator) Manifest() *Manifest { return g.manifest }

func (g *Generator) Hashes() *HashCache { return g.hashes }

// OpenBatch returns the open batch and its date, or nil when none is open.
func (g *Generator) OpenBatch() (*misp.Event, string) {
	return g.open, g.openDate
}

// Open loads the manifest and reopens its most recent batch. With an empty
// manifest no batch is open until the first mutation.
func (g *Generator) Open(ctx context.Context) error {
	if err := g.manifest.Load(ctx); err != nil {
		return err
	}
	id, entry, ok := g.manifest.MostRecent()
	if !ok {
		g.open, g.openDate = nil, ""
		return nil
	}
	ev, err := g.loadEvent(ctx, id)
	if err != nil {
		return err
	}
	g.open, g.openDate = ev, entry.Date
	g.log.Infow("reopened batch", "id", id, "date", entry.Date, "objects", len(ev.Object))
	return nil
}

func (g *Generator) loadEvent(ctx context.Context, id string) (*misp.Event, error) {
	data, err := g.store.Get(ctx, g.keys.Event(id))
	if store.ErrNotFound.Has(err) {
		return nil, ErrInconsistent.New("manifest lists %s but its document is missing", id)
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	var doc misp.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, Error.New("decode event %s: %v", id, err)
	}
	if doc.Event.UUID != id {
		return nil, ErrInconsistent.New("document under %s carries uuid %s", id, doc.Event.UUID)
	}
	return &doc.Event, nil
}

func (g *Generator) today() string {
	return g.now().Format(dateLayout)
}

// EnsureCurrent rotates to today's batch when the open batch is from an
// earlier date or no batch is open. The previous batch is flushed as is.
func (g *Generator) EnsureCurrent(ctx context.Context) error {
	today := g.today()
	if g.open != nil && g.openDate == today {
		return nil
	}
	if g.open != nil {
		if err := g.Flush(ctx); err != nil {
			return err
		}
	}

	now := g.now()
	ev := &misp.Event{
		UUID:          uuid.NewString(),
		Info:          g.meta.Title(today),
		Date:          today,
		Analysis:      g.meta.Analysis,
		ThreatLevelID: g.meta.ThreatLevelID,
		Published:     g.meta.Published,
		Orgc:          g.meta.Org,
		Tag:           append([]misp.Tag(nil), g.meta.Tags...),
	}
	ev.Touch(now)
	if err := g.writeEvent(ctx, ev); err != nil {
		return err
	}
	// Once its document exists the batch is today's batch, even if indexing
	// it fails below; the next write-through merges it again.
	previous := g.open
	g.open, g.openDate = ev, today
	metrics.BatchesCreated.Inc()
	if previous != nil {
		g.log.Infow("rotated batch", "previous", previous.UUID, "previous_date", previous.Date, "id", ev.UUID, "date", today)
	} else {
		g.log.Infow("created batch", "id", ev.UUID, "date", today)
	}
	return g.manifest.Merge(ctx, map[string]misp.ManifestEntry{ev.UUID: ev.ManifestEntry()})
}

// AddObject builds an object from the named template and appends it to
// today's batch. The batch document is written before the manifest is
// updated, so the manifest never indexes an unwritten change.
func (g *Generator) AddObject(ctx context.Context, template string, fields []misp.Field, d misp.Directives) (err error) {
	ctx, span := otel.Tracer("c2feed/feed").Start(ctx, "AddObject",
		trace.WithAttributes(attribute.String("template", template)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if err := g.EnsureCurrent(ctx); err != nil {
		return err
	}
	tmpl, ok := g.objects.Template(template)
	if !ok {
		return misp.ErrUnknownTemplate.New("%q", template)
	}
	obj, err := g.objects.Build(template, fields, d)
	if err != nil {
		return err
	}

	// The object is committed to the open batch only after its document
	// has been written.
	next := *g.open
	next.Object = next.Object[:len(next.Object):len(next.Object)]
	next.AddObject(obj)
	now := g.now()
	next.Touch(now)
	if err := g.writeEvent(ctx, &next); err != nil {
		return err
	}
	g.open = &next
	for _, f := range fields {
		if f.Value == "" {
			continue
		}
		g.hashes.Record(f.Value, g.open.UUID, tmpl.IsCompound(f.Relation))
	}
	if err := g.manifest.Merge(ctx, map[string]misp.ManifestEntry{g.open.UUID: g.open.ManifestEntry()}); err != nil {
		return err
	}

	if !now.Before(g.flushNext) {
		if err := g.hashes.Flush(ctx); err != nil {
			return err
		}
		g.flushNext = now.Add(g.flushEvery)
	}
	return nil
}

// Flush writes the open batch and drains the hash cache.
func (g *Generator) Flush(ctx context.Context) error {
	if g.open != nil {
		if err := g.writeEvent(ctx, g.open); err != nil {
			return err
		}
	}
	return g.hashes.Flush(ctx)
}

// CurrentHosts returns the endpoint values (ip|port, hostname|port) already
// in today's batch. It is empty when the open batch is from another day.
func (g *Generator) CurrentHosts() map[string]struct{} {
	hosts := make(map[string]struct{})
	if g.open == nil || g.openDate != g.today() {
		return hosts
	}
	for i := range g.open.Object {
		for _, v := range g.open.Object[i].Values("ip-dst|port", "hostname|port") {
			hosts[v] = struct{}{}
		}
	}
	return hosts
}

func (g *Generator) writeEvent(ctx context.Context, ev *misp.Event) error {
	data, err := json.Marshal(misp.Document{Event: *ev})
	if err != nil {
		return Error.Wrap(err)
	}
	return Error.Wrap(g.store.Set(ctx, g.keys.Event(ev.UUID), data))
}
