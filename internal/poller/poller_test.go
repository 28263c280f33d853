package poller

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gustycube/c2feed/internal/feed"
	"github.com/gustycube/c2feed/internal/ingest"
	"github.com/gustycube/c2feed/internal/logging"
	"github.com/gustycube/c2feed/internal/misp"
	"github.com/gustycube/c2feed/internal/store"
)

var keys = store.Keys{Manifest: "misp_c2_manifest", EventPrefix: "misp_c2_event_prefix_", Hashes: "misp_c2_hashes"}

var fixed = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func clock() time.Time { return fixed }

type fakePuller struct {
	pull  map[string]ingest.Record
	err   error
	calls atomic.Int32
	done  chan struct{}
}

func (f *fakePuller) Pull(ctx context.Context) (map[string]ingest.Record, error) {
	if f.calls.Add(1) == 1 && f.done != nil {
		defer close(f.done)
	}
	return f.pull, f.err
}

func record(port string) ingest.Record {
	return ingest.Record{"port": port, "url": "http://c2/", "C2_last_confirmed": "2024-01-01T09:00:00 UTC"}
}

func newPoller(t *testing.T, s store.Store, p Puller, opts Options) (*Poller, *feed.Generator) {
	t.Helper()
	templates, err := misp.LoadTemplates("")
	require.NoError(t, err)
	gen := feed.NewGenerator(feed.Options{
		Store:   s,
		Keys:    keys,
		Objects: misp.NewRegistry(templates, clock),
		Meta: feed.EventMeta{
			DailyEventName: "C2 daily",
			Org:            misp.Org{Name: "scanner"},
			Analysis:       2,
			ThreatLevelID:  1,
		},
		Now: clock,
		Log: logging.Nop(),
	})
	pipeline := ingest.New(gen, nil, ingest.Options{Now: clock, Log: logging.Nop()})
	opts.Log = logging.Nop()
	return New(p, gen, pipeline, opts), gen
}

func manifest(t *testing.T, s store.Store) map[string]misp.ManifestEntry {
	t.Helper()
	data, err := s.Get(context.Background(), keys.Manifest)
	require.NoError(t, err)
	var m map[string]misp.ManifestEntry
	require.NoError(t, json.Unmarshal(data, &m))
	return m
}

func TestRunOnce(t *testing.T) {
	s := store.NewMemory()
	puller := &fakePuller{pull: map[string]ingest.Record{"192.0.2.1": record("80"), "192.0.2.2": record("8080")}}
	p, _ := newPoller(t, s, puller, Options{})
	require.NoError(t, p.Recover(context.Background()))
	assert.True(t, p.LastSuccess().IsZero())

	stats, err := p.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Added)
	assert.False(t, p.LastSuccess().IsZero())
	assert.Len(t, manifest(t, s), 1)

	stats, err = p.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Added)
	assert.Equal(t, 2, stats.Duplicate)
}

func TestRunOnce_UpstreamFailureLeavesFeedUntouched(t *testing.T) {
	s := store.NewMemory()
	puller := &fakePuller{err: errors.New("connection refused")}
	p, _ := newPoller(t, s, puller, Options{})
	require.NoError(t, p.Recover(context.Background()))

	_, err := p.RunOnce(context.Background())
	require.Error(t, err)
	assert.True(t, p.LastSuccess().IsZero())

	assert.Empty(t, manifest(t, s))
	blobs, err := s.LRange(context.Background(), keys.Hashes)
	require.NoError(t, err)
	assert.Empty(t, blobs)
}

func TestRecover_RebuildsManifest(t *testing.T) {
	s := store.NewMemory()
	first, _ := newPoller(t, s, &fakePuller{pull: map[string]ingest.Record{"192.0.2.1": record("80")}}, Options{})
	require.NoError(t, first.Recover(context.Background()))
	_, err := first.RunOnce(context.Background())
	require.NoError(t, err)
	before := manifest(t, s)

	require.NoError(t, s.Set(context.Background(), keys.Manifest, []byte(`{"bogus":{}}`)))

	second, gen := newPoller(t, s, &fakePuller{}, Options{})
	require.NoError(t, second.Recover(context.Background()))
	assert.Equal(t, before, manifest(t, s))
	ev, _ := gen.OpenBatch()
	require.NotNil(t, ev)
	_, ok := before[ev.UUID]
	assert.True(t, ok, "most recent batch reopened")
}

func TestRun_PollsAndStopsOnCancel(t *testing.T) {
	s := store.NewMemory()
	puller := &fakePuller{
		pull: map[string]ingest.Record{"192.0.2.1": record("80")},
		done: make(chan struct{}),
	}
	var ready atomic.Bool
	p, gen := newPoller(t, s, puller, Options{
		Interval:      time.Hour,
		FlushInterval: 10 * time.Millisecond,
		OnReady:       func() { ready.Store(true) },
	})

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- p.Run(ctx) }()

	select {
	case <-puller.done:
	case <-time.After(5 * time.Second):
		t.Fatal("first poll never happened")
	}
	cancel()

	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	assert.True(t, ready.Load())
	assert.Equal(t, int32(1), puller.calls.Load())
	assert.Contains(t, gen.CurrentHosts(), "192.0.2.1|80")
	blobs, err := s.LRange(context.Background(), keys.Hashes)
	require.NoError(t, err)
	assert.NotEmpty(t, blobs)
}

func TestRun_RecoveryFailure(t *testing.T) {
	s := store.NewMemory()
	s.Fail = func(op, key string) error { return errors.New("down") }
	p, _ := newPoller(t, s, &fakePuller{}, Options{})
	require.Error(t, p.Run(context.Background()))
}
