package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gustycube/c2feed/internal/feed"
	"github.com/gustycube/c2feed/internal/logging"
	"github.com/gustycube/c2feed/internal/misp"
	"github.com/gustycube/c2feed/internal/store"
)

var now = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func fieldMap(fields []misp.Field) map[string]string {
	m := make(map[string]string, len(fields))
	for _, f := range fields {
		m[f.Relation] = f.Value
	}
	return m
}

func httpsRecord() Record {
	return Record{
		"port":              "443",
		"url":               "https://198.51.100.7/abcd",
		"C2_last_confirmed": "2024-01-01T09:00:00 UTC",
		"cert": map[string]any{
			"cert_components": map[string]any{
				"error":              false,
				"SHA256_fingerprint": "abc",
				"issuer":             "CN=Major Cobalt Strike",
			},
		},
		"ptr":     "host.example",
		"whois":   map[string]any{"asn": "64500"},
		"geodata": map[string]any{"country": "SE"},
	}
}

func TestNormalize_Schemes(t *testing.T) {
	t.Run("https with certificate", func(t *testing.T) {
		ind, err := Normalize("198.51.100.7", httpsRecord(), now, 24*time.Hour)
		require.NoError(t, err)
		f := fieldMap(ind.Fields())
		assert.Equal(t, "https", f["scheme"])
		assert.Equal(t, "abc", f["cs-certificate-fingerprint"])
		assert.Equal(t, "198.51.100.7|443", f["ip-dst|port"])
		assert.Equal(t, "2024-01-01T09:00:00", f["last-seen"])
		assert.NotContains(t, f, "domain")
	})

	t.Run("https with certificate error", func(t *testing.T) {
		rec := httpsRecord()
		rec["cert"].(map[string]any)["cert_components"].(map[string]any)["error"] = true
		ind, err := Normalize("198.51.100.7", rec, now, 24*time.Hour)
		require.NoError(t, err)
		assert.Empty(t, ind.CertFingerprint)
	})

	t.Run("http", func(t *testing.T) {
		rec := Record{"port": "80", "url": "http://x", "C2_last_confirmed": "2024-01-01T09:00:00 UTC"}
		ind, err := Normalize("198.51.100.7", rec, now, 24*time.Hour)
		require.NoError(t, err)
		f := fieldMap(ind.Fields())
		assert.Equal(t, "http", f["scheme"])
		assert.NotContains(t, f, "cs-certificate-fingerprint")
	})

	t.Run("dns", func(t *testing.T) {
		for _, k := range []string{"dns", "DNS"} {
			rec := Record{"port": "53", k: true, "C2_last_confirmed": "2024-01-01T09:00:00 UTC"}
			ind, err := Normalize("c2.example", rec, now, 24*time.Hour)
			require.NoError(t, err)
			assert.Equal(t, "dns", ind.Scheme)
		}
	})

	t.Run("unknown", func(t *testing.T) {
		rec := Record{"port": "53", "C2_last_confirmed": "2024-01-01T09:00:00 UTC"}
		_, err := Normalize("c2.example", rec, now, 24*time.Hour)
		require.Error(t, err)
		assert.True(t, ErrMalformedRecord.Has(err))

		rec["url"] = "ftp://c2.example"
		_, err = Normalize("c2.example", rec, now, 24*time.Hour)
		assert.True(t, ErrMalformedRecord.Has(err))
	})
}

func TestNormalize_Hostname(t *testing.T) {
	rec := Record{"port": json.Number("8080"), "url": "http://c2.example:8080/", "C2_last_confirmed": "2024-01-01T09:00:00 UTC"}
	ind, err := Normalize("c2.example", rec, now, 24*time.Hour)
	require.NoError(t, err)
	assert.Empty(t, ind.IP)
	assert.Equal(t, "c2.example|8080", ind.Key())

	f := fieldMap(ind.Fields())
	assert.Equal(t, "c2.example", f["domain"])
	assert.Equal(t, "c2.example|8080", f["hostname|port"])
	assert.NotContains(t, f, "ip-dst|port")
	assert.Equal(t, map[string]bool{"hostname|port": true, "domain": false}, ind.ToIDs())
}

func TestNormalize_IPv6(t *testing.T) {
	rec := Record{"port": 443.0, "url": "https://[2001:db8::1]/", "C2_last_confirmed": "2024-01-01T09:00:00 UTC"}
	ind, err := Normalize("2001:db8::1", rec, now, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "2001:db8::1|443", ind.Key())
	assert.Equal(t, map[string]bool{"ip-dst|port": true}, ind.ToIDs())
}

func TestNormalize_Malformed(t *testing.T) {
	cases := map[string]Record{
		"timestamp without UTC": {"port": "80", "url": "http://x", "C2_last_confirmed": "2024-01-01T09:00:00"},
		"timestamp missing":     {"port": "80", "url": "http://x"},
		"missing port":          {"url": "http://x", "C2_last_confirmed": "2024-01-01T09:00:00 UTC"},
		"beacon without watermark": {
			"port": "80", "url": "http://x", "C2_last_confirmed": "2024-01-01T09:00:00 UTC",
			"beacon_config": map[string]any{"SleepTime": 60000},
		},
	}
	for name, rec := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Normalize("198.51.100.7", rec, now, 24*time.Hour)
			require.Error(t, err)
			assert.True(t, ErrMalformedRecord.Has(err))
		})
	}
}

func TestNormalize_Watermark(t *testing.T) {
	rec := Record{
		"port": "80", "url": "http://x", "C2_last_confirmed": "2024-01-01T09:00:00 UTC",
		"beacon_config": map[string]any{"Watermark": json.Number("987654321")},
	}
	ind, err := Normalize("198.51.100.7", rec, now, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "987654321", fieldMap(ind.Fields())["cs-watermark"])

	rec["beacon_config"] = map[string]any{}
	ind, err = Normalize("198.51.100.7", rec, now, 24*time.Hour)
	require.NoError(t, err)
	assert.Empty(t, ind.Watermark)
}

func TestNormalize_Stale(t *testing.T) {
	rec := Record{"port": "80", "url": "http://x", "C2_last_confirmed": "2023-12-31T11:59:59 UTC"}
	_, err := Normalize("198.51.100.7", rec, now, 24*time.Hour)
	require.Error(t, err)
	assert.True(t, ErrStale.Has(err))
	assert.False(t, ErrMalformedRecord.Has(err))
}

func TestNormalize_MetadataStripped(t *testing.T) {
	rec := httpsRecord()
	rec["host"] = "198.51.100.7"
	rec["beacon_config"] = map[string]any{"Watermark": "1", "C2Server": "198.51.100.7,/abcd"}

	ind, err := Normalize("198.51.100.7", rec, now, 24*time.Hour)
	require.NoError(t, err)

	var meta map[string]any
	require.NoError(t, json.Unmarshal([]byte(ind.Metadata), &meta))
	for _, k := range []string{"host", "port", "url", "C2_last_confirmed", "ptr", "whois", "geodata"} {
		assert.NotContains(t, meta, k)
	}
	comp := meta["cert"].(map[string]any)["cert_components"].(map[string]any)
	assert.NotContains(t, comp, "SHA256_fingerprint")
	assert.Equal(t, "CN=Major Cobalt Strike", comp["issuer"])
	assert.Contains(t, meta, "beacon_config")

	// the input record is not modified
	orig := rec["cert"].(map[string]any)["cert_components"].(map[string]any)
	assert.Equal(t, "abc", orig["SHA256_fingerprint"])
	assert.Contains(t, rec, "whois")
}

type addCall struct {
	template string
	fields   []misp.Field
	d        misp.Directives
}

type fakeSink struct {
	hosts   map[string]struct{}
	calls   []addCall
	flushes int
	addErr  func(template string) error
}

func (s *fakeSink) AddObject(ctx context.Context, template string, fields []misp.Field, d misp.Directives) error {
	if s.addErr != nil {
		if err := s.addErr(template); err != nil {
			return err
		}
	}
	s.calls = append(s.calls, addCall{template, fields, d})
	return nil
}

func (s *fakeSink) CurrentHosts() map[string]struct{} {
	out := make(map[string]struct{}, len(s.hosts))
	for k := range s.hosts {
		out[k] = struct{}{}
	}
	return out
}

func (s *fakeSink) Flush(ctx context.Context) error {
	s.flushes++
	return nil
}

type fakeSaver struct{ saves int }

func (s *fakeSaver) Save(ctx context.Context) error {
	s.saves++
	return nil
}

func newPipeline(sink Sink, saver Saver, skip bool) *Pipeline {
	return New(sink, saver, Options{
		Now:           func() time.Time { return now },
		SkipMalformed: skip,
		Log:           logging.Nop(),
	})
}

func TestPipeline_Run(t *testing.T) {
	sink := &fakeSink{hosts: map[string]struct{}{"198.51.100.9|443": {}}}
	saver := &fakeSaver{}
	pull := map[string]Record{
		"198.51.100.7": httpsRecord(),
		"198.51.100.8": {"port": "443", "url": "https://x", "C2_last_confirmed": "2023-12-30T09:00:00 UTC"},
		"198.51.100.9": {"port": "443", "url": "https://x", "C2_last_confirmed": "2024-01-01T09:00:00 UTC"},
		"c2.example":   {"port": "53", "dns": true, "C2_last_confirmed": "2024-01-01T10:00:00 UTC"},
	}

	stats, err := newPipeline(sink, saver, false).Run(context.Background(), pull)
	require.NoError(t, err)
	assert.Equal(t, Stats{Added: 2, Stale: 1, Duplicate: 1}, stats)
	assert.Equal(t, 4, stats.Total())

	require.Len(t, sink.calls, 2)
	first := sink.calls[0]
	assert.Equal(t, "c2-server", first.template)
	assert.Equal(t, "198.51.100.7|443", fieldMap(first.fields)["ip-dst|port"])
	assert.Equal(t, map[string]bool{"ip-dst|port": true}, first.d.ToIDs)
	assert.Equal(t, map[string]bool{"metadata": true}, first.d.DisableCorrelation)
	assert.Equal(t, DefaultObjectTags, first.d.Tags["metadata"])

	second := sink.calls[1]
	assert.Equal(t, "c2.example|53", fieldMap(second.fields)["hostname|port"])
	assert.Equal(t, map[string]bool{"hostname|port": true, "domain": false}, second.d.ToIDs)

	assert.Equal(t, 1, sink.flushes)
	assert.Equal(t, 1, saver.saves)
}

func TestPipeline_StaleRecordsNeverReachTheSink(t *testing.T) {
	sink := &fakeSink{}
	pull := map[string]Record{
		"198.51.100.7": {"port": "443", "url": "https://x", "C2_last_confirmed": "2023-12-31T11:00:00 UTC"},
	}
	stats, err := newPipeline(sink, nil, false).Run(context.Background(), pull)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Stale)
	assert.Empty(t, sink.calls)
}

func TestPipeline_MalformedAbortsRun(t *testing.T) {
	sink := &fakeSink{}
	saver := &fakeSaver{}
	pull := map[string]Record{
		"198.51.100.1": {"port": "443", "url": "https://x", "C2_last_confirmed": "2024-01-01T09:00:00 UTC"},
		"198.51.100.2": {"port": "443", "C2_last_confirmed": "2024-01-01T09:00:00 UTC"},
		"198.51.100.3": {"port": "443", "url": "https://x", "C2_last_confirmed": "2024-01-01T09:00:00 UTC"},
	}
	stats, err := newPipeline(sink, saver, false).Run(context.Background(), pull)
	require.Error(t, err)
	assert.True(t, ErrMalformedRecord.Has(err))
	assert.Equal(t, 1, stats.Added)
	assert.Len(t, sink.calls, 1)
	assert.Equal(t, 0, sink.flushes)
	assert.Equal(t, 0, saver.saves)
}

func TestPipeline_SkipMalformed(t *testing.T) {
	sink := &fakeSink{}
	pull := map[string]Record{
		"198.51.100.1": {"port": "443", "url": "https://x", "C2_last_confirmed": "2024-01-01T09:00:00 UTC"},
		"198.51.100.2": {"port": "443", "C2_last_confirmed": "2024-01-01T09:00:00 UTC"},
		"198.51.100.3": {"port": "443", "url": "https://x", "C2_last_confirmed": "2024-01-01T09:00:00 UTC"},
	}
	stats, err := newPipeline(sink, nil, true).Run(context.Background(), pull)
	require.NoError(t, err)
	assert.Equal(t, Stats{Added: 2, Malformed: 1}, stats)
	assert.Equal(t, 1, sink.flushes)
}

func TestPipeline_UnknownTemplateIsSkipped(t *testing.T) {
	sink := &fakeSink{addErr: func(template string) error {
		return misp.ErrUnknownTemplate.New("%q", template)
	}}
	pull := map[string]Record{
		"198.51.100.1": {"port": "443", "url": "https://x", "C2_last_confirmed": "2024-01-01T09:00:00 UTC"},
	}
	stats, err := newPipeline(sink, nil, false).Run(context.Background(), pull)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Skipped)
	assert.Equal(t, 1, sink.flushes)
}

func TestPipeline_SinkFailureAbortsRun(t *testing.T) {
	down := errors.New("connection refused")
	sink := &fakeSink{addErr: func(string) error { return down }}
	saver := &fakeSaver{}
	pull := map[string]Record{
		"198.51.100.1": {"port": "443", "url": "https://x", "C2_last_confirmed": "2024-01-01T09:00:00 UTC"},
	}
	_, err := newPipeline(sink, saver, true).Run(context.Background(), pull)
	assert.ErrorIs(t, err, down)
	assert.Equal(t, 0, saver.saves)
}

func TestPipeline_WithGenerator(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	keys := store.Keys{Manifest: "misp_c2_manifest", EventPrefix: "misp_c2_event_prefix_", Hashes: "misp_c2_hashes"}
	clock := func() time.Time { return now }
	templates, err := misp.LoadTemplates("")
	require.NoError(t, err)
	gen := feed.NewGenerator(feed.Options{
		Store:   mem,
		Keys:    keys,
		Objects: misp.NewRegistry(templates, clock),
		Meta:    feed.EventMeta{DailyEventName: "SUNET_C2_daily"},
		Now:     clock,
	})
	require.NoError(t, gen.Open(ctx))

	p := New(gen, mem, Options{Now: clock})
	pull := map[string]Record{"198.51.100.7": httpsRecord()}

	stats, err := p.Run(ctx, pull)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Added)
	assert.Equal(t, 1, mem.Saves())

	// the same pull again is deduplicated against today's batch
	stats, err = p.Run(ctx, pull)
	require.NoError(t, err)
	assert.Equal(t, Stats{Duplicate: 1}, stats)

	ev, _ := gen.OpenBatch()
	require.Len(t, ev.Object, 1)
	var metadata *misp.Attribute
	for i, a := range ev.Object[0].Attribute {
		if a.ObjectRelation == "metadata" {
			metadata = &ev.Object[0].Attribute[i]
		}
	}
	require.NotNil(t, metadata)
	assert.True(t, metadata.DisableCorrelation)
	assert.Len(t, metadata.Tag, len(DefaultObjectTags))

	blobs, err := mem.LRange(ctx, keys.Hashes)
	require.NoError(t, err)
	assert.NotEmpty(t, blobs, "run end flushes hashes")
}
