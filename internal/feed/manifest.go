package feed

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/gustycube/c2feed/internal/logging"
	"github.com/gustycube/c2feed/internal/misp"
	"github.com/gustycube/c2feed/internal/store"
)

// Manifest is the in-memory copy of manifest.json: batch id to entry. It is
// a derived index; Rebuild recreates it from the event documents.
type Manifest struct {
	store   store.Store
	keys    store.Keys
	entries map[string]misp.ManifestEntry
	log     *logging.Logger
}

// NewManifest creates an empty manifest; Load or Rebuild fills it.
func NewManifest(s store.Store, keys store.Keys, log *logging.Logger) *Manifest {
	return &Manifest{store: s, keys: keys, entries: make(map[string]misp.ManifestEntry), log: log}
}

// Load reads the stored manifest. A missing manifest is rebuilt from the
// event documents.
func (m *Manifest) Load(ctx context.Context) error {
	data, err := m.store.Get(ctx, m.keys.Manifest)
	if store.ErrNotFound.Has(err) {
		m.log.Infow("manifest missing, rebuilding", "key", m.keys.Manifest)
		return m.Rebuild(ctx)
	}
	if err != nil {
		return Error.Wrap(err)
	}
	entries := make(map[string]misp.ManifestEntry)
	if err := json.Unmarshal(data, &entries); err != nil {
		return Error.New("decode manifest: %v", err)
	}
	m.entries = entries
	return nil
}

// Rebuild scans every event document, derives its manifest entry and
// overwrites the stored manifest with the result.
func (m *Manifest) Rebuild(ctx context.Context) error {
	entries := make(map[string]misp.ManifestEntry)
	err := m.store.Scan(ctx, m.keys.EventPattern(), func(key string) error {
		data, err := m.store.Get(ctx, key)
		if store.ErrNotFound.Has(err) {
			// deleted between SCAN and GET
			return nil
		}
		if err != nil {
			return err
		}
		var doc misp.Document
		if err := json.Unmarshal(data, &doc); err != nil {
			m.log.Warnw("skipping undecodable event document", "key", key, "err", err)
			return nil
		}
		id := m.keys.EventID(key)
		if doc.Event.UUID != id {
			m.log.Warnw("event document uuid does not match its key", "key", key, "uuid", doc.Event.UUID)
			return nil
		}
		entries[id] = doc.Event.ManifestEntry()
		return nil
	})
	if err != nil {
		return Error.Wrap(err)
	}
	if err := m.write(ctx, entries); err != nil {
		return err
	}
	m.entries = entries
	m.log.Infow("manifest rebuilt", "events", len(entries))
	return nil
}

// Merge adds or replaces entries and persists the whole manifest. The
// in-memory manifest changes only once the stored one has.
func (m *Manifest) Merge(ctx context.Context, entries map[string]misp.ManifestEntry) error {
	merged := make(map[string]misp.ManifestEntry, len(m.entries)+len(entries))
	for id, e := range m.entries {
		merged[id] = e
	}
	for id, e := range entries {
		merged[id] = e
	}
	if err := m.write(ctx, merged); err != nil {
		return err
	}
	m.entries = merged
	return nil
}

func (m *Manifest) write(ctx context.Context, entries map[string]misp.ManifestEntry) error {
	data, err := json.Marshal(entries)
	if err != nil {
		return Error.Wrap(err)
	}
	return Error.Wrap(m.store.Set(ctx, m.keys.Manifest, data))
}

// MostRecent returns the id and entry with the greatest (date, info), ties
// broken by info descending.
func (m *Manifest) MostRecent() (string, misp.ManifestEntry, bool) {
	if len(m.entries) == 0 {
		return "", misp.ManifestEntry{}, false
	}
	ids := m.IDs()
	sort.SliceStable(ids, func(i, j int) bool {
		a, b := m.entries[ids[i]], m.entries[ids[j]]
		if a.Date != b.Date {
			return a.Date > b.Date
		}
		if a.Info != b.Info {
			return a.Info > b.Info
		}
		return ids[i] > ids[j]
	})
	return ids[0], m.entries[ids[0]], true
}

// Entry returns the entry for id.
func (m *Manifest) Entry(id string) (misp.ManifestEntry, bool) {
	e, ok := m.entries[id]
	return e, ok
}

// IDs returns the batch ids in the manifest, sorted.
func (m *Manifest) IDs() []string {
	ids := make([]string, 0, len(m.entries))
	for id := range m.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (m *Manifest) Len() int { return len(m.entries) }
