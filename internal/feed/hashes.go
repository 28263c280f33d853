package feed

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/gustycube/c2feed/internal/metrics"
	"github.com/gustycube/c2feed/internal/store"
)

// Digest maps an attribute value to its lookup hash.
type Digest func(value string) string

// MD5Digest is the digest MISP instances use when they read hashes.csv.
func MD5Digest(value string) string {
	sum := md5.Sum([]byte(value))
	return hex.EncodeToString(sum[:])
}

// XXHashDigest is a faster alternative for consumers that hash with xxhash64.
func XXHashDigest(value string) string {
	return strconv.FormatUint(xxhash.Sum64String(value), 16)
}

// DigestByName returns the digest for "md5" or "xxhash".
func DigestByName(name string) (Digest, error) {
	switch strings.ToLower(name) {
	case "", "md5":
		return MD5Digest, nil
	case "xxhash", "xxh64":
		return XXHashDigest, nil
	default:
		return nil, Error.New("unknown hash algorithm %q", name)
	}
}

type hashRecord struct {
	hash    string
	batchID string
}

// HashCache buffers (hash, batch id) records until they are flushed to the
// hashes list. Records are never deduplicated.
type HashCache struct {
	store   store.Store
	key     string
	digest  Digest
	pending []hashRecord
}

// NewHashCache creates a cache flushing to the list at key.
func NewHashCache(s store.Store, key string, digest Digest) *HashCache {
	if digest == nil {
		digest = MD5Digest
	}
	return &HashCache{store: s, key: key, digest: digest}
}

// Record buffers the hash of value for batchID. A compound value ("a|b")
// records both halves.
func (h *HashCache) Record(value, batchID string, compound bool) {
	if compound {
		if left, right, ok := strings.Cut(value, "|"); ok {
			h.pending = append(h.pending,
				hashRecord{h.digest(left), batchID},
				hashRecord{h.digest(right), batchID})
			return
		}
	}
	h.pending = append(h.pending, hashRecord{h.digest(value), batchID})
}

// Pending returns the number of buffered records.
func (h *HashCache) Pending() int { return len(h.pending) }

// Flush appends every buffered record to the hashes list as a single blob
// of "hash,batch_id" lines. The buffer is kept when the write fails.
func (h *HashCache) Flush(ctx context.Context) error {
	if len(h.pending) == 0 {
		return nil
	}
	var b strings.Builder
	for _, r := range h.pending {
		b.WriteString(r.hash)
		b.WriteByte(',')
		b.WriteString(r.batchID)
		b.WriteByte('\n')
	}
	if err := h.store.RPush(ctx, h.key, []byte(b.String())); err != nil {
		return Error.Wrap(err)
	}
	metrics.HashRecords.Add(float64(len(h.pending)))
	h.pending = h.pending[:0]
	return nil
}
