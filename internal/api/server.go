// Package api serves the MISP feed read surface: manifest.json, hashes.csv
// and one JSON document per batch, all behind a shared Api-Key header.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/net/netutil"

	"github.com/gustycube/c2feed/internal/logging"
	"github.com/gustycube/c2feed/internal/metrics"
	"github.com/gustycube/c2feed/internal/rate"
	"github.com/gustycube/c2feed/internal/store"
)

// DefaultKeyHeader is the header feed readers send the shared secret in.
const DefaultKeyHeader = "Api-Key"

const (
	detailUnauthorized = "Api-Key header invalid or missing"
	detailInternal     = "Internal server error"
	detailNotFound     = "Not Found"
	detailRateLimited  = "Too Many Requests"
)

// Options configures the read API. Zero values for the rate limit and
// cache disable them.
type Options struct {
	Store     store.Store
	Keys      store.Keys
	APIKey    string
	KeyHeader string
	// RatePerSecond <= 0 disables per-client rate limiting.
	RatePerSecond float64
	RateBurst     int
	// CacheSize <= 0 disables the batch document cache.
	CacheSize int
	CacheTTL  time.Duration
	Now       func() time.Time
	Log       *logging.Logger
}

// Server serves manifest.json, hashes.csv and the batch documents from
// the store. It never touches the feed generator.
type Server struct {
	opts    Options
	limiter *rate.PerClient
	// cache holds documents of batches dated before today, which no longer
	// change.
	cache *expirable.LRU[string, []byte]
}

// New creates a read API server.
func New(opts Options) *Server {
	if opts.KeyHeader == "" {
		opts.KeyHeader = DefaultKeyHeader
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Log == nil {
		opts.Log = logging.Nop()
	}
	if opts.CacheTTL == 0 {
		opts.CacheTTL = time.Hour
	}
	s := &Server{opts: opts}
	if opts.RatePerSecond > 0 {
		burst := opts.RateBurst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.New(opts.RatePerSecond, burst)
	}
	if opts.CacheSize > 0 {
		s.cache = expirable.NewLRU[string, []byte](opts.CacheSize, nil, opts.CacheTTL)
	}
	return s
}

// Handler returns the routed, authenticated and rate limited handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /manifest.json", s.manifest)
	mux.HandleFunc("GET /hashes.csv", s.hashes)
	mux.HandleFunc("GET /{file}", s.event)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeDetail(w, http.StatusNotFound, detailNotFound)
	})
	return s.instrument(s.rateLimit(s.authenticate(mux)))
}

// Serve listens on addr, accepting at most maxConns concurrent connections
// when maxConns > 0, until ctx is done.
func (s *Server) Serve(ctx context.Context, addr string, maxConns int) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	if maxConns > 0 {
		ln = netutil.LimitListener(ln, maxConns)
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	if s.limiter != nil {
		go s.limiter.Janitor(ctx, 10*time.Minute)
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	s.opts.Log.Infow("read API listening", "addr", ln.Addr().String(), "max_conns", maxConns)
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	want := []byte(s.opts.APIKey)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, ok := r.Header[http.CanonicalHeaderKey(s.opts.KeyHeader)]
		if !ok || len(got) == 0 || len(want) == 0 ||
			subtle.ConstantTimeCompare([]byte(got[0]), want) != 1 {
			writeDetail(w, http.StatusUnauthorized, detailUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	if s.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow(clientAddr(r)) {
			w.Header().Set("Retry-After", "1")
			writeDetail(w, http.StatusTooManyRequests, detailRateLimited)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func endpoint(path string) string {
	switch {
	case path == "/manifest.json":
		return "manifest"
	case path == "/hashes.csv":
		return "hashes"
	case strings.HasSuffix(path, ".json") && strings.Count(path, "/") == 1:
		return "event"
	default:
		return "other"
	}
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)
		metrics.APIRequests.WithLabelValues(endpoint(r.URL.Path), strconv.Itoa(rec.code)).Inc()
	})
}

func writeDetail(w http.ResponseWriter, code int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"detail": detail})
}

func writeBody(w http.ResponseWriter, contentType string, body []byte) {
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (s *Server) manifest(w http.ResponseWriter, r *http.Request) {
	data, err := s.opts.Store.Get(r.Context(), s.opts.Keys.Manifest)
	if err != nil {
		// missing or unreachable, both are 500
		s.opts.Log.Errorw("reading manifest", "err", err)
		writeDetail(w, http.StatusInternalServerError, detailInternal)
		return
	}
	writeBody(w, "application/json", data)
}

func (s *Server) hashes(w http.ResponseWriter, r *http.Request) {
	blobs, err := s.opts.Store.LRange(r.Context(), s.opts.Keys.Hashes)
	if err != nil {
		s.opts.Log.Errorw("reading hashes", "err", err)
		writeDetail(w, http.StatusInternalServerError, detailInternal)
		return
	}
	size := 0
	for _, b := range blobs {
		size += len(b)
	}
	body := make([]byte, 0, size)
	for _, b := range blobs {
		body = append(body, b...)
	}
	writeBody(w, "text/csv", body)
}

func (s *Server) event(w http.ResponseWriter, r *http.Request) {
	id, ok := strings.CutSuffix(r.PathValue("file"), ".json")
	if !ok {
		writeDetail(w, http.StatusNotFound, detailNotFound)
		return
	}
	if _, err := uuid.Parse(id); err != nil {
		writeDetail(w, http.StatusNotFound, detailNotFound)
		return
	}

	if s.cache != nil {
		if data, ok := s.cache.Get(id); ok {
			writeBody(w, "application/json", data)
			return
		}
	}

	data, err := s.opts.Store.Get(r.Context(), s.opts.Keys.Event(id))
	if store.ErrNotFound.Has(err) {
		writeDetail(w, http.StatusNotFound, detailNotFound)
		return
	}
	if err != nil {
		s.opts.Log.Errorw("reading event", "id", id, "err", err)
		writeDetail(w, http.StatusInternalServerError, detailInternal)
		return
	}
	if s.cache != nil && s.closed(data) {
		s.cache.Add(id, data)
	}
	writeBody(w, "application/json", data)
}

// closed reports whether the document belongs to a batch dated before today.
func (s *Server) closed(data []byte) bool {
	var doc struct {
		Event struct {
			Date string `json:"date"`
		} `json:"Event"`
	}
	if err := json.Unmarshal(data, &doc); err != nil || doc.Event.Date == "" {
		return false
	}
	return doc.Event.Date < s.opts.Now().Format("2006-01-02")
}
