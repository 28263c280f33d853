// Package upstream pulls the C2 scanner export.
package upstream

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/zeebo/errs"

	"github.com/gustycube/c2feed/internal/circuitbreaker"
	"github.com/gustycube/c2feed/internal/ingest"
	"github.com/gustycube/c2feed/internal/logging"
)

// Error is the class of pull failures. They are transient: the caller skips
// the cycle.
var Error = errs.Class("upstream")

// DefaultKeyHeader carries the upstream API key.
const DefaultKeyHeader = "API-KEY"

// Default returns an HTTP client with a tuned transport and an overall
// request timeout.
func Default(timeout time.Duration) *http.Client {
	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          4,
		MaxIdleConnsPerHost:   2,
		ResponseHeaderTimeout: timeout,
		IdleConnTimeout:       30 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &http.Client{
		Transport: tr,
		Timeout:   timeout,
	}
}

// Options configures the upstream client.
type Options struct {
	URL       string
	APIKey    string
	KeyHeader string
	Timeout   time.Duration
	// MaxBodyBytes caps the decoded response body.
	MaxBodyBytes int64
	Breaker      *circuitbreaker.Config
	HTTPClient   *http.Client
	Log          *logging.Logger
}

// Client fetches the export behind a circuit breaker.
type Client struct {
	opts    Options
	http    *http.Client
	breaker *circuitbreaker.Breaker
}

// New creates an upstream client guarded by a circuit breaker. A nil
// Breaker uses circuitbreaker.DefaultConfig.
func New(opts Options) *Client {
	if opts.KeyHeader == "" {
		opts.KeyHeader = DefaultKeyHeader
	}
	if opts.Timeout == 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.MaxBodyBytes == 0 {
		opts.MaxBodyBytes = 256 << 20
	}
	if opts.Log == nil {
		opts.Log = logging.Nop()
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = Default(opts.Timeout)
	}
	cfg := circuitbreaker.DefaultConfig()
	if opts.Breaker != nil {
		c := *opts.Breaker
		cfg = &c
	}
	log := opts.Log
	prev := cfg.OnStateChange
	cfg.OnStateChange = func(from, to circuitbreaker.State) {
		log.Warnw("upstream circuit breaker", "from", from.String(), "to", to.String())
		if prev != nil {
			prev(from, to)
		}
	}
	return &Client{opts: opts, http: opts.HTTPClient, breaker: circuitbreaker.New(cfg)}
}

// BreakerState reports the upstream circuit breaker state.
func (c *Client) BreakerState() circuitbreaker.State {
	return c.breaker.State()
}

// HTTPError is a non-200 answer from the upstream.
type HTTPError struct {
	StatusCode int
	Status     string
}

func (e *HTTPError) Error() string {
	return e.Status
}

// Pull fetches the full export: indicator key to raw record. Connection
// errors, non-200 answers, undecodable bodies and an open breaker all
// return an Error.
func (c *Client) Pull(ctx context.Context) (map[string]ingest.Record, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	var out map[string]ingest.Record
	err := c.breaker.Execute(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.opts.URL, nil)
		if err != nil {
			return err
		}
		req.Header.Set(c.opts.KeyHeader, c.opts.APIKey)
		req.Header.Set("Accept", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer func() {
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
		}()
		if resp.StatusCode != http.StatusOK {
			return &HTTPError{StatusCode: resp.StatusCode, Status: resp.Status}
		}

		dec := json.NewDecoder(io.LimitReader(resp.Body, c.opts.MaxBodyBytes))
		dec.UseNumber()
		records := make(map[string]ingest.Record)
		if err := dec.Decode(&records); err != nil {
			return err
		}
		out = records
		return nil
	})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return out, nil
}
