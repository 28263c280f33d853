// Package ingest turns an upstream pull into feed objects: it normalizes
// each raw record, drops stale and already published indicators, and hands
// the rest to the feed generator.
package ingest

import (
	"bytes"
	"encoding/json"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/zeebo/errs"

	"github.com/gustycube/c2feed/internal/misp"
)

var (
	// ErrMalformedRecord marks an upstream record that cannot be normalized.
	ErrMalformedRecord = errs.Class("malformed record")
	// ErrStale marks a record last confirmed outside the accepted window.
	ErrStale = errs.Class("stale record")
)

// LastConfirmedLayout is the only accepted C2_last_confirmed format.
const LastConfirmedLayout = "2006-01-02T15:04:05 UTC"

const lastSeenLayout = "2006-01-02T15:04:05"

// Record is one raw upstream record, keyed in the pull by host or IP.
type Record map[string]any

// stripped never reach the metadata blob.
var stripped = []string{"host", "port", "url", "C2_last_confirmed", "ptr", "whois", "geodata"}

// Indicator is a normalized C2 endpoint.
type Indicator struct {
	// IP or Hostname is set, never both.
	IP       string
	Hostname string
	Port     string
	Scheme   string
	LastSeen time.Time

	CertFingerprint string
	Watermark       string
	Metadata        string
}

// Key is the primary key of the indicator in MISP compound form: "ip|port"
// or "hostname|port".
func (ind *Indicator) Key() string {
	if ind.IP != "" {
		return ind.IP + "|" + ind.Port
	}
	return ind.Hostname + "|" + ind.Port
}

// Fields returns the c2-server object fields in attribute order.
func (ind *Indicator) Fields() []misp.Field {
	fields := []misp.Field{{Relation: "scheme", Value: ind.Scheme}}
	if ind.CertFingerprint != "" {
		fields = append(fields, misp.Field{Relation: "cs-certificate-fingerprint", Value: ind.CertFingerprint})
	}
	if ind.Watermark != "" {
		fields = append(fields, misp.Field{Relation: "cs-watermark", Value: ind.Watermark})
	}
	fields = append(fields,
		misp.Field{Relation: "port", Value: ind.Port},
		misp.Field{Relation: "last-seen", Value: ind.LastSeen.Format(lastSeenLayout)},
	)
	if ind.IP != "" {
		fields = append(fields, misp.Field{Relation: "ip-dst|port", Value: ind.Key()})
	} else {
		fields = append(fields,
			misp.Field{Relation: "domain", Value: ind.Hostname},
			misp.Field{Relation: "hostname|port", Value: ind.Key()})
	}
	return append(fields, misp.Field{Relation: "metadata", Value: ind.Metadata})
}

// ToIDs returns the detection flags: the endpoint is actionable, a bare
// hostname is not.
func (ind *Indicator) ToIDs() map[string]bool {
	if ind.IP != "" {
		return map[string]bool{"ip-dst|port": true}
	}
	return map[string]bool{"hostname|port": true, "domain": false}
}

// Normalize converts the record stored under key. It returns ErrStale when
// the record was last confirmed more than maxAge before now.
func Normalize(key string, rec Record, now time.Time, maxAge time.Duration) (*Indicator, error) {
	confirmed, _ := rec["C2_last_confirmed"].(string)
	lastSeen, err := time.Parse(LastConfirmedLayout, confirmed)
	if err != nil {
		return nil, ErrMalformedRecord.New("%s: C2_last_confirmed %q", key, confirmed)
	}
	if now.Sub(lastSeen) > maxAge {
		return nil, ErrStale.New("%s: last confirmed %s", key, confirmed)
	}

	ind := &Indicator{LastSeen: lastSeen}

	url, _ := rec["url"].(string)
	switch {
	case strings.Contains(url, "https://"):
		ind.Scheme = "https"
		ind.CertFingerprint = certFingerprint(rec)
	case strings.Contains(url, "http://"):
		ind.Scheme = "http"
	case hasKey(rec, "DNS") || hasKey(rec, "dns"):
		ind.Scheme = "dns"
	default:
		return nil, ErrMalformedRecord.New("%s: unknown scheme", key)
	}

	if beacon, ok := rec["beacon_config"].(map[string]any); ok && len(beacon) > 0 {
		wm, ok := beacon["Watermark"]
		if !ok {
			return nil, ErrMalformedRecord.New("%s: beacon_config without Watermark", key)
		}
		ind.Watermark = scalar(wm)
	}

	ind.Port = scalar(rec["port"])
	if ind.Port == "" {
		return nil, ErrMalformedRecord.New("%s: missing port", key)
	}

	if _, err := netip.ParseAddr(key); err == nil {
		ind.IP = key
	} else {
		ind.Hostname = key
	}

	ind.Metadata, err = metadata(rec)
	if err != nil {
		return nil, ErrMalformedRecord.New("%s: metadata: %v", key, err)
	}
	return ind, nil
}

func hasKey(rec Record, k string) bool {
	_, ok := rec[k]
	return ok
}

func certComponents(rec Record) map[string]any {
	cert, _ := rec["cert"].(map[string]any)
	comp, _ := cert["cert_components"].(map[string]any)
	return comp
}

func certFingerprint(rec Record) string {
	comp := certComponents(rec)
	if failed, ok := comp["error"].(bool); !ok || failed {
		return ""
	}
	fp, _ := comp["SHA256_fingerprint"].(string)
	return fp
}

// scalar renders a JSON string or number as text.
func scalar(v any) string {
	switch v := v.(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	default:
		return ""
	}
}

// metadata serializes the record without the stripped fields. The record
// itself is left untouched.
func metadata(rec Record) (string, error) {
	ctx := make(map[string]any, len(rec))
	for k, v := range rec {
		ctx[k] = v
	}
	for _, k := range stripped {
		delete(ctx, k)
	}
	if comp := certComponents(rec); comp != nil {
		if _, ok := comp["SHA256_fingerprint"]; ok {
			cert := make(map[string]any)
			for k, v := range rec["cert"].(map[string]any) {
				cert[k] = v
			}
			trimmed := make(map[string]any, len(comp))
			for k, v := range comp {
				if k != "SHA256_fingerprint" {
					trimmed[k] = v
				}
			}
			cert["cert_components"] = trimmed
			ctx["cert"] = cert
		}
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(ctx); err != nil {
		return "", err
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}
