// Package metadata resolves off-chain JSON documents referenced by on-chain
// URIs (job descriptions, proposals, deliveries, dispute reasons).
package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultTimeout bounds one metadata fetch
	DefaultTimeout = 5 * time.Second
	// DefaultMaxBytes caps the size of a metadata document
	DefaultMaxBytes = 1 << 20
	// DefaultGateway serves ipfs:// URIs when none is configured
	DefaultGateway = "https://ipfs.io"
)

var (
	// ErrUnsupportedURI is returned for URIs no fetcher knows how to resolve
	ErrUnsupportedURI = errors.New("unsupported metadata uri")
	// ErrEmptyURI is returned when the contract field was never set
	ErrEmptyURI = errors.New("empty metadata uri")
)

// Document is a resolved metadata document. Fallback is true when the
// document was synthesized because the fetch failed.
type Document struct {
	URI         string                 `json:"uri"`
	Title       string                 `json:"title,omitempty"`
	Description string                 `json:"description,omitempty"`
	Fields      map[string]interface{} `json:"fields,omitempty"`
	Fallback    bool                   `json:"fallback"`
}

// FetchError describes a failed fetch of one URI
type FetchError struct {
	URI string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch metadata %s: %v", e.URI, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Fetcher resolves a metadata URI to a document
type Fetcher interface {
	Fetch(ctx context.Context, uri string) (Document, error)
}

// Fallback is the documented value served when a document cannot be fetched
func Fallback(uri string) Document {
	return Document{URI: uri, Fallback: true}
}

// Resolve fetches uri and substitutes Fallback(uri) on any failure. The
// error is still returned so callers can log it.
func Resolve(ctx context.Context, f Fetcher, uri string) (Document, error) {
	doc, err := f.Fetch(ctx, uri)
	if err != nil {
		return Fallback(uri), err
	}
	return doc, nil
}

// HTTPConfig configures an HTTPFetcher
type HTTPConfig struct {
	Gateway           string
	Timeout           time.Duration
	MaxBytes          int64
	RequestsPerSecond float64
	Burst             int
	UserAgent         string
}

// HTTPFetcher fetches http(s) URIs directly and ipfs:// URIs via a gateway
type HTTPFetcher struct {
	gateway   string
	hc        *http.Client
	limiter   *rate.Limiter
	maxBytes  int64
	timeout   time.Duration
	userAgent string
}

// NewHTTPFetcher creates a fetcher with a bounded timeout per document
func NewHTTPFetcher(cfg HTTPConfig) *HTTPFetcher {
	if cfg.Gateway == "" {
		cfg.Gateway = DefaultGateway
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultMaxBytes
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "escrow-sync/1.0"
	}

	f := &HTTPFetcher{
		gateway:   strings.TrimRight(cfg.Gateway, "/"),
		hc:        &http.Client{Timeout: cfg.Timeout},
		maxBytes:  cfg.MaxBytes,
		timeout:   cfg.Timeout,
		userAgent: cfg.UserAgent,
	}
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		f.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return f
}

// Fetch implements Fetcher. Every failure is a *FetchError.
func (f *HTTPFetcher) Fetch(ctx context.Context, uri string) (Document, error) {
	target, err := f.resolveURL(uri)
	if err != nil {
		return Document{}, &FetchError{URI: uri, Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			return Document{}, &FetchError{URI: uri, Err: err}
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return Document{}, &FetchError{URI: uri, Err: err}
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "application/json")

	res, err := f.hc.Do(req)
	if err != nil {
		return Document{}, &FetchError{URI: uri, Err: err}
	}
	defer res.Body.Close()
	if res.StatusCode >= 400 {
		return Document{}, &FetchError{URI: uri, Err: fmt.Errorf("status %d", res.StatusCode)}
	}

	body, err := io.ReadAll(io.LimitReader(res.Body, f.maxBytes+1))
	if err != nil {
		return Document{}, &FetchError{URI: uri, Err: err}
	}
	if int64(len(body)) > f.maxBytes {
		return Document{}, &FetchError{URI: uri, Err: fmt.Errorf("document exceeds %d bytes", f.maxBytes)}
	}

	return parseDocument(uri, body)
}

func (f *HTTPFetcher) resolveURL(uri string) (string, error) {
	uri = strings.TrimSpace(uri)
	if uri == "" {
		return "", ErrEmptyURI
	}

	u, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnsupportedURI, err)
	}
	switch u.Scheme {
	case "http", "https":
		return uri, nil
	case "ipfs":
		// ipfs://<cid>/<path> and the legacy ipfs://ipfs/<cid>
		p := strings.TrimPrefix(u.Host+u.Path, "ipfs/")
		if p == "" {
			return "", fmt.Errorf("%w: %s", ErrUnsupportedURI, uri)
		}
		return f.gateway + "/ipfs/" + p, nil
	case "":
		if looksLikeCID(uri) {
			return f.gateway + "/ipfs/" + uri, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupportedURI, uri)
}

func looksLikeCID(s string) bool {
	return (strings.HasPrefix(s, "Qm") && len(s) == 46) || strings.HasPrefix(s, "bafy")
}

func parseDocument(uri string, body []byte) (Document, error) {
	var fields map[string]interface{}
	if err := json.Unmarshal(body, &fields); err != nil {
		return Document{}, &FetchError{URI: uri, Err: fmt.Errorf("invalid json: %w", err)}
	}

	doc := Document{URI: uri, Fields: fields}
	if s, ok := fields["title"].(string); ok {
		doc.Title = s
	} else if s, ok := fields["name"].(string); ok {
		doc.Title = s
	}
	if s, ok := fields["description"].(string); ok {
		doc.Description = s
	}
	return doc, nil
}
