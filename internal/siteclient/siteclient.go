// Package siteclient is the HTTP adapter the fetch tasks run through. It
// knows the target site's pagination URL shape and classifies transport and
// HTTP failures into the engine's error kinds; it never retries — that is
// the stage's decision.
package siteclient

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/mattercrawl/engine/internal/crawlerr"
)

// FetchResult is one successful GET: the body plus the server metadata the
// analyzer and governor feed on.
type FetchResult struct {
	HTML       string
	Status     int
	Latency    time.Duration
	RetryAfter time.Duration // zero when the server sent no hint
}

// Client fetches listing and detail pages.
type Client struct {
	http     *http.Client
	baseURL  *url.URL
	query    string
	maxBody  int64
	userAgent string
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout bounds each request when the caller's context carries no
// tighter deadline.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http.Timeout = d }
}

// WithMaxBodyBytes caps how much of a response body is read.
func WithMaxBodyBytes(n int64) Option {
	return func(c *Client) { c.maxBody = n }
}

// WithUserAgent overrides the request User-Agent.
func WithUserAgent(ua string) Option {
	return func(c *Client) { c.userAgent = ua }
}

// New builds a Client for base (scheme://host/path) with the fixed listing
// query string (without leading "?"). The transport is wrapped with OTel
// HTTP instrumentation.
func New(base, query string, opts ...Option) (*Client, error) {
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("siteclient: parsing base url %q: %w", base, err)
	}
	c := &Client{
		http: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   30 * time.Second,
		},
		baseURL:   u,
		query:     query,
		maxBody:   4 << 20,
		userAgent: "mattercrawl/1.0",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// ListPageURL returns the listing URL for physical page. Page 1 is the base
// path; page N appends /page/N, preserving the query string.
func (c *Client) ListPageURL(page int) string {
	u := *c.baseURL
	if page > 1 {
		u.Path = fmt.Sprintf("%s/page/%d", trimSlash(u.Path), page)
	}
	u.RawQuery = c.query
	return u.String()
}

func trimSlash(p string) string {
	for len(p) > 0 && p[len(p)-1] == '/' {
		p = p[:len(p)-1]
	}
	return p
}

// FetchListPage GETs physical page p of the listing.
func (c *Client) FetchListPage(ctx context.Context, page int) (FetchResult, error) {
	return c.get(ctx, "siteclient.FetchListPage", c.ListPageURL(page))
}

// FetchDetail GETs one product detail page.
func (c *Client) FetchDetail(ctx context.Context, productURL string) (FetchResult, error) {
	return c.get(ctx, "siteclient.FetchDetail", productURL)
}

func (c *Client) get(ctx context.Context, op, target string) (FetchResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return FetchResult{}, crawlerr.New(op, crawlerr.KindClientError, err)
	}
	req.Header.Set("User-Agent", c.userAgent)

	start := time.Now()
	resp, err := c.http.Do(req)
	latency := time.Since(start)
	if err != nil {
		return FetchResult{}, classifyTransport(op, err)
	}
	defer resp.Body.Close()

	result := FetchResult{
		Status:     resp.StatusCode,
		Latency:    latency,
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
	}

	if kind, ok := classifyStatus(resp.StatusCode); ok {
		return result, crawlerr.NewHTTP(op, kind, resp.StatusCode,
			fmt.Errorf("GET %s: %s", target, resp.Status))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody))
	if err != nil {
		return result, classifyTransport(op, err)
	}
	result.HTML = string(body)
	return result, nil
}

func classifyStatus(status int) (crawlerr.Kind, bool) {
	switch {
	case status == http.StatusTooManyRequests:
		return crawlerr.KindRateLimit, true
	case status == http.StatusNotFound:
		return crawlerr.KindNotFound, true
	case status >= 500:
		return crawlerr.KindServerError, true
	case status >= 400:
		return crawlerr.KindClientError, true
	default:
		return "", false
	}
}

func classifyTransport(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return crawlerr.New(op, crawlerr.KindCancelled, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return crawlerr.New(op, crawlerr.KindNetworkTimeout, err)
	}
	var certErr *tls.CertificateVerificationError
	if errors.As(err, &certErr) {
		return crawlerr.New(op, crawlerr.KindTLS, err)
	}
	var recordErr tls.RecordHeaderError
	if errors.As(err, &recordErr) {
		return crawlerr.New(op, crawlerr.KindTLS, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return crawlerr.New(op, crawlerr.KindNetworkTimeout, err)
	}
	return crawlerr.New(op, crawlerr.KindDisconnected, err)
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
