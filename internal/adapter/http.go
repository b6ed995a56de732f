package adapter

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/time/rate"
)

// HTTPOptions are shared by the HTTP-backed adapters.
type HTTPOptions struct {
	Client *http.Client
	// RatePerSec paces outgoing requests; <= 0 disables pacing.
	RatePerSec float64
	UserAgent  string
	// MaxBody caps the response size read from the marketplace.
	MaxBody int64
}

type httpBase struct {
	name string
	base *url.URL
	opts HTTPOptions
	lim  *rate.Limiter
}

func newHTTPBase(name, baseURL string, o HTTPOptions) httpBase {
	if o.Client == nil {
		o.Client = http.DefaultClient
	}
	if o.UserAgent == "" {
		o.UserAgent = defaultUserAgent
	}
	if o.MaxBody <= 0 {
		o.MaxBody = 4 << 20
	}
	u, err := parseBaseURL(baseURL)
	if err != nil {
		// New rejects bad URLs; direct callers get the error on every request.
		u = &url.URL{}
	}
	b := httpBase{name: name, base: u, opts: o}
	if o.RatePerSec > 0 {
		b.lim = rate.NewLimiter(rate.Limit(o.RatePerSec), 1)
	}
	return b
}

// parseBaseURL accepts absolute http(s) URLs only.
func parseBaseURL(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimRight(strings.TrimSpace(raw), "/"))
	if err != nil {
		return nil, err
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("base url %q must be an absolute http(s) url", raw)
	}
	return u, nil
}

func (b *httpBase) Marketplace() string { return b.name }

// UnreachableError reports a failed round trip without exposing the address
// that was dialed; Err keeps the cause for logs.
type UnreachableError struct {
	Marketplace string
	Err         error
}

func (e *UnreachableError) Error() string { return e.Marketplace + " unreachable" }

func (e *UnreachableError) Unwrap() error { return e.Err }

// get fetches path?q=query and returns the body of a 2xx response.
func (b *httpBase) get(ctx context.Context, path, query, accept string) ([]byte, error) {
	if b.lim != nil {
		if err := b.lim.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%s rate limited: %w", b.name, context.DeadlineExceeded)
		}
	}
	u := *b.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	u.RawQuery = url.Values{"q": {query}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, &UnreachableError{Marketplace: b.name, Err: err}
	}
	req.Header.Set("User-Agent", b.opts.UserAgent)
	req.Header.Set("Accept", accept)
	resp, err := b.opts.Client.Do(req)
	if err != nil {
		return nil, &UnreachableError{Marketplace: b.name, Err: err}
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, b.opts.MaxBody))
	if err != nil {
		return nil, &UnreachableError{Marketplace: b.name, Err: fmt.Errorf("read body: %w", err)}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%s returned HTTP %d", b.name, resp.StatusCode)
	}
	return body, nil
}

// resolve makes ref absolute against the marketplace base URL.
func (b *httpBase) resolve(ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ""
	}
	r, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return b.base.ResolveReference(r).String()
}

var priceNumber = regexp.MustCompile(`\d[\d,]*(?:\.\d+)?`)

// ParsePrice extracts a price from marketplace text such as "Rs. 145,000",
// "PKR 1,299.50" or "145000". Text without digits yields nil.
func ParsePrice(s string) *float64 {
	m := priceNumber.FindString(s)
	if m == "" {
		return nil
	}
	v, err := strconv.ParseFloat(strings.ReplaceAll(m, ",", ""), 64)
	if err != nil || v < 0 {
		return nil
	}
	return &v
}
