// Package fetcher retrieves the content of externalized message parts. Two
// location schemes are understood: s3:// URLs resolve against the object
// store the client was built with, http:// and https:// URLs are fetched
// over the network with the configured user agent and cookie policy.
//
// Network reads carry an inactivity timeout: a source that stops producing
// bytes mid stream fails the read instead of pinning the rebuild forever.
// The fetcher never retries; the rebuild engine treats a failed fetch as a
// failed stream and the caller decides whether to start over.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/migadu/crake/pkg/metrics"
)

const DefaultInactivityTimeout = 60 * time.Second

// ObjectStore resolves s3:// URLs. *storage.S3Storage satisfies this.
type ObjectStore interface {
	Get(ctx context.Context, key string) (io.ReadCloser, error)
}

// CookieProvider supplies the Cookie header value for an outbound fetch.
// An empty return means no cookie header is sent.
type CookieProvider interface {
	Cookies(u *url.URL) string
}

// CookieFunc adapts a plain function to CookieProvider.
type CookieFunc func(u *url.URL) string

func (f CookieFunc) Cookies(u *url.URL) string { return f(u) }

// Options configures a Client. The zero value is usable: default timeout,
// no user agent, no cookies, s3 URLs rejected.
type Options struct {
	UserAgent         string
	Cookies           CookieProvider
	InactivityTimeout time.Duration

	// HTTPClient overrides the transport, mainly for tests.
	HTTPClient *http.Client
}

// Client fetches externalized content. Safe for concurrent use.
type Client struct {
	store      ObjectStore
	httpClient *http.Client
	userAgent  string
	cookies    CookieProvider
	timeout    time.Duration
}

func New(store ObjectStore, opts Options) *Client {
	timeout := opts.InactivityTimeout
	if timeout <= 0 {
		timeout = DefaultInactivityTimeout
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		store:      store,
		httpClient: httpClient,
		userAgent:  opts.UserAgent,
		cookies:    opts.Cookies,
		timeout:    timeout,
	}
}

// Fetch opens a stream over the content behind rawURL. The caller owns the
// returned reader and must close it.
func (c *Client) Fetch(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse attachment url: %w", err)
	}

	scheme := strings.ToLower(u.Scheme)
	start := time.Now()
	var rc io.ReadCloser
	switch scheme {
	case "s3":
		rc, err = c.fetchObject(ctx, u)
	case "http", "https":
		rc, err = c.fetchHTTP(ctx, u)
	default:
		err = fmt.Errorf("unsupported attachment url scheme %q", u.Scheme)
	}

	status := "success"
	if err != nil {
		status = "failure"
	}
	metrics.AttachmentFetchesTotal.WithLabelValues(scheme, status).Inc()
	metrics.AttachmentFetchDuration.WithLabelValues(scheme).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}
	return rc, nil
}

// fetchObject serves s3://<bucket>/<key>. The bucket component is carried
// for readability of stored URLs; the bound object store already knows its
// bucket, so only the key is used.
func (c *Client) fetchObject(ctx context.Context, u *url.URL) (io.ReadCloser, error) {
	if c.store == nil {
		return nil, errors.New("no object store configured for s3 attachment urls")
	}
	key := strings.TrimPrefix(u.Path, "/")
	if key == "" {
		return nil, fmt.Errorf("attachment url %q carries no object key", u)
	}
	rc, err := c.store.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("object store get %s: %w", key, err)
	}
	return rc, nil
}

func (c *Client) fetchHTTP(ctx context.Context, u *url.URL) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build attachment request: %w", err)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	if c.cookies != nil {
		if cookie := c.cookies.Cookies(u); cookie != "" {
			req.Header.Set("Cookie", cookie)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", u, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return nil, fmt.Errorf("fetch %s: unexpected status %s", u, resp.Status)
	}
	return newIdleTimeoutReader(resp.Body, c.timeout), nil
}
