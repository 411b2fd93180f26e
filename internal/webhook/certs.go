package webhook

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/unclebandit/campaign-mailer/internal/metrics"
)

const maxCertBytes = 64 << 10

// CertFetcher downloads a signing certificate.
type CertFetcher interface {
	Fetch(ctx context.Context, url string) (*x509.Certificate, error)
}

// HTTPCertFetcher fetches PEM certificates over HTTP. The client's timeout
// bounds every fetch.
type HTTPCertFetcher struct {
	Client *http.Client
	Now    func() time.Time
}

func NewHTTPCertFetcher(timeout time.Duration) *HTTPCertFetcher {
	return &HTTPCertFetcher{Client: &http.Client{Timeout: timeout}}
}

func (f *HTTPCertFetcher) Fetch(ctx context.Context, url string) (*x509.Certificate, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch signing cert: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch signing cert: unexpected status %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxCertBytes))
	if err != nil {
		return nil, fmt.Errorf("read signing cert: %w", err)
	}

	block, _ := pem.Decode(raw)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("signing cert is not a PEM certificate")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse signing cert: %w", err)
	}

	now := time.Now()
	if f.Now != nil {
		now = f.Now()
	}
	if now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
		return nil, fmt.Errorf("signing cert is outside its validity period")
	}
	return cert, nil
}

// DefaultMinRefreshAge is how old a cached cert must be before a failed
// verification may replace it.
const DefaultMinRefreshAge = 5 * time.Minute

type certEntry struct {
	cert      *x509.Certificate
	fetchedAt time.Time
}

// CertCache is a bounded, expiring cache of signing certificates keyed by
// URL. Concurrent misses for one URL share a single fetch.
type CertCache struct {
	lru     *expirable.LRU[string, certEntry]
	fetcher CertFetcher
	group   singleflight.Group
	metrics *metrics.Metrics

	MinRefreshAge time.Duration
	Now           func() time.Time
}

func NewCertCache(size int, ttl time.Duration, fetcher CertFetcher, m *metrics.Metrics) *CertCache {
	return &CertCache{
		lru:           expirable.NewLRU[string, certEntry](size, nil, ttl),
		fetcher:       fetcher,
		metrics:       m,
		MinRefreshAge: DefaultMinRefreshAge,
	}
}

func (c *CertCache) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// Get returns the certificate for url and whether it came from the cache.
func (c *CertCache) Get(ctx context.Context, url string) (*x509.Certificate, bool, error) {
	if e, ok := c.lru.Get(url); ok {
		c.metrics.CertCacheLookup("hit")
		return e.cert, true, nil
	}
	c.metrics.CertCacheLookup("miss")

	cert, err := c.fetch(ctx, "get:"+url, url, func() bool { return true })
	if err != nil {
		return nil, false, err
	}
	return cert, false, nil
}

// Refresh replaces the cached cert for url with a fresh download, but only
// once the entry is at least MinRefreshAge old. It reports false when the
// entry was too young to replace; the cached cert then stays in place.
func (c *CertCache) Refresh(ctx context.Context, url string) (*x509.Certificate, bool, error) {
	stale := func() bool {
		e, ok := c.lru.Peek(url)
		return !ok || c.now().Sub(e.fetchedAt) >= c.MinRefreshAge
	}
	cert, err := c.fetch(ctx, "refresh:"+url, url, stale)
	if err != nil {
		return nil, false, err
	}
	if cert == nil {
		c.metrics.CertCacheLookup("refresh_skipped")
		return nil, false, nil
	}
	return cert, true, nil
}

// fetch downloads url once per key for every concurrent caller. The download
// is detached from the first caller's cancellation; the fetcher's own timeout
// bounds it.
func (c *CertCache) fetch(ctx context.Context, key, url string, allowed func() bool) (*x509.Certificate, error) {
	v, err, _ := c.group.Do(key, func() (any, error) {
		if !allowed() {
			return (*x509.Certificate)(nil), nil
		}
		cert, err := c.fetcher.Fetch(context.WithoutCancel(ctx), url)
		if err != nil {
			return nil, err
		}
		c.lru.Add(url, certEntry{cert: cert, fetchedAt: c.now()})
		return cert, nil
	})
	if err != nil {
		c.metrics.CertCacheLookup("error")
		return nil, err
	}
	return v.(*x509.Certificate), nil
}

// Invalidate drops url so the next Get refetches it.
func (c *CertCache) Invalidate(url string) {
	c.lru.Remove(url)
}

func (c *CertCache) Purge() {
	c.lru.Purge()
}

func (c *CertCache) Len() int {
	return c.lru.Len()
}
