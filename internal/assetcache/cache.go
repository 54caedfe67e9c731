// Package assetcache keeps the client shell usable offline: a versioned
// cache of fetched assets with a per-origin fetch policy. Enumerated CDN
// origins are served cache-first, application assets network-first with a
// cache fallback, and the remote blob endpoint is never cached at all: its
// content changes out-of-band from the local store and a pull must always
// see the true remote state.
package assetcache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
)

// Policy is the fetch strategy applied to one origin.
type Policy int

const (
	// PolicyNetworkFirst tries the network and falls back to the cache.
	PolicyNetworkFirst Policy = iota
	// PolicyCacheFirst serves a cached copy when one exists.
	PolicyCacheFirst
	// PolicyBypass always hits the network and never stores the response.
	PolicyBypass
)

// ErrUnavailable means neither the network nor the cache could serve the
// asset.
var ErrUnavailable = errors.New("asset unavailable")

type entry struct {
	body        []byte
	contentType string
}

// Cache is a generation-keyed asset cache. Assets live under the generation
// tag they were fetched during; Activate prunes every generation but the
// current one, mirroring a client-side cache upgrade.
type Cache struct {
	generation string
	client     *http.Client

	cacheFirstOrigins []string
	bypassOrigins     []string

	mu          sync.RWMutex
	generations map[string]map[string]entry
}

// New builds a Cache for the given generation tag. cacheFirstOrigins lists
// third-party script origins; bypassOrigins lists origins that must never be
// cached (the blob endpoint).
func New(generation string, client *http.Client, cacheFirstOrigins, bypassOrigins []string) *Cache {
	if client == nil {
		client = http.DefaultClient
	}
	return &Cache{
		generation:        generation,
		client:            client,
		cacheFirstOrigins: cacheFirstOrigins,
		bypassOrigins:     bypassOrigins,
		generations:       map[string]map[string]entry{generation: {}},
	}
}

// PolicyFor resolves the fetch policy for a URL from its origin.
func (c *Cache) PolicyFor(rawURL string) Policy {
	u, err := url.Parse(rawURL)
	if err != nil {
		return PolicyNetworkFirst
	}
	origin := u.Scheme + "://" + u.Host
	for _, o := range c.bypassOrigins {
		if strings.EqualFold(origin, strings.TrimSuffix(o, "/")) {
			return PolicyBypass
		}
	}
	for _, o := range c.cacheFirstOrigins {
		if strings.EqualFold(origin, strings.TrimSuffix(o, "/")) {
			return PolicyCacheFirst
		}
	}
	return PolicyNetworkFirst
}

// Precache fetches the enumerated assets into the current generation. A
// failed asset is reported but does not abort the rest, matching install
// behavior: the shell should come up even when one asset is flaky.
func (c *Cache) Precache(ctx context.Context, urls []string) error {
	var firstErr error
	for _, u := range urls {
		if _, _, err := c.fetchAndStore(ctx, u); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("precache %s: %w", u, err)
		}
	}
	return firstErr
}

// Activate deletes every cache generation except the current one.
func (c *Cache) Activate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for gen := range c.generations {
		if gen != c.generation {
			delete(c.generations, gen)
		}
	}
}

// Generations returns the known generation tags; used by tests and
// diagnostics.
func (c *Cache) Generations() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.generations))
	for gen := range c.generations {
		out = append(out, gen)
	}
	return out
}

// Fetch returns the asset body and content type, applying the origin policy.
func (c *Cache) Fetch(ctx context.Context, rawURL string) ([]byte, string, error) {
	switch c.PolicyFor(rawURL) {
	case PolicyBypass:
		return c.fetchNetwork(ctx, rawURL)
	case PolicyCacheFirst:
		if body, ct, ok := c.lookup(rawURL); ok {
			return body, ct, nil
		}
		return c.fetchAndStore(ctx, rawURL)
	default:
		body, ct, err := c.fetchAndStore(ctx, rawURL)
		if err == nil {
			return body, ct, nil
		}
		if cached, ct, ok := c.lookup(rawURL); ok {
			return cached, ct, nil
		}
		return nil, "", err
	}
}

func (c *Cache) lookup(rawURL string) ([]byte, string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.generations[c.generation][rawURL]
	if !ok {
		return nil, "", false
	}
	return e.body, e.contentType, true
}

func (c *Cache) fetchAndStore(ctx context.Context, rawURL string) ([]byte, string, error) {
	body, ct, err := c.fetchNetwork(ctx, rawURL)
	if err != nil {
		return nil, "", err
	}
	c.mu.Lock()
	if c.generations[c.generation] == nil {
		c.generations[c.generation] = map[string]entry{}
	}
	c.generations[c.generation][rawURL] = entry{body: body, contentType: ct}
	c.mu.Unlock()
	return body, ct, nil
}

func (c *Cache) fetchNetwork(ctx context.Context, rawURL string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return body, resp.Header.Get("Content-Type"), nil
}

// adoptGeneration registers a foreign generation for testing upgrades.
func (c *Cache) adoptGeneration(gen string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.generations[gen]; !ok {
		c.generations[gen] = map[string]entry{}
	}
}
