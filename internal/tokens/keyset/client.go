package keyset

import (
	"context"
	"crypto/ed25519"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"settld-gateway/pkg/crypto"
	"settld-gateway/pkg/errors"
	"settld-gateway/pkg/log"
)

const cacheKey = "wellknown"

// Client fetches the well-known SettldPay keyset and serves it from a TTL
// cache. A pinned fallback key stays resolvable even when the fetch fails, so
// token verification degrades instead of breaking on a keyset outage.
type Client struct {
	http       *resty.Client
	url        string
	cache      *gocache.Cache
	defaultTTL time.Duration
	pinned     *Snapshot
}

// ClientOptions configures a keyset client.
type ClientOptions struct {
	WellKnownURL string
	FetchTimeout time.Duration
	CacheTTL     time.Duration
	PinnedKeyPEM string
}

// NewClient builds a keyset client. The pinned key PEM is optional.
func NewClient(opts ClientOptions) (*Client, error) {
	pinned := NewSnapshot(nil)
	if opts.PinnedKeyPEM != "" {
		pub, err := crypto.ParsePublicKeyPEM([]byte(opts.PinnedKeyPEM))
		if err != nil {
			return nil, errors.ErrInvalidInput.WithMessage("invalid pinned keyset key").Wrap(err)
		}
		keyID, err := crypto.KeyIDFromPublicKey(pub)
		if err != nil {
			return nil, err
		}
		pinned = NewSnapshot(map[string]ed25519.PublicKey{keyID: pub})
	}

	timeout := opts.FetchTimeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	ttl := opts.CacheTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}

	return &Client{
		http:       resty.New().SetTimeout(timeout),
		url:        opts.WellKnownURL,
		cache:      gocache.New(ttl, ttl),
		defaultTTL: ttl,
		pinned:     pinned,
	}, nil
}

// Active returns the current snapshot: the cached well-known set merged with
// the pinned fallback. When no well-known URL is configured only the pinned
// set is served.
func (c *Client) Active(ctx context.Context) *Snapshot {
	if c.url == "" {
		return c.pinned
	}
	if cached, ok := c.cache.Get(cacheKey); ok {
		return cached.(*Snapshot).Merge(c.pinned)
	}

	snapshot, ttl, err := c.fetch(ctx)
	if err != nil {
		log.LoggerFromContext(ctx).Warn("keyset fetch failed, serving pinned fallback",
			zap.String("url", c.url),
			zap.Error(err),
		)
		return c.pinned
	}
	c.cache.Set(cacheKey, snapshot, ttl)
	return snapshot.Merge(c.pinned)
}

// Resolve implements tokens.KeyResolver against the active snapshot.
func (c *Client) Resolve(keyID string) []byte {
	return c.Active(context.Background()).Resolve(keyID)
}

func (c *Client) fetch(ctx context.Context) (*Snapshot, time.Duration, error) {
	var doc JWKS
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&doc).
		Get(c.url)
	if err != nil {
		return nil, 0, errors.ErrKeysetUnavailable.Wrap(err)
	}
	if resp.IsError() {
		return nil, 0, errors.ErrKeysetUnavailable.WithDetails("status", resp.StatusCode())
	}

	ttl := c.defaultTTL
	if maxAge := parseMaxAge(resp.Header().Get("Cache-Control")); maxAge > 0 {
		ttl = maxAge
	}
	return SnapshotFromJWKS(doc), ttl, nil
}

// parseMaxAge extracts max-age from a Cache-Control header, 0 when absent.
func parseMaxAge(header string) time.Duration {
	for _, directive := range strings.Split(header, ",") {
		directive = strings.TrimSpace(directive)
		if !strings.HasPrefix(directive, "max-age=") {
			continue
		}
		seconds, err := strconv.Atoi(strings.TrimPrefix(directive, "max-age="))
		if err != nil || seconds <= 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}
	return 0
}
