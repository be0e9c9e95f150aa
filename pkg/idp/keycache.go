package idp

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"

	"github.com/foliocms/folio/pkg/auth"
)

// DefaultFreshness is the default key-set freshness window.
const DefaultFreshness = 15 * time.Minute

// keySnapshot is an immutable view of the provider's key set. Snapshots are
// replaced wholesale on refresh and never mutated, so readers can use them
// without locking.
type keySnapshot struct {
	keys      map[string]crypto.PublicKey
	fetchedAt time.Time
}

// KeyCache holds the identity provider's public signing keys, shared by all
// verification calls. Reads are served from an atomically swapped snapshot;
// at most one refresh is in flight at a time.
type KeyCache struct {
	jwksURL  string
	client   *http.Client
	freshFor time.Duration
	now      func() time.Time

	group      singleflight.Group
	snap       atomic.Pointer[keySnapshot]
	refreshing atomic.Bool
	refreshes  *prometheus.CounterVec
}

// NewKeyCache builds a cache for the given JWKS endpoint. A nil client uses
// a default with a 10s timeout; a non-positive freshness uses
// DefaultFreshness.
func NewKeyCache(jwksURL string, freshFor time.Duration, client *http.Client) *KeyCache {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if freshFor <= 0 {
		freshFor = DefaultFreshness
	}
	return &KeyCache{
		jwksURL:  jwksURL,
		client:   client,
		freshFor: freshFor,
		now:      time.Now,
	}
}

// Instrument counts key-set fetches on the given counter, labeled by
// result. Coalesced callers share a single count per upstream fetch.
func (c *KeyCache) Instrument(refreshes *prometheus.CounterVec) *KeyCache {
	c.refreshes = refreshes
	return c
}

// Key returns the public key for a key ID.
//
// A cold cache blocks on a single coalesced fetch. A stale-but-present
// snapshot triggers an advisory background refresh and keeps serving the
// existing snapshot: correctness only requires keys within the freshness
// window, not the newest rotation. An unknown key ID forces one blocking
// refresh before failing with unknown_signing_key.
func (c *KeyCache) Key(ctx context.Context, kid string) (crypto.PublicKey, error) {
	snap := c.snap.Load()
	if snap == nil {
		fresh, err := c.refresh(ctx)
		if err != nil {
			// No usable key material at all: the one case that is not
			// failed open, since no signature can ever be verified.
			return nil, auth.WrapError(auth.KindDependencyUnavailable, "key set unavailable", err)
		}
		snap = fresh
	} else if c.now().Sub(snap.fetchedAt) > c.freshFor {
		c.refreshInBackground()
	}

	if key, ok := snap.keys[kid]; ok {
		return key, nil
	}

	// Possibly a freshly rotated key: force one refresh, coalesced with any
	// in-flight fetch, then give up.
	if fresh, err := c.refresh(ctx); err == nil {
		if key, ok := fresh.keys[kid]; ok {
			return key, nil
		}
	}
	return nil, auth.NewError(auth.KindUnknownSigningKey, fmt.Sprintf("no signing key with id %q", kid))
}

// Refresh forces a key-set fetch. Used by scheduled warm refresh; the
// verifier path never depends on it.
func (c *KeyCache) Refresh(ctx context.Context) error {
	_, err := c.refresh(ctx)
	return err
}

// FetchedAt returns the timestamp of the current snapshot, or zero if cold.
func (c *KeyCache) FetchedAt() time.Time {
	if snap := c.snap.Load(); snap != nil {
		return snap.fetchedAt
	}
	return time.Time{}
}

// refresh fetches and swaps in a new snapshot. Concurrent callers coalesce
// onto one upstream request.
func (c *KeyCache) refresh(ctx context.Context) (*keySnapshot, error) {
	v, err, _ := c.group.Do("jwks", func() (interface{}, error) {
		snap, err := c.fetch(ctx)
		c.countRefresh(err)
		if err != nil {
			return nil, err
		}
		c.snap.Store(snap)
		return snap, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*keySnapshot), nil
}

func (c *KeyCache) countRefresh(err error) {
	if c.refreshes == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	c.refreshes.WithLabelValues(result).Inc()
}

// refreshInBackground starts at most one advisory refresh; stale readers
// keep the current snapshot rather than blocking on it.
func (c *KeyCache) refreshInBackground() {
	if !c.refreshing.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer c.refreshing.Store(false)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		// A failed advisory refresh is tolerable; the snapshot stays usable.
		_, _ = c.refresh(ctx)
	}()
}

func (c *KeyCache) fetch(ctx context.Context) (*keySnapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.jwksURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build key set request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("key set fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("key set endpoint returned status %d", resp.StatusCode)
	}

	var doc struct {
		Keys []jsonWebKey `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode key set: %w", err)
	}

	keys := make(map[string]crypto.PublicKey, len(doc.Keys))
	for _, jwk := range doc.Keys {
		if jwk.Kid == "" {
			continue
		}
		key, err := jwk.publicKey()
		if err != nil {
			// Skip unusable entries rather than rejecting the whole set.
			continue
		}
		keys[jwk.Kid] = key
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("key set from %s contains no usable keys", c.jwksURL)
	}

	return &keySnapshot{keys: keys, fetchedAt: c.now()}, nil
}

// jsonWebKey is the subset of RFC 7517 needed to build verification keys.
type jsonWebKey struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	Alg string `json:"alg"`

	// RSA
	N string `json:"n"`
	E string `json:"e"`

	// EC
	Crv string `json:"crv"`
	X   string `json:"x"`
	Y   string `json:"y"`
}

func (k jsonWebKey) publicKey() (crypto.PublicKey, error) {
	if k.Use != "" && k.Use != "sig" {
		return nil, fmt.Errorf("key %q is not a signing key", k.Kid)
	}
	switch k.Kty {
	case "RSA":
		return k.rsaKey()
	case "EC":
		return k.ecdsaKey()
	default:
		return nil, fmt.Errorf("unsupported key type %q", k.Kty)
	}
}

func (k jsonWebKey) rsaKey() (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("invalid RSA modulus: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("invalid RSA exponent: %w", err)
	}
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nBytes),
		E: int(new(big.Int).SetBytes(eBytes).Int64()),
	}, nil
}

func (k jsonWebKey) ecdsaKey() (*ecdsa.PublicKey, error) {
	var curve elliptic.Curve
	switch k.Crv {
	case "P-256":
		curve = elliptic.P256()
	case "P-384":
		curve = elliptic.P384()
	case "P-521":
		curve = elliptic.P521()
	default:
		return nil, fmt.Errorf("unsupported curve %q", k.Crv)
	}
	xBytes, err := base64.RawURLEncoding.DecodeString(k.X)
	if err != nil {
		return nil, fmt.Errorf("invalid EC x coordinate: %w", err)
	}
	yBytes, err := base64.RawURLEncoding.DecodeString(k.Y)
	if err != nil {
		return nil, fmt.Errorf("invalid EC y coordinate: %w", err)
	}
	return &ecdsa.PublicKey{
		Curve: curve,
		X:     new(big.Int).SetBytes(xBytes),
		Y:     new(big.Int).SetBytes(yBytes),
	}, nil
}
