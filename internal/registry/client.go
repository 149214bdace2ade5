// Package registry reads worker-agent metadata from the on-chain agent
// registry. The chain itself sits behind the narrow Source interface; the
// client adds capability normalization and a TTL cache so discovery does not
// hit the chain on every hire.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/mosaicprotocol/coordinator/internal/capability"
	"github.com/mosaicprotocol/coordinator/internal/core"
)

var (
	// ErrRegistryUnavailable means the registry source itself failed.
	ErrRegistryUnavailable = errors.New("agent registry unavailable")
	// ErrNoCandidates means discovery succeeded but no active agent matched.
	ErrNoCandidates = errors.New("no active agents for capability")
)

// Source is the minimal interface a registry backend must implement.
// Implementations: MemorySource (boot/config seeded), or a chain-backed
// reader living outside this package.
type Source interface {
	// AgentsByCapability returns every registered agent whose normalized
	// capability equals cap, active or not.
	AgentsByCapability(ctx context.Context, cap string) ([]*core.Agent, error)
}

// DiscoveryResult is the outcome of one discovery call.
type DiscoveryResult struct {
	Capability string        `json:"capability"` // normalized
	Candidates []*core.Agent `json:"candidates"` // active only
	FromCache  bool          `json:"from_cache"`
}

// Client caches discovery results per normalized capability.
type Client struct {
	source Source
	cache  *gocache.Cache
	logger *log.Logger
}

// DefaultTTL is how long a discovery snapshot stays valid. Invalidation is
// time-based only.
const DefaultTTL = 30 * time.Second

// NewClient creates a registry client with the given cache TTL
// (DefaultTTL if ttl <= 0).
func NewClient(source Source, ttl time.Duration) *Client {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Client{
		source: source,
		cache:  gocache.New(ttl, 2*ttl),
		logger: log.New(log.Writer(), "[Registry] ", log.LstdFlags),
	}
}

// DiscoverByCapability returns all active agents for the (normalized)
// capability. Cache hits return the same snapshot until the TTL lapses.
func (c *Client) DiscoverByCapability(ctx context.Context, rawCap string) (*DiscoveryResult, error) {
	cap := capability.Normalize(rawCap)

	if cached, ok := c.cache.Get(cap); ok {
		res := cached.(*DiscoveryResult)
		if len(res.Candidates) == 0 {
			return nil, fmt.Errorf("%w: %s", ErrNoCandidates, cap)
		}
		return &DiscoveryResult{Capability: cap, Candidates: res.Candidates, FromCache: true}, nil
	}

	agents, err := c.source.AgentsByCapability(ctx, cap)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRegistryUnavailable, err)
	}

	active := make([]*core.Agent, 0, len(agents))
	for _, a := range agents {
		if a.Active {
			active = append(active, a)
		}
	}

	res := &DiscoveryResult{Capability: cap, Candidates: active}
	c.cache.Set(cap, res, gocache.DefaultExpiration)

	if len(active) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoCandidates, cap)
	}

	c.logger.Printf("discovered %d active agents for %s", len(active), cap)
	return res, nil
}

// Invalidate drops the cached snapshot for a capability. Used by tests and
// by the admin surface after registry writes.
func (c *Client) Invalidate(rawCap string) {
	c.cache.Delete(capability.Normalize(rawCap))
}
