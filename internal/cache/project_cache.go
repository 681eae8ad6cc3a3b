package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/gorillabuilder-code/Gorilla-builder-sub000/internal/config"
)

// ResolvedProject is the cached outcome of resolving a preview route token to
// a project, carrying just what the dispatcher needs per request.
type ResolvedProject struct {
	ProjectID uint      `json:"project_id"`
	Slug      string    `json:"slug"`
	OwnerPlan string    `json:"owner_plan"`
	CachedAt  time.Time `json:"cached_at"`
}

// ProjectCache caches route-token resolution with a short TTL so plan changes
// and renames propagate quickly.
type ProjectCache struct {
	cache *Cache
	ttl   time.Duration
}

// NewProjectCache wraps the shared cache with resolution-specific keys.
func NewProjectCache(cache *Cache, cfg *config.CacheConfig) *ProjectCache {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &ProjectCache{cache: cache, ttl: ttl}
}

func resolutionKey(token string) string {
	return fmt.Sprintf("resolve:project:%s", token)
}

// GetResolution returns the cached resolution for a route token, or ErrMiss.
func (pc *ProjectCache) GetResolution(ctx context.Context, token string) (*ResolvedProject, error) {
	var resolved ResolvedProject
	if err := pc.cache.GetJSON(ctx, resolutionKey(token), &resolved); err != nil {
		return nil, err
	}
	return &resolved, nil
}

// SetResolution caches a resolution under its route token.
func (pc *ProjectCache) SetResolution(ctx context.Context, token string, resolved *ResolvedProject) error {
	resolved.CachedAt = time.Now()
	return pc.cache.SetJSON(ctx, resolutionKey(token), resolved, pc.ttl)
}

// Invalidate drops cached resolutions for the given tokens, used after slug
// or plan changes.
func (pc *ProjectCache) Invalidate(ctx context.Context, tokens ...string) error {
	keys := make([]string, len(tokens))
	for i, t := range tokens {
		keys[i] = resolutionKey(t)
	}
	return pc.cache.Delete(ctx, keys...)
}
