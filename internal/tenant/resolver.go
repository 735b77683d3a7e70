// Package tenant maps inbound identifiers to tenant installations and opens their secrets.
package tenant

import (
	"context"
	"log/slog"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/patrickmn/go-cache"

	"basegraph.app/syncrelay/common/logger"
	"basegraph.app/syncrelay/core/config"
	"basegraph.app/syncrelay/internal/model"
	"basegraph.app/syncrelay/internal/store"
)

var (
	ErrTenantNotFound = errors.New("tenant not found")
	ErrTenantInactive = errors.New("tenant inactive")
)

const (
	orgKeyPrefix = "org:"
	idKeyPrefix  = "id:"
)

// Resolver is the authoritative org -> tenant mapping. Lookups are cached; misses are cached
// for a shorter time so an unknown org cannot hammer the store.
type Resolver interface {
	Resolve(ctx context.Context, externalOrgID string) (*model.TenantConfig, error)
	ResolveByID(ctx context.Context, tenantID string) (*model.TenantConfig, error)
	WebhookSecret(t *model.TenantConfig) (string, error)
	TrackerAPIKey(t *model.TenantConfig) (string, error)
	Invalidate(t *model.TenantConfig)
}

type resolver struct {
	tenants     store.TenantStore
	box         *SecretBox
	cache       *cache.Cache
	negativeTTL time.Duration
}

// NewResolver builds a cache-fronted resolver.
func NewResolver(tenants store.TenantStore, box *SecretBox, cfg config.CacheConfig) Resolver {
	return &resolver{
		tenants:     tenants,
		box:         box,
		cache:       cache.New(cfg.TenantTTL, cfg.CleanupInterval),
		negativeTTL: cfg.NegativeTTL,
	}
}

// negative marks a cached miss.
type negative struct{}

func (r *resolver) Resolve(ctx context.Context, externalOrgID string) (*model.TenantConfig, error) {
	if externalOrgID == "" {
		return nil, ErrTenantNotFound
	}
	return r.lookup(ctx, orgKeyPrefix+externalOrgID, func(ctx context.Context) (*model.TenantConfig, error) {
		return r.tenants.GetByExternalOrgID(ctx, externalOrgID)
	})
}

func (r *resolver) ResolveByID(ctx context.Context, tenantID string) (*model.TenantConfig, error) {
	if tenantID == "" {
		return nil, ErrTenantNotFound
	}
	return r.lookup(ctx, idKeyPrefix+tenantID, func(ctx context.Context) (*model.TenantConfig, error) {
		return r.tenants.GetByID(ctx, tenantID)
	})
}

func (r *resolver) lookup(ctx context.Context, key string, load func(context.Context) (*model.TenantConfig, error)) (*model.TenantConfig, error) {
	if cached, ok := r.cache.Get(key); ok {
		switch v := cached.(type) {
		case *model.TenantConfig:
			return active(v)
		case negative:
			return nil, ErrTenantNotFound
		}
	}

	t, err := load(ctx)
	if errors.Is(err, store.ErrNotFound) {
		r.cache.Set(key, negative{}, r.negativeTTL)
		slog.DebugContext(ctx, "tenant lookup miss", "key", key)
		return nil, ErrTenantNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "loading tenant")
	}

	r.cache.SetDefault(orgKeyPrefix+t.ExternalOrgID, t)
	r.cache.SetDefault(idKeyPrefix+t.ID, t)

	ctx = logger.WithLogFields(ctx, logger.LogFields{TenantID: &t.ID})
	slog.DebugContext(ctx, "tenant resolved", "tier", t.Metadata.Tier)
	return active(t)
}

func active(t *model.TenantConfig) (*model.TenantConfig, error) {
	if !t.IsActive {
		return t, ErrTenantInactive
	}
	return t, nil
}

func (r *resolver) WebhookSecret(t *model.TenantConfig) (string, error) {
	secret, err := r.box.Open(t.WebhookSecretEncrypted)
	return secret, errors.Wrapf(err, "opening webhook secret for tenant %s", t.ID)
}

func (r *resolver) TrackerAPIKey(t *model.TenantConfig) (string, error) {
	key, err := r.box.Open(t.TrackerAPIKeyEncrypted)
	return key, errors.Wrapf(err, "opening tracker api key for tenant %s", t.ID)
}

// Invalidate drops cached entries for t, e.g. after provisioning changes it.
func (r *resolver) Invalidate(t *model.TenantConfig) {
	r.cache.Delete(orgKeyPrefix + t.ExternalOrgID)
	r.cache.Delete(idKeyPrefix + t.ID)
}
