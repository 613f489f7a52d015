package processor

import (
	"context"
	"strconv"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/quarrydb/quarry/pkg/query"
	"github.com/quarrydb/quarry/pkg/querysettings"
	"github.com/quarrydb/quarry/pkg/ratelimit"
	"github.com/quarrydb/quarry/pkg/state"
)

// variant parameterizes the shared rate limiting algorithm. The four
// supported variants differ only in where the bucket comes from and how
// the config keys are formed; there is no per-variant logic beyond this
// struct.
type variant struct {
	// objectColumn is the query column whose literal values are the
	// candidate object ids. Ignored when referrerBucket is set.
	objectColumn string

	// name is the rate limit category, e.g. ratelimit.ProjectRateLimit.
	name string

	// perSecondKey and concurrentKey are the config keys holding the
	// category-wide default ceilings.
	perSecondKey  string
	concurrentKey string

	// referrerKeySuffix appends "_{referrer}" to both config keys, scoping
	// the category defaults per referrer.
	referrerKeySuffix bool

	// referrerBucket makes the settings' referrer the bucket, ignoring the
	// query entirely.
	referrerBucket bool

	// defaultLimit is the static fallback ceiling. nil means the category
	// is unlimited unless an operator sets an override.
	defaultLimit *float64
}

// ObjectIDRateLimiter searches a query for conditions on a designated
// column, treats the referenced values as object ids, and attaches a rate
// limit scoped to one of them. Config resolution is two tier: the category
// default first, then a per-object override keyed by "{config_key}_{id}".
type ObjectIDRateLimiter struct {
	store   state.Store
	logger  log.Logger
	variant variant
}

func newObjectIDRateLimiter(store state.Store, logger log.Logger, v variant) *ObjectIDRateLimiter {
	return &ObjectIDRateLimiter{
		store:   store,
		logger:  log.With(logger, "processor", v.name+"_rate_limiter"),
		variant: v,
	}
}

// NewOrganizationRateLimiter limits per organization id found in the query
// under orgColumn.
func NewOrganizationRateLimiter(store state.Store, logger log.Logger, orgColumn string) *ObjectIDRateLimiter {
	return newObjectIDRateLimiter(store, logger, variant{
		objectColumn:  orgColumn,
		name:          ratelimit.OrganizationRateLimit,
		perSecondKey:  "org_per_second_limit",
		concurrentKey: "org_concurrent_limit",
		defaultLimit:  defaultLimit(),
	})
}

// NewProjectRateLimiter limits per project id found in the query under
// projectColumn.
func NewProjectRateLimiter(store state.Store, logger log.Logger, projectColumn string) *ObjectIDRateLimiter {
	return newObjectIDRateLimiter(store, logger, variant{
		objectColumn:  projectColumn,
		name:          ratelimit.ProjectRateLimit,
		perSecondKey:  "project_per_second_limit",
		concurrentKey: "project_concurrent_limit",
		defaultLimit:  defaultLimit(),
	})
}

// NewProjectReferrerRateLimiter limits per (project id, referrer) pair: the
// bucket is the project id and the config keys are segmented by referrer.
// There is no static default, so it only takes effect through overrides.
func NewProjectReferrerRateLimiter(store state.Store, logger log.Logger, projectColumn string) *ObjectIDRateLimiter {
	return newObjectIDRateLimiter(store, logger, variant{
		objectColumn:      projectColumn,
		name:              ratelimit.ProjectReferrerRateLimit,
		perSecondKey:      "project_referrer_per_second_limit",
		concurrentKey:     "project_referrer_concurrent_limit",
		referrerKeySuffix: true,
	})
}

// NewReferrerRateLimiter limits a specific referrer regardless of which
// customer the query belongs to. More of a load shedder than a rate
// limiter: the bucket is always the settings' referrer, never a
// query-derived value. The config keys stay unsuffixed; a per-referrer
// ceiling is just the per-object override, because the referrer is the
// object here.
func NewReferrerRateLimiter(store state.Store, logger log.Logger) *ObjectIDRateLimiter {
	return newObjectIDRateLimiter(store, logger, variant{
		name:           ratelimit.ReferrerRateLimit,
		perSecondKey:   "referrer_per_second_limit",
		concurrentKey:  "referrer_concurrent_limit",
		referrerBucket: true,
	})
}

func (p *ObjectIDRateLimiter) Process(ctx context.Context, q *query.Query, settings querysettings.Settings) {
	// If the settings already carry a limit for this category, keep it:
	// processors may run more than once over the same request.
	if alreadyApplied(settings, p.variant.name) {
		return
	}

	perSecondKey, concurrentKey := p.configKeys(settings)
	categoryLimits := p.store.GetConfigs(ctx, []state.ConfigKey{
		{Name: perSecondKey, Default: p.variant.defaultLimit},
		{Name: concurrentKey, Default: p.variant.defaultLimit},
	})

	bucket, ok := p.objectID(q, settings)
	if !ok {
		return
	}

	// Specific objects can have their ceilings overridden, with the
	// category-wide values as fallback defaults.
	limits := p.store.GetConfigs(ctx, []state.ConfigKey{
		{Name: perSecondKey + "_" + bucket, Default: categoryLimits[0]},
		{Name: concurrentKey + "_" + bucket, Default: categoryLimits[1]},
	})
	perSecond, concurrent := limits[0], limits[1]

	// An unlimited category with no overrides would produce a no-op
	// limiter entry; attach nothing instead.
	if p.variant.defaultLimit == nil && perSecond == nil && concurrent == nil {
		return
	}

	level.Debug(p.logger).Log("msg", "attaching rate limit", "bucket", bucket)
	settings.AddRateLimit(ratelimit.Params{
		Name:       p.variant.name,
		Bucket:     bucket,
		PerSecond:  perSecond,
		Concurrent: concurrent,
	})
}

func (p *ObjectIDRateLimiter) configKeys(settings querysettings.Settings) (string, string) {
	perSecondKey, concurrentKey := p.variant.perSecondKey, p.variant.concurrentKey
	if p.variant.referrerKeySuffix {
		perSecondKey += "_" + settings.Referrer()
		concurrentKey += "_" + settings.Referrer()
	}
	return perSecondKey, concurrentKey
}

func (p *ObjectIDRateLimiter) objectID(q *query.Query, settings querysettings.Settings) (string, bool) {
	if p.variant.referrerBucket {
		return settings.Referrer(), true
	}
	ids := query.ObjectIDs(q, p.variant.objectColumn)
	if len(ids) == 0 {
		// No recognizable conditions on the object column. A limiter is
		// meaningless without a concrete bucket.
		return "", false
	}
	// TODO: attach a limit per referenced id instead of picking one.
	// Picking the smallest keeps the choice stable across retries.
	return strconv.FormatUint(ids[0], 10), true
}
