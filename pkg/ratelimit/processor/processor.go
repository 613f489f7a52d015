// Package processor contains the query processors that attach rate limits
// to request settings before a query is admitted. Each processor inspects
// the query, resolves the effective ceilings from the runtime config store
// and appends at most one limit per category.
package processor

import (
	"context"

	"github.com/quarrydb/quarry/pkg/query"
	"github.com/quarrydb/quarry/pkg/querysettings"
	"github.com/quarrydb/quarry/pkg/ratelimit"
)

// QueryProcessor runs over a query and its settings during preprocessing.
// Implementations must not fail the query: anything unexpected degrades to
// leaving the settings untouched.
type QueryProcessor interface {
	Process(ctx context.Context, q *query.Query, settings querysettings.Settings)
}

func alreadyApplied(settings querysettings.Settings, name string) bool {
	for _, p := range settings.RateLimitParams() {
		if p.Name == name {
			return true
		}
	}
	return false
}

var _ QueryProcessor = (*ObjectIDRateLimiter)(nil)

// Default ceiling for the organization and project categories. The
// referrer-scoped categories default to unlimited and only take effect
// when an operator sets an override.
const defaultObjectLimit float64 = 1000

func defaultLimit() *float64 { return ratelimit.Limit(defaultObjectLimit) }
