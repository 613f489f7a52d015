package ratelimit

// Rate limit categories. At most one Params per category may be applied to
// a single request; the query processors enforce that before appending to
// the request settings.
const (
	OrganizationRateLimit    = "organization"
	ProjectRateLimit         = "project"
	ProjectReferrerRateLimit = "project_referrer"
	ReferrerRateLimit        = "referrer"
	GlobalRateLimit          = "global"
)

// Params identifies one rate limit instance: the category it belongs to,
// the bucket (object id, referrer, ...) it is scoped to, and the resolved
// ceilings. A nil limit means unlimited on that dimension. Params are
// immutable once constructed.
type Params struct {
	Name       string
	Bucket     string
	PerSecond  *float64
	Concurrent *float64
}

// ResourceQuota is an additional budget that can be attached to a request
// on top of rate limits. MaxThreads controls how many threads the backend
// may spend on the query.
type ResourceQuota struct {
	MaxThreads int
}

// Limit is a convenience for building optional limit values in place.
func Limit(v float64) *float64 { return &v }
