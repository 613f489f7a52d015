package querysettings

import (
	"github.com/quarrydb/quarry/pkg/ratelimit"
)

// Settings applies to how the query in a request should be run. None of
// these values appear in the generated SQL directly; they steer admission
// control and execution. One Settings instance is owned by exactly one
// request and is never shared across requests, so implementations do not
// need to be safe for concurrent use.
type Settings interface {
	Referrer() string
	Turbo() bool
	Consistent() bool
	Debug() bool
	ParentAPI() string
	DryRun() bool
	Legacy() bool
	Team() string
	Feature() string
	AppID() string

	// RateLimitParams returns the rate limits applied so far, in
	// application order. Callers must treat the returned slice as
	// read-only.
	RateLimitParams() []ratelimit.Params

	// AddRateLimit appends a rate limit. Callers are responsible for
	// checking category uniqueness via RateLimitParams before appending.
	AddRateLimit(p ratelimit.Params)

	ResourceQuota() *ratelimit.ResourceQuota
	SetResourceQuota(q ratelimit.ResourceQuota)
}

// HTTPOptions configures an HTTPSettings. The zero value of every field is
// a valid default.
type HTTPOptions struct {
	Referrer   string
	Turbo      bool
	Consistent bool
	Debug      bool
	ParentAPI  string
	DryRun     bool
	Legacy     bool
	Team       string
	Feature    string
	AppID      string
}

// HTTPSettings is applied to all requests initiated via the HTTP API.
// All parameters can be customized and additional rate limits accumulate
// as processors run.
type HTTPSettings struct {
	opts       HTTPOptions
	rateLimits []ratelimit.Params
	quota      *ratelimit.ResourceQuota
}

func NewHTTPSettings(opts HTTPOptions) *HTTPSettings {
	if opts.Referrer == "" {
		opts.Referrer = "<unknown>"
	}
	if opts.ParentAPI == "" {
		opts.ParentAPI = "<unknown>"
	}
	if opts.Team == "" {
		opts.Team = "<unknown>"
	}
	if opts.Feature == "" {
		opts.Feature = "<unknown>"
	}
	if opts.AppID == "" {
		opts.AppID = "default"
	}
	return &HTTPSettings{opts: opts}
}

func (s *HTTPSettings) Referrer() string  { return s.opts.Referrer }
func (s *HTTPSettings) Turbo() bool       { return s.opts.Turbo }
func (s *HTTPSettings) Consistent() bool  { return s.opts.Consistent }
func (s *HTTPSettings) Debug() bool       { return s.opts.Debug }
func (s *HTTPSettings) ParentAPI() string { return s.opts.ParentAPI }
func (s *HTTPSettings) DryRun() bool      { return s.opts.DryRun }
func (s *HTTPSettings) Legacy() bool      { return s.opts.Legacy }
func (s *HTTPSettings) Team() string      { return s.opts.Team }
func (s *HTTPSettings) Feature() string   { return s.opts.Feature }
func (s *HTTPSettings) AppID() string     { return s.opts.AppID }

func (s *HTTPSettings) RateLimitParams() []ratelimit.Params { return s.rateLimits }

func (s *HTTPSettings) AddRateLimit(p ratelimit.Params) {
	s.rateLimits = append(s.rateLimits, p)
}

func (s *HTTPSettings) ResourceQuota() *ratelimit.ResourceQuota { return s.quota }

func (s *HTTPSettings) SetResourceQuota(q ratelimit.ResourceQuota) { s.quota = &q }

// SubscriptionSettings is applied to requests initiated by the subscription
// pipeline. Most parameters are hard coded, and rate limiting is skipped
// entirely: subscriptions opt out by contract, so AddRateLimit is a no-op
// and RateLimitParams is always empty.
type SubscriptionSettings struct {
	referrer string
}

func NewSubscriptionSettings(referrer string) *SubscriptionSettings {
	return &SubscriptionSettings{referrer: referrer}
}

func (s *SubscriptionSettings) Referrer() string  { return s.referrer }
func (s *SubscriptionSettings) Turbo() bool       { return false }
func (s *SubscriptionSettings) Consistent() bool  { return true }
func (s *SubscriptionSettings) Debug() bool       { return false }
func (s *SubscriptionSettings) ParentAPI() string { return "subscription" }
func (s *SubscriptionSettings) DryRun() bool      { return false }
func (s *SubscriptionSettings) Legacy() bool      { return false }
func (s *SubscriptionSettings) Team() string      { return "workflow" }
func (s *SubscriptionSettings) Feature() string   { return "subscription" }
func (s *SubscriptionSettings) AppID() string     { return "default" }

func (s *SubscriptionSettings) RateLimitParams() []ratelimit.Params { return nil }

func (s *SubscriptionSettings) AddRateLimit(ratelimit.Params) {}

func (s *SubscriptionSettings) ResourceQuota() *ratelimit.ResourceQuota { return nil }

func (s *SubscriptionSettings) SetResourceQuota(ratelimit.ResourceQuota) {}
