// Package state provides read access to the runtime configuration shared by
// every query-serving process: rate limit ceilings, per-object overrides and
// other knobs that operators flip without a deploy. The backing store is
// treated as best effort; readers always fall back to the defaults they
// supply, never to an error.
package state

import (
	"context"
)

// ConfigKey names one config value and the default to use when the store
// has no override for it (or is unreachable).
type ConfigKey struct {
	Name    string
	Default *float64
}

// Store resolves runtime config values. Implementations must be safe for
// concurrent callers and must degrade to the supplied defaults on
// unavailability rather than returning an error: admission control must
// keep serving queries when the config store is down.
type Store interface {
	// GetConfigs returns one value per key, positionally. A stored
	// override wins over the supplied default; a missing or unparsable
	// value resolves to the default.
	GetConfigs(ctx context.Context, keys []ConfigKey) []*float64
}

func defaults(keys []ConfigKey) []*float64 {
	out := make([]*float64, len(keys))
	for i, k := range keys {
		out[i] = k.Default
	}
	return out
}
