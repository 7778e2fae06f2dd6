package watcher

import "time"

// Options tunes a watch. The zero value means "device defaults": no accuracy requirement,
// no timeout and no reuse of cached fixes.
type Options struct {
	// HighAccuracy asks the device layer for its best fixes only.
	HighAccuracy bool `json:"highAccuracy" mapstructure:"highAccuracy"`
	// TimeoutMs reports a timeout when no position arrives within this many milliseconds.
	TimeoutMs int `json:"timeoutMs" mapstructure:"timeoutMs"`
	// MaxAgeMs allows a cached fix up to this old to be delivered when a watch starts.
	MaxAgeMs int `json:"maxAgeMs" mapstructure:"maxAgeMs"`
}

// Timeout returns TimeoutMs as a duration.
func (o Options) Timeout() time.Duration {
	return time.Duration(o.TimeoutMs) * time.Millisecond
}

// MaxAge returns MaxAgeMs as a duration.
func (o Options) MaxAge() time.Duration {
	return time.Duration(o.MaxAgeMs) * time.Millisecond
}

// Profiles holds the two option sets a caller can choose from.
type Profiles struct {
	Precise Options `json:"precise" mapstructure:"precise"`
	Default Options `json:"default" mapstructure:"default"`
}

// DefaultProfiles returns the precise profile used on devices that support tuned fixes
// (high accuracy, 20s timeout, 1s max age) and an all-defaults profile.
func DefaultProfiles() Profiles {
	return Profiles{
		Precise: Options{HighAccuracy: true, TimeoutMs: 20000, MaxAgeMs: 1000},
		Default: Options{},
	}
}

// Select picks the precise profile when the caller's device supports it.
func (p Profiles) Select(precise bool) Options {
	if precise {
		return p.Precise
	}
	return p.Default
}
