package policy

import (
	"slices"
	"strings"
)

// Category labels a storage key by the kind of data it holds.
type Category string

const (
	// CategoryDocs covers operational documents (waybills, orders).
	CategoryDocs Category = "docs"
	// CategoryDict covers reference data (routes, drivers, vehicles, ...).
	CategoryDict Category = "dict"
	// CategoryOther covers recognized keys outside docs/dict (settings etc).
	CategoryOther Category = "other"
	// CategoryUnknown covers internal/compatibility keys and anything the
	// classifier cannot place.
	CategoryUnknown Category = "unknown"
)

// InternalKeyPrefix marks keys owned by the core itself (audit index,
// chunks, backups, period locks). They are never imported as data.
const InternalKeyPrefix = "wb:sys:"

var docFragments = []string{"waybill", "order", "doc"}

var dictFragments = []string{
	"route", "employee", "driver", "vehicle",
	"organization", "fuel", "type", "directory",
}

// InferCategoryByKeyName classifies a key purely from its name.
// Internal-prefix keys are unknown regardless of the rest of the name.
func InferCategoryByKeyName(key string) Category {
	if strings.HasPrefix(key, InternalKeyPrefix) || strings.HasPrefix(key, "_") {
		return CategoryUnknown
	}

	lower := strings.ToLower(key)
	for _, f := range docFragments {
		if strings.Contains(lower, f) {
			return CategoryDocs
		}
	}
	for _, f := range dictFragments {
		if strings.Contains(lower, f) {
			return CategoryDict
		}
	}
	return CategoryOther
}

// knownKeys is the registry of keys the current application writes. A key
// outside this set may still import (subject to policy AllowUnknownKeys)
// but is flagged so operators can spot foreign or stale data.
var knownKeys = map[string]bool{
	"wb:waybills":      true,
	"wb:orders":        true,
	"wb:vehicles":      true,
	"wb:drivers":       true,
	"wb:routes":        true,
	"wb:organizations": true,
	"wb:fuelTypes":     true,
	"wb:settings":      true,
	"wb:journal":       true,
}

// IsKnownKey reports whether the key belongs to the current schema.
func IsKnownKey(key string) bool {
	return knownKeys[key]
}

// KnownKeys returns the registry as a sorted copy for display.
func KnownKeys() []string {
	out := make([]string, 0, len(knownKeys))
	for k := range knownKeys {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}
