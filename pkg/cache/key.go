package cache

import (
	"strings"
)

// Key identifies one cached item.
type Key struct {
	// Namespace separates datasets sharing one Redis (e.g. "quotes").
	Namespace string

	// ID is the item identifier (e.g. a symbol).
	ID string
}

// String generates a deterministic cache key string.
// Format: quote:<namespace>:<ID>, with the ID upper-cased.
//
// Example:
//
//	quote:quotes:AAPL
func (k Key) String() string {
	parts := []string{"quote"}

	if ns := strings.Trim(k.Namespace, ":"); ns != "" {
		parts = append(parts, ns)
	}
	parts = append(parts, strings.ToUpper(strings.TrimSpace(k.ID)))

	return strings.Join(parts, ":")
}
