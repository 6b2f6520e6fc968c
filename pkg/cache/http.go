package cache

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// TTLFromHeaders derives a TTL from Cache-Control max-age, then Expires.
// It returns fallback when neither is usable, and 0 for no-store/no-cache.
func TTLFromHeaders(headers http.Header, fallback time.Duration) time.Duration {
	if cc := headers.Get("Cache-Control"); cc != "" {
		for _, directive := range strings.Split(cc, ",") {
			directive = strings.ToLower(strings.TrimSpace(directive))
			switch {
			case directive == "no-store" || directive == "no-cache":
				return 0
			case strings.HasPrefix(directive, "max-age="):
				secs, err := strconv.Atoi(strings.TrimPrefix(directive, "max-age="))
				if err == nil && secs >= 0 {
					return time.Duration(secs) * time.Second
				}
			}
		}
	}

	if expiresStr := headers.Get("Expires"); expiresStr != "" {
		expires, err := http.ParseTime(expiresStr)
		if err != nil {
			return fallback
		}
		if ttl := time.Until(expires); ttl > 0 {
			return ttl
		}
		return 0
	}

	return fallback
}
