package api

import (
	"log"
	"net/http"
	"net/url"
	"strings"
)

// NewOriginChecker builds a websocket origin check from a configured
// allowlist. A single "*" entry allows every origin. Entries are normalized
// to lowercase scheme://host before comparison; invalid entries are logged
// and ignored. Requests without an Origin header (non-browser clients) are
// allowed.
func NewOriginChecker(origins []string) func(r *http.Request) bool {
	allowAll := false
	allowed := make(map[string]struct{})

	for _, origin := range origins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		if trimmed == "*" {
			allowAll = true
			continue
		}
		normalized, ok := normalizeOrigin(trimmed)
		if !ok {
			log.Printf("Ignoring invalid origin in configuration: %q", origin)
			continue
		}
		allowed[normalized] = struct{}{}
	}

	return func(r *http.Request) bool {
		if allowAll {
			return true
		}
		header := r.Header.Get("Origin")
		if header == "" {
			return true
		}
		normalized, ok := normalizeOrigin(header)
		if !ok {
			return false
		}
		_, exists := allowed[normalized]
		return exists
	}
}

func normalizeOrigin(origin string) (string, bool) {
	parsed, err := url.Parse(origin)
	if err != nil {
		return "", false
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", false
	}
	return strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host), true
}
