package jobs

import (
	"net/url"
	"strings"
)

// ParseRoute extracts the card key and action from a URL path like
// /api/cards/{key}/{action}. apiPrefix should be like "/api/cards/".
// The key is path-unescaped; an empty key or action is rejected.
func ParseRoute(path, apiPrefix string) (key, action string, ok bool) {
	rest, found := strings.CutPrefix(path, apiPrefix)
	if !found {
		return "", "", false
	}
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}

	key, err := url.PathUnescape(parts[0])
	if err != nil || key == "" {
		return "", "", false
	}
	return key, parts[1], true
}

// StatusEndpoint returns the path a client polls for a key's art status.
func StatusEndpoint(apiPrefix, key string) string {
	return strings.TrimRight(apiPrefix, "/") + "/" + url.PathEscape(key) + "/art"
}
