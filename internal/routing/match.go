package routing

import "strings"

// MatchesPrefix checks if path matches prefix with boundary enforcement.
// The path must either equal the prefix, the prefix must end with "/",
// or the character after the prefix in path must be "/".
func MatchesPrefix(path, prefix string) bool {
	if prefix == "" {
		return false
	}
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	if len(path) == len(prefix) {
		return true
	}
	if prefix[len(prefix)-1] == '/' {
		return true
	}
	return path[len(prefix)] == '/'
}

// MatchesPattern reports whether path matches a route pattern. The literal
// part of "/api/orders/**" is "/api/orders/"; the path "/api/orders" also
// matches. A pattern without a trailing wildcard matches itself and its
// subtree.
func MatchesPattern(path, pattern string) bool {
	literal, wildcard := strings.CutSuffix(pattern, "**")
	if !wildcard {
		return MatchesPrefix(path, pattern)
	}
	if strings.HasPrefix(path, literal) {
		return true
	}
	trimmed := strings.TrimSuffix(literal, "/")
	return trimmed != "" && path == trimmed
}

// StripSegments removes the first n "/"-delimited segments from path. The
// result is always rooted; stripping every segment yields "/".
func StripSegments(path string, n int) string {
	p := strings.TrimPrefix(path, "/")
	for i := 0; i < n; i++ {
		idx := strings.IndexByte(p, '/')
		if idx < 0 {
			return "/"
		}
		p = p[idx+1:]
	}
	return "/" + p
}
