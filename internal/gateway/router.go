package gateway

import (
	"net/http"
	"strings"
)

// RouteClass is the category a request is sorted into before a caching
// strategy is chosen.
type RouteClass int

const (
	RouteUnmatched RouteClass = iota
	RouteAPI
	RouteStaticAsset
	RouteDocument
)

func (c RouteClass) String() string {
	switch c {
	case RouteAPI:
		return "api"
	case RouteStaticAsset:
		return "static-asset"
	case RouteDocument:
		return "document"
	default:
		return "unmatched"
	}
}

type pathPrefixMatcher struct{ Prefix string }

// Match is true for the prefix itself and for paths below it, never for a
// sibling that merely shares the leading characters (/api vs /apiary).
func (m pathPrefixMatcher) Match(path string) bool {
	if !strings.HasPrefix(path, m.Prefix) {
		return false
	}
	rest := path[len(m.Prefix):]
	return rest == "" || rest[0] == '/' || strings.HasSuffix(m.Prefix, "/")
}

// RouteMatcher classifies requests. The checks run in a fixed order and the
// first match wins.
type RouteMatcher struct {
	api pathPrefixMatcher
}

func NewRouteMatcher(apiPrefix string) RouteMatcher {
	return RouteMatcher{api: pathPrefixMatcher{Prefix: apiPrefix}}
}

func (m RouteMatcher) Classify(r Request) RouteClass {
	if !isGet(r) {
		return RouteUnmatched
	}
	if m.api.Match(r.Path()) {
		return RouteAPI
	}
	switch r.Destination {
	case DestScript, DestStyle, DestImage:
		return RouteStaticAsset
	case DestDocument:
		return RouteDocument
	}
	return RouteUnmatched
}

func isGet(r Request) bool { return r.Method == "" || r.Method == http.MethodGet }
