package gateway

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
)

// identityHeaders derives a client identity from request headers. Two
// requests share cached entries and hub windows only when their identities
// are equal.
type identityHeaders []string

func newIdentityHeaders(names []string) identityHeaders {
	out := make(identityHeaders, 0, len(names))
	for _, n := range names {
		if n = strings.TrimSpace(n); n != "" {
			out = append(out, http.CanonicalHeaderKey(n))
		}
	}
	return out
}

// Of returns the hex SHA-256 of "Name: value\n" for every configured header
// present in h, in configuration order, with repeated values joined by ", ".
// A request carrying none of the headers is anonymous and yields "".
//
// Backends that target a push at one client compute the same digest over
// that client's headers.
func (ih identityHeaders) Of(h http.Header) string {
	sum := sha256.New()
	found := false
	for _, name := range ih {
		vs := h.Values(name)
		if len(vs) == 0 {
			continue
		}
		found = true
		sum.Write([]byte(name + ": " + strings.Join(vs, ", ") + "\n"))
	}
	if !found {
		return ""
	}
	return hex.EncodeToString(sum.Sum(nil))
}

// partitionKey scopes a store key to an identity. Keys are request URIs, so
// they never contain a fragment and "#" cannot collide.
func partitionKey(key, identity string) string {
	if identity == "" {
		return key
	}
	return key + "#" + identity
}
