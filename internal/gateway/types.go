package gateway

import (
	"hash/crc32"
	"net/http"
	"path"
	"strings"
)

// Destination is the kind of resource a request is fetching, as reported by
// the browser in Sec-Fetch-Dest or inferred from the request.
type Destination string

const (
	DestDocument Destination = "document"
	DestScript   Destination = "script"
	DestStyle    Destination = "style"
	DestImage    Destination = "image"
	DestAPI      Destination = "api"
	DestOther    Destination = "other"
)

// Request is an intercepted application request. Header and Body are only
// forwarded to the network; they never take part in routing or cache keys.
type Request struct {
	Method      string
	URL         string // origin-relative request URI, e.g. /api/orders?page=2
	Destination Destination
	Header      http.Header
	Body        []byte
}

func (r Request) Path() string {
	p := r.URL
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "/"
	}
	return p
}

// Response is what a store holds and what the gateway answers with.
type Response struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt int64 // unix seconds of capture
	Hash32   uint32
}

func newResponse(status int, header http.Header, body []byte) Response {
	h := cloneHeader(header)
	h.Del("Content-Length")
	return Response{
		Status:   status,
		Header:   h,
		Body:     body,
		StoredAt: now().Unix(),
		Hash32:   crc32.ChecksumIEEE(body),
	}
}

// cacheable reports whether a network response may be written to a store.
func (r Response) cacheable() bool {
	if r.Status < 200 || r.Status >= 300 {
		return false
	}
	// Responses that set cookies or are marked private belong to one client.
	if len(r.Header.Values("Set-Cookie")) > 0 {
		return false
	}
	cc := strings.ToLower(strings.Join(r.Header.Values("Cache-Control"), ","))
	return !strings.Contains(cc, "no-store") && !strings.Contains(cc, "private")
}

// EntryMeta describes a stored entry without loading its body.
type EntryMeta struct {
	Key      string
	Seq      uint64 // insertion order, reassigned on every put
	StoredAt int64
	Size     int64
}

func destinationFromHTTP(r *http.Request) Destination {
	switch strings.ToLower(r.Header.Get("Sec-Fetch-Dest")) {
	case "document", "iframe", "frame":
		return DestDocument
	case "script", "worker", "sharedworker", "serviceworker":
		return DestScript
	case "style":
		return DestStyle
	case "image":
		return DestImage
	case "empty":
		return DestAPI
	case "":
	default:
		return DestOther
	}

	switch strings.ToLower(path.Ext(r.URL.Path)) {
	case ".js", ".mjs":
		return DestScript
	case ".css":
		return DestStyle
	case ".png", ".jpg", ".jpeg", ".gif", ".svg", ".webp", ".ico", ".avif":
		return DestImage
	}
	if strings.Contains(r.Header.Get("Accept"), "text/html") {
		return DestDocument
	}
	return DestOther
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}
