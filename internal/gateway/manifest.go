package gateway

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"hash"
	"hash/crc32"
	"io"
	"net/url"
	"os"
	"sort"
	"strings"
)

// ManifestEntry is one build-time precache asset.
type ManifestEntry struct {
	URL       string `json:"url"`
	Revision  string `json:"revision,omitempty"`
	Integrity string `json:"integrity,omitempty"`
}

type Manifest struct {
	Entries []ManifestEntry
	// Version changes whenever any url, revision or integrity changes.
	Version string
}

// ParseManifest decodes a JSON array of entries. Entry URLs are reduced to
// origin-relative paths; duplicates keep the last occurrence.
func ParseManifest(b []byte, origin string) (Manifest, error) {
	var raw []ManifestEntry
	if err := json.Unmarshal(b, &raw); err != nil {
		return Manifest{}, fmt.Errorf("decode manifest: %w", err)
	}

	byURL := map[string]ManifestEntry{}
	for i, e := range raw {
		u := originRelative(e.URL, origin)
		if u == "" {
			return Manifest{}, fmt.Errorf("manifest[%d]: invalid url %q", i, e.URL)
		}
		e.URL = u
		e.Integrity = strings.TrimSpace(e.Integrity)
		byURL[u] = e
	}

	m := Manifest{Entries: make([]ManifestEntry, 0, len(byURL))}
	for _, e := range byURL {
		m.Entries = append(m.Entries, e)
	}
	sort.Slice(m.Entries, func(i, j int) bool { return m.Entries[i].URL < m.Entries[j].URL })

	h := crc32.NewIEEE()
	for _, e := range m.Entries {
		fmt.Fprintf(h, "%s\x00%s\x00%s\n", e.URL, e.Revision, e.Integrity)
	}
	m.Version = fmt.Sprintf("%08x", h.Sum32())
	return m, nil
}

// loadManifest reads the manifest from a local file or, for http(s) sources,
// from the network. Gzip bodies are accepted either way.
func loadManifest(ctx context.Context, source, origin string, net Fetcher) (Manifest, error) {
	var body []byte
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		resp, err := net.Fetch(ctx, Request{Method: "GET", URL: source, Destination: DestOther})
		if err != nil {
			return Manifest{}, fmt.Errorf("fetch manifest %q: %w", source, err)
		}
		if resp.Status < 200 || resp.Status >= 300 {
			snippet := resp.Body
			if len(snippet) > 2048 {
				snippet = snippet[:2048]
			}
			return Manifest{}, fmt.Errorf("fetch manifest %q: unexpected status %d: %s", source, resp.Status, strings.TrimSpace(string(snippet)))
		}
		body = resp.Body
	} else {
		b, err := os.ReadFile(source)
		if err != nil {
			return Manifest{}, err
		}
		body = b
	}

	tryGzip := strings.HasSuffix(strings.ToLower(source), ".gz") || (len(body) >= 2 && body[0] == 0x1f && body[1] == 0x8b)
	if tryGzip {
		if gz, err := gzip.NewReader(bytes.NewReader(body)); err == nil {
			defer gz.Close()
			if unzipped, err := io.ReadAll(gz); err == nil {
				body = unzipped
			}
		}
	}
	return ParseManifest(body, origin)
}

// originRelative turns an absolute same-origin URL or a relative path into a
// request URI starting with "/". Other origins yield "".
func originRelative(loc, origin string) string {
	loc = strings.TrimSpace(loc)
	if loc == "" {
		return ""
	}
	if strings.HasPrefix(loc, "http://") || strings.HasPrefix(loc, "https://") {
		u, err := url.Parse(loc)
		if err != nil {
			return ""
		}
		o, err := url.Parse(origin)
		if err != nil || !strings.EqualFold(u.Host, o.Host) {
			return ""
		}
		p := u.EscapedPath()
		if p == "" {
			p = "/"
		}
		if u.RawQuery != "" {
			p += "?" + u.RawQuery
		}
		return p
	}
	if !strings.HasPrefix(loc, "/") {
		loc = "/" + loc
	}
	return loc
}

// verifyIntegrity checks body against a subresource-integrity value such as
// "sha384-<base64>". Several space-separated hashes match if any does.
func verifyIntegrity(integrity string, body []byte) error {
	if integrity == "" {
		return nil
	}
	for _, tok := range strings.Fields(integrity) {
		algo, want, ok := strings.Cut(tok, "-")
		if !ok {
			continue
		}
		var h hash.Hash
		switch strings.ToLower(algo) {
		case "sha256":
			h = sha256.New()
		case "sha384":
			h = sha512.New384()
		case "sha512":
			h = sha512.New()
		default:
			continue
		}
		h.Write(body)
		got := base64.StdEncoding.EncodeToString(h.Sum(nil))
		if subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1 {
			return nil
		}
	}
	return fmt.Errorf("integrity mismatch for %q", integrity)
}
