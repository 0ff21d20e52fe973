package pool

import (
	"fmt"
	"net/url"
	"strings"
)

// RelayUrl is a normalized WebSocket URL: lowercase scheme/host,
// default-port elided, trailing "/" removed, path preserved if non-empty,
// fragment and empty query removed. Normalization is injective on
// semantically equivalent URLs.
type RelayUrl string

var defaultPortForScheme = map[string]string{
	"ws":  "80",
	"wss": "443",
}

// NormalizeURL parses and normalizes a caller-supplied relay URL. It
// returns InvalidURLError if the string cannot be parsed as a websocket URL.
func NormalizeURL(raw string) (RelayUrl, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", &InvalidURLError{URL: raw, Reason: "empty url"}
	}
	if !strings.Contains(raw, "://") {
		raw = "wss://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", &InvalidURLError{URL: raw, Reason: err.Error()}
	}

	scheme := strings.ToLower(u.Scheme)
	switch scheme {
	case "ws", "wss":
	case "http":
		scheme = "ws"
	case "https":
		scheme = "wss"
	default:
		return "", &InvalidURLError{URL: raw, Reason: fmt.Sprintf("unsupported scheme %q", u.Scheme)}
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "", &InvalidURLError{URL: raw, Reason: "missing host"}
	}

	hostport := host
	if port := u.Port(); port != "" && port != defaultPortForScheme[scheme] {
		hostport = host + ":" + port
	}

	path := strings.TrimSuffix(u.EscapedPath(), "/")

	normalized := scheme + "://" + hostport + path
	if u.RawQuery != "" {
		normalized += "?" + u.RawQuery
	}
	// Fragments carry no addressing meaning for a relay socket and are
	// always dropped.
	return RelayUrl(normalized), nil
}

// MustNormalizeURL is a convenience for callers (tests, static config)
// that already know the url is well-formed.
func MustNormalizeURL(raw string) RelayUrl {
	u, err := NormalizeURL(raw)
	if err != nil {
		panic(err)
	}
	return u
}

func normalizeURLSet(raws []string) (map[RelayUrl]struct{}, error) {
	set := make(map[RelayUrl]struct{}, len(raws))
	for _, r := range raws {
		nm, err := NormalizeURL(r)
		if err != nil {
			return nil, err
		}
		set[nm] = struct{}{}
	}
	return set, nil
}
