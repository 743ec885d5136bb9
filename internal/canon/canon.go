// Package canon normalizes raw URLs into stable thread keys so that
// equivalent links collapse to a single conversation.
package canon

import (
	"errors"
	"net/url"
	"sort"
	"strings"
)

const (
	threadKeyPrefix = "url:"
	maxThreadKeyLen = 1200
)

var (
	ErrInvalidURL       = errors.New("invalid URL")
	ErrInvalidThreadKey = errors.New("thread key must start with 'url:'")
)

var trackingParams = map[string]struct{}{
	"ref":    {},
	"fbclid": {},
	"gclid":  {},
	"yclid":  {},
	"mc_cid": {},
	"mc_eid": {},
}

const trackingPrefix = "utm_"

type queryParam struct {
	name  string
	value string
}

// Canonicalize maps a raw URL onto its canonical form: https scheme,
// lowercased host without a www. prefix or port, tracking parameters
// removed, remaining parameters sorted, trailing path slashes stripped,
// fragment dropped. Canonicalizing a canonical URL is a no-op.
func Canonicalize(raw string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", ErrInvalidURL
	}
	if parsed.Host == "" {
		return "", ErrInvalidURL
	}

	host := strings.ToLower(parsed.Hostname())
	host = strings.TrimPrefix(host, "www.")
	if host == "" {
		return "", ErrInvalidURL
	}

	query := canonicalQuery(parseQuery(parsed.RawQuery))

	path := parsed.EscapedPath()
	if path == "" {
		path = "/"
	} else if path != "/" {
		path = strings.TrimRight(path, "/")
		if path == "" {
			path = "/"
		}
	}

	var b strings.Builder
	b.WriteString("https://")
	b.WriteString(host)
	b.WriteString(path)
	if query != "" {
		b.WriteString("?")
		b.WriteString(query)
	}
	return b.String(), nil
}

// ThreadKey validates and canonicalizes a thread key of the form
// "url:<raw-url>". It is used both when resolving the thread for a post
// and when admitting relay subscriptions.
func ThreadKey(input string) (string, error) {
	if !strings.HasPrefix(input, threadKeyPrefix) || len(input) > maxThreadKeyLen {
		return "", ErrInvalidThreadKey
	}
	normalized, err := Canonicalize(strings.TrimPrefix(input, threadKeyPrefix))
	if err != nil {
		return "", err
	}
	return threadKeyPrefix + normalized, nil
}

// parseQuery splits rawQuery into pairs on '&' only. url.ParseQuery
// drops any pair containing ';', which would give semicolon-bearing
// URLs a different identity than the one recorded for them; here a
// semicolon is an ordinary value byte. Blank values are kept.
func parseQuery(rawQuery string) []queryParam {
	var params []queryParam
	for _, segment := range strings.Split(rawQuery, "&") {
		if segment == "" {
			continue
		}
		name, value, _ := strings.Cut(segment, "=")
		params = append(params, queryParam{name: unescape(name), value: unescape(value)})
	}
	return params
}

// unescape decodes percent escapes and '+'. Malformed escapes pass
// through untouched rather than invalidating the whole URL.
func unescape(s string) string {
	decoded, err := url.QueryUnescape(s)
	if err != nil {
		return s
	}
	return decoded
}

func canonicalQuery(params []queryParam) string {
	var kept []queryParam
	for _, p := range params {
		if isTracking(p.name) {
			continue
		}
		kept = append(kept, p)
	}

	sort.Slice(kept, func(i, j int) bool {
		if kept[i].name != kept[j].name {
			return kept[i].name < kept[j].name
		}
		return kept[i].value < kept[j].value
	})

	var b strings.Builder
	for i, p := range kept {
		if i > 0 {
			b.WriteString("&")
		}
		b.WriteString(url.QueryEscape(p.name))
		b.WriteString("=")
		b.WriteString(url.QueryEscape(p.value))
	}
	return b.String()
}

func isTracking(name string) bool {
	lower := strings.ToLower(name)
	if _, ok := trackingParams[lower]; ok {
		return true
	}
	return strings.HasPrefix(lower, trackingPrefix)
}
