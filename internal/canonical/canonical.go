// Package canonical builds the exact string a media URL MAC is computed over.
// Issuance and verification both go through here, so the two sides cannot
// drift apart on parameter order or escaping.
package canonical

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// MACParam is the query parameter carrying the MAC.
const MACParam = "hmac"

// String returns path + "?" + query, where query drops MACParam and is
// encoded sorted by key. escapedPath must already be in escaped form.
func String(escapedPath string, query url.Values) string {
	filtered := make(url.Values, len(query))
	for k, v := range query {
		if k == MACParam {
			continue
		}
		filtered[k] = v
	}
	return escapedPath + "?" + filtered.Encode()
}

// FromURL canonicalizes an absolute or relative URL string. Scheme and host
// are not part of the message.
func FromURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	q, err := url.ParseQuery(u.RawQuery)
	if err != nil {
		return "", fmt.Errorf("parse query: %w", err)
	}
	return String(u.EscapedPath(), q), nil
}

// FromRequest canonicalizes an inbound request.
func FromRequest(r *http.Request) (string, error) {
	q, err := url.ParseQuery(r.URL.RawQuery)
	if err != nil {
		return "", fmt.Errorf("parse query: %w", err)
	}
	return String(r.URL.EscapedPath(), q), nil
}

// MAC extracts the MAC parameter from a URL string.
func MAC(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	q, err := url.ParseQuery(u.RawQuery)
	if err != nil {
		return "", fmt.Errorf("parse query: %w", err)
	}
	return q.Get(MACParam), nil
}

// Append adds MACParam=mac to rawURL, keeping the existing query as is.
func Append(rawURL, mac string) string {
	sep := "?"
	if strings.Contains(rawURL, "?") {
		sep = "&"
		if strings.HasSuffix(rawURL, "?") || strings.HasSuffix(rawURL, "&") {
			sep = ""
		}
	}
	return rawURL + sep + MACParam + "=" + url.QueryEscape(mac)
}
