// Package urlutil provides URL normalization, domain extraction and the
// stable hash used as the ledger deduplication key.
package urlutil

import (
	"crypto/md5"
	"fmt"
	"net/url"
	"strings"
)

// Normalize canonicalizes a URL for deduplication: fragments are dropped,
// the host is lowercased with any leading "www." removed, and a missing
// scheme defaults to https. Invalid URLs are returned unchanged.
func Normalize(rawURL string) string {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return rawURL
	}

	parsed.Fragment = ""
	parsed.Host = strings.TrimPrefix(strings.ToLower(parsed.Host), "www.")

	if parsed.Scheme == "" {
		parsed.Scheme = "https"
	} else {
		parsed.Scheme = strings.ToLower(parsed.Scheme)
	}

	// Treat "/" and "" as the same page.
	if parsed.Path == "/" && parsed.RawQuery == "" {
		parsed.Path = ""
	}

	return parsed.String()
}

// Hash returns the stable deduplication key for a URL. Two URLs that
// normalize identically always produce the same hash.
func Hash(rawURL string) string {
	sum := md5.Sum([]byte(Normalize(rawURL)))
	return fmt.Sprintf("%x", sum)
}

// ExtractDomain extracts the lowercased hostname from a URL string.
// Protocol-relative URLs are treated as https; scheme-less relative URLs
// yield an empty domain.
func ExtractDomain(rawURL string) (string, error) {
	if strings.HasPrefix(rawURL, "//") {
		rawURL = "https:" + rawURL
	}

	if !strings.Contains(rawURL, "://") {
		return "", nil
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}

	return strings.ToLower(parsed.Hostname()), nil
}

// IsFetchable reports whether a discovered href is worth registering:
// absolute http(s) URLs only, no fragments-only or mailto links.
func IsFetchable(rawURL string) bool {
	trimmed := strings.TrimSpace(rawURL)
	if trimmed == "" || strings.HasPrefix(trimmed, "#") {
		return false
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return false
	}
	return (parsed.Scheme == "http" || parsed.Scheme == "https") && parsed.Host != ""
}
