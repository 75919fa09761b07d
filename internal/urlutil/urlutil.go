// Package urlutil provides URL manipulation utilities for stream sources.
package urlutil

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"strings"

	"github.com/jmylchreest/playarr/internal/httpclient"
)

// URL scheme constants.
const (
	SchemeHTTP  = "http"
	SchemeHTTPS = "https"
	SchemeFile  = "file"
)

// ProxyPath is the relay endpoint proxied stream URLs are routed through.
const ProxyPath = "/stream"

// MIME types the engine recognises.
const (
	MIMEMpegURL  = "application/vnd.apple.mpegurl"
	MIMEDASH     = "application/dash+xml"
	MIMEMPEGTS   = "video/mp2t"
	MIMEMP4      = "video/mp4"
	MIMEWebM     = "video/webm"
	MIMEMatroska = "video/x-matroska"
	MIMEHTML     = "text/html"
)

var extensionMIME = map[string]string{
	".m3u8": MIMEMpegURL,
	".m3u":  MIMEMpegURL,
	".mpd":  MIMEDASH,
	".ts":   MIMEMPEGTS,
	".m2ts": MIMEMPEGTS,
	".mp4":  MIMEMP4,
	".m4v":  MIMEMP4,
	".webm": MIMEWebM,
	".mkv":  MIMEMatroska,
	".html": MIMEHTML,
	".htm":  MIMEHTML,
}

// NormalizeBaseURL adds an http:// scheme when missing and strips the
// trailing slash.
//
//	"relay.local:8080/"  -> "http://relay.local:8080"
//	"https://relay.tv/"  -> "https://relay.tv"
func NormalizeBaseURL(baseURL string) string {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		return ""
	}
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		baseURL = "http://" + baseURL
	}
	return strings.TrimSuffix(baseURL, "/")
}

// JoinPath joins a base URL with a path, ensuring single slashes.
func JoinPath(baseURL, p string) string {
	if baseURL == "" {
		return p
	}
	baseURL = strings.TrimSuffix(baseURL, "/")
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return baseURL + p
}

// ProxyURL routes raw through the relay at base. An empty base returns raw
// unchanged.
func ProxyURL(base, raw string) string {
	base = NormalizeBaseURL(base)
	if base == "" || raw == "" {
		return raw
	}
	return JoinPath(base, ProxyPath) + "?url=" + url.QueryEscape(raw)
}

// Resolve resolves ref against base, as playlist and MPD references require.
func Resolve(base, ref string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parsing base URL: %w", err)
	}
	r, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return "", fmt.Errorf("parsing reference %q: %w", ref, err)
	}
	return b.ResolveReference(r).String(), nil
}

// Extension returns the lower-cased file extension of the URL path, ignoring
// query and fragment. When the URL is a proxied URL, the wrapped URL is used.
func Extension(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	if u.Path == ProxyPath || strings.HasSuffix(u.Path, ProxyPath) {
		if inner := u.Query().Get("url"); inner != "" {
			return Extension(inner)
		}
	}
	return strings.ToLower(path.Ext(u.Path))
}

// MIMEType guesses a MIME type from the URL suffix, or "" when unknown.
func MIMEType(raw string) string {
	return extensionMIME[Extension(raw)]
}

// IsRemoteURL reports whether u is an http(s) or protocol-relative URL.
func IsRemoteURL(u string) bool {
	return strings.HasPrefix(u, "http://") ||
		strings.HasPrefix(u, "https://") ||
		strings.HasPrefix(u, "//")
}

// IsFileURL reports whether u uses the file:// scheme.
func IsFileURL(u string) bool {
	return strings.HasPrefix(u, "file://")
}

// GetScheme returns the lower-cased scheme of u, or "" if it has none.
func GetScheme(u string) string {
	parsed, err := url.Parse(u)
	if err != nil {
		return ""
	}
	return strings.ToLower(parsed.Scheme)
}

// FilePathFromURL extracts the file path from a file:// URL.
func FilePathFromURL(u string) (string, error) {
	if !IsFileURL(u) {
		return "", fmt.Errorf("not a file:// URL: %s", u)
	}
	parsed, err := url.Parse(u)
	if err != nil {
		return "", fmt.Errorf("invalid URL: %w", err)
	}
	if parsed.Path == "" {
		return "", fmt.Errorf("empty path in file URL: %s", u)
	}
	return parsed.Path, nil
}

// ValidateStreamURL checks that u is an absolute http(s) URL.
func ValidateStreamURL(u string) error {
	if strings.TrimSpace(u) == "" {
		return fmt.Errorf("URL is required")
	}
	parsed, err := url.Parse(u)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	switch strings.ToLower(parsed.Scheme) {
	case SchemeHTTP, SchemeHTTPS:
		if parsed.Host == "" {
			return fmt.Errorf("URL has no host: %s", u)
		}
		return nil
	case "":
		return fmt.Errorf("URL must include a scheme (http:// or https://)")
	default:
		return fmt.Errorf("unsupported URL scheme: %s (supported: http, https)", parsed.Scheme)
	}
}

// ResourceFetcher reads documents from http(s) URLs, file:// URLs or plain paths.
type ResourceFetcher struct {
	httpClient *httpclient.Client
}

// NewResourceFetcher creates a fetcher using client for remote URLs.
func NewResourceFetcher(client *httpclient.Client) *ResourceFetcher {
	if client == nil {
		client = httpclient.NewWithDefaults()
	}
	return &ResourceFetcher{httpClient: client}
}

// Fetch opens location. The caller must close the returned reader.
func (f *ResourceFetcher) Fetch(ctx context.Context, location string) (io.ReadCloser, error) {
	switch GetScheme(location) {
	case SchemeHTTP, SchemeHTTPS:
		resp, err := f.httpClient.Get(ctx, location, nil)
		if err != nil {
			return nil, fmt.Errorf("fetching %s: %w", location, err)
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			resp.Body.Close()
			return nil, &httpclient.StatusError{Code: resp.StatusCode, URL: location}
		}
		return resp.Body, nil
	case SchemeFile:
		p, err := FilePathFromURL(location)
		if err != nil {
			return nil, err
		}
		return openFile(p)
	case "":
		return openFile(location)
	default:
		return nil, fmt.Errorf("unsupported URL scheme: %s", GetScheme(location))
	}
}

func openFile(p string) (io.ReadCloser, error) {
	file, err := os.Open(p)
	if err != nil {
		return nil, fmt.Errorf("opening file: %w", err)
	}
	return file, nil
}
