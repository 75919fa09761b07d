// Package models defines the playback domain types shared by playarr's engine
// components and the GORM models of the history store.
package models

import (
	"fmt"
	"net/url"
	"strings"
)

// ProtocolType tells the backend selector which family a source belongs to.
type ProtocolType string

// Protocol types.
const (
	// ProtocolAuto leaves the decision to the URL heuristic and the native probe.
	ProtocolAuto ProtocolType = ""
	// ProtocolSegmented is a chunked stream with a playlist (HLS).
	ProtocolSegmented ProtocolType = "segmented"
	// ProtocolManifestDescription is a description-based manifest (DASH MPD).
	ProtocolManifestDescription ProtocolType = "manifestDescription"
	// ProtocolEmbedded is a third-party embed page.
	ProtocolEmbedded ProtocolType = "embedded"
)

// ParseProtocolType accepts the canonical names plus the aliases used by the
// catalog layer ("m3u8", "hls", "dash", "mpd", "iframe", "auto").
func ParseProtocolType(s string) (ProtocolType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return ProtocolAuto, nil
	case "segmented", "hls", "m3u8":
		return ProtocolSegmented, nil
	case "manifestdescription", "dash", "mpd":
		return ProtocolManifestDescription, nil
	case "embedded", "iframe", "embed":
		return ProtocolEmbedded, nil
	default:
		return ProtocolAuto, fmt.Errorf("%w: %q", ErrInvalidProtocolType, s)
	}
}

// String returns the protocol name, "auto" for ProtocolAuto.
func (p ProtocolType) String() string {
	if p == ProtocolAuto {
		return "auto"
	}
	return string(p)
}

// DecryptionDescriptor describes how protected content is licensed.
type DecryptionDescriptor struct {
	// KeySystem is the DRM scheme, e.g. "com.widevine.alpha" or a scheme URN.
	KeySystem string `yaml:"key_system" json:"key_system"`
	// LicenseURL is the license server endpoint.
	LicenseURL string `yaml:"license_url" json:"license_url"`
	// Headers are sent with license requests.
	Headers map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
}

// PlaybackSource is the value mounted into a player. It is never patched in
// place: a different value means tear down and remount.
type PlaybackSource struct {
	Name         string                `yaml:"name,omitempty" json:"name,omitempty"`
	URL          string                `yaml:"url" json:"url"`
	ProtocolType ProtocolType          `yaml:"type,omitempty" json:"type,omitempty"`
	Decryption   *DecryptionDescriptor `yaml:"decryption,omitempty" json:"decryption,omitempty"`
}

// Validate checks that the source can be mounted.
func (s PlaybackSource) Validate() error {
	if strings.TrimSpace(s.URL) == "" {
		return ErrURLRequired
	}
	u, err := url.Parse(s.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%w: %s", ErrInvalidURL, s.URL)
	}
	switch s.ProtocolType {
	case ProtocolAuto, ProtocolSegmented, ProtocolManifestDescription, ProtocolEmbedded:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidProtocolType, s.ProtocolType)
	}
	if s.Decryption != nil && s.Decryption.KeySystem == "" {
		return ErrKeySystemRequired
	}
	return nil
}

// Equal reports whether two sources describe the same mount.
func (s PlaybackSource) Equal(o PlaybackSource) bool {
	if s.URL != o.URL || s.ProtocolType != o.ProtocolType || s.Name != o.Name {
		return false
	}
	if (s.Decryption == nil) != (o.Decryption == nil) {
		return false
	}
	if s.Decryption == nil {
		return true
	}
	if s.Decryption.KeySystem != o.Decryption.KeySystem || s.Decryption.LicenseURL != o.Decryption.LicenseURL {
		return false
	}
	if len(s.Decryption.Headers) != len(o.Decryption.Headers) {
		return false
	}
	for k, v := range s.Decryption.Headers {
		if o.Decryption.Headers[k] != v {
			return false
		}
	}
	return true
}

// DisplayName returns the source label for source-selector buttons.
func (s PlaybackSource) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	return "Default Stream"
}

// SourceSet holds the alternate sources the catalog offers for one content item.
type SourceSet struct {
	Title string `yaml:"title" json:"title"`
	// LegacyStreamURL and LegacyEmbedURL are single-source fields older catalog
	// entries carry. They win over Sources when present.
	LegacyStreamURL string           `yaml:"streaming_url,omitempty" json:"streaming_url,omitempty"`
	LegacyEmbedURL  string           `yaml:"iframe_url,omitempty" json:"iframe_url,omitempty"`
	Sources         []PlaybackSource `yaml:"sources,omitempty" json:"sources,omitempty"`
}

// Default returns the source a player should mount first.
func (s SourceSet) Default() (PlaybackSource, bool) {
	switch {
	case s.LegacyStreamURL != "":
		return PlaybackSource{Name: "Default Stream", URL: s.LegacyStreamURL, ProtocolType: ProtocolSegmented}, true
	case s.LegacyEmbedURL != "":
		return PlaybackSource{Name: "Default Stream", URL: s.LegacyEmbedURL, ProtocolType: ProtocolEmbedded}, true
	case len(s.Sources) > 0:
		return s.Sources[0], true
	default:
		return PlaybackSource{}, false
	}
}

// All returns every mountable source, legacy entry first.
func (s SourceSet) All() []PlaybackSource {
	out := make([]PlaybackSource, 0, len(s.Sources)+1)
	if def, ok := s.Default(); ok && (s.LegacyStreamURL != "" || s.LegacyEmbedURL != "") {
		out = append(out, def)
	}
	return append(out, s.Sources...)
}

// Find returns the source with the given name.
func (s SourceSet) Find(name string) (PlaybackSource, bool) {
	for _, src := range s.All() {
		if strings.EqualFold(src.DisplayName(), name) {
			return src, true
		}
	}
	return PlaybackSource{}, false
}
