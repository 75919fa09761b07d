package backend

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/jmylchreest/playarr/internal/models"
	"github.com/jmylchreest/playarr/internal/urlutil"
)

// Factory constructs a backend of one family.
type Factory func(Options) Backend

// CapabilityProbe answers whether the sink decodes a MIME type natively.
type CapabilityProbe interface {
	CanPlayType(mime string) bool
}

// SelectorConfig configures a Selector.
type SelectorConfig struct {
	// Options are the base options handed to every backend.
	Options Options
	// ProxyBaseURL routes every source through a relay when set.
	ProxyBaseURL string
	// DisableSegmented forces HLS sources onto the native engine when it
	// claims HLS support, and fails them otherwise.
	DisableSegmented bool
	// DisableManifestDescription rejects DASH sources.
	DisableManifestDescription bool
}

// Selector chooses and constructs the backend for a source. It tracks the
// live backend and destroys it before constructing the next one.
type Selector struct {
	config    SelectorConfig
	logger    *slog.Logger
	factories map[Family]Factory

	mu   sync.Mutex
	live Backend
}

// NewSelector creates a selector with the built-in backend families.
func NewSelector(config SelectorConfig) *Selector {
	logger := config.Options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Selector{
		config: config,
		logger: logger.With(slog.String("component", "backend_selector")),
		factories: map[Family]Factory{
			FamilySegmented:           func(o Options) Backend { return NewSegmented(o) },
			FamilyManifestDescription: func(o Options) Backend { return NewManifestDescription(o) },
			FamilyNative:              func(o Options) Backend { return NewNative(o) },
			FamilyEmbedded:            func(o Options) Backend { return NewEmbedded(o) },
		},
	}
}

// SetFactory replaces the constructor for a family.
func (s *Selector) SetFactory(family Family, f Factory) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.factories[family] = f
}

// Resolve decides the backend family and the effective URL for src without
// constructing anything. Explicit protocol types win, then the URL suffix,
// then the native capability probe.
func (s *Selector) Resolve(src models.PlaybackSource, probe CapabilityProbe) (Family, string, error) {
	effective := urlutil.ProxyURL(s.config.ProxyBaseURL, src.URL)

	family, ok := explicitFamily(src.ProtocolType)
	if !ok {
		family, ok = suffixFamily(src.URL)
	}
	if !ok && probe != nil && probe.CanPlayType(urlutil.MIMEMpegURL) {
		family, ok = FamilyNative, true
	}
	if !ok {
		return "", "", fmt.Errorf("%w: %s", ErrNoBackend, src.URL)
	}

	switch {
	case family == FamilySegmented && s.config.DisableSegmented:
		if probe == nil || !probe.CanPlayType(urlutil.MIMEMpegURL) {
			return "", "", fmt.Errorf("%w: segmented backend disabled and sink has no native HLS", ErrNoBackend)
		}
		family = FamilyNative
	case family == FamilyManifestDescription && s.config.DisableManifestDescription:
		return "", "", fmt.Errorf("%w: manifest description backend disabled", ErrNoBackend)
	}
	return family, effective, nil
}

// Select destroys the live backend, then constructs a new one for src. The
// returned backend is not attached yet.
func (s *Selector) Select(src models.PlaybackSource, probe CapabilityProbe) (Backend, string, error) {
	s.Release()

	family, effective, err := s.Resolve(src, probe)
	if err != nil {
		return nil, "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	factory, ok := s.factories[family]
	if !ok {
		return nil, "", fmt.Errorf("%w: no factory for %s", ErrNoBackend, family)
	}

	opts := s.config.Options
	opts.Decryption = src.Decryption
	b := factory(opts)
	s.live = b

	s.logger.Debug("backend selected",
		slog.String("family", string(family)),
		slog.String("protocol_type", src.ProtocolType.String()),
		slog.Bool("proxied", effective != src.URL))
	return b, effective, nil
}

// Release destroys the live backend, if any.
func (s *Selector) Release() {
	s.mu.Lock()
	live := s.live
	s.live = nil
	s.mu.Unlock()
	if live != nil {
		live.Destroy()
	}
}

// Live returns the backend constructed last and not yet released.
func (s *Selector) Live() Backend {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live
}

func explicitFamily(p models.ProtocolType) (Family, bool) {
	switch p {
	case models.ProtocolSegmented:
		return FamilySegmented, true
	case models.ProtocolManifestDescription:
		return FamilyManifestDescription, true
	case models.ProtocolEmbedded:
		return FamilyEmbedded, true
	default:
		return "", false
	}
}

func suffixFamily(raw string) (Family, bool) {
	switch urlutil.MIMEType(raw) {
	case urlutil.MIMEMpegURL:
		return FamilySegmented, true
	case urlutil.MIMEDASH:
		return FamilyManifestDescription, true
	case urlutil.MIMEHTML:
		return FamilyEmbedded, true
	case urlutil.MIMEMPEGTS, urlutil.MIMEMP4, urlutil.MIMEWebM, urlutil.MIMEMatroska:
		return FamilyNative, true
	default:
		return "", false
	}
}
