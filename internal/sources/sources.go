// Package sources loads source-set files: YAML catalogs listing the
// alternate playback sources of each content item. Files may be plain or
// compressed with gzip, bzip2 or xz.
package sources

import (
	"bufio"
	"compress/bzip2"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ulikunitz/xz"
	"gopkg.in/yaml.v3"

	"github.com/jmylchreest/playarr/internal/models"
)

// ErrNotFound is returned when no item matches a lookup.
var ErrNotFound = errors.New("source set not found")

// ErrEmpty is returned for a file without items.
var ErrEmpty = errors.New("source file has no items")

// File is a decoded source-set file.
type File struct {
	Items []models.SourceSet `yaml:"items"`
}

// Load reads and validates the file at path.
func Load(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening source file: %w", err)
	}
	defer f.Close()

	file, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return file, nil
}

// Decode reads a source-set file from r, detecting compression from the
// leading magic bytes.
func Decode(r io.Reader) (*File, error) {
	rd, err := decompress(r)
	if err != nil {
		return nil, err
	}

	var raw struct {
		Items []rawSet `yaml:"items"`
	}
	if err := yaml.NewDecoder(rd).Decode(&raw); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrEmpty
		}
		return nil, fmt.Errorf("decoding yaml: %w", err)
	}
	if len(raw.Items) == 0 {
		return nil, ErrEmpty
	}

	file := &File{Items: make([]models.SourceSet, 0, len(raw.Items))}
	for i, item := range raw.Items {
		set, err := item.toModel()
		if err != nil {
			return nil, fmt.Errorf("item %d (%q): %w", i, item.Title, err)
		}
		file.Items = append(file.Items, set)
	}
	return file, nil
}

// rawSet mirrors models.SourceSet with a free-form protocol type so the
// catalog aliases (hls, dash, iframe) can be normalized.
type rawSet struct {
	Title           string      `yaml:"title"`
	LegacyStreamURL string      `yaml:"streaming_url"`
	LegacyEmbedURL  string      `yaml:"iframe_url"`
	Sources         []rawSource `yaml:"sources"`
}

type rawSource struct {
	Name       string                       `yaml:"name"`
	URL        string                       `yaml:"url"`
	Type       string                       `yaml:"type"`
	Decryption *models.DecryptionDescriptor `yaml:"decryption"`
}

func (r rawSet) toModel() (models.SourceSet, error) {
	set := models.SourceSet{
		Title:           r.Title,
		LegacyStreamURL: strings.TrimSpace(r.LegacyStreamURL),
		LegacyEmbedURL:  strings.TrimSpace(r.LegacyEmbedURL),
	}
	for j, rs := range r.Sources {
		pt, err := models.ParseProtocolType(rs.Type)
		if err != nil {
			return set, fmt.Errorf("source %d: %w", j, err)
		}
		src := models.PlaybackSource{
			Name:         rs.Name,
			URL:          strings.TrimSpace(rs.URL),
			ProtocolType: pt,
			Decryption:   rs.Decryption,
		}
		if err := src.Validate(); err != nil {
			return set, fmt.Errorf("source %d: %w", j, err)
		}
		set.Sources = append(set.Sources, src)
	}
	if _, ok := set.Default(); !ok {
		return set, fmt.Errorf("no playable source")
	}
	for _, src := range set.All() {
		if err := src.Validate(); err != nil {
			return set, err
		}
	}
	return set, nil
}

func decompress(r io.Reader) (io.Reader, error) {
	br := bufio.NewReader(r)
	header, err := br.Peek(6)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("peeking header: %w", err)
	}

	switch {
	case len(header) >= 2 && header[0] == 0x1f && header[1] == 0x8b:
		gzr, err := gzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("creating gzip reader: %w", err)
		}
		return gzr, nil
	case len(header) >= 3 && string(header[:3]) == "BZh":
		return bzip2.NewReader(br), nil
	case len(header) >= 6 && string(header) == "\xfd7zXZ\x00":
		xzr, err := xz.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("creating xz reader: %w", err)
		}
		return xzr, nil
	default:
		return br, nil
	}
}

// Find returns the item whose title matches, case-insensitively. An empty
// title selects the first item.
func (f *File) Find(title string) (models.SourceSet, error) {
	if title == "" && len(f.Items) > 0 {
		return f.Items[0], nil
	}
	for _, item := range f.Items {
		if strings.EqualFold(item.Title, title) {
			return item, nil
		}
	}
	return models.SourceSet{}, fmt.Errorf("%w: %q", ErrNotFound, title)
}

// Sources returns every source of every item, in file order.
func (f *File) Sources() []models.PlaybackSource {
	var out []models.PlaybackSource
	for _, item := range f.Items {
		out = append(out, item.All()...)
	}
	return out
}
