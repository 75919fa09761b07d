// Package tracks holds the quality and audio rendition lists of one mounted
// source and forwards user selections to the live backend.
package tracks

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/jmylchreest/playarr/internal/backend"
	"github.com/jmylchreest/playarr/internal/models"
	"golang.org/x/text/language"
	"golang.org/x/text/language/display"
)

// Switcher applies rendition selections. backend.Backend satisfies it.
type Switcher interface {
	SetLevel(index int) error
	SetAudioTrack(id string) error
}

// Catalog enumerates the renditions of the current manifest. It is owned by
// one session and only touched from that session's loop.
type Catalog struct {
	logger   *slog.Logger
	switcher Switcher

	levels   []models.QualityLevel
	selected int
	playing  int

	audio       []models.AudioTrack
	activeAudio string
}

// New creates an empty catalog.
func New(logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{
		logger:   logger.With(slog.String("component", "track_catalog")),
		selected: models.AutoLevel,
		playing:  models.AutoLevel,
	}
}

// Bind routes selections to s. Binding nil detaches the catalog.
func (c *Catalog) Bind(s Switcher) {
	c.switcher = s
}

// Reset clears every list and the selection, ready for a new manifest.
func (c *Catalog) Reset() {
	c.levels = nil
	c.selected = models.AutoLevel
	c.playing = models.AutoLevel
	c.audio = nil
	c.activeAudio = ""
}

// OnManifestParsed replaces both lists from a (re)parsed manifest. Levels
// without a vertical resolution are dropped; fewer than two usable levels
// leave the quality list empty so the backend adapts on its own.
func (c *Catalog) OnManifestParsed(levels []models.QualityLevel, audio []models.AudioTrack, defaultAudio string) {
	usable := make([]models.QualityLevel, 0, len(levels))
	for _, l := range levels {
		if l.VerticalResolution <= 0 {
			continue
		}
		if l.Label == "" {
			l.Label = models.QualityLabel(l.VerticalResolution, l.BitrateBps)
		}
		usable = append(usable, l)
	}
	if len(usable) < 2 {
		usable = nil
	}
	c.levels = usable
	c.selected = models.AutoLevel
	c.playing = models.AutoLevel

	c.audio = nil
	c.activeAudio = ""
	if len(audio) > 1 {
		c.audio = make([]models.AudioTrack, len(audio))
		for i, t := range audio {
			if t.Name == "" {
				t.Name = languageName(t.Language, i)
			}
			t.IsActive = false
			c.audio[i] = t
		}
		c.activeAudio = defaultAudio
		if c.indexOfAudio(defaultAudio) < 0 {
			c.activeAudio = c.audio[0].ID
		}
	}

	c.logger.Debug("renditions updated",
		slog.Int("levels", len(levels)),
		slog.Int("usable_levels", len(c.levels)),
		slog.Int("audio_tracks", len(c.audio)),
		slog.String("active_audio", c.activeAudio),
	)
}

// OnLevelSwitched records the level the backend is now playing. The user's
// selection is left as it was.
func (c *Catalog) OnLevelSwitched(index int) {
	c.playing = index
}

// OnAudioTrackSwitched records a completed audio switch.
func (c *Catalog) OnAudioTrackSwitched(id string) {
	if c.indexOfAudio(id) >= 0 {
		c.activeAudio = id
	}
}

// Levels returns a copy of the usable quality levels.
func (c *Catalog) Levels() []models.QualityLevel {
	if len(c.levels) == 0 {
		return nil
	}
	out := make([]models.QualityLevel, len(c.levels))
	copy(out, c.levels)
	return out
}

// ShowQualityMenu reports whether quality selection should be offered.
func (c *Catalog) ShowQualityMenu() bool {
	return len(c.levels) >= 2
}

// Selected returns the user's selection, models.AutoLevel for Auto.
func (c *Catalog) Selected() int {
	return c.selected
}

// Playing returns the level the backend last reported switching to.
func (c *Catalog) Playing() int {
	return c.playing
}

// SelectLevel pins index, or returns to adaptation with models.AutoLevel. The
// backend applies it at the next segment boundary.
func (c *Catalog) SelectLevel(index int) error {
	if index != models.AutoLevel && !c.hasLevel(index) {
		return fmt.Errorf("%w: %d", backend.ErrUnknownLevel, index)
	}
	if c.switcher == nil {
		return backend.ErrNotAttached
	}
	if err := c.switcher.SetLevel(index); err != nil {
		return fmt.Errorf("setting level %d: %w", index, err)
	}
	c.selected = index
	c.logger.Info("quality selected", slog.Int("level", index))
	return nil
}

// AudioTracks returns the audio renditions with the active one flagged.
func (c *Catalog) AudioTracks() []models.AudioTrack {
	if len(c.audio) == 0 {
		return nil
	}
	out := make([]models.AudioTrack, len(c.audio))
	for i, t := range c.audio {
		t.IsActive = t.ID == c.activeAudio
		out[i] = t
	}
	return out
}

// ActiveAudio returns the active audio track id, empty without a menu.
func (c *Catalog) ActiveAudio() string {
	return c.activeAudio
}

// SelectAudioTrack switches to the audio rendition id.
func (c *Catalog) SelectAudioTrack(id string) error {
	if c.indexOfAudio(id) < 0 {
		return fmt.Errorf("%w: %q", backend.ErrUnknownAudioTrack, id)
	}
	if c.switcher == nil {
		return backend.ErrNotAttached
	}
	if err := c.switcher.SetAudioTrack(id); err != nil {
		return fmt.Errorf("setting audio track %q: %w", id, err)
	}
	c.activeAudio = id
	c.logger.Info("audio track selected", slog.String("track", id))
	return nil
}

func (c *Catalog) hasLevel(index int) bool {
	for _, l := range c.levels {
		if l.Index == index {
			return true
		}
	}
	return false
}

func (c *Catalog) indexOfAudio(id string) int {
	for i, t := range c.audio {
		if t.ID == id {
			return i
		}
	}
	return -1
}

// languageName renders a BCP 47 tag as its English name, e.g. "de" as "German".
func languageName(tag string, pos int) string {
	tag = strings.TrimSpace(tag)
	if tag != "" {
		if t, err := language.Parse(tag); err == nil {
			if name := display.English.Languages().Name(t); name != "" {
				return name
			}
		}
		return tag
	}
	return fmt.Sprintf("Track %d", pos+1)
}
