package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/playarr/internal/models"
	"github.com/jmylchreest/playarr/internal/prober"
)

func loadDefaults(t *testing.T) {
	t.Helper()
	t.Chdir(t.TempDir())
	cfgFile = ""
	require.NoError(t, setup(rootCmd))
}

func TestToMap_FormatsUnits(t *testing.T) {
	loadDefaults(t)
	m := toMap(cfg)

	player, ok := m["player"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, cfg.Player.SampleInterval.String(), player["sample_interval"])
	assert.Equal(t, cfg.Player.MaxManifestBytes.String(), player["max_manifest_bytes"])

	db, ok := m["database"].(map[string]any)
	require.True(t, ok)
	assert.IsType(t, "", db["retention"])
}

func TestConfigDump(t *testing.T) {
	loadDefaults(t)
	var out bytes.Buffer
	configDumpCmd.SetOut(&out)
	require.NoError(t, runConfigDump(configDumpCmd, nil))
	assert.Contains(t, out.String(), "# playarr configuration")
	assert.Contains(t, out.String(), "max_attempts:")
}

func TestResolveSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sources.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
items:
  - title: Derby
    sources:
      - name: Main
        url: https://cdn.example/derby/master.m3u8
      - name: Backup
        url: https://cdn.example/derby/manifest.mpd
        type: dash
`), 0o600))
	loadDefaults(t)
	a, err := newApp(t.Context(), path)
	require.NoError(t, err)
	t.Cleanup(a.close)

	reset := func() {
		playFlags.title, playFlags.source, playFlags.protocol, playFlags.name = "", "", "", ""
	}
	t.Cleanup(reset)

	t.Run("url argument", func(t *testing.T) {
		reset()
		playFlags.protocol = "hls"
		src, ok, err := resolveSource(a, []string{"https://a.example/x"})
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, models.ProtocolSegmented, src.ProtocolType)
	})

	t.Run("invalid url argument", func(t *testing.T) {
		reset()
		_, _, err := resolveSource(a, []string{"nope"})
		assert.ErrorIs(t, err, models.ErrInvalidURL)
	})

	t.Run("title and alternative", func(t *testing.T) {
		reset()
		playFlags.title, playFlags.source = "derby", "backup"
		src, ok, err := resolveSource(a, nil)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, models.ProtocolManifestDescription, src.ProtocolType)
	})

	t.Run("nothing selected", func(t *testing.T) {
		reset()
		_, ok, err := resolveSource(a, nil)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("unknown alternative", func(t *testing.T) {
		reset()
		playFlags.title, playFlags.source = "derby", "embed"
		_, _, err := resolveSource(a, nil)
		assert.Error(t, err)
	})
}

func TestPrintResults(t *testing.T) {
	results := []prober.Result{{
		Source:  models.PlaybackSource{Name: "Main", URL: "https://a.example/x.m3u8"},
		Outcome: prober.OutcomePlaying,
		State:   models.StatePlaying,
		Backend: "segmented",
		Elapsed: 1500 * time.Millisecond,
	}}

	var out bytes.Buffer
	c := &cobra.Command{}
	c.SetOut(&out)

	probeFlags.json = false
	require.NoError(t, printResults(c, results))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "SOURCE"))
	assert.Contains(t, lines[1], "Main")
	assert.Contains(t, lines[1], "playing")
	assert.Contains(t, lines[1], "1.5s")

	out.Reset()
	probeFlags.json = true
	t.Cleanup(func() { probeFlags.json = false })
	require.NoError(t, printResults(c, results))
	assert.Contains(t, out.String(), `"outcome": "playing"`)
}
