package sources

import (
	"bytes"
	"compress/gzip"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dsnet/compress/bzip2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ulikunitz/xz"

	"github.com/jmylchreest/playarr/internal/models"
)

const catalog = `
items:
  - title: Cup Final
    streaming_url: https://legacy.example/final.m3u8
    sources:
      - name: Backup DASH
        url: https://cdn.example/final.mpd
        type: dash
        decryption:
          key_system: com.widevine.alpha
          license_url: https://license.example/wv
  - title: Derby
    sources:
      - name: Main
        url: https://cdn.example/derby/master.m3u8
        type: hls
      - name: Embed
        url: https://player.example/embed/derby
        type: iframe
  - title: Highlights
    iframe_url: https://player.example/embed/hl
`

func TestDecode_Plain(t *testing.T) {
	f, err := Decode(strings.NewReader(catalog))
	require.NoError(t, err)
	require.Len(t, f.Items, 3)

	final := f.Items[0]
	def, ok := final.Default()
	require.True(t, ok)
	assert.Equal(t, "https://legacy.example/final.m3u8", def.URL)
	assert.Equal(t, models.ProtocolSegmented, def.ProtocolType)
	require.Len(t, final.Sources, 1)
	assert.Equal(t, models.ProtocolManifestDescription, final.Sources[0].ProtocolType)
	require.NotNil(t, final.Sources[0].Decryption)
	assert.Equal(t, "com.widevine.alpha", final.Sources[0].Decryption.KeySystem)

	derby := f.Items[1]
	def, _ = derby.Default()
	assert.Equal(t, "Main", def.Name)
	assert.Equal(t, models.ProtocolEmbedded, derby.Sources[1].ProtocolType)

	hl, _ := f.Items[2].Default()
	assert.Equal(t, models.ProtocolEmbedded, hl.ProtocolType)

	assert.Len(t, f.Sources(), 5)
}

func compress(t *testing.T, kind string) []byte {
	t.Helper()
	var buf bytes.Buffer
	switch kind {
	case "gzip":
		w := gzip.NewWriter(&buf)
		_, err := w.Write([]byte(catalog))
		require.NoError(t, err)
		require.NoError(t, w.Close())
	case "bzip2":
		w, err := bzip2.NewWriter(&buf, nil)
		require.NoError(t, err)
		_, err = w.Write([]byte(catalog))
		require.NoError(t, err)
		require.NoError(t, w.Close())
	case "xz":
		w, err := xz.NewWriter(&buf)
		require.NoError(t, err)
		_, err = w.Write([]byte(catalog))
		require.NoError(t, err)
		require.NoError(t, w.Close())
	}
	return buf.Bytes()
}

func TestDecode_Compressed(t *testing.T) {
	for _, kind := range []string{"gzip", "bzip2", "xz"} {
		t.Run(kind, func(t *testing.T) {
			f, err := Decode(bytes.NewReader(compress(t, kind)))
			require.NoError(t, err)
			assert.Len(t, f.Items, 3)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sources.yaml.xz")
	require.NoError(t, os.WriteFile(path, compress(t, "xz"), 0o600))

	f, err := Load(path)
	require.NoError(t, err)

	set, err := f.Find("derby")
	require.NoError(t, err)
	assert.Equal(t, "Derby", set.Title)

	first, err := f.Find("")
	require.NoError(t, err)
	assert.Equal(t, "Cup Final", first.Title)

	_, err = f.Find("Friendly")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestDecode_Errors(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr error
		msg     string
	}{
		{"empty document", "", ErrEmpty, ""},
		{"no items", "items: []\n", ErrEmpty, ""},
		{"bad type", "items:\n  - title: X\n    sources:\n      - url: https://a.example/x\n        type: rtmp\n", models.ErrInvalidProtocolType, ""},
		{"relative url", "items:\n  - title: X\n    sources:\n      - url: /live.m3u8\n", models.ErrInvalidURL, ""},
		{"no sources", "items:\n  - title: X\n", nil, "no playable source"},
		{"drm without key system", "items:\n  - title: X\n    sources:\n      - url: https://a.example/x.mpd\n        decryption:\n          license_url: https://l.example\n", models.ErrKeySystemRequired, ""},
		{"malformed", "items: [", nil, "decoding yaml"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(strings.NewReader(tt.input))
			require.Error(t, err)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
			if tt.msg != "" {
				assert.Contains(t, err.Error(), tt.msg)
			}
		})
	}
}
