package models

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseProtocolType(t *testing.T) {
	tests := []struct {
		in   string
		want ProtocolType
	}{
		{"", ProtocolAuto},
		{"auto", ProtocolAuto},
		{"HLS", ProtocolSegmented},
		{" m3u8 ", ProtocolSegmented},
		{"segmented", ProtocolSegmented},
		{"dash", ProtocolManifestDescription},
		{"manifestDescription", ProtocolManifestDescription},
		{"iframe", ProtocolEmbedded},
		{"embedded", ProtocolEmbedded},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseProtocolType(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ParseProtocolType("rtmp")
	assert.ErrorIs(t, err, ErrInvalidProtocolType)
	assert.Equal(t, "auto", ProtocolAuto.String())
}

func TestPlaybackSource_Validate(t *testing.T) {
	tests := []struct {
		name string
		src  PlaybackSource
		want error
	}{
		{"valid", PlaybackSource{URL: "https://cdn.example/a.m3u8"}, nil},
		{"missing url", PlaybackSource{URL: "  "}, ErrURLRequired},
		{"relative url", PlaybackSource{URL: "/a.m3u8"}, ErrInvalidURL},
		{"bad type", PlaybackSource{URL: "https://cdn.example/a", ProtocolType: "rtmp"}, ErrInvalidProtocolType},
		{"key system required", PlaybackSource{URL: "https://cdn.example/a.mpd", Decryption: &DecryptionDescriptor{}}, ErrKeySystemRequired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.src.Validate()
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}

func TestPlaybackSource_Equal(t *testing.T) {
	a := PlaybackSource{URL: "https://cdn.example/a.mpd", ProtocolType: ProtocolManifestDescription,
		Decryption: &DecryptionDescriptor{KeySystem: "com.widevine.alpha", Headers: map[string]string{"X-Token": "1"}}}
	b := a
	b.Decryption = &DecryptionDescriptor{KeySystem: "com.widevine.alpha", Headers: map[string]string{"X-Token": "1"}}
	assert.True(t, a.Equal(b))

	b.Decryption.Headers["X-Token"] = "2"
	assert.False(t, a.Equal(b))

	c := a
	c.Decryption = nil
	assert.False(t, a.Equal(c))
	assert.False(t, a.Equal(PlaybackSource{URL: a.URL}))
}

func TestSourceSet_Default(t *testing.T) {
	t.Run("legacy stream wins", func(t *testing.T) {
		set := SourceSet{LegacyStreamURL: "https://a.example/x.m3u8", LegacyEmbedURL: "https://embed.example/x",
			Sources: []PlaybackSource{{Name: "Alt", URL: "https://b.example/y.m3u8"}}}
		src, ok := set.Default()
		require.True(t, ok)
		assert.Equal(t, ProtocolSegmented, src.ProtocolType)
		assert.Equal(t, "https://a.example/x.m3u8", src.URL)
		assert.Len(t, set.All(), 2)
	})

	t.Run("legacy embed", func(t *testing.T) {
		src, ok := SourceSet{LegacyEmbedURL: "https://embed.example/x"}.Default()
		require.True(t, ok)
		assert.Equal(t, ProtocolEmbedded, src.ProtocolType)
	})

	t.Run("first source", func(t *testing.T) {
		set := SourceSet{Sources: []PlaybackSource{{Name: "One", URL: "https://a.example/1"}, {Name: "Two", URL: "https://a.example/2"}}}
		src, ok := set.Default()
		require.True(t, ok)
		assert.Equal(t, "One", src.Name)
		assert.Len(t, set.All(), 2)

		found, ok := set.Find("two")
		require.True(t, ok)
		assert.Equal(t, "https://a.example/2", found.URL)
		_, ok = set.Find("three")
		assert.False(t, ok)
	})

	t.Run("empty", func(t *testing.T) {
		_, ok := SourceSet{}.Default()
		assert.False(t, ok)
	})
}

func TestSessionState_Text(t *testing.T) {
	for st := StateIdle; st <= StateFailed; st++ {
		data, err := json.Marshal(st)
		require.NoError(t, err)

		var back SessionState
		require.NoError(t, json.Unmarshal(data, &back))
		assert.Equal(t, st, back)
	}
	assert.Equal(t, "unknown", SessionState(42).String())

	_, err := ParseSessionState("buffering")
	assert.Error(t, err)
}

func TestErrorClass(t *testing.T) {
	assert.Equal(t, "autoplay-blocked", ClassAutoplayBlocked.String())
	assert.Equal(t, "unclassified-fatal", ClassUnclassified.String())
	assert.True(t, ClassRetryBudgetExhausted.Terminal())
	assert.False(t, ClassDecodeFault.Terminal())

	err := &SessionError{Class: ClassLoadTimeout, Source: "https://a.example/x", Err: ErrLoadTimeout}
	assert.ErrorIs(t, err, ErrLoadTimeout)
	assert.Contains(t, err.Error(), "load-timeout")
}

func TestRetryBudget(t *testing.T) {
	b := RetryBudget{AttemptsMade: 2, MaxAttempts: 3}
	assert.False(t, b.Exhausted())
	assert.Equal(t, 1, b.Remaining())
	b.AttemptsMade = 3
	assert.True(t, b.Exhausted())
	assert.Equal(t, 0, b.Remaining())
}

func TestQualityLabel(t *testing.T) {
	assert.Equal(t, "720p", QualityLabel(720, 3_000_000))
	assert.Equal(t, "800 kbps", QualityLabel(0, 800_000))
	assert.Equal(t, "unknown", QualityLabel(0, 0))
}
