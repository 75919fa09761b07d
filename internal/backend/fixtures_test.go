package backend

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4/seekablebuffer"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mpegts"
	"github.com/jmylchreest/playarr/internal/httpclient"
	"github.com/jmylchreest/playarr/internal/loop"
	"github.com/jmylchreest/playarr/internal/media"
	"github.com/stretchr/testify/require"
)

var aacConfig = mpeg4audio.AudioSpecificConfig{
	Type:         mpeg4audio.ObjectTypeAACLC,
	SampleRate:   48000,
	ChannelCount: 2,
}

// tsSegment muxes a short AAC-only MPEG-TS fragment.
func tsSegment(t testing.TB, startPTS int64) []byte {
	t.Helper()
	track := &mpegts.Track{PID: 257, Codec: &mpegts.CodecMPEG4Audio{Config: aacConfig}}

	var buf bytes.Buffer
	w := &mpegts.Writer{W: &buf, Tracks: []*mpegts.Track{track}}
	require.NoError(t, w.Initialize())

	// 1024 samples at 48 kHz is 1920 ticks at 90 kHz.
	for i := 0; i < 10; i++ {
		au := bytes.Repeat([]byte{0x21, byte(i)}, 32)
		require.NoError(t, w.WriteMPEG4Audio(track, startPTS+int64(i)*1920, [][]byte{au}))
	}
	return buf.Bytes()
}

func fmp4InitSegment(t testing.TB) []byte {
	t.Helper()
	init := fmp4.Init{
		Tracks: []*fmp4.InitTrack{{
			ID:        1,
			TimeScale: 48000,
			Codec:     &mp4.CodecMPEG4Audio{Config: aacConfig},
		}},
	}
	var buf seekablebuffer.Buffer
	require.NoError(t, init.Marshal(&buf))
	return buf.Bytes()
}

func fmp4MediaSegment(t testing.TB, seq uint32, baseTime uint64) []byte {
	t.Helper()
	part := fmp4.Part{
		SequenceNumber: seq,
		Tracks: []*fmp4.PartTrack{{
			ID:       1,
			BaseTime: baseTime,
			Samples: []*fmp4.Sample{
				{Duration: 1024, Payload: []byte{0x01, 0x02, 0x03, 0x04}},
				{Duration: 1024, Payload: []byte{0x05, 0x06, 0x07, 0x08}},
			},
		}},
	}
	var buf seekablebuffer.Buffer
	require.NoError(t, part.Marshal(&buf))
	return buf.Bytes()
}

// fixtureServer serves static bodies by path and counts hits.
type fixtureServer struct {
	*httptest.Server

	mu     sync.Mutex
	bodies map[string][]byte
	status map[string]int
	hits   map[string]int
}

func newFixtureServer(t *testing.T) *fixtureServer {
	t.Helper()
	f := &fixtureServer{
		bodies: make(map[string][]byte),
		status: make(map[string]int),
		hits:   make(map[string]int),
	}
	f.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.hits[r.URL.Path]++
		body, ok := f.bodies[r.URL.Path]
		code := f.status[r.URL.Path]
		f.mu.Unlock()

		if code != 0 {
			w.WriteHeader(code)
			return
		}
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(body)
	}))
	t.Cleanup(f.Close)
	return f
}

func (f *fixtureServer) set(path string, body []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bodies[path] = body
	delete(f.status, path)
}

func (f *fixtureServer) fail(path string, code int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status[path] = code
}

func (f *fixtureServer) hitCount(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hits[path]
}

const multivariantPlaylist = `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-MEDIA:TYPE=AUDIO,GROUP-ID="aud",NAME="English",LANGUAGE="en",DEFAULT=YES,AUTOSELECT=YES,URI="audio/en.m3u8"
#EXT-X-MEDIA:TYPE=AUDIO,GROUP-ID="aud",NAME="Deutsch",LANGUAGE="de",DEFAULT=NO,AUTOSELECT=YES,URI="audio/de.m3u8"
#EXT-X-STREAM-INF:BANDWIDTH=800000,RESOLUTION=640x360,CODECS="mp4a.40.2",AUDIO="aud"
low/index.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=2400000,RESOLUTION=1280x720,CODECS="mp4a.40.2",AUDIO="aud"
high/index.m3u8
`

func mediaPlaylist(segments int, endlist bool) string {
	var b strings.Builder
	b.WriteString("#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:2\n#EXT-X-MEDIA-SEQUENCE:0\n")
	for i := 0; i < segments; i++ {
		fmt.Fprintf(&b, "#EXTINF:1.000,\nseg%d.ts\n", i)
	}
	if endlist {
		b.WriteString("#EXT-X-ENDLIST\n")
	}
	return b.String()
}

// hlsFixture serves a two-rendition VOD presentation with segments segments each.
func hlsFixture(t *testing.T, segments int) *fixtureServer {
	t.Helper()
	f := newFixtureServer(t)
	f.set("/master.m3u8", []byte(multivariantPlaylist))
	for _, rendition := range []string{"low", "high"} {
		f.set("/"+rendition+"/index.m3u8", []byte(mediaPlaylist(segments, true)))
		for i := 0; i < segments; i++ {
			f.set(fmt.Sprintf("/%s/seg%d.ts", rendition, i), tsSegment(t, int64(i)*90000))
		}
	}
	return f
}

// recorder collects events delivered on the scheduler.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) handle(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *recorder) find(kind EventKind) (Event, bool) {
	for _, ev := range r.all() {
		if ev.Kind == kind {
			return ev, true
		}
	}
	return Event{}, false
}

func (r *recorder) count(kind EventKind) int {
	n := 0
	for _, ev := range r.all() {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func (r *recorder) firstError(fatal bool) (*Error, bool) {
	for _, ev := range r.all() {
		if ev.Kind == EventError && ev.Err.Fatal == fatal {
			return ev.Err, true
		}
	}
	return nil, false
}

// eventually flushes the manual scheduler until cond holds.
func eventually(t *testing.T, m *loop.Manual, cond func() bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		m.Flush()
		return cond()
	}, 5*time.Second, 10*time.Millisecond)
}

func testOptions(m *loop.Manual) Options {
	cfg := httpclient.DefaultConfig()
	cfg.RetryAttempts = 0
	cfg.CircuitThreshold = 100
	return Options{
		Scheduler:       m,
		Client:          httpclient.New(cfg),
		ManifestTimeout: 2 * time.Second,
	}
}

// fakeEngine is a native engine that records sources and holds them until cancelled.
type fakeEngine struct {
	types map[string]bool

	mu     sync.Mutex
	played []string
	fails  []func(error)
}

func newFakeEngine(types ...string) *fakeEngine {
	e := &fakeEngine{types: make(map[string]bool)}
	for _, typ := range types {
		e.types[typ] = true
	}
	return e
}

func (e *fakeEngine) CanPlay(mime string) bool { return e.types[mime] }

func (e *fakeEngine) Play(ctx context.Context, url string, feed func(time.Duration), fail func(error)) {
	e.mu.Lock()
	e.played = append(e.played, url)
	e.fails = append(e.fails, fail)
	e.mu.Unlock()
	feed(time.Second)
	<-ctx.Done()
}

func (e *fakeEngine) sources() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.played...)
}

func (e *fakeEngine) failLast(err error) {
	e.mu.Lock()
	fail := e.fails[len(e.fails)-1]
	e.mu.Unlock()
	fail(err)
}

func newTestSurface(engine media.NativeEngine) *media.Surface {
	return media.NewSurface(media.SurfaceConfig{Autoplay: media.AutoplayAllowed, Native: engine})
}
