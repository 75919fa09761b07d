package backend

import (
	"encoding/xml"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/jmylchreest/playarr/internal/urlutil"
)

// MPD document model. Only what segment addressing and track discovery need.
type mpd struct {
	XMLName                   xml.Name    `xml:"MPD"`
	Type                      string      `xml:"type,attr"`
	AvailabilityStartTime     string      `xml:"availabilityStartTime,attr"`
	MediaPresentationDuration string      `xml:"mediaPresentationDuration,attr"`
	MinimumUpdatePeriod       string      `xml:"minimumUpdatePeriod,attr"`
	BaseURL                   string      `xml:"BaseURL"`
	Periods                   []mpdPeriod `xml:"Period"`
}

type mpdPeriod struct {
	ID             string             `xml:"id,attr"`
	Start          string             `xml:"start,attr"`
	BaseURL        string             `xml:"BaseURL"`
	AdaptationSets []mpdAdaptationSet `xml:"AdaptationSet"`
}

type mpdAdaptationSet struct {
	ID                 string              `xml:"id,attr"`
	ContentType        string              `xml:"contentType,attr"`
	MimeType           string              `xml:"mimeType,attr"`
	Lang               string              `xml:"lang,attr"`
	Label              string              `xml:"Label"`
	BaseURL            string              `xml:"BaseURL"`
	Roles              []mpdDescriptor     `xml:"Role"`
	ContentProtections []mpdDescriptor     `xml:"ContentProtection"`
	SegmentTemplate    *mpdSegmentTemplate `xml:"SegmentTemplate"`
	Representations    []mpdRepresentation `xml:"Representation"`
}

type mpdRepresentation struct {
	ID                 string              `xml:"id,attr"`
	Bandwidth          int64               `xml:"bandwidth,attr"`
	Width              int                 `xml:"width,attr"`
	Height             int                 `xml:"height,attr"`
	MimeType           string              `xml:"mimeType,attr"`
	Codecs             string              `xml:"codecs,attr"`
	BaseURL            string              `xml:"BaseURL"`
	ContentProtections []mpdDescriptor     `xml:"ContentProtection"`
	SegmentTemplate    *mpdSegmentTemplate `xml:"SegmentTemplate"`
}

type mpdDescriptor struct {
	SchemeIDURI string `xml:"schemeIdUri,attr"`
	Value       string `xml:"value,attr"`
}

type mpdSegmentTemplate struct {
	Timescale       uint64              `xml:"timescale,attr"`
	Duration        uint64              `xml:"duration,attr"`
	StartNumber     *uint64             `xml:"startNumber,attr"`
	Initialization  string              `xml:"initialization,attr"`
	Media           string              `xml:"media,attr"`
	SegmentTimeline *mpdSegmentTimeline `xml:"SegmentTimeline"`
}

type mpdSegmentTimeline struct {
	S []mpdS `xml:"S"`
}

type mpdS struct {
	T *uint64 `xml:"t,attr"`
	D uint64  `xml:"d,attr"`
	R int     `xml:"r,attr"`
}

// Well-known content protection system IDs by key system name.
var keySystemIDs = map[string]string{
	"com.widevine.alpha":      "edef8ba9-79d6-4ace-a3c8-27dcd51d21ed",
	"com.microsoft.playready": "9a04f079-9840-4286-ab92-e65be0885f95",
	"org.w3.clearkey":         "e2719d58-a985-b3c9-781a-b030af78d30e",
	"com.apple.fps":           "94ce86fb-07ff-4f43-adb8-93d2fa968ca2",
}

// mp4ProtectionScheme only signals common encryption; it names no key system.
const mp4ProtectionScheme = "urn:mpeg:dash:mp4protection:2011"

var errNoSegmentTemplate = errors.New("representation has no segment template")

// dashSegment is one addressable media segment.
type dashSegment struct {
	number uint64
	time   uint64
	dur    time.Duration
}

// dashRep is a representation resolved against its base URL and template.
type dashRep struct {
	id         string
	bandwidth  int64
	height     int
	base       string
	tmpl       mpdSegmentTemplate
	startNum   uint64
	timeline   []dashSegment
	protection []mpdDescriptor
}

// dashAudioSet is an audio adaptation set offered as a track.
type dashAudioSet struct {
	id   string
	name string
	lang string
	main bool
	reps []dashRep
}

// dashManifest is a parsed MPD ready for segment addressing.
type dashManifest struct {
	dynamic      bool
	availability time.Time
	duration     time.Duration
	updatePeriod time.Duration
	video        []dashRep
	audio        []dashAudioSet
}

func parseMPD(manifestURL string, body []byte) (*dashManifest, error) {
	var doc mpd
	if err := xml.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("parsing MPD: %w", err)
	}
	if len(doc.Periods) == 0 {
		return nil, errors.New("MPD has no periods")
	}

	m := &dashManifest{dynamic: doc.Type == "dynamic"}
	if doc.MediaPresentationDuration != "" {
		d, err := parseISODuration(doc.MediaPresentationDuration)
		if err != nil {
			return nil, fmt.Errorf("mediaPresentationDuration: %w", err)
		}
		m.duration = d
	}
	if doc.MinimumUpdatePeriod != "" {
		d, err := parseISODuration(doc.MinimumUpdatePeriod)
		if err != nil {
			return nil, fmt.Errorf("minimumUpdatePeriod: %w", err)
		}
		m.updatePeriod = d
	}
	if m.dynamic {
		if doc.AvailabilityStartTime == "" {
			return nil, errors.New("dynamic MPD without availabilityStartTime")
		}
		t, err := time.Parse(time.RFC3339, doc.AvailabilityStartTime)
		if err != nil {
			return nil, fmt.Errorf("availabilityStartTime: %w", err)
		}
		m.availability = t
	}

	// Multi-period presentations play their first period.
	period := doc.Periods[0]
	base, err := resolveChain(manifestURL, doc.BaseURL, period.BaseURL)
	if err != nil {
		return nil, err
	}

	for i, set := range period.AdaptationSets {
		setBase, err := resolveChain(base, set.BaseURL)
		if err != nil {
			return nil, err
		}
		reps := make([]dashRep, 0, len(set.Representations))
		for _, r := range set.Representations {
			rep, err := buildRep(setBase, set, r)
			if err != nil {
				return nil, fmt.Errorf("representation %q: %w", r.ID, err)
			}
			reps = append(reps, rep)
		}
		if len(reps) == 0 {
			continue
		}

		switch setKind(set) {
		case "video":
			m.video = append(m.video, reps...)
		case "audio":
			id := set.ID
			if id == "" {
				id = strconv.Itoa(i)
			}
			name := set.Label
			if name == "" {
				name = set.Lang
			}
			main := false
			for _, role := range set.Roles {
				if role.Value == "main" {
					main = true
				}
			}
			m.audio = append(m.audio, dashAudioSet{id: id, name: name, lang: set.Lang, main: main, reps: reps})
		}
	}

	if len(m.video) == 0 && len(m.audio) > 0 {
		m.video = m.audio[0].reps
	}
	if len(m.video) == 0 {
		return nil, errors.New("MPD has no playable representations")
	}
	return m, nil
}

func buildRep(base string, set mpdAdaptationSet, r mpdRepresentation) (dashRep, error) {
	repBase, err := resolveChain(base, r.BaseURL)
	if err != nil {
		return dashRep{}, err
	}
	tmpl := mergeTemplate(set.SegmentTemplate, r.SegmentTemplate)
	if tmpl == nil || tmpl.Media == "" {
		return dashRep{}, errNoSegmentTemplate
	}
	if tmpl.Timescale == 0 {
		tmpl.Timescale = 1
	}

	rep := dashRep{
		id:        r.ID,
		bandwidth: r.Bandwidth,
		height:    r.Height,
		base:      repBase,
		tmpl:      *tmpl,
		startNum:  1,
	}
	if tmpl.StartNumber != nil {
		rep.startNum = *tmpl.StartNumber
	}
	rep.protection = append(rep.protection, set.ContentProtections...)
	rep.protection = append(rep.protection, r.ContentProtections...)

	if tmpl.SegmentTimeline != nil {
		rep.timeline = expandTimeline(tmpl.SegmentTimeline.S, rep.startNum, tmpl.Timescale)
		if len(rep.timeline) == 0 {
			return dashRep{}, errors.New("empty segment timeline")
		}
	} else if tmpl.Duration == 0 {
		return dashRep{}, errors.New("segment template has neither duration nor timeline")
	}
	return rep, nil
}

func mergeTemplate(set, rep *mpdSegmentTemplate) *mpdSegmentTemplate {
	if set == nil && rep == nil {
		return nil
	}
	var out mpdSegmentTemplate
	if set != nil {
		out = *set
	}
	if rep == nil {
		return &out
	}
	if rep.Timescale != 0 {
		out.Timescale = rep.Timescale
	}
	if rep.Duration != 0 {
		out.Duration = rep.Duration
	}
	if rep.StartNumber != nil {
		out.StartNumber = rep.StartNumber
	}
	if rep.Initialization != "" {
		out.Initialization = rep.Initialization
	}
	if rep.Media != "" {
		out.Media = rep.Media
	}
	if rep.SegmentTimeline != nil {
		out.SegmentTimeline = rep.SegmentTimeline
	}
	return &out
}

func expandTimeline(entries []mpdS, startNum, timescale uint64) []dashSegment {
	var out []dashSegment
	var t uint64
	num := startNum
	for _, s := range entries {
		if s.T != nil {
			t = *s.T
		}
		repeat := s.R
		if repeat < 0 {
			// Open-ended repeats run until the next refresh; one is known now.
			repeat = 0
		}
		for i := 0; i <= repeat; i++ {
			out = append(out, dashSegment{
				number: num,
				time:   t,
				dur:    ticksToDuration(s.D, timescale),
			})
			t += s.D
			num++
		}
	}
	return out
}

func setKind(set mpdAdaptationSet) string {
	if set.ContentType != "" {
		return set.ContentType
	}
	mime := set.MimeType
	if mime == "" && len(set.Representations) > 0 {
		mime = set.Representations[0].MimeType
	}
	kind, _, _ := strings.Cut(mime, "/")
	return kind
}

func resolveChain(base string, refs ...string) (string, error) {
	out := base
	for _, ref := range refs {
		ref = strings.TrimSpace(ref)
		if ref == "" {
			continue
		}
		resolved, err := urlutil.Resolve(out, ref)
		if err != nil {
			return "", err
		}
		out = resolved
	}
	return out, nil
}

// segmentDuration is the nominal duration of a template-addressed segment.
func (r *dashRep) segmentDuration() time.Duration {
	if len(r.timeline) > 0 {
		return r.timeline[0].dur
	}
	return ticksToDuration(r.tmpl.Duration, r.tmpl.Timescale)
}

type lookupState int

const (
	lookupOK lookupState = iota
	lookupBehind
	lookupWait
	lookupEnd
)

// lookup addresses segment number for a presentation observed at now.
func (m *dashManifest) lookup(r *dashRep, number uint64, now time.Time) (dashSegment, lookupState) {
	if len(r.timeline) > 0 {
		first := r.timeline[0].number
		if number < first {
			return dashSegment{}, lookupBehind
		}
		idx := number - first
		if idx >= uint64(len(r.timeline)) {
			if m.dynamic {
				return dashSegment{}, lookupWait
			}
			return dashSegment{}, lookupEnd
		}
		return r.timeline[idx], lookupOK
	}

	if number < r.startNum {
		return dashSegment{}, lookupBehind
	}
	seg := dashSegment{
		number: number,
		time:   (number - r.startNum) * r.tmpl.Duration,
		dur:    r.segmentDuration(),
	}
	if m.dynamic {
		latest, ok := m.latestNumber(r, now)
		if !ok || number > latest {
			return dashSegment{}, lookupWait
		}
		return seg, lookupOK
	}
	if m.duration > 0 && seg.dur > 0 {
		total := uint64(math.Ceil(float64(m.duration) / float64(seg.dur)))
		if number >= r.startNum+total {
			return dashSegment{}, lookupEnd
		}
	}
	return seg, lookupOK
}

// latestNumber is the newest fully available segment of a dynamic presentation.
func (m *dashManifest) latestNumber(r *dashRep, now time.Time) (uint64, bool) {
	d := r.segmentDuration()
	elapsed := now.Sub(m.availability)
	if d <= 0 || elapsed < d {
		return 0, false
	}
	return r.startNum + uint64(elapsed/d) - 1, true
}

// startNumber is where playback begins: the first segment of a static
// presentation, or sync segments behind the live edge.
func (m *dashManifest) startNumber(r *dashRep, now time.Time, sync int) uint64 {
	if len(r.timeline) > 0 {
		if !m.dynamic || len(r.timeline) <= sync {
			return r.timeline[0].number
		}
		return r.timeline[len(r.timeline)-sync].number
	}
	if !m.dynamic {
		return r.startNum
	}
	latest, ok := m.latestNumber(r, now)
	if !ok || latest < r.startNum+uint64(sync) {
		return r.startNum
	}
	return latest - uint64(sync) + 1
}

// refreshInterval is how often a dynamic MPD is reloaded.
func (m *dashManifest) refreshInterval(r *dashRep) time.Duration {
	if m.updatePeriod > 0 {
		return m.updatePeriod
	}
	if d := r.segmentDuration(); d > 0 {
		return d
	}
	return 2 * time.Second
}

var templateVar = regexp.MustCompile(`\$(RepresentationID|Number|Time|Bandwidth)(%0(\d+)d)?\$`)

// expandTemplate substitutes segment addressing identifiers in tmpl.
func expandTemplate(tmpl string, r *dashRep, seg dashSegment) string {
	out := templateVar.ReplaceAllStringFunc(tmpl, func(match string) string {
		sub := templateVar.FindStringSubmatch(match)
		var v uint64
		switch sub[1] {
		case "RepresentationID":
			return r.id
		case "Number":
			v = seg.number
		case "Time":
			v = seg.time
		case "Bandwidth":
			v = uint64(r.bandwidth)
		}
		if sub[3] != "" {
			width, _ := strconv.Atoi(sub[3])
			return fmt.Sprintf("%0*d", width, v)
		}
		return strconv.FormatUint(v, 10)
	})
	return strings.ReplaceAll(out, "$$", "$")
}

func (r *dashRep) initURL() (string, bool) {
	if r.tmpl.Initialization == "" {
		return "", false
	}
	u, err := urlutil.Resolve(r.base, expandTemplate(r.tmpl.Initialization, r, dashSegment{}))
	return u, err == nil
}

func (r *dashRep) mediaURL(seg dashSegment) (string, error) {
	return urlutil.Resolve(r.base, expandTemplate(r.tmpl.Media, r, seg))
}

// matchKeySystem checks the representation's protection against keySystem.
// It returns "" when the content is clear.
func matchKeySystem(protection []mpdDescriptor, keySystem string) (string, error) {
	if len(protection) == 0 {
		return "", nil
	}
	if keySystem == "" {
		return "", ErrDecryptionRequired
	}

	want := strings.ToLower(keySystem)
	if id, ok := keySystemIDs[want]; ok {
		want = id
	}
	want = strings.TrimPrefix(want, "urn:uuid:")

	for _, cp := range protection {
		scheme := strings.ToLower(cp.SchemeIDURI)
		if scheme == mp4ProtectionScheme {
			continue
		}
		if strings.TrimPrefix(scheme, "urn:uuid:") == want {
			return keySystem, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupportedKeySys, keySystem)
}

func ticksToDuration(ticks, timescale uint64) time.Duration {
	if timescale == 0 {
		return 0
	}
	return time.Duration(float64(ticks) / float64(timescale) * float64(time.Second))
}

var isoDuration = regexp.MustCompile(`^P(?:(\d+(?:\.\d+)?)D)?(?:T(?:(\d+(?:\.\d+)?)H)?(?:(\d+(?:\.\d+)?)M)?(?:(\d+(?:\.\d+)?)S)?)?$`)

// parseISODuration parses the xs:duration subset MPDs use (days and time).
func parseISODuration(s string) (time.Duration, error) {
	m := isoDuration.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil || s == "P" || s == "PT" {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	units := []time.Duration{24 * time.Hour, time.Hour, time.Minute, time.Second}
	var total time.Duration
	for i, unit := range units {
		if m[i+1] == "" {
			continue
		}
		v, err := strconv.ParseFloat(m[i+1], 64)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q: %w", s, err)
		}
		total += time.Duration(v * float64(unit))
	}
	return total, nil
}
