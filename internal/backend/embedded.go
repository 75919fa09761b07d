package backend

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/jmylchreest/playarr/internal/urlutil"
	"golang.org/x/net/html"
)

// maxEmbedDepth bounds how many nested iframes are followed.
const maxEmbedDepth = 2

// embedCandidate is a media reference found in a page.
type embedCandidate struct {
	url  string
	mime string
}

// Embedded plays a source whose URL is a web page: it scrapes the page for a
// video element, an og:video tag or a nested frame and hands the first
// natively playable reference to the sink.
type Embedded struct {
	*core

	state    sync.Mutex
	pageURL  string
	mediaURL string
}

// NewEmbedded creates an embedded-page backend.
func NewEmbedded(opts Options) *Embedded {
	e := &Embedded{core: newCore(FamilyEmbedded, opts)}
	e.onSinkError = e.sinkFailed
	return e
}

// LoadManifest implements Backend.
func (e *Embedded) LoadManifest(url string) error {
	if _, err := e.attachedSink(); err != nil {
		return err
	}
	e.state.Lock()
	e.pageURL = url
	e.mediaURL = ""
	e.state.Unlock()

	e.run(e.resolve)
	return nil
}

// StartLoad implements Backend.
func (e *Embedded) StartLoad() {
	e.state.Lock()
	resolved := e.mediaURL != ""
	e.state.Unlock()
	if !resolved {
		e.run(e.resolve)
		return
	}
	e.reassign()
}

// RecoverMediaError implements Backend.
func (e *Embedded) RecoverMediaError() { e.reassign() }

// SetLevel implements Backend.
func (e *Embedded) SetLevel(int) error { return ErrLevelsUnsupported }

// SetAudioTrack implements Backend.
func (e *Embedded) SetAudioTrack(string) error { return ErrUnknownAudioTrack }

// Destroy implements Backend.
func (e *Embedded) Destroy() { e.destroy() }

func (e *Embedded) resolve(ctx context.Context) {
	sink, err := e.attachedSink()
	if err != nil {
		return
	}
	e.state.Lock()
	page := e.pageURL
	e.state.Unlock()

	e.events.emit(Event{Kind: EventManifestLoading})

	found, err := e.find(ctx, page, 0)
	if err != nil {
		if ctx.Err() == nil {
			e.events.emitError(classifyFetchError(err), true, "embed page load", err)
		}
		return
	}
	if ctx.Err() != nil {
		return
	}

	var pick *embedCandidate
	for i := range found {
		if sink.CanPlayType(found[i].mime) {
			pick = &found[i]
			break
		}
	}
	if pick == nil {
		e.events.emitError(ErrorOther, true, "embed resolve",
			fmt.Errorf("%w: %d candidates", ErrNoPlayableMedia, len(found)))
		return
	}

	e.logger.Debug("embedded media resolved",
		slog.String("page", page),
		slog.String("media", pick.url),
		slog.String("mime", pick.mime))

	e.state.Lock()
	e.mediaURL = pick.url
	e.state.Unlock()

	if err := sink.SetSource(e.id, pick.url); err != nil {
		e.events.emitError(ErrorOther, true, "embed attach", err)
		return
	}
	e.events.emit(Event{Kind: EventManifestParsed})
}

// find returns the media candidates reachable from location in document order.
func (e *Embedded) find(ctx context.Context, location string, depth int) ([]embedCandidate, error) {
	mime := urlutil.MIMEType(location)
	if mime != "" && mime != urlutil.MIMEHTML {
		return []embedCandidate{{url: location, mime: mime}}, nil
	}

	body, err := e.opts.Client.Fetch(ctx, location, nil, e.opts.MaxManifestBytes)
	if err != nil {
		return nil, err
	}
	media, frames, err := scanPage(location, body)
	if err != nil {
		return nil, err
	}

	if depth < maxEmbedDepth {
		for _, frame := range frames {
			nested, err := e.find(ctx, frame, depth+1)
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				e.logger.Debug("skipping embedded frame",
					slog.String("frame", frame),
					slog.String("error", err.Error()))
				continue
			}
			media = append(media, nested...)
		}
	}
	return media, nil
}

func (e *Embedded) reassign() {
	sink, err := e.attachedSink()
	if err != nil {
		return
	}
	e.state.Lock()
	url := e.mediaURL
	e.state.Unlock()
	if url == "" {
		return
	}
	if err := sink.SetSource(e.id, url); err != nil {
		e.logger.Warn("reassigning embedded source failed", slog.String("error", err.Error()))
	}
}

func (e *Embedded) sinkFailed(err error) {
	e.events.emitError(ErrorNetwork, true, "embedded playback", err)
}

// scanPage walks an HTML document collecting media references and frame URLs,
// resolved against base.
func scanPage(base string, body []byte) ([]embedCandidate, []string, error) {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, nil, fmt.Errorf("parsing embed page: %w", err)
	}

	var media []embedCandidate
	var frames []string
	add := func(ref, mime string) {
		ref = strings.TrimSpace(ref)
		if ref == "" {
			return
		}
		abs, err := urlutil.Resolve(base, ref)
		if err != nil {
			return
		}
		if mime == "" {
			mime = urlutil.MIMEType(abs)
		}
		media = append(media, embedCandidate{url: abs, mime: strings.ToLower(mime)})
	}

	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "video":
				add(attr(n, "src"), attr(n, "type"))
			case "source":
				if n.Parent != nil && n.Parent.Data == "video" {
					add(attr(n, "src"), attr(n, "type"))
				}
			case "meta":
				switch attr(n, "property") {
				case "og:video", "og:video:url", "og:video:secure_url":
					add(attr(n, "content"), "")
				}
			case "iframe":
				if src := strings.TrimSpace(attr(n, "src")); src != "" {
					if abs, err := urlutil.Resolve(base, src); err == nil {
						frames = append(frames, abs)
					}
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return media, frames, nil
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}
