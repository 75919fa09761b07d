package backend

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/jmylchreest/playarr/internal/media"
)

// Native hands the source straight to the sink's native engine. It exposes no
// quality levels and no audio tracks.
type Native struct {
	*core

	state sync.Mutex
	url   string
}

// NewNative creates a native backend.
func NewNative(opts Options) *Native {
	n := &Native{core: newCore(FamilyNative, opts)}
	n.onSinkError = n.sinkFailed
	return n
}

// LoadManifest implements Backend.
func (n *Native) LoadManifest(url string) error {
	sink, err := n.attachedSink()
	if err != nil {
		return err
	}
	n.state.Lock()
	n.url = url
	n.state.Unlock()

	n.events.emit(Event{Kind: EventManifestLoading})
	if err := sink.SetSource(n.id, url); err != nil {
		return err
	}
	n.events.emit(Event{Kind: EventManifestParsed})
	return nil
}

// StartLoad implements Backend by reassigning the source.
func (n *Native) StartLoad() { n.reload() }

// RecoverMediaError implements Backend by reassigning the source.
func (n *Native) RecoverMediaError() { n.reload() }

// SetLevel implements Backend.
func (n *Native) SetLevel(int) error { return ErrLevelsUnsupported }

// SetAudioTrack implements Backend.
func (n *Native) SetAudioTrack(string) error { return ErrUnknownAudioTrack }

// Destroy implements Backend.
func (n *Native) Destroy() { n.destroy() }

func (n *Native) reload() {
	sink, err := n.attachedSink()
	if err != nil {
		return
	}
	n.state.Lock()
	url := n.url
	n.state.Unlock()
	if url == "" {
		return
	}
	if err := sink.SetSource(n.id, url); err != nil {
		n.logger.Warn("reassigning native source failed", slog.String("error", err.Error()))
	}
}

func (n *Native) sinkFailed(err error) {
	if errors.Is(err, media.ErrStreamEnded) {
		n.events.emit(Event{Kind: EventEnded})
		return
	}
	n.events.emitError(ErrorNetwork, true, "native playback", err)
}
