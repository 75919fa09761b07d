package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	internalhttp "github.com/jmylchreest/playarr/internal/http"
	"github.com/jmylchreest/playarr/internal/http/handlers"
	"github.com/jmylchreest/playarr/internal/metrics"
	"github.com/jmylchreest/playarr/internal/models"
	"github.com/jmylchreest/playarr/internal/presentation"
	"github.com/jmylchreest/playarr/internal/session"
	"github.com/jmylchreest/playarr/internal/version"
)

var (
	errStreamUnavailable = errors.New("stream unavailable")
	errPlaybackFinished  = errors.New("playback finished")
)

var playFlags struct {
	sourcesFile   string
	title         string
	source        string
	protocol      string
	name          string
	viewportWidth int
	exitOnEnd     bool
	serve         bool
}

var playCmd = &cobra.Command{
	Use:   "play [url]",
	Short: "Play a source",
	Long: `Play a source headlessly, logging every state change.

The source is either a URL argument or an entry of a sources file picked with
--title (and --source for a named alternative). With the control API enabled
(server.enabled or --serve) the session can be driven over HTTP, and the
player stays up without a source until one is mounted.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runPlay,
}

func init() {
	rootCmd.AddCommand(playCmd)

	f := playCmd.Flags()
	f.StringVar(&playFlags.sourcesFile, "sources", "", "sources file (default probe.sources_file)")
	f.StringVar(&playFlags.title, "title", "", "title of the source set to play")
	f.StringVar(&playFlags.source, "source", "", "named alternative within the source set")
	f.StringVar(&playFlags.protocol, "type", "", "protocol type of the URL argument (hls, dash, iframe)")
	f.StringVar(&playFlags.name, "name", "", "display name of the URL argument")
	f.IntVar(&playFlags.viewportWidth, "viewport-width", 1280, "virtual viewport width in pixels")
	f.BoolVar(&playFlags.exitOnEnd, "exit-on-end", false, "exit when the presentation ends or the stream fails")
	f.BoolVar(&playFlags.serve, "serve", false, "enable the control API")
}

func runPlay(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sourcesPath := playFlags.sourcesFile
	if sourcesPath == "" {
		sourcesPath = cfg.Probe.SourcesFile
	}
	a, err := newApp(ctx, sourcesPath)
	if err != nil {
		return err
	}
	defer a.close()

	src, haveSource, err := resolveSource(a, args)
	if err != nil {
		return err
	}
	serve := cfg.Server.Enabled || playFlags.serve
	if !haveSource && !serve {
		return errors.New("nothing to play: pass a URL, --title, or enable the control API")
	}

	platform := presentation.NewVirtual(playFlags.viewportWidth, true)
	player, err := a.newPlayer(platform)
	if err != nil {
		return fmt.Errorf("building player: %w", err)
	}

	stopRecorder := a.runRecorder()
	defer stopRecorder()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return player.Run(gctx) })
	g.Go(func() error { return watch(gctx, player, playFlags.exitOnEnd) })

	if serve {
		server := internalhttp.NewServer(cfg.Server, logger, version.Version)
		routes := internalhttp.Routes{
			Player:  player,
			Catalog: a.catalog,
			History: a.store,
			Health:  handlers.NewHealthHandler(version.Version).WithPlayer(player).WithCircuit(a.client),
			Metrics: metrics.Handler(a.registry),
		}
		if a.db != nil {
			routes.Health.WithDB(a.db.DB)
		}
		if a.catalog != nil {
			p := a.newProber()
			routes.Probes = p
			if cfg.Probe.Schedule != "" {
				if err := p.Start(gctx); err != nil {
					return err
				}
				defer p.Stop()
			}
		}
		server.RegisterRoutes(routes)
		g.Go(func() error { return server.ListenAndServe(gctx) })
	}

	if haveSource {
		if err := player.Mount(ctx, src); err != nil {
			stop()
			_ = g.Wait()
			return fmt.Errorf("mounting %s: %w", src.DisplayName(), err)
		}
	}

	err = g.Wait()
	switch {
	case errors.Is(err, errPlaybackFinished), errors.Is(err, context.Canceled):
		return nil
	default:
		return err
	}
}

// resolveSource picks the source to mount from the arguments and flags.
func resolveSource(a *app, args []string) (models.PlaybackSource, bool, error) {
	if len(args) == 1 {
		protocol, err := models.ParseProtocolType(playFlags.protocol)
		if err != nil {
			return models.PlaybackSource{}, false, err
		}
		src := models.PlaybackSource{Name: playFlags.name, URL: args[0], ProtocolType: protocol}
		return src, true, src.Validate()
	}
	if playFlags.title == "" {
		return models.PlaybackSource{}, false, nil
	}
	if a.catalog == nil {
		return models.PlaybackSource{}, false, errors.New("--title needs a sources file")
	}

	set, err := a.catalog.Find(playFlags.title)
	if err != nil {
		return models.PlaybackSource{}, false, err
	}
	var (
		src models.PlaybackSource
		ok  bool
	)
	if playFlags.source != "" {
		src, ok = set.Find(playFlags.source)
	} else {
		src, ok = set.Default()
	}
	if !ok {
		return models.PlaybackSource{}, false, fmt.Errorf("no source %q in %q", playFlags.source, set.Title)
	}
	return src, true, nil
}

// watch logs snapshot changes. With exitOnEnd it stops the program when the
// presentation ends or the stream is declared unavailable.
func watch(ctx context.Context, player *session.Player, exitOnEnd bool) error {
	snaps, cancel := player.Subscribe()
	defer cancel()

	var last session.Snapshot
	for {
		select {
		case <-ctx.Done():
			return nil
		case snap, ok := <-snaps:
			if !ok {
				return nil
			}
			if snap.SessionID != last.SessionID || snap.State != last.State || snap.Ended != last.Ended {
				logSnapshot(snap)
			}
			last = snap

			if !exitOnEnd || snap.SessionID == "" {
				continue
			}
			if snap.Unavailable {
				return fmt.Errorf("%w: %s", errStreamUnavailable, snap.Error)
			}
			if snap.Ended {
				return errPlaybackFinished
			}
		}
	}
}

func logSnapshot(snap session.Snapshot) {
	attrs := []any{
		slog.String("session_id", snap.SessionID),
		slog.String("state", snap.State.String()),
		slog.String("backend", string(snap.Backend)),
		slog.Bool("live", snap.Live),
		slog.Int("qualities", len(snap.Qualities)),
		slog.Int("attempts", snap.Budget.AttemptsMade),
	}
	if snap.Source != nil {
		attrs = append(attrs, slog.String("source", snap.Source.DisplayName()))
	}
	if snap.AwaitingGesture {
		attrs = append(attrs, slog.Bool("awaiting_gesture", true))
	}
	if snap.Error != "" {
		attrs = append(attrs, slog.String("error", snap.Error), slog.String("error_class", snap.ErrorClass))
	}
	level := slog.LevelInfo
	if snap.Unavailable {
		level = slog.LevelError
	}
	logger.Log(context.Background(), level, "playback state", attrs...)
}
