package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/playarr/internal/prober"
)

var probeFlags struct {
	sourcesFile string
	window      time.Duration
	json        bool
}

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Check which catalog sources reach playback",
	Long: `Mount every source of a sources file on a fresh headless player, one at a
time, and report whether it reached Playing within the probe window.

Exits non-zero when any source fails. Results are also recorded in the
session history when the database is enabled.`,
	Args: cobra.NoArgs,
	RunE: runProbe,
}

func init() {
	rootCmd.AddCommand(probeCmd)

	f := probeCmd.Flags()
	f.StringVar(&probeFlags.sourcesFile, "sources", "", "sources file (default probe.sources_file)")
	f.DurationVar(&probeFlags.window, "window", 0, "time a source has to reach Playing (default probe.window)")
	f.BoolVar(&probeFlags.json, "json", false, "print results as JSON")
}

func runProbe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	path := probeFlags.sourcesFile
	if path == "" {
		path = cfg.Probe.SourcesFile
	}
	if path == "" {
		return errors.New("no sources file: pass --sources or set probe.sources_file")
	}
	if probeFlags.window > 0 {
		cfg.Probe.Window = probeFlags.window
	}

	a, err := newApp(ctx, path)
	if err != nil {
		return err
	}
	defer a.close()
	stopRecorder := a.runRecorder()
	defer stopRecorder()

	results, err := a.newProber().RunOnce(ctx)
	if err != nil {
		return err
	}

	if err := printResults(cmd, results); err != nil {
		return err
	}

	failed := 0
	for _, r := range results {
		if !r.OK() {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d sources failed", failed, len(results))
	}
	return nil
}

func printResults(cmd *cobra.Command, results []prober.Result) error {
	out := cmd.OutOrStdout()
	if probeFlags.json {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SOURCE\tOUTCOME\tSTATE\tBACKEND\tQUALITIES\tELAPSED\tERROR")
	for _, r := range results {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			r.Source.DisplayName(),
			r.Outcome,
			r.State,
			r.Backend,
			r.Qualities,
			r.Elapsed.Round(time.Millisecond),
			r.Error,
		)
	}
	return tw.Flush()
}
