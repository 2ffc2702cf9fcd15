package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/safecheckpoint/pkg/safecheckpoint"
	"github.com/randalmurphal/safecheckpoint/pkg/safecheckpoint/checkpoint"
	"github.com/randalmurphal/safecheckpoint/pkg/safecheckpoint/version"
)

// ScanOptions holds flags for the scan command.
type ScanOptions struct {
	KeyOptions
}

// ScanFinding is a stored version marker that is not an integer.
type ScanFinding struct {
	CheckpointID string `json:"checkpoint_id"`
	Channel      string `json:"channel"`
	Stored       any    `json:"stored"`
	Marker       int64  `json:"marker"`
	Shape        string `json:"shape"`
}

// ScanResult holds the complete scan output.
type ScanResult struct {
	ThreadID    string        `json:"thread_id"`
	Namespace   string        `json:"namespace"`
	Checkpoints int           `json:"checkpoints"`
	Skipped     int           `json:"skipped"`
	Findings    []ScanFinding `json:"findings"`
}

// NewScanCommand creates the scan command.
func NewScanCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ScanOptions{KeyOptions: KeyOptions{RootOptions: rootOpts}}

	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Report stored version markers that are not integers",
		Long: `Read every checkpoint of a thread as stored, without normalization, and
report channel versions that are not integers together with the marker
they normalize to. Nothing is written.

Exits 1 when any non-integer marker is found.

Examples:
  cpctl scan --backend sqlite --path ./cp.db --thread t1
  cpctl scan --thread t1 --ns subgraph --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScan(opts, cmd)
		},
	}

	opts.bind(cmd)

	return cmd
}

func runScan(opts *ScanOptions, cmd *cobra.Command) error {
	saver, cfg, err := opts.openRawSaver(cmd)
	if err != nil {
		return err
	}
	defer saver.Close()

	normalizer, err := safecheckpoint.NewNormalizer(cfg.Normalizer)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid normalizer configuration", err)
	}

	tuples, err := saver.List(cmd.Context(),
		checkpoint.Key{ThreadID: opts.Thread, Namespace: opts.Namespace},
		checkpoint.ListOptions{})
	if err != nil {
		return storeError("failed to list checkpoints", err)
	}

	result := ScanResult{
		ThreadID:    opts.Thread,
		Namespace:   opts.Namespace,
		Checkpoints: len(tuples),
		Findings:    []ScanFinding{},
	}
	for _, tp := range tuples {
		versions, ok := tp.Checkpoint.Versions()
		if !ok {
			result.Skipped++
			opts.formatter(cmd).VerboseLog("skipped %s: no versions map", tp.Key.CheckpointID)
			continue
		}
		result.Findings = append(result.Findings, scanVersions(normalizer, tp.Key.CheckpointID, versions)...)
	}

	err = opts.formatter(cmd).Success(result, func(w io.Writer) {
		writeScanText(w, result)
	})
	if err != nil {
		return err
	}
	if len(result.Findings) > 0 {
		exitErr := NewExitError(ExitFailure, fmt.Sprintf("found %d non-integer version markers", len(result.Findings)))
		exitErr.Quiet = true
		return exitErr
	}
	return nil
}

// scanVersions returns findings for one checkpoint in channel order.
// Numbers decoded from JSON blobs are integers as stored and are not reported.
func scanVersions(n version.Normalizer, id string, versions map[string]any) []ScanFinding {
	channels := make([]string, 0, len(versions))
	for ch := range versions {
		channels = append(channels, ch)
	}
	sort.Strings(channels)

	var findings []ScanFinding
	for _, ch := range channels {
		raw := versions[ch]
		if num, ok := raw.(json.Number); ok {
			if _, err := num.Int64(); err == nil {
				continue
			}
		}
		marker, shape := n.Inspect(raw)
		if !shape.Converted() {
			continue
		}
		findings = append(findings, ScanFinding{
			CheckpointID: id,
			Channel:      ch,
			Stored:       raw,
			Marker:       marker,
			Shape:        shape.String(),
		})
	}
	return findings
}

func writeScanText(w io.Writer, result ScanResult) {
	fmt.Fprintf(w, "Scanned %d checkpoints in thread %s", result.Checkpoints, result.ThreadID)
	if result.Namespace != "" {
		fmt.Fprintf(w, " (namespace %s)", result.Namespace)
	}
	fmt.Fprintln(w)
	if result.Skipped > 0 {
		fmt.Fprintf(w, "Skipped %d checkpoints without a versions map\n", result.Skipped)
	}
	if len(result.Findings) == 0 {
		fmt.Fprintln(w, "All version markers are integers")
		return
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "CHECKPOINT\tCHANNEL\tSTORED\tMARKER\tSHAPE")
	for _, f := range result.Findings {
		fmt.Fprintf(tw, "%s\t%s\t%#v\t%d\t%s\n", f.CheckpointID, f.Channel, f.Stored, f.Marker, f.Shape)
	}
	_ = tw.Flush()
}
