/*
Package main is the entry point for the oonict command-line application.

oonict reads OONI measurement archives, extracts the TLS certificate chains the probes
observed and submits chains the configured Certificate Transparency log has not answered
for yet. Its subcommands:
  - `run`: the full pipeline: decode, extract, deduplicate against the ledger, submit.
  - `extract`: a dry run printing the chains an archive carries, without submitting.
  - `ledger stats` / `ledger check`: inspect or verify the dedup ledger.
  - `log-info`: fetch the log's tree head and accepted roots as a reachability check.

Configuration comes from an optional YAML file, then OONICT_* environment variables, then
flags. Graceful shutdown is handled via context cancellation triggered by OS signals
(SIGINT, SIGTERM): no new archives or submissions are started, and a submission already
on the wire is finished and recorded.
*/
package main

/*
oonict — feed TLS chains seen by OONI probes into Certificate Transparency logs
Copyright (C) 2025  Pepijn van der Stap <rxtls@vanderstap.info>

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU Affero General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU Affero General Public License for more details.

You should have received a copy of the GNU Affero General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/renderer"
	"github.com/olekukonko/tablewriter/tw"
	"github.com/spf13/cobra"
	"github.com/x-stp/oonict/internal/certlib"
	"github.com/x-stp/oonict/internal/client"
	"github.com/x-stp/oonict/internal/config"
	"github.com/x-stp/oonict/internal/core"
	"github.com/x-stp/oonict/internal/metrics"
	"github.com/x-stp/oonict/internal/source"
)

// Global flags (persistent across commands)
var (
	configPath     string
	debug          bool
	ledgerPath     string
	recoverCorrupt bool
	logURL         string
	sourceDir      string
	keyFile        string
	bucketURL      string
)

// Flags specific to the run command
var (
	workers      int
	submitLimit  int
	submitWindow time.Duration
	maxArchives  int
	forceRescan  bool
	progressPath string
	summaryJSON  string
	metricsAddr  string
	pinCPUs      bool
	preflight    bool
)

// Flags for the inspection commands
var (
	jsonOutput bool
	showKnown  bool
	markdown   bool
)

// cfg is the effective configuration, resolved in PersistentPreRunE.
var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:           "oonict",
	Short:         "oonict - submit TLS chains seen by OONI probes to a Certificate Transparency log",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := resolveConfig(cmd); err != nil {
			return err
		}
		if debug {
			certlib.Verbose = true
			log.SetFlags(log.LstdFlags | log.Lmicroseconds)
			log.Println("Debug logging enabled.")
		}
		return nil
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Extract chains from archives and submit unseen ones to the CT log",
	Long: `Decodes every archive, extracts each TLS handshake's peer certificate chain and
submits chains whose fingerprint is not yet in the ledger. Accepted and rejected chains
are recorded in the ledger; chains that hit a transient failure are retried next run.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPipeline()
	},
}

var extractCmd = &cobra.Command{
	Use:   "extract [archive or directory]...",
	Short: "Print the chains archives carry without submitting anything",
	RunE: func(cmd *cobra.Command, args []string) error {
		return extractChains(args)
	},
}

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Inspect the dedup ledger",
}

var ledgerStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show ledger statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		return ledgerStats()
	},
}

var ledgerCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Verify every ledger line; exits non-zero on a corrupt ledger",
	RunE: func(cmd *cobra.Command, args []string) error {
		return ledgerCheck()
	},
}

var logInfoCmd = &cobra.Command{
	Use:   "log-info",
	Short: "Fetch the CT log's signed tree head and accepted roots",
	RunE: func(cmd *cobra.Command, args []string) error {
		return logInfo()
	},
}

func init() {
	addGlobalFlags(rootCmd)
	addRunFlags(runCmd)

	extractCmd.Flags().BoolVar(&showKnown, "mark-known", true, "Mark chains already in the ledger")
	extractCmd.Flags().BoolVar(&markdown, "markdown", false, "Print one markdown table after scanning instead of tab-separated lines")
	extractCmd.Flags().IntVar(&maxArchives, "max-archives", 0, "Stop after this many archives (0 for no limit)")
	ledgerStatsCmd.Flags().BoolVar(&jsonOutput, "json", false, "Print statistics as JSON")

	ledgerCmd.AddCommand(ledgerStatsCmd)
	ledgerCmd.AddCommand(ledgerCheckCmd)

	// Add subcommands to the root command
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(extractCmd)
	rootCmd.AddCommand(ledgerCmd)
	rootCmd.AddCommand(logInfoCmd)
}

// addGlobalFlags registers the flags every command inherits.
func addGlobalFlags(cmd *cobra.Command) {
	pf := cmd.PersistentFlags()
	pf.StringVar(&configPath, "config", "", "Path to a YAML configuration file")
	pf.BoolVar(&debug, "debug", false, "Enable debug logging (per-chain lines)")
	pf.StringVar(&ledgerPath, "ledger", "", "Path to the dedup ledger")
	pf.BoolVar(&recoverCorrupt, "recover-corrupt", false, "Skip invalid ledger lines instead of refusing to start")
	pf.StringVar(&logURL, "log-url", "", "CT log base URL (e.g. https://ct.example.org/2025h1)")
	pf.StringVar(&sourceDir, "dir", "", "Directory (or single file) of OONI archives")
	pf.StringVar(&keyFile, "key-file", "", "File listing object keys to fetch from the bucket, one per line ('-' for stdin)")
	pf.StringVar(&bucketURL, "bucket-url", "", "Base URL of the archive bucket used with --key-file")
}

// addRunFlags registers the flags of the run command.
func addRunFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.IntVarP(&workers, "workers", "w", core.DefaultWorkers, "Number of archives processed concurrently")
	f.IntVar(&submitLimit, "submit-limit", core.DefaultSubmitLimit, "Submissions allowed per window")
	f.DurationVar(&submitWindow, "submit-window", core.DefaultSubmitWindow, "Length of the rolling submission window")
	f.IntVar(&maxArchives, "max-archives", 0, "Stop after this many archives (0 for no limit)")
	f.BoolVar(&forceRescan, "force-rescan", false, "Rescan archives the progress cache lists as complete")
	f.StringVar(&progressPath, "progress", "", "Path to the archive progress cache")
	f.StringVar(&summaryJSON, "summary-json", "", "Also write the run summary as JSON to this path")
	f.StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	f.BoolVar(&pinCPUs, "pin-cpus", false, "Pin workers to CPU cores (Linux only)")
	f.BoolVar(&preflight, "preflight", false, "Fetch the log's tree head before starting")
}

// resolveConfig builds cfg from defaults, the YAML file, OONICT_* variables and the flags
// set on cmd, in increasing order of precedence.
func resolveConfig(cmd *cobra.Command) error {
	var err error
	cfg, err = config.LoadWithEnv(configPath)
	if err != nil {
		return err
	}
	applyFlags(cmd)
	cfg.ResolveStatePaths()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// applyFlags copies flags the user set explicitly over the loaded configuration.
func applyFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	set := func(name string, apply func()) {
		if flags.Changed(name) {
			apply()
		}
	}
	set("ledger", func() { cfg.State.Ledger = ledgerPath })
	set("recover-corrupt", func() { cfg.State.RecoverCorrupt = recoverCorrupt })
	set("log-url", func() { cfg.Log.URL = logURL })
	set("dir", func() { cfg.Source.Dir = sourceDir })
	set("key-file", func() { cfg.Source.KeyFile = keyFile })
	set("bucket-url", func() { cfg.Source.BucketURL = bucketURL })
	set("workers", func() { cfg.Run.Workers = workers })
	set("submit-limit", func() { cfg.Log.SubmitLimit = submitLimit })
	set("submit-window", func() { cfg.Log.SubmitWindow = submitWindow })
	set("max-archives", func() { cfg.Source.MaxArchives = maxArchives })
	set("force-rescan", func() { cfg.Run.ForceRescan = forceRescan })
	set("progress", func() { cfg.State.Progress = progressPath })
	set("summary-json", func() { cfg.Run.SummaryJSON = summaryJSON })
	set("pin-cpus", func() { cfg.Run.PinCPUs = pinCPUs })
	set("metrics-addr", func() {
		cfg.Metrics.Enabled = metricsAddr != ""
		cfg.Metrics.ListenAddr = metricsAddr
	})
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// signalContext returns a context cancelled on the first SIGINT/SIGTERM. A second
// signal exits immediately.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Goroutine to listen for signals and trigger shutdown
	go func() {
		select {
		case sig := <-sigChan:
			log.Printf("Received signal %v, finishing in-flight submissions (signal again to force exit)...", sig)
			cancel()
		case <-ctx.Done():
			signal.Stop(sigChan)
			return
		}
		sig := <-sigChan
		log.Printf("Received second signal %v, exiting now.", sig)
		os.Exit(130)
	}()
	return ctx, func() {
		signal.Stop(sigChan)
		cancel()
	}
}

// loadArchives resolves the configured source. extraArgs, when given, are files or
// directories that replace the configured source.
func loadArchives(extraArgs []string) ([]source.Archive, error) {
	var archives []source.Archive
	switch {
	case len(extraArgs) > 0:
		for _, arg := range extraArgs {
			found, err := source.Dir(arg, cfg.Source.Suffixes)
			if err != nil {
				return nil, err
			}
			archives = append(archives, found...)
		}
	case cfg.Source.KeyFile != "":
		keys, err := source.ReadKeyFile(cfg.Source.KeyFile)
		if err != nil {
			return nil, err
		}
		archives, err = source.HTTP(cfg.Source.BucketURL, keys, client.GetStreamingClient())
		if err != nil {
			return nil, err
		}
	default:
		found, err := source.Dir(cfg.Source.Dir, cfg.Source.Suffixes)
		if err != nil {
			return nil, err
		}
		archives = found
	}
	if len(archives) == 0 {
		return nil, source.ErrNoArchives
	}
	if limited := source.Limit(archives, cfg.Source.MaxArchives); len(limited) < len(archives) {
		log.Printf("Limiting run to %d of %d archives.", len(limited), len(archives))
		archives = limited
	}
	return archives, nil
}

func runPipeline() error {
	if err := cfg.ValidateRun(); err != nil {
		return err
	}

	client.ConfigureForWorkers(cfg.Run.Workers, cfg.HTTP.Timeout, cfg.HTTP.UserAgent)
	httpClient := client.GetHTTPClient()

	if cfg.Metrics.Enabled {
		metrics.EnableMetrics()
		if err := metrics.StartMetricsServer(cfg.Metrics.ListenAddr); err != nil {
			return err
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := metrics.ShutdownMetricsServer(ctx); err != nil {
				log.Printf("Warning: metrics server shutdown: %v", err)
			}
		}()
	}

	ctx, stop := signalContext()
	defer stop()

	if preflight {
		sth, err := certlib.GetSTH(ctx, httpClient, cfg.Log.URL)
		if err != nil {
			return fmt.Errorf("preflight check of %s failed: %w", cfg.Log.URL, err)
		}
		log.Printf("Log %s reachable, tree size %s.", cfg.Log.URL, humanize.Comma(int64(sth.TreeSize)))
	}

	// The ledger is opened before any archive is read; a corrupt ledger stops the run here.
	ledger, err := core.OpenLedger(cfg.State.Ledger, core.LedgerOptions{RecoverCorrupt: cfg.State.RecoverCorrupt})
	if err != nil {
		return err
	}
	defer func() {
		if err := ledger.Close(); err != nil {
			log.Printf("Warning: closing ledger: %v", err)
		}
	}()

	progress, err := core.OpenProgress(ctx, cfg.State.Progress)
	if err != nil {
		return err
	}
	defer func() {
		if err := progress.Close(); err != nil {
			log.Printf("Warning: closing progress cache: %v", err)
		}
	}()

	archives, err := loadArchives(nil)
	if err != nil {
		return err
	}

	limiter, err := core.NewWindowLimiter(cfg.Log.SubmitLimit, cfg.Log.SubmitWindow)
	if err != nil {
		return err
	}
	submitter := core.NewSubmitter(cfg.Log.URL, limiter, httpClient)
	submitter.SetRequestTimeout(cfg.Log.RequestTimeout)

	pipeline, err := core.NewPipeline(ctx, core.PipelineConfig{
		Workers:      cfg.Run.Workers,
		DispatchRate: cfg.Run.DispatchRate,
		PinCPUs:      cfg.Run.PinCPUs,
		ForceRescan:  cfg.Run.ForceRescan,
		ReportEvery:  cfg.Run.ReportInterval,
	}, ledger, submitter, progress)
	if err != nil {
		return err
	}

	log.Printf("Submitting to %s at most %d chains per %s; %s archives, ledger holds %s fingerprints.",
		cfg.Log.URL, cfg.Log.SubmitLimit, cfg.Log.SubmitWindow,
		humanize.Comma(int64(len(archives))), humanize.Comma(int64(ledger.Len())))

	stats, runErr := pipeline.Run(archives)
	summary := stats.Snapshot()
	fmt.Print(summary.String())

	if cfg.Run.SummaryJSON != "" {
		if err := writeJSON(cfg.Run.SummaryJSON, summary); err != nil {
			log.Printf("Warning: failed to write summary: %v", err)
		}
	}
	return runErr
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0644)
}

func extractChains(args []string) error {
	if len(args) == 0 {
		if err := cfg.ValidateSource(); err != nil {
			return err
		}
	}
	ctx, stop := signalContext()
	defer stop()

	var ledger *core.Ledger
	if showKnown {
		var err error
		ledger, err = core.ReadLedger(cfg.State.Ledger, core.LedgerOptions{RecoverCorrupt: cfg.State.RecoverCorrupt})
		if err != nil {
			return err
		}
	}

	archives, err := loadArchives(args)
	if err != nil {
		return err
	}

	distinct := make(map[certlib.Fingerprint]struct{})
	var total core.ScanStats
	var rows [][]string
	known := 0
	for _, archive := range archives {
		stats, err := core.ScanArchive(ctx, archive, func(rec *certlib.MeasurementRecord, chain *certlib.Chain) error {
			fp := chain.Fingerprint()
			status := "new"
			if _, seen := distinct[fp]; seen {
				status = "repeat"
			} else if ledger != nil && ledger.Contains(fp) {
				status = "known"
				known++
			}
			distinct[fp] = struct{}{}
			if markdown {
				rows = append(rows, []string{fp.String()[:16], status, fmt.Sprintf("%d", chain.Len()), chain.Leaf().Subject(), rec.Context()})
				return nil
			}
			fmt.Printf("%s\t%s\t%d\t%s\t%s\n", fp, status, chain.Len(), chain.Leaf().Subject(), rec.Context())
			return nil
		})
		total.Records += stats.Records
		total.Skipped += stats.Skipped
		total.CertificatesFailed += stats.CertificatesFailed
		total.Chains += stats.Chains
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			log.Printf("Warning: archive %s: %v", archive.ID(), err)
		}
	}

	if markdown {
		if err := renderChainTable(os.Stdout, rows); err != nil {
			return err
		}
	}

	log.Printf("Scanned %s archives: %s records (%s skipped), %s chains, %s distinct, %s already in ledger, %s certificates failed.",
		humanize.Comma(int64(len(archives))), humanize.Comma(int64(total.Records)), humanize.Comma(int64(total.Skipped)),
		humanize.Comma(int64(total.Chains)), humanize.Comma(int64(len(distinct))), humanize.Comma(int64(known)),
		humanize.Comma(int64(total.CertificatesFailed)))
	return nil
}

// renderChainTable writes extract rows as a markdown table.
func renderChainTable(w io.Writer, rows [][]string) error {
	if len(rows) == 0 {
		_, err := fmt.Fprintln(w, "No chains found")
		return err
	}
	table := tablewriter.NewTable(w,
		tablewriter.WithRenderer(renderer.NewMarkdown(tw.Rendition{Streaming: true})),
	)
	table.Header([]string{"Fingerprint", "Status", "Certs", "Leaf subject", "Context"})
	if err := table.Bulk(rows); err != nil {
		return err
	}
	return table.Render()
}

func ledgerStats() error {
	st, err := core.InspectLedger(cfg.State.Ledger, cfg.State.RecoverCorrupt)
	if err != nil {
		return err
	}
	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	}

	fmt.Printf("Ledger %s\n", st.Path)
	fmt.Printf("    \\- Fingerprints:   %s\n", humanize.Comma(int64(st.Entries)))
	fmt.Printf("    \\- Lines:          %s\n", humanize.Comma(int64(st.Lines)))
	fmt.Printf("    \\- Duplicates:     %s\n", humanize.Comma(int64(st.Duplicates)))
	fmt.Printf("    \\- Blank:          %s\n", humanize.Comma(int64(st.Blank)))
	if cfg.State.RecoverCorrupt {
		fmt.Printf("    \\- Invalid:        %s\n", humanize.Comma(int64(st.Recovered)))
	}
	if st.TornBytes > 0 {
		fmt.Printf("    \\- Torn tail:      %s (dropped on next run)\n", humanize.Bytes(uint64(st.TornBytes)))
	}
	if fi, err := os.Stat(st.Path); err == nil {
		fmt.Printf("    \\- Size:           %s, modified %s\n", humanize.Bytes(uint64(fi.Size())), humanize.Time(fi.ModTime()))
	}
	return nil
}

func ledgerCheck() error {
	st, err := core.InspectLedger(cfg.State.Ledger, false)
	if err != nil {
		return err
	}
	fmt.Printf("Ledger %s OK: %s fingerprints", st.Path, humanize.Comma(int64(st.Entries)))
	if st.Duplicates > 0 {
		fmt.Printf(", %s duplicate lines", humanize.Comma(int64(st.Duplicates)))
	}
	if st.TornBytes > 0 {
		fmt.Printf(", incomplete last line (%d bytes) will be dropped", st.TornBytes)
	}
	fmt.Println()
	return nil
}

func logInfo() error {
	if err := cfg.ValidateLog(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	httpClient := client.GetHTTPClient()

	sth, err := certlib.GetSTH(ctx, httpClient, cfg.Log.URL)
	if err != nil {
		return fmt.Errorf("error fetching tree head: %w", err)
	}
	roots, err := certlib.GetRoots(ctx, httpClient, cfg.Log.URL)
	if err != nil {
		return fmt.Errorf("error fetching roots: %w", err)
	}

	fmt.Printf("%s\n", cfg.Log.URL)
	fmt.Printf("    \\- Tree size:      %s\n", humanize.Comma(int64(sth.TreeSize)))
	fmt.Printf("    \\- Tree head:      %s\n", humanize.Time(time.UnixMilli(sth.Timestamp)))
	fmt.Printf("    \\- Accepted roots: %d\n", len(roots))
	return nil
}
