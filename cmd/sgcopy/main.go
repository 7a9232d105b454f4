package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v2"

	sgcopy "github.com/scsikit/go-sgcopy"
	"github.com/scsikit/go-sgcopy/internal/logging"
	"github.com/scsikit/go-sgcopy/internal/sgio"
)

type options struct {
	inPath  string
	outPath string

	blockSize int
	bpt       int
	count     uint64
	skip      uint64
	seek      uint64
	cdbSize   int

	fua       bool
	dpo       bool
	coe       bool
	pageAlign bool
	timeout   time.Duration

	configPath string
	verbose    bool
	jsonLog    bool
}

// fileConfig mirrors the optional defaults file. Flags set on the command
// line always win over file values.
type fileConfig struct {
	BlockSize int    `yaml:"block_size"`
	Bpt       int    `yaml:"blocks_per_transfer"`
	CdbSize   int    `yaml:"cdb_size"`
	Timeout   string `yaml:"timeout"`
	Coe       bool   `yaml:"continue_on_error"`
	PageAlign bool   `yaml:"page_align"`
}

func main() {
	opts := options{}

	cmd := &cobra.Command{
		Use:   "sgcopy",
		Short: "Copy blocks between SCSI pass-through devices",
		Long: `sgcopy copies a range of logical blocks from one sg device to another,
issuing READ and WRITE commands directly through the SG_IO interface.
Unreadable source sectors can be salvaged per sector with READ LONG or
replaced with zeros (--coe).`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, &opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.inPath, "if", "", "input sg device (required)")
	f.StringVar(&opts.outPath, "of", "", "output sg device (required)")
	f.IntVar(&opts.blockSize, "bs", 512, "logical block size in bytes")
	f.IntVar(&opts.bpt, "bpt", 128, "blocks per transfer")
	f.Uint64Var(&opts.count, "count", 0, "number of blocks to copy (required)")
	f.Uint64Var(&opts.skip, "skip", 0, "first block to read from the input")
	f.Uint64Var(&opts.seek, "seek", 0, "first block to write on the output")
	f.IntVar(&opts.cdbSize, "cdbsz", 10, "CDB size: 6, 10, 12 or 16")
	f.BoolVar(&opts.fua, "fua", false, "set the force unit access bit")
	f.BoolVar(&opts.dpo, "dpo", false, "set the disable page out bit")
	f.BoolVar(&opts.coe, "coe", false, "continue on unrecoverable read errors")
	f.BoolVar(&opts.pageAlign, "page-align", false, "page-align the transfer buffer")
	f.DurationVar(&opts.timeout, "timeout", sgcopy.DefaultTimeout, "per-command timeout")
	f.StringVar(&opts.configPath, "config", "", "YAML file with default settings")
	f.BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging and final statistics")
	f.BoolVar(&opts.jsonLog, "json-log", false, "emit logs as JSON")

	cmd.MarkFlagRequired("if")
	cmd.MarkFlagRequired("of")
	cmd.MarkFlagRequired("count")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, opts *options) error {
	if err := applyConfigFile(cmd, opts); err != nil {
		return err
	}

	logConfig := logging.DefaultConfig()
	if opts.verbose {
		logConfig.Level = logging.LevelDebug
	}
	if opts.jsonLog {
		logConfig.Format = "json"
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	src, err := sgio.Open(opts.inPath, logger)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := sgio.Open(opts.outPath, logger)
	if err != nil {
		return err
	}
	defer dst.Close()

	params := sgcopy.Params{
		BlockSize:         opts.blockSize,
		BlocksPerTransfer: opts.bpt,
		Count:             opts.count,
		SkipLBA:           opts.skip,
		SeekLBA:           opts.seek,
		CdbSize:           opts.cdbSize,
		FUA:               opts.fua,
		DPO:               opts.dpo,
		CoE:               opts.coe,
		Timeout:           opts.timeout,
	}
	if opts.pageAlign {
		params.Alignment = sgcopy.PageAligned
	}

	metrics := sgcopy.NewMetrics()
	session, err := sgcopy.NewSession(src, dst, params, &sgcopy.Options{
		Logger:   logger,
		Observer: sgcopy.NewMetricsObserver(metrics),
		Progress: func(c sgcopy.Counters) {
			logger.Debug("progress",
				"in_full", c.InFull, "out_full", c.OutFull,
				"remaining", opts.count-c.InFull)
		},
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("starting copy",
		"if", opts.inPath, "of", opts.outPath,
		"count", opts.count, "bs", opts.blockSize, "bpt", opts.bpt)

	start := time.Now()
	summary, runErr := session.Run(ctx)
	elapsed := time.Since(start)
	metrics.Stop()

	printSummary(summary, opts.blockSize, elapsed)
	if opts.verbose {
		printStats(metrics.Snapshot())
	}
	return runErr
}

func applyConfigFile(cmd *cobra.Command, opts *options) error {
	if opts.configPath == "" {
		return nil
	}

	raw, err := os.ReadFile(opts.configPath)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return fmt.Errorf("parse config %s: %w", opts.configPath, err)
	}

	f := cmd.Flags()
	if fc.BlockSize > 0 && !f.Changed("bs") {
		opts.blockSize = fc.BlockSize
	}
	if fc.Bpt > 0 && !f.Changed("bpt") {
		opts.bpt = fc.Bpt
	}
	if fc.CdbSize > 0 && !f.Changed("cdbsz") {
		opts.cdbSize = fc.CdbSize
	}
	if !f.Changed("coe") {
		opts.coe = fc.Coe
	}
	if !f.Changed("page-align") {
		opts.pageAlign = fc.PageAlign
	}
	if fc.Timeout != "" && !f.Changed("timeout") {
		d, err := time.ParseDuration(fc.Timeout)
		if err != nil {
			return fmt.Errorf("parse config timeout: %w", err)
		}
		opts.timeout = d
	}
	return nil
}

func printSummary(s sgcopy.Summary, blockSize int, elapsed time.Duration) {
	fmt.Fprintf(os.Stderr, "%d+%d records in\n", s.InFull, s.InPartial)
	fmt.Fprintf(os.Stderr, "%d+%d records out\n", s.OutFull, s.OutPartial)

	if s.Recovered > 0 {
		fmt.Fprintf(os.Stderr, "%d recovered errors\n", s.Recovered)
	}
	if s.Unrecovered > 0 {
		fmt.Fprintf(os.Stderr, "%d unrecovered error events (%d rescued, %d zero-filled)\n",
			s.Unrecovered, s.Rescues, s.ZeroFilled)
	}
	if s.Cancelled {
		fmt.Fprintln(os.Stderr, "interrupted")
	}

	bytes := s.OutFull * uint64(blockSize)
	secs := elapsed.Seconds()
	if secs > 0 {
		fmt.Fprintf(os.Stderr, "%s copied, %s, %s/s\n",
			formatSize(bytes), elapsed.Round(time.Millisecond),
			formatSize(uint64(float64(bytes)/secs)))
	}
}

func printStats(snap sgcopy.MetricsSnapshot) {
	fmt.Fprintf(os.Stderr, "commands: %d read, %d write, %d rescue\n",
		snap.ReadOps, snap.WriteOps, snap.RescueOps)
	fmt.Fprintf(os.Stderr, "errors: %d read, %d write, %d rescue, %d retries (%.1f%%)\n",
		snap.ReadErrors, snap.WriteErrors, snap.RescueErrors, snap.Retries, snap.ErrorRate)
	fmt.Fprintf(os.Stderr, "latency: %s average\n",
		time.Duration(snap.AvgLatencyNs).Round(time.Microsecond))
	if snap.ResidBytes != 0 {
		fmt.Fprintf(os.Stderr, "residual bytes: %d\n", snap.ResidBytes)
	}
}

func formatSize(n uint64) string {
	const unit = 1024
	if n < unit {
		return strconv.FormatUint(n, 10) + " B"
	}
	div, exp := uint64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	value := float64(n) / float64(div)
	suffix := strings.Split("KMGTPE", "")[exp]
	return fmt.Sprintf("%.1f %siB", value, suffix)
}
