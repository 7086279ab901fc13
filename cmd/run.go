package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/segin/efgrabber/internal/controller"
	"github.com/segin/efgrabber/internal/grabber"
	"github.com/segin/efgrabber/internal/progress"
)

type runFlags struct {
	dataSet       int
	mode          string
	maxConcurrent int
	overwrite     bool
	retryFailed   bool
	resetAll      bool
	quiet         bool
}

// newRunCmd creates the 'run' subcommand: a one-shot engine run that blocks
// until the corpus drains or the process is interrupted.
func newRunCmd() *cobra.Command {
	flags := runFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run an acquisition pass to completion",
		Long: `Starts the discovery and download engine for one data set and blocks
until every discovered key reaches a terminal state. Progress survives
interruption; rerunning resumes where the previous pass stopped.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runGrab(cmd.Context(), flags)
		},
	}

	cmd.Flags().IntVar(&flags.dataSet, "data-set", 11, "data set number to acquire")
	cmd.Flags().StringVar(&flags.mode, "mode", string(controller.ModeHybrid),
		"discovery mode: scraper, enumerate, hybrid, download")
	cmd.Flags().IntVar(&flags.maxConcurrent, "max-concurrent", 0,
		"override downloads.max_concurrent")
	cmd.Flags().BoolVar(&flags.overwrite, "overwrite", false,
		"redownload files that already exist on disk")
	cmd.Flags().BoolVar(&flags.retryFailed, "retry-failed", false,
		"requeue failed items before starting")
	cmd.Flags().BoolVar(&flags.resetAll, "reset-all", false,
		"requeue every item before starting")
	cmd.Flags().BoolVar(&flags.quiet, "quiet", false, "suppress periodic stat lines")
	return cmd
}

func runGrab(ctx context.Context, flags runFlags) error {
	mode, err := controller.ParseMode(flags.mode)
	if err != nil {
		return err
	}
	ds, err := rootConfig.DataSet(flags.dataSet)
	if err != nil {
		return err
	}

	cfg := rootConfig
	if flags.overwrite {
		cfg.Storage.Overwrite = true
	}

	ctrl, hub, cleanup, err := buildController(ctx, cfg, rootLogger)
	if err != nil {
		return err
	}
	defer cleanup()

	if flags.resetAll {
		n, err := ctrl.ResetAll(ctx, ds.ID)
		if err != nil {
			return fmt.Errorf("reset all: %w", err)
		}
		rootLogger.Info("requeued all items", zap.Int64("count", n))
	} else if flags.retryFailed {
		n, err := ctrl.ResetFailed(ctx, ds.ID)
		if err != nil {
			return fmt.Errorf("retry failed: %w", err)
		}
		rootLogger.Info("requeued failed items", zap.Int64("count", n))
	}

	if flags.maxConcurrent > 0 {
		ctrl.SetMaxConcurrentDownloads(flags.maxConcurrent)
	}

	done := make(chan struct{})
	hub.Register(&completionObserver{done: done})
	if !flags.quiet {
		hub.Register(&consoleObserver{})
	}

	if err := ctrl.Start(ds, mode); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case <-done:
		fmt.Println("All downloads complete.")
	case sig := <-sigCh:
		rootLogger.Info("interrupted, stopping", zap.String("signal", sig.String()))
		ctrl.Stop()
		fmt.Println("Stopped. Rerun to resume.")
	case <-ctx.Done():
		ctrl.Stop()
	}

	snapshot, err := ctrl.GetStats(context.Background())
	if err == nil {
		printSummary(snapshot)
	}
	return nil
}

// completionObserver closes done on run_complete.
type completionObserver struct {
	progress.NopObserver
	done chan struct{}
}

func (o *completionObserver) RunComplete() {
	select {
	case <-o.done:
	default:
		close(o.done)
	}
}

// consoleObserver prints a compact stat line per snapshot.
type consoleObserver struct {
	progress.NopObserver
}

func (consoleObserver) StatsSnapshot(s grabber.StatsSnapshot) {
	fmt.Printf("\rpend %d  active %d  done %d  fail %d  404 %d  skip %d  %s  %s/s      ",
		s.Pending, s.ActiveDownloads, s.Completed, s.Failed, s.NotFound, s.Skipped,
		humanBytes(s.BytesSession), humanBytes(int64(s.WallSpeedBPS)))
}

func (consoleObserver) PageScraped(page, count int) {
	fmt.Printf("\npage %d scraped, %d PDFs\n", page, count)
}

func (consoleObserver) Error(message string) {
	fmt.Printf("\nerror: %s\n", message)
}

func printSummary(s grabber.StatsSnapshot) {
	fmt.Printf("\nCompleted: %d  Failed: %d  Not found: %d  Skipped: %d  Pending: %d\n",
		s.Completed, s.Failed, s.NotFound, s.Skipped, s.Pending)
	fmt.Printf("Downloaded %s this session", humanBytes(s.BytesSession))
	if s.WireSpeedBPS > 0 {
		fmt.Printf(" (%s/s on the wire)", humanBytes(int64(s.WireSpeedBPS)))
	}
	fmt.Println()
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
