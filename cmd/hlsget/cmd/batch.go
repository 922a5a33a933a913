package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/hlsget/internal/scheduler"
	"github.com/jmylchreest/hlsget/internal/taskfile"
)

var batchFlags struct {
	maxJobs int
}

var batchCmd = &cobra.Command{
	Use:   "batch TASKFILE",
	Short: "Download multiple streams from a JSON task file",
	Long: `Run every task in TASKFILE. Tasks start in file order on a bounded
pool of concurrent jobs; one failing job does not stop the others.`,
	Args: cobra.ExactArgs(1),
	RunE: runBatch,
}

func init() {
	batchCmd.Flags().IntVarP(&batchFlags.maxJobs, "max-jobs", "j", 0, "max concurrent jobs (default from config)")
	rootCmd.AddCommand(batchCmd)
}

func runBatch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	setupLogging(cfg)
	logger := loggerForCommand()

	specs, err := taskfile.Load(args[0])
	if err != nil {
		return err
	}

	runner, err := buildRunner(cfg, logger)
	if err != nil {
		return err
	}
	cleanupOrphans(cfg, logger)

	maxJobs := batchFlags.maxJobs
	if maxJobs == 0 {
		maxJobs = cfg.Download.MaxConcurrentJobs
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sched := scheduler.New(runner, maxJobs, logger)
	for _, spec := range specs {
		if _, err := sched.Submit(ctx, spec); err != nil {
			return err
		}
	}
	sched.Close()

	// On interrupt AwaitAll returns early; the jobs observe the
	// cancelled context and settle, and Wait holds until workspaces
	// are released.
	_ = sched.AwaitAll(ctx)
	sched.Wait()

	sum := sched.Summarize()
	for _, rec := range sched.Jobs() {
		switch {
		case rec.Err() != nil:
			fmt.Fprintf(os.Stderr, "%s\t%s\t%s: %v\n", rec.Spec().Name, rec.State(), rec.ErrorKind(), rec.Err())
		default:
			fmt.Printf("%s\t%s\t%s\n", rec.Spec().Name, rec.State(), rec.OutputPath())
		}
	}
	fmt.Fprintf(os.Stderr, "completed %d, failed %d, cancelled %d of %d\n",
		sum.Completed, sum.Failed, sum.Cancelled, sum.Total)

	if sum.Completed != sum.Total {
		return fmt.Errorf("%d of %d jobs did not complete", sum.Total-sum.Completed, sum.Total)
	}
	return nil
}
