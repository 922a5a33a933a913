package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/hlsget/internal/job"
)

var getFlags struct {
	output       string
	name         string
	threads      int
	keyHex       string
	headers      []string
	allowPartial bool
	resume       bool
	noDecrypt    bool
}

var getCmd = &cobra.Command{
	Use:   "get URL",
	Short: "Download a single HLS stream",
	Long: `Download the stream at URL and merge it into one file.

URL may point at a media playlist or a multivariant playlist; for the
latter the highest-bandwidth variant is selected.`,
	Args: cobra.ExactArgs(1),
	RunE: runGet,
}

func init() {
	getCmd.Flags().StringVarP(&getFlags.output, "output", "o", "", "output file path (default derived from name)")
	getCmd.Flags().StringVarP(&getFlags.name, "name", "n", "", "job name (default derived from URL)")
	getCmd.Flags().IntVarP(&getFlags.threads, "threads", "t", 0, "segment download threads (default from config)")
	getCmd.Flags().StringVar(&getFlags.keyHex, "key", "", "AES-128 key as 32 hex digits, overrides key fetching")
	getCmd.Flags().StringArrayVarP(&getFlags.headers, "header", "H", nil, "extra request header (Name: Value), repeatable")
	getCmd.Flags().BoolVar(&getFlags.allowPartial, "allow-partial", false, "merge successfully fetched segments even when some failed")
	getCmd.Flags().BoolVar(&getFlags.resume, "resume", false, "skip segments already present in the workspace")
	getCmd.Flags().BoolVar(&getFlags.noDecrypt, "no-decrypt", false, "store segments as fetched without AES-128 decryption")
	rootCmd.AddCommand(getCmd)
}

func runGet(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	setupLogging(cfg)
	logger := loggerForCommand()

	headers, err := parseHeaders(getFlags.headers)
	if err != nil {
		return err
	}

	name := getFlags.name
	if name == "" {
		name = nameFromURL(args[0])
	}

	spec := job.Spec{
		Name:           name,
		URL:            args[0],
		OutputPath:     getFlags.output,
		Headers:        headers,
		KeyHex:         getFlags.keyHex,
		SegmentThreads: getFlags.threads,
		AllowPartial:   getFlags.allowPartial,
		Resume:         getFlags.resume,
	}
	if getFlags.noDecrypt {
		off := false
		spec.Decrypt = &off
	}
	if err := spec.Validate(); err != nil {
		return err
	}

	runner, err := buildRunner(cfg, logger)
	if err != nil {
		return err
	}
	cleanupOrphans(cfg, logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rec := job.NewRecord(spec)
	stopProgress := progressLogger(rec, logger, 2*time.Second)
	runner.RunRecord(ctx, rec)
	stopProgress()

	switch rec.State() {
	case job.StateCompleted:
		fmt.Println(rec.OutputPath())
		return nil
	case job.StateCancelled:
		return fmt.Errorf("download cancelled")
	default:
		return fmt.Errorf("download failed (%s): %w", rec.ErrorKind(), rec.Err())
	}
}
