package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/bamsammich/ringdd/internal/config"
	"github.com/bamsammich/ringdd/internal/ui"
)

var version = "dev"

func main() {
	os.Exit(run(os.Args[1:]))
}

// options holds the parsed command line.
type options struct {
	input      string
	output     string
	blockSize  string
	count      int64
	inputSeek  int64
	outputSeek int64
	ringSize   int
	numBuffers int
	progress   bool
	engine     string
	bwLimit    string
	noCache    bool
	verify     bool
	fsync      bool
	resume     bool
	logFile    string
	verbose    bool
	quiet      bool

	showVersion bool
}

func run(args []string) int {
	rootCmd := newRootCmd()
	rootCmd.SetArgs(args)

	if err := rootCmd.Execute(); err != nil {
		var exitErr *exitError
		if errors.As(err, &exitErr) {
			if exitErr.err != nil {
				fmt.Fprintf(rootCmd.ErrOrStderr(), "Error: %v\n", exitErr.err)
			}
			return exitErr.code
		}
		fmt.Fprintf(rootCmd.ErrOrStderr(), "Error: %v\n", err)
		return exitUsage
	}
	return exitOK
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:   "ringdd --if INPUT --of OUTPUT [flags]",
		Short: "Block copy through an io_uring submission ring",
		Long: `ringdd copies fixed-size blocks from an input file or device to an output,
keeping up to --ring_size reads and writes in flight at once. Blocks complete
in any order; each is written to the same position it was read from.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.showVersion {
				fmt.Fprintf(cmd.OutOrStdout(), "ringdd %s\n", version)
				return nil
			}

			closeLog, err := setupLogging(cmd.ErrOrStderr(), opts)
			if err != nil {
				return err
			}
			defer closeLog()

			// Load optional config file.
			cfg, err := config.Load()
			if err != nil {
				slog.Warn("failed to load config", "path", config.Path(), "error", err)
			}
			applyConfigDefaults(cmd, cfg.Defaults, opts)
			ui.ApplyTheme(cfg.Theme)

			return runCopy(cmd, opts)
		},
	}

	f := rootCmd.Flags()
	f.SetNormalizeFunc(underscoreFlags)

	f.StringVar(&opts.input, "if", "", "input file or device")
	f.StringVar(&opts.output, "of", "", "output file or device (created if missing, never truncated)")
	f.StringVar(&opts.blockSize, "bs", "4096", "block size in bytes (e.g. 4K, 1MiB)")
	f.Int64Var(&opts.count, "count", -1, "number of blocks to copy (default: all remaining input)")
	f.Int64Var(&opts.inputSeek, "is", 0, "blocks to skip at the start of the input")
	f.Int64Var(&opts.outputSeek, "os", 0, "blocks to skip at the start of the output")
	f.IntVar(&opts.ringSize, "ring_size", 0, "maximum requests in flight (default: 256, or 2*num_buffers)")
	f.IntVar(&opts.numBuffers, "num_buffers", 0, "number of block buffers (default: 128, or ring_size/2)")
	f.BoolVar(&opts.progress, "progress", false, "print progress once per second")
	f.StringVar(&opts.engine, "engine", "auto", "ring backend: auto, uring, iouring-go or threads")
	f.StringVar(&opts.bwLimit, "bwlimit", "", "read bandwidth limit per second (e.g. 100M, 1G)")
	f.BoolVar(&opts.noCache, "nocache", false, "drop copied ranges from the page cache")
	f.BoolVar(&opts.verify, "verify", false, "compare input and output ranges after copy (BLAKE3)")
	f.BoolVar(&opts.fsync, "fsync", false, "fsync the output before exiting")
	f.BoolVar(&opts.resume, "resume", false, "checkpoint progress and continue an interrupted run of the same copy")
	f.StringVar(&opts.logFile, "log", "", "also write structured JSON log to FILE")
	f.BoolVarP(&opts.verbose, "verbose", "v", false, "verbose output")
	f.BoolVarP(&opts.quiet, "quiet", "q", false, "suppress all output except errors")
	f.BoolVar(&opts.showVersion, "version", false, "print version and exit")

	rootCmd.MarkFlagsMutuallyExclusive("verbose", "quiet")

	rootCmd.AddCommand(newDocsCmd())
	return rootCmd
}

// underscoreFlags lets --ring-size stand for --ring_size.
func underscoreFlags(_ *pflag.FlagSet, name string) pflag.NormalizedName {
	return pflag.NormalizedName(strings.ReplaceAll(name, "-", "_"))
}

// applyConfigDefaults applies config file defaults for flags not explicitly set on the CLI.
func applyConfigDefaults(cmd *cobra.Command, defaults config.DefaultsConfig, opts *options) {
	changed := cmd.Flags().Changed
	if !changed("bs") && defaults.BlockSize != nil {
		opts.blockSize = *defaults.BlockSize
	}
	if !changed("ring_size") && defaults.RingSize != nil {
		opts.ringSize = *defaults.RingSize
	}
	if !changed("num_buffers") && defaults.NumBuffers != nil {
		opts.numBuffers = *defaults.NumBuffers
	}
	if !changed("progress") && defaults.Progress != nil {
		opts.progress = *defaults.Progress
	}
	if !changed("engine") && defaults.Engine != nil {
		opts.engine = *defaults.Engine
	}
	if !changed("bwlimit") && defaults.BWLimit != nil {
		opts.bwLimit = *defaults.BWLimit
	}
	if !changed("nocache") && defaults.NoCache != nil {
		opts.noCache = *defaults.NoCache
	}
	if !changed("verify") && defaults.Verify != nil {
		opts.verify = *defaults.Verify
	}
	if !changed("fsync") && defaults.Fsync != nil {
		opts.fsync = *defaults.Fsync
	}
}

// setupLogging installs the default logger: text on stderr, plus JSON at
// debug level when --log is set.
func setupLogging(stderr io.Writer, opts *options) (func(), error) {
	logLevel := slog.LevelInfo
	switch {
	case opts.verbose:
		logLevel = slog.LevelDebug
	case opts.quiet:
		logLevel = slog.LevelWarn
	}
	textHandler := slog.NewTextHandler(stderr, &slog.HandlerOptions{
		Level: logLevel,
	})

	var logHandler slog.Handler = textHandler
	closeLog := func() {}
	if opts.logFile != "" {
		lf, err := os.Create(opts.logFile)
		if err != nil {
			return nil, &exitError{code: exitUsage, err: fmt.Errorf("open log file: %w", err)}
		}
		closeLog = func() { lf.Close() }
		jsonHandler := slog.NewJSONHandler(lf, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		})
		logHandler = ui.NewMultiHandler(textHandler, jsonHandler)
	}
	slog.SetDefault(slog.New(logHandler))
	return closeLog, nil
}
