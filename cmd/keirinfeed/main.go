package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/term"
)

const (
	appName = "keirinfeed"
	version = "v1.3.0"
)

// flags carries the CLI surface. The step switches, force-update, dry-run
// and debug are 0/1 integers to match the persisted tooling around the
// binary.
type flags struct {
	mode       string
	configPath string
	startDate  string
	endDate    string
	steps      [5]int
	force      int
	dryRun     int
	debug      int
	cupID      int64
	venueCodes []string
	maxWorkers int
}

func main() {
	f := &flags{}

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Keirin racing data ingestion pipeline",
		Version: version,
		Long: `keirinfeed ingests keirin racing data from winticket (JSON) and
yen-joy (HTML) into Postgres through a five-stage pipeline: cup index,
cup detail, race detail, odds snapshots, and result pages.

Modes:
  setup         create the store schema (idempotent)
  check_update  incremental run over [yesterday, tomorrow]
  period        run an explicit --start-date/--end-date window
  schedule      stay resident and fire configured wall-clock triggers`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			initLogging(f.debug == 1)
			return run(cmd.Context(), f)
		},
	}

	// Older wrapper scripts pass underscore-separated flag names.
	rootCmd.Flags().SetNormalizeFunc(func(fs *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	rootCmd.Flags().StringVar(&f.mode, "mode", "check_update", "run mode: check_update|period|setup|schedule")
	rootCmd.Flags().StringVar(&f.configPath, "config", "config/keirinfeed.yaml", "path to the configuration file")
	rootCmd.Flags().StringVar(&f.startDate, "start-date", "", "window start, YYYY-MM-DD (period mode)")
	rootCmd.Flags().StringVar(&f.endDate, "end-date", "", "window end, YYYY-MM-DD (period mode)")
	rootCmd.Flags().IntVar(&f.steps[0], "step1", 1, "run step 1, cup index (0|1)")
	rootCmd.Flags().IntVar(&f.steps[1], "step2", 1, "run step 2, cup detail (0|1)")
	rootCmd.Flags().IntVar(&f.steps[2], "step3", 1, "run step 3, race detail (0|1)")
	rootCmd.Flags().IntVar(&f.steps[3], "step4", 1, "run step 4, odds (0|1)")
	rootCmd.Flags().IntVar(&f.steps[4], "step5", 1, "run step 5, results (0|1)")
	rootCmd.Flags().IntVar(&f.force, "force-update", 0, "bypass the ledger filters (0|1)")
	rootCmd.Flags().IntVar(&f.dryRun, "dry-run", 0, "extract work lists only, no fetches or writes (0|1)")
	rootCmd.Flags().IntVar(&f.debug, "debug", 0, "debug logging (0|1)")
	rootCmd.Flags().Int64Var(&f.cupID, "cup-id", 0, "restrict the run to one cup")
	rootCmd.Flags().StringSliceVar(&f.venueCodes, "venue-codes", nil, "restrict step 5 to these track codes")
	rootCmd.Flags().IntVar(&f.maxWorkers, "max-workers", 0, "override performance.max_workers")

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("Run failed")
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// initLogging configures the global zerolog output: console formatting on a
// terminal, raw JSON otherwise.
func initLogging(debug bool) {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	if term.IsTerminal(int(os.Stderr.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
}
