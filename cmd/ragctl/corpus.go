package main

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/knoguchi/hybridrag/internal/app"
	"github.com/knoguchi/hybridrag/internal/corpus"
	"github.com/knoguchi/hybridrag/internal/repository/postgres"
)

var statsTop int

var rebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Rebuild corpus statistics from every indexed passage",
	Long: `Scans all passages, recomputes term and document frequencies, saves them
and notifies running servers (when Kafka is configured) to reload.`,
	Args: cobra.NoArgs,
	RunE: runRebuild,
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show the saved corpus statistics",
	Args:  cobra.NoArgs,
	RunE:  runStats,
}

func init() {
	rebuildCmd.Flags().IntVarP(&statsTop, "top", "n", 20, "Number of top terms to print")
	statsCmd.Flags().IntVarP(&statsTop, "top", "n", 20, "Number of top terms to print")
}

func runRebuild(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	db, err := openDB(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	store, closeStore, err := openStatsStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	job, closeJob, err := app.NewRebuildJob(cfg, postgres.NewPassageRepo(db), store, nil, app.InstanceID())
	if err != nil {
		return err
	}
	defer closeJob()

	start := time.Now()
	ev, top, err := job.Run(ctx)
	if errors.Is(err, corpus.ErrStatsUnavailable) {
		return fmt.Errorf("no passages indexed, nothing to rebuild")
	}
	if err != nil {
		return err
	}
	if statsTop < len(top) {
		top = top[:statsTop]
	}

	if jsonOutput {
		return printJSON(map[string]any{"rebuild": ev, "top_terms": top})
	}
	fmt.Printf("rebuild %s complete in %s\n", ev.RebuildID, time.Since(start).Round(time.Millisecond))
	fmt.Printf("documents: %d  terms: %d  avg length: %.1f\n", ev.TotalDocuments, ev.Terms, ev.AvgDocLength)
	printTerms(top, nil)
	return nil
}

func runStats(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, closeStore, err := openStatsStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	stats, err := store.Load(ctx)
	if errors.Is(err, corpus.ErrStatsUnavailable) {
		fmt.Println("no corpus statistics saved yet; run 'ragctl rebuild'")
		return nil
	}
	if err != nil {
		return err
	}

	top := stats.TopTerms(statsTop)
	if jsonOutput {
		return printJSON(map[string]any{
			"total_documents":         stats.TotalDocuments,
			"terms":                   len(stats.DocumentFrequency),
			"average_document_length": stats.AverageDocumentLength,
			"built_at":                stats.BuiltAt,
			"top_terms":               top,
		})
	}
	fmt.Printf("backend: %s  built: %s\n", cfg.StatsBackend, stats.BuiltAt.Format(time.RFC3339))
	fmt.Printf("documents: %d  terms: %d  avg length: %.1f\n",
		stats.TotalDocuments, len(stats.DocumentFrequency), stats.AverageDocumentLength)
	printTerms(top, stats)
	return nil
}

func printTerms(top []corpus.TermCount, stats *corpus.Statistics) {
	if len(top) == 0 {
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	defer w.Flush()
	fmt.Fprintln(w, "RANK\tTERM\tTF\tDF")
	for i, tc := range top {
		df := "-"
		if stats != nil {
			df = fmt.Sprint(stats.DocumentFrequency[tc.Term])
		}
		fmt.Fprintf(w, "%d\t%s\t%d\t%s\n", i+1, tc.Term, tc.Frequency, df)
	}
}
