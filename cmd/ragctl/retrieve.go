package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/knoguchi/hybridrag/internal/retrieval"
)

var (
	maxResults int
	category   string
	weight     float64
	noRerank   bool
	debug      bool
)

var retrieveCmd = &cobra.Command{
	Use:   "retrieve [query]",
	Short: "Run one hybrid retrieval against the configured backends",
	Long: `Runs the full pipeline (analysis, vector search, BM25 scoring, fusion and
reranking) exactly as the server would, and prints the results.

Examples:
  ragctl retrieve "how much does the enterprise plan cost"
  ragctl retrieve "oauth token refresh" --weight 0.7 --debug --json`,
	Args: cobra.ExactArgs(1),
	RunE: runRetrieve,
}

func init() {
	retrieveCmd.Flags().IntVarP(&maxResults, "max-results", "n", 0, "Maximum results (0 uses MAX_RESULTS)")
	retrieveCmd.Flags().StringVarP(&category, "category", "c", "", "Restrict to a category")
	retrieveCmd.Flags().Float64VarP(&weight, "weight", "w", -1, "Hybrid weight in [0,1] (negative uses routing)")
	retrieveCmd.Flags().BoolVar(&noRerank, "no-rerank", false, "Skip reranking")
	retrieveCmd.Flags().BoolVar(&debug, "debug", false, "Include candidate scores and timings")
}

func runRetrieve(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := buildApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	req := retrieval.Request{
		Query:      args[0],
		MaxResults: maxResults,
		Category:   category,
		Debug:      debug,
	}
	if weight >= 0 {
		req.HybridWeight = &weight
	}
	if noRerank {
		off := false
		req.Rerank = &off
	}

	resp, err := a.Retrieval.Retrieve(ctx, req)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(resp)
	}

	fmt.Printf("weight %.2f  rerank %v  keyword query %q\n",
		resp.Parameters.HybridWeight, resp.Parameters.Rerank, resp.KeywordQuery)
	if len(resp.Results) == 0 {
		fmt.Println("no results")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	defer w.Flush()
	fmt.Fprintln(w, "#\tSCORE\tSOURCE\tTEXT")
	for i, r := range resp.Results {
		fmt.Fprintf(w, "%d\t%.3f\t%s\t%s\n", i+1, r.RelevanceScore, r.Source, snippet(r.Text, 80))
	}
	return nil
}

func snippet(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > n {
		return string(r[:n-3]) + "..."
	}
	return s
}
