package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/knoguchi/hybridrag/internal/analyzer"
	"github.com/knoguchi/hybridrag/internal/app"
	"github.com/knoguchi/hybridrag/internal/auth"
	"github.com/knoguchi/hybridrag/internal/cache"
	"github.com/knoguchi/hybridrag/internal/repository"
	"github.com/knoguchi/hybridrag/internal/repository/postgres"
)

var (
	importBatch  int
	tokenSubject string
	tokenRole    string
	tokenExpiry  time.Duration
)

var syncVectorsCmd = &cobra.Command{
	Use:   "sync-vectors",
	Short: "Embed every passage and upsert it into Qdrant",
	Args:  cobra.NoArgs,
	RunE:  runSyncVectors,
}

var importCmd = &cobra.Command{
	Use:   "import [file.jsonl]",
	Short: "Load passages from a JSON Lines file (use - for stdin)",
	Long: `Each line is one passage:

  {"id": "pricing-1", "document_id": "pricing", "text": "...", "metadata": {"source": "pricing.md", "category": "pricing"}}

Existing passages with the same id are replaced. Run 'ragctl rebuild' afterwards
to refresh the corpus statistics.`,
	Args: cobra.ExactArgs(1),
	RunE: runImport,
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue an operator JWT signed with JWT_SECRET",
	Args:  cobra.NoArgs,
	RunE:  runToken,
}

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Manage the shared query analysis cache",
}

var cacheFlushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Delete every cached query analysis from Redis",
	Args:  cobra.NoArgs,
	RunE:  runCacheFlush,
}

func init() {
	importCmd.Flags().IntVar(&importBatch, "batch-size", 200, "Passages per database batch")

	tokenCmd.Flags().StringVar(&tokenSubject, "subject", "", "Token subject (operator name)")
	tokenCmd.Flags().StringVar(&tokenRole, "role", auth.RoleAdmin, "Role: admin or reader")
	tokenCmd.Flags().DurationVar(&tokenExpiry, "expiry", 0, "Token lifetime (0 uses JWT_EXPIRY)")
	_ = tokenCmd.MarkFlagRequired("subject")

	cacheCmd.AddCommand(cacheFlushCmd)
}

func runSyncVectors(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.VectorBackend != "qdrant" {
		return fmt.Errorf("sync-vectors needs VECTOR_BACKEND=qdrant, got %q", cfg.VectorBackend)
	}
	db, err := openDB(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	store, err := app.OpenQdrant(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	emb := app.NewEmbedder(cfg, nil)
	if err := store.EnsureCollection(ctx, emb.Dimension()); err != nil {
		return err
	}

	start := time.Now()
	n, err := app.SyncVectors(ctx, postgres.NewPassageRepo(db), emb, store, cfg.RebuildBatchSize)
	if err != nil {
		return fmt.Errorf("synced %d passages before failing: %w", n, err)
	}
	fmt.Printf("synced %d passages into %s in %s\n", n, cfg.QdrantCollection, time.Since(start).Round(time.Millisecond))
	return nil
}

// passageRecord is one line of an import file.
type passageRecord struct {
	ID         string                     `json:"id"`
	DocumentID string                     `json:"document_id"`
	Text       string                     `json:"text"`
	Metadata   repository.PassageMetadata `json:"metadata"`
}

// readPassages decodes a JSON Lines stream. Blank lines are skipped; the
// first invalid line stops the read with its line number.
func readPassages(r io.Reader) ([]repository.Passage, error) {
	var out []repository.Passage
	seen := make(map[string]int)

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		raw := strings.TrimSpace(sc.Text())
		if raw == "" {
			continue
		}
		var rec passageRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if rec.ID == "" || strings.TrimSpace(rec.Text) == "" {
			return nil, fmt.Errorf("line %d: id and text are required", line)
		}
		if prev, dup := seen[rec.ID]; dup {
			return nil, fmt.Errorf("line %d: duplicate id %q (first on line %d)", line, rec.ID, prev)
		}
		seen[rec.ID] = line
		if rec.DocumentID == "" {
			rec.DocumentID = rec.ID
		}
		out = append(out, repository.Passage{
			ID:         rec.ID,
			DocumentID: rec.DocumentID,
			Text:       rec.Text,
			Metadata:   rec.Metadata,
		})
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func runImport(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	var in io.Reader = os.Stdin
	if args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}
	passages, err := readPassages(in)
	if err != nil {
		return err
	}
	if len(passages) == 0 {
		return errors.New("no passages in input")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	db, err := openDB(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	repo := postgres.NewPassageRepo(db)
	batch := max(importBatch, 1)
	for start := 0; start < len(passages); start += batch {
		end := min(start+batch, len(passages))
		if err := repo.Upsert(ctx, passages[start:end]); err != nil {
			return fmt.Errorf("imported %d passages before failing: %w", start, err)
		}
	}
	fmt.Printf("imported %d passages\n", len(passages))
	return nil
}

func runToken(cmd *cobra.Command, args []string) error {
	if tokenRole != auth.RoleAdmin && tokenRole != auth.RoleReader {
		return fmt.Errorf("unknown role %q", tokenRole)
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	jwtCfg := auth.DefaultJWTConfig(cfg.JWTSecret)
	jwtCfg.Expiry = cfg.JWTExpiry
	if tokenExpiry > 0 {
		jwtCfg.Expiry = tokenExpiry
	}

	token, err := auth.NewJWTManager(jwtCfg).GenerateToken(tokenSubject, tokenRole)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func runCacheFlush(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.RedisAddr == "" {
		return errors.New("REDIS_ADDR is not set; the in-process cache is flushed by restarting the server")
	}
	rc, err := cache.NewRedisCache(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return err
	}
	defer rc.Close()

	n, err := rc.InvalidatePrefix(ctx, analyzer.CacheNamespace+":")
	if err != nil {
		return err
	}
	fmt.Printf("deleted %d cached analyses\n", n)
	return nil
}
