package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/hanwen-zhu/filingfacts/internal/async"
	"github.com/hanwen-zhu/filingfacts/internal/chunk"
	"github.com/hanwen-zhu/filingfacts/internal/common"
	"github.com/hanwen-zhu/filingfacts/internal/embed"
	"github.com/hanwen-zhu/filingfacts/internal/entity"
	"github.com/hanwen-zhu/filingfacts/internal/extract"
	"github.com/hanwen-zhu/filingfacts/internal/facts"
	"github.com/hanwen-zhu/filingfacts/internal/index"
	"github.com/hanwen-zhu/filingfacts/internal/ingest"
	"github.com/hanwen-zhu/filingfacts/internal/llm"
	"github.com/hanwen-zhu/filingfacts/internal/pipeline"
	"github.com/hanwen-zhu/filingfacts/internal/stitch"
	"github.com/hanwen-zhu/filingfacts/internal/store"
)

const usage = `Usage: filingfacts <command> [flags]

Commands:
  process  ingest a directory (or single files) and run the pipeline
  watch    keep watching a directory and process files as they appear
  resume   re-run every document that has not reached done/failed
  review   list or resolve manual-review items
  status   list documents and their pipeline status
`

func printError(format string, args ...interface{}) {
	if _, err := fmt.Fprintf(os.Stderr, format, args...); err != nil {
		fmt.Printf(format, args...)
	}
}

func main() {
	if len(os.Args) < 2 {
		printError(usage)
		os.Exit(2)
	}

	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg := common.LoadConfig()

	var err error
	switch os.Args[1] {
	case "process":
		err = runProcess(cfg, logger, os.Args[2:])
	case "watch":
		err = runWatch(cfg, logger, os.Args[2:])
	case "resume":
		err = runResume(cfg, logger, os.Args[2:])
	case "review":
		err = runReview(cfg, logger, os.Args[2:])
	case "status":
		err = runStatus(cfg, logger, os.Args[2:])
	default:
		printError("unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(2)
	}
	if err != nil {
		printError("Error: %v\n", err)
		os.Exit(1)
	}
}

// app holds the wired pipeline shared by the commands.
type app struct {
	store *store.Store
	ing   *ingest.Ingestor
	coord *pipeline.Coordinator
}

func buildApp(ctx context.Context, cfg *common.Config, logger *slog.Logger) (*app, func(), error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	st, err := store.Open(cfg.Store.Path, logger)
	if err != nil {
		return nil, nil, err
	}

	idx, err := buildIndex(ctx, cfg)
	if err != nil {
		_ = st.Close()
		return nil, nil, err
	}

	embedder := embed.NewClient(cfg.Embed, logger)
	model := llm.NewClient(llm.Config{
		APIKey:      cfg.LLM.APIKey,
		BaseURL:     cfg.LLM.BaseURL,
		Model:       cfg.LLM.Model,
		Temperature: cfg.LLM.Temperature,
		Timeout:     cfg.LLM.Timeout,
		RPS:         cfg.LLM.RPS,
	}, logger)
	factsExt := facts.NewExtractor(embedder, idx, model, facts.Config{
		SchemaName:   cfg.Pipeline.SchemaName,
		TopK:         cfg.Pipeline.TopK,
		MaxAttempts:  cfg.LLM.MaxAttempts,
		FieldWorkers: cfg.Pipeline.FieldWorkers,
	}, logger)

	hybrid := extract.NewHybrid(
		[]extract.TableStrategy{extract.LatticeStrategy{}, extract.StreamStrategy{}},
		cfg.Extract, logger,
	)
	coord := pipeline.NewCoordinator(
		st,
		extract.NewMarkdownExtractor(logger),
		hybrid,
		stitch.New(cfg.Stitch, logger),
		chunk.New(cfg.Chunk, logger),
		embedder, idx, factsExt,
		pipeline.Config{PageWorkers: cfg.Pipeline.PageWorkers},
		logger,
	)

	a := &app{
		store: st,
		ing:   ingest.NewIngestor(st, logger),
		coord: coord,
	}
	cleanup := func() { _ = st.Close() }
	return a, cleanup, nil
}

func buildIndex(ctx context.Context, cfg *common.Config) (index.VectorIndex, error) {
	switch cfg.Index.Backend {
	case "pgvector":
		return index.NewPGVector(ctx, cfg.Index.PGDSN, cfg.Index.VectorDim)
	case "redis":
		return index.NewRedis(ctx, index.RedisOptions{
			Addr:      cfg.Index.RedisAddr,
			Password:  cfg.Index.RedisPass,
			DB:        cfg.Index.RedisDB,
			IndexName: cfg.Index.IndexName,
			VectorDim: cfg.Index.VectorDim,
		})
	default:
		return index.NewMemory(), nil
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runProcess(cfg *common.Config, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("process", flag.ExitOnError)
	dir := fs.String("dir", "", "directory of filing documents to ingest")
	_ = fs.Parse(args)
	files := fs.Args()

	if *dir == "" && len(files) == 0 {
		return fmt.Errorf("either -dir or one or more file paths is required")
	}

	ctx, cancel := signalContext()
	defer cancel()

	a, cleanup, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	var refs []extract.DocumentRef
	if *dir != "" {
		results, stats, err := a.ing.IngestDirectory(ctx, *dir, nil)
		if err != nil {
			return err
		}
		logger.Info("ingest.summary",
			"matched", stats.Matched, "succeeded", stats.Succeeded,
			"deduplicated", stats.Deduplicated, "failed", stats.Failed)
		for _, r := range results {
			if r.DocumentID != "" {
				refs = append(refs, extract.DocumentRef{ID: r.DocumentID, Path: r.Path})
			}
		}
	}
	for _, path := range files {
		r, err := a.ing.IngestPath(ctx, path)
		if err != nil {
			return err
		}
		refs = append(refs, extract.DocumentRef{ID: r.DocumentID, Path: r.Path})
	}

	failures := 0
	for _, ref := range refs {
		if err := a.coord.Process(ctx, ref); err != nil {
			logger.Error("process.document_failed", "doc_id", ref.ID, "error", err)
			failures++
		}
	}
	if failures > 0 {
		return fmt.Errorf("%d of %d documents failed", failures, len(refs))
	}
	return nil
}

func runWatch(cfg *common.Config, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	dir := fs.String("dir", "", "directory to watch (required)")
	workers := fs.Int("workers", 2, "concurrent documents")
	_ = fs.Parse(args)
	if *dir == "" {
		return fmt.Errorf("-dir is required")
	}

	ctx, cancel := signalContext()
	defer cancel()

	a, cleanup, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	queue := async.NewDocumentQueue(a.coord, logger, async.WithWorkers(*workers))

	events, errs, err := ingest.StartWatcher(ctx, ingest.WatchConfig{
		Roots:       []string{*dir},
		InitialScan: true,
		Debounce:    2 * time.Second,
	}, logger)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			shutdownCtx, done := context.WithTimeout(context.Background(), 30*time.Second)
			queue.Shutdown(shutdownCtx)
			done()
			return nil
		case err, ok := <-errs:
			if ok && err != nil {
				logger.Error("watch.backend_error", "error", err)
			}
		case path, ok := <-events:
			if !ok {
				return nil
			}
			r, err := a.ing.IngestPath(ctx, path)
			if err != nil {
				logger.Error("watch.ingest_failed", "path", path, "error", err)
				continue
			}
			_ = queue.Enqueue(ctx, async.Job{
				DocumentID:  r.DocumentID,
				Path:        r.Path,
				SubmittedAt: time.Now().UTC(),
			})
		}
	}
}

func runResume(cfg *common.Config, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("resume", flag.ExitOnError)
	_ = fs.Parse(args)

	ctx, cancel := signalContext()
	defer cancel()

	a, cleanup, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	docs, err := a.store.ListDocuments(ctx, "")
	if err != nil {
		return err
	}

	resumed, failures := 0, 0
	for _, doc := range docs {
		if doc.Status == entity.StatusDone || doc.Status == entity.StatusFailed {
			continue
		}
		resumed++
		if err := a.coord.Process(ctx, extract.DocumentRef{ID: doc.ID, Path: doc.SourcePath}); err != nil {
			logger.Error("resume.document_failed", "doc_id", doc.ID, "error", err)
			failures++
		}
	}
	logger.Info("resume.done", "resumed", resumed, "failed", failures)
	if failures > 0 {
		return fmt.Errorf("%d of %d documents failed", failures, resumed)
	}
	return nil
}

func runReview(cfg *common.Config, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("review", flag.ExitOnError)
	doc := fs.String("doc", "", "filter by document id")
	resolve := fs.String("resolve", "", "review item id to resolve")
	action := fs.String("action", "", "accept or reject (with -resolve)")
	note := fs.String("note", "", "resolution note")
	_ = fs.Parse(args)

	ctx, cancel := signalContext()
	defer cancel()

	st, err := store.Open(cfg.Store.Path, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	if *resolve != "" {
		id, err := uuid.Parse(*resolve)
		if err != nil {
			return fmt.Errorf("invalid review id %q: %w", *resolve, err)
		}
		var status entity.ReviewStatus
		switch *action {
		case "accept":
			status = entity.ReviewAccepted
		case "reject":
			status = entity.ReviewRejected
		default:
			return fmt.Errorf("-action must be accept or reject")
		}
		if err := st.ResolveReview(ctx, id, status, *note); err != nil {
			return err
		}
		fmt.Printf("resolved %s as %s; run `filingfacts resume` to apply\n", id, status)
		return nil
	}

	items, err := st.ListReviews(ctx, *doc, entity.ReviewOpen)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		fmt.Println("no open review items")
		return nil
	}
	for _, item := range items {
		fmt.Printf("%s  %-18s  doc=%s  %s\n  %s\n",
			item.ID, item.Kind, shortID(item.DocumentID),
			item.CreatedAt.Format("2006-01-02 15:04"), string(item.Payload))
	}
	return nil
}

func runStatus(cfg *common.Config, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	_ = fs.Parse(args)

	ctx, cancel := signalContext()
	defer cancel()

	st, err := store.Open(cfg.Store.Path, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	docs, err := st.ListDocuments(ctx, "")
	if err != nil {
		return err
	}
	for _, doc := range docs {
		fmt.Printf("%-14s %-8s %-12s %-16s %s\n",
			shortID(doc.ID), doc.StockCode, doc.CompanyName, doc.Status, doc.SourcePath)
	}
	return nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
