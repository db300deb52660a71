package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/hanwen-zhu/filingfacts/internal/chunk"
	"github.com/hanwen-zhu/filingfacts/internal/common"
	"github.com/hanwen-zhu/filingfacts/internal/embed"
	"github.com/hanwen-zhu/filingfacts/internal/entity"
	"github.com/hanwen-zhu/filingfacts/internal/extract"
	"github.com/hanwen-zhu/filingfacts/internal/facts"
	"github.com/hanwen-zhu/filingfacts/internal/index"
	"github.com/hanwen-zhu/filingfacts/internal/stitch"
	"github.com/hanwen-zhu/filingfacts/internal/store"
)

// Config for the coordinator.
type Config struct {
	PageWorkers      int           // parallel page extraction fan-out
	EmbedMaxAttempts int           // retry budget for transient embedding failures
	EmbedBackoffBase time.Duration // first retry delay, doubles per attempt
}

// Coordinator drives one document through the staged pipeline, writing a
// checkpoint after each stage so an interrupted run resumes where it
// stopped. A stage whose checkpoint already matches the current input is
// skipped and its persisted output reloaded; changed input re-runs the
// stage and everything downstream of it.
type Coordinator struct {
	store     *store.Store
	extractor extract.PageExtractor
	hybrid    *extract.Hybrid
	stitcher  *stitch.Stitcher
	chunker   *chunk.Chunker
	embedder  embed.Embedder
	idx       index.VectorIndex
	facts     *facts.Extractor
	cfg       Config
	log       *slog.Logger
}

func NewCoordinator(
	st *store.Store,
	extractor extract.PageExtractor,
	hybrid *extract.Hybrid,
	stitcher *stitch.Stitcher,
	chunker *chunk.Chunker,
	embedder embed.Embedder,
	idx index.VectorIndex,
	factsExt *facts.Extractor,
	cfg Config,
	logger *slog.Logger,
) *Coordinator {
	if cfg.PageWorkers <= 0 {
		cfg.PageWorkers = 4
	}
	if cfg.EmbedMaxAttempts <= 0 {
		cfg.EmbedMaxAttempts = 3
	}
	if cfg.EmbedBackoffBase <= 0 {
		cfg.EmbedBackoffBase = 500 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		store:     st,
		extractor: extractor,
		hybrid:    hybrid,
		stitcher:  stitcher,
		chunker:   chunker,
		embedder:  embedder,
		idx:       idx,
		facts:     factsExt,
		cfg:       cfg,
		log:       logger,
	}
}

// docState carries stage outputs through one Process run.
type docState struct {
	doc    extract.DocumentRef
	pages  []entity.Page
	recon  reconcilePayload
	stitch stitch.Result
	chunks []entity.Chunk
	facts  []entity.Fact
}

// extractPayload is the persisted output of the extraction stage.
type extractPayload struct {
	Pages []entity.Page `json:"pages"`
}

// reconcilePayload is the persisted output of the reconciliation stage.
type reconcilePayload struct {
	Results []extract.PageResult `json:"results"`
}

// indexPayload records what was written to the vector index.
type indexPayload struct {
	ChunkIDs []string `json:"chunk_ids"`
}

// factsPayload records the fact versions written during the facts stage.
type factsPayload struct {
	Fields []string `json:"fields"`
}

type stageDef struct {
	stage  entity.Stage
	status entity.DocumentStatus
	run    func(ctx context.Context, st *docState) ([]byte, error)
	reload func(payload []byte, st *docState) error
}

func (c *Coordinator) stages() []stageDef {
	return []stageDef{
		{entity.StageExtract, entity.StatusExtracted, c.runExtract, reloadJSON(func(p extractPayload, st *docState) { st.pages = p.Pages })},
		{entity.StageReconcile, entity.StatusReconciled, c.runReconcile, reloadJSON(func(p reconcilePayload, st *docState) { st.recon = p })},
		{entity.StageStitch, entity.StatusStitched, c.runStitch, reloadJSON(func(p stitch.Result, st *docState) { st.stitch = p })},
		{entity.StageChunk, entity.StatusChunked, c.runChunk, reloadJSON(func(p []entity.Chunk, st *docState) { st.chunks = p })},
		{entity.StageIndex, entity.StatusIndexed, c.runIndex, reloadJSON(func(indexPayload, *docState) {})},
		{entity.StageFacts, entity.StatusFactsExtracted, c.runFacts, reloadJSON(func(factsPayload, *docState) {})},
	}
}

func reloadJSON[T any](apply func(T, *docState)) func([]byte, *docState) error {
	return func(payload []byte, st *docState) error {
		var v T
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &v); err != nil {
				return fmt.Errorf("decode checkpoint payload: %w", err)
			}
		}
		apply(v, st)
		return nil
	}
}

// Process runs every outstanding stage for one document. Fatal errors set
// the document to failed; cancellation leaves completed checkpoints valid
// and the document resumable. A stage claimed by another run returns
// common.ErrStageClaimed untouched.
func (c *Coordinator) Process(ctx context.Context, doc extract.DocumentRef) error {
	start := time.Now()
	c.log.Info("pipeline.start", "doc_id", doc.ID, "path", doc.Path)

	st := &docState{doc: doc}
	inputHash := entity.HashContent("document", doc.ID)

	for _, def := range c.stages() {
		if err := ctx.Err(); err != nil {
			c.log.Warn("pipeline.cancelled", "doc_id", doc.ID, "stage", def.stage)
			return common.Transientf("document %s cancelled before %s: %v", doc.ID, def.stage, err)
		}

		// Operator resolutions are stitch input: accepting or rejecting a
		// pair must re-run the stitch (and everything downstream) even
		// though the upstream pages are unchanged.
		if def.stage == entity.StageStitch {
			fp, err := c.resolutionFingerprint(ctx, doc.ID)
			if err != nil {
				return err
			}
			inputHash = entity.HashContent(string(def.stage)+"-resolutions", inputHash, fp)
		}

		payload, ran, err := c.runStage(ctx, def, st, inputHash)
		if err != nil {
			if common.IsFatal(err) {
				c.log.Error("pipeline.fatal", "doc_id", doc.ID, "stage", def.stage, "error", err)
				if serr := c.store.SetDocumentStatus(ctx, doc.ID, entity.StatusFailed); serr != nil {
					c.log.Error("pipeline.status_update_failed", "doc_id", doc.ID, "error", serr)
				}
			}
			return err
		}
		if ran {
			if err := c.store.SetDocumentStatus(ctx, doc.ID, def.status); err != nil {
				return err
			}
		}
		// Next stage's input is this stage's output.
		inputHash = entity.HashContent(string(def.stage), inputHash, string(payload))
	}

	if err := c.store.SetDocumentStatus(ctx, doc.ID, entity.StatusDone); err != nil {
		return err
	}
	c.log.Info("pipeline.done", "doc_id", doc.ID, "elapsed_ms", time.Since(start).Milliseconds())
	return nil
}

// runStage consults the checkpoint, claims and runs the stage when needed,
// and returns the stage payload either way. ran reports whether the stage
// body actually executed.
func (c *Coordinator) runStage(ctx context.Context, def stageDef, st *docState, inputHash string) (payload []byte, ran bool, err error) {
	cp, err := c.store.GetCheckpoint(ctx, st.doc.ID, def.stage)
	if err == nil && cp.Status == entity.CheckpointDone && cp.InputHash == inputHash {
		c.log.Info("pipeline.stage_skipped", "doc_id", st.doc.ID, "stage", def.stage)
		if err := def.reload(cp.Payload, st); err != nil {
			return nil, false, err
		}
		return cp.Payload, false, nil
	}
	if err != nil && !common.IsNotFound(err) {
		return nil, false, err
	}

	if err := c.store.ClaimStage(ctx, st.doc.ID, def.stage, inputHash); err != nil {
		return nil, false, err
	}

	c.log.Info("pipeline.stage_start", "doc_id", st.doc.ID, "stage", def.stage)
	stageStart := time.Now()
	payload, err = def.run(ctx, st)
	if err != nil {
		if rerr := c.store.ReleaseStage(ctx, st.doc.ID, def.stage); rerr != nil {
			c.log.Error("pipeline.release_failed", "doc_id", st.doc.ID, "stage", def.stage, "error", rerr)
		}
		return nil, false, err
	}
	if err := c.store.CompleteStage(ctx, st.doc.ID, def.stage, inputHash, payload); err != nil {
		return nil, false, err
	}
	c.log.Info("pipeline.stage_done",
		"doc_id", st.doc.ID, "stage", def.stage,
		"elapsed_ms", time.Since(stageStart).Milliseconds(),
	)
	return payload, true, nil
}

// runExtract fans page extraction out over a bounded worker pool. A failed
// page is recorded and skipped; only an unreadable document is fatal.
func (c *Coordinator) runExtract(ctx context.Context, st *docState) ([]byte, error) {
	count, err := c.extractor.PageCount(ctx, st.doc)
	if err != nil {
		return nil, err
	}
	if err := c.store.SetDocumentPageCount(ctx, st.doc.ID, count); err != nil {
		return nil, err
	}

	pages := make([]entity.Page, count)
	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < c.cfg.PageWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				page, perr := c.extractor.ExtractPage(ctx, st.doc, i+1)
				if perr != nil {
					// Partial failure: the page carries no blocks and the
					// siblings proceed.
					c.log.Warn("pipeline.page_failed", "doc_id", st.doc.ID, "page", i+1, "error", perr)
					page = entity.Page{Number: i + 1, TableExtractionFailed: true}
				}
				pages[i] = page
			}
		}()
	}

	for i := 0; i < count; i++ {
		if ctx.Err() != nil {
			break // stop scheduling, let in-flight pages finish
		}
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, common.Transientf("extraction cancelled: %v", err)
	}
	st.pages = pages
	return json.Marshal(extractPayload{Pages: pages})
}

func (c *Coordinator) runReconcile(ctx context.Context, st *docState) ([]byte, error) {
	results := make([]extract.PageResult, len(st.pages))
	for i, page := range st.pages {
		results[i] = c.hybrid.ReconcilePage(ctx, st.doc.ID, page)
	}
	st.recon = reconcilePayload{Results: results}
	return json.Marshal(st.recon)
}

// runStitch is the cross-page barrier: it needs every page's tables before
// any merge decision. Ambiguous pairs land on the review queue.
func (c *Coordinator) runStitch(ctx context.Context, st *docState) ([]byte, error) {
	byPage := make(map[int][]entity.ReconciledTable)
	for _, r := range st.recon.Results {
		if len(r.Tables) > 0 {
			byPage[r.Page] = append(byPage[r.Page], r.Tables...)
		}
	}

	overrides, open, err := c.stitchResolutions(ctx, st.doc.ID)
	if err != nil {
		return nil, err
	}
	stitcher := *c.stitcher // per-document override set
	stitcher.Overrides = overrides

	res := stitcher.Stitch(st.doc.ID, byPage)
	for _, cand := range res.Review {
		if len(cand.Parts) < 2 {
			continue
		}
		pairKey := stitch.PairKey(cand.Parts[0].ID, cand.Parts[1].ID)
		if open[pairKey] {
			continue // already queued from an earlier run
		}
		payload, err := json.Marshal(map[string]any{
			"pair_key":   pairKey,
			"confidence": cand.MergeConfidence,
			"pages":      []int{cand.StartPage(), cand.EndPage()},
		})
		if err != nil {
			return nil, err
		}
		if _, err := c.store.AddReview(ctx, entity.ReviewItem{
			DocumentID: st.doc.ID,
			Kind:       entity.ReviewAmbiguousStitch,
			Payload:    payload,
		}); err != nil {
			return nil, err
		}
	}

	st.stitch = res
	return json.Marshal(res)
}

// resolutionFingerprint is a stable digest of the document's resolved
// stitch reviews.
func (c *Coordinator) resolutionFingerprint(ctx context.Context, docID string) (string, error) {
	overrides, _, err := c.stitchResolutions(ctx, docID)
	if err != nil {
		return "", err
	}
	keys := make([]string, 0, len(overrides))
	for k, accepted := range overrides {
		keys = append(keys, fmt.Sprintf("%s=%t", k, accepted))
	}
	sort.Strings(keys)
	return entity.HashContent(keys...), nil
}

// stitchResolutions folds the document's stitch reviews into a merge
// override set (accepted forces the merge, rejected blocks it) plus the
// pair keys still waiting on an operator.
func (c *Coordinator) stitchResolutions(ctx context.Context, docID string) (map[string]bool, map[string]bool, error) {
	items, err := c.store.ListReviews(ctx, docID, "")
	if err != nil {
		return nil, nil, err
	}
	overrides := make(map[string]bool)
	open := make(map[string]bool)
	for _, item := range items {
		if item.Kind != entity.ReviewAmbiguousStitch {
			continue
		}
		var p struct {
			PairKey string `json:"pair_key"`
		}
		if err := json.Unmarshal(item.Payload, &p); err != nil || p.PairKey == "" {
			continue
		}
		switch item.Status {
		case entity.ReviewAccepted:
			overrides[p.PairKey] = true
		case entity.ReviewRejected:
			overrides[p.PairKey] = false
		default:
			open[p.PairKey] = true
		}
	}
	return overrides, open, nil
}

func (c *Coordinator) runChunk(_ context.Context, st *docState) ([]byte, error) {
	var blocks []entity.TextBlock
	for _, r := range st.recon.Results {
		blocks = append(blocks, r.TextBlocks...)
	}
	tables := make([]entity.StitchedTable, 0, len(st.stitch.Tables)+len(st.stitch.Review))
	tables = append(tables, st.stitch.Tables...)
	tables = append(tables, st.stitch.Review...)
	sort.SliceStable(tables, func(i, j int) bool {
		return tables[i].StartPage() < tables[j].StartPage()
	})

	st.chunks = c.chunker.Chunk(st.doc.ID, blocks, tables)
	return json.Marshal(st.chunks)
}

func (c *Coordinator) runIndex(ctx context.Context, st *docState) ([]byte, error) {
	texts := make([]string, len(st.chunks))
	for i, ch := range st.chunks {
		texts[i] = ch.Text
	}
	var entries []index.Entry
	if len(texts) > 0 {
		var vectors [][]float32
		err := common.Retry(ctx, c.cfg.EmbedMaxAttempts, c.cfg.EmbedBackoffBase, nil, func() error {
			var err error
			vectors, err = c.embedder.Embed(ctx, texts)
			return err
		})
		if err != nil {
			return nil, err
		}
		if len(vectors) != len(texts) {
			return nil, fmt.Errorf("embedding backend returned %d vectors for %d chunks", len(vectors), len(texts))
		}
		entries = make([]index.Entry, len(st.chunks))
		for i, ch := range st.chunks {
			entries[i] = index.Entry{
				ChunkID:    ch.ID,
				DocumentID: ch.DocumentID,
				Vector:     vectors[i],
				Text:       ch.Text,
				Section:    ch.Section,
				PageStart:  ch.PageStart,
				PageEnd:    ch.PageEnd,
				Kind:       string(ch.Kind),
			}
		}
	}

	// Re-index replaces the document wholesale so stale chunks from a
	// previous run cannot linger.
	if err := c.idx.DeleteDocument(ctx, st.doc.ID); err != nil {
		return nil, err
	}
	if len(entries) > 0 {
		if err := c.idx.Upsert(ctx, entries); err != nil {
			return nil, err
		}
	}

	ids := make([]string, len(st.chunks))
	for i, ch := range st.chunks {
		ids[i] = ch.ID
	}
	return json.Marshal(indexPayload{ChunkIDs: ids})
}

func (c *Coordinator) runFacts(ctx context.Context, st *docState) ([]byte, error) {
	extracted, err := c.facts.ExtractAll(ctx, st.doc.ID)
	if err != nil {
		return nil, err
	}

	fields := make([]string, 0, len(extracted))
	for _, fact := range extracted {
		if _, err := c.store.PutFact(ctx, fact); err != nil {
			return nil, err
		}
		fields = append(fields, fact.Field)
		if fact.Status == entity.FactFailed {
			payload, merr := json.Marshal(map[string]any{
				"field":    fact.Field,
				"error":    fact.Error,
				"attempts": fact.Attempts,
			})
			if merr != nil {
				return nil, merr
			}
			if _, err := c.store.AddReview(ctx, entity.ReviewItem{
				DocumentID: st.doc.ID,
				Kind:       entity.ReviewFailedField,
				Payload:    payload,
			}); err != nil {
				return nil, err
			}
		}
	}
	st.facts = extracted
	return json.Marshal(factsPayload{Fields: fields})
}
