package facts

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hanwen-zhu/filingfacts/internal/common"
	"github.com/hanwen-zhu/filingfacts/internal/embed"
	"github.com/hanwen-zhu/filingfacts/internal/entity"
	"github.com/hanwen-zhu/filingfacts/internal/index"
	"github.com/hanwen-zhu/filingfacts/internal/llm"
)

// Config for the retrieval-scoped extractor.
type Config struct {
	SchemaName    string        // document-type schema, default merger_report
	TopK          int           // chunks retrieved per field
	MaxAttempts   int           // retry budget for transient failures
	BackoffBase   time.Duration // first retry delay, doubles per attempt
	MinConfidence float64       // below this an ok fact is flagged low_confidence
	FieldWorkers  int           // concurrent fields per document
}

// Extractor resolves each fact field against one document: embed the field
// query, retrieve the document's top chunks, and make one structured call.
// A field failure never blocks sibling fields.
type Extractor struct {
	embedder embed.Embedder
	idx      index.VectorIndex
	model    llm.FieldExtractor
	cfg      Config
	log      *slog.Logger
}

func NewExtractor(embedder embed.Embedder, idx index.VectorIndex, model llm.FieldExtractor, cfg Config, logger *slog.Logger) *Extractor {
	if cfg.SchemaName == "" {
		cfg.SchemaName = "merger_report"
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 5
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 500 * time.Millisecond
	}
	if cfg.MinConfidence <= 0 {
		cfg.MinConfidence = 0.5
	}
	if cfg.FieldWorkers <= 0 {
		cfg.FieldWorkers = 3
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{embedder: embedder, idx: idx, model: model, cfg: cfg, log: logger}
}

// ExtractAll runs every field of the configured schema concurrently and
// returns one Fact per field. The only error returned is an unknown schema
// name; per-field failures come back as failed Facts.
func (e *Extractor) ExtractAll(ctx context.Context, docID string) ([]entity.Fact, error) {
	fields, err := llm.FieldsForSchema(e.cfg.SchemaName)
	if err != nil {
		return nil, err
	}

	facts := make([]entity.Fact, len(fields))
	sem := make(chan struct{}, e.cfg.FieldWorkers)
	var wg sync.WaitGroup
	for i, spec := range fields {
		wg.Add(1)
		go func(i int, spec llm.FieldSpec) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			facts[i] = e.ExtractField(ctx, docID, spec)
		}(i, spec)
	}
	wg.Wait()
	return facts, nil
}

// ExtractField resolves a single field. The returned Fact always carries the
// attempt count and, when retrieval succeeded, the supporting chunk ids.
func (e *Extractor) ExtractField(ctx context.Context, docID string, spec llm.FieldSpec) entity.Fact {
	fact := entity.Fact{
		DocumentID: docID,
		Field:      spec.Name,
		Status:     entity.FactFailed,
		CreatedAt:  time.Now().UTC(),
	}

	matches, err := e.retrieve(ctx, docID, spec)
	if err != nil {
		fact.Error = err.Error()
		e.log.Warn("facts.retrieve_failed", "doc_id", docID, "field", spec.Name, "error", err)
		return fact
	}
	if len(matches) == 0 {
		fact.Error = "no supporting chunks retrieved"
		e.log.Warn("facts.no_chunks", "doc_id", docID, "field", spec.Name)
		return fact
	}

	chunks := make([]llm.ContextChunk, 0, len(matches))
	for _, m := range matches {
		fact.SupportingChunks = append(fact.SupportingChunks, m.ChunkID)
		chunks = append(chunks, llm.ContextChunk{
			ID:      m.ChunkID,
			Page:    m.PageStart,
			Section: m.Section,
			Text:    m.Text,
		})
	}

	value, err := e.callWithRetry(ctx, spec, chunks, &fact.Attempts)
	if err != nil {
		fact.Error = err.Error()
		e.log.Warn("facts.extract_failed",
			"doc_id", docID, "field", spec.Name,
			"attempts", fact.Attempts, "validation", common.IsValidation(err),
			"error", err,
		)
		return fact
	}

	fact.Value = value
	fact.Confidence = confidenceOf(value, matches[0].Score)
	if fact.Confidence < e.cfg.MinConfidence {
		fact.Status = entity.FactLowConfidence
	} else {
		fact.Status = entity.FactOK
	}
	e.log.Info("facts.extracted",
		"doc_id", docID, "field", spec.Name,
		"status", fact.Status, "confidence", fact.Confidence,
		"chunks", len(fact.SupportingChunks), "attempts", fact.Attempts,
	)
	return fact
}

// retrieve embeds the field query and pulls the document's top chunks.
// Retrieval retries are tracked separately; Fact.Attempts counts only
// structured-extraction calls.
func (e *Extractor) retrieve(ctx context.Context, docID string, spec llm.FieldSpec) ([]index.Match, error) {
	var matches []index.Match
	var tries int
	err := e.withBackoff(ctx, &tries, func() error {
		vecs, err := e.embedder.Embed(ctx, []string{spec.Query})
		if err != nil {
			return err
		}
		if len(vecs) != 1 {
			return fmt.Errorf("embedding backend returned %d vectors for one query", len(vecs))
		}
		matches, err = e.idx.Query(ctx, vecs[0], e.cfg.TopK, docID)
		return err
	})
	if tries > 1 {
		e.log.Debug("facts.retrieve_retried", "doc_id", docID, "field", spec.Name, "tries", tries)
	}
	return matches, err
}

func (e *Extractor) callWithRetry(ctx context.Context, spec llm.FieldSpec, chunks []llm.ContextChunk, attempts *int) (json.RawMessage, error) {
	var value json.RawMessage
	err := e.withBackoff(ctx, attempts, func() error {
		var err error
		value, err = e.model.ExtractField(ctx, spec, chunks)
		return err
	})
	return value, err
}

// withBackoff retries op on transient errors only, up to the configured
// budget. Every invocation of op counts against *attempts, including the
// successful one.
func (e *Extractor) withBackoff(ctx context.Context, attempts *int, op func() error) error {
	return common.Retry(ctx, e.cfg.MaxAttempts, e.cfg.BackoffBase, attempts, op)
}

// confidenceOf prefers the model's self-reported confidence and falls back
// to the best retrieval score when the model omits it.
func confidenceOf(value json.RawMessage, topScore float64) float64 {
	var probe struct {
		Confidence *float64 `json:"confidence"`
	}
	if err := json.Unmarshal(value, &probe); err == nil && probe.Confidence != nil {
		return *probe.Confidence
	}
	if topScore < 0 {
		return 0
	}
	if topScore > 1 {
		return 1
	}
	return topScore
}
