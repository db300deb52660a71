package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/hanwen-zhu/filingfacts/internal/entity"
	"github.com/hanwen-zhu/filingfacts/internal/store"
)

// Allowed extensions for discovery (lowercase, without '.'). The pipeline
// consumes pre-rendered per-page markdown alongside the source PDFs.
var defaultExts = map[string]struct{}{
	"md":  {},
	"txt": {},
}

// Metadata parsed from a filing's filename.
type Metadata struct {
	StockCode   string
	CompanyName string
}

// Filings are published as "000035_中国天楹_发行股份购买资产报告书.pdf": a
// six-digit stock code, then the company short name, then the report
// title starting with a known verb.
var (
	stockCodeRe    = regexp.MustCompile(`(\d{6})`)
	companyRe      = regexp.MustCompile(`\d{6}[_\-]?([\p{Han}Ａ-Ｚａ-ｚ]+?)(?:发行|向|资产|关于|重大|收购|吸收|合并|出售)`)
	companyLooseRe = regexp.MustCompile(`\d{6}[_\-]?([\p{Han}Ａ-Ｚａ-ｚ]{2,6})`)
)

// ParseFilename extracts the stock code and company name from a filing
// filename. Missing pieces come back empty rather than failing ingest.
func ParseFilename(name string) Metadata {
	stem := strings.TrimSuffix(filepath.Base(name), filepath.Ext(name))

	var meta Metadata
	if m := stockCodeRe.FindStringSubmatch(stem); m != nil {
		meta.StockCode = m[1]
	}
	if m := companyRe.FindStringSubmatch(stem); m != nil {
		meta.CompanyName = m[1]
	} else if m := companyLooseRe.FindStringSubmatch(stem); m != nil {
		meta.CompanyName = m[1]
	}
	return meta
}

// HashFile returns the sha256 of the file contents: the document id, so
// re-ingesting identical bytes is a no-op.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Result is the outcome of ingesting one path.
type Result struct {
	Path         string
	DocumentID   string
	Deduplicated bool
	Err          string
}

// Stats aggregates a directory scan.
type Stats struct {
	Scanned      uint32
	Matched      uint32
	Succeeded    uint32
	Deduplicated uint32
	Failed       uint32
}

// Ingestor registers source files as documents.
type Ingestor struct {
	store *store.Store
	log   *slog.Logger
}

func NewIngestor(st *store.Store, logger *slog.Logger) *Ingestor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingestor{store: st, log: logger}
}

// IngestPath hashes and registers a single file. An already-known content
// hash is reported as deduplicated and its pipeline state left untouched.
func (u *Ingestor) IngestPath(ctx context.Context, path string) (Result, error) {
	id, err := HashFile(path)
	if err != nil {
		return Result{Path: path, Err: err.Error()}, fmt.Errorf("hash %s: %w", path, err)
	}

	if existing, err := u.store.GetDocument(ctx, id); err == nil {
		u.log.Info("ingest.deduplicated", "path", path, "doc_id", id, "status", existing.Status)
		return Result{Path: path, DocumentID: id, Deduplicated: true}, nil
	}

	meta := ParseFilename(path)
	doc := entity.Document{
		ID:          id,
		SourcePath:  path,
		CompanyName: meta.CompanyName,
		StockCode:   meta.StockCode,
		Status:      entity.StatusIngested,
		IngestedAt:  time.Now().UTC(),
	}
	if err := u.store.UpsertDocument(ctx, doc); err != nil {
		return Result{Path: path, Err: err.Error()}, err
	}
	u.log.Info("ingest.registered",
		"path", path, "doc_id", id,
		"company", meta.CompanyName, "stock_code", meta.StockCode,
	)
	return Result{Path: path, DocumentID: id}, nil
}

// IngestDirectory walks root and ingests every file with an allowed
// extension, skipping hidden entries. Per-file failures are recorded and
// the walk continues.
func (u *Ingestor) IngestDirectory(ctx context.Context, root string, includeExts []string) ([]Result, Stats, error) {
	if strings.TrimSpace(root) == "" {
		return nil, Stats{}, errors.New("root path is required")
	}

	exts := extSet(includeExts)

	var results []Result
	var stats Stats
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			results = append(results, Result{Path: path, Err: walkErr.Error()})
			stats.Failed++
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		stats.Scanned++
		if !allowed(path, exts) {
			return nil
		}
		stats.Matched++

		res, err := u.IngestPath(ctx, path)
		results = append(results, res)
		switch {
		case err != nil:
			stats.Failed++
		case res.Deduplicated:
			stats.Deduplicated++
		default:
			stats.Succeeded++
		}
		return ctx.Err()
	})
	if err != nil {
		return results, stats, err
	}

	u.log.Info("ingest.directory_done",
		"root", root,
		"scanned", stats.Scanned, "matched", stats.Matched,
		"succeeded", stats.Succeeded, "deduplicated", stats.Deduplicated,
		"failed", stats.Failed,
	)
	return results, stats, nil
}

func extSet(includeExts []string) map[string]struct{} {
	if len(includeExts) == 0 {
		return defaultExts
	}
	exts := map[string]struct{}{}
	for _, e := range includeExts {
		e = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(e), "."))
		if e != "" {
			exts[e] = struct{}{}
		}
	}
	return exts
}

func allowed(path string, exts map[string]struct{}) bool {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	_, ok := exts[ext]
	return ok
}
