package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/hanwen-zhu/filingfacts/internal/common"
)

// Config for the chat-completions client. Any OpenAI-compatible endpoint
// works (the default points at DashScope's compatible mode).
type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float32
	Timeout     time.Duration
	RPS         float64 // requests per second across all fields
}

type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	log     *slog.Logger
}

func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://dashscope.aliyuncs.com/compatible-mode/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "qwen-plus"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.RPS <= 0 {
		cfg.RPS = 2
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RPS), 1),
		log:     logger,
	}
}

// ExtractField implements FieldExtractor with a single text chat call.
// The field schema rides along as a system message and the response is
// repaired, then strictly validated against it.
func (c *Client) ExtractField(ctx context.Context, spec FieldSpec, chunks []ContextChunk) (json.RawMessage, error) {
	rid := uuid.New().String()
	start := time.Now()

	c.log.Info("llm.extract.start",
		"req_id", rid,
		"model", c.cfg.Model,
		"field", spec.Name,
		"chunks", len(chunks),
	)

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, common.Transientf("rate limiter wait: %v", err)
	}

	user := fmt.Sprintf(spec.UserTemplate, joinChunks(chunks))
	body := map[string]any{
		"model":           c.cfg.Model,
		"temperature":     c.cfg.Temperature,
		"response_format": map[string]any{"type": "json_object"},
		"messages": []map[string]any{
			{"role": "system", "content": spec.SystemPrompt},
			{"role": "user", "content": user + "\n\nReturn ONLY JSON that matches the provided schema."},
			{"role": "system", "content": "JSON Schema:\n" + mustJSON(spec.Schema)},
		},
	}

	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + "/chat/completions"
	raw, err := c.post(ctx, endpoint, body)
	if err != nil {
		c.log.Error("llm.extract.http_error",
			"req_id", rid, "field", spec.Name, "error", err,
			"elapsed_ms", time.Since(start).Milliseconds(),
		)
		return nil, err
	}

	var cc struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(raw, &cc); err != nil {
		return nil, fmt.Errorf("decode chat response: %w", err)
	}
	if len(cc.Choices) == 0 {
		return nil, fmt.Errorf("no choices in chat response")
	}
	content := []byte(strings.TrimSpace(cc.Choices[0].Message.Content))

	repaired, err := RepairModelJSON(content)
	if err != nil {
		return nil, common.Validationf("unparseable model output: %v", err)
	}
	if err := ValidateJSONAgainstSchema(spec.Schema, repaired); err != nil {
		c.log.Warn("llm.extract.schema_violation",
			"req_id", rid, "field", spec.Name, "error", err,
		)
		return nil, common.Validationf("field %s: %v", spec.Name, err)
	}

	c.log.Info("llm.extract.ok",
		"req_id", rid,
		"field", spec.Name,
		"bytes", len(repaired),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return repaired, nil
}

func (c *Client) post(ctx context.Context, url string, body map[string]any) ([]byte, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, common.Transientf("chat http error: %v", err)
	}
	defer func(body io.ReadCloser) {
		if err := body.Close(); err != nil {
			c.log.Warn("llm.response_body_close_error", "error", err)
		}
	}(resp.Body)

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, common.Transientf("chat status %d: %s", resp.StatusCode, truncate(raw, 200))
	}
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("chat status %d: %s", resp.StatusCode, truncate(raw, 200))
	}
	return raw, nil
}

func joinChunks(chunks []ContextChunk) string {
	parts := make([]string, 0, len(chunks))
	for _, c := range chunks {
		parts = append(parts, fmt.Sprintf("[页码:%d, 章节:%s]\n%s", c.Page, c.Section, c.Text))
	}
	return strings.Join(parts, "\n\n---\n\n")
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
