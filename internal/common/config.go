package common

import (
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration
type Config struct {
	Store    StoreConfig
	Index    IndexConfig
	Embed    EmbedConfig
	LLM      LLMConfig
	Extract  ExtractConfig
	Stitch   StitchConfig
	Chunk    ChunkConfig
	Pipeline PipelineConfig
}

// StoreConfig holds checkpoint/fact store configuration
type StoreConfig struct {
	Path string
}

// IndexConfig selects and configures the vector index backend
type IndexConfig struct {
	Backend   string // memory | pgvector | redis
	PGDSN     string
	RedisAddr string
	RedisDB   int
	RedisPass string
	IndexName string
	VectorDim int
}

// EmbedConfig holds embedding backend configuration
type EmbedConfig struct {
	BaseURL   string
	APIKey    string
	Model     string
	BatchSize int
	Timeout   time.Duration
}

// LLMConfig holds structured-extraction backend configuration
type LLMConfig struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float32
	Timeout     time.Duration
	MaxAttempts int
	RPS         float64
}

// ExtractConfig holds hybrid table extraction thresholds
type ExtractConfig struct {
	IoUThreshold  float64 // overlap beyond which two candidates are the same region
	MinConfidence float64 // winners below this are flagged low-confidence
}

// StitchConfig holds cross-page stitching thresholds
type StitchConfig struct {
	AutoMergeThreshold float64
	ReviewThreshold    float64
	TrailingMargin     float64 // fraction of page height from the bottom
	LeadingMargin      float64 // fraction of page height from the top
	MaxChainPages      int
}

// ChunkConfig holds semantic chunking parameters
type ChunkConfig struct {
	MaxChars     int
	OverlapChars int
}

// PipelineConfig holds coordinator parameters
type PipelineConfig struct {
	PageWorkers  int
	FieldWorkers int
	TopK         int
	SchemaName   string
}

// LoadConfig loads configuration from environment variables
func LoadConfig() *Config {
	return &Config{
		Store: StoreConfig{
			Path: getEnv("FACTS_DB_PATH", "./data/filingfacts.db"),
		},
		Index: IndexConfig{
			Backend:   getEnv("INDEX_BACKEND", "memory"),
			PGDSN:     getEnv("PG_DSN", ""),
			RedisAddr: getEnv("REDIS_ADDR", "localhost:6379"),
			RedisDB:   getEnvAsInt("REDIS_DB", 0),
			RedisPass: getEnv("REDIS_PASSWORD", ""),
			IndexName: getEnv("VECTOR_INDEX_NAME", "filingfacts-chunks"),
			VectorDim: getEnvAsInt("VECTOR_DIM", 1024),
		},
		Embed: EmbedConfig{
			BaseURL:   getEnv("EMBED_BASE_URL", "http://localhost:8001/v1"),
			APIKey:    getEnv("EMBED_API_KEY", ""),
			Model:     getEnv("EMBED_MODEL", "bge-large-zh-v1.5"),
			BatchSize: getEnvAsInt("EMBED_BATCH_SIZE", 32),
			Timeout:   getEnvAsDuration("EMBED_TIMEOUT", 30*time.Second),
		},
		LLM: LLMConfig{
			BaseURL:     getEnv("LLM_BASE_URL", "https://api.deepseek.com/v1"),
			APIKey:      getEnv("LLM_API_KEY", ""),
			Model:       getEnv("LLM_MODEL", "deepseek-chat"),
			Temperature: getEnvAsFloat32("LLM_TEMPERATURE", 0.1),
			Timeout:     getEnvAsDuration("LLM_TIMEOUT", 60*time.Second),
			MaxAttempts: getEnvAsInt("LLM_MAX_ATTEMPTS", 3),
			RPS:         getEnvAsFloat64("LLM_RPS", 2),
		},
		Extract: ExtractConfig{
			IoUThreshold:  getEnvAsFloat64("TABLE_IOU_THRESHOLD", 0.5),
			MinConfidence: getEnvAsFloat64("TABLE_MIN_CONFIDENCE", 0.7),
		},
		Stitch: StitchConfig{
			AutoMergeThreshold: getEnvAsFloat64("STITCH_AUTO_MERGE", 0.85),
			ReviewThreshold:    getEnvAsFloat64("STITCH_REVIEW_LOW", 0.5),
			TrailingMargin:     getEnvAsFloat64("STITCH_TRAILING_MARGIN", 0.2),
			LeadingMargin:      getEnvAsFloat64("STITCH_LEADING_MARGIN", 0.2),
			MaxChainPages:      getEnvAsInt("STITCH_MAX_CHAIN_PAGES", 8),
		},
		Chunk: ChunkConfig{
			MaxChars:     getEnvAsInt("CHUNK_SIZE", 1200),
			OverlapChars: getEnvAsInt("CHUNK_OVERLAP", 150),
		},
		Pipeline: PipelineConfig{
			PageWorkers:  getEnvAsInt("PAGE_WORKERS", 4),
			FieldWorkers: getEnvAsInt("FIELD_WORKERS", 4),
			TopK:         getEnvAsInt("RETRIEVAL_TOP_K", 8),
			SchemaName:   getEnv("DOC_SCHEMA", "merger_report"),
		},
	}
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsFloat32(key string, defaultValue float32) float32 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 32); err == nil {
			return float32(floatVal)
		}
	}
	return defaultValue
}

func getEnvAsFloat64(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// ValidateConfig validates the loaded configuration
func (c *Config) Validate() error {
	if c.Store.Path == "" {
		return NewAppError("CONFIG_ERROR", "FACTS_DB_PATH is required", ErrInvalidInput)
	}
	if c.LLM.APIKey == "" {
		return NewAppError("CONFIG_ERROR", "LLM_API_KEY is required", ErrInvalidInput)
	}
	switch c.Index.Backend {
	case "memory", "pgvector", "redis":
	default:
		return NewAppError("CONFIG_ERROR", "INDEX_BACKEND must be memory, pgvector or redis", ErrInvalidInput)
	}
	if c.Index.Backend == "pgvector" && c.Index.PGDSN == "" {
		return NewAppError("CONFIG_ERROR", "PG_DSN is required for pgvector backend", ErrInvalidInput)
	}
	return nil
}
