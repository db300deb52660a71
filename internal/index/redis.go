package index

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix = "chunk:"

	fieldChunkID  = "chunk_id"
	fieldDocument = "document_id"
	fieldVector   = "vector"
	fieldText     = "text"
	fieldSection  = "section"
	fieldPageFrom = "page_start"
	fieldPageTo   = "page_end"
	fieldKind     = "kind"
)

// Redis stores chunk embeddings as hashes behind a RediSearch HNSW
// index. The hash key is derived from the chunk id, so re-upserting a
// chunk overwrites its fields in place.
type Redis struct {
	client    *redis.Client
	indexName string
	dim       int
}

type RedisOptions struct {
	Addr      string
	Password  string
	DB        int
	IndexName string
	VectorDim int
}

func NewRedis(ctx context.Context, opts RedisOptions) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}

	r := &Redis{client: client, indexName: opts.IndexName, dim: opts.VectorDim}
	if err := r.ensureIndex(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	return r, nil
}

func (r *Redis) Close() error { return r.client.Close() }

func (r *Redis) ensureIndex(ctx context.Context) error {
	if _, err := r.client.Do(ctx, "FT.INFO", r.indexName).Result(); err == nil {
		return nil
	}
	_, err := r.client.Do(ctx, "FT.CREATE", r.indexName,
		"ON", "HASH",
		"PREFIX", "1", redisKeyPrefix,
		"SCHEMA",
		fieldVector, "VECTOR", "HNSW", "6",
		"TYPE", "FLOAT32",
		"DIM", strconv.Itoa(r.dim),
		"DISTANCE_METRIC", "COSINE",
		fieldDocument, "TAG",
		fieldText, "TEXT",
		fieldSection, "TEXT",
		fieldPageFrom, "NUMERIC",
		fieldPageTo, "NUMERIC",
		fieldKind, "TAG",
	).Result()
	if err != nil {
		return fmt.Errorf("create vector index: %w", err)
	}
	return nil
}

func (r *Redis) Upsert(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	pipe := r.client.Pipeline()
	for _, e := range entries {
		pipe.HSet(ctx, redisKeyPrefix+e.ChunkID,
			fieldChunkID, e.ChunkID,
			fieldDocument, e.DocumentID,
			fieldVector, encodeVector(e.Vector),
			fieldText, e.Text,
			fieldSection, e.Section,
			fieldPageFrom, e.PageStart,
			fieldPageTo, e.PageEnd,
			fieldKind, e.Kind,
		)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("upsert chunks: %w", err)
	}
	return nil
}

func (r *Redis) Query(ctx context.Context, vector []float32, k int, docID string) ([]Match, error) {
	if k <= 0 {
		k = 5
	}
	filter := "*"
	if docID != "" {
		filter = fmt.Sprintf("@%s:{%s}", fieldDocument, escapeTag(docID))
	}
	queryStr := fmt.Sprintf("%s=>[KNN %d @%s $query_vector AS dist]", filter, k, fieldVector)

	result, err := r.client.Do(ctx, "FT.SEARCH", r.indexName, queryStr,
		"PARAMS", "2", "query_vector", encodeVector(vector),
		"RETURN", "7", fieldChunkID, fieldDocument, fieldText, fieldSection,
		fieldPageFrom, fieldPageTo, "dist",
		"SORTBY", "dist",
		"DIALECT", "2",
		"LIMIT", "0", strconv.Itoa(k),
	).Result()
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	return parseSearchResults(result)
}

func (r *Redis) DeleteDocument(ctx context.Context, docID string) error {
	iter := r.client.Scan(ctx, 0, redisKeyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		owner, err := r.client.HGet(ctx, key, fieldDocument).Result()
		if err != nil {
			continue
		}
		if owner == docID {
			if err := r.client.Del(ctx, key).Err(); err != nil {
				return fmt.Errorf("delete %s: %w", key, err)
			}
		}
	}
	return iter.Err()
}

// parseSearchResults decodes the FT.SEARCH reply: count, then pairs of
// (key, field list).
func parseSearchResults(result any) ([]Match, error) {
	values, ok := result.([]any)
	if !ok {
		// RESP3 map reply
		if m, ok := result.(map[any]any); ok {
			return parseRESP3(m)
		}
		return nil, fmt.Errorf("unexpected search reply type %T", result)
	}
	var matches []Match
	for i := 1; i+1 < len(values); i += 2 {
		fieldList, ok := values[i+1].([]any)
		if !ok {
			continue
		}
		matches = append(matches, matchFromFields(fieldList))
	}
	return matches, nil
}

func parseRESP3(reply map[any]any) ([]Match, error) {
	raw, ok := reply["results"].([]any)
	if !ok {
		return nil, nil
	}
	var matches []Match
	for _, item := range raw {
		doc, ok := item.(map[any]any)
		if !ok {
			continue
		}
		attrs, ok := doc["extra_attributes"].(map[any]any)
		if !ok {
			continue
		}
		var fields []any
		for k, v := range attrs {
			fields = append(fields, k, v)
		}
		matches = append(matches, matchFromFields(fields))
	}
	return matches, nil
}

func matchFromFields(fields []any) Match {
	var m Match
	for j := 0; j+1 < len(fields); j += 2 {
		name, _ := fields[j].(string)
		val, _ := fields[j+1].(string)
		switch name {
		case fieldChunkID:
			m.ChunkID = val
		case fieldDocument:
			m.DocumentID = val
		case fieldText:
			m.Text = val
		case fieldSection:
			m.Section = val
		case fieldPageFrom:
			m.PageStart, _ = strconv.Atoi(val)
		case fieldPageTo:
			m.PageEnd, _ = strconv.Atoi(val)
		case "dist":
			if d, err := strconv.ParseFloat(val, 64); err == nil {
				m.Score = 1 - d // cosine distance to similarity
			}
		}
	}
	return m
}

// encodeVector packs float32s little-endian, the layout RediSearch
// expects for FLOAT32 vector fields.
func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(x))
	}
	return buf
}

func escapeTag(s string) string {
	replacer := strings.NewReplacer(",", "\\,", ".", "\\.", " ", "\\ ", "-", "\\-")
	return replacer.Replace(s)
}
