package entity

import "strconv"

// ChunkKind distinguishes narrative text from table chunks.
type ChunkKind string

const (
	ChunkText  ChunkKind = "text"
	ChunkTable ChunkKind = "table"
)

// Chunk is one retrieval unit. Its ID is content-addressed, so re-running
// extraction on an unchanged page produces the same chunk, not a duplicate.
type Chunk struct {
	ID         string    `json:"id"`
	DocumentID string    `json:"document_id"`
	PageStart  int       `json:"page_start"`
	PageEnd    int       `json:"page_end"`
	Section    string    `json:"section,omitempty"`
	Kind       ChunkKind `json:"kind"`
	Text       string    `json:"text"`
	// TableID links a table chunk back to its (stitched) table.
	TableID string `json:"table_id,omitempty"`
}

// ChunkID derives the content-addressed identity of a chunk.
func ChunkID(docID, normalizedText, tableID string, pageStart, pageEnd int) string {
	return HashContent(docID, normalizedText, tableID,
		strconv.Itoa(pageStart), strconv.Itoa(pageEnd))
}
