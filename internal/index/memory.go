package index

import (
	"context"
	"sort"
	"sync"
)

// Memory is an exact cosine-similarity index. It backs tests and small
// single-batch runs; vectors are assumed normalized.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

func NewMemory() *Memory {
	return &Memory{entries: make(map[string]Entry)}
}

func (m *Memory) Upsert(_ context.Context, entries []Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range entries {
		m.entries[e.ChunkID] = e
	}
	return nil
}

func (m *Memory) Query(_ context.Context, vector []float32, k int, docID string) ([]Match, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	matches := make([]Match, 0, len(m.entries))
	for _, e := range m.entries {
		if docID != "" && e.DocumentID != docID {
			continue
		}
		matches = append(matches, Match{
			ChunkID:    e.ChunkID,
			DocumentID: e.DocumentID,
			Score:      dot(vector, e.Vector),
			Text:       e.Text,
			Section:    e.Section,
			PageStart:  e.PageStart,
			PageEnd:    e.PageEnd,
		})
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if k > 0 && len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

func (m *Memory) DeleteDocument(_ context.Context, docID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, e := range m.entries {
		if e.DocumentID == docID {
			delete(m.entries, id)
		}
	}
	return nil
}

// Len reports the number of indexed entries.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

func dot(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}
