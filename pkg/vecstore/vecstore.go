// Package vecstore indexes lifelog scene contexts for semantic recall.
//
// Documents are embedded once on insert and searched with brute-force cosine
// distance. The corpus is per-deployment small (recent scene contexts), so a
// linear scan beats the operational cost of an external vector database; for
// distributed deployment the [Embedder] stays and the index swaps for a
// Milvus or Qdrant client.
package vecstore

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
)

// Embedder turns text into a dense vector. Implementations must be safe for
// concurrent use.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Document is one indexed scene context.
type Document struct {
	ID       string
	Title    string
	Summary  string
	Metadata map[string]any
}

// Match is one search result, closest first.
type Match struct {
	Document Document
	Distance float32
}

// Index is the in-memory context index. Safe for concurrent use.
type Index struct {
	embedder Embedder
	maxDocs  int

	mu      sync.RWMutex
	docs    map[string]Document
	vectors map[string][]float32
	order   []string // insertion order, for eviction
}

// New builds an Index. maxDocs bounds the corpus; 0 means 10000.
func New(embedder Embedder, maxDocs int) *Index {
	if maxDocs <= 0 {
		maxDocs = 10000
	}
	return &Index{
		embedder: embedder,
		maxDocs:  maxDocs,
		docs:     map[string]Document{},
		vectors:  map[string][]float32{},
	}
}

// AddContext embeds and indexes one scene context. Satisfies the vision
// pipeline's Indexer. Re-adding an id replaces the document.
func (ix *Index) AddContext(ctx context.Context, imageID, title, summary string, metadata map[string]any) error {
	text := title
	if summary != "" {
		text = title + "\n" + summary
	}
	vector, err := ix.embedder.Embed(ctx, text)
	if err != nil {
		return fmt.Errorf("vecstore: embed %s: %w", imageID, err)
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	if _, exists := ix.docs[imageID]; !exists {
		ix.order = append(ix.order, imageID)
	}
	ix.docs[imageID] = Document{ID: imageID, Title: title, Summary: summary, Metadata: metadata}
	ix.vectors[imageID] = vector

	for len(ix.order) > ix.maxDocs {
		oldest := ix.order[0]
		ix.order = ix.order[1:]
		delete(ix.docs, oldest)
		delete(ix.vectors, oldest)
	}
	return nil
}

// Filter narrows a query to documents whose metadata matches every entry.
type Filter map[string]any

// Query embeds the text and returns the topK closest documents passing the
// filter, closest first.
func (ix *Index) Query(ctx context.Context, text string, topK int, filter Filter) ([]Match, error) {
	if topK <= 0 {
		return nil, nil
	}
	query, err := ix.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("vecstore: embed query: %w", err)
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()
	matches := make([]Match, 0, len(ix.docs))
	for id, doc := range ix.docs {
		if !matchesFilter(doc.Metadata, filter) {
			continue
		}
		matches = append(matches, Match{
			Document: doc,
			Distance: CosineDistance(query, ix.vectors[id]),
		})
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].Distance < matches[j].Distance })
	if len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}

// Delete removes a document by id. Missing ids are a no-op.
func (ix *Index) Delete(id string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if _, ok := ix.docs[id]; !ok {
		return
	}
	delete(ix.docs, id)
	delete(ix.vectors, id)
	for i, existing := range ix.order {
		if existing == id {
			ix.order = append(ix.order[:i], ix.order[i+1:]...)
			break
		}
	}
}

// Len returns the number of indexed documents.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.docs)
}

func matchesFilter(metadata map[string]any, filter Filter) bool {
	for key, want := range filter {
		if metadata == nil || metadata[key] != want {
			return false
		}
	}
	return true
}

// CosineDistance returns a value in [0, 2]: 0 for identical direction, 2 for
// opposite. Mismatched dimensions or zero vectors are maximally distant.
func CosineDistance(a, b []float32) float32 {
	if len(a) != len(b) {
		return 2
	}
	var dot, normA, normB float64
	for i := range a {
		ai, bi := float64(a[i]), float64(b[i])
		dot += ai * bi
		normA += ai * ai
		normB += bi * bi
	}
	if normA == 0 || normB == 0 {
		return 2
	}
	similarity := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	if similarity > 1 {
		similarity = 1
	}
	if similarity < -1 {
		similarity = -1
	}
	return float32(1 - similarity)
}
