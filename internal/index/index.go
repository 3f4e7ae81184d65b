package index

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"
)

// ErrUnknownDocument is returned when a document has no chunks indexed.
var ErrUnknownDocument = errors.New("document not indexed")

// Chunk is one embedded slice of a document.
type Chunk struct {
	DocumentID string    `json:"document_id"`
	Index      int       `json:"chunk_index"`
	Text       string    `json:"text"`
	Vector     []float64 `json:"-"`
	// Fallback is an optional hash-space vector scored by QueryFallback when
	// the query cannot be embedded in Vector's space.
	Fallback   []float64 `json:"-"`
}

// Document is the full chunk set for one document. Mode records which vector
// space the chunks were embedded in, so queries can be embedded the same way.
type Document struct {
	ID                string
	Mode              string
	Dimension         int
	FallbackDimension int
	Chunks            []Chunk
	IndexedAt         time.Time
}

// Result is a chunk with its similarity to the query.
type Result struct {
	Chunk      Chunk   `json:"chunk"`
	Similarity float64 `json:"similarity"`
}

// Stats summarises the index contents.
type Stats struct {
	Documents   int       `json:"documents"`
	Chunks      int       `json:"chunks"`
	LastIndexed time.Time `json:"last_indexed,omitempty"`
}

// Index is an in-memory nearest-neighbour index keyed by document.
// Each document's chunk set is an immutable snapshot replaced wholesale,
// so readers never observe a partial set.
type Index struct {
	mu   sync.RWMutex
	docs map[string]*Document
}

func New() *Index {
	return &Index{docs: make(map[string]*Document)}
}

// Replace swaps in a new chunk set for doc.ID. Chunk indexes must be
// contiguous from 0, every vector must share one dimension, and fallback
// vectors are either present on every chunk with one dimension or absent.
func (ix *Index) Replace(doc Document) error {
	if doc.ID == "" {
		return errors.New("document id is required")
	}
	dim, fallbackDim := -1, -1
	chunks := make([]Chunk, len(doc.Chunks))
	for i, c := range doc.Chunks {
		if c.Index != i {
			return fmt.Errorf("chunk %d has index %d: indexes must be contiguous from 0", i, c.Index)
		}
		if dim == -1 {
			dim = len(c.Vector)
			fallbackDim = len(c.Fallback)
		}
		if len(c.Vector) != dim {
			return fmt.Errorf("chunk %d has dimension %d, want %d", i, len(c.Vector), dim)
		}
		if len(c.Fallback) != fallbackDim {
			return fmt.Errorf("chunk %d has fallback dimension %d, want %d", i, len(c.Fallback), fallbackDim)
		}
		chunks[i] = Chunk{DocumentID: doc.ID, Index: i, Text: c.Text, Vector: clone(c.Vector)}
		if fallbackDim > 0 {
			chunks[i].Fallback = clone(c.Fallback)
		}
	}
	if dim < 0 {
		dim, fallbackDim = 0, 0
	}

	snapshot := &Document{
		ID:                doc.ID,
		Mode:              doc.Mode,
		Dimension:         dim,
		FallbackDimension: fallbackDim,
		Chunks:            chunks,
		IndexedAt:         doc.IndexedAt,
	}
	if snapshot.IndexedAt.IsZero() {
		snapshot.IndexedAt = time.Now().UTC()
	}

	ix.mu.Lock()
	ix.docs[doc.ID] = snapshot
	ix.mu.Unlock()
	return nil
}

// Clear removes a document. It reports whether anything was removed.
func (ix *Index) Clear(documentID string) bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	_, ok := ix.docs[documentID]
	delete(ix.docs, documentID)
	return ok
}

// Describe returns the document's metadata without its chunks.
func (ix *Index) Describe(documentID string) (Document, bool) {
	ix.mu.RLock()
	doc, ok := ix.docs[documentID]
	ix.mu.RUnlock()
	if !ok {
		return Document{}, false
	}
	return Document{
		ID:                doc.ID,
		Mode:              doc.Mode,
		Dimension:         doc.Dimension,
		FallbackDimension: doc.FallbackDimension,
		IndexedAt:         doc.IndexedAt,
	}, true
}

// Chunks returns the document's chunks in order.
func (ix *Index) Chunks(documentID string) []Chunk {
	ix.mu.RLock()
	doc, ok := ix.docs[documentID]
	ix.mu.RUnlock()
	if !ok {
		return nil
	}
	out := make([]Chunk, len(doc.Chunks))
	copy(out, doc.Chunks)
	return out
}

func (ix *Index) Count(documentID string) int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if doc, ok := ix.docs[documentID]; ok {
		return len(doc.Chunks)
	}
	return 0
}

// Query returns the k chunks of documentID most similar to vector, best first.
// Ties keep chunk order.
func (ix *Index) Query(documentID string, vector []float64, k int) ([]Result, error) {
	return ix.query(documentID, vector, k, false)
}

// QueryFallback is Query scored against the chunks' fallback vectors.
func (ix *Index) QueryFallback(documentID string, vector []float64, k int) ([]Result, error) {
	return ix.query(documentID, vector, k, true)
}

func (ix *Index) query(documentID string, vector []float64, k int, fallback bool) ([]Result, error) {
	ix.mu.RLock()
	doc, ok := ix.docs[documentID]
	ix.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("query %q: %w", documentID, ErrUnknownDocument)
	}
	if k <= 0 || len(doc.Chunks) == 0 {
		return nil, nil
	}
	dim := doc.Dimension
	if fallback {
		if doc.FallbackDimension == 0 {
			return nil, fmt.Errorf("query %q: document has no fallback vectors", documentID)
		}
		dim = doc.FallbackDimension
	}
	if len(vector) != dim {
		return nil, fmt.Errorf("query %q: vector dimension %d, index dimension %d", documentID, len(vector), dim)
	}

	// doc is an immutable snapshot; scoring happens outside the lock.
	results := make([]Result, len(doc.Chunks))
	for i, c := range doc.Chunks {
		target := c.Vector
		if fallback {
			target = c.Fallback
		}
		results[i] = Result{Chunk: c, Similarity: Cosine(vector, target)}
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Similarity > results[j].Similarity
	})
	if k < len(results) {
		results = results[:k]
	}
	return results, nil
}

func (ix *Index) Stats() Stats {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	var s Stats
	for _, doc := range ix.docs {
		s.Documents++
		s.Chunks += len(doc.Chunks)
		if doc.IndexedAt.After(s.LastIndexed) {
			s.LastIndexed = doc.IndexedAt
		}
	}
	return s
}

// Cosine returns dot(a,b)/(|a||b|), clamped to [-1, 1]. A zero-magnitude
// vector or mismatched lengths yield 0.
func Cosine(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	sim := dot / (math.Sqrt(na) * math.Sqrt(nb))
	switch {
	case sim > 1:
		return 1
	case sim < -1:
		return -1
	}
	return sim
}

func clone(v []float64) []float64 {
	out := make([]float64, len(v))
	copy(out, v)
	return out
}
