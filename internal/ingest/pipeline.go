package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/herald/internal/hermes"
	"github.com/MikeSquared-Agency/herald/internal/index"
)

// Vector space a document was indexed in.
const (
	ModeEmbedding = "embedding"
	ModeHash      = "hash"
)

// ErrEmptyDocument is returned when a document yields no usable chunks.
var ErrEmptyDocument = errors.New("ingest: document has no usable text")

// Embedder turns texts into vectors, one per input, all the same dimension.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float64, error)
}

// ChunkStore persists chunk sets. ReplaceChunks must be atomic per document.
type ChunkStore interface {
	ReplaceChunks(ctx context.Context, doc index.Document) error
	DeleteChunks(ctx context.Context, documentID string) error
}

type Publisher interface {
	Publish(subject string, data any) error
}

// Config configures a Pipeline. Index is required; everything else is optional.
type Config struct {
	Index    *index.Index
	Embedder Embedder
	Store    ChunkStore
	Events   Publisher
	Logger   *slog.Logger

	Chunking Options
	// Dimension is the embedder's vector dimension. Embeddings of any other
	// dimension are rejected and hash fallback vectors are built with it.
	// Zero learns the dimension from successful embeddings; until one is
	// seen, hash vectors are DefaultHashDimension wide.
	Dimension    int
	EmbedTimeout time.Duration
}

// Report describes one completed ingestion.
type Report struct {
	RunID      string        `json:"run_id"`
	DocumentID string        `json:"document_id"`
	Chunks     int           `json:"chunks"`
	Characters int           `json:"characters"`
	Mode       string        `json:"mode"`
	Duration   time.Duration `json:"duration"`
}

// Stats combines index contents with ingestion counters.
type Stats struct {
	index.Stats
	Ingestions int    `json:"ingestions"`
	Failures   int    `json:"failures"`
	LastError  string `json:"last_error,omitempty"`
}

// Pipeline chunks, embeds and indexes documents, and answers retrieval
// queries against them.
type Pipeline struct {
	index    *index.Index
	embedder Embedder
	store    ChunkStore
	events   Publisher
	logger   *slog.Logger
	opts     Options
	timeout  time.Duration

	// dim is the document vector dimension, zero until configured or learned.
	dim      atomic.Int64
	fixedDim bool

	docMu sync.Mutex
	docs  map[string]*docLock

	statsMu    sync.Mutex
	ingestions int
	failures   int
	lastError  string
}

type docLock struct {
	mu   sync.Mutex
	refs int
}

func NewPipeline(cfg Config) (*Pipeline, error) {
	if cfg.Index == nil {
		return nil, errors.New("ingest: index is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.EmbedTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	p := &Pipeline{
		index:    cfg.Index,
		embedder: cfg.Embedder,
		store:    cfg.Store,
		events:   cfg.Events,
		logger:   logger,
		opts:     cfg.Chunking.withDefaults(),
		timeout:  timeout,
		docs:     make(map[string]*docLock),
	}
	if cfg.Dimension > 0 {
		p.dim.Store(int64(cfg.Dimension))
		p.fixedDim = true
	}
	return p, nil
}

// Dimension returns the vector dimension new documents are built with.
func (p *Pipeline) Dimension() int {
	if d := p.dim.Load(); d > 0 {
		return int(d)
	}
	return DefaultHashDimension
}

// Ingest replaces documentID's chunk set with chunks of text. Concurrent
// ingestions of the same document are serialized; readers see either the
// old set or the new one.
func (p *Pipeline) Ingest(ctx context.Context, documentID, text string) (Report, error) {
	if documentID == "" {
		return Report{}, errors.New("ingest: document id is required")
	}
	start := time.Now()
	report := Report{RunID: uuid.New().String(), DocumentID: documentID}

	unlock := p.lockDocument(documentID)
	defer unlock()

	spans := SplitText(text, p.opts)
	if len(spans) == 0 {
		p.recordFailure(ErrEmptyDocument)
		return report, ErrEmptyDocument
	}

	texts := make([]string, len(spans))
	for i, s := range spans {
		texts[i] = s.Text
		report.Characters += len([]rune(s.Text))
	}

	vectors, mode := p.vectors(ctx, documentID, texts)
	doc := index.Document{
		ID:        documentID,
		Mode:      mode,
		Dimension: len(vectors[0]),
		Chunks:    make([]index.Chunk, len(spans)),
		IndexedAt: time.Now().UTC(),
	}
	for i, s := range spans {
		doc.Chunks[i] = index.Chunk{DocumentID: documentID, Index: i, Text: s.Text, Vector: vectors[i]}
	}
	doc = withFallback(doc)

	if p.store != nil {
		if err := p.store.ReplaceChunks(ctx, doc); err != nil {
			err = fmt.Errorf("persist chunks: %w", err)
			p.recordFailure(err)
			return report, err
		}
	}
	if err := p.index.Replace(doc); err != nil {
		err = fmt.Errorf("index chunks: %w", err)
		p.recordFailure(err)
		return report, err
	}

	report.Chunks = len(doc.Chunks)
	report.Mode = mode
	report.Duration = time.Since(start)

	p.statsMu.Lock()
	p.ingestions++
	p.statsMu.Unlock()

	p.logger.Info("document ingested",
		"run_id", report.RunID,
		"document_id", documentID,
		"chunks", report.Chunks,
		"mode", mode,
		"duration", report.Duration,
	)

	if p.events != nil {
		if err := p.events.Publish(hermes.SubjectDocumentIngested, hermes.DocumentIngested{
			RunID:      report.RunID,
			DocumentID: documentID,
			Chunks:     report.Chunks,
			Mode:       mode,
			Timestamp:  doc.IndexedAt,
		}); err != nil {
			p.logger.Error("failed to publish ingestion event", "document_id", documentID, "error", err)
		}
	}
	return report, nil
}

// vectors embeds texts with the configured embedder, falling back to hash
// vectors for the whole document if the embedder is missing, fails or
// returns an unusable result.
func (p *Pipeline) vectors(ctx context.Context, documentID string, texts []string) ([][]float64, string) {
	if p.embedder != nil {
		ectx, cancel := context.WithTimeout(ctx, p.timeout)
		vecs, err := p.embedder.Embed(ectx, texts)
		cancel()
		if err == nil {
			err = checkVectors(vecs, len(texts))
		}
		if err == nil {
			err = p.acceptDimension(len(vecs[0]))
		}
		if err == nil {
			return vecs, ModeEmbedding
		}
		p.logger.Warn("embedding failed, using hash vectors", "document_id", documentID, "error", err)
	}

	dim := p.Dimension()
	vecs := make([][]float64, len(texts))
	for i, t := range texts {
		vecs[i] = HashVector(t, dim)
	}
	return vecs, ModeHash
}

// acceptDimension checks an embedding dimension against the configured one,
// or records it when the dimension is learned.
func (p *Pipeline) acceptDimension(got int) error {
	if p.fixedDim {
		if want := int(p.dim.Load()); got != want {
			return fmt.Errorf("embedder returned dimension %d, want %d", got, want)
		}
		return nil
	}
	p.dim.Store(int64(got))
	return nil
}

// withFallback gives embedded chunks a hash vector of the same dimension so
// the document stays searchable when queries cannot be embedded.
func withFallback(doc index.Document) index.Document {
	if doc.Mode != ModeEmbedding || len(doc.Chunks) == 0 {
		return doc
	}
	dim := len(doc.Chunks[0].Vector)
	chunks := make([]index.Chunk, len(doc.Chunks))
	for i, c := range doc.Chunks {
		c.Fallback = HashVector(c.Text, dim)
		chunks[i] = c
	}
	doc.Chunks = chunks
	return doc
}

func checkVectors(vecs [][]float64, want int) error {
	if len(vecs) != want {
		return fmt.Errorf("embedder returned %d vectors for %d texts", len(vecs), want)
	}
	dim := len(vecs[0])
	if dim == 0 {
		return errors.New("embedder returned empty vectors")
	}
	for i, v := range vecs {
		if len(v) != dim {
			return fmt.Errorf("vector %d has dimension %d, want %d", i, len(v), dim)
		}
	}
	return nil
}

// Retrieve returns the k chunks of documentID most similar to query, with the
// query embedded in the same vector space as the document. When an embedded
// document's query cannot be embedded, chunks are scored by their fallback
// hash vectors.
func (p *Pipeline) Retrieve(ctx context.Context, documentID, query string, k int) ([]index.Result, error) {
	desc, ok := p.index.Describe(documentID)
	if !ok {
		return nil, fmt.Errorf("retrieve %q: %w", documentID, index.ErrUnknownDocument)
	}
	if desc.Mode != ModeEmbedding {
		return p.index.Query(documentID, HashVector(query, desc.Dimension), k)
	}

	vec, err := p.embedQuery(ctx, query, desc.Dimension)
	if err == nil {
		return p.index.Query(documentID, vec, k)
	}
	if desc.FallbackDimension == 0 {
		return nil, err
	}
	p.logger.Warn("query embedding failed, scoring with hash vectors", "document_id", documentID, "error", err)
	return p.index.QueryFallback(documentID, HashVector(query, desc.FallbackDimension), k)
}

func (p *Pipeline) embedQuery(ctx context.Context, query string, dim int) ([]float64, error) {
	if p.embedder == nil {
		return nil, errors.New("embed query: no embedder configured")
	}
	ectx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	vecs, err := p.embedder.Embed(ectx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if err := checkVectors(vecs, 1); err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vecs[0]) != dim {
		return nil, fmt.Errorf("embed query: dimension %d, document dimension %d", len(vecs[0]), dim)
	}
	return vecs[0], nil
}

// Delete removes a document from the store and the index.
func (p *Pipeline) Delete(ctx context.Context, documentID string) (bool, error) {
	unlock := p.lockDocument(documentID)
	defer unlock()

	if p.store != nil {
		if err := p.store.DeleteChunks(ctx, documentID); err != nil {
			return false, fmt.Errorf("delete chunks: %w", err)
		}
	}
	return p.index.Clear(documentID), nil
}

// Restore loads previously persisted documents into the index. Without a
// configured dimension, the first embedded document sets it.
func (p *Pipeline) Restore(docs []index.Document) error {
	for _, d := range docs {
		d = withFallback(d)
		if err := p.index.Replace(d); err != nil {
			return fmt.Errorf("restore %s: %w", d.ID, err)
		}
		if !p.fixedDim && d.Mode == ModeEmbedding && d.Dimension > 0 {
			p.dim.CompareAndSwap(0, int64(d.Dimension))
		}
	}
	return nil
}

func (p *Pipeline) Stats() Stats {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	return Stats{
		Stats:      p.index.Stats(),
		Ingestions: p.ingestions,
		Failures:   p.failures,
		LastError:  p.lastError,
	}
}

// HandleIngestRequest is a message handler for ingestion requests.
func (p *Pipeline) HandleIngestRequest(subject string, data []byte) {
	var req hermes.IngestRequest
	if err := json.Unmarshal(data, &req); err != nil {
		p.logger.Warn("malformed ingest request", "subject", subject, "error", err)
		return
	}
	if _, err := p.Ingest(context.Background(), req.DocumentID, req.Text); err != nil {
		p.logger.Error("ingest request failed", "document_id", req.DocumentID, "error", err)
	}
}

func (p *Pipeline) recordFailure(err error) {
	p.statsMu.Lock()
	p.failures++
	p.lastError = err.Error()
	p.statsMu.Unlock()
}

func (p *Pipeline) lockDocument(documentID string) func() {
	p.docMu.Lock()
	l, ok := p.docs[documentID]
	if !ok {
		l = &docLock{}
		p.docs[documentID] = l
	}
	l.refs++
	p.docMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		p.docMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(p.docs, documentID)
		}
		p.docMu.Unlock()
	}
}
