package dialogue

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/MikeSquared-Agency/herald/internal/anthropic"
	"github.com/MikeSquared-Agency/herald/internal/index"
	"github.com/MikeSquared-Agency/herald/internal/lang"
	"github.com/MikeSquared-Agency/herald/internal/ledger"
)

const (
	maxReplyTokens   = 150
	replyTemperature = 0.7
)

// Source records how a reply was produced.
type Source string

const (
	SourceRetrieved Source = "retrieved"
	SourceNoContext Source = "no_context"
	SourceFallback  Source = "fallback"
)

// Campaign is the immutable configuration a call session is created with.
type Campaign struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	AgentName  string   `json:"agent_name,omitempty"`
	DocumentID string   `json:"document_id,omitempty"`
	Objective  string   `json:"objective"`
	Language   lang.Tag `json:"language"`
	SampleFlow string   `json:"sample_flow,omitempty"`
}

type Completer interface {
	Complete(ctx context.Context, system string, messages []anthropic.Message, maxTokens int, temperature float64) (string, error)
}

type Retriever interface {
	Retrieve(ctx context.Context, documentID, query string, k int) ([]index.Result, error)
}

// Reply is one generated agent utterance.
type Reply struct {
	Text   string
	Source Source
	Chunks []index.Result
}

type Config struct {
	Completer Completer
	// Retriever is optional; without it every reply is a no-context reply.
	Retriever    Retriever
	Logger       *slog.Logger
	TopK         int
	HistoryTurns int
	Timeout      time.Duration
}

// Generator produces agent utterances. It never returns an error: every
// failure degrades to a less informed reply or a static phrase.
type Generator struct {
	llm          Completer
	retriever    Retriever
	logger       *slog.Logger
	topK         int
	historyTurns int
	timeout      time.Duration
}

func NewGenerator(cfg Config) (*Generator, error) {
	if cfg.Completer == nil {
		return nil, errors.New("dialogue: completer is required")
	}
	g := &Generator{
		llm:          cfg.Completer,
		retriever:    cfg.Retriever,
		logger:       cfg.Logger,
		topK:         cfg.TopK,
		historyTurns: cfg.HistoryTurns,
		timeout:      cfg.Timeout,
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	if g.topK <= 0 {
		g.topK = 3
	}
	if g.historyTurns <= 0 {
		g.historyTurns = 6
	}
	if g.timeout <= 0 {
		g.timeout = 8 * time.Second
	}
	return g, nil
}

// Greeting opens the call from the campaign objective and sample flow, with
// no history. On failure it falls back to the language's static greeting.
func (g *Generator) Greeting(ctx context.Context, c Campaign) Reply {
	system := SystemPrompt(c, nil)
	msgs := []anthropic.Message{{Role: string(ledger.RoleUser), Content: greetingInstruction}}

	text, err := g.complete(ctx, system, msgs)
	if err != nil {
		g.logger.Warn("greeting generation failed, using static greeting", "campaign_id", c.ID, "error", err)
		return Reply{Text: lang.Strings(c.Language).Greeting, Source: SourceFallback}
	}
	return Reply{Text: text, Source: SourceNoContext}
}

// Reply answers utterance given the prior history (oldest first, not
// including utterance). On completion failure it returns the language's
// static apology with SourceFallback.
func (g *Generator) Reply(ctx context.Context, c Campaign, history []ledger.Turn, utterance string) Reply {
	chunks := g.retrieve(ctx, c, utterance)

	system := SystemPrompt(c, chunks)
	msgs := BuildMessages(history, utterance, g.historyTurns)

	text, err := g.complete(ctx, system, msgs)
	if err != nil {
		g.logger.Error("reply generation failed, using fallback",
			"campaign_id", c.ID,
			"chunks", len(chunks),
			"error", err,
		)
		return Reply{Text: lang.Strings(c.Language).Apology, Source: SourceFallback}
	}

	if len(chunks) > 0 {
		return Reply{Text: text, Source: SourceRetrieved, Chunks: chunks}
	}
	return Reply{Text: text, Source: SourceNoContext}
}

func (g *Generator) retrieve(ctx context.Context, c Campaign, utterance string) []index.Result {
	if g.retriever == nil || c.DocumentID == "" {
		return nil
	}
	rctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	results, err := g.retriever.Retrieve(rctx, c.DocumentID, utterance, g.topK)
	if err != nil {
		if errors.Is(err, index.ErrUnknownDocument) {
			g.logger.Debug("campaign document not indexed", "document_id", c.DocumentID)
		} else {
			g.logger.Warn("retrieval failed, replying without context", "document_id", c.DocumentID, "error", err)
		}
		return nil
	}
	return results
}

func (g *Generator) complete(ctx context.Context, system string, msgs []anthropic.Message) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	text, err := g.llm.Complete(cctx, system, msgs, maxReplyTokens, replyTemperature)
	if err != nil {
		return "", err
	}
	text = cleanReply(text)
	if text == "" {
		return "", errors.New("empty completion")
	}
	return text, nil
}

// cleanReply strips whitespace, wrapping quotes and a leading speaker label.
func cleanReply(s string) string {
	s = strings.TrimSpace(s)
	for _, prefix := range []string{"Assistant:", "Agent:"} {
		if strings.HasPrefix(s, prefix) {
			s = strings.TrimSpace(strings.TrimPrefix(s, prefix))
		}
	}
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = strings.TrimSpace(s[1 : len(s)-1])
	}
	return s
}
