package usecase

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	tiktoken "github.com/pkoukk/tiktoken-go"

	"github.com/feedpulse/signalpipe/internal/adapter/repo/postgres"
	"github.com/feedpulse/signalpipe/internal/domain"
)

// signalTypePerformanceSemantic is the embedding bucket visualMimicry reads
// back via PostEmbeddingStore.RecentBySignalType; it must match exactly.
const signalTypePerformanceSemantic = "performance_semantic"

const maxEmbeddingTokens = 8000

// tokenBounder truncates text to a model's context budget before an
// embeddings call. The encoder is loaded once and reused; tiktoken BPE
// construction is too slow to repeat per call.
type tokenBounder struct {
	mu  sync.Mutex
	enc *tiktoken.Tiktoken
}

func newTokenBounder() *tokenBounder {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		slog.Warn("tiktoken encoding unavailable, falling back to rune bounding", slog.Any("error", err))
		return &tokenBounder{}
	}
	return &tokenBounder{enc: enc}
}

func (b *tokenBounder) bound(text string, maxTokens int) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.enc == nil {
		if len(text) > maxTokens*4 {
			return text[:maxTokens*4]
		}
		return text
	}
	tokens := b.enc.Encode(text, nil, nil)
	if len(tokens) <= maxTokens {
		return text
	}
	return b.enc.Decode(tokens[:maxTokens])
}

// EmbeddingsGenerator builds and stores performance-semantic embeddings for
// currently hot (🔥/🚀) posts, feeding the visual-mimicry alert rule.
type EmbeddingsGenerator struct {
	Signals    *postgres.SignalsRepo
	Embeddings domain.EmbeddingsClient
	Store      domain.PostEmbeddingStore
	Model      string
	bounder    *tokenBounder
}

// NewEmbeddingsGenerator constructs an EmbeddingsGenerator over its
// collaborating ports.
func NewEmbeddingsGenerator(signals *postgres.SignalsRepo, embeddings domain.EmbeddingsClient, store domain.PostEmbeddingStore, model string) *EmbeddingsGenerator {
	return &EmbeddingsGenerator{Signals: signals, Embeddings: embeddings, Store: store, Model: model, bounder: newTokenBounder()}
}

// Run embeds every hot post's caption, optionally scoped to one subscriber,
// and upserts the resulting vectors under the performance-semantic signal
// type. It returns the count of posts embedded.
func (g *EmbeddingsGenerator) Run(ctx domain.Context, subscriberID *int64) (int, error) {
	posts, err := g.Signals.HotSignals(ctx, subscriberID, 500)
	if err != nil {
		return 0, fmt.Errorf("op=embeddings.run.hot_signals: %w", err)
	}

	embedded := 0
	for _, p := range posts {
		text := buildPerformanceText(p)
		if strings.TrimSpace(text) == "" {
			continue
		}
		text = g.bounder.bound(text, maxEmbeddingTokens)

		vector, err := g.Embeddings.Embed(ctx, text)
		if err != nil {
			slog.Error("embed call failed", slog.String("post_url", p.PostURL), slog.Any("error", err))
			continue
		}

		e := domain.PostEmbedding{
			SubscriberID: p.SubscriberID,
			FeederID:     p.FeederID,
			Handle:       p.Handle,
			PostURL:      p.PostURL,
			Model:        g.Model,
			SignalType:   signalTypePerformanceSemantic,
			Text:         text,
			Embedding:    vector,
		}
		if err := g.Store.Upsert(ctx, e); err != nil {
			return embedded, fmt.Errorf("op=embeddings.run.upsert: %w", err)
		}
		embedded++
	}
	return embedded, nil
}

// buildPerformanceText composes the text embedded for visual-mimicry
// comparison: the tag, media type, and caption together so cosine similarity
// reflects both what a post looked like and how it performed.
func buildPerformanceText(p postgres.HotPost) string {
	var b strings.Builder
	b.WriteString(string(p.VelocityTag))
	b.WriteString(" ")
	b.WriteString(p.MediaType)
	b.WriteString(": ")
	b.WriteString(p.Caption)
	return b.String()
}
