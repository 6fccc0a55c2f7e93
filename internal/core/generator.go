package core

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"jugarenchile.com/tawk-relay/internal/cache"
	"jugarenchile.com/tawk-relay/internal/logging"
	"jugarenchile.com/tawk-relay/internal/metrics"
	"jugarenchile.com/tawk-relay/internal/utils"
)

const snippetLength = 200

const basePrompt = `Eres un asistente virtual profesional de JugarEnChile.com, un casino online chileno operado por Fantasy Games SPA.

Tu rol es:
- Responder preguntas sobre la plataforma, juegos, promociones y servicios
- Proporcionar información precisa basada en el contexto proporcionado
- Mantener un tono profesional, empático y responsable
- Ser conciso y directo en tus respuestas (máximo 3 párrafos)
- SIEMPRE terminar tus respuestas con la frase: "` + ClosingPhrase + `"

Directrices importantes:
1. Si detectas señales de ludopatía o juego problemático, prioriza la ayuda y recursos de apoyo
2. Nunca promuevas el juego excesivo o irresponsable
3. Proporciona información clara sobre límites de depósito y autoexclusión cuando sea relevante
4. Si no tienes información específica, sé honesto y ofrece contactar con soporte humano

Información sobre Chile:
- Salario mínimo: $460.000 CLP
- Edad mínima para jugar: 18 años
- Métodos de pago populares: Transferencias, WebPay, Mercado Pago, Khipu`

type GeneratorConfig struct {
	TopK          int
	ContextBudget int // characters
	HistoryTurns  int
	MaxTokens     int
	Temperature   float32
}

// Result is the outcome of one generation. Err is set when the model failed
// and Text holds the canned fallback.
type Result struct {
	Text       string
	TokensUsed int
	Cost       float64
	FromCache  bool
	Snippets   []RetrievalResult
	Degraded   []string
	Err        error
}

// ResponseGenerator answers a query from the cache or the model, with
// retrieval context and cost accounting.
type ResponseGenerator struct {
	model     ChatModel
	retriever Retriever // may be nil
	cache     *cache.ResponseCache
	cfg       GeneratorConfig
	stats     UsageStats
	offline   bool
}

func NewResponseGenerator(model ChatModel, retriever Retriever, rc *cache.ResponseCache, cfg GeneratorConfig) *ResponseGenerator {
	if cfg.TopK <= 0 {
		cfg.TopK = 3
	}
	if cfg.ContextBudget <= 0 {
		cfg.ContextBudget = 1500
	}
	if cfg.HistoryTurns < 0 {
		cfg.HistoryTurns = 0
	}
	_, offline := model.(CannedModel)
	return &ResponseGenerator{model: model, retriever: retriever, cache: rc, cfg: cfg, offline: offline}
}

func (g *ResponseGenerator) Stats() UsageSnapshot {
	snap := g.stats.Snapshot()
	snap.Model = g.model.Name()
	snap.Offline = g.offline
	return snap
}

func (g *ResponseGenerator) ResetStats() { g.stats.Reset() }

func (g *ResponseGenerator) ModelName() string { return g.model.Name() }

// RetrievalMode is empty when no retriever is wired.
func (g *ResponseGenerator) RetrievalMode() string {
	if g.retriever == nil {
		return ""
	}
	return g.retriever.Mode()
}

// Generate never fails outright: a model error yields the canned fallback
// with Err set. Fallback answers are not cached.
func (g *ResponseGenerator) Generate(ctx context.Context, query string, history []Turn) Result {
	log := logging.Ctx(ctx)
	g.stats.totalRequests.Add(1)
	var degraded []string

	if g.cache != nil {
		entry, err := g.cache.Get(ctx, query)
		switch {
		case err == nil:
			g.stats.cacheHits.Add(1)
			metrics.GenerationCacheHits.Inc()
			log.Debug().Msg("Response served from cache")
			return Result{Text: entry.Response, FromCache: true, Snippets: fromCacheSnippets(entry.Snippets)}
		case !errors.Is(err, cache.ErrMiss):
			log.Warn().Err(err).Msg("Cache read failed, generating without cache")
			metrics.DependencyDegraded.WithLabelValues("cache").Inc()
			degraded = append(degraded, "cache")
		}
	}
	g.stats.cacheMisses.Add(1)
	metrics.GenerationCacheMisses.Inc()

	var snippets []RetrievalResult
	if g.retriever != nil && g.retriever.Ready() {
		found, err := g.retriever.Retrieve(ctx, query, g.cfg.TopK)
		if err != nil {
			log.Warn().Err(err).Str("mode", g.retriever.Mode()).Msg("Retrieval failed, proceeding without context")
			metrics.DependencyDegraded.WithLabelValues("retrieval").Inc()
			degraded = append(degraded, "retrieval")
		} else {
			snippets = found
		}
	}

	resp, err := g.model.Complete(ctx, ChatRequest{
		System:      BuildSystemPrompt(BuildContext(snippets, g.cfg.ContextBudget)),
		History:     lastTurns(history, g.cfg.HistoryTurns),
		Message:     query,
		MaxTokens:   g.cfg.MaxTokens,
		Temperature: g.cfg.Temperature,
	})
	if err != nil {
		log.Error().Err(err).Str("model", g.model.Name()).Msg("Model call failed, answering with fallback")
		metrics.ModelErrors.WithLabelValues(g.model.Name()).Inc()
		return Result{
			Text:     CannedResponse(query),
			Degraded: append(degraded, "model"),
			Err:      fmt.Errorf("generating response: %w", err),
		}
	}

	cost := EstimateCost(resp.TokensUsed, g.model.Name())
	if g.offline {
		cost = 0
	}
	g.stats.totalTokens.Add(int64(resp.TokensUsed))
	g.stats.addCost(cost)
	metrics.ModelTokens.WithLabelValues(g.model.Name()).Add(float64(resp.TokensUsed))
	metrics.ModelCostUSD.WithLabelValues(g.model.Name()).Add(cost)

	trimmed := truncateSnippets(snippets)
	if g.cache != nil {
		if err := g.cache.Set(ctx, query, cache.Entry{Response: resp.Text, Snippets: toCacheSnippets(trimmed)}); err != nil {
			log.Warn().Err(err).Msg("Cache write failed")
			metrics.DependencyDegraded.WithLabelValues("cache").Inc()
			if !slices.Contains(degraded, "cache") {
				degraded = append(degraded, "cache")
			}
		}
	}

	log.Info().Int("tokens", resp.TokensUsed).Float64("cost", cost).Int("snippets", len(snippets)).
		Msg("Response generated")
	return Result{
		Text:       resp.Text,
		TokensUsed: resp.TokensUsed,
		Cost:       cost,
		Snippets:   trimmed,
		Degraded:   degraded,
	}
}

// BuildContext numbers the snippets and caps the result at budget characters.
func BuildContext(snippets []RetrievalResult, budget int) string {
	if len(snippets) == 0 {
		return ""
	}
	parts := make([]string, 0, len(snippets))
	for i, s := range snippets {
		parts = append(parts, fmt.Sprintf("[Contexto %d]\n%s", i+1, s.Text))
	}
	return utils.TruncateRunes(strings.Join(parts, "\n\n"), budget)
}

// BuildSystemPrompt appends the retrieval context, if any, to the fixed policy.
func BuildSystemPrompt(retrieved string) string {
	if retrieved == "" {
		return basePrompt
	}
	return basePrompt + "\n\nCONTEXTO RELEVANTE DE LA BASE DE CONOCIMIENTO:\n" + retrieved +
		"\n\nUsa este contexto para responder la pregunta del usuario de manera precisa y específica."
}

func lastTurns(history []Turn, n int) []Turn {
	if n <= 0 {
		return nil
	}
	if len(history) > n {
		return history[len(history)-n:]
	}
	return history
}

func truncateSnippets(in []RetrievalResult) []RetrievalResult {
	out := make([]RetrievalResult, len(in))
	for i, s := range in {
		s.Text = utils.TruncateRunes(s.Text, snippetLength)
		out[i] = s
	}
	return out
}

func toCacheSnippets(in []RetrievalResult) []cache.Snippet {
	out := make([]cache.Snippet, len(in))
	for i, s := range in {
		out[i] = cache.Snippet{ChunkID: s.ChunkID, Text: s.Text, Similarity: s.Similarity}
	}
	return out
}

func fromCacheSnippets(in []cache.Snippet) []RetrievalResult {
	out := make([]RetrievalResult, len(in))
	for i, s := range in {
		out[i] = RetrievalResult{ChunkID: s.ChunkID, Text: s.Text, Similarity: s.Similarity}
	}
	return out
}
