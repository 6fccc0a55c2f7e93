package core

import (
	"context"
	"fmt"

	"jugarenchile.com/tawk-relay/internal/config"
)

// Retriever finds the snippets most relevant to a query.
type Retriever interface {
	Mode() string
	Ready() bool
	Retrieve(ctx context.Context, query string, topK int) ([]RetrievalResult, error)
}

// VectorRetriever embeds the query and runs cosine search.
type VectorRetriever struct {
	store    *ChunkStore
	embedder Embedder
}

func (r *VectorRetriever) Mode() string { return config.RetrievalVector }

func (r *VectorRetriever) Ready() bool { return r.store.IsReady() }

func (r *VectorRetriever) Retrieve(ctx context.Context, query string, topK int) ([]RetrievalResult, error) {
	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to get query embedding: %w", err)
	}
	return r.store.Search(vec, topK)
}

// KeywordRetriever needs no embedding provider.
type KeywordRetriever struct {
	store *ChunkStore
}

func (r *KeywordRetriever) Mode() string { return config.RetrievalKeyword }

func (r *KeywordRetriever) Ready() bool { return r.store.IsReady() }

func (r *KeywordRetriever) Retrieve(_ context.Context, query string, topK int) ([]RetrievalResult, error) {
	return r.store.SearchKeyword(query, topK)
}

// NewRetriever fixes the retrieval mode for the life of the process. In auto
// mode vector search is used only when an embedder exists and the loaded
// corpus carries vectors.
func NewRetriever(mode string, store *ChunkStore, embedder Embedder) (Retriever, error) {
	switch mode {
	case config.RetrievalKeyword:
		return &KeywordRetriever{store: store}, nil
	case config.RetrievalVector:
		if embedder == nil {
			return nil, fmt.Errorf("vector retrieval requires an embedding provider")
		}
		return &VectorRetriever{store: store, embedder: embedder}, nil
	}
	if info := store.Info(); embedder != nil && info != nil && info.EmbeddingDimension > 0 {
		return &VectorRetriever{store: store, embedder: embedder}, nil
	}
	return &KeywordRetriever{store: store}, nil
}
