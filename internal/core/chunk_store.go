package core

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/goccy/go-json"

	"jugarenchile.com/tawk-relay/internal/logging"
	"jugarenchile.com/tawk-relay/internal/utils"
)

var (
	ErrNotReady          = errors.New("chunk store not loaded")
	ErrDimensionMismatch = errors.New("query vector dimension does not match corpus")
)

type Chunk struct {
	ID       int
	Text     string
	Vector   []float32
	Metadata map[string]any
}

type RetrievalResult struct {
	ChunkID    int     `json:"chunkId"`
	Text       string  `json:"text"`
	Similarity float64 `json:"similarity"`
}

type CorpusInfo struct {
	TotalChunks        int       `json:"totalChunks"`
	Model              string    `json:"model"`
	EmbeddingDimension int       `json:"embeddingDimension"`
	ChunkSize          int       `json:"chunkSize,omitempty"`
	ChunkOverlap       int       `json:"chunkOverlap,omitempty"`
	GeneratedAt        string    `json:"generatedAt,omitempty"`
	Path               string    `json:"path"`
	LoadedAt           time.Time `json:"loadedAt"`
}

// CorpusFile is the on-disk corpus. Files written before the chunks/vector
// naming use embeddings/embedding and are still accepted.
type CorpusFile struct {
	Metadata   CorpusMetadata `json:"metadata"`
	Chunks     []ChunkRecord  `json:"chunks"`
	Embeddings []ChunkRecord  `json:"embeddings,omitempty"`
}

type CorpusMetadata struct {
	Model              string `json:"model"`
	EmbeddingDimension int    `json:"embeddingDimension"`
	ChunkSize          int    `json:"chunkSize"`
	ChunkOverlap       int    `json:"chunkOverlap"`
	TotalChunks        int    `json:"totalChunks"`
	GeneratedAt        string `json:"generatedAt"`
}

type ChunkRecord struct {
	ID        int            `json:"id"`
	Text      string         `json:"text"`
	Vector    []float32      `json:"vector,omitempty"`
	Embedding []float32      `json:"embedding,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

type corpus struct {
	chunks []Chunk
	info   CorpusInfo
}

// ChunkStore holds the retrieval corpus in memory. A corpus is swapped in
// whole, so readers see either the previous or the new one.
type ChunkStore struct {
	loadMu  sync.Mutex
	path    string
	current atomic.Pointer[corpus]
}

func NewChunkStore(path string) *ChunkStore {
	return &ChunkStore{path: path}
}

// Load parses the corpus at path and replaces the current one. On error the
// previous corpus stays in place.
func (s *ChunkStore) Load(path string) error {
	s.loadMu.Lock()
	defer s.loadMu.Unlock()

	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading corpus %s: %w", path, err)
	}
	var file CorpusFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("decoding corpus %s: %w", path, err)
	}

	c, err := buildCorpus(file)
	if err != nil {
		return fmt.Errorf("corpus %s: %w", path, err)
	}
	c.info.Path = path
	c.info.LoadedAt = time.Now().UTC()

	s.path = path
	s.current.Store(c)
	logging.Info().Int("chunks", c.info.TotalChunks).Int("dimension", c.info.EmbeddingDimension).
		Str("path", path).Msg("Corpus loaded")
	return nil
}

// Reload re-reads the file the store was last loaded from.
func (s *ChunkStore) Reload() error {
	s.loadMu.Lock()
	path := s.path
	s.loadMu.Unlock()
	if path == "" {
		return errors.New("no corpus path configured")
	}
	return s.Load(path)
}

func buildCorpus(file CorpusFile) (*corpus, error) {
	records := file.Chunks
	if len(records) == 0 {
		records = file.Embeddings
	}
	if len(records) == 0 {
		return nil, errors.New("no chunks")
	}

	dim := file.Metadata.EmbeddingDimension
	chunks := make([]Chunk, 0, len(records))
	for _, r := range records {
		vec := r.Vector
		if len(vec) == 0 {
			vec = r.Embedding
		}
		if dim == 0 && len(vec) > 0 && len(chunks) == 0 {
			dim = len(vec)
		}
		if len(vec) != dim {
			return nil, fmt.Errorf("chunk %d has %d dimensions, expected %d", r.ID, len(vec), dim)
		}
		chunks = append(chunks, Chunk{ID: r.ID, Text: r.Text, Vector: vec, Metadata: r.Metadata})
	}

	return &corpus{
		chunks: chunks,
		info: CorpusInfo{
			TotalChunks:        len(chunks),
			Model:              file.Metadata.Model,
			EmbeddingDimension: dim,
			ChunkSize:          file.Metadata.ChunkSize,
			ChunkOverlap:       file.Metadata.ChunkOverlap,
			GeneratedAt:        file.Metadata.GeneratedAt,
		},
	}, nil
}

func (s *ChunkStore) IsReady() bool {
	return s.current.Load() != nil
}

// Info describes the loaded corpus, nil when none is loaded.
func (s *ChunkStore) Info() *CorpusInfo {
	c := s.current.Load()
	if c == nil {
		return nil
	}
	info := c.info
	return &info
}

// Search ranks chunks by cosine similarity to vector.
func (s *ChunkStore) Search(vector []float32, topK int) ([]RetrievalResult, error) {
	c := s.current.Load()
	if c == nil {
		return nil, ErrNotReady
	}
	if topK <= 0 {
		return []RetrievalResult{}, nil
	}
	if c.info.EmbeddingDimension == 0 || len(vector) != c.info.EmbeddingDimension {
		return nil, ErrDimensionMismatch
	}

	scored := make([]RetrievalResult, 0, len(c.chunks))
	for _, chunk := range c.chunks {
		sim, err := utils.CosineSimilarity(vector, chunk.Vector)
		if err != nil {
			return nil, fmt.Errorf("scoring chunk %d: %w", chunk.ID, err)
		}
		scored = append(scored, RetrievalResult{ChunkID: chunk.ID, Text: chunk.Text, Similarity: sim})
	}
	return topResults(scored, topK), nil
}

// SearchKeyword scores each chunk by the share of query terms (longer than
// three characters) it contains.
func (s *ChunkStore) SearchKeyword(query string, topK int) ([]RetrievalResult, error) {
	c := s.current.Load()
	if c == nil {
		return nil, ErrNotReady
	}
	if topK <= 0 {
		return []RetrievalResult{}, nil
	}

	var terms []string
	for _, w := range strings.Fields(strings.ToLower(query)) {
		if utf8.RuneCountInString(w) > 3 {
			terms = append(terms, w)
		}
	}

	scored := make([]RetrievalResult, 0, len(c.chunks))
	for _, chunk := range c.chunks {
		scored = append(scored, RetrievalResult{
			ChunkID:    chunk.ID,
			Text:       chunk.Text,
			Similarity: KeywordSimilarity(terms, strings.ToLower(chunk.Text)),
		})
	}
	return topResults(scored, topK), nil
}

// KeywordSimilarity counts the terms found in lowerText over max(len(terms), 1).
func KeywordSimilarity(terms []string, lowerText string) float64 {
	matches := 0
	for _, t := range terms {
		if strings.Contains(lowerText, t) {
			matches++
		}
	}
	return float64(matches) / float64(max(len(terms), 1))
}

func topResults(scored []RetrievalResult, topK int) []RetrievalResult {
	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Similarity != scored[j].Similarity {
			return scored[i].Similarity > scored[j].Similarity
		}
		return scored[i].ChunkID < scored[j].ChunkID
	})
	if len(scored) > topK {
		scored = scored[:topK]
	}
	return scored
}
