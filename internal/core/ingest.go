package core

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"jugarenchile.com/tawk-relay/internal/logging"
)

type IngestConfig struct {
	ChunkSize    int
	ChunkOverlap int
	// Pace spaces embedding calls to stay under provider rate limits.
	Pace time.Duration
}

// SplitText cuts text into windows of size characters that overlap by
// overlap characters. Blank windows are skipped and the rest are trimmed.
func SplitText(text string, size, overlap int) []string {
	if size <= 0 || overlap >= size {
		return nil
	}
	runes := []rune(text)
	var chunks []string
	for start := 0; start < len(runes); start += size - overlap {
		end := min(start+size, len(runes))
		if chunk := strings.TrimSpace(string(runes[start:end])); chunk != "" {
			chunks = append(chunks, chunk)
		}
	}
	return chunks
}

// BuildCorpusFile splits text and embeds every chunk. With a nil embedder the
// corpus is keyword-only (dimension 0).
func BuildCorpusFile(ctx context.Context, text string, embedder Embedder, cfg IngestConfig) (*CorpusFile, error) {
	rawChunks := SplitText(text, cfg.ChunkSize, cfg.ChunkOverlap)
	if len(rawChunks) == 0 {
		return nil, fmt.Errorf("no chunks generated from input")
	}

	file := &CorpusFile{
		Metadata: CorpusMetadata{
			Model:        "keyword",
			ChunkSize:    cfg.ChunkSize,
			ChunkOverlap: cfg.ChunkOverlap,
			TotalChunks:  len(rawChunks),
			GeneratedAt:  time.Now().UTC().Format(time.RFC3339),
		},
		Chunks: make([]ChunkRecord, 0, len(rawChunks)),
	}
	if embedder != nil {
		file.Metadata.Model = embedder.Name()
		logging.Info().Int("chunks", len(rawChunks)).Str("model", embedder.Name()).
			Msg("Embedding chunks (this may take a while)")
	}

	pace := cfg.Pace
	if pace <= 0 {
		pace = 100 * time.Millisecond
	}
	ticker := time.NewTicker(pace)
	defer ticker.Stop()

	for i, chunkText := range rawChunks {
		rec := ChunkRecord{
			ID:       i,
			Text:     chunkText,
			Metadata: map[string]any{"length": len([]rune(chunkText)), "index": i},
		}
		if embedder != nil {
			if i > 0 {
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-ticker.C:
				}
			}
			vec, err := embedder.Embed(ctx, chunkText)
			if err != nil {
				return nil, fmt.Errorf("embedding chunk %d: %w", i, err)
			}
			rec.Vector = vec
			if file.Metadata.EmbeddingDimension == 0 {
				file.Metadata.EmbeddingDimension = len(vec)
			}
			if (i+1)%10 == 0 || i+1 == len(rawChunks) {
				logging.Info().Msgf("Embedded %d/%d chunks...", i+1, len(rawChunks))
			}
		}
		file.Chunks = append(file.Chunks, rec)
	}
	return file, nil
}

// WriteCorpusFile replaces path atomically so a running relay never reads a
// half-written corpus.
func WriteCorpusFile(path string, file *CorpusFile) error {
	raw, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding corpus: %w", err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("creating corpus directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".corpus-*.json")
	if err != nil {
		return fmt.Errorf("creating temp corpus: %w", err)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck // gone after rename

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp corpus: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp corpus: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}

// IngestFile builds the corpus for the knowledge text at src and writes it to dst.
func IngestFile(ctx context.Context, src, dst string, embedder Embedder, cfg IngestConfig) (int, error) {
	content, err := os.ReadFile(src)
	if err != nil {
		return 0, fmt.Errorf("failed to read knowledge file %s: %w", src, err)
	}
	file, err := BuildCorpusFile(ctx, string(content), embedder, cfg)
	if err != nil {
		return 0, err
	}
	if err := WriteCorpusFile(dst, file); err != nil {
		return 0, err
	}
	logging.Info().Int("chunks", len(file.Chunks)).Str("path", dst).Msg("Corpus written")
	return len(file.Chunks), nil
}
