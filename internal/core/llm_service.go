package core

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"jugarenchile.com/tawk-relay/internal/config"
	"jugarenchile.com/tawk-relay/internal/logging"
)

const (
	defaultGeminiEmbeddingModel = "text-embedding-004"
	defaultOpenAIEmbeddingModel = "text-embedding-3-large"
)

// Conversation roles understood by every ChatModel.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Turn struct {
	Role    string
	Content string
}

type ChatRequest struct {
	System      string
	History     []Turn
	Message     string
	MaxTokens   int
	Temperature float32
}

type ChatResponse struct {
	Text       string
	TokensUsed int
}

// ChatModel produces one assistant reply.
type ChatModel interface {
	Name() string
	Complete(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}

// Embedder turns text into a vector in the corpus embedding space.
type Embedder interface {
	Name() string
	Embed(ctx context.Context, text string) ([]float32, error)
}

var errEmptyResponse = errors.New("model returned an empty response")

// LLMService bundles the chat model and embedder for the configured provider.
// Without an API key the canned model answers and Embedder is nil.
type LLMService struct {
	Chat     ChatModel
	Embedder Embedder
	offline  bool
	closeFn  func() error
}

func NewLLMService(ctx context.Context, cfg *config.Config) (*LLMService, error) {
	key := cfg.LLMAPIKey()
	if cfg.LLMProvider == config.ProviderCanned || key == "" {
		if cfg.LLMProvider != config.ProviderCanned {
			logging.Warn().Str("provider", cfg.LLMProvider).Msg("No API key configured, answering with canned responses")
		}
		return &LLMService{Chat: CannedModel{}, offline: true}, nil
	}

	switch cfg.LLMProvider {
	case config.ProviderGemini:
		client, err := genai.NewClient(ctx, option.WithAPIKey(key))
		if err != nil {
			return nil, fmt.Errorf("failed to create GenAI client: %w", err)
		}
		embeddingModel := cfg.EmbeddingModel
		if embeddingModel == "" {
			embeddingModel = defaultGeminiEmbeddingModel
		}
		return &LLMService{
			Chat:     &GeminiModel{client: client, model: cfg.Model},
			Embedder: &GeminiEmbedder{client: client, model: embeddingModel},
			closeFn:  client.Close,
		}, nil
	default:
		embeddingModel := cfg.EmbeddingModel
		if embeddingModel == "" {
			embeddingModel = defaultOpenAIEmbeddingModel
		}
		client := newOpenAIClient(key)
		return &LLMService{
			Chat:     &OpenAIModel{client: client, model: cfg.Model},
			Embedder: &OpenAIEmbedder{client: client, model: embeddingModel},
		}, nil
	}
}

// Offline reports whether the canned model is answering.
func (s *LLMService) Offline() bool { return s.offline }

func (s *LLMService) Close() {
	if s.closeFn == nil {
		return
	}
	if err := s.closeFn(); err != nil {
		logging.Warn().Err(err).Msg("Error closing model client")
	}
}

// GeminiModel answers through the Gemini chat API.
type GeminiModel struct {
	client *genai.Client
	model  string
}

func (m *GeminiModel) Name() string { return m.model }

func (m *GeminiModel) Complete(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	model := m.client.GenerativeModel(m.model)
	model.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(req.System)},
	}
	if req.MaxTokens > 0 {
		model.SetMaxOutputTokens(int32(req.MaxTokens))
	}
	model.SetTemperature(req.Temperature)

	chatSession := model.StartChat()
	for _, turn := range req.History {
		role := "user"
		if turn.Role == RoleAssistant {
			role = "model"
		}
		chatSession.History = append(chatSession.History, &genai.Content{
			Role:  role,
			Parts: []genai.Part{genai.Text(turn.Content)},
		})
	}

	resp, err := chatSession.SendMessage(ctx, genai.Text(req.Message))
	if err != nil {
		return nil, fmt.Errorf("gemini chat SendMessage failed: %w", err)
	}
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, errEmptyResponse
	}

	var responseText strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			responseText.WriteString(string(txt))
		}
	}
	if responseText.Len() == 0 {
		return nil, errEmptyResponse
	}

	out := &ChatResponse{Text: responseText.String()}
	if resp.UsageMetadata != nil {
		out.TokensUsed = int(resp.UsageMetadata.TotalTokenCount)
	}
	return out, nil
}

type GeminiEmbedder struct {
	client *genai.Client
	model  string
}

func (e *GeminiEmbedder) Name() string { return e.model }

func (e *GeminiEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	res, err := e.client.EmbeddingModel(e.model).EmbedContent(ctx, genai.Text(text))
	if err != nil {
		return nil, fmt.Errorf("gemini embedding request failed: %w", err)
	}
	if res.Embedding == nil || len(res.Embedding.Values) == 0 {
		return nil, fmt.Errorf("no embedding data received from gemini")
	}
	return res.Embedding.Values, nil
}
