package openai

import (
	"sync"

	"github.com/deepgram/sigpull/pkg/logger"
	"github.com/sashabaranov/go-openai"
)

type Service struct {
	mu     sync.RWMutex
	client *openai.Client
}

// NewService returns nil when no API key is configured. A non-empty baseURL
// points the client at an OpenAI-compatible endpoint.
func NewService(apiKey, baseURL string) *Service {
	log := logger.With(logger.CHAT)
	log.Info().Msg("Initialising OpenAI service")

	if apiKey == "" {
		log.Warn().Msg("OpenAI service not configured - OPENAI_KEY missing")
		return nil
	}

	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}

	return &Service{
		client: openai.NewClientWithConfig(cfg),
	}
}

func (s *Service) GetClient() *openai.Client {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.client
}
