package services

import (
	"fmt"
	"sync"

	"github.com/deepgram/sigpull/internal/auth"
	"github.com/deepgram/sigpull/internal/config"
	"github.com/deepgram/sigpull/internal/connections"
	"github.com/deepgram/sigpull/internal/infrastructure/openai"
	"github.com/deepgram/sigpull/internal/infrastructure/redis"
	"github.com/deepgram/sigpull/internal/infrastructure/signalchannel"
	"github.com/deepgram/sigpull/internal/infrastructure/signalpull"
	"github.com/deepgram/sigpull/internal/retry"
	"github.com/deepgram/sigpull/internal/services/chat"
	"github.com/deepgram/sigpull/internal/services/store"
	"github.com/deepgram/sigpull/internal/services/syncer"
	"github.com/deepgram/sigpull/internal/services/tools"
	"github.com/rs/zerolog/log"
	goopenai "github.com/sashabaranov/go-openai"
)

var (
	// Mutex for thread-safe initialization
	servicesMu sync.RWMutex
)

type Services struct {
	cfg           *config.Config
	issuer        *auth.Issuer
	openAIService *openai.Service
	pullService   *signalpull.Service
	redisService  *redis.Service
	storeService  *store.Service
	toolService   *tools.Service
	toolExecutor  *tools.ToolExecutor
}

// InitializeServices wires the client side of a Signal-Pull deployment
func InitializeServices(cfg *config.Config) (*Services, error) {
	servicesMu.Lock()
	defer servicesMu.Unlock()

	log.Info().Msg("Initializing core services")

	issuer := auth.NewIssuer(cfg.Server.JWTSecret, cfg.Server.ClientID)
	if issuer == nil {
		log.Info().Msg("No JWT secret configured - requests are sent without a bearer token")
	}

	pullService := signalpull.NewService(cfg.Server.BaseURL, cfg.Server.RequestTimeout, issuer)
	log.Info().Str("base_url", cfg.Server.BaseURL).Msg("Initializing pull client")

	// Initialize Redis service (optional)
	var redisService *redis.Service
	if cfg.Store.Driver == "redis" {
		redisService = redis.NewService(cfg.Redis.URL, cfg.Redis.Password, cfg.Redis.DB)
		log.Info().Msg("Initializing Redis service")
	}

	backend, err := store.NewBackend(cfg.Store.Driver, cfg.Store.Path, redisService)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize message store: %w", err)
	}
	storeService := store.NewService(backend)
	log.Info().Str("driver", cfg.Store.Driver).Msg("Initializing message store")

	toolService, err := tools.NewService(cfg.Tools.CatalogPath, cfg.Tools.AlwaysApprove)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tool service: %w", err)
	}
	toolExecutor, err := tools.NewToolExecutor(cfg.Tools.Workspace, cfg.Tools.CommandTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tool executor: %w", err)
	}
	log.Info().Int("tools", len(toolService.GetTools())).Msg("Initializing tool service")

	// Initialize OpenAI service (optional; only the chat command needs it)
	openAIService := openai.NewService(cfg.LLM.APIKey, cfg.LLM.BaseURL)

	log.Info().Msg("All services initialized successfully")

	return &Services{
		cfg:           cfg,
		issuer:        issuer,
		openAIService: openAIService,
		pullService:   pullService,
		redisService:  redisService,
		storeService:  storeService,
		toolService:   toolService,
		toolExecutor:  toolExecutor,
	}, nil
}

// NewListener builds a listener and the signal channel that feeds it
func (s *Services) NewListener(contextID string, observer syncer.StateObserver) (*syncer.Listener, *signalchannel.Channel) {
	sc := s.cfg.Sync

	listener := syncer.NewListener(syncer.ListenerConfig{
		ContextID:        contextID,
		PageSize:         sc.PageSize,
		RefreshPerMinute: sc.RefreshPerMinute,
		Completion: retry.Config{
			MaxRetries:     3,
			InitialBackoff: sc.ReconnectBackoff,
			MaxBackoff:     sc.MaxReconnectBackoff,
		},
	}, s.pullService, s.storeService, observer)

	channel := signalchannel.New(signalchannel.Config{
		URL: s.cfg.Server.WebSocketURL,
		Timeouts: connections.TimeoutConfig{
			PongWait:   sc.PongWait,
			PingPeriod: sc.PingPeriod,
			WriteWait:  sc.WriteWait,
		},
		MaxReconnectAttempts: sc.MaxReconnectAttempts,
		ReconnectBackoff:     sc.ReconnectBackoff,
		MaxReconnectBackoff:  sc.MaxReconnectBackoff,
	}, contextID, s.issuer)

	return listener, channel
}

// NewMachine builds an interaction engine for one context
func (s *Services) NewMachine(contextID string, sink chat.FragmentSink, observer chat.Observer) (*chat.Machine, error) {
	if s.openAIService == nil {
		return nil, fmt.Errorf("OpenAI service not configured - set OPENAI_KEY or llm.api_key")
	}
	client := s.openAIService.GetClient()

	parsingModel := s.cfg.LLM.ParsingModel
	if parsingModel == "" {
		parsingModel = s.cfg.LLM.Model
	}

	return chat.NewMachine(chat.MachineConfig{
		ContextID:     contextID,
		MaxToolRounds: s.cfg.Chat.MaxToolRounds,
	}, s.toolService, chat.Collaborators{
		Prompts:     chat.NewPresetPromptResolver(s.pullService, s.cfg.Chat.SystemPromptID, s.cfg.Chat.BasePrompt),
		Completions: chat.NewOpenAICompletionService(client, s.cfg.LLM.Model, s.cfg.LLM.Temperature, s.toolService),
		Parameters:  chat.NewAIParameterResolver(client, parsingModel, s.toolService),
		Approvals:   s.toolService,
		Executor:    s.toolExecutor,
		Sink:        sink,
		Store:       s.storeService,
		Observer:    observer,
	}), nil
}

// OpenAIClient returns the configured client, or nil
func (s *Services) OpenAIClient() *goopenai.Client {
	if s.openAIService == nil {
		return nil
	}
	return s.openAIService.GetClient()
}

// GetPullService returns the pull client
func (s *Services) GetPullService() *signalpull.Service {
	return s.pullService
}

// GetStoreService returns the message store
func (s *Services) GetStoreService() *store.Service {
	return s.storeService
}

// GetToolService returns the tool service
func (s *Services) GetToolService() *tools.Service {
	return s.toolService
}

// Close releases the store backend and the Redis connection
func (s *Services) Close() error {
	err := s.storeService.Close()
	if s.redisService != nil {
		if cerr := s.redisService.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
