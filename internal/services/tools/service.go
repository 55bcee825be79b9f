package tools

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/deepgram/sigpull/internal/config"
	"github.com/deepgram/sigpull/pkg/logger"
	"github.com/rs/zerolog"
	"github.com/sashabaranov/go-openai"
)

// ErrUnknownTool is returned for names missing from the catalog
var ErrUnknownTool = errors.New("unknown tool")

// Service exposes the tool catalog to the model and answers approval queries
type Service struct {
	mu            sync.RWMutex
	tools         []openai.Tool
	definitions   map[string]config.ToolDefinition
	alwaysApprove map[string]struct{}
	log           zerolog.Logger
}

// NewService loads the catalog. An empty path uses the built-in catalog.
// Tools named in alwaysApprove never ask for approval.
func NewService(catalogPath string, alwaysApprove []string) (*Service, error) {
	toolsConfig, err := config.LoadToolsConfig(catalogPath)
	if err != nil {
		return nil, err
	}

	s := &Service{
		definitions:   make(map[string]config.ToolDefinition, len(toolsConfig.Tools)),
		alwaysApprove: make(map[string]struct{}, len(alwaysApprove)),
		log:           logger.With(logger.TOOLS),
	}

	for _, toolDef := range toolsConfig.Tools {
		s.definitions[toolDef.Name] = toolDef
		s.tools = append(s.tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        toolDef.Name,
				Description: toolDef.Description,
				Parameters:  toolDef.Parameters,
			},
		})
	}

	for _, name := range alwaysApprove {
		if _, ok := s.definitions[name]; !ok {
			s.log.Warn().Str("tool", name).Msg("always_approve names a tool missing from the catalog")
			continue
		}
		s.alwaysApprove[name] = struct{}{}
	}

	return s, nil
}

// GetTools returns the catalog as model tool definitions
func (s *Service) GetTools() []openai.Tool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tools
}

// Definition looks up a tool by name
func (s *Service) Definition(name string) (config.ToolDefinition, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	def, ok := s.definitions[name]
	return def, ok
}

// Strategy returns the tool's parameter parsing strategy, DirectParameters
// for unknown tools
func (s *Service) Strategy(name string) string {
	if def, ok := s.Definition(name); ok {
		return def.ParameterParsingStrategy
	}
	return config.DirectParameters
}

// PrimaryParameter names the parameter that receives a whole description
func (s *Service) PrimaryParameter(name string) string {
	def, _ := s.Definition(name)
	return def.PrimaryParameter
}

// RequiresApproval reports whether a human must approve the call
func (s *Service) RequiresApproval(ctx context.Context, name string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	def, ok := s.definitions[name]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	if _, ok := s.alwaysApprove[name]; ok {
		return false, nil
	}
	return def.RequiresApproval, nil
}
