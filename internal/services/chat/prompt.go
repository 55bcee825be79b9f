package chat

import (
	"context"
	"fmt"
	"strings"

	"github.com/deepgram/sigpull/internal/domain/chat/models"
)

// PresetSource fetches named system prompts from the server
type PresetSource interface {
	GetSystemPrompt(ctx context.Context, promptID string) (*models.SystemPromptPreset, error)
}

// PresetPromptResolver builds the system prompt from a server preset when
// one is configured, else from the inline base prompt
type PresetPromptResolver struct {
	presets  PresetSource
	presetID string
	base     string
}

func NewPresetPromptResolver(presets PresetSource, presetID, base string) *PresetPromptResolver {
	return &PresetPromptResolver{presets: presets, presetID: presetID, base: base}
}

func (r *PresetPromptResolver) Resolve(ctx context.Context, custom string) (string, error) {
	core := r.base
	if r.presetID != "" {
		if r.presets == nil {
			return "", fmt.Errorf("system prompt %s configured without a preset source", r.presetID)
		}
		preset, err := r.presets.GetSystemPrompt(ctx, r.presetID)
		if err != nil {
			return "", fmt.Errorf("failed to fetch system prompt %s: %w", r.presetID, err)
		}
		core = preset.Content
	}

	if strings.TrimSpace(core) == "" {
		return "", fmt.Errorf("no system prompt configured")
	}

	sp := models.DefaultSystemPrompt(core)
	sp.SetCustom(custom)
	return sp.String(), nil
}
