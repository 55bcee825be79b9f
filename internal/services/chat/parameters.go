package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/deepgram/sigpull/internal/config"
	"github.com/deepgram/sigpull/internal/domain/chat/models"
	"github.com/deepgram/sigpull/pkg/logger"
	"github.com/rs/zerolog"
	"github.com/sashabaranov/go-openai"
	"github.com/tidwall/gjson"
)

// fallbackParameter receives descriptions that name no parameter
const fallbackParameter = "input"

var ErrParsingUnavailable = errors.New("parameter parsing model not configured")

// DirectParameters derives parameters without a model. A JSON object maps key
// by key, otherwise the whole description goes to the primary parameter.
func DirectParameters(description, primary string) []models.Parameter {
	if obj := jsonObject(description); obj.Exists() {
		return objectParameters(obj)
	}
	if primary == "" {
		primary = fallbackParameter
	}
	return []models.Parameter{{Name: primary, Value: description}}
}

// SchemaSource looks up a tool's parameter schema
type SchemaSource interface {
	Definition(name string) (config.ToolDefinition, bool)
}

// AIParameterResolver extracts structured parameters from free text using
// the model's JSON mode
type AIParameterResolver struct {
	client  *openai.Client
	model   string
	schemas SchemaSource
	log     zerolog.Logger
}

func NewAIParameterResolver(client *openai.Client, model string, schemas SchemaSource) *AIParameterResolver {
	return &AIParameterResolver{client: client, model: model, schemas: schemas, log: logger.With(logger.CHAT)}
}

func (r *AIParameterResolver) Resolve(ctx context.Context, req models.ToolCallRequest) ([]models.Parameter, error) {
	def, ok := r.schemas.Definition(req.ToolName)
	if !ok {
		return nil, fmt.Errorf("no schema for tool %s", req.ToolName)
	}

	// Model-issued calls usually carry JSON already
	if obj := jsonObject(req.UserDescription); obj.Exists() {
		if err := checkRequired(def, obj); err == nil {
			return objectParameters(obj), nil
		}
	}

	if r.client == nil {
		return nil, ErrParsingUnavailable
	}

	schema, err := json.Marshal(def.Parameters)
	if err != nil {
		return nil, fmt.Errorf("failed to encode schema for %s: %w", req.ToolName, err)
	}

	r.log.Debug().Str("tool", req.ToolName).Msg("Parsing tool parameters with model")

	resp, err := r.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: r.model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role: openai.ChatMessageRoleSystem,
				Content: fmt.Sprintf("Extract the arguments for the %q tool from the user's request. "+
					"Reply with a single JSON object that matches this JSON schema and nothing else:\n%s", req.ToolName, schema),
			},
			{Role: openai.ChatMessageRoleUser, Content: req.UserDescription},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse parameters: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no response choices returned")
	}

	obj := jsonObject(resp.Choices[0].Message.Content)
	if !obj.Exists() {
		return nil, fmt.Errorf("model returned non-object parameters for %s", req.ToolName)
	}
	if err := checkRequired(def, obj); err != nil {
		return nil, err
	}
	return objectParameters(obj), nil
}

func checkRequired(def config.ToolDefinition, obj gjson.Result) error {
	required, _ := def.Parameters["required"].([]interface{})
	var missing []string
	for _, field := range required {
		name, _ := field.(string)
		if name != "" && !obj.Get(gjson.Escape(name)).Exists() {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required parameters for %s: %s", def.Name, strings.Join(missing, ", "))
	}
	return nil
}

func jsonObject(s string) gjson.Result {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "{") || !gjson.Valid(s) {
		return gjson.Result{}
	}
	return gjson.Parse(s)
}

func objectParameters(obj gjson.Result) []models.Parameter {
	var params []models.Parameter
	obj.ForEach(func(key, value gjson.Result) bool {
		params = append(params, models.Parameter{Name: key.String(), Value: value.String()})
		return true
	})
	return params
}
