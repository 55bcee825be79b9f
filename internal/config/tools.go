package config

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
)

//go:embed tools.json
var defaultToolsJSON []byte

// Parameter parsing strategies understood by the interaction engine
const (
	AIParameterParsing = "AIParameterParsing"
	DirectParameters   = "DirectParameters"
)

type ToolDefinition struct {
	Name                     string                 `json:"name"`
	Description              string                 `json:"description"`
	Parameters               map[string]interface{} `json:"parameters"`
	ParameterParsingStrategy string                 `json:"parameter_parsing_strategy"`
	PrimaryParameter         string                 `json:"primary_parameter,omitempty"`
	RequiresApproval         bool                   `json:"requires_approval"`
}

type ToolsConfig struct {
	Tools []ToolDefinition `json:"tools"`
}

// LoadToolsConfig reads a tools catalog. An empty path loads the built-in catalog.
func LoadToolsConfig(configPath string) (*ToolsConfig, error) {
	data := defaultToolsJSON
	if configPath != "" {
		var err error
		data, err = os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read tools config: %w", err)
		}
	}

	var config ToolsConfig
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse tools config: %w", err)
	}

	seen := make(map[string]struct{}, len(config.Tools))
	for i, tool := range config.Tools {
		if tool.Name == "" {
			return nil, fmt.Errorf("tool %d has no name", i)
		}
		if _, dup := seen[tool.Name]; dup {
			return nil, fmt.Errorf("duplicate tool definition: %s", tool.Name)
		}
		seen[tool.Name] = struct{}{}

		switch tool.ParameterParsingStrategy {
		case "":
			config.Tools[i].ParameterParsingStrategy = DirectParameters
		case AIParameterParsing, DirectParameters:
		default:
			return nil, fmt.Errorf("tool %s: unknown parameter parsing strategy %q", tool.Name, tool.ParameterParsingStrategy)
		}
	}

	return &config, nil
}
