package config

import "github.com/rs/zerolog/log"

// GetOpenAIKey returns the OpenAI key from OPENAI_KEY or OPENAI_API_KEY
func GetOpenAIKey() string {
	value := GetEnvOrDefault("OPENAI_KEY", GetEnvOrDefault("OPENAI_API_KEY", ""))
	if value == "" {
		log.Warn().Msg("OpenAI key not set - model streaming will be unavailable")
	}
	return value
}
