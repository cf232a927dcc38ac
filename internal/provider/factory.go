package provider

import (
	"fmt"
	"log/slog"

	"wecombot/internal/config"
)

// New builds the provider selected by cfg.Kind.
func New(cfg config.ProviderConfig, logger *slog.Logger) (Provider, error) {
	switch cfg.Kind {
	case "", "echo":
		return NewEcho(EchoConfig{}), nil
	case "ollama":
		return NewOllama(OllamaConfig{
			APIBase:      cfg.APIBase,
			DefaultModel: cfg.Model,
			Logger:       logger,
		}), nil
	default:
		return nil, fmt.Errorf("unknown provider kind %q", cfg.Kind)
	}
}
