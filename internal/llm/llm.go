// Package llm holds the language-model backend clients. Each backend
// implements models.LLMProvider; task workers pick a backend by the provider
// name carried in the model registry entry.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/promptbatch/promptbatch/internal/config"
	"github.com/promptbatch/promptbatch/pkg/models"
)

// NewProviderSet constructs one client per known backend, keyed by backend
// name. Built once at startup; the registry decides which backend serves
// which model.
func NewProviderSet(cfg config.LLMConfig) map[string]models.LLMProvider {
	return map[string]models.LLMProvider{
		"ollama":    NewOllamaClient(cfg.Ollama, cfg.InferenceTimeout),
		"openai":    NewOpenAIClient(cfg.OpenAI, cfg.InferenceTimeout),
		"anthropic": NewAnthropicClient(cfg.Anthropic, cfg.InferenceTimeout),
	}
}

// classifyError maps transport-level errors to sentinel errors.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrInferenceTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return fmt.Errorf("%w: %v", ErrInferenceTimeout, err)
		}
		return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}

	return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
}
