package llms

import (
	"errors"
	"fmt"

	"github.com/kadirpekel/coda/pkg/config"
	"github.com/kadirpekel/coda/pkg/registry"
)

// ErrUnloadUnsupported is returned by providers whose backend has no way to
// evict a model. The model manager treats it as "drop the handle and move
// on".
var ErrUnloadUnsupported = errors.New("provider does not support unload")

// ProviderFactory constructs a provider from its configuration.
type ProviderFactory func(cfg *config.ModelConfig) (LLMProvider, error)

// providerRegistry maps provider names to factories so alternative
// backends can be registered without touching the factory switch.
var providerRegistry = registry.NewBaseRegistry[ProviderFactory]()

func init() {
	_ = RegisterProvider(string(config.ModelProviderOllama), func(cfg *config.ModelConfig) (LLMProvider, error) {
		return NewOllamaProvider(cfg)
	})
	_ = RegisterProvider(string(config.ModelProviderOpenAI), func(cfg *config.ModelConfig) (LLMProvider, error) {
		return NewOpenAIProvider(cfg)
	})
	_ = RegisterProvider(string(config.ModelProviderAnthropic), func(cfg *config.ModelConfig) (LLMProvider, error) {
		return NewAnthropicProvider(cfg)
	})
	_ = RegisterProvider(string(config.ModelProviderGemini), func(cfg *config.ModelConfig) (LLMProvider, error) {
		return NewGeminiProvider(cfg)
	})
}

// RegisterProvider makes a provider factory available under name.
func RegisterProvider(name string, factory ProviderFactory) error {
	return providerRegistry.Register(name, factory)
}

// New creates a provider from configuration.
func New(cfg *config.ModelConfig) (LLMProvider, error) {
	if cfg == nil {
		return nil, fmt.Errorf("model config is required")
	}

	factory, ok := providerRegistry.Get(string(cfg.Provider))
	if !ok {
		return nil, fmt.Errorf("unknown model provider: %s", cfg.Provider)
	}

	return factory(cfg)
}
