// internal/reasoner/reasoner.go
package reasoner

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/deskhand/internal/agent"
	"github.com/xkilldash9x/deskhand/internal/config"
)

// New is a factory that creates the configured reasoning service client. Both
// backends speak to the same Gemini models; "gemini-http" talks to the REST
// endpoint directly, "genai" goes through the official SDK.
func New(cfg config.ReasonerConfig, logger *zap.Logger) (agent.Reasoner, error) {
	switch cfg.Provider {
	case config.ProviderGeminiHTTP:
		return NewGeminiHTTP(cfg, logger)
	case config.ProviderGenAI:
		return NewGenAI(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown or unsupported reasoner provider: '%s'. Supported: [%s, %s]",
			cfg.Provider, config.ProviderGeminiHTTP, config.ProviderGenAI)
	}
}
