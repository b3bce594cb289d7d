package generation

import (
	"log/slog"

	"github.com/quizforge/quizforge/internal/reqctx"
	"github.com/quizforge/quizforge/internal/subscription"
)

// Factory selects the service implementation for a request context.
type Factory struct {
	basic   *Service
	premium *Service
	logger  *slog.Logger
}

// NewFactory builds the two tier services over shared collaborators.
func NewFactory(gate Gatekeeper, providers ProviderSource, tracker Recorder, logger *slog.Logger) *Factory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Factory{
		basic:   NewBasicService(gate, providers, tracker, logger),
		premium: NewPremiumService(gate, providers, tracker, logger),
		logger:  logger,
	}
}

// ServiceFor dispatches on the subscription tier. An unrecognized tier
// falls back to the basic service; the plan itself was already normalized
// to free at subscription load, so the fallback only guards contexts built
// outside the provider.
func (f *Factory) ServiceFor(rc *reqctx.Context) Runner {
	switch rc.Subscription.Tier {
	case subscription.TierPremium:
		return f.premium
	case subscription.TierBasic:
		return f.basic
	default:
		f.logger.Warn("unknown subscription tier, serving as free",
			"user_id", rc.UserID, "tier", rc.Subscription.Tier)
		return f.basic
	}
}
