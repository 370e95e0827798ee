package risk

import "github.com/eddiefleurent/automation-orchestrator/internal/domain"

// FixedRegimeProvider is a reference RegimeProvider for dry-run and test
// wiring; production deployments supply a real regime classifier.
type FixedRegimeProvider struct {
	Regime domain.Regime
}

// Classify always returns the configured regime.
func (f FixedRegimeProvider) Classify(string) (domain.Regime, error) {
	if f.Regime == "" {
		return domain.RegimeTrend, nil
	}
	return f.Regime, nil
}
