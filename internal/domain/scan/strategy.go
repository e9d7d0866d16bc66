package scan

import "strings"

// Scheduling strategy identifiers. NormalizeStrategy falls back to
// first-come-first-served for unknown identifiers instead of failing startup.
const (
	StrategyFirstComeFirstServed = "first-come-first-served"
	StrategyOneScanPerProject    = "only-one-scan-per-project-at-a-time"
)

func NormalizeStrategy(id string) (strategy string, known bool) {
	switch strings.ToLower(strings.TrimSpace(id)) {
	case StrategyOneScanPerProject:
		return StrategyOneScanPerProject, true
	case StrategyFirstComeFirstServed:
		return StrategyFirstComeFirstServed, true
	default:
		return StrategyFirstComeFirstServed, false
	}
}
