package scan

import "strings"

// Severity is the canonical ordinal scale every product output is mapped into.
// Unknown vocabularies map to SeverityUnclassified, never dropped.
type Severity int

const (
	SeverityUnclassified Severity = iota
	SeverityInfo
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

var severityNames = map[Severity]string{
	SeverityUnclassified: "UNCLASSIFIED",
	SeverityInfo:         "INFO",
	SeverityLow:          "LOW",
	SeverityMedium:       "MEDIUM",
	SeverityHigh:         "HIGH",
	SeverityCritical:     "CRITICAL",
}

func (s Severity) String() string {
	if name, ok := severityNames[s]; ok {
		return name
	}
	return "UNCLASSIFIED"
}

func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Severity) UnmarshalText(text []byte) error {
	*s = ParseSeverity(string(text))
	return nil
}

// ParseSeverity maps arbitrary product vocabulary onto the canonical scale.
func ParseSeverity(value string) Severity {
	switch strings.ToUpper(strings.TrimSpace(value)) {
	case "CRITICAL", "BLOCKER":
		return SeverityCritical
	case "HIGH", "ERROR":
		return SeverityHigh
	case "MEDIUM", "WARNING", "MODERATE":
		return SeverityMedium
	case "LOW", "MINOR":
		return SeverityLow
	case "INFO", "INFORMATIONAL", "NOTE", "NONE":
		return SeverityInfo
	default:
		return SeverityUnclassified
	}
}

// Location points into scanned sources. Zero value means "no location".
type Location struct {
	File   string `json:"file,omitempty"`
	Line   int    `json:"line,omitempty"`
	Column int    `json:"column,omitempty"`
}

// Finding is the normalized unit produced by the report merge engine.
type Finding struct {
	Severity    Severity  `json:"severity"`
	ScanType    ScanType  `json:"scanType"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Location    *Location `json:"location,omitempty"`
	Target      string    `json:"target,omitempty"`
	ProductID   string    `json:"productId,omitempty"`
}

// TrafficLight is the aggregate severity verdict for a job. It is derived,
// never persisted.
type TrafficLight string

const (
	TrafficLightRed    TrafficLight = "RED"
	TrafficLightYellow TrafficLight = "YELLOW"
	TrafficLightGreen  TrafficLight = "GREEN"
	TrafficLightOff    TrafficLight = "OFF"
)

// CalculateTrafficLight computes the verdict purely from the finding set.
// anyProductRan distinguishes a clean scan (GREEN) from a job where nothing
// could run at all (OFF).
func CalculateTrafficLight(findings []Finding, anyProductRan bool) TrafficLight {
	if len(findings) == 0 {
		if anyProductRan {
			return TrafficLightGreen
		}
		return TrafficLightOff
	}

	light := TrafficLightGreen
	for _, finding := range findings {
		switch finding.Severity {
		case SeverityCritical, SeverityHigh:
			return TrafficLightRed
		case SeverityMedium, SeverityLow:
			light = TrafficLightYellow
		}
	}
	return light
}
