package report

import (
	"encoding/json"
	"fmt"
	"strings"

	"scanhub/internal/domain/scan"
)

// SarifImporter parses the subset of SARIF 2.1.0 that scanner products
// actually emit: runs with results, rule metadata and physical locations.
type SarifImporter struct{}

func NewSarifImporter() *SarifImporter { return &SarifImporter{} }

func (SarifImporter) Name() string { return "sarif" }

type sarifDocument struct {
	Version string     `json:"version"`
	Runs    []sarifRun `json:"runs"`
}

type sarifRun struct {
	Tool    sarifTool     `json:"tool"`
	Results []sarifResult `json:"results"`
}

type sarifTool struct {
	Driver sarifDriver `json:"driver"`
}

type sarifDriver struct {
	Name  string      `json:"name"`
	Rules []sarifRule `json:"rules"`
}

type sarifRule struct {
	ID               string            `json:"id"`
	Name             string            `json:"name"`
	ShortDescription *sarifMessage     `json:"shortDescription"`
	Properties       map[string]string `json:"properties"`
}

type sarifResult struct {
	RuleID    string          `json:"ruleId"`
	Level     string          `json:"level"`
	Message   sarifMessage    `json:"message"`
	Locations []sarifLocation `json:"locations"`
}

type sarifMessage struct {
	Text string `json:"text"`
}

type sarifLocation struct {
	PhysicalLocation sarifPhysicalLocation `json:"physicalLocation"`
}

type sarifPhysicalLocation struct {
	ArtifactLocation sarifArtifactLocation `json:"artifactLocation"`
	Region           sarifRegion           `json:"region"`
}

type sarifArtifactLocation struct {
	URI string `json:"uri"`
}

type sarifRegion struct {
	StartLine   int `json:"startLine"`
	StartColumn int `json:"startColumn"`
}

func (SarifImporter) CanImport(param ImportParameter) bool {
	var doc sarifDocument
	if err := json.Unmarshal(param.Payload, &doc); err != nil {
		return false
	}
	return doc.Version != "" && doc.Runs != nil
}

func (imp SarifImporter) Import(param ImportParameter) ([]scan.Finding, error) {
	var doc sarifDocument
	if err := json.Unmarshal(param.Payload, &doc); err != nil {
		return nil, fmt.Errorf("parse sarif payload: %w", err)
	}

	var findings []scan.Finding
	for _, run := range doc.Runs {
		rulesByID := make(map[string]sarifRule, len(run.Tool.Driver.Rules))
		for _, rule := range run.Tool.Driver.Rules {
			rulesByID[rule.ID] = rule
		}

		for _, result := range run.Results {
			finding := scan.Finding{
				Severity:    sarifLevelToSeverity(result.Level, rulesByID[result.RuleID]),
				Name:        sarifFindingName(result, rulesByID[result.RuleID]),
				Description: result.Message.Text,
			}
			if location, ok := sarifFirstLocation(result); ok {
				finding.Location = location
			}
			findings = append(findings, finding)
		}
	}
	return findings, nil
}

func sarifLevelToSeverity(level string, rule sarifRule) scan.Severity {
	// A security-severity rule property is more precise than the level.
	if raw, ok := rule.Properties["security-severity"]; ok {
		if severity := securityScoreToSeverity(raw); severity != scan.SeverityUnclassified {
			return severity
		}
	}

	switch strings.ToLower(strings.TrimSpace(level)) {
	case "error":
		return scan.SeverityHigh
	case "warning":
		return scan.SeverityMedium
	case "note", "none":
		return scan.SeverityInfo
	default:
		return scan.SeverityUnclassified
	}
}

func securityScoreToSeverity(raw string) scan.Severity {
	var score float64
	if _, err := fmt.Sscanf(strings.TrimSpace(raw), "%f", &score); err != nil {
		return scan.SeverityUnclassified
	}
	switch {
	case score >= 9.0:
		return scan.SeverityCritical
	case score >= 7.0:
		return scan.SeverityHigh
	case score >= 4.0:
		return scan.SeverityMedium
	case score > 0:
		return scan.SeverityLow
	default:
		return scan.SeverityInfo
	}
}

func sarifFindingName(result sarifResult, rule sarifRule) string {
	if rule.Name != "" {
		return rule.Name
	}
	if rule.ShortDescription != nil && rule.ShortDescription.Text != "" {
		return rule.ShortDescription.Text
	}
	if result.RuleID != "" {
		return result.RuleID
	}
	return firstLine(result.Message.Text)
}

func sarifFirstLocation(result sarifResult) (*scan.Location, bool) {
	for _, location := range result.Locations {
		uri := location.PhysicalLocation.ArtifactLocation.URI
		if uri == "" {
			continue
		}
		return &scan.Location{
			File:   uri,
			Line:   location.PhysicalLocation.Region.StartLine,
			Column: location.PhysicalLocation.Region.StartColumn,
		}, true
	}
	return nil, false
}

func firstLine(value string) string {
	trimmed := strings.TrimSpace(value)
	if idx := strings.IndexByte(trimmed, '\n'); idx >= 0 {
		return strings.TrimSpace(trimmed[:idx])
	}
	return trimmed
}
