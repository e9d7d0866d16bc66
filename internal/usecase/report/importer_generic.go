package report

import (
	"encoding/json"
	"fmt"
	"strings"

	"scanhub/internal/domain/scan"
)

// GenericImporter parses the scanhub generic result format:
//
//	{"findings":[{"severity":"HIGH","type":"web","name":"...","description":"...",
//	  "file":"...","line":1,"column":2,"target":"https://..."}]}
//
// Wrapper scripts around products without a native importer emit this shape.
type GenericImporter struct{}

func NewGenericImporter() *GenericImporter { return &GenericImporter{} }

func (GenericImporter) Name() string { return "generic" }

type genericDocument struct {
	Findings []genericFinding `json:"findings"`
}

type genericFinding struct {
	Severity    string `json:"severity"`
	Type        string `json:"type"`
	Name        string `json:"name"`
	Description string `json:"description"`
	File        string `json:"file"`
	Line        int    `json:"line"`
	Column      int    `json:"column"`
	Target      string `json:"target"`
}

func (GenericImporter) CanImport(param ImportParameter) bool {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(param.Payload, &probe); err != nil {
		return false
	}
	_, ok := probe["findings"]
	return ok
}

func (GenericImporter) Import(param ImportParameter) ([]scan.Finding, error) {
	var doc genericDocument
	if err := json.Unmarshal(param.Payload, &doc); err != nil {
		return nil, fmt.Errorf("parse generic payload: %w", err)
	}

	findings := make([]scan.Finding, 0, len(doc.Findings))
	for _, item := range doc.Findings {
		finding := scan.Finding{
			Severity:    scan.ParseSeverity(item.Severity),
			ScanType:    scan.ScanType(strings.ToLower(strings.TrimSpace(item.Type))),
			Name:        item.Name,
			Description: item.Description,
			Target:      item.Target,
		}
		if item.File != "" {
			finding.Location = &scan.Location{
				File:   item.File,
				Line:   item.Line,
				Column: item.Column,
			}
		}
		findings = append(findings, finding)
	}
	return findings, nil
}
