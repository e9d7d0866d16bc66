package report

import (
	"bufio"
	"bytes"
	"strings"
	"unicode/utf8"

	"scanhub/internal/domain/scan"
)

// TextImporter is the catch-all for products that only emit plain text.
// Each non-empty line becomes one finding. A line may carry a leading
// severity tag ("HIGH: weak cipher in use"); untagged lines map to INFO.
//
// Register this importer last: it accepts anything textual, so earlier
// structured importers must get the first look.
type TextImporter struct{}

func NewTextImporter() *TextImporter { return &TextImporter{} }

func (TextImporter) Name() string { return "plain-text" }

func (TextImporter) CanImport(param ImportParameter) bool {
	trimmed := bytes.TrimSpace(param.Payload)
	return len(trimmed) > 0 && utf8.Valid(trimmed)
}

func (TextImporter) Import(param ImportParameter) ([]scan.Finding, error) {
	var findings []scan.Finding

	scanner := bufio.NewScanner(bytes.NewReader(param.Payload))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		severity := scan.SeverityInfo
		name := line
		if idx := strings.IndexByte(line, ':'); idx > 0 {
			if tagged := scan.ParseSeverity(line[:idx]); tagged != scan.SeverityUnclassified {
				severity = tagged
				name = strings.TrimSpace(line[idx+1:])
			}
		}
		if name == "" {
			name = line
		}

		findings = append(findings, scan.Finding{
			Severity: severity,
			Name:     name,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return findings, nil
}
