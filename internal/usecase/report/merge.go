package report

import (
	"context"
	"errors"
	"fmt"

	"scanhub/internal/domain/scan"
)

// ImportParameter carries one product's raw result into the merge engine.
type ImportParameter struct {
	ProductID string
	ScanType  scan.ScanType
	Payload   []byte
	// Messages are pre-parsed product messages handed in by the caller, for
	// example an execution failure note. They pass through unchanged.
	Messages []Message
}

// Importer is one capability in the registry: it either recognizes a payload
// shape or it does not. Importers are iterated in registration order and the
// first acceptor wins.
type Importer interface {
	Name() string
	CanImport(param ImportParameter) bool
	Import(param ImportParameter) ([]scan.Finding, error)
}

// ImportError reports that no importer accepted a product payload, or that
// the accepting importer failed on a structurally invalid payload.
type ImportError struct {
	ProductID string
	Importer  string
	Err       error
}

func (e *ImportError) Error() string {
	if e.Importer == "" {
		return fmt.Sprintf("no importer available for product %s", e.ProductID)
	}
	return fmt.Sprintf("importer %s failed for product %s: %v", e.Importer, e.ProductID, e.Err)
}

func (e *ImportError) Unwrap() error { return e.Err }

// Engine merges heterogeneous product outputs into one canonical finding
// list. The importer registry is explicit and built at startup; there is no
// ambient global state.
type Engine struct {
	importers []Importer
}

func NewEngine(importers ...Importer) *Engine {
	return &Engine{importers: importers}
}

// MergeResult accumulates across Import calls for the same job. Findings from
// multiple products are appended, never overwritten or deduplicated here.
type MergeResult struct {
	Findings      []scan.Finding
	Messages      []Message
	AnyProductRan bool
}

// Import normalizes one product payload into the accumulated result.
func (e *Engine) Import(ctx context.Context, result *MergeResult, param ImportParameter) error {
	if ctx == nil {
		return errors.New("context is required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if result == nil {
		return errors.New("merge result is required")
	}

	result.Messages = append(result.Messages, param.Messages...)
	result.AnyProductRan = true

	importer, ok := e.selectImporter(param)
	if !ok {
		return &ImportError{ProductID: param.ProductID}
	}

	findings, err := importer.Import(param)
	if err != nil {
		return &ImportError{ProductID: param.ProductID, Importer: importer.Name(), Err: err}
	}

	for i := range findings {
		if findings[i].ScanType == "" {
			findings[i].ScanType = param.ScanType
		}
		if findings[i].ProductID == "" {
			findings[i].ProductID = param.ProductID
		}
	}
	result.Findings = append(result.Findings, findings...)
	return nil
}

// TrafficLight recomputes the verdict purely from the accumulated findings.
func (e *Engine) TrafficLight(result MergeResult) scan.TrafficLight {
	return scan.CalculateTrafficLight(result.Findings, result.AnyProductRan)
}

func (e *Engine) selectImporter(param ImportParameter) (Importer, bool) {
	for _, importer := range e.importers {
		if importer.CanImport(param) {
			return importer, true
		}
	}
	return nil, false
}
