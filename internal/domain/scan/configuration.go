package scan

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ScanType identifies one class of scanner product.
type ScanType string

const (
	ScanTypeCode    ScanType = "code"
	ScanTypeWeb     ScanType = "web"
	ScanTypeInfra   ScanType = "infra"
	ScanTypeLicense ScanType = "license"
	ScanTypeSecret  ScanType = "secret"
)

var knownScanTypes = map[ScanType]struct{}{
	ScanTypeCode:    {},
	ScanTypeWeb:     {},
	ScanTypeInfra:   {},
	ScanTypeLicense: {},
	ScanTypeSecret:  {},
}

// Section configures one delegated product execution inside a job.
//
// UseSchedulerStorage selects which job storage instance the execution uses
// (true: scheduler-managed, false: execution-local). It is a required,
// explicit parameter. A nil value is rejected instead of guessing a default.
type Section struct {
	Type                ScanType          `json:"type"`
	Product             string            `json:"product"`
	Parameters          map[string]string `json:"parameters,omitempty"`
	UseSchedulerStorage *bool             `json:"useSchedulerStorage"`
}

// Configuration is the flat scan configuration submitted with a job.
type Configuration struct {
	Sections []Section `json:"sections"`
}

func ParseConfiguration(raw []byte) (Configuration, error) {
	var cfg Configuration
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return Configuration{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if err := cfg.Validate(); err != nil {
		return Configuration{}, err
	}
	return cfg, nil
}

func (c Configuration) Validate() error {
	if len(c.Sections) == 0 {
		return fmt.Errorf("%w: at least one scan section is required", ErrValidation)
	}
	seen := make(map[string]struct{}, len(c.Sections))
	for i, section := range c.Sections {
		if _, ok := knownScanTypes[section.Type]; !ok {
			return fmt.Errorf("%w: section %d has unknown scan type %q", ErrValidation, i, section.Type)
		}
		if strings.TrimSpace(section.Product) == "" {
			return fmt.Errorf("%w: section %d is missing a product id", ErrValidation, i)
		}
		if section.UseSchedulerStorage == nil {
			return fmt.Errorf("%w: section %d does not define useSchedulerStorage", ErrValidation, i)
		}
		if _, dup := seen[section.Product]; dup {
			return fmt.Errorf("%w: product %q appears in more than one section", ErrValidation, section.Product)
		}
		seen[section.Product] = struct{}{}
	}
	return nil
}
