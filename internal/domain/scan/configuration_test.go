package scan

import (
	"errors"
	"testing"
)

func TestParseConfiguration(t *testing.T) {
	raw := []byte(`{
		"sections": [
			{"type": "code", "product": "gosec", "useSchedulerStorage": true},
			{"type": "web", "product": "zap-baseline", "parameters": {"target": "https://example.org"}, "useSchedulerStorage": false}
		]
	}`)

	cfg, err := ParseConfiguration(raw)
	if err != nil {
		t.Fatalf("ParseConfiguration() error = %v", err)
	}
	if len(cfg.Sections) != 2 {
		t.Fatalf("sections = %d, want 2", len(cfg.Sections))
	}
	if cfg.Sections[1].Parameters["target"] != "https://example.org" {
		t.Fatalf("parameters[target] = %q", cfg.Sections[1].Parameters["target"])
	}
}

func TestParseConfigurationRejects(t *testing.T) {
	cases := map[string]string{
		"not json":        `{"sections": [`,
		"no sections":     `{"sections": []}`,
		"unknown type":    `{"sections": [{"type": "quantum", "product": "x", "useSchedulerStorage": true}]}`,
		"missing product": `{"sections": [{"type": "code", "product": " ", "useSchedulerStorage": true}]}`,
		"missing storage": `{"sections": [{"type": "code", "product": "gosec"}]}`,
		"duplicate product": `{"sections": [` +
			`{"type": "code", "product": "gosec", "useSchedulerStorage": true},` +
			`{"type": "secret", "product": "gosec", "useSchedulerStorage": false}]}`,
	}
	for name, raw := range cases {
		if _, err := ParseConfiguration([]byte(raw)); !errors.Is(err, ErrValidation) {
			t.Fatalf("%s: ParseConfiguration() error = %v, want ErrValidation", name, err)
		}
	}
}
