package report

import (
	"encoding/json"

	"scanhub/internal/domain/scan"
)

type MessageType string

const (
	MessageError   MessageType = "ERROR"
	MessageWarning MessageType = "WARNING"
	MessageInfo    MessageType = "INFO"
)

// Message is a user-visible note inside the final report. Failures always end
// up here, not only in server logs, so "zero findings because nothing could
// run" stays distinguishable from "zero findings because the scan was clean".
type Message struct {
	Type MessageType `json:"type"`
	Text string      `json:"text"`
}

type Result struct {
	Count    int            `json:"count"`
	Findings []scan.Finding `json:"findings"`
}

// Report is the merged, normalized output of one job. The zero value
// marshals to `{}`.
type Report struct {
	Status       string            `json:"status,omitempty"`
	Messages     []Message         `json:"messages,omitempty"`
	TrafficLight scan.TrafficLight `json:"trafficLight,omitempty"`
	Result       *Result           `json:"result,omitempty"`
}

func (r Report) ToJSON() ([]byte, error) {
	return json.Marshal(r)
}

// Build assembles the report from accumulated findings and messages.
// anyProductRan decides between GREEN and OFF when there are no findings.
func Build(status string, findings []scan.Finding, messages []Message, anyProductRan bool) Report {
	built := Report{
		Status:       status,
		Messages:     messages,
		TrafficLight: scan.CalculateTrafficLight(findings, anyProductRan),
	}
	if len(findings) > 0 || anyProductRan {
		built.Result = &Result{
			Count:    len(findings),
			Findings: findings,
		}
	}
	return built
}
