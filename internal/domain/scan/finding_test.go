package scan

import "testing"

func TestParseSeverity(t *testing.T) {
	cases := map[string]Severity{
		"CRITICAL":  SeverityCritical,
		"blocker":   SeverityCritical,
		"High":      SeverityHigh,
		"error":     SeverityHigh,
		"warning":   SeverityMedium,
		"moderate":  SeverityMedium,
		"minor":     SeverityLow,
		"note":      SeverityInfo,
		"none":      SeverityInfo,
		"weird-123": SeverityUnclassified,
		"":          SeverityUnclassified,
	}
	for input, want := range cases {
		if got := ParseSeverity(input); got != want {
			t.Fatalf("ParseSeverity(%q) = %s, want %s", input, got, want)
		}
	}
}

func TestCalculateTrafficLight(t *testing.T) {
	if got := CalculateTrafficLight(nil, false); got != TrafficLightOff {
		t.Fatalf("no findings, nothing ran = %s, want OFF", got)
	}
	if got := CalculateTrafficLight(nil, true); got != TrafficLightGreen {
		t.Fatalf("no findings, products ran = %s, want GREEN", got)
	}

	infoOnly := []Finding{{Severity: SeverityInfo}, {Severity: SeverityUnclassified}}
	if got := CalculateTrafficLight(infoOnly, true); got != TrafficLightGreen {
		t.Fatalf("info-only = %s, want GREEN", got)
	}

	medium := []Finding{{Severity: SeverityInfo}, {Severity: SeverityLow}}
	if got := CalculateTrafficLight(medium, true); got != TrafficLightYellow {
		t.Fatalf("low = %s, want YELLOW", got)
	}

	red := []Finding{{Severity: SeverityMedium}, {Severity: SeverityCritical}}
	if got := CalculateTrafficLight(red, true); got != TrafficLightRed {
		t.Fatalf("critical = %s, want RED", got)
	}
}
