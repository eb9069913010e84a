// Package quality classifies water-quality readings against fixed safety thresholds.
package quality

import (
	"fmt"
	"strconv"
	"strings"

	"cagewatch/internal/domain"
)

// Safety thresholds. Oxygen, nitrogen and phosphorus are in mg/L, temperature in °C.
const (
	OxygenMin      = 5.0
	NitrogenMax    = 0.1
	PhosphorusMax  = 0.1
	TemperatureMin = 24.0
	TemperatureMax = 37.0
)

// NormalExplanation is the explanation of a verdict with no violations.
const NormalExplanation = "all parameters within normal range"

type rule struct {
	parameter string
	limit     string
	value     func(domain.Reading) float64
	violated  func(float64) bool
	message   func(float64) string
}

// rules are checked in this order and every violation is reported.
var rules = []rule{
	{
		parameter: "oxygen",
		limit:     ">= 5 mg/L",
		value:     func(r domain.Reading) float64 { return r.Oxygen },
		violated:  func(v float64) bool { return v < OxygenMin },
		message: func(v float64) string {
			return fmt.Sprintf("Oxygen level dropped below normal (5 mg/L) to %s mg/L.", formatValue(v))
		},
	},
	{
		parameter: "nitrogen",
		limit:     "<= 0.1 mg/L",
		value:     func(r domain.Reading) float64 { return r.Nitrogen },
		violated:  func(v float64) bool { return v > NitrogenMax },
		message: func(v float64) string {
			return fmt.Sprintf("Nitrogen level exceeded safe limit (0.1 mg/L) to %s mg/L.", formatValue(v))
		},
	},
	{
		parameter: "phosphorus",
		limit:     "<= 0.1 mg/L",
		value:     func(r domain.Reading) float64 { return r.Phosphorus },
		violated:  func(v float64) bool { return v > PhosphorusMax },
		message: func(v float64) string {
			return fmt.Sprintf("Phosphorus level exceeded safe limit (0.1 mg/L) to %s mg/L.", formatValue(v))
		},
	},
	{
		parameter: "temperature",
		limit:     "24-37 °C",
		value:     func(r domain.Reading) float64 { return r.Temperature },
		violated:  func(v float64) bool { return v > TemperatureMax || v < TemperatureMin },
		message: func(v float64) string {
			return fmt.Sprintf("Temperature out of safe range (24°C - 37°C): currently %s°C.", formatValue(v))
		},
	},
}

// Evaluate returns the verdict for a reading. It has no side effects.
func Evaluate(r domain.Reading) domain.Verdict {
	violations := []domain.Violation{}
	for _, rl := range rules {
		v := rl.value(r)
		if !rl.violated(v) {
			continue
		}
		violations = append(violations, domain.Violation{
			Parameter: rl.parameter,
			Value:     v,
			Limit:     rl.limit,
			Message:   rl.message(v),
		})
	}
	if len(violations) == 0 {
		return domain.Verdict{Explanation: NormalExplanation, Violations: violations}
	}
	lines := make([]string, 0, len(violations))
	for _, v := range violations {
		lines = append(lines, v.Message)
	}
	return domain.Verdict{
		Abnormal:    true,
		Explanation: strings.Join(lines, "\n"),
		Violations:  violations,
	}
}

// Parameters lists the names of the violated parameters in rule order.
func Parameters(v domain.Verdict) []string {
	out := make([]string, 0, len(v.Violations))
	for _, vi := range v.Violations {
		out = append(out, vi.Parameter)
	}
	return out
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
