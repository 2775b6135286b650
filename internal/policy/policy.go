// Package policy turns warranty and return-policy text into structured facts
// and a deterministic sub-score consumed by the scoring engine.
package policy

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/fairlens/trustscope/backend/internal/models"
)

var (
	warrantyYears  = regexp.MustCompile(`(?i)(\d+)[\s-]*year(?:s)?\s+(?:limited\s+)?warranty`)
	warrantyMonths = regexp.MustCompile(`(?i)(\d+)[\s-]*month(?:s)?\s+(?:limited\s+)?warranty`)
	refundWindow   = regexp.MustCompile(`(?i)(\d+)[\s-]*day(?:s)?\s+(?:money[\s-]*back|refund|return)`)
	registration   = regexp.MustCompile(`(?i)register(?:ed)?\s+within\s+(\d+)\s+day`)
)

// Scored fact groups; confidence is the fraction the parser recognized.
const factGroups = 5

// Parse extracts structured facts from free policy text. It never fails;
// unrecognized text yields zeroed facts with zero confidence.
func Parse(text string) models.PolicyFacts {
	var f models.PolicyFacts
	lower := strings.ToLower(text)
	matched := 0

	if m := warrantyYears.FindStringSubmatch(text); m != nil {
		if years, err := strconv.Atoi(m[1]); err == nil {
			f.WarrantyMonths = years * 12
			matched++
		}
	} else if m := warrantyMonths.FindStringSubmatch(text); m != nil {
		if months, err := strconv.Atoi(m[1]); err == nil {
			f.WarrantyMonths = months
			matched++
		}
	}

	if strings.Contains(lower, "parts") || strings.Contains(lower, "labor") || strings.Contains(lower, "labour") {
		f.PartsCovered = strings.Contains(lower, "parts")
		f.LaborCovered = strings.Contains(lower, "labor") || strings.Contains(lower, "labour")
		matched++
	}

	if strings.Contains(lower, "transferable") && !strings.Contains(lower, "non-transferable") &&
		!strings.Contains(lower, "not transferable") {
		f.Transferable = true
		matched++
	}

	if m := refundWindow.FindStringSubmatch(text); m != nil {
		if days, err := strconv.Atoi(m[1]); err == nil {
			f.RefundDays = days
			matched++
		}
	}

	if m := registration.FindStringSubmatch(text); m != nil {
		if days, err := strconv.Atoi(m[1]); err == nil {
			f.RegistrationDays = days
		}
	}

	if strings.Contains(lower, "arbitration") {
		f.Arbitration = true
		matched++
	}

	f.Confidence = float64(matched) / factGroups
	return f
}

// Subscore computes the raw policy bucket value on a 0..100 scale from parsed
// facts. Base is 50; better terms add points, hostile terms subtract. The
// result is clamped, not dampened; the engine applies the confidence dampener.
func Subscore(f models.PolicyFacts) float64 {
	s := 50.0

	switch {
	case f.WarrantyMonths >= 36:
		s += 15
	case f.WarrantyMonths >= 12:
		s += 8
	case f.WarrantyMonths > 0:
		s += 3
	}

	if f.PartsCovered {
		s += 5
	}
	if f.LaborCovered {
		s += 5
	}
	if f.Transferable {
		s += 5
	}

	switch {
	case f.RefundDays >= 30:
		s += 10
	case f.RefundDays >= 14:
		s += 5
	case f.RefundDays > 0:
		s += 2
	}

	// Mandatory registration inside a short window voids coverage for most
	// buyers in practice.
	if f.RegistrationDays > 0 && f.RegistrationDays <= 30 {
		s -= 5
	}

	if f.Arbitration {
		s -= 15
	}

	if s < 0 {
		return 0
	}
	if s > 100 {
		return 100
	}
	return s
}
