// Package units provides shared constants and conversions for obstacle
// severity and vehicle measurements.
package units

import "fmt"

// Severity levels for an obstacle
const (
	SeverityLow    = "low"
	SeverityMedium = "medium"
	SeverityHigh   = "high"
)

// ValidSeverities contains all valid severity values
var ValidSeverities = []string{SeverityLow, SeverityMedium, SeverityHigh}

// SeverityRank returns the ordinal rank of a severity (low < medium < high).
// Unknown severities rank below low so they never win a max comparison.
func SeverityRank(severity string) int {
	switch severity {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	default:
		return 0
	}
}

// IsValidSeverity checks if the given severity is in the list of valid values
func IsValidSeverity(severity string) bool {
	for _, s := range ValidSeverities {
		if severity == s {
			return true
		}
	}
	return false
}

// MaxSeverity returns the higher-ranked of two severities.
func MaxSeverity(a, b string) string {
	if SeverityRank(b) > SeverityRank(a) {
		return b
	}
	return a
}

// Ground clearance conversions. Vehicle profiles report clearance in inches;
// some mobile clients send centimetres.
const (
	CmPerInch     = 2.54
	MetersPerMile = 1609.344
)

// CmToInches converts a clearance in centimetres to inches.
func CmToInches(cm float64) float64 {
	return cm / CmPerInch
}

// InchesToCm converts a clearance in inches to centimetres.
func InchesToCm(in float64) float64 {
	return in * CmPerInch
}

// FormatDistance renders a distance in meters for display, switching to
// kilometres above 1000m.
func FormatDistance(meters float64) string {
	if meters >= 1000 {
		return fmt.Sprintf("%.1fkm", meters/1000)
	}
	return fmt.Sprintf("%.0fm", meters)
}
