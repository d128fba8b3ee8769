package sanitize

// RiskLevel grades the sensitive data in a request.
type RiskLevel string

// Risk levels.
const (
	RiskLow    RiskLevel = "LOW"
	RiskMedium RiskLevel = "MEDIUM"
	RiskHigh   RiskLevel = "HIGH"
)

// WarningLevel is attached to payloads with MEDIUM or HIGH risk.
type WarningLevel string

// Warning levels.
const (
	WarningBlock WarningLevel = "BLOCK"
	WarningWarn  WarningLevel = "WARN"
)

// highRiskCategoryCount is the number of distinct categories that makes
// any combination HIGH.
const highRiskCategoryCount = 3

// Risk maps detected categories to a tier:
//
//	HIGH    any CREDIT_CARD, SSN or SECRET, or three or more categories
//	MEDIUM  one or two of EMAIL and PHONE
//	LOW     nothing detected
func Risk(cats []Category) RiskLevel {
	if len(cats) == 0 {
		return RiskLow
	}
	if len(cats) >= highRiskCategoryCount {
		return RiskHigh
	}
	for _, c := range cats {
		switch c {
		case CategoryCreditCard, CategorySSN, CategorySecret:
			return RiskHigh
		}
	}
	return RiskMedium
}

// WarningFor returns the warning level for a risk tier, or "" for LOW.
func WarningFor(risk RiskLevel) WarningLevel {
	switch risk {
	case RiskHigh:
		return WarningBlock
	case RiskMedium:
		return WarningWarn
	default:
		return ""
	}
}
