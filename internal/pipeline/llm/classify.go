package llm

import "strings"

// typeKeywords drives report-type classification. Each keyword found in the
// document text scores one point for its type; the highest score wins and
// ties or no hits fall back to general.
var typeKeywords = map[ReportType][]string{
	ReportLab: {
		"laboratory", "lab report", "test results", "panel", "cbc",
		"metabolic", "reference range", "specimen", "hemoglobin", "lipid",
	},
	ReportPrescription: {
		"prescription", "rx", "sig:", "dispense", "refill", "pharmacy",
		"take one tablet", "dosage",
	},
	ReportRadiology: {
		"radiology", "x-ray", "xray", "ct scan", "mri", "ultrasound",
		"impression:", "findings:", "contrast", "radiologist",
	},
	ReportVitals: {
		"blood pressure", "heart rate", "pulse", "respiratory rate",
		"temperature", "spo2", "oxygen saturation", "vital signs",
	},
}

// ClassifyReportType picks the report type whose keywords appear most often
// in the text.
func ClassifyReportType(text string) ReportType {
	lower := strings.ToLower(text)

	best := ReportGeneral
	bestScore := 0
	// Fixed iteration order keeps classification deterministic on ties.
	for _, rt := range []ReportType{ReportLab, ReportPrescription, ReportRadiology, ReportVitals} {
		score := 0
		for _, kw := range typeKeywords[rt] {
			score += strings.Count(lower, kw)
		}
		if score > bestScore {
			best = rt
			bestScore = score
		}
	}
	return best
}
