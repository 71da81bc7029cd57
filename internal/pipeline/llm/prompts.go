package llm

// Prompts instruct the model to return one JSON object and nothing else.
// Every prompt requires suggestedName so the record gets a human-readable
// title, and confidence so the merger can blend it.

const promptCommon = `You are a medical document extraction system.
Respond with a single JSON object and no other text, no markdown fences.
Every response must include:
  "suggestedName": a short human-readable document title,
  "confidence": your extraction confidence between 0 and 1,
  "patient": {"name", "dateOfBirth", "identifier"} when present,
  "provider": {"name"} when present,
  "facility": {"name", "address"} when present,
  "date": the document date in YYYY-MM-DD when present.
Omit fields you cannot find. Never invent values.
`

const promptLab = promptCommon + `
This is a LABORATORY REPORT. Additionally include:
  "panels": [{"name": panel name, "tests": [{"name", "value", "unit",
    "referenceRange", "status"}]}]
"status" is one of "normal", "high", "low", "abnormal" based on the
reference range. Group tests under their panel; use a panel named "Results"
when the document has no panel structure.`

const promptPrescription = promptCommon + `
This is a PRESCRIPTION. Additionally include:
  "medications": [{"name", "dosage", "frequency", "duration", "instructions"}]
Use the generic name when both brand and generic appear.`

const promptRadiology = promptCommon + `
This is a RADIOLOGY REPORT. Additionally include:
  "study": {"modality", "bodyPart", "date"},
  "findings": [{"description"}],
  "impression": the radiologist's impression text.`

const promptVitals = promptCommon + `
This is a VITAL SIGNS RECORD. Additionally include:
  "readings": [{"type", "value", "unit", "measuredAt", "context"}]
"type" examples: "blood_pressure", "heart_rate", "temperature", "spo2".`

const promptGeneral = promptCommon + `
This is a GENERAL MEDICAL DOCUMENT. Additionally include:
  "sections": [{"category", "content"}]
"category" is one of "subjective", "objective", "assessment", "plan",
"other".`

func promptFor(rt ReportType) string {
	switch rt {
	case ReportLab:
		return promptLab
	case ReportPrescription:
		return promptPrescription
	case ReportRadiology:
		return promptRadiology
	case ReportVitals:
		return promptVitals
	default:
		return promptGeneral
	}
}
