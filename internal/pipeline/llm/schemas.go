package llm

import "github.com/santhosh-tekuri/jsonschema/v5"

// One strict schema per report type. Validation failure is what flips a
// response into the raw fallback payload, so the schemas pin down only what
// downstream code relies on: the envelope fields plus the type's list.

const schemaEnvelope = `
	"suggestedName": {"type": "string", "minLength": 1},
	"confidence": {"type": "number"},
	"patient": {"type": "object"},
	"provider": {"type": "object"},
	"facility": {"type": "object"},
	"date": {"type": "string"}
`

var (
	labSchema = jsonschema.MustCompileString("lab.json", `{
		"type": "object",
		"required": ["suggestedName", "confidence", "panels"],
		"properties": {`+schemaEnvelope+`,
			"panels": {
				"type": "array",
				"items": {
					"type": "object",
					"required": ["name", "tests"],
					"properties": {
						"name": {"type": "string"},
						"tests": {
							"type": "array",
							"items": {
								"type": "object",
								"required": ["name"],
								"properties": {
									"name": {"type": "string"},
									"value": {"type": "string"},
									"unit": {"type": "string"},
									"referenceRange": {"type": "string"},
									"status": {"type": "string"}
								}
							}
						}
					}
				}
			}
		}
	}`)

	prescriptionSchema = jsonschema.MustCompileString("prescription.json", `{
		"type": "object",
		"required": ["suggestedName", "confidence", "medications"],
		"properties": {`+schemaEnvelope+`,
			"medications": {
				"type": "array",
				"items": {
					"type": "object",
					"required": ["name"],
					"properties": {
						"name": {"type": "string"},
						"dosage": {"type": "string"},
						"frequency": {"type": "string"},
						"duration": {"type": "string"},
						"instructions": {"type": "string"}
					}
				}
			}
		}
	}`)

	radiologySchema = jsonschema.MustCompileString("radiology.json", `{
		"type": "object",
		"required": ["suggestedName", "confidence", "findings"],
		"properties": {`+schemaEnvelope+`,
			"study": {
				"type": "object",
				"properties": {
					"modality": {"type": "string"},
					"bodyPart": {"type": "string"},
					"date": {"type": "string"}
				}
			},
			"findings": {
				"type": "array",
				"items": {
					"type": "object",
					"required": ["description"],
					"properties": {"description": {"type": "string"}}
				}
			},
			"impression": {"type": "string"}
		}
	}`)

	vitalsSchema = jsonschema.MustCompileString("vitals.json", `{
		"type": "object",
		"required": ["suggestedName", "confidence", "readings"],
		"properties": {`+schemaEnvelope+`,
			"readings": {
				"type": "array",
				"items": {
					"type": "object",
					"required": ["type", "value"],
					"properties": {
						"type": {"type": "string"},
						"value": {"type": "string"},
						"unit": {"type": "string"},
						"measuredAt": {"type": "string"},
						"context": {"type": "string"}
					}
				}
			}
		}
	}`)

	generalSchema = jsonschema.MustCompileString("general.json", `{
		"type": "object",
		"required": ["suggestedName", "confidence", "sections"],
		"properties": {`+schemaEnvelope+`,
			"sections": {
				"type": "array",
				"items": {
					"type": "object",
					"required": ["category", "content"],
					"properties": {
						"category": {"type": "string"},
						"content": {"type": "string"}
					}
				}
			}
		}
	}`)
)

func schemaFor(rt ReportType) *jsonschema.Schema {
	switch rt {
	case ReportLab:
		return labSchema
	case ReportPrescription:
		return prescriptionSchema
	case ReportRadiology:
		return radiologySchema
	case ReportVitals:
		return vitalsSchema
	default:
		return generalSchema
	}
}
