package merge

import "github.com/medparse/medparse/internal/pipeline/terminology"

// Blend weights. OCR always carries 0.3; the entity/validation share grows
// from 0.2 to 0.4 once at least three entities validated successfully, and
// the model takes the remainder. Weights are a tunable policy. Whatever the
// split, every weight stays positive so the blend is monotonic: raising any
// one stage's confidence never lowers the total.
const (
	ocrWeight           = 0.3
	entityWeightSparse  = 0.2
	entityWeightRich    = 0.4
	richValidationCount = 3
)

func blendConfidence(in Input) float64 {
	ocrConf := 0.0
	if in.OCR != nil {
		ocrConf = clamp01(in.OCR.Confidence)
	}

	llmConf := 0.0
	if in.LLM != nil {
		llmConf = clamp01(in.LLM.Confidence)
	}

	entityConf, hasEntities := entityConfidence(in)
	if !hasEntities {
		// No entity signal at all: split its share between the stages that
		// did report.
		return clamp01(ocrConf*ocrWeight + llmConf*(1-ocrWeight))
	}

	entityWeight := entityWeightSparse
	if validCount(in.Validations) >= richValidationCount {
		entityWeight = entityWeightRich
	}
	llmWeight := 1 - ocrWeight - entityWeight

	return clamp01(ocrConf*ocrWeight + entityConf*entityWeight + llmConf*llmWeight)
}

// entityConfidence averages validation confidence when validation ran,
// otherwise raw entity confidence.
func entityConfidence(in Input) (float64, bool) {
	if len(in.Validations) > 0 {
		sum := 0.0
		for _, v := range in.Validations {
			sum += clamp01(v.Confidence)
		}
		return sum / float64(len(in.Validations)), true
	}
	if in.Entities != nil && len(in.Entities.Entities) > 0 {
		sum := 0.0
		for _, e := range in.Entities.Entities {
			sum += clamp01(e.Confidence)
		}
		return sum / float64(len(in.Entities.Entities)), true
	}
	return 0, false
}

func validCount(validations []terminology.Validation) int {
	n := 0
	for _, v := range validations {
		if v.IsValid {
			n++
		}
	}
	return n
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
