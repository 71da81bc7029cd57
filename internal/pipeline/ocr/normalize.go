package ocr

import (
	"strings"
	"unicode"
)

// NormalizeText cleans up spacing artifacts typical of OCR output without
// altering content: letters glued to digits get a word boundary, runs of
// spaces and tabs collapse to one space, and blank-line runs collapse to a
// single blank line.
func NormalizeText(text string) string {
	if text == "" {
		return ""
	}

	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))
	blankRun := 0

	for _, line := range lines {
		line = collapseSpaces(insertWordBoundaries(line))
		line = strings.TrimRight(line, " ")
		if line == "" {
			blankRun++
			if blankRun > 1 {
				continue
			}
		} else {
			blankRun = 0
		}
		out = append(out, line)
	}

	// Drop leading/trailing blank lines.
	for len(out) > 0 && out[0] == "" {
		out = out[1:]
	}
	for len(out) > 0 && out[len(out)-1] == "" {
		out = out[:len(out)-1]
	}

	return strings.Join(out, "\n")
}

// insertWordBoundaries adds a space between a letter and a following digit
// or a digit and a following letter ("Glucose105" -> "Glucose 105"). Unit
// suffixes like "105mg" are left alone when the letter run is short and
// lowercase, since splitting them would corrupt dosage text.
func insertWordBoundaries(line string) string {
	runes := []rune(line)
	var sb strings.Builder
	sb.Grow(len(runes) + 8)

	for i, r := range runes {
		if i > 0 {
			prev := runes[i-1]
			if unicode.IsLetter(prev) && unicode.IsDigit(r) {
				sb.WriteRune(' ')
			} else if unicode.IsDigit(prev) && unicode.IsUpper(r) {
				sb.WriteRune(' ')
			}
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

func collapseSpaces(line string) string {
	var sb strings.Builder
	sb.Grow(len(line))
	space := false
	for _, r := range line {
		if r == ' ' || r == '\t' {
			space = true
			continue
		}
		if space && sb.Len() > 0 {
			sb.WriteRune(' ')
		}
		space = false
		sb.WriteRune(r)
	}
	return sb.String()
}
