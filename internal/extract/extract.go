// Package extract pulls structured health facts out of free-form user
// messages.
//
// The default extractor is a deterministic pattern and lexicon matcher. The
// Extractor interface keeps the strategy pluggable so a model-backed
// implementation can be swapped in without touching the message pipeline.
package extract

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/BTreeMap/CarePulse/internal/models"
)

// SymptomMention is one symptom found in a message.
type SymptomMention struct {
	Name     string
	Severity models.Severity
}

// Result holds everything extracted from a single message. Zero-value fields
// mean the message did not mention that fact.
type Result struct {
	Name            string
	Diagnosis       string
	Symptoms        []SymptomMention
	WellnessRating  int // 0 when absent; valid ratings are 1-10
	HasWellnessInfo bool
}

// Extractor derives structured facts from a raw message body.
type Extractor interface {
	Extract(message string) Result
}

// commonSymptoms is the lexicon of symptom tokens the matcher recognizes.
// Multi-word entries are listed before their single-word substrings so the
// longer form wins.
var commonSymptoms = []string{
	"mouth sores", "nausea", "vomiting", "diarrhea", "constipation",
	"fatigue", "tired", "pain", "ache", "headache", "fever", "chills",
	"numbness", "tingling", "rash", "sore",
}

var (
	namePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)my name is ([A-Za-z]+)`),
		regexp.MustCompile(`(?i)i am ([A-Za-z]+)`),
		regexp.MustCompile(`(?i)call me ([A-Za-z]+)`),
	}
	diagnosisPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)diagnosed with ([^.]+)`),
		regexp.MustCompile(`(?i)i have ([^.]+) cancer`),
		regexp.MustCompile(`(?i)treating ([^.]+)`),
	}
	ratingPattern = regexp.MustCompile(`(?i)\b(10|[1-9])\s*(?:/|out of)\s*10\b`)
)

// PatternExtractor is the default lexicon-based Extractor.
type PatternExtractor struct{}

// NewPatternExtractor creates the default pattern-based extractor.
func NewPatternExtractor() *PatternExtractor {
	return &PatternExtractor{}
}

// Extract scans the message for name, diagnosis, symptom, and wellness
// rating mentions.
func (x *PatternExtractor) Extract(message string) Result {
	var result Result
	lower := strings.ToLower(message)

	for _, p := range namePatterns {
		if m := p.FindStringSubmatch(message); m != nil {
			result.Name = m[1]
			break
		}
	}

	for _, p := range diagnosisPatterns {
		if m := p.FindStringSubmatch(message); m != nil {
			result.Diagnosis = strings.TrimSpace(m[1])
			break
		}
	}

	matched := make(map[string]bool)
	for _, symptom := range commonSymptoms {
		if !strings.Contains(lower, symptom) {
			continue
		}
		// "mouth sores" already matched means the bare "sore" hit is noise.
		if covered(matched, symptom) {
			continue
		}
		matched[symptom] = true
		result.Symptoms = append(result.Symptoms, SymptomMention{
			Name:     symptom,
			Severity: severityOf(lower, symptom),
		})
	}

	if m := ratingPattern.FindStringSubmatch(lower); m != nil {
		if rating, err := strconv.Atoi(m[1]); err == nil {
			result.WellnessRating = rating
			result.HasWellnessInfo = true
		}
	}

	return result
}

// covered reports whether symptom is a substring of an already matched,
// longer lexicon entry.
func covered(matched map[string]bool, symptom string) bool {
	for prior := range matched {
		if prior != symptom && strings.Contains(prior, symptom) {
			return true
		}
	}
	return false
}

// severityOf looks for a qualifier immediately preceding the symptom token.
func severityOf(lower, symptom string) models.Severity {
	switch {
	case strings.Contains(lower, "severe "+symptom) || strings.Contains(lower, "bad "+symptom):
		return models.SeveritySevere
	case strings.Contains(lower, "moderate "+symptom):
		return models.SeverityModerate
	case strings.Contains(lower, "mild "+symptom) || strings.Contains(lower, "slight "+symptom):
		return models.SeverityMild
	default:
		return models.SeverityUnspecified
	}
}
