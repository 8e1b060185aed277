// Package classifier is a local, dependency-free implementation of the
// ports.Classifier contract: keyword rules over the normalized subject
// and body. It exists so `cmd/assistant dev` can run the whole pipeline
// without a real intent-classification service configured, returning
// deterministic results instead of calling a live API.
package classifier

import (
	"context"
	"strings"

	"github.com/stoik/email-assistant/internal/ports"
)

// rule pairs a set of substrings against the lowercased input text with
// the class and confidence to report when any of them match.
type rule struct {
	class      string
	confidence float64
	flags      []string
	keywords   []string
}

var rules = []rule{
	{class: "rezept_anfrage", confidence: 0.97, keywords: []string{"rezept", "prescription"}},
	{class: "au_anfrage", confidence: 0.96, keywords: []string{"arbeitsunfähigkeit", "krankschreibung", "au_"}},
	{class: "termin_absage", confidence: 0.94, flags: []string{"CANCELLATION"}, keywords: []string{"absagen", "stornieren", "cancel"}},
	{class: "termin_bestaetigung", confidence: 0.94, keywords: []string{"bestätigen", "confirm"}},
	{class: "termin_vorschlag", confidence: 0.93, keywords: []string{"termin", "appointment"}},
}

// Rules is the keyword-rule Classifier. The zero value is ready to use.
type Rules struct{}

// New creates a Rules classifier.
func New() *Rules {
	return &Rules{}
}

// Classify implements ports.Classifier. It never returns an error for
// well-formed input; an empty or unmatched text classifies as
// unclear_intent at low confidence, which the Decider's Guard Policy
// treats as a sensitive category and routes to a human.
func (r *Rules) Classify(ctx context.Context, text string) (ports.ClassifyResult, error) {
	lower := strings.ToLower(text)
	for _, rl := range rules {
		for _, kw := range rl.keywords {
			if strings.Contains(lower, kw) {
				return ports.ClassifyResult{
					Class:      rl.class,
					Confidence: rl.confidence,
					Flags:      rl.flags,
					Details:    map[string]any{"matched_keyword": kw},
				}, nil
			}
		}
	}
	return ports.ClassifyResult{
		Class:      "unclear_intent",
		Confidence: 0.4,
		Details:    map[string]any{},
	}, nil
}
