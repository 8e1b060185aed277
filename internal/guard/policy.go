// Package guard implements the Guard Policy: a pure, deterministic
// function from classifier output plus a settings snapshot to an
// auto-reply/escalate decision. Rules are evaluated in a fixed order and
// the first match wins; reasons are never combined into a weighted
// score, just the single rule that fired first.
package guard

import (
	"fmt"
	"strings"

	"github.com/stoik/email-assistant/internal/ports"
)

// KBPolicy mirrors a knowledge-base policy check result.
type KBPolicy struct {
	RequiresDoctor       bool
	RequiresPrivacyCheck bool
	ComplexityScore      float64
}

// Input is everything the Guard Policy reads, besides the settings
// snapshot: classifier output plus an optional KB policy verdict.
type Input struct {
	Class      string
	Confidence float64
	Flags      []string
	Details    map[string]any
	KBPolicy   *KBPolicy
}

// Decision is the Guard Policy's output.
type Decision struct {
	Auto          bool
	Reason        string
	EscalateFlags []string
}

var foreignLanguageFlags = map[string]bool{
	"FOREIGN_LANGUAGE":   true,
	"NON_GERMAN":         true,
	"TRANSLATION_NEEDED": true,
}

var sensitiveSubstrings = []string{
	"rezept", "prescription", "au_", "arbeitsunfähigkeit", "unclear_intent",
}

func hasFlag(flags []string, wanted map[string]bool) bool {
	for _, f := range flags {
		if wanted[f] {
			return true
		}
	}
	return false
}

func containsFlag(flags []string, name string) bool {
	for _, f := range flags {
		if f == name {
			return true
		}
	}
	return false
}

// Evaluate runs the fixed-order rule chain against in and the settings
// snapshot, returning the first matching Decision. The function touches
// nothing but its arguments: repeated calls with identical inputs and an
// identical snapshot always yield an identical Decision.
func Evaluate(in Input, settings ports.SettingsSnapshot) Decision {
	classLower := strings.ToLower(in.Class)

	// Rule 1: foreign language.
	if hasFlag(in.Flags, foreignLanguageFlags) {
		return Decision{Auto: false, Reason: "language", EscalateFlags: []string{"FOREIGN_LANGUAGE"}}
	}

	// Rule 2: sensitive category.
	for _, substr := range sensitiveSubstrings {
		if strings.Contains(classLower, substr) {
			return Decision{
				Auto:          false,
				Reason:        "sensitive_" + classLower,
				EscalateFlags: []string{"SENSITIVE_CATEGORY"},
			}
		}
	}

	// Rule 3: mixed intent.
	if strings.Contains(classLower, "mixed") || strings.Contains(classLower, "mehrfach") ||
		containsFlag(in.Flags, "MIXED_INTENT") || containsFlag(in.Flags, "MULTIPLE_REQUESTS") {
		return Decision{Auto: false, Reason: "mixed_intent", EscalateFlags: []string{"MIXED_INTENT"}}
	}

	// Rule 4: KB policy violation.
	if in.KBPolicy != nil {
		switch {
		case in.KBPolicy.RequiresDoctor:
			return Decision{Auto: false, Reason: "requires_doctor_attention", EscalateFlags: []string{"KB_POLICY_VIOLATION"}}
		case in.KBPolicy.RequiresPrivacyCheck:
			return Decision{Auto: false, Reason: "requires_privacy_check", EscalateFlags: []string{"KB_POLICY_VIOLATION"}}
		case in.KBPolicy.ComplexityScore >= 0.8:
			return Decision{Auto: false, Reason: "high_complexity", EscalateFlags: []string{"KB_POLICY_VIOLATION"}}
		}
	}

	// Rule 5: low confidence. Comparison is inclusive at threshold.
	threshold := parseFloat(settings["auto_send_confidence_threshold"], 0.95)
	if in.Confidence < threshold {
		return Decision{
			Auto:          false,
			Reason:        fmt.Sprintf("low_confidence_%.2f", threshold),
			EscalateFlags: []string{"LOW_CONFIDENCE"},
		}
	}

	// Rule 6: manual approval required.
	if parseBool(settings["require_manual_approval"], true) {
		return Decision{Auto: false, Reason: "manual_approval", EscalateFlags: []string{"MANUAL_APPROVAL_REQUIRED"}}
	}

	// Rule 7: auto-send disabled.
	if !parseBool(settings["auto_send_enabled"], false) {
		return Decision{Auto: false, Reason: "auto_send_disabled", EscalateFlags: []string{"AUTO_SEND_DISABLED"}}
	}

	// Rule 8: all checks passed.
	return Decision{Auto: true, Reason: "all_checks_passed", EscalateFlags: []string{}}
}

func parseBool(value string, def bool) bool {
	switch value {
	case "true", "1":
		return true
	case "false", "0":
		return false
	default:
		return def
	}
}

func parseFloat(value string, def float64) float64 {
	if value == "" {
		return def
	}
	var f float64
	if _, err := fmt.Sscanf(value, "%g", &f); err != nil {
		return def
	}
	return f
}
