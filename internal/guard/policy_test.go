package guard

import (
	"testing"

	"github.com/stoik/email-assistant/internal/ports"
	"github.com/stretchr/testify/assert"
)

func defaultSettings() ports.SettingsSnapshot {
	return ports.SettingsSnapshot{
		"auto_send_confidence_threshold": "0.95",
		"require_manual_approval":        "false",
		"auto_send_enabled":              "true",
	}
}

func TestEvaluate_AutoReplyHappyPath(t *testing.T) {
	decision := Evaluate(Input{Class: "Termin", Confidence: 0.98}, defaultSettings())
	assert.True(t, decision.Auto)
	assert.Equal(t, "all_checks_passed", decision.Reason)
	assert.Empty(t, decision.EscalateFlags)
}

func TestEvaluate_SensitiveCategoryEscalates(t *testing.T) {
	decision := Evaluate(Input{Class: "rezept_anfrage", Confidence: 0.99}, defaultSettings())
	assert.False(t, decision.Auto)
	assert.Equal(t, "sensitive_rezept_anfrage", decision.Reason)
	assert.Equal(t, []string{"SENSITIVE_CATEGORY"}, decision.EscalateFlags)
}

func TestEvaluate_ConfidenceBoundaryInclusive(t *testing.T) {
	settings := defaultSettings()

	atThreshold := Evaluate(Input{Class: "appointment_request", Confidence: 0.95}, settings)
	assert.True(t, atThreshold.Auto, "confidence exactly at threshold must pass")

	belowThreshold := Evaluate(Input{Class: "appointment_request", Confidence: 0.9499}, settings)
	assert.False(t, belowThreshold.Auto)
	assert.Equal(t, "low_confidence_0.95", belowThreshold.Reason)
	assert.Equal(t, []string{"LOW_CONFIDENCE"}, belowThreshold.EscalateFlags)
}

func TestEvaluate_ForeignLanguageTakesPriority(t *testing.T) {
	decision := Evaluate(Input{
		Class:      "rezept_anfrage",
		Confidence: 0.99,
		Flags:      []string{"FOREIGN_LANGUAGE"},
	}, defaultSettings())
	assert.Equal(t, "language", decision.Reason, "rule 1 must win over rule 2 even though both match")
}

func TestEvaluate_MixedIntent(t *testing.T) {
	decision := Evaluate(Input{Class: "termin_mixed_request", Confidence: 0.99}, defaultSettings())
	assert.Equal(t, "mixed_intent", decision.Reason)
	assert.Equal(t, []string{"MIXED_INTENT"}, decision.EscalateFlags)
}

func TestEvaluate_KBPolicyViolation(t *testing.T) {
	decision := Evaluate(Input{
		Class:      "faq",
		Confidence: 0.99,
		KBPolicy:   &KBPolicy{RequiresDoctor: true},
	}, defaultSettings())
	assert.Equal(t, "requires_doctor_attention", decision.Reason)
	assert.Equal(t, []string{"KB_POLICY_VIOLATION"}, decision.EscalateFlags)
}

func TestEvaluate_ManualApprovalRequired(t *testing.T) {
	settings := defaultSettings()
	settings["require_manual_approval"] = "true"
	decision := Evaluate(Input{Class: "faq", Confidence: 0.99}, settings)
	assert.Equal(t, "manual_approval", decision.Reason)
}

func TestEvaluate_AutoSendDisabled(t *testing.T) {
	settings := defaultSettings()
	settings["auto_send_enabled"] = "false"
	decision := Evaluate(Input{Class: "faq", Confidence: 0.99}, settings)
	assert.Equal(t, "auto_send_disabled", decision.Reason)
}

func TestEvaluate_IsPure(t *testing.T) {
	input := Input{Class: "faq", Confidence: 0.99}
	settings := defaultSettings()

	first := Evaluate(input, settings)
	second := Evaluate(input, settings)
	assert.Equal(t, first, second, "identical inputs must yield identical decisions")
}
