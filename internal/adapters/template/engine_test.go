package template

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stoik/email-assistant/internal/ports"
)

func TestEngine_RenderAppendsSignatureToBody(t *testing.T) {
	e := New()
	snapshot := ports.SettingsSnapshot{"practice_name": "Praxis Dr. Muster", "practice_phone": "030-123"}

	out, err := e.Render("faq_antwort", map[string]any{"subject": "Frage zu Öffnungszeiten"}, snapshot)
	require.NoError(t, err)

	assert.Contains(t, out, "Frage zu Öffnungszeiten")
	assert.Contains(t, out, "Praxis Dr. Muster", "signature block must use the practice name from settings")
	assert.Contains(t, out, "030-123")
}

func TestEngine_RenderSignaturDoesNotDoubleAppend(t *testing.T) {
	e := New()
	snapshot := ports.SettingsSnapshot{"practice_name": "Praxis", "practice_phone": "030-0"}

	out, err := e.Render("signatur", nil, snapshot)
	require.NoError(t, err)

	assert.Equal(t, 1, strings.Count(out, "Praxis"), "the signatur template itself must not get a second signature appended")
}

func TestEngine_RenderUnknownTemplateIDIsError(t *testing.T) {
	e := New()
	_, err := e.Render("does_not_exist", nil, ports.SettingsSnapshot{})
	assert.Error(t, err)
}

func TestEngine_RenderMissingVarsDoesNotPanic(t *testing.T) {
	e := New()
	out, err := e.Render("termin_vorschlag", map[string]any{}, ports.SettingsSnapshot{})
	require.NoError(t, err)
	assert.NotEmpty(t, out)
}
