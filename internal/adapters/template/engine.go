// Package template implements the ports.TemplateEngine contract: a small,
// pure renderer over Go's text/template for the fixed set of reply bodies
// a medical practice sends. These are flat variable substitutions into
// German boilerplate, not layouts or partials, so the standard library's
// text/template is the right tool here.
package template

import (
	"bytes"
	"fmt"
	"strings"
	"sync"
	"text/template"

	"github.com/stoik/email-assistant/internal/ports"
)

// recognized is the fixed template_id set the Templates contract exposes.
// signatur is never selected by templateForClass directly; it is appended
// to every other render's output.
var recognized = map[string]string{
	"termin_vorschlag": "Guten Tag,\n\n" +
		"vielen Dank für Ihre Anfrage (\"{{.subject}}\"). Wir schlagen Ihnen folgenden Termin vor: {{.slot_time}}.\n" +
		"Bitte bestätigen Sie uns kurz, ob dieser Termin für Sie passt.\n",
	"termin_bestaetigung": "Guten Tag,\n\n" +
		"hiermit bestätigen wir Ihren Termin am {{.slot_time}}.\n" +
		"Wir freuen uns auf Ihren Besuch.\n",
	"termin_absage": "Guten Tag,\n\n" +
		"leider müssen wir Ihren Termin am {{.slot_time}} absagen.\n" +
		"Bitte kontaktieren Sie uns für einen Ersatztermin.\n",
	"faq_antwort": "Guten Tag,\n\n" +
		"vielen Dank für Ihre Nachricht. Wir melden uns schnellstmöglich bei Ihnen zu: \"{{.subject}}\".\n",
	"vorsicht_sensibel": "Guten Tag,\n\n" +
		"Ihre Anfrage betrifft ein sensibles Thema und wurde zur persönlichen Bearbeitung " +
		"an unser Praxisteam weitergeleitet. Wir melden uns zeitnah bei Ihnen.\n",
	"signatur": "\n--\n{{.practice_name}}\n{{.practice_phone}}\n",
}

// Engine renders the recognized template set, caching each parsed
// text/template so repeated renders don't re-parse the same string.
type Engine struct {
	mu     sync.Mutex
	parsed map[string]*template.Template
}

// New creates a template Engine.
func New() *Engine {
	return &Engine{parsed: make(map[string]*template.Template)}
}

// Render implements ports.TemplateEngine. An unknown templateID is an
// error, never a silent fallback. Every non-signature render has the
// signatur block appended using the same vars and settings, so a single
// practice-name/phone pair stays consistent across a reply.
func (e *Engine) Render(templateID string, vars map[string]any, snapshot ports.SettingsSnapshot) (string, error) {
	body, err := e.render(templateID, vars, snapshot)
	if err != nil {
		return "", err
	}
	if templateID == "signatur" {
		return body, nil
	}
	sig, err := e.render("signatur", vars, snapshot)
	if err != nil {
		return "", fmt.Errorf("render signature block: %w", err)
	}
	return body + sig, nil
}

func (e *Engine) render(templateID string, vars map[string]any, snapshot ports.SettingsSnapshot) (string, error) {
	raw, ok := recognized[templateID]
	if !ok {
		return "", fmt.Errorf("unknown template_id %q", templateID)
	}

	tmpl, err := e.parsedTemplate(templateID, raw)
	if err != nil {
		return "", err
	}

	data := mergeVars(vars, snapshot)
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render template %q: %w", templateID, err)
	}
	return strings.TrimRight(buf.String(), "\n") + "\n", nil
}

func (e *Engine) parsedTemplate(templateID, raw string) (*template.Template, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.parsed[templateID]; ok {
		return t, nil
	}
	t, err := template.New(templateID).Option("missingkey=zero").Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse template %q: %w", templateID, err)
	}
	e.parsed[templateID] = t
	return t, nil
}

// mergeVars folds the practice-level settings (practice_name,
// practice_phone) into the per-render vars map so the signature block
// and the body template share one data source.
func mergeVars(vars map[string]any, snapshot ports.SettingsSnapshot) map[string]any {
	data := make(map[string]any, len(vars)+2)
	for k, v := range vars {
		data[k] = v
	}
	if _, ok := data["practice_name"]; !ok {
		data["practice_name"] = snapshot["practice_name"]
	}
	if _, ok := data["practice_phone"]; !ok {
		data["practice_phone"] = snapshot["practice_phone"]
	}
	return data
}
