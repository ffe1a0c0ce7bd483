package locale

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuiltinTableIsComplete(t *testing.T) {
	require.NoError(t, Builtin().Validate())
	for _, loc := range Supported() {
		assert.True(t, Builtin().Has(loc), "missing locale %s", loc)
	}
}

func TestTriggerPhrasesDifferPerLocale(t *testing.T) {
	en := For(English).TriggerPhrase
	es := For(Spanish).TriggerPhrase
	assert.NotEqual(t, en, es)
	assert.Equal(t, "Please provide your contact information below to connect with a specialist right away:", en)
}

func TestLoadRejectsMissingKey(t *testing.T) {
	data := []byte(`
en:
  language_name: English
es:
  language_name: Español
`)
	_, err := Load(data)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "trigger_phrase")
}

func TestLoadRejectsMissingLocale(t *testing.T) {
	var b strings.Builder
	b.WriteString("en:\n")
	for _, line := range strings.Split(string(embeddedTables), "\n") {
		if strings.HasPrefix(line, "  ") && strings.Contains(line, ":") {
			b.WriteString(line + "\n")
			if strings.Contains(line, "status_disconnected") {
				break
			}
		}
	}
	_, err := Load([]byte(b.String()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"es"`)
}

func TestLoadRejectsInvalidYAML(t *testing.T) {
	_, err := Load([]byte("en: [unterminated"))
	require.Error(t, err)
}

func TestNormalize(t *testing.T) {
	cases := map[string]Locale{
		"":       English,
		"en":     English,
		"EN":     English,
		"es":     Spanish,
		"ES":     Spanish,
		"es-MX":  Spanish,
		"fr":     English,
		"gl":     English,
		"eu":     English,
		"ca":     English,
		"pt":     English,
		"pt-BR":  English,
		"es-419": Spanish,
		"!!":     English,
	}
	for in, want := range cases {
		assert.Equal(t, want, Normalize(in), "Normalize(%q)", in)
	}
}

func TestNegotiate(t *testing.T) {
	assert.Equal(t, Spanish, Negotiate("es-ES,es;q=0.9,en;q=0.8"))
	assert.Equal(t, English, Negotiate("en-US,en;q=0.9"))
	assert.Equal(t, English, Negotiate(""))
	assert.Equal(t, English, Negotiate("de-DE"))
	assert.Equal(t, English, Negotiate("gl-ES,eu;q=0.9"))
	assert.Equal(t, Spanish, Negotiate("gl-ES,es;q=0.8,en;q=0.5"))
	assert.Equal(t, English, Negotiate("*"))
}

func TestContentFallsBackToDefault(t *testing.T) {
	c := Builtin().Content(Locale("fr"))
	assert.Equal(t, For(English), c)
}

func TestTemplates(t *testing.T) {
	assert.Equal(t, "Hi Ana, how can I help you get more qualified leads today?", For(English).WelcomeFor("Ana"))
	msg := For(English).ConfirmationFor("a@b.com", "3125551234")
	assert.Contains(t, msg, "a@b.com")
	assert.Contains(t, msg, "3125551234")
}
