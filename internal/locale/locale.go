// Package locale holds the localized string tables shared by the responder policy, the trigger
// detector, the chat widget and the API, and negotiates the active locale for a request.
package locale

import (
	_ "embed"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"
)

// Locale is a supported site language.
type Locale string

const (
	English Locale = "en"
	Spanish Locale = "es"
)

// Default is used whenever a requested language is unknown.
const Default = English

//go:embed locales.yaml
var embeddedTables []byte

// supported lists the site languages; the first entry is the fallback.
var supported = []Locale{English, Spanish}

// Content is the complete set of strings for one locale. Every field is required.
type Content struct {
	LanguageName        string `yaml:"language_name" json:"languageName"`
	LanguageInstruction string `yaml:"language_instruction" json:"-"`
	TriggerPhrase       string `yaml:"trigger_phrase" json:"triggerPhrase"`
	OrCall              string `yaml:"or_call" json:"orCall"`
	ApologyError        string `yaml:"apology_error" json:"-"`
	ApologyEmpty        string `yaml:"apology_empty" json:"-"`
	Welcome             string `yaml:"welcome" json:"welcome"`
	NameRequired        string `yaml:"name_required" json:"nameRequired"`
	InputDisabled       string `yaml:"input_disabled" json:"inputDisabled"`
	ContactFormTitle    string `yaml:"contact_form_title" json:"contactFormTitle"`
	FormName            string `yaml:"form_name_label" json:"formNameLabel"`
	FormBusinessName    string `yaml:"form_business_name_label" json:"formBusinessNameLabel"`
	FormEmail           string `yaml:"form_email_label" json:"formEmailLabel"`
	FormPhone           string `yaml:"form_phone_label" json:"formPhoneLabel"`
	FormServiceType     string `yaml:"form_service_type_label" json:"formServiceTypeLabel"`
	FormDescription     string `yaml:"form_description_label" json:"formDescriptionLabel"`
	SubmissionFailed    string `yaml:"submission_failed" json:"submissionFailed"`
	SubmittedMessage    string `yaml:"submitted_message" json:"submittedMessage"`
	ConfirmationMessage string `yaml:"confirmation_message" json:"confirmationMessage"`
	StatusConnecting    string `yaml:"status_connecting" json:"statusConnecting"`
	StatusConnected     string `yaml:"status_connected" json:"statusConnected"`
	StatusDisconnected  string `yaml:"status_disconnected" json:"statusDisconnected"`
}

// WelcomeFor renders the greeting for a visitor name.
func (c Content) WelcomeFor(name string) string {
	return strings.ReplaceAll(c.Welcome, "{name}", name)
}

// ConfirmationFor renders the message the widget posts after a successful lead submission.
func (c Content) ConfirmationFor(email, phone string) string {
	return strings.NewReplacer("{email}", email, "{phone}", phone).Replace(c.ConfirmationMessage)
}

// Table maps every supported locale to its content.
type Table map[Locale]Content

// Load parses a YAML table and verifies that every supported locale defines every key.
func Load(data []byte) (Table, error) {
	raw := map[string]Content{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse locale table: %w", err)
	}
	t := make(Table, len(raw))
	for k, v := range raw {
		t[Locale(k)] = v
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// Validate reports the first missing locale or blank key.
func (t Table) Validate() error {
	for _, loc := range supported {
		c, ok := t[loc]
		if !ok {
			return fmt.Errorf("locale table missing locale %q", loc)
		}
		if missing := missingKeys(c); len(missing) > 0 {
			return fmt.Errorf("locale %q missing keys: %s", loc, strings.Join(missing, ", "))
		}
	}
	return nil
}

func missingKeys(c Content) []string {
	var missing []string
	v := reflect.ValueOf(c)
	typ := v.Type()
	for i := 0; i < typ.NumField(); i++ {
		if strings.TrimSpace(v.Field(i).String()) == "" {
			missing = append(missing, strings.Split(typ.Field(i).Tag.Get("yaml"), ",")[0])
		}
	}
	sort.Strings(missing)
	return missing
}

// Content returns the strings for loc, falling back to the default locale.
func (t Table) Content(loc Locale) Content {
	if c, ok := t[loc]; ok {
		return c
	}
	return t[Default]
}

// Has reports whether loc is present in the table.
func (t Table) Has(loc Locale) bool {
	_, ok := t[loc]
	return ok
}

var builtin Table

func init() {
	t, err := Load(embeddedTables)
	if err != nil {
		panic(fmt.Sprintf("embedded locale table is invalid: %v", err))
	}
	builtin = t
}

// Builtin returns the embedded locale table.
func Builtin() Table {
	return builtin
}

// For is shorthand for Builtin().Content(loc).
func For(loc Locale) Content {
	return builtin.Content(loc)
}

// Supported returns the supported locales, default first.
func Supported() []Locale {
	out := make([]Locale, len(supported))
	copy(out, supported)
	return out
}

// IsSupported reports whether loc is one of the site languages.
func IsSupported(loc Locale) bool {
	for _, s := range supported {
		if s == loc {
			return true
		}
	}
	return false
}

// Normalize maps a language code such as "es", "ES" or "es-MX" to a supported locale.
// Anything that is not Spanish becomes English.
func Normalize(code string) Locale {
	code = strings.TrimSpace(code)
	if code == "" {
		return Default
	}
	tag, err := language.Parse(code)
	if err != nil {
		return Default
	}
	return match(tag)
}

// Negotiate picks a locale from an Accept-Language header value: the most preferred entry
// that is English or Spanish, else English.
func Negotiate(acceptLanguage string) Locale {
	tags, _, err := language.ParseAcceptLanguage(acceptLanguage)
	if err != nil || len(tags) == 0 {
		return Default
	}
	return match(tags...)
}

// match returns the first tag, in preference order, whose base language is a site language.
// Related languages do not count: Galician is not Spanish.
func match(tags ...language.Tag) Locale {
	for _, tag := range tags {
		base, conf := tag.Base()
		if conf != language.Exact {
			continue
		}
		for _, loc := range supported {
			if base.String() == string(loc) {
				return loc
			}
		}
	}
	return Default
}
