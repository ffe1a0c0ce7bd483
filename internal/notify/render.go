package notify

import (
	_ "embed"
	"fmt"
	"html/template"
	"strings"
	"unicode/utf8"

	"github.com/BTreeMap/LeadPipe/internal/models"
)

//go:embed lead_email.html.tmpl
var leadEmailSource string

var leadEmailTemplate = template.Must(template.New("lead_email").Parse(leadEmailSource))

// MaxSMSLength caps operator SMS alerts.
const MaxSMSLength = 320

// LeadSubject is the notification email subject for lead.
func LeadSubject(lead models.Lead) string {
	return fmt.Sprintf("New Lead: %s from %s (%s)", lead.ServiceType, lead.Name, lead.BusinessName)
}

// RenderLeadHTML renders the notification email body. conv may be nil; its messages are
// appended as a transcript section when present.
func RenderLeadHTML(lead models.Lead, conv *models.Conversation) (string, error) {
	data := struct {
		Lead       models.Lead
		Transcript []models.Message
	}{Lead: lead}
	if conv != nil {
		data.Transcript = conv.Messages
	}
	var sb strings.Builder
	if err := leadEmailTemplate.Execute(&sb, data); err != nil {
		return "", fmt.Errorf("failed to render lead email: %w", err)
	}
	return sb.String(), nil
}

// RenderLeadText is the plain-text alternative of the notification email.
func RenderLeadText(lead models.Lead, conv *models.Conversation) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Name: %s\nBusiness name: %s\nEmail: %s\nPhone: %s\nService type: %s\nDescription: %s\n",
		lead.Name, lead.BusinessName, lead.Email, lead.PhoneNo, lead.ServiceType, lead.Description)
	if conv != nil && len(conv.Messages) > 0 {
		sb.WriteString("\nChat transcript:\n")
		for _, m := range conv.Messages {
			fmt.Fprintf(&sb, "[%s] %s: %s\n", m.Timestamp.Format("2006-01-02 15:04"), m.SenderName, m.Text)
		}
	}
	return sb.String()
}

// LeadSMS is the operator alert text, truncated to MaxSMSLength runes.
func LeadSMS(lead models.Lead) string {
	return truncateRunes(fmt.Sprintf("New lead: %s (%s) %s %s", lead.Name, lead.BusinessName, lead.ServiceType, lead.PhoneNo), MaxSMSLength)
}

func truncateRunes(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)
	return string(r[:max-1]) + "…"
}
