package responder

import (
	_ "embed"
	"fmt"
	"strings"
	"text/template"

	"github.com/BTreeMap/LeadPipe/internal/locale"
	"github.com/BTreeMap/LeadPipe/internal/models"
)

//go:embed policy.tmpl
var defaultPolicySource string

var defaultPolicy = template.Must(template.New("policy").Option("missingkey=error").Parse(defaultPolicySource))

// Business holds the facts the responder is allowed to state about the offer.
type Business struct {
	BotName         string
	Company         string
	ServiceArea     string
	SpecialistPhone string
	OfferName       string
	Price           string
	Value           string
	MonthlyLeadCost string
	GuaranteeDays   int
	GoLiveDays      int
	AnnualFee       string
}

// DefaultSpecialistPhone is the number visitors are routed to on buying intent.
const DefaultSpecialistPhone = "(708) 314-0477"

// DefaultBusiness returns the agency's current offer.
func DefaultBusiness() Business {
	return Business{
		BotName:         models.BotSenderName,
		Company:         "Barcias Tech",
		ServiceArea:     "Chicago and NW Indiana",
		SpecialistPhone: DefaultSpecialistPhone,
		OfferName:       "Local Pro Lead Engine",
		Price:           "$2,000",
		Value:           "$4,500",
		MonthlyLeadCost: "$800-$2,500/mo",
		GuaranteeDays:   30,
		GoLiveDays:      14,
		AnnualFee:       "$150-$200",
	}
}

// RoutingReply is the exact message the responder must send on buying intent:
// the locale's trigger phrase, the "or call" connector and the specialist phone.
func RoutingReply(c locale.Content, phone string) string {
	return fmt.Sprintf("%s %s %s.", c.TriggerPhrase, c.OrCall, phone)
}

type policyData struct {
	Business
	LanguageName        string
	LanguageInstruction string
	RoutingReply        string
}

// BuildPolicy renders the built-in system instruction for loc.
func BuildPolicy(loc locale.Locale, b Business) (string, error) {
	return renderPolicy(defaultPolicy, locale.Builtin(), loc, b)
}

func renderPolicy(tmpl *template.Template, table locale.Table, loc locale.Locale, b Business) (string, error) {
	c := table.Content(loc)
	data := policyData{
		Business:            b,
		LanguageName:        c.LanguageName,
		LanguageInstruction: c.LanguageInstruction,
		RoutingReply:        RoutingReply(c, b.SpecialistPhone),
	}
	var sb strings.Builder
	if err := tmpl.Execute(&sb, data); err != nil {
		return "", fmt.Errorf("failed to render policy for %s: %w", loc, err)
	}
	return strings.TrimSpace(sb.String()), nil
}
