// Package models defines the core data structures for LeadPipe.
//
// It includes the chat message and conversation documents shared by the store, gateway and
// responder, and the lead record produced by the contact and qualification forms.
package models

import (
	"errors"
	"strings"
	"time"
)

// Bot identity used for every automated-responder message.
const (
	// BotSenderID marks a message as produced by the automated responder.
	BotSenderID = "BOT_ID"
	// BotSenderName is the display name attached to responder messages.
	BotSenderName = "Barcias Tech AI Specialist"
	// DefaultSenderName is used when a visitor message carries no display name.
	DefaultSenderName = "Anonymous"
)

// Validation constants for input validation
const (
	// MaxMessageTextLength defines the maximum allowed length for a single chat message
	MaxMessageTextLength = 4096
	// MaxLeadFieldLength defines the maximum allowed length for a lead text field
	MaxLeadFieldLength = 2000
)

// Error variables for better error handling and testability
var (
	ErrEmptySessionKey   = errors.New("session key cannot be empty")
	ErrEmptyMessageText  = errors.New("message text cannot be empty")
	ErrMessageTooLong    = errors.New("message text exceeds maximum length")
	ErrMissingLeadFields = errors.New("missing required form fields")
	ErrLeadFieldTooLong  = errors.New("lead field exceeds maximum length")
)

// SenderKind distinguishes the two parties of a conversation.
type SenderKind string

const (
	// SenderVisitor is the human on the website.
	SenderVisitor SenderKind = "visitor"
	// SenderResponder is the automated AI responder.
	SenderResponder SenderKind = "responder"
)

// Message is a single entry of a conversation. Messages are never mutated once stored.
type Message struct {
	SenderID   string    `json:"senderId" bson:"senderId"`
	SenderName string    `json:"senderName" bson:"senderName"`
	Text       string    `json:"text" bson:"text"`
	Timestamp  time.Time `json:"timestamp" bson:"timestamp"`
	Locale     string    `json:"locale" bson:"locale"`
}

// Kind reports which party produced the message.
func (m Message) Kind() SenderKind {
	if m.SenderID == BotSenderID {
		return SenderResponder
	}
	return SenderVisitor
}

// IsFromBot reports whether the message was produced by the automated responder.
func (m Message) IsFromBot() bool {
	return m.Kind() == SenderResponder
}

// Validate checks a visitor message before it enters the gateway turn.
func (m *Message) Validate() error {
	if strings.TrimSpace(m.SenderID) == "" {
		return ErrEmptySessionKey
	}
	if strings.TrimSpace(m.Text) == "" {
		return ErrEmptyMessageText
	}
	if len(m.Text) > MaxMessageTextLength {
		return ErrMessageTooLong
	}
	return nil
}

// Conversation is the persisted, append-only document for one visitor session key.
type Conversation struct {
	SenderID    string    `json:"senderId" bson:"senderId"`
	SenderName  string    `json:"senderName" bson:"senderName"`
	LastUpdated time.Time `json:"lastUpdated" bson:"lastUpdated"`
	Messages    []Message `json:"messages" bson:"messages"`
}

// LeadSource records which form produced a lead.
type LeadSource string

const (
	// LeadSourceContactForm is the main website contact form.
	LeadSourceContactForm LeadSource = "contact-form"
	// LeadSourceChat is the chat qualification form.
	LeadSourceChat LeadSource = "chat"
)

// LeadRequest is the JSON body accepted by the lead submission endpoint.
// Field names match the public form contract.
type LeadRequest struct {
	Name         string `json:"Name"`
	BusinessName string `json:"BusinessName"`
	Email        string `json:"Email"`
	PhoneNo      string `json:"PhoneNo"`
	ServiceType  string `json:"ServiceType"`
	Description  string `json:"Description"`
	ChatSenderID string `json:"ChatSenderId,omitempty"`
}

// MissingFields lists the required fields that are absent or blank, in form order.
func (r *LeadRequest) MissingFields() []string {
	var missing []string
	required := []struct {
		name  string
		value string
	}{
		{"Name", r.Name},
		{"BusinessName", r.BusinessName},
		{"Email", r.Email},
		{"PhoneNo", r.PhoneNo},
		{"ServiceType", r.ServiceType},
		{"Description", r.Description},
	}
	for _, f := range required {
		if strings.TrimSpace(f.value) == "" {
			missing = append(missing, f.name)
		}
	}
	return missing
}

// Validate performs the synchronous boundary validation of a lead submission.
func (r *LeadRequest) Validate() error {
	if missing := r.MissingFields(); len(missing) > 0 {
		return &LeadValidationError{Missing: missing}
	}
	for _, v := range []string{r.Name, r.BusinessName, r.Email, r.PhoneNo, r.ServiceType, r.Description} {
		if len(v) > MaxLeadFieldLength {
			return ErrLeadFieldTooLong
		}
	}
	return nil
}

// LeadValidationError names the missing lead fields. It matches ErrMissingLeadFields.
type LeadValidationError struct {
	Missing []string
}

func (e *LeadValidationError) Error() string {
	return ErrMissingLeadFields.Error() + ": " + strings.Join(e.Missing, ", ")
}

// Is lets errors.Is match the sentinel.
func (e *LeadValidationError) Is(target error) bool {
	return target == ErrMissingLeadFields
}

// Lead is the record created once per successful form submission. It is never updated.
type Lead struct {
	ID           string     `json:"id" bson:"_id"`
	Name         string     `json:"name" bson:"name"`
	BusinessName string     `json:"businessName" bson:"businessName"`
	Email        string     `json:"email" bson:"email"`
	PhoneNo      string     `json:"phoneNo" bson:"phoneNo"`
	ServiceType  string     `json:"serviceType" bson:"serviceType"`
	Description  string     `json:"description" bson:"description"`
	ChatSenderID string     `json:"chatSenderId,omitempty" bson:"chatSenderId,omitempty"`
	Source       LeadSource `json:"source" bson:"source"`
	CreatedAt    time.Time  `json:"createdAt" bson:"createdAt"`
}

// NewLead builds a lead record from a validated request.
func NewLead(id string, r LeadRequest, phoneDigits string, now time.Time) Lead {
	source := LeadSourceContactForm
	if r.ChatSenderID != "" {
		source = LeadSourceChat
	}
	return Lead{
		ID:           id,
		Name:         strings.TrimSpace(r.Name),
		BusinessName: strings.TrimSpace(r.BusinessName),
		Email:        strings.TrimSpace(r.Email),
		PhoneNo:      phoneDigits,
		ServiceType:  strings.TrimSpace(r.ServiceType),
		Description:  strings.TrimSpace(r.Description),
		ChatSenderID: r.ChatSenderID,
		Source:       source,
		CreatedAt:    now,
	}
}
