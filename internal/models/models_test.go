package models

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func validLeadRequest() LeadRequest {
	return LeadRequest{
		Name:         "Ana",
		BusinessName: "Ana Plumbing",
		Email:        "a@b.com",
		PhoneNo:      "(312) 555-1234",
		ServiceType:  "plumbing",
		Description:  "Need more calls",
	}
}

func TestLeadRequestValidate_OK(t *testing.T) {
	r := validLeadRequest()
	if err := r.Validate(); err != nil {
		t.Fatalf("expected valid lead, got %v", err)
	}
}

func TestLeadRequestValidate_EachRequiredField(t *testing.T) {
	fields := []string{"Name", "BusinessName", "Email", "PhoneNo", "ServiceType", "Description"}
	for _, field := range fields {
		for _, blank := range []string{"", "   "} {
			r := validLeadRequest()
			switch field {
			case "Name":
				r.Name = blank
			case "BusinessName":
				r.BusinessName = blank
			case "Email":
				r.Email = blank
			case "PhoneNo":
				r.PhoneNo = blank
			case "ServiceType":
				r.ServiceType = blank
			case "Description":
				r.Description = blank
			}
			err := r.Validate()
			if !errors.Is(err, ErrMissingLeadFields) {
				t.Fatalf("field %s=%q: expected ErrMissingLeadFields, got %v", field, blank, err)
			}
			if !strings.Contains(err.Error(), field) {
				t.Errorf("field %s: error %q does not name the field", field, err.Error())
			}
		}
	}
}

func TestLeadRequestValidate_ChatSenderIDOptional(t *testing.T) {
	r := validLeadRequest()
	r.ChatSenderID = ""
	if err := r.Validate(); err != nil {
		t.Fatalf("ChatSenderId must be optional, got %v", err)
	}
}

func TestLeadRequestValidate_TooLong(t *testing.T) {
	r := validLeadRequest()
	r.Description = strings.Repeat("x", MaxLeadFieldLength+1)
	if err := r.Validate(); !errors.Is(err, ErrLeadFieldTooLong) {
		t.Fatalf("expected ErrLeadFieldTooLong, got %v", err)
	}
}

func TestNewLeadSource(t *testing.T) {
	now := time.Unix(100, 0)
	r := validLeadRequest()
	lead := NewLead("id1", r, "3125551234", now)
	if lead.Source != LeadSourceContactForm {
		t.Errorf("expected contact-form source, got %s", lead.Source)
	}
	if lead.PhoneNo != "3125551234" {
		t.Errorf("expected normalized phone, got %s", lead.PhoneNo)
	}

	r.ChatSenderID = "guest-abc1234"
	lead = NewLead("id2", r, "3125551234", now)
	if lead.Source != LeadSourceChat || lead.ChatSenderID != "guest-abc1234" {
		t.Errorf("expected chat lead with back-reference, got %+v", lead)
	}
}

func TestMessageKindAndValidate(t *testing.T) {
	bot := Message{SenderID: BotSenderID, Text: "hi"}
	if !bot.IsFromBot() || bot.Kind() != SenderResponder {
		t.Error("bot message not detected as responder")
	}
	visitor := Message{SenderID: "guest-1", Text: "hello"}
	if visitor.IsFromBot() {
		t.Error("visitor message detected as bot")
	}
	if err := visitor.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	empty := Message{SenderID: "guest-1", Text: "  "}
	if err := empty.Validate(); err != ErrEmptyMessageText {
		t.Errorf("expected ErrEmptyMessageText, got %v", err)
	}
	noKey := Message{Text: "hello"}
	if err := noKey.Validate(); err != ErrEmptySessionKey {
		t.Errorf("expected ErrEmptySessionKey, got %v", err)
	}
}
