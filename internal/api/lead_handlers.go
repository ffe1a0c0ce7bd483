package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/BTreeMap/LeadPipe/internal/store"
	"github.com/BTreeMap/LeadPipe/internal/util"
)

// maxLeadBodyBytes bounds the lead submission body.
const maxLeadBodyBytes = 64 << 10

// LeadResult is the result of a successful lead submission.
type LeadResult struct {
	ID string `json:"id"`
}

// sendLeadHandler handles POST /api/send.
func (s *Server) sendLeadHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	slog.Debug("Server.sendLeadHandler: processing lead submission", "remote", r.RemoteAddr)

	var req models.LeadRequest
	if err := decodeJSONBody(w, r, &req, maxLeadBodyBytes); err != nil {
		slog.Warn("Server.sendLeadHandler: failed to decode JSON", "error", err)
		if errors.Is(err, errBodyTooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "Request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "Invalid JSON format")
		return
	}

	if err := req.Validate(); err != nil {
		var missing *models.LeadValidationError
		if errors.As(err, &missing) {
			slog.Warn("Server.sendLeadHandler: missing fields", "fields", missing.Missing)
			writeError(w, http.StatusBadRequest, "Missing required form fields: "+strings.Join(missing.Missing, ", "))
			return
		}
		slog.Warn("Server.sendLeadHandler: validation failed", "error", err)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if s.notifier == nil || !s.notifier.EmailConfigured() {
		slog.Error("Server.sendLeadHandler: email sender is not configured")
		writeError(w, http.StatusInternalServerError, "Email service is not configured")
		return
	}

	ctx := context.WithoutCancel(r.Context())
	digits := util.DigitsOnly(req.PhoneNo)
	if _, err := util.CanonicalizePhone(digits); err != nil {
		slog.Warn("Server.sendLeadHandler: unusual phone number", "digits", len(digits), "error", err)
	}
	lead := models.NewLead(util.GenerateLeadID(), req, digits, s.now().UTC())

	if err := s.st.SaveLead(ctx, lead); err != nil {
		slog.Error("Server.sendLeadHandler: failed to persist lead, continuing", "leadID", lead.ID, "error", err)
	}

	var conv *models.Conversation
	if lead.ChatSenderID != "" {
		c, err := s.st.GetConversation(ctx, lead.ChatSenderID)
		if err != nil {
			slog.Error("Server.sendLeadHandler: failed to load transcript", "leadID", lead.ID, "sessionKey", lead.ChatSenderID, "error", err)
		}
		conv = c
	}

	if err := s.notifier.SendLeadEmail(ctx, lead, conv); err != nil {
		slog.Error("Server.sendLeadHandler: failed to send lead email", "leadID", lead.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to send notification email")
		return
	}

	s.notifier.AlertOperator(ctx, lead)

	slog.Info("Server.sendLeadHandler: lead submitted", "leadID", lead.ID, "source", lead.Source, "transcript", conv != nil)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Lead submitted successfully", LeadResult{ID: lead.ID}))
}

// listLeadsHandler handles GET /api/leads?limit=N.
func (s *Server) listLeadsHandler(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		limit = n
	}
	leads, err := s.st.ListLeads(r.Context(), limit)
	if err != nil {
		slog.Error("Server.listLeadsHandler: failed to list leads", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to list leads")
		return
	}
	if leads == nil {
		leads = []models.Lead{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(leads))
}

// getLeadHandler handles GET /api/leads/{id}.
func (s *Server) getLeadHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	lead, err := s.st.GetLead(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Lead not found")
		return
	}
	if err != nil {
		slog.Error("Server.getLeadHandler: failed to load lead", "leadID", id, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to load lead")
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(lead))
}
