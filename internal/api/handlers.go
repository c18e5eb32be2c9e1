// Package api provides HTTP handlers for CarePulse endpoints.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/CarePulse/internal/genai"
	"github.com/BTreeMap/CarePulse/internal/models"
)

// registrationResult is returned from user registration and lookup.
type registrationResult struct {
	Profile  *models.UserProfile   `json:"profile"`
	Schedule *models.ScheduleState `json:"schedule"`
}

func (s *Server) usersHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req models.RegistrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.usersHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := req.Validate(); err != nil {
		slog.Warn("Server.usersHandler: validation failed", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	canonical, err := s.msgService.ValidateAndCanonicalizeRecipient(req.Phone)
	if err != nil {
		slog.Warn("Server.usersHandler: recipient validation failed", "error", err, "phone", req.Phone)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	result, status, err := s.registerUser(canonical, &req)
	if err != nil {
		writeJSONResponse(w, status, models.Error(err.Error()))
		return
	}
	slog.Info("Server.usersHandler: user registered", "user", canonical)
	writeJSONResponse(w, http.StatusCreated, models.SuccessWithMessage("User registered", result))
}

// registerUser applies a registration request to the user's documents. It is
// shared by POST /users and PUT /users/{phone}.
func (s *Server) registerUser(phone string, req *models.RegistrationRequest) (*registrationResult, int, error) {
	engine := s.manager.GetOrCreate(phone)

	err := engine.UpdateProfile(func(p *models.UserProfile) {
		if req.Name != "" {
			p.Name = req.Name
		}
		if req.Email != "" {
			p.Email = req.Email
		}
		if req.Diagnosis != "" {
			p.Diagnosis = req.Diagnosis
		}
		if req.Age > 0 {
			p.Age = req.Age
		}
		if req.Gender != "" {
			p.Gender = req.Gender
		}
		if req.TreatmentType != "" {
			p.TreatmentType = req.TreatmentType
		}
		if req.TreatmentFrequency != "" {
			p.TreatmentFrequency = req.TreatmentFrequency
		}
		if req.TreatmentStartDate != "" {
			if start, err := time.Parse(time.RFC3339, req.TreatmentStartDate); err == nil {
				p.TreatmentStartDate = &start
			}
		}
		if req.Medications != nil {
			p.Medications = req.Medications
		}
		if req.Allergies != nil {
			p.Allergies = req.Allergies
		}
		if req.EmergencyContact != nil {
			p.EmergencyContact = req.EmergencyContact
		}
		if req.CareTeam != nil {
			p.CareTeam = req.CareTeam
		}
	})
	if err != nil {
		slog.Error("Server.registerUser: profile update failed", "error", err, "user", phone)
		return nil, http.StatusInternalServerError, err
	}

	// The earliest provided treatment date becomes the active reminder target.
	if len(req.TreatmentDates) > 0 {
		next, err := earliestDate(req.TreatmentDates)
		if err != nil {
			return nil, http.StatusBadRequest, err
		}
		if err := engine.SetTreatment(next); err != nil {
			slog.Error("Server.registerUser: failed to set treatment", "error", err, "user", phone)
			return nil, http.StatusInternalServerError, err
		}
	}

	schedule, err := s.data.LoadSchedule(phone)
	if err != nil {
		return nil, http.StatusInternalServerError, err
	}
	overrides := schedule.Preferences
	if req.CheckInFrequency != "" {
		overrides.CheckInFrequency = req.CheckInFrequency
	}
	if req.CheckInTime != "" {
		overrides.CheckInTime = req.CheckInTime
	}
	if req.ReminderEnabled != nil {
		overrides.ReminderEnabled = *req.ReminderEnabled
	}
	if err := engine.SetPreferences(&overrides); err != nil {
		slog.Error("Server.registerUser: failed to apply preferences", "error", err, "user", phone)
		return nil, http.StatusBadRequest, err
	}

	profile, err := s.data.LoadProfile(phone)
	if err != nil {
		return nil, http.StatusInternalServerError, err
	}
	schedule, err = s.data.LoadSchedule(phone)
	if err != nil {
		return nil, http.StatusInternalServerError, err
	}
	return &registrationResult{Profile: profile, Schedule: schedule}, http.StatusOK, nil
}

// earliestDate parses RFC3339 dates and returns the earliest.
func earliestDate(dates []string) (time.Time, error) {
	var earliest time.Time
	for _, d := range dates {
		t, err := time.Parse(time.RFC3339, d)
		if err != nil {
			return time.Time{}, models.ErrInvalidDate
		}
		if earliest.IsZero() || t.Before(earliest) {
			earliest = t
		}
	}
	return earliest, nil
}

func (s *Server) userHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	phone := r.PathValue("phone")
	canonical, err := s.msgService.ValidateAndCanonicalizeRecipient(phone)
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	switch r.Method {
	case http.MethodGet:
		if !s.data.ProfileExists(canonical) {
			writeJSONResponse(w, http.StatusNotFound, models.Error("User not found"))
			return
		}
		profile, err := s.data.LoadProfile(canonical)
		if err != nil {
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load profile"))
			return
		}
		schedule, err := s.data.LoadSchedule(canonical)
		if err != nil {
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load schedule"))
			return
		}
		writeJSONResponse(w, http.StatusOK, models.Success(registrationResult{Profile: profile, Schedule: schedule}))

	case http.MethodPut:
		var req models.RegistrationRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
			return
		}
		req.Phone = canonical
		if err := req.Validate(); err != nil {
			writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
			return
		}
		result, status, err := s.registerUser(canonical, &req)
		if err != nil {
			writeJSONResponse(w, status, models.Error(err.Error()))
			return
		}
		writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("User updated", result))

	default:
		w.Header().Set("Allow", "GET, PUT")
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) symptomsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	phone := r.PathValue("phone")
	canonical, err := s.msgService.ValidateAndCanonicalizeRecipient(phone)
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	var req models.SymptomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := req.Validate(); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	engine := s.manager.GetOrCreate(canonical)
	if err := engine.AddSymptom(req.Name, req.Severity); err != nil {
		slog.Error("Server.symptomsHandler: failed to record symptom", "error", err, "user", canonical)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to record symptom"))
		return
	}
	writeJSONResponse(w, http.StatusCreated, models.SuccessWithMessage("Symptom recorded", nil))
}

// treatmentRequest is the payload for setting the next treatment.
type treatmentRequest struct {
	NextTreatment string `json:"next_treatment"`
}

func (s *Server) treatmentsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	phone := r.PathValue("phone")
	canonical, err := s.msgService.ValidateAndCanonicalizeRecipient(phone)
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	var req treatmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	next, err := time.Parse(time.RFC3339, req.NextTreatment)
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(models.ErrInvalidDate.Error()))
		return
	}

	engine := s.manager.GetOrCreate(canonical)
	if err := engine.SetTreatment(next); err != nil {
		slog.Error("Server.treatmentsHandler: failed to set treatment", "error", err, "user", canonical)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to set treatment"))
		return
	}
	writeJSONResponse(w, http.StatusCreated, models.SuccessWithMessage("Treatment scheduled", nil))
}

// sendMessageRequest is the payload for sending an ad-hoc message. When body
// is empty and prompt is set, the message text is generated from the prompt.
type sendMessageRequest struct {
	Body   string `json:"body"`
	Prompt string `json:"prompt,omitempty"`
}

func (s *Server) sendMessageHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	phone := r.PathValue("phone")
	canonical, err := s.msgService.ValidateAndCanonicalizeRecipient(phone)
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	body := req.Body
	if body == "" && req.Prompt != "" {
		if s.gaClient == nil {
			writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("Message generation is not available"))
			return
		}
		generated, err := s.gaClient.GeneratePrompt(genai.SystemPrompt, req.Prompt)
		if err != nil {
			slog.Error("Server.sendMessageHandler: failed to generate message", "error", err, "to", canonical)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to generate message"))
			return
		}
		body = generated
	}
	if body == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required field: body"))
		return
	}

	if err := s.msgService.SendMessage(context.Background(), canonical, body); err != nil {
		slog.Error("Server.sendMessageHandler: failed to send message", "error", err, "to", canonical)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to send message"))
		return
	}
	slog.Info("Server.sendMessageHandler: message sent", "to", canonical)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Message sent successfully", nil))
}

func (s *Server) receiptsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	receipts, err := s.st.GetReceipts()
	if err != nil {
		slog.Error("Server.receiptsHandler: failed to load receipts", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load receipts"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(receipts))
}

func (s *Server) inboundMessagesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	messages, err := s.st.GetInbound()
	if err != nil {
		slog.Error("Server.inboundMessagesHandler: failed to load messages", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load messages"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(messages))
}

// statsResult summarizes service activity.
type statsResult struct {
	Users         int    `json:"users"`
	ActiveEngines int    `json:"active_engines"`
	Receipts      int    `json:"receipts"`
	Inbound       int    `json:"inbound_messages"`
	ChatSessions  int    `json:"chat_sessions"`
	Uptime        string `json:"uptime"`
}

func (s *Server) statsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	users, err := s.data.ListUsers()
	if err != nil {
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list users"))
		return
	}
	receipts, err := s.st.GetReceipts()
	if err != nil {
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load receipts"))
		return
	}
	messages, err := s.st.GetInbound()
	if err != nil {
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load messages"))
		return
	}

	stats := statsResult{
		Users:         len(users),
		ActiveEngines: len(s.manager.Engines()),
		Receipts:      len(receipts),
		Inbound:       len(messages),
		Uptime:        time.Since(s.startTime).Round(time.Second).String(),
	}
	if s.gaClient != nil {
		stats.ChatSessions = s.gaClient.SessionCount()
	}
	writeJSONResponse(w, http.StatusOK, models.Success(stats))
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("healthy", nil))
}
