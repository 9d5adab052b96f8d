package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/claritycare/triage-orchestrator/internal/auth"
	"github.com/claritycare/triage-orchestrator/internal/lifecycle"
	"github.com/claritycare/triage-orchestrator/internal/matcher"
	"github.com/claritycare/triage-orchestrator/internal/model"
	"github.com/claritycare/triage-orchestrator/internal/presence"
	"github.com/claritycare/triage-orchestrator/internal/relay"
	"github.com/claritycare/triage-orchestrator/internal/store"
)

type escalationCreateRequest struct {
	ConnectionType   string `json:"connection_type"`
	PatientSummary   string `json:"patient_summary"`
	TriggerContext   string `json:"trigger_context"`
	EmergencyContact string `json:"emergency_contact"`
}

type escalationResponse struct {
	RequestID  string    `json:"request_id"`
	Status     string    `json:"status"`
	Attempt    int       `json:"attempt"`
	AcceptedBy string    `json:"accepted_by,omitempty"`
	RoomID     string    `json:"room_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

func escalationView(req *model.EscalationRequest) escalationResponse {
	resp := escalationResponse{
		RequestID: req.ID,
		Status:    string(req.Status),
		Attempt:   req.AttemptNumber,
		CreatedAt: req.CreatedAt,
	}
	if req.Status == model.RequestAccepted {
		resp.AcceptedBy = req.AcceptedBy
		resp.RoomID = lifecycle.RoomIDFor(req.ID)
	}
	return resp
}

func (s *Server) handleEscalationCreate(w http.ResponseWriter, r *http.Request) {
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		writeAPIError(w, http.StatusUnauthorized, "unauthorized", "missing identity")
		return
	}

	var body escalationCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "invalid JSON payload")
		return
	}

	req, err := s.escalations.Create(matcher.CreateInput{
		PatientID:        principal.ID,
		ConnectionType:   model.ConnectionType(body.ConnectionType),
		AttemptNumber:    1,
		TriggerContext:   body.TriggerContext,
		PatientSummary:   body.PatientSummary,
		EmergencyContact: body.EmergencyContact,
	})
	if err != nil {
		switch {
		case errors.Is(err, matcher.ErrInvalidConnectionType):
			writeAPIError(w, http.StatusBadRequest, "invalid_request", "connection_type must be chat or video")
		case errors.Is(err, matcher.ErrNoRequesterConnection):
			writeAPIError(w, http.StatusConflict, "no_active_connection", "patient has no live connection to receive the outcome on")
		default:
			writeAPIError(w, http.StatusInternalServerError, "internal_error", "failed to create escalation")
		}
		return
	}

	writeJSON(w, http.StatusCreated, escalationView(req))
}

func (s *Server) handleEscalationGet(w http.ResponseWriter, r *http.Request) {
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		writeAPIError(w, http.StatusUnauthorized, "unauthorized", "missing identity")
		return
	}

	req, err := s.escalations.Get(chi.URLParam(r, "requestID"))
	if err != nil {
		writeAPIError(w, http.StatusNotFound, "not_found", "unknown escalation request")
		return
	}
	// Patients only see their own requests. Doctors see any, they need
	// the detail to decide on an accept.
	if principal.Role == model.RolePatient && req.PatientID != principal.ID {
		writeAPIError(w, http.StatusNotFound, "not_found", "unknown escalation request")
		return
	}

	writeJSON(w, http.StatusOK, escalationView(req))
}

type acceptResponse struct {
	RequestID string `json:"request_id"`
	RoomID    string `json:"room_id"`
	PatientID string `json:"patient_id"`
	State     string `json:"state"`
}

func (s *Server) handleEscalationAccept(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())

	sess, err := s.escalations.Accept(chi.URLParam(r, "requestID"), principal.ID)
	if err != nil {
		writeEscalationOutcomeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, acceptResponse{
		RequestID: sess.RequestID,
		RoomID:    sess.RoomID,
		PatientID: sess.PatientID,
		State:     string(sess.State),
	})
}

func (s *Server) handleEscalationReject(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())

	if err := s.escalations.Reject(chi.URLParam(r, "requestID"), principal.ID); err != nil {
		writeEscalationOutcomeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "rejected"})
}

func (s *Server) handleEscalationCancel(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())

	if err := s.escalations.Cancel(chi.URLParam(r, "requestID"), principal.ID); err != nil {
		writeEscalationOutcomeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "cancelled"})
}

// writeEscalationOutcomeError maps terminal-state races to conflict
// responses. Losing an accept race is an expected outcome for the
// doctor, not a server fault.
func writeEscalationOutcomeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, matcher.ErrUnknownRequest):
		writeAPIError(w, http.StatusNotFound, "not_found", "unknown escalation request")
	case errors.Is(err, matcher.ErrAlreadyAccepted):
		writeAPIError(w, http.StatusConflict, "already_accepted", "another doctor accepted this request")
	case errors.Is(err, matcher.ErrRequestTimedOut):
		writeAPIError(w, http.StatusConflict, "request_timed_out", "the request timed out before the action")
	case errors.Is(err, matcher.ErrRequestCancelled):
		writeAPIError(w, http.StatusConflict, "request_cancelled", "the patient cancelled this request")
	case errors.Is(err, matcher.ErrDoctorExcluded):
		writeAPIError(w, http.StatusConflict, "doctor_excluded", "this doctor was excluded from the request")
	default:
		writeAPIError(w, http.StatusInternalServerError, "internal_error", "escalation action failed")
	}
}

type availabilityRequest struct {
	Status string `json:"status"`
}

func (s *Server) handleAvailabilitySet(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())

	var body availabilityRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "invalid JSON payload")
		return
	}

	status := model.DoctorStatus(body.Status)
	switch status {
	case model.DoctorOnline, model.DoctorBusy, model.DoctorOffline:
	default:
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "status must be online, busy or offline")
		return
	}

	if err := s.availability.SetStatus(principal.ID, status); err != nil {
		if errors.Is(err, presence.ErrInvalidTransition) {
			writeAPIError(w, http.StatusConflict, "no_active_connection", "cannot go online without a live connection")
			return
		}
		writeAPIError(w, http.StatusInternalServerError, "internal_error", "failed to update availability")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"doctor_id": principal.ID,
		"status":    string(s.availability.Status(principal.ID)),
	})
}

func (s *Server) handleDoctorStats(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())

	stats, err := s.store.DoctorStats(r.Context(), principal.ID)
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "internal_error", "failed to load stats")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"doctor_id":         stats.DoctorID,
		"sessions_total":    stats.SessionsTotal,
		"sessions_ended":    stats.SessionsEnded,
		"accepted_requests": stats.AcceptedRequests,
		"avg_duration_secs": stats.AvgDurationSecs,
	})
}

type sessionSummaryResponse struct {
	RoomID         string     `json:"room_id"`
	RequestID      string     `json:"request_id"`
	PatientID      string     `json:"patient_id"`
	ConnectionType string     `json:"connection_type"`
	State          string     `json:"state"`
	StartedAt      time.Time  `json:"started_at"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
	EndReason      string     `json:"end_reason,omitempty"`
}

func (s *Server) handleDoctorSessions(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())

	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeAPIError(w, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		limit = min(parsed, 100)
	}

	sessions, err := s.store.ListDoctorSessions(r.Context(), principal.ID, limit)
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "internal_error", "failed to list sessions")
		return
	}

	out := make([]sessionSummaryResponse, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sessionSummaryResponse{
			RoomID:         sess.RoomID,
			RequestID:      sess.RequestID,
			PatientID:      sess.PatientID,
			ConnectionType: string(sess.ConnectionType),
			State:          string(sess.State),
			StartedAt:      sess.StartedAt,
			EndedAt:        sess.EndedAt,
			EndReason:      string(sess.EndReason),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

type signalPostRequest struct {
	Payload json.RawMessage `json:"payload"`
}

type signalPostResponse struct {
	Sequence int64 `json:"sequence"`
	Buffered bool  `json:"buffered"`
}

func (s *Server) handleSignalPost(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())
	roomID := chi.URLParam(r, "roomID")

	role, ok := s.signals.Party(roomID, principal.ID)
	if !ok {
		writeAPIError(w, http.StatusNotFound, "not_found", "unknown room")
		return
	}

	var body signalPostRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || len(body.Payload) == 0 {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "payload is required")
		return
	}

	seq, err := s.sessions.ForwardSignal(roomID, role, body.Payload)
	if err != nil {
		switch {
		case errors.Is(err, relay.ErrPeerNotConnected):
			// Buffered for the polling fallback, still sequenced.
			writeJSON(w, http.StatusAccepted, signalPostResponse{Sequence: seq, Buffered: true})
		case errors.Is(err, relay.ErrUnknownRoom):
			writeAPIError(w, http.StatusNotFound, "not_found", "unknown room")
		default:
			writeAPIError(w, http.StatusInternalServerError, "internal_error", "failed to forward signal")
		}
		return
	}

	writeJSON(w, http.StatusOK, signalPostResponse{Sequence: seq})
}

func (s *Server) handleSignalsPoll(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())
	roomID := chi.URLParam(r, "roomID")

	role, ok := s.signals.Party(roomID, principal.ID)
	if !ok {
		writeAPIError(w, http.StatusNotFound, "not_found", "unknown room")
		return
	}

	envelopes, err := s.signals.DrainSignals(roomID, role)
	if err != nil {
		writeAPIError(w, http.StatusNotFound, "not_found", "unknown room")
		return
	}
	if envelopes == nil {
		envelopes = []model.SignalingEnvelope{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"signals": envelopes})
}

type sessionEndRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleSessionEnd(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())
	roomID := chi.URLParam(r, "roomID")

	if _, ok := s.signals.Party(roomID, principal.ID); !ok {
		// The relay may already be closed for an ended session; fall
		// back to the controller's record before rejecting.
		sess, err := s.sessions.GetSession(roomID)
		if err != nil || (sess.PatientID != principal.ID && sess.DoctorID != principal.ID) {
			writeAPIError(w, http.StatusNotFound, "not_found", "unknown room")
			return
		}
	}

	reason := model.EndNormal
	if r.Body != nil {
		var body sessionEndRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err == nil && body.Reason != "" {
			switch model.EndReason(body.Reason) {
			case model.EndNormal, model.EndPeerUnreachable:
				reason = model.EndReason(body.Reason)
			default:
				writeAPIError(w, http.StatusBadRequest, "invalid_request", "reason must be normal or peer_unreachable")
				return
			}
		}
	}

	err := s.sessions.End(roomID, reason)
	switch {
	case err == nil, errors.Is(err, lifecycle.ErrAlreadyEnded):
		// Ending twice is fine, both parties may race to hang up.
		writeJSON(w, http.StatusOK, map[string]any{"room_id": roomID, "state": string(model.SessionEnded)})
	case errors.Is(err, lifecycle.ErrUnknownSession):
		writeAPIError(w, http.StatusNotFound, "not_found", "unknown room")
	default:
		writeAPIError(w, http.StatusInternalServerError, "internal_error", "failed to end session")
	}
}

type feedbackRequest struct {
	RoomID    string `json:"room_id"`
	Satisfied *bool  `json:"satisfied"`
	Rating    int    `json:"rating"`
	Comment   string `json:"comment"`
}

type feedbackResponse struct {
	Recorded           bool   `json:"recorded"`
	NewRequestID       string `json:"new_request_id,omitempty"`
	IsDifferentDoctor  bool   `json:"is_different_doctor,omitempty"`
	RetryLimitExceeded bool   `json:"retry_limit_exceeded,omitempty"`
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())

	var body feedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.RoomID == "" || body.Satisfied == nil {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "room_id and satisfied are required")
		return
	}

	sess, err := s.sessions.GetSession(body.RoomID)
	if err != nil {
		writeAPIError(w, http.StatusNotFound, "not_found", "unknown room")
		return
	}
	if sess.PatientID != principal.ID {
		writeAPIError(w, http.StatusNotFound, "not_found", "unknown room")
		return
	}

	if err := s.store.RecordFeedback(r.Context(), store.FeedbackInput{
		RoomID:    body.RoomID,
		RequestID: sess.RequestID,
		PatientID: principal.ID,
		Satisfied: *body.Satisfied,
		Rating:    body.Rating,
		Comment:   body.Comment,
	}); err != nil {
		writeAPIError(w, http.StatusInternalServerError, "internal_error", "failed to record feedback")
		return
	}

	resp := feedbackResponse{Recorded: true}
	if !*body.Satisfied {
		req, err := s.escalations.Reescalate(matcher.ReescalateInput{
			PreviousRoomID:       body.RoomID,
			ExcludeCurrentDoctor: true,
			AttemptNumber:        sess.AttemptNumber,
		})
		switch {
		case err == nil:
			resp.NewRequestID = req.ID
			resp.IsDifferentDoctor = true
		case errors.Is(err, matcher.ErrRetryLimitExceeded):
			resp.RetryLimitExceeded = true
		case errors.Is(err, matcher.ErrSessionNotEnded):
			writeAPIError(w, http.StatusConflict, "session_not_ended", "end the session before asking for another doctor")
			return
		case errors.Is(err, matcher.ErrNoRequesterConnection):
			writeAPIError(w, http.StatusConflict, "no_active_connection", "patient has no live connection to receive the outcome on")
			return
		default:
			writeAPIError(w, http.StatusInternalServerError, "internal_error", "failed to start re-escalation")
			return
		}
	}

	writeJSON(w, http.StatusOK, resp)
}
