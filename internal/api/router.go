// Package api is the HTTP surface of the orchestrator: escalation
// lifecycle, doctor availability, the signaling fallback for clients
// without a live websocket, and feedback intake.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/claritycare/triage-orchestrator/internal/auth"
	"github.com/claritycare/triage-orchestrator/internal/config"
	"github.com/claritycare/triage-orchestrator/internal/matcher"
	"github.com/claritycare/triage-orchestrator/internal/metrics"
	"github.com/claritycare/triage-orchestrator/internal/model"
	"github.com/claritycare/triage-orchestrator/internal/store"
)

// Escalations is the slice of the matcher the API depends on.
type Escalations interface {
	Create(in matcher.CreateInput) (*model.EscalationRequest, error)
	Accept(requestID, doctorID string) (*model.Session, error)
	Reject(requestID, doctorID string) error
	Cancel(requestID, patientID string) error
	Get(requestID string) (*model.EscalationRequest, error)
	Reescalate(in matcher.ReescalateInput) (*model.EscalationRequest, error)
}

// SessionControl is the slice of the session controller the API drives.
type SessionControl interface {
	ForwardSignal(roomID string, fromRole model.Role, payload json.RawMessage) (int64, error)
	End(roomID string, reason model.EndReason) error
	GetSession(roomID string) (*model.Session, error)
}

// SignalRelay exposes the polling fallback and room membership checks.
type SignalRelay interface {
	Party(roomID, principalID string) (model.Role, bool)
	DrainSignals(roomID string, forRole model.Role) ([]model.SignalingEnvelope, error)
}

// Availability is the doctor-facing presence surface.
type Availability interface {
	SetStatus(doctorID string, status model.DoctorStatus) error
	Status(doctorID string) model.DoctorStatus
}

// Store covers the durable reads and writes the handlers perform
// inline. Audit writes happen elsewhere, off the request path.
type Store interface {
	RecordFeedback(ctx context.Context, in store.FeedbackInput) error
	DoctorStats(ctx context.Context, doctorID string) (*model.DoctorStats, error)
	ListDoctorSessions(ctx context.Context, doctorID string, limit int) ([]model.Session, error)
}

type Server struct {
	cfg          config.Config
	escalations  Escalations
	sessions     SessionControl
	signals      SignalRelay
	availability Availability
	store        Store
}

// Deps bundles the collaborators the router wires handlers to.
type Deps struct {
	Escalations  Escalations
	Sessions     SessionControl
	Signals      SignalRelay
	Availability Availability
	Store        Store
	WSHandler    http.Handler
}

func NewRouter(cfg config.Config, deps Deps) http.Handler {
	s := &Server{
		cfg:          cfg,
		escalations:  deps.Escalations,
		sessions:     deps.Sessions,
		signals:      deps.Signals,
		availability: deps.Availability,
		store:        deps.Store,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})
	r.Get("/metrics", metrics.Handler().ServeHTTP)

	r.Route("/api/v1", func(v1 chi.Router) {
		v1.With(auth.Middleware(cfg.JWTSecret)).Group(func(authed chi.Router) {
			authed.Post("/escalations", auth.RequireRole(model.RolePatient, s.handleEscalationCreate))
			authed.Get("/escalations/{requestID}", s.handleEscalationGet)
			authed.Post("/escalations/{requestID}/accept", auth.RequireRole(model.RoleDoctor, s.handleEscalationAccept))
			authed.Post("/escalations/{requestID}/reject", auth.RequireRole(model.RoleDoctor, s.handleEscalationReject))
			authed.Post("/escalations/{requestID}/cancel", auth.RequireRole(model.RolePatient, s.handleEscalationCancel))

			authed.Post("/doctors/availability", auth.RequireRole(model.RoleDoctor, s.handleAvailabilitySet))
			authed.Get("/doctors/stats", auth.RequireRole(model.RoleDoctor, s.handleDoctorStats))
			authed.Get("/doctors/sessions", auth.RequireRole(model.RoleDoctor, s.handleDoctorSessions))

			authed.Post("/sessions/{roomID}/signal", s.handleSignalPost)
			authed.Get("/sessions/{roomID}/signals", s.handleSignalsPoll)
			authed.Post("/sessions/{roomID}/end", s.handleSessionEnd)

			authed.Post("/feedback", auth.RequireRole(model.RolePatient, s.handleFeedback))

			if deps.WSHandler != nil {
				authed.Get("/ws", deps.WSHandler.ServeHTTP)
			}
		})
	})

	return r
}

type apiError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func writeAPIError(w http.ResponseWriter, status int, code, message string) {
	var payload apiError
	payload.Error.Code = code
	payload.Error.Message = message
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
