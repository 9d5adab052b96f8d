package store

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/claritycare/triage-orchestrator/internal/model"
)

// Audit adapts the store to the fire-and-forget auditor interfaces the
// matcher and lifecycle controller consume. Writes run off the caller's
// goroutine with their own deadline; a failed write is logged, never
// surfaced to the real-time path.
type Audit struct {
	store *Store
}

func NewAudit(s *Store) *Audit {
	return &Audit{store: s}
}

const auditWriteTimeout = 5 * time.Second

func (a *Audit) RequestCreated(r model.EscalationRequest, doctorsNotified int) {
	payload, _ := json.Marshal(map[string]any{
		"connection_type":  string(r.ConnectionType),
		"attempt_number":   r.AttemptNumber,
		"doctors_notified": doctorsNotified,
		"trigger_context":  r.TriggerContext,
	})
	a.write("request_created", func(ctx context.Context) error {
		return a.store.RecordEscalationEvent(ctx, EventInput{
			RequestID:   r.ID,
			EventType:   "request_created",
			PrincipalID: r.PatientID,
			Payload:     payload,
		})
	})
}

func (a *Audit) RequestResolved(r model.EscalationRequest) {
	eventType := "request_" + string(r.Status)
	principalID := r.PatientID
	if r.Status == model.RequestAccepted {
		principalID = r.AcceptedBy
	}
	payload, _ := json.Marshal(map[string]any{"attempt_number": r.AttemptNumber})
	a.write(eventType, func(ctx context.Context) error {
		return a.store.RecordEscalationEvent(ctx, EventInput{
			RequestID:   r.ID,
			EventType:   eventType,
			PrincipalID: principalID,
			Payload:     payload,
		})
	})
}

func (a *Audit) SessionStarted(sess model.Session) {
	a.write("session_started", func(ctx context.Context) error {
		if err := a.store.InsertSessionSummary(ctx, sess); err != nil {
			return err
		}
		return a.store.RecordEscalationEvent(ctx, EventInput{
			RequestID: sess.RequestID,
			RoomID:    sess.RoomID,
			EventType: "session_started",
		})
	})
}

func (a *Audit) SessionEnded(sess model.Session) {
	endedAt := time.Now().UTC()
	if sess.EndedAt != nil {
		endedAt = *sess.EndedAt
	}
	payload, _ := json.Marshal(map[string]any{"end_reason": string(sess.EndReason)})
	a.write("session_ended", func(ctx context.Context) error {
		if err := a.store.CloseSessionSummary(ctx, sess.RoomID, sess.EndReason, endedAt); err != nil {
			return err
		}
		return a.store.RecordEscalationEvent(ctx, EventInput{
			RequestID: sess.RequestID,
			RoomID:    sess.RoomID,
			EventType: "session_ended",
			Payload:   payload,
		})
	})
}

func (a *Audit) write(eventType string, fn func(context.Context) error) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), auditWriteTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			log.Printf("event=audit_write_failed event_type=%s err=%q", eventType, err.Error())
		}
	}()
}
