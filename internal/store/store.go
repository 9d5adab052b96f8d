// Package store is the storage collaborator: it persists lifecycle
// events and session summaries for audit and dashboards. The
// orchestrator core never reads these tables to make decisions.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/claritycare/triage-orchestrator/internal/model"
)

var ErrNotFound = errors.New("not found")

type Store struct {
	db DB
}

type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

func New(db DB) *Store {
	return &Store{db: db}
}

type EventInput struct {
	RequestID   string
	RoomID      string
	EventType   string
	PrincipalID string
	Payload     json.RawMessage
}

func (s *Store) RecordEscalationEvent(ctx context.Context, in EventInput) error {
	const q = `
insert into escalation_events
  (request_id, room_id, event_type, principal_id, payload_json, created_at)
values
  ($1, nullif($2, ''), $3, nullif($4, ''), $5, now())`
	payload := in.Payload
	if payload == nil {
		payload = json.RawMessage("{}")
	}
	_, err := s.db.Exec(ctx, q, in.RequestID, in.RoomID, in.EventType, in.PrincipalID, payload)
	return err
}

func (s *Store) InsertSessionSummary(ctx context.Context, sess model.Session) error {
	const q = `
insert into session_summaries
  (room_id, request_id, patient_id, doctor_id, connection_type, attempt_number, started_at, created_at, updated_at)
values
  ($1, $2, $3, $4, $5, $6, $7, now(), now())
on conflict (room_id) do nothing`
	_, err := s.db.Exec(ctx, q, sess.RoomID, sess.RequestID, sess.PatientID, sess.DoctorID, string(sess.ConnectionType), sess.AttemptNumber, sess.StartedAt)
	return err
}

func (s *Store) CloseSessionSummary(ctx context.Context, roomID string, reason model.EndReason, endedAt time.Time) error {
	const q = `
update session_summaries
set ended_at = $2, end_reason = $3, updated_at = now()
where room_id = $1 and ended_at is null`
	tag, err := s.db.Exec(ctx, q, roomID, endedAt, string(reason))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

type FeedbackInput struct {
	RoomID    string
	RequestID string
	PatientID string
	Satisfied bool
	Rating    int
	Comment   string
}

func (s *Store) RecordFeedback(ctx context.Context, in FeedbackInput) error {
	payload, err := json.Marshal(map[string]any{
		"satisfied": in.Satisfied,
		"rating":    in.Rating,
		"comment":   in.Comment,
	})
	if err != nil {
		return err
	}
	return s.RecordEscalationEvent(ctx, EventInput{
		RequestID:   in.RequestID,
		RoomID:      in.RoomID,
		EventType:   "feedback",
		PrincipalID: in.PatientID,
		Payload:     payload,
	})
}

func (s *Store) DoctorStats(ctx context.Context, doctorID string) (*model.DoctorStats, error) {
	const q = `
select
  count(*) as sessions_total,
  count(*) filter (where ended_at is not null) as sessions_ended,
  coalesce(avg(extract(epoch from (ended_at - started_at))) filter (where ended_at is not null), 0)::integer as avg_duration_seconds,
  (select count(*) from escalation_events e where e.event_type = 'request_accepted' and e.principal_id = $1) as accepted_requests
from session_summaries
where doctor_id = $1`
	out := model.DoctorStats{DoctorID: doctorID}
	if err := s.db.QueryRow(ctx, q, doctorID).Scan(
		&out.SessionsTotal, &out.SessionsEnded, &out.AvgDurationSecs, &out.AcceptedRequests,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &out, nil
}

// ListDoctorSessions returns a doctor's most recent session summaries,
// newest first, for the dashboard history view.
func (s *Store) ListDoctorSessions(ctx context.Context, doctorID string, limit int) ([]model.Session, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	const q = `
select room_id, request_id, patient_id, doctor_id, connection_type, attempt_number, started_at, ended_at, coalesce(end_reason, '')
from session_summaries
where doctor_id = $1
order by started_at desc
limit $2`
	rows, err := s.db.Query(ctx, q, doctorID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]model.Session, 0)
	for rows.Next() {
		var sess model.Session
		var connectionType, endReason string
		var endedAt *time.Time
		if err := rows.Scan(
			&sess.RoomID, &sess.RequestID, &sess.PatientID, &sess.DoctorID,
			&connectionType, &sess.AttemptNumber, &sess.StartedAt, &endedAt, &endReason,
		); err != nil {
			return nil, err
		}
		sess.ConnectionType = model.ConnectionType(connectionType)
		sess.EndedAt = endedAt
		sess.EndReason = model.EndReason(endReason)
		sess.State = model.SessionEnded
		if endedAt == nil {
			sess.State = model.SessionActive
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) CleanupExpiredEvents(ctx context.Context, retention time.Duration) error {
	_, err := s.db.Exec(ctx, `delete from escalation_events where created_at < now() - make_interval(secs => $1)`, retention.Seconds())
	return err
}
