package store

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"testing"
	"time"

	pgxmock "github.com/pashagolub/pgxmock/v4"

	"github.com/claritycare/triage-orchestrator/internal/model"
)

func newMock(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock pool: %v", err)
	}
	t.Cleanup(mock.Close)
	return mock
}

func TestRecordEscalationEventNullsEmptyOptionals(t *testing.T) {
	mock := newMock(t)

	mock.ExpectExec(regexp.QuoteMeta("insert into escalation_events")).
		WithArgs("esc_1", "", "request_broadcasting", "", json.RawMessage(`{"attempt":1}`)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	s := New(mock)
	err := s.RecordEscalationEvent(context.Background(), EventInput{
		RequestID: "esc_1",
		EventType: "request_broadcasting",
		Payload:   []byte(`{"attempt":1}`),
	})
	if err != nil {
		t.Fatalf("RecordEscalationEvent: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRecordEscalationEventDefaultsPayload(t *testing.T) {
	mock := newMock(t)

	mock.ExpectExec(regexp.QuoteMeta("insert into escalation_events")).
		WithArgs("esc_1", "room_1", "session_started", "doc_1", json.RawMessage(`{}`)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	s := New(mock)
	err := s.RecordEscalationEvent(context.Background(), EventInput{
		RequestID:   "esc_1",
		RoomID:      "room_1",
		EventType:   "session_started",
		PrincipalID: "doc_1",
	})
	if err != nil {
		t.Fatalf("RecordEscalationEvent: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestInsertSessionSummary(t *testing.T) {
	mock := newMock(t)

	startedAt := time.Now().UTC()
	mock.ExpectExec(regexp.QuoteMeta("insert into session_summaries")).
		WithArgs("room_1", "esc_1", "pat_1", "doc_1", "video", 1, startedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	s := New(mock)
	err := s.InsertSessionSummary(context.Background(), model.Session{
		RoomID:         "room_1",
		RequestID:      "esc_1",
		PatientID:      "pat_1",
		DoctorID:       "doc_1",
		ConnectionType: model.ConnectionVideo,
		AttemptNumber:  1,
		StartedAt:      startedAt,
	})
	if err != nil {
		t.Fatalf("InsertSessionSummary: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCloseSessionSummaryAlreadyClosed(t *testing.T) {
	mock := newMock(t)

	endedAt := time.Now().UTC()
	mock.ExpectExec(regexp.QuoteMeta("update session_summaries")).
		WithArgs("room_1", endedAt, "normal").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	s := New(mock)
	err := s.CloseSessionSummary(context.Background(), "room_1", model.EndNormal, endedAt)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for already closed summary, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestDoctorStats(t *testing.T) {
	mock := newMock(t)

	rows := pgxmock.NewRows([]string{"sessions_total", "sessions_ended", "avg_duration_seconds", "accepted_requests"}).
		AddRow(12, 11, 340, 14)
	mock.ExpectQuery(regexp.QuoteMeta("select")).
		WithArgs("doc_1").
		WillReturnRows(rows)

	s := New(mock)
	stats, err := s.DoctorStats(context.Background(), "doc_1")
	if err != nil {
		t.Fatalf("DoctorStats: %v", err)
	}
	if stats.DoctorID != "doc_1" || stats.SessionsTotal != 12 || stats.SessionsEnded != 11 || stats.AvgDurationSecs != 340 || stats.AcceptedRequests != 14 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestListDoctorSessions(t *testing.T) {
	mock := newMock(t)

	startedAt := time.Now().UTC().Add(-time.Hour)
	endedAt := startedAt.Add(10 * time.Minute)
	rows := pgxmock.NewRows([]string{
		"room_id", "request_id", "patient_id", "doctor_id", "connection_type", "attempt_number", "started_at", "ended_at", "end_reason",
	}).
		AddRow("room_1", "esc_1", "pat_1", "doc_1", "chat", 1, startedAt, &endedAt, "normal").
		AddRow("room_2", "esc_2", "pat_2", "doc_1", "video", 2, startedAt, (*time.Time)(nil), "")
	mock.ExpectQuery(regexp.QuoteMeta("select room_id, request_id, patient_id, doctor_id")).
		WithArgs("doc_1", 20).
		WillReturnRows(rows)

	s := New(mock)
	sessions, err := s.ListDoctorSessions(context.Background(), "doc_1", 20)
	if err != nil {
		t.Fatalf("ListDoctorSessions: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(sessions))
	}
	if sessions[0].State != model.SessionEnded || sessions[0].EndReason != model.EndNormal {
		t.Fatalf("unexpected first session %+v", sessions[0])
	}
	if sessions[1].State != model.SessionActive || sessions[1].EndedAt != nil {
		t.Fatalf("open summary should map to active, got %+v", sessions[1])
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCleanupExpiredEvents(t *testing.T) {
	mock := newMock(t)

	mock.ExpectExec(regexp.QuoteMeta("delete from escalation_events")).
		WithArgs(float64(720 * 3600)).
		WillReturnResult(pgxmock.NewResult("DELETE", 3))

	s := New(mock)
	if err := s.CleanupExpiredEvents(context.Background(), 720*time.Hour); err != nil {
		t.Fatalf("CleanupExpiredEvents: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
