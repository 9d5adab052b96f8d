// Package matcher pairs a patient in need with the first doctor to
// accept, under a hard at-most-one-winner guarantee.
package matcher

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/claritycare/triage-orchestrator/internal/metrics"
	"github.com/claritycare/triage-orchestrator/internal/model"
	"github.com/claritycare/triage-orchestrator/internal/notify"
	"github.com/claritycare/triage-orchestrator/internal/presence"
	"github.com/claritycare/triage-orchestrator/internal/push"
)

var (
	ErrNoRequesterConnection = errors.New("patient has no open connection")
	ErrUnknownRequest        = errors.New("unknown request")
	ErrAlreadyAccepted       = errors.New("request already accepted")
	ErrRequestTimedOut       = errors.New("request timed out")
	ErrRequestCancelled      = errors.New("request cancelled")
	ErrDoctorExcluded        = errors.New("doctor excluded from this request")
	ErrInvalidConnectionType = errors.New("invalid connection type")
	ErrRetryLimitExceeded    = errors.New("re-escalation retry limit exceeded")
	ErrSessionNotEnded       = errors.New("previous session has not ended")
)

// Sessions is the lifecycle surface the matcher drives: session
// creation on a won accept, and ended-session reads for re-escalation.
type Sessions interface {
	StartSession(req *model.EscalationRequest) (*model.Session, error)
	GetSession(roomID string) (*model.Session, error)
}

// Auditor receives request lifecycle facts for persistence.
// Fire-and-forget; matching never blocks on audit.
type Auditor interface {
	RequestCreated(r model.EscalationRequest, doctorsNotified int)
	RequestResolved(r model.EscalationRequest)
}

type request struct {
	mu         sync.Mutex
	data       model.EscalationRequest
	timer      *time.Timer
	rejectedBy map[string]struct{}
}

type Matcher struct {
	mu       sync.Mutex
	requests map[string]*request

	presence   *presence.Registry
	pusher     push.Pusher
	sessions   Sessions
	audit      Auditor
	notifier   notify.Notifier
	broadcast  time.Duration
	retryLimit int
}

func New(pres *presence.Registry, pusher push.Pusher, sessions Sessions, audit Auditor, notifier notify.Notifier, broadcastTimeout time.Duration, retryLimit int) *Matcher {
	return &Matcher{
		requests:   make(map[string]*request),
		presence:   pres,
		pusher:     pusher,
		sessions:   sessions,
		audit:      audit,
		notifier:   notifier,
		broadcast:  broadcastTimeout,
		retryLimit: retryLimit,
	}
}

type CreateInput struct {
	PatientID         string
	ConnectionType    model.ConnectionType
	ExcludedDoctorIDs map[string]struct{}
	AttemptNumber     int
	TriggerContext    string
	PatientSummary    string
	EmergencyContact  string
}

// Create records a new escalation request, fans it out to every
// eligible online doctor and arms the broadcast timer. It returns once
// fan-out is dispatched; acceptance arrives asynchronously over the
// patient's connection.
func (m *Matcher) Create(in CreateInput) (*model.EscalationRequest, error) {
	if in.ConnectionType != model.ConnectionChat && in.ConnectionType != model.ConnectionVideo {
		return nil, ErrInvalidConnectionType
	}
	if !m.presence.IsConnected(in.PatientID) {
		return nil, ErrNoRequesterConnection
	}

	attempt := in.AttemptNumber
	if attempt <= 0 {
		attempt = 1
	}
	excluded := make(map[string]struct{}, len(in.ExcludedDoctorIDs))
	for id := range in.ExcludedDoctorIDs {
		excluded[id] = struct{}{}
	}

	req := &request{
		data: model.EscalationRequest{
			ID:                "esc_" + uuid.NewString(),
			PatientID:         in.PatientID,
			ConnectionType:    in.ConnectionType,
			Status:            model.RequestBroadcasting,
			ExcludedDoctorIDs: excluded,
			AttemptNumber:     attempt,
			TriggerContext:    in.TriggerContext,
			CreatedAt:         time.Now().UTC(),
		},
		rejectedBy: make(map[string]struct{}),
	}

	// Snapshot before the request is reachable; once it is in the map a
	// doctor's Accept may mutate req.data concurrently with fan-out.
	snapshot := req.data
	requestID := snapshot.ID

	m.mu.Lock()
	m.requests[requestID] = req
	m.mu.Unlock()

	req.mu.Lock()
	if req.data.Status == model.RequestBroadcasting {
		req.timer = time.AfterFunc(m.broadcast, func() { m.expire(requestID) })
	}
	req.mu.Unlock()

	doctors := m.presence.ListOnlineDoctors(excluded)
	for _, doctorID := range doctors {
		m.pusher.Push(doctorID, push.Event{
			Type: push.EventRequestBroadcast,
			Payload: push.RequestBroadcast{
				RequestID:      requestID,
				ConnectionType: string(in.ConnectionType),
				PatientSummary: in.PatientSummary,
			},
		})
	}

	metrics.EscalationsTotal.WithLabelValues(string(in.ConnectionType), boolLabel(attempt > 1)).Inc()
	metrics.BroadcastFanout.Observe(float64(len(doctors)))
	log.Printf("event=escalation_created request_id=%s patient_id=%s connection_type=%s attempt=%d doctors_notified=%d", requestID, in.PatientID, in.ConnectionType, attempt, len(doctors))

	m.audit.RequestCreated(snapshot, len(doctors))

	if in.EmergencyContact != "" && attempt == 1 {
		go m.notifyEmergencyContact(in.PatientID, in.EmergencyContact, requestID)
	}
	return &snapshot, nil
}

// Accept resolves the race: the first doctor to reach the
// Broadcasting -> Accepted transition wins and gets the room; every
// later caller observes the terminal status. Losers are not told who
// won.
func (m *Matcher) Accept(requestID, doctorID string) (*model.Session, error) {
	req, ok := m.lookup(requestID)
	if !ok {
		return nil, ErrUnknownRequest
	}

	req.mu.Lock()
	if req.data.Status != model.RequestBroadcasting {
		err := terminalError(req.data.Status)
		req.mu.Unlock()
		metrics.AcceptRaceTotal.WithLabelValues("lost").Inc()
		return nil, err
	}
	if req.data.Excluded(doctorID) {
		req.mu.Unlock()
		return nil, ErrDoctorExcluded
	}
	req.data.Status = model.RequestAccepted
	req.data.AcceptedBy = doctorID
	if req.timer != nil {
		req.timer.Stop()
	}
	snapshot := req.data
	req.mu.Unlock()

	metrics.AcceptRaceTotal.WithLabelValues("won").Inc()
	metrics.EscalationOutcomes.WithLabelValues(string(model.RequestAccepted)).Inc()

	sess, err := m.sessions.StartSession(&snapshot)
	if err != nil {
		log.Printf("event=session_start_failed request_id=%s doctor_id=%s err=%q", requestID, doctorID, err.Error())
		return nil, err
	}

	m.pusher.Push(snapshot.PatientID, push.Event{
		Type: push.EventRequestAccepted,
		Payload: push.RequestAccepted{
			RequestID: requestID,
			RoomID:    sess.RoomID,
			DoctorID:  doctorID,
		},
	})
	m.audit.RequestResolved(snapshot)
	log.Printf("event=escalation_accepted request_id=%s doctor_id=%s room_id=%s", requestID, doctorID, sess.RoomID)
	return sess, nil
}

// Reject is advisory: recorded per doctor, never changes the aggregate
// status, and can never retroactively un-accept.
func (m *Matcher) Reject(requestID, doctorID string) error {
	req, ok := m.lookup(requestID)
	if !ok {
		return ErrUnknownRequest
	}
	req.mu.Lock()
	defer req.mu.Unlock()
	if req.data.Status != model.RequestBroadcasting {
		return terminalError(req.data.Status)
	}
	req.rejectedBy[doctorID] = struct{}{}
	log.Printf("event=escalation_rejected request_id=%s doctor_id=%s rejections=%d", requestID, doctorID, len(req.rejectedBy))
	return nil
}

// Cancel is patient-initiated and only valid while Broadcasting.
func (m *Matcher) Cancel(requestID, patientID string) error {
	req, ok := m.lookup(requestID)
	if !ok {
		return ErrUnknownRequest
	}
	req.mu.Lock()
	if req.data.PatientID != patientID {
		req.mu.Unlock()
		return ErrUnknownRequest
	}
	if req.data.Status != model.RequestBroadcasting {
		err := terminalError(req.data.Status)
		req.mu.Unlock()
		return err
	}
	req.data.Status = model.RequestCancelled
	if req.timer != nil {
		req.timer.Stop()
	}
	snapshot := req.data
	req.mu.Unlock()

	metrics.EscalationOutcomes.WithLabelValues(string(model.RequestCancelled)).Inc()
	m.audit.RequestResolved(snapshot)
	log.Printf("event=escalation_cancelled request_id=%s", requestID)
	return nil
}

// Get returns a snapshot for the polling fallback. Reads current
// status only; polling is never a second write path.
func (m *Matcher) Get(requestID string) (*model.EscalationRequest, error) {
	req, ok := m.lookup(requestID)
	if !ok {
		return nil, ErrUnknownRequest
	}
	req.mu.Lock()
	defer req.mu.Unlock()
	snapshot := req.data
	return &snapshot, nil
}

// expire fires on the broadcast timer. No acceptance by now is a
// normal outcome, reported to the patient as no-doctors-available.
func (m *Matcher) expire(requestID string) {
	req, ok := m.lookup(requestID)
	if !ok {
		return
	}
	req.mu.Lock()
	if req.data.Status != model.RequestBroadcasting {
		req.mu.Unlock()
		return
	}
	req.data.Status = model.RequestTimedOut
	snapshot := req.data
	req.mu.Unlock()

	m.pusher.Push(snapshot.PatientID, push.Event{
		Type: push.EventNoDoctorsAvailable,
		Payload: push.NoDoctorsAvailable{
			RequestID: requestID,
			Reason:    "no doctors accepted within the wait window",
		},
	})
	metrics.EscalationOutcomes.WithLabelValues(string(model.RequestTimedOut)).Inc()
	m.audit.RequestResolved(snapshot)
	log.Printf("event=escalation_timed_out request_id=%s patient_id=%s", requestID, snapshot.PatientID)
}

// SweepTerminal drops terminal requests created before cutoff so the
// in-memory table stays bounded. Returns how many were removed.
func (m *Matcher) SweepTerminal(cutoff time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, req := range m.requests {
		req.mu.Lock()
		gone := req.data.Status.Terminal() && req.data.CreatedAt.Before(cutoff)
		req.mu.Unlock()
		if gone {
			delete(m.requests, id)
			removed++
		}
	}
	return removed
}

func (m *Matcher) lookup(requestID string) (*request, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[requestID]
	return req, ok
}

func (m *Matcher) notifyEmergencyContact(patientID, phoneNumber, requestID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	err := m.notifier.NotifyEmergencyContact(ctx, notify.Input{
		PatientID:   patientID,
		PhoneNumber: phoneNumber,
		RequestID:   requestID,
	})
	if err != nil {
		// Matching must not depend on the contact channel being up.
		log.Printf("event=emergency_notify_failed request_id=%s patient_id=%s err=%q", requestID, patientID, err.Error())
	}
}

func terminalError(status model.RequestStatus) error {
	switch status {
	case model.RequestAccepted:
		return ErrAlreadyAccepted
	case model.RequestTimedOut:
		return ErrRequestTimedOut
	case model.RequestCancelled:
		return ErrRequestCancelled
	default:
		return ErrUnknownRequest
	}
}

func boolLabel(v bool) string {
	if v {
		return "true"
	}
	return "false"
}
