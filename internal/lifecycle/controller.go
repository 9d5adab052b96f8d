// Package lifecycle owns the per-session state machine:
// Negotiating -> Active -> Ended, with timeout and disconnect paths.
package lifecycle

import (
	"encoding/json"
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/claritycare/triage-orchestrator/internal/metrics"
	"github.com/claritycare/triage-orchestrator/internal/model"
	"github.com/claritycare/triage-orchestrator/internal/push"
	"github.com/claritycare/triage-orchestrator/internal/relay"
)

var (
	ErrAlreadyEnded   = errors.New("session already ended")
	ErrUnknownSession = errors.New("unknown session")
	ErrNotParticipant = errors.New("principal is not a session participant")
)

// Presence is the slice of the registry the controller drives: Busy
// while a session runs, back to Online when it ends.
type Presence interface {
	SetStatus(doctorID string, status model.DoctorStatus) error
}

// Auditor receives terminal lifecycle facts for persistence. Calls are
// fire-and-forget; the controller never blocks on audit.
type Auditor interface {
	SessionStarted(s model.Session)
	SessionEnded(s model.Session)
}

type session struct {
	mu        sync.Mutex
	data      model.Session
	timer     *time.Timer
	seenRoles map[model.Role]bool
}

type Controller struct {
	mu          sync.Mutex
	sessions    map[string]*session            // roomID -> session
	byPrincipal map[string]map[string]struct{} // principalID -> roomIDs
	relay       *relay.Relay
	presence    Presence
	pusher      push.Pusher
	audit       Auditor
	negotiation time.Duration
}

func NewController(rel *relay.Relay, pres Presence, pusher push.Pusher, audit Auditor, negotiationTimeout time.Duration) *Controller {
	return &Controller{
		sessions:    make(map[string]*session),
		byPrincipal: make(map[string]map[string]struct{}),
		relay:       rel,
		presence:    pres,
		pusher:      pusher,
		audit:       audit,
		negotiation: negotiationTimeout,
	}
}

// RoomIDFor derives the immutable room id from a request id. Room ids
// are never reused because request ids are not.
func RoomIDFor(requestID string) string {
	return "room_" + strings.TrimPrefix(requestID, "esc_")
}

// StartSession creates the session for an accepted request, marks the
// doctor Busy, opens the relay room and pushes room.join to both
// parties. Exactly one session exists per accepted request.
func (c *Controller) StartSession(req *model.EscalationRequest) (*model.Session, error) {
	roomID := RoomIDFor(req.ID)
	now := time.Now().UTC()
	s := &session{
		data: model.Session{
			RoomID:         roomID,
			RequestID:      req.ID,
			PatientID:      req.PatientID,
			DoctorID:       req.AcceptedBy,
			ConnectionType: req.ConnectionType,
			State:          model.SessionNegotiating,
			StartedAt:      now,
			AttemptNumber:  req.AttemptNumber,
		},
		seenRoles: make(map[model.Role]bool),
	}
	// Snapshot before the session is reachable; once it is in the map a
	// racing End (explicit or via disconnect) may mutate s.data.
	snapshot := s.data

	c.mu.Lock()
	if _, ok := c.sessions[roomID]; ok {
		c.mu.Unlock()
		return nil, relay.ErrRoomAlreadyOpen
	}
	c.sessions[roomID] = s
	c.indexLocked(req.PatientID, roomID)
	c.indexLocked(req.AcceptedBy, roomID)
	c.mu.Unlock()

	if err := c.relay.Open(roomID, req.PatientID, req.AcceptedBy); err != nil {
		c.mu.Lock()
		delete(c.sessions, roomID)
		c.unindexLocked(req.PatientID, roomID)
		c.unindexLocked(req.AcceptedBy, roomID)
		c.mu.Unlock()
		return nil, err
	}

	if err := c.presence.SetStatus(req.AcceptedBy, model.DoctorBusy); err != nil {
		log.Printf("event=session_start_busy_skipped room_id=%s doctor_id=%s err=%q", roomID, req.AcceptedBy, err.Error())
	}

	s.mu.Lock()
	if s.data.State != model.SessionEnded {
		s.timer = time.AfterFunc(c.negotiation, func() {
			if err := c.End(roomID, model.EndTimeout); err != nil && !errors.Is(err, ErrAlreadyEnded) {
				log.Printf("event=negotiation_timeout_end_failed room_id=%s err=%q", roomID, err.Error())
			}
		})
	}
	s.mu.Unlock()

	joinEv := push.Event{Type: push.EventRoomJoin, Payload: push.RoomJoin{RoomID: roomID}}
	c.pusher.Push(req.PatientID, joinEv)
	c.pusher.Push(req.AcceptedBy, joinEv)

	c.audit.SessionStarted(snapshot)
	log.Printf("event=session_started room_id=%s request_id=%s patient_id=%s doctor_id=%s", roomID, req.ID, req.PatientID, req.AcceptedBy)
	return &snapshot, nil
}

// ForwardSignal relays one envelope and advances Negotiating -> Active
// once both sides have forwarded at least one envelope.
func (c *Controller) ForwardSignal(roomID string, fromRole model.Role, payload json.RawMessage) (int64, error) {
	s, ok := c.lookup(roomID)
	if !ok {
		return 0, relay.ErrUnknownRoom
	}

	seq, err := c.relay.Forward(roomID, fromRole, payload)
	if err != nil {
		return seq, err
	}

	s.mu.Lock()
	if s.data.State == model.SessionNegotiating {
		s.seenRoles[fromRole] = true
		if s.seenRoles[model.RolePatient] && s.seenRoles[model.RoleDoctor] {
			c.activateLocked(s)
		}
	}
	s.mu.Unlock()
	return seq, nil
}

// MarkConnected is the explicit client acknowledgment path to Active.
func (c *Controller) MarkConnected(roomID string) error {
	s, ok := c.lookup(roomID)
	if !ok {
		return ErrUnknownSession
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.data.State {
	case model.SessionEnded:
		return ErrAlreadyEnded
	case model.SessionNegotiating:
		c.activateLocked(s)
	}
	return nil
}

// activateLocked transitions to Active and stops the negotiation
// timer. Caller holds s.mu.
func (c *Controller) activateLocked(s *session) {
	s.data.State = model.SessionActive
	if s.timer != nil {
		s.timer.Stop()
	}
	log.Printf("event=session_active room_id=%s", s.data.RoomID)
}

// End drives the session to its terminal state. Racing callers are
// expected; every call after the first observes ErrAlreadyEnded and
// nothing mutates.
func (c *Controller) End(roomID string, reason model.EndReason) error {
	s, ok := c.lookup(roomID)
	if !ok {
		return ErrUnknownSession
	}

	s.mu.Lock()
	if s.data.State == model.SessionEnded {
		s.mu.Unlock()
		return ErrAlreadyEnded
	}
	now := time.Now().UTC()
	s.data.State = model.SessionEnded
	s.data.EndedAt = &now
	s.data.EndReason = reason
	if s.timer != nil {
		s.timer.Stop()
	}
	snapshot := s.data
	s.mu.Unlock()

	c.relay.Close(roomID, string(reason))

	// The doctor goes back Online unless the doctor itself is gone, in
	// which case deregistration already forced Offline and SetStatus
	// correctly refuses.
	if reason != model.EndDoctorLeft {
		if err := c.presence.SetStatus(snapshot.DoctorID, model.DoctorOnline); err != nil {
			log.Printf("event=session_end_revert_skipped room_id=%s doctor_id=%s err=%q", roomID, snapshot.DoctorID, err.Error())
		}
	}

	endedEv := push.Event{Type: push.EventSessionEnded, Payload: push.SessionEnded{RoomID: roomID, Reason: string(reason)}}
	c.pusher.Push(snapshot.PatientID, endedEv)
	c.pusher.Push(snapshot.DoctorID, endedEv)

	metrics.SessionsEndedTotal.WithLabelValues(string(reason)).Inc()
	metrics.SessionDurationMS.Observe(float64(now.Sub(snapshot.StartedAt).Milliseconds()))
	c.audit.SessionEnded(snapshot)
	log.Printf("event=session_ended room_id=%s reason=%s duration_ms=%d", roomID, reason, now.Sub(snapshot.StartedAt).Milliseconds())
	return nil
}

// HandleDisconnect is wired as a presence disconnect subscriber. Losing
// one tab of several is not a departure; only the last connection ends
// the principal's sessions.
func (c *Controller) HandleDisconnect(principalID string, role model.Role, lastConnection bool) {
	if !lastConnection {
		return
	}
	reason := model.EndPatientLeft
	if role == model.RoleDoctor {
		reason = model.EndDoctorLeft
	}

	c.mu.Lock()
	roomIDs := make([]string, 0, len(c.byPrincipal[principalID]))
	for roomID := range c.byPrincipal[principalID] {
		roomIDs = append(roomIDs, roomID)
	}
	c.mu.Unlock()

	for _, roomID := range roomIDs {
		if err := c.End(roomID, reason); err != nil && !errors.Is(err, ErrAlreadyEnded) {
			log.Printf("event=disconnect_end_failed room_id=%s principal_id=%s err=%q", roomID, principalID, err.Error())
		}
	}
}

// GetSession returns a snapshot, including ended sessions still held
// for the re-escalation window.
func (c *Controller) GetSession(roomID string) (*model.Session, error) {
	s, ok := c.lookup(roomID)
	if !ok {
		return nil, ErrUnknownSession
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := s.data
	return &snapshot, nil
}

// SweepEnded drops ended sessions older than cutoff so the in-memory
// table stays bounded. Returns how many were removed.
func (c *Controller) SweepEnded(cutoff time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for roomID, s := range c.sessions {
		s.mu.Lock()
		gone := s.data.State == model.SessionEnded && s.data.EndedAt != nil && s.data.EndedAt.Before(cutoff)
		patientID, doctorID := s.data.PatientID, s.data.DoctorID
		s.mu.Unlock()
		if !gone {
			continue
		}
		delete(c.sessions, roomID)
		c.unindexLocked(patientID, roomID)
		c.unindexLocked(doctorID, roomID)
		removed++
	}
	return removed
}

func (c *Controller) lookup(roomID string) (*session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[roomID]
	return s, ok
}

func (c *Controller) indexLocked(principalID, roomID string) {
	set := c.byPrincipal[principalID]
	if set == nil {
		set = make(map[string]struct{})
		c.byPrincipal[principalID] = set
	}
	set[roomID] = struct{}{}
}

func (c *Controller) unindexLocked(principalID, roomID string) {
	set := c.byPrincipal[principalID]
	delete(set, roomID)
	if len(set) == 0 {
		delete(c.byPrincipal, principalID)
	}
}
