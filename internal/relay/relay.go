// Package relay forwards opaque negotiation payloads between the two
// parties bound to a room. It never inspects or transforms payloads.
package relay

import (
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/claritycare/triage-orchestrator/internal/metrics"
	"github.com/claritycare/triage-orchestrator/internal/model"
	"github.com/claritycare/triage-orchestrator/internal/push"
)

var (
	ErrRoomAlreadyOpen  = errors.New("room already open")
	ErrUnknownRoom      = errors.New("unknown room")
	ErrPeerNotConnected = errors.New("peer not connected")
)

// Presence is the subset of the presence registry the relay needs to
// resolve whether a destination currently has an open connection.
type Presence interface {
	IsConnected(principalID string) bool
}

type room struct {
	mu        sync.Mutex
	patientID string
	doctorID  string
	seq       int64
	// Envelopes that could not be pushed wait here for the polling
	// fallback, keyed by the role that should receive them.
	fallback map[model.Role][]model.SignalingEnvelope
}

type Relay struct {
	mu        sync.Mutex
	rooms     map[string]*room
	pusher    push.Pusher
	presence  Presence
	bufferTTL time.Duration
}

func New(pusher push.Pusher, presence Presence, bufferTTL time.Duration) *Relay {
	return &Relay{
		rooms:     make(map[string]*room),
		pusher:    pusher,
		presence:  presence,
		bufferTTL: bufferTTL,
	}
}

// Open binds the patient and doctor to roomID. Calling twice for the
// same room is a caller error.
func (r *Relay) Open(roomID, patientID, doctorID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rooms[roomID]; ok {
		return ErrRoomAlreadyOpen
	}
	r.rooms[roomID] = &room{
		patientID: patientID,
		doctorID:  doctorID,
		fallback:  make(map[model.Role][]model.SignalingEnvelope),
	}
	log.Printf("event=relay_open room_id=%s patient_id=%s doctor_id=%s", roomID, patientID, doctorID)
	return nil
}

// Forward delivers payload to the other party's current connections.
// Envelopes from one sender are delivered in send order; the per-room
// sequence is diagnostic. When the destination has no open connection
// the envelope is buffered for the polling fallback and
// ErrPeerNotConnected is returned so the caller can retry.
func (r *Relay) Forward(roomID string, fromRole model.Role, payload json.RawMessage) (int64, error) {
	r.mu.Lock()
	rm, ok := r.rooms[roomID]
	r.mu.Unlock()
	if !ok {
		return 0, ErrUnknownRoom
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()

	rm.seq++
	env := model.SignalingEnvelope{
		RoomID:   roomID,
		FromRole: fromRole,
		Payload:  payload,
		Sequence: rm.seq,
		SentAt:   time.Now().UTC(),
	}

	destID, destRole := rm.patientID, model.RolePatient
	if fromRole == model.RolePatient {
		destID, destRole = rm.doctorID, model.RoleDoctor
	}

	if !r.presence.IsConnected(destID) {
		rm.fallback[destRole] = append(rm.fallback[destRole], env)
		metrics.SignalEnvelopesTotal.WithLabelValues("buffered").Inc()
		return env.Sequence, ErrPeerNotConnected
	}

	// A reconnected peer may still have envelopes buffered during the
	// outage. Flush those over push first so the receiver never sees a
	// newer envelope before an older one.
	backlog := rm.fallback[destRole]
	delete(rm.fallback, destRole)
	for i, buffered := range backlog {
		if !r.pushEnvelope(destID, buffered) {
			rm.fallback[destRole] = append(backlog[i:], env)
			metrics.SignalEnvelopesTotal.WithLabelValues("buffered").Inc()
			return env.Sequence, ErrPeerNotConnected
		}
		metrics.SignalEnvelopesTotal.WithLabelValues("push").Inc()
	}

	if !r.pushEnvelope(destID, env) {
		rm.fallback[destRole] = append(rm.fallback[destRole], env)
		metrics.SignalEnvelopesTotal.WithLabelValues("buffered").Inc()
		return env.Sequence, ErrPeerNotConnected
	}
	metrics.SignalEnvelopesTotal.WithLabelValues("push").Inc()
	return env.Sequence, nil
}

func (r *Relay) pushEnvelope(destID string, env model.SignalingEnvelope) bool {
	return r.pusher.Push(destID, push.Event{
		Type: push.EventSignalEnvelope,
		Payload: push.SignalEnvelope{
			RoomID:   env.RoomID,
			Payload:  env.Payload,
			Sequence: env.Sequence,
		},
	})
}

// DrainSignals returns and clears buffered envelopes for the given
// role, oldest first. Degraded-mode read path for transports that
// cannot receive pushes.
func (r *Relay) DrainSignals(roomID string, forRole model.Role) ([]model.SignalingEnvelope, error) {
	r.mu.Lock()
	rm, ok := r.rooms[roomID]
	r.mu.Unlock()
	if !ok {
		return nil, ErrUnknownRoom
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	out := rm.fallback[forRole]
	delete(rm.fallback, forRole)
	return out, nil
}

// Party returns the role principalID plays in the room, if any.
func (r *Relay) Party(roomID, principalID string) (model.Role, bool) {
	r.mu.Lock()
	rm, ok := r.rooms[roomID]
	r.mu.Unlock()
	if !ok {
		return "", false
	}
	switch principalID {
	case rm.patientID:
		return model.RolePatient, true
	case rm.doctorID:
		return model.RoleDoctor, true
	}
	return "", false
}

// Close unbinds both parties and drops buffered envelopes. Idempotent.
func (r *Relay) Close(roomID, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rooms[roomID]; !ok {
		return
	}
	delete(r.rooms, roomID)
	log.Printf("event=relay_close room_id=%s reason=%s", roomID, reason)
}

// SweepExpired drops buffered fallback envelopes older than the buffer
// TTL and returns how many were dropped. Run periodically by the jobs
// worker; a slow poller should not pin memory forever.
func (r *Relay) SweepExpired(now time.Time) int {
	r.mu.Lock()
	rooms := make([]*room, 0, len(r.rooms))
	for _, rm := range r.rooms {
		rooms = append(rooms, rm)
	}
	r.mu.Unlock()

	cutoff := now.Add(-r.bufferTTL)
	dropped := 0
	for _, rm := range rooms {
		rm.mu.Lock()
		for role, envs := range rm.fallback {
			kept := envs[:0]
			for _, env := range envs {
				if env.SentAt.After(cutoff) {
					kept = append(kept, env)
				} else {
					dropped++
				}
			}
			if len(kept) == 0 {
				delete(rm.fallback, role)
			} else {
				rm.fallback[role] = kept
			}
		}
		rm.mu.Unlock()
	}
	return dropped
}
