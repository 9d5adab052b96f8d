// Package push defines the outbound event surface of the orchestrator.
// Any transport able to deliver an event to a principal's open
// connections can implement Pusher; the core never depends on a
// concrete transport.
package push

import "encoding/json"

// Event names pushed to collaborators' connections.
const (
	EventRequestBroadcast    = "request.broadcast"
	EventRequestAccepted     = "request.accepted"
	EventNoDoctorsAvailable  = "request.noDoctorsAvailable"
	EventRoomJoin            = "room.join"
	EventSignalEnvelope      = "signal.envelope"
	EventSessionEnded        = "session.ended"
	EventReescalationStarted = "reescalation.started"
)

type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// Pusher delivers an event to every open connection of a principal.
// It reports whether at least one connection received the event;
// delivery to a principal with no connections is not an error, the
// caller decides whether that matters.
type Pusher interface {
	Push(principalID string, ev Event) bool
}

type RequestBroadcast struct {
	RequestID      string `json:"request_id"`
	ConnectionType string `json:"connection_type"`
	PatientSummary string `json:"patient_summary"`
}

type RequestAccepted struct {
	RequestID  string `json:"request_id"`
	RoomID     string `json:"room_id"`
	DoctorID   string `json:"doctor_id"`
	DoctorName string `json:"doctor_name,omitempty"`
}

type NoDoctorsAvailable struct {
	RequestID string `json:"request_id"`
	Reason    string `json:"reason"`
}

type RoomJoin struct {
	RoomID string `json:"room_id"`
}

type SignalEnvelope struct {
	RoomID   string          `json:"room_id"`
	Payload  json.RawMessage `json:"payload"`
	Sequence int64           `json:"sequence"`
}

type SessionEnded struct {
	RoomID string `json:"room_id"`
	Reason string `json:"reason"`
}

type ReescalationStarted struct {
	NewRequestID      string `json:"new_request_id"`
	IsDifferentDoctor bool   `json:"is_different_doctor"`
}
