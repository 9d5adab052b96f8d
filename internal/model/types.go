package model

import (
	"encoding/json"
	"time"
)

type Role string

const (
	RolePatient Role = "patient"
	RoleDoctor  Role = "doctor"
)

type ConnectionType string

const (
	ConnectionChat  ConnectionType = "chat"
	ConnectionVideo ConnectionType = "video"
)

// Connection is one open real-time channel to a principal. A principal
// may hold several at once (multi-tab); availability is derived per
// principal, never per connection.
type Connection struct {
	PrincipalID  string
	Role         Role
	ConnectionID string
	ConnectedAt  time.Time
}

type DoctorStatus string

const (
	DoctorOnline  DoctorStatus = "online"
	DoctorBusy    DoctorStatus = "busy"
	DoctorOffline DoctorStatus = "offline"
)

type RequestStatus string

const (
	RequestBroadcasting RequestStatus = "broadcasting"
	RequestAccepted     RequestStatus = "accepted"
	RequestRejected     RequestStatus = "rejected"
	RequestTimedOut     RequestStatus = "timed_out"
	RequestCancelled    RequestStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s RequestStatus) Terminal() bool {
	return s != RequestBroadcasting
}

// EscalationRequest is one matching attempt. Held in memory until it
// reaches a terminal status; audit snapshots go to the store but the
// matcher never reads them back.
type EscalationRequest struct {
	ID                string
	PatientID         string
	ConnectionType    ConnectionType
	Status            RequestStatus
	AcceptedBy        string
	ExcludedDoctorIDs map[string]struct{}
	AttemptNumber     int
	TriggerContext    string
	CreatedAt         time.Time
}

// Excluded reports whether doctorID is barred from accepting this request.
func (r *EscalationRequest) Excluded(doctorID string) bool {
	_, ok := r.ExcludedDoctorIDs[doctorID]
	return ok
}

type SessionState string

const (
	SessionNegotiating SessionState = "negotiating"
	SessionActive      SessionState = "active"
	SessionEnded       SessionState = "ended"
)

type EndReason string

const (
	EndNormal          EndReason = "normal"
	EndPatientLeft     EndReason = "patient_left"
	EndDoctorLeft      EndReason = "doctor_left"
	EndTimeout         EndReason = "timeout"
	EndPeerUnreachable EndReason = "peer_unreachable"
)

// Session is an established patient-doctor pairing. The room-to-pair
// mapping is immutable; a room id is never reused.
type Session struct {
	RoomID         string
	RequestID      string
	PatientID      string
	DoctorID       string
	ConnectionType ConnectionType
	State          SessionState
	StartedAt      time.Time
	EndedAt        *time.Time
	EndReason      EndReason
	AttemptNumber  int
}

// SignalingEnvelope is a single negotiation message in transit. The
// payload is opaque; sequence is per-room and diagnostic only.
type SignalingEnvelope struct {
	RoomID   string          `json:"room_id"`
	FromRole Role            `json:"from_role"`
	Payload  json.RawMessage `json:"payload"`
	Sequence int64           `json:"sequence"`
	SentAt   time.Time       `json:"sent_at"`
}

type DoctorStats struct {
	DoctorID         string
	SessionsTotal    int
	SessionsEnded    int
	AcceptedRequests int
	AvgDurationSecs  int
}
