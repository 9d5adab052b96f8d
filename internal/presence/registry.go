// Package presence is the single authority for who currently holds an
// open real-time connection and for per-doctor availability. All state
// lives behind Registry methods; nothing else may mutate it.
package presence

import (
	"errors"
	"log"
	"sync"
	"time"

	"github.com/claritycare/triage-orchestrator/internal/metrics"
	"github.com/claritycare/triage-orchestrator/internal/model"
)

var ErrInvalidTransition = errors.New("invalid availability transition")

// DisconnectFunc receives deregistrations. lastConnection is true when
// the principal has no connections left; session teardown keys off
// that, not off individual tab closes.
type DisconnectFunc func(principalID string, role model.Role, lastConnection bool)

type Registry struct {
	mu           sync.Mutex
	conns        map[string]model.Connection          // connectionID -> connection
	byPrincipal  map[string]map[string]struct{}       // principalID -> connectionIDs
	roles        map[string]model.Role                // principalID -> role
	doctorStatus map[string]model.DoctorStatus        // doctorID -> status
	onDisconnect []DisconnectFunc
}

func NewRegistry() *Registry {
	return &Registry{
		conns:        make(map[string]model.Connection),
		byPrincipal:  make(map[string]map[string]struct{}),
		roles:        make(map[string]model.Role),
		doctorStatus: make(map[string]model.DoctorStatus),
	}
}

// SubscribeDisconnect registers fn to run after every deregistration.
// Must be called during wiring, before traffic.
func (r *Registry) SubscribeDisconnect(fn DisconnectFunc) {
	r.onDisconnect = append(r.onDisconnect, fn)
}

// Register adds a connection. Idempotent per connectionID. A doctor's
// first connection flips a stored Offline status to Online; an existing
// Busy status survives reconnects mid-session.
func (r *Registry) Register(principalID string, role model.Role, connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[connectionID]; ok {
		return
	}
	r.conns[connectionID] = model.Connection{
		PrincipalID:  principalID,
		Role:         role,
		ConnectionID: connectionID,
		ConnectedAt:  time.Now().UTC(),
	}
	set := r.byPrincipal[principalID]
	if set == nil {
		set = make(map[string]struct{})
		r.byPrincipal[principalID] = set
	}
	set[connectionID] = struct{}{}
	r.roles[principalID] = role

	if role == model.RoleDoctor {
		if r.doctorStatus[principalID] == "" || r.doctorStatus[principalID] == model.DoctorOffline {
			r.doctorStatus[principalID] = model.DoctorOnline
		}
	}
	metrics.ConnectionsOpen.WithLabelValues(string(role)).Inc()
	log.Printf("event=presence_register principal_id=%s role=%s connection_id=%s total=%d", principalID, role, connectionID, len(set))
}

// Deregister removes a connection. Removing a doctor's last connection
// forces the stored status to Offline. Disconnect subscribers run after
// the registry lock is released.
func (r *Registry) Deregister(connectionID string) {
	r.mu.Lock()
	conn, ok := r.conns[connectionID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.conns, connectionID)
	set := r.byPrincipal[conn.PrincipalID]
	delete(set, connectionID)
	last := len(set) == 0
	if last {
		delete(r.byPrincipal, conn.PrincipalID)
		if conn.Role == model.RoleDoctor {
			r.doctorStatus[conn.PrincipalID] = model.DoctorOffline
		}
	}
	subs := r.onDisconnect
	r.mu.Unlock()

	metrics.ConnectionsOpen.WithLabelValues(string(conn.Role)).Dec()
	log.Printf("event=presence_deregister principal_id=%s role=%s connection_id=%s last=%t", conn.PrincipalID, conn.Role, connectionID, last)
	for _, fn := range subs {
		fn(conn.PrincipalID, conn.Role, last)
	}
}

// SetStatus applies an explicit availability change. A doctor with no
// open connections may only be set Offline.
func (r *Registry) SetStatus(doctorID string, status model.DoctorStatus) error {
	if status != model.DoctorOnline && status != model.DoctorBusy && status != model.DoctorOffline {
		return ErrInvalidTransition
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.byPrincipal[doctorID]) == 0 && status != model.DoctorOffline {
		return ErrInvalidTransition
	}
	r.doctorStatus[doctorID] = status
	log.Printf("event=doctor_status doctor_id=%s status=%s", doctorID, status)
	return nil
}

// Status returns the derived availability. Zero open connections is
// always Offline regardless of stored state.
func (r *Registry) Status(doctorID string) model.DoctorStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.byPrincipal[doctorID]) == 0 {
		return model.DoctorOffline
	}
	if s, ok := r.doctorStatus[doctorID]; ok {
		return s
	}
	return model.DoctorOffline
}

// ListOnlineDoctors returns a snapshot copy of Online doctor ids not in
// the exclusion set. Callers iterate the copy while the registry keeps
// mutating.
func (r *Registry) ListOnlineDoctors(excluding map[string]struct{}) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.doctorStatus))
	for doctorID, status := range r.doctorStatus {
		if status != model.DoctorOnline {
			continue
		}
		if len(r.byPrincipal[doctorID]) == 0 {
			continue
		}
		if _, skip := excluding[doctorID]; skip {
			continue
		}
		out = append(out, doctorID)
	}
	return out
}

// IsConnected reports whether the principal holds at least one open connection.
func (r *Registry) IsConnected(principalID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byPrincipal[principalID]) > 0
}
