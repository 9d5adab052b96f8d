package matcher

import (
	"log"

	"github.com/claritycare/triage-orchestrator/internal/model"
	"github.com/claritycare/triage-orchestrator/internal/push"
)

type ReescalateInput struct {
	PreviousRoomID       string
	ExcludeCurrentDoctor bool
	AttemptNumber        int
}

// Reescalate builds a fresh request for the patient of an ended
// session, carrying forward the exclusion set and optionally adding
// the previous doctor to it. Past the retry limit it surfaces a
// terminal no-alternative outcome instead of looping.
func (m *Matcher) Reescalate(in ReescalateInput) (*model.EscalationRequest, error) {
	sess, err := m.sessions.GetSession(in.PreviousRoomID)
	if err != nil {
		return nil, err
	}
	if sess.State != model.SessionEnded {
		return nil, ErrSessionNotEnded
	}
	if in.AttemptNumber > m.retryLimit {
		log.Printf("event=reescalation_exhausted room_id=%s attempt=%d limit=%d", in.PreviousRoomID, in.AttemptNumber, m.retryLimit)
		return nil, ErrRetryLimitExceeded
	}

	excluded := make(map[string]struct{})
	if prev, ok := m.lookup(sess.RequestID); ok {
		prev.mu.Lock()
		for id := range prev.data.ExcludedDoctorIDs {
			excluded[id] = struct{}{}
		}
		prev.mu.Unlock()
	}
	if in.ExcludeCurrentDoctor {
		excluded[sess.DoctorID] = struct{}{}
	}

	req, err := m.Create(CreateInput{
		PatientID:         sess.PatientID,
		ConnectionType:    sess.ConnectionType,
		ExcludedDoctorIDs: excluded,
		AttemptNumber:     in.AttemptNumber + 1,
		TriggerContext:    "reescalation:" + in.PreviousRoomID,
	})
	if err != nil {
		return nil, err
	}

	m.pusher.Push(sess.PatientID, push.Event{
		Type: push.EventReescalationStarted,
		Payload: push.ReescalationStarted{
			NewRequestID:      req.ID,
			IsDifferentDoctor: in.ExcludeCurrentDoctor,
		},
	})
	log.Printf("event=reescalation_started previous_room_id=%s new_request_id=%s attempt=%d exclude_previous=%t", in.PreviousRoomID, req.ID, req.AttemptNumber, in.ExcludeCurrentDoctor)
	return req, nil
}
