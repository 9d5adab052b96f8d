package matcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/claritycare/triage-orchestrator/internal/lifecycle"
	"github.com/claritycare/triage-orchestrator/internal/model"
	"github.com/claritycare/triage-orchestrator/internal/notify"
	"github.com/claritycare/triage-orchestrator/internal/presence"
	"github.com/claritycare/triage-orchestrator/internal/push"
)

type mockPusher struct {
	mu     sync.Mutex
	events map[string][]push.Event
}

func newMockPusher() *mockPusher {
	return &mockPusher{events: make(map[string][]push.Event)}
}

func (m *mockPusher) Push(principalID string, ev push.Event) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[principalID] = append(m.events[principalID], ev)
	return true
}

func (m *mockPusher) received(principalID, eventType string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, ev := range m.events[principalID] {
		if ev.Type == eventType {
			n++
		}
	}
	return n
}

type mockSessions struct {
	mu         sync.Mutex
	startFn    func(req *model.EscalationRequest) (*model.Session, error)
	getFn      func(roomID string) (*model.Session, error)
	startedFor []string
}

func (m *mockSessions) StartSession(req *model.EscalationRequest) (*model.Session, error) {
	m.mu.Lock()
	m.startedFor = append(m.startedFor, req.AcceptedBy)
	m.mu.Unlock()
	if m.startFn != nil {
		return m.startFn(req)
	}
	return &model.Session{
		RoomID:         lifecycle.RoomIDFor(req.ID),
		RequestID:      req.ID,
		PatientID:      req.PatientID,
		DoctorID:       req.AcceptedBy,
		ConnectionType: req.ConnectionType,
		State:          model.SessionNegotiating,
		StartedAt:      time.Now().UTC(),
		AttemptNumber:  req.AttemptNumber,
	}, nil
}

func (m *mockSessions) GetSession(roomID string) (*model.Session, error) {
	if m.getFn != nil {
		return m.getFn(roomID)
	}
	return nil, lifecycle.ErrUnknownSession
}

func (m *mockSessions) startCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.startedFor)
}

type mockAuditor struct {
	mu       sync.Mutex
	created  []model.EscalationRequest
	resolved []model.EscalationRequest
}

func (m *mockAuditor) RequestCreated(r model.EscalationRequest, _ int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.created = append(m.created, r)
}

func (m *mockAuditor) RequestResolved(r model.EscalationRequest) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resolved = append(m.resolved, r)
}

type recordingNotifier struct {
	mu     sync.Mutex
	inputs []notify.Input
	done   chan struct{}
}

func (n *recordingNotifier) NotifyEmergencyContact(_ context.Context, in notify.Input) error {
	n.mu.Lock()
	n.inputs = append(n.inputs, in)
	n.mu.Unlock()
	if n.done != nil {
		close(n.done)
	}
	return nil
}

func testRegistry(doctorIDs ...string) *presence.Registry {
	r := presence.NewRegistry()
	r.Register("pat_1", model.RolePatient, "con_pat_1")
	for _, id := range doctorIDs {
		r.Register(id, model.RoleDoctor, "con_"+id)
	}
	return r
}

func newTestMatcher(reg *presence.Registry, pusher *mockPusher, sessions *mockSessions, broadcast time.Duration) *Matcher {
	return New(reg, pusher, sessions, &mockAuditor{}, notify.NewFakeNotifier(), broadcast, 3)
}

func TestCreateRequiresPatientConnection(t *testing.T) {
	reg := presence.NewRegistry()
	m := newTestMatcher(reg, newMockPusher(), &mockSessions{}, time.Minute)

	_, err := m.Create(CreateInput{PatientID: "pat_ghost", ConnectionType: model.ConnectionChat})
	if !errors.Is(err, ErrNoRequesterConnection) {
		t.Fatalf("expected ErrNoRequesterConnection, got %v", err)
	}
}

func TestCreateRejectsUnknownConnectionType(t *testing.T) {
	m := newTestMatcher(testRegistry(), newMockPusher(), &mockSessions{}, time.Minute)

	_, err := m.Create(CreateInput{PatientID: "pat_1", ConnectionType: "carrier_pigeon"})
	if !errors.Is(err, ErrInvalidConnectionType) {
		t.Fatalf("expected ErrInvalidConnectionType, got %v", err)
	}
}

func TestCreateFansOutToEligibleDoctorsOnly(t *testing.T) {
	pusher := newMockPusher()
	reg := testRegistry("doc_1", "doc_2", "doc_3")
	m := newTestMatcher(reg, pusher, &mockSessions{}, time.Minute)

	req, err := m.Create(CreateInput{
		PatientID:         "pat_1",
		ConnectionType:    model.ConnectionVideo,
		ExcludedDoctorIDs: map[string]struct{}{"doc_3": {}},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if req.Status != model.RequestBroadcasting {
		t.Fatalf("expected broadcasting, got %s", req.Status)
	}

	for _, doctorID := range []string{"doc_1", "doc_2"} {
		if got := pusher.received(doctorID, push.EventRequestBroadcast); got != 1 {
			t.Fatalf("expected 1 broadcast for %s, got %d", doctorID, got)
		}
	}
	if got := pusher.received("doc_3", push.EventRequestBroadcast); got != 0 {
		t.Fatalf("excluded doctor must not be notified, got %d", got)
	}
	if got := pusher.received("pat_1", push.EventRequestBroadcast); got != 0 {
		t.Fatalf("patient must not receive the broadcast, got %d", got)
	}
}

func TestConcurrentAcceptHasExactlyOneWinner(t *testing.T) {
	sessions := &mockSessions{}
	m := newTestMatcher(testRegistry("doc_1", "doc_2", "doc_3", "doc_4", "doc_5"), newMockPusher(), sessions, time.Minute)

	req, err := m.Create(CreateInput{PatientID: "pat_1", ConnectionType: model.ConnectionChat})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	doctors := []string{"doc_1", "doc_2", "doc_3", "doc_4", "doc_5"}
	var wg sync.WaitGroup
	wins := make(chan string, len(doctors))
	for _, doctorID := range doctors {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if _, err := m.Accept(req.ID, id); err == nil {
				wins <- id
			} else if !errors.Is(err, ErrAlreadyAccepted) {
				t.Errorf("loser got unexpected error: %v", err)
			}
		}(doctorID)
	}
	wg.Wait()
	close(wins)

	winners := make([]string, 0, 1)
	for id := range wins {
		winners = append(winners, id)
	}
	if len(winners) != 1 {
		t.Fatalf("expected exactly one winner, got %v", winners)
	}
	if sessions.startCount() != 1 {
		t.Fatalf("expected exactly one session start, got %d", sessions.startCount())
	}

	got, err := m.Get(req.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != model.RequestAccepted || got.AcceptedBy != winners[0] {
		t.Fatalf("request snapshot disagrees with winner: %+v", got)
	}
}

// acceptingPusher accepts the request from inside the broadcast
// fan-out, the way a fast doctor client does over a live socket.
type acceptingPusher struct {
	mu      sync.Mutex
	m       *Matcher
	wins    int
	losses  int
	badErrs []error
}

func (p *acceptingPusher) Push(doctorID string, ev push.Event) bool {
	if ev.Type != push.EventRequestBroadcast {
		return true
	}
	payload := ev.Payload.(push.RequestBroadcast)
	_, err := p.m.Accept(payload.RequestID, doctorID)
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case err == nil:
		p.wins++
	case errors.Is(err, ErrAlreadyAccepted):
		p.losses++
	default:
		p.badErrs = append(p.badErrs, err)
	}
	return true
}

func TestAcceptLandingDuringFanOut(t *testing.T) {
	sessions := &mockSessions{}
	pusher := &acceptingPusher{}
	m := New(testRegistry("doc_1", "doc_2"), pusher, sessions, &mockAuditor{}, notify.NewFakeNotifier(), time.Minute, 3)
	pusher.m = m

	req, err := m.Create(CreateInput{PatientID: "pat_1", ConnectionType: model.ConnectionChat})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	// The returned snapshot describes the request as created, before any
	// doctor raced it.
	if req.Status != model.RequestBroadcasting || req.AcceptedBy != "" {
		t.Fatalf("creation snapshot was mutated by the racing accept: %+v", req)
	}

	pusher.mu.Lock()
	wins, losses, badErrs := pusher.wins, pusher.losses, pusher.badErrs
	pusher.mu.Unlock()
	if len(badErrs) > 0 {
		t.Fatalf("unexpected accept errors: %v", badErrs)
	}
	if wins != 1 || losses != 1 {
		t.Fatalf("expected one winner and one loser, got wins=%d losses=%d", wins, losses)
	}
	if sessions.startCount() != 1 {
		t.Fatalf("expected exactly one session start, got %d", sessions.startCount())
	}

	got, err := m.Get(req.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != model.RequestAccepted || got.AcceptedBy == "" {
		t.Fatalf("request should be accepted after fan-out, got %+v", got)
	}
}

func TestAcceptNotifiesPatientWithRoom(t *testing.T) {
	pusher := newMockPusher()
	m := newTestMatcher(testRegistry("doc_1"), pusher, &mockSessions{}, time.Minute)

	req, err := m.Create(CreateInput{PatientID: "pat_1", ConnectionType: model.ConnectionChat})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	sess, err := m.Accept(req.ID, "doc_1")
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if sess.DoctorID != "doc_1" {
		t.Fatalf("unexpected session doctor %s", sess.DoctorID)
	}
	if got := pusher.received("pat_1", push.EventRequestAccepted); got != 1 {
		t.Fatalf("expected accepted event for the patient, got %d", got)
	}
}

func TestAcceptByExcludedDoctorFails(t *testing.T) {
	m := newTestMatcher(testRegistry("doc_1", "doc_2"), newMockPusher(), &mockSessions{}, time.Minute)

	req, err := m.Create(CreateInput{
		PatientID:         "pat_1",
		ConnectionType:    model.ConnectionChat,
		ExcludedDoctorIDs: map[string]struct{}{"doc_1": {}},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := m.Accept(req.ID, "doc_1"); !errors.Is(err, ErrDoctorExcluded) {
		t.Fatalf("expected ErrDoctorExcluded, got %v", err)
	}
	if _, err := m.Accept(req.ID, "doc_2"); err != nil {
		t.Fatalf("eligible doctor should still win: %v", err)
	}
}

func TestAcceptUnknownRequest(t *testing.T) {
	m := newTestMatcher(testRegistry("doc_1"), newMockPusher(), &mockSessions{}, time.Minute)
	if _, err := m.Accept("esc_missing", "doc_1"); !errors.Is(err, ErrUnknownRequest) {
		t.Fatalf("expected ErrUnknownRequest, got %v", err)
	}
}

func TestBroadcastTimeoutReportsNoDoctors(t *testing.T) {
	pusher := newMockPusher()
	m := newTestMatcher(testRegistry("doc_1"), pusher, &mockSessions{}, 20*time.Millisecond)

	req, err := m.Create(CreateInput{PatientID: "pat_1", ConnectionType: model.ConnectionChat})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		got, err := m.Get(req.ID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.Status == model.RequestTimedOut {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("request never timed out")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if got := pusher.received("pat_1", push.EventNoDoctorsAvailable); got != 1 {
		t.Fatalf("expected one no-doctors event, got %d", got)
	}
	if _, err := m.Accept(req.ID, "doc_1"); !errors.Is(err, ErrRequestTimedOut) {
		t.Fatalf("expected ErrRequestTimedOut after expiry, got %v", err)
	}
}

func TestCreateWithZeroDoctorsStillTimesOut(t *testing.T) {
	m := newTestMatcher(testRegistry(), newMockPusher(), &mockSessions{}, 20*time.Millisecond)

	req, err := m.Create(CreateInput{PatientID: "pat_1", ConnectionType: model.ConnectionChat})
	if err != nil {
		t.Fatalf("Create with no doctors online should succeed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		got, _ := m.Get(req.ID)
		if got.Status == model.RequestTimedOut {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("empty fan-out must still resolve by timeout")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRejectIsAdvisory(t *testing.T) {
	m := newTestMatcher(testRegistry("doc_1", "doc_2"), newMockPusher(), &mockSessions{}, time.Minute)

	req, err := m.Create(CreateInput{PatientID: "pat_1", ConnectionType: model.ConnectionChat})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := m.Reject(req.ID, "doc_1"); err != nil {
		t.Fatalf("Reject: %v", err)
	}

	got, _ := m.Get(req.ID)
	if got.Status != model.RequestBroadcasting {
		t.Fatalf("a rejection must not change the aggregate status, got %s", got.Status)
	}

	// The rejecting doctor may still change their mind and accept.
	if _, err := m.Accept(req.ID, "doc_1"); err != nil {
		t.Fatalf("Accept after reject: %v", err)
	}
}

func TestCancelOnlyByOwnerWhileBroadcasting(t *testing.T) {
	m := newTestMatcher(testRegistry("doc_1"), newMockPusher(), &mockSessions{}, time.Minute)

	req, err := m.Create(CreateInput{PatientID: "pat_1", ConnectionType: model.ConnectionChat})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := m.Cancel(req.ID, "pat_intruder"); !errors.Is(err, ErrUnknownRequest) {
		t.Fatalf("stranger cancel must look like an unknown request, got %v", err)
	}
	if err := m.Cancel(req.ID, "pat_1"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if _, err := m.Accept(req.ID, "doc_1"); !errors.Is(err, ErrRequestCancelled) {
		t.Fatalf("expected ErrRequestCancelled, got %v", err)
	}
	if err := m.Cancel(req.ID, "pat_1"); !errors.Is(err, ErrRequestCancelled) {
		t.Fatalf("second cancel should see the terminal status, got %v", err)
	}
}

func TestEmergencyContactNotifiedOnFirstAttemptOnly(t *testing.T) {
	notifier := &recordingNotifier{done: make(chan struct{})}
	m := New(testRegistry("doc_1"), newMockPusher(), &mockSessions{}, &mockAuditor{}, notifier, time.Minute, 3)

	if _, err := m.Create(CreateInput{
		PatientID:        "pat_1",
		ConnectionType:   model.ConnectionChat,
		EmergencyContact: "+15551234567",
	}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	select {
	case <-notifier.done:
	case <-time.After(2 * time.Second):
		t.Fatalf("emergency contact was never notified")
	}

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if len(notifier.inputs) != 1 || notifier.inputs[0].PhoneNumber != "+15551234567" {
		t.Fatalf("unexpected notify inputs %+v", notifier.inputs)
	}
}

func TestSweepTerminalKeepsLiveRequests(t *testing.T) {
	m := newTestMatcher(testRegistry("doc_1"), newMockPusher(), &mockSessions{}, time.Minute)

	live, err := m.Create(CreateInput{PatientID: "pat_1", ConnectionType: model.ConnectionChat})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	done, err := m.Create(CreateInput{PatientID: "pat_1", ConnectionType: model.ConnectionChat})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := m.Cancel(done.ID, "pat_1"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	if removed := m.SweepTerminal(time.Now().UTC().Add(time.Minute)); removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}
	if _, err := m.Get(live.ID); err != nil {
		t.Fatalf("live request must survive the sweep: %v", err)
	}
	if _, err := m.Get(done.ID); !errors.Is(err, ErrUnknownRequest) {
		t.Fatalf("terminal request should be gone, got %v", err)
	}
}
