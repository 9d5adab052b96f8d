package notify

import (
	"context"
	"log"
)

type FakeNotifier struct{}

func NewFakeNotifier() *FakeNotifier {
	return &FakeNotifier{}
}

func (f *FakeNotifier) NotifyEmergencyContact(_ context.Context, in Input) error {
	log.Printf("event=fake_emergency_notify patient_id=%s request_id=%s", in.PatientID, in.RequestID)
	return nil
}
