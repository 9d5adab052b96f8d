// Package notify reaches a patient's emergency contact when a crisis
// escalation is created. Delivery is best-effort and must never block
// or fail the matching path.
package notify

import "context"

type Input struct {
	PatientID   string
	PhoneNumber string
	RequestID   string
}

type Notifier interface {
	NotifyEmergencyContact(ctx context.Context, in Input) error
}
