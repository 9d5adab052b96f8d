package notify

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"
	"github.com/aws/smithy-go"

	"github.com/claritycare/triage-orchestrator/internal/metrics"
)

type SNSNotifier struct {
	client   *sns.Client
	senderID string
}

type SNSNotifierOptions struct {
	Region   string
	SenderID string
}

func NewSNSNotifier(ctx context.Context, opts SNSNotifierOptions) (*SNSNotifier, error) {
	region := strings.TrimSpace(opts.Region)
	if region == "" {
		return nil, fmt.Errorf("Region is required")
	}
	cfg, err := awscfg.LoadDefaultConfig(ctx, awscfg.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("aws config: %w", err)
	}
	return &SNSNotifier{
		client:   sns.NewFromConfig(cfg),
		senderID: strings.TrimSpace(opts.SenderID),
	}, nil
}

func (n *SNSNotifier) NotifyEmergencyContact(ctx context.Context, in Input) error {
	if strings.TrimSpace(in.PhoneNumber) == "" {
		return fmt.Errorf("phone number is required")
	}

	input := &sns.PublishInput{
		PhoneNumber: aws.String(in.PhoneNumber),
		Message:     aws.String("ClarityCare alert: a person who listed you as their emergency contact may need urgent help. Please check on them now."),
		MessageAttributes: map[string]snstypes.MessageAttributeValue{
			"AWS.SNS.SMS.SMSType": {
				DataType:    aws.String("String"),
				StringValue: aws.String("Transactional"),
			},
		},
	}
	if n.senderID != "" {
		input.MessageAttributes["AWS.SNS.SMS.SenderID"] = snstypes.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(n.senderID),
		}
	}

	publishStart := time.Now()
	err := retrySNS(ctx, "publish", func(callCtx context.Context) error {
		_, pubErr := n.client.Publish(callCtx, input)
		return pubErr
	})
	log.Printf("metric=sns_publish_latency_ms request_id=%s patient_id=%s value=%d", in.RequestID, in.PatientID, time.Since(publishStart).Milliseconds())
	if err != nil {
		metrics.NotifyAttemptsTotal.WithLabelValues("sns", "error").Inc()
		return fmt.Errorf("sns publish: %w", err)
	}
	metrics.NotifyAttemptsTotal.WithLabelValues("sns", "ok").Inc()
	return nil
}

func retrySNS(ctx context.Context, opName string, fn func(context.Context) error) error {
	const (
		maxAttempts = 4
		baseDelay   = 250 * time.Millisecond
		maxDelay    = 2 * time.Second
	)
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !isTransientSNSError(err) {
			return err
		}
		if attempt == maxAttempts {
			return err
		}
		metrics.NotifyRetriesTotal.WithLabelValues("sns", snsErrorCode(err)).Inc()
		delay := baseDelay * time.Duration(1<<(attempt-1))
		if delay > maxDelay {
			delay = maxDelay
		}
		delay = withJitter(delay)
		log.Printf("event=sns_retry op=%s attempt=%d delay_ms=%d err=%q", opName, attempt, delay.Milliseconds(), err.Error())
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}

func withJitter(delay time.Duration) time.Duration {
	if delay <= 0 {
		return 0
	}
	floor := delay / 10
	span := delay - floor
	if span <= 0 {
		return floor
	}
	var raw [8]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return floor + (span / 2)
	}
	max := uint64(span)
	n := binary.LittleEndian.Uint64(raw[:]) % max
	// Jittered delay in [10% of base, 100% of base).
	return floor + time.Duration(n)
}

func isTransientSNSError(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "Throttling",
		"ThrottlingException",
		"ThrottledException",
		"ServiceUnavailable",
		"InternalError",
		"InternalErrorException",
		"RequestTimeout":
		return true
	default:
		return false
	}
}

func snsErrorCode(err error) string {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return "non_api_error"
	}
	code := strings.TrimSpace(apiErr.ErrorCode())
	if code == "" {
		return "unknown"
	}
	return code
}
