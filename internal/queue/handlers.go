package queue

import (
	"context"

	"github.com/segmentio/kafka-go"

	"github.com/arsenis-cmd/AirAware/internal/protocol"
)

// SubmissionHandler decodes submission messages for fn. A message that does
// not decode is a validation error and gets skipped.
func SubmissionHandler(fn func(ctx context.Context, msg *protocol.SubmissionMessage) error) Handler {
	return func(ctx context.Context, msg kafka.Message) error {
		sub, err := protocol.DecodeSubmission(msg.Value)
		if err != nil {
			return err
		}
		return fn(ctx, sub)
	}
}

// ReadingEventHandler decodes reading.created events for fn
func ReadingEventHandler(fn func(ctx context.Context, ev *protocol.ReadingEvent) error) Handler {
	return func(ctx context.Context, msg kafka.Message) error {
		ev, err := protocol.DecodeReadingEvent(msg.Value)
		if err != nil {
			return err
		}
		return fn(ctx, ev)
	}
}

// AlertEventHandler decodes alert events for fn
func AlertEventHandler(fn func(ctx context.Context, ev *protocol.AlertEvent) error) Handler {
	return func(ctx context.Context, msg kafka.Message) error {
		ev, err := protocol.DecodeAlertEvent(msg.Value)
		if err != nil {
			return err
		}
		return fn(ctx, ev)
	}
}
