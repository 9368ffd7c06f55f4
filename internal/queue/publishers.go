package queue

import (
	"context"
	"fmt"
	"strconv"

	"github.com/cespare/xxhash/v2"
	"github.com/rotisserie/eris"

	"github.com/arsenis-cmd/AirAware/internal/model"
	"github.com/arsenis-cmd/AirAware/internal/protocol"
)

// ReadingKey partitions reading events by device, or by coordinate for
// readings without one, so events from one source stay ordered
func ReadingKey(r *model.Reading) string {
	if r.DeviceID != "" {
		return r.DeviceID
	}
	id := r.Identity()
	coord := strconv.FormatFloat(id.Latitude, 'f', 6, 64) + "," + strconv.FormatFloat(id.Longitude, 'f', 6, 64)
	return fmt.Sprintf("%016x", xxhash.Sum64String(coord))
}

// ReadingPublisher announces stored readings on the readings topic
type ReadingPublisher struct {
	producer *Producer
}

// NewReadingPublisher creates a publisher over producer
func NewReadingPublisher(producer *Producer) *ReadingPublisher {
	return &ReadingPublisher{producer: producer}
}

// PublishReading implements ingest.EventSink
func (p *ReadingPublisher) PublishReading(ctx context.Context, ev *protocol.ReadingEvent) error {
	data, err := protocol.EncodeReadingEvent(ev)
	if err != nil {
		return eris.Wrap(err, "queue: encode reading event")
	}
	return p.producer.Publish(ctx, ReadingKey(&ev.Reading), data)
}

// AlertPublisher sends alert events to the alerts topic keyed by user. It
// satisfies alarming.Notifier.
type AlertPublisher struct {
	producer *Producer
}

// NewAlertPublisher creates a publisher over producer
func NewAlertPublisher(producer *Producer) *AlertPublisher {
	return &AlertPublisher{producer: producer}
}

// Notify publishes the alert; an error means it was not delivered
func (p *AlertPublisher) Notify(ctx context.Context, ev *protocol.AlertEvent) error {
	data, err := protocol.EncodeAlertEvent(ev)
	if err != nil {
		return eris.Wrap(err, "queue: encode alert event")
	}
	return p.producer.Publish(ctx, ev.UserID, data)
}

// SubmissionPublisher queues raw submissions for the ingestor
type SubmissionPublisher struct {
	producer *Producer
}

// NewSubmissionPublisher creates a publisher over producer
func NewSubmissionPublisher(producer *Producer) *SubmissionPublisher {
	return &SubmissionPublisher{producer: producer}
}

// PublishSubmission queues msg keyed by device when known
func (p *SubmissionPublisher) PublishSubmission(ctx context.Context, msg *protocol.SubmissionMessage) error {
	data, err := protocol.EncodeSubmission(msg)
	if err != nil {
		return eris.Wrap(err, "queue: encode submission")
	}
	key := msg.Payload.DeviceID
	if key == "" {
		key = msg.ConnectionID
	}
	return p.producer.Publish(ctx, key, data)
}
