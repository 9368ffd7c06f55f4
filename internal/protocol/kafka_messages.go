package protocol

import (
	"encoding/json"
	"time"

	"github.com/arsenis-cmd/AirAware/internal/model"
)

// SubmissionMessage is a raw submission queued on the submissions topic
type SubmissionMessage struct {
	ConnectionID string         `json:"connection_id,omitempty"`
	Source       string         `json:"source"`
	ReceivedAt   time.Time      `json:"received_at"`
	Payload      ReadingPayload `json:"payload"`
}

// EventReadingCreated is the type of the event published after each write
const EventReadingCreated = "reading.created"

// ReadingEvent announces an acknowledged write
type ReadingEvent struct {
	Type      string        `json:"type"`
	Reading   model.Reading `json:"reading"`
	EmittedAt time.Time     `json:"emitted_at"`
}

// NewReadingEvent wraps a stored reading
func NewReadingEvent(r model.Reading, now time.Time) *ReadingEvent {
	return &ReadingEvent{Type: EventReadingCreated, Reading: r, EmittedAt: now.UTC()}
}

// AlertEvent is emitted when the alert engine decides to notify a user
type AlertEvent struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Metric    string    `json:"metric"`
	Value     float64   `json:"value"`
	Threshold float64   `json:"threshold"`
	Severity  string    `json:"severity"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
	ReadingID string    `json:"reading_id,omitempty"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
}

// EncodeSubmission encodes a SubmissionMessage to JSON
func EncodeSubmission(msg *SubmissionMessage) ([]byte, error) {
	return json.Marshal(msg)
}

// DecodeSubmission decodes JSON to SubmissionMessage
func DecodeSubmission(data []byte) (*SubmissionMessage, error) {
	var msg SubmissionMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, model.NewValidationError("submission", err.Error())
	}
	return &msg, nil
}

// EncodeReadingEvent encodes a ReadingEvent to JSON
func EncodeReadingEvent(ev *ReadingEvent) ([]byte, error) {
	return json.Marshal(ev)
}

// DecodeReadingEvent decodes JSON to ReadingEvent
func DecodeReadingEvent(data []byte) (*ReadingEvent, error) {
	var ev ReadingEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, model.NewValidationError("reading_event", err.Error())
	}
	return &ev, nil
}

// EncodeAlertEvent encodes an AlertEvent to JSON
func EncodeAlertEvent(ev *AlertEvent) ([]byte, error) {
	return json.Marshal(ev)
}

// DecodeAlertEvent decodes JSON to AlertEvent
func DecodeAlertEvent(data []byte) (*AlertEvent, error) {
	var ev AlertEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, model.NewValidationError("alert_event", err.Error())
	}
	return &ev, nil
}
