package protocol

import (
	"encoding/json"

	"github.com/arsenis-cmd/AirAware/internal/model"
)

// MessageType represents the type of a TCP line message
type MessageType string

const (
	// Client to Server
	MsgTypeIdentify  MessageType = "identify"
	MsgTypeReading   MessageType = "reading"
	MsgTypeKeepalive MessageType = "keepalive"

	// Server to Client
	MsgTypeAck MessageType = "ack"
)

// BaseMessage is the common structure for all messages
type BaseMessage struct {
	Type MessageType `json:"type"`
}

// IdentifyMessage is sent by a device on connection. Its fields fill in
// readings that omit them.
type IdentifyMessage struct {
	Type         MessageType `json:"type"`
	DeviceID     string      `json:"device_id"`
	UserID       string      `json:"user_id,omitempty"`
	LocationName string      `json:"location_name,omitempty"`
	Latitude     *float64    `json:"latitude,omitempty"`
	Longitude    *float64    `json:"longitude,omitempty"`
}

// ReadingMessage carries one measurement
type ReadingMessage struct {
	Type MessageType    `json:"type"`
	Data ReadingPayload `json:"data"`
}

// KeepaliveMessage is sent by the client every 30-60 seconds
type KeepaliveMessage struct {
	Type MessageType `json:"type"`
}

// AckMessage is sent by the server in response to messages
type AckMessage struct {
	Type      MessageType `json:"type"`
	Status    string      `json:"status"`
	ReadingID string      `json:"reading_id,omitempty"`
	AQI       *int        `json:"aqi,omitempty"`
	Error     string      `json:"error,omitempty"`
}

// AckStatus constants
const (
	AckStatusIdentified = "identified"
	AckStatusAlive      = "alive"
	AckStatusAccepted   = "accepted"
	AckStatusError      = "error"
)

// ParseMessage parses a JSON line into the appropriate message type
func ParseMessage(data []byte) (any, error) {
	var base BaseMessage
	if err := json.Unmarshal(data, &base); err != nil {
		return nil, model.NewValidationError("message", "invalid JSON")
	}

	switch base.Type {
	case MsgTypeIdentify:
		var msg IdentifyMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, model.NewValidationError("identify", err.Error())
		}
		if msg.DeviceID == "" {
			return nil, model.NewValidationError("device_id", "is required")
		}
		if (msg.Latitude == nil) != (msg.Longitude == nil) {
			return nil, model.NewValidationError("location", "latitude and longitude go together")
		}
		return &msg, nil

	case MsgTypeReading:
		var msg ReadingMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, model.NewValidationError("reading", err.Error())
		}
		return &msg, nil

	case MsgTypeKeepalive:
		return &KeepaliveMessage{Type: MsgTypeKeepalive}, nil

	default:
		return nil, model.NewValidationError("type", "unknown message type "+string(base.Type))
	}
}

// ApplyIdentity fills fields the device declared at identify time
func (p *ReadingPayload) ApplyIdentity(id *IdentifyMessage) {
	if id == nil {
		return
	}
	if p.DeviceID == "" {
		p.DeviceID = id.DeviceID
	}
	if p.UserID == "" {
		p.UserID = id.UserID
	}
	if p.LocationName == "" {
		p.LocationName = id.LocationName
	}
	if p.Latitude == nil && p.Longitude == nil {
		p.Latitude, p.Longitude = id.Latitude, id.Longitude
	}
}

// EncodeMessage encodes a message to JSON
func EncodeMessage(msg any) ([]byte, error) {
	return json.Marshal(msg)
}

// NewAckMessage creates a new acknowledgment message
func NewAckMessage(status string) *AckMessage {
	return &AckMessage{
		Type:   MsgTypeAck,
		Status: status,
	}
}
