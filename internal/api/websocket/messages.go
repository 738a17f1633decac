package websocket

import (
	"time"

	"github.com/KevinKickass/OpenServoCore/internal/telemetry"
)

// MessageType defines the type of WebSocket message
type MessageType string

const (
	// Servo messages
	MessageTypeTelemetry   MessageType = "telemetry"
	MessageTypeServoStatus MessageType = "servo_status"

	// Bus and system messages
	MessageTypeBusStatus    MessageType = "bus_status"
	MessageTypeSystemStatus MessageType = "system_status"

	// Session messages
	MessageTypeAuthSuccess MessageType = "auth_success"
	MessageTypeAuthFailed  MessageType = "auth_failed"
	MessageTypeSubscribed  MessageType = "subscribed"
)

// Message represents a WebSocket message
type Message struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

type TelemetryData struct {
	Samples []telemetry.Sample `json:"samples"`
}

type ServoStatusData struct {
	Bus    string `json:"bus"`
	Servo  string `json:"servo"`
	Online bool   `json:"online"`
}

type SystemStatusData struct {
	State    string `json:"state"`
	Previous string `json:"previous_state"`
}

// clientMessage is what clients send: auth first, then subscribe.
type clientMessage struct {
	Type   string   `json:"type"`
	Token  string   `json:"token,omitempty"`
	Servos []string `json:"servos,omitempty"`
}

// NewMessage creates a new message with current timestamp
func NewMessage(msgType MessageType, data interface{}) Message {
	return Message{
		Type:      msgType,
		Timestamp: time.Now(),
		Data:      data,
	}
}

func NewTelemetryMessage(samples []telemetry.Sample) Message {
	return NewMessage(MessageTypeTelemetry, TelemetryData{Samples: samples})
}

func NewServoStatusMessage(bus, servo string, online bool) Message {
	return NewMessage(MessageTypeServoStatus, ServoStatusData{Bus: bus, Servo: servo, Online: online})
}

func NewSystemStatusMessage(state, previous string) Message {
	return NewMessage(MessageTypeSystemStatus, SystemStatusData{State: state, Previous: previous})
}
