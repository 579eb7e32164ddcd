// Package protocol defines the WebSocket message types shared between the
// broker, station devices, and viewers.
package protocol

import (
	"encoding/json"
	"time"
)

// Message types (viewer → server)
const (
	TypeRegister     = "register"
	TypeCommand      = "command"
	TypeSessionStart = "session_start"
	TypeSessionEnd   = "session_end"
	TypeQueueJoin    = "queue_join"
	TypeQueueLeave   = "queue_leave"
)

// Message types (server → viewer)
const (
	TypeCommandSent        = "command_sent"
	TypeError              = "error"
	TypeDeviceResponse     = "rpi_response"
	TypeCameraFrame        = "camera_frame"
	TypeDeviceConnected    = "rpi_connected"
	TypeDeviceDisconnected = "rpi_disconnected"
	TypeDeviceList         = "rpi_list"
	TypeSessionStarted     = "session_started"
	TypeSessionEnded       = "session_ended"
	TypeQueueJoined        = "queue_joined"
	TypeQueueLeft          = "queue_left"
	TypeQueuePosition      = "queue_position"
)

// Command verbs a device understands. Directional moves arrive as
// "move_<direction>" (move_up, move_left, ...), everything else verbatim.
const (
	CmdMove         = "move"
	CmdStop         = "stop"
	CmdStep         = "step"
	CmdScan         = "scan"
	CmdHome         = "home"
	CmdSpeed        = "speed"
	CmdAcceleration = "acceleration"
	CmdDeceleration = "deceleration"
	CmdDemoStart    = "demo_start"
	CmdDemoStop     = "demo_stop"
)

// Kind extracts the "type" field from a raw message without decoding the
// rest. Returns "" for malformed JSON.
func Kind(data []byte) string {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return ""
	}
	return probe.Type
}

// Encode marshals a message. All protocol structs are plain data, so a
// Marshal error is a programming error and panics.
func Encode(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

// Register is the handshake message. Devices send {deviceId, status};
// viewers send {stationId, deviceId} to bind their interest.
type Register struct {
	Type      string `json:"type"`
	StationID int64  `json:"stationId,omitempty"`
	DeviceID  string `json:"deviceId,omitempty"`
	Status    string `json:"status,omitempty"`
}

// Command is a motion command from a viewer. Optional fields stay zero for
// verbs that do not use them.
type Command struct {
	Type      string  `json:"type"`
	Command   string  `json:"command"`
	Direction string  `json:"direction,omitempty"`
	StepSize  float64 `json:"stepSize,omitempty"`
	StepUnit  string  `json:"stepUnit,omitempty"`
	Acce      float64 `json:"acce,omitempty"`
	Dece      float64 `json:"dece,omitempty"`
	StationID int64   `json:"stationId"`
	DeviceID  string  `json:"deviceId"`
}

// DeviceCommand is the normalized command frame forwarded to a device,
// stamped with the server-side send time.
type DeviceCommand struct {
	Type      string  `json:"type"`
	Command   string  `json:"command"`
	Direction string  `json:"direction,omitempty"`
	StepSize  float64 `json:"stepSize,omitempty"`
	StepUnit  string  `json:"stepUnit,omitempty"`
	Acce      float64 `json:"acce,omitempty"`
	Dece      float64 `json:"dece,omitempty"`
	Timestamp string  `json:"timestamp"`
}

// CommandSent acknowledges a routed command to the originating viewer,
// echoing the normalized command.
type CommandSent struct {
	Type      string  `json:"type"`
	Command   string  `json:"command"`
	Direction string  `json:"direction,omitempty"`
	StepSize  float64 `json:"stepSize,omitempty"`
	StepUnit  string  `json:"stepUnit,omitempty"`
	Acce      float64 `json:"acce,omitempty"`
	Dece      float64 `json:"dece,omitempty"`
	StationID int64   `json:"stationId"`
	DeviceID  string  `json:"deviceId"`
	Timestamp string  `json:"timestamp"`
}

// Error reports a failure to one connection.
type Error struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// DeviceResponse wraps a free-form {status, message} reply from a device
// with the originating device id.
type DeviceResponse struct {
	Type     string `json:"type"`
	DeviceID string `json:"deviceId"`
	Message  string `json:"message,omitempty"`
	Status   string `json:"status,omitempty"`
}

// CameraFrame carries one camera frame (base64-encoded by the device).
type CameraFrame struct {
	Type     string `json:"type"`
	DeviceID string `json:"deviceId"`
	Frame    string `json:"frame"`
}

// DeviceEvent announces a device going online or offline.
type DeviceEvent struct {
	Type     string `json:"type"`
	DeviceID string `json:"deviceId"`
}

// DeviceList is the snapshot of connected devices sent to a viewer on
// connect.
type DeviceList struct {
	Type      string   `json:"type"`
	DeviceIDs []string `json:"deviceIds"`
}

// SessionRequest is a session or queue operation from a viewer
// (session_start, session_end, queue_join, queue_leave).
type SessionRequest struct {
	Type      string `json:"type"`
	StationID int64  `json:"stationId"`
}

// SessionStarted confirms exclusive control of a station.
type SessionStarted struct {
	Type       string `json:"type"`
	StationID  int64  `json:"stationId"`
	OccupantID string `json:"occupantId"`
	ExpiresAt  string `json:"expiresAt"`
}

// SessionEnded announces that a station's session ended (explicitly or by
// expiry) so UIs relinquish command rights.
type SessionEnded struct {
	Type      string `json:"type"`
	StationID int64  `json:"stationId"`
}

// QueuePosition reports a waiter's place in line. Sent as queue_joined to
// the joining viewer and as queue_position to waiters whose place changed.
type QueuePosition struct {
	Type                 string `json:"type"`
	StationID            int64  `json:"stationId"`
	Position             int    `json:"position"`
	EstimatedWaitSeconds int64  `json:"estimatedWaitSeconds"`
}

// QueueLeft confirms withdrawal from a station's queue.
type QueueLeft struct {
	Type      string `json:"type"`
	StationID int64  `json:"stationId"`
}

// Timestamp formats t the way device command frames expect it.
func Timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
