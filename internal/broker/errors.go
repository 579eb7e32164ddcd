package broker

import (
	"errors"
	"fmt"
)

// Machine-readable codes carried in error replies.
const (
	CodeValidation        = "validation_error"
	CodeDeviceUnavailable = "device_unavailable"
	CodeStationBusy       = "station_busy"
	CodeNotAuthorized     = "not_authorized"
	CodeChannelWrite      = "channel_write_error"
	CodeInternal          = "internal_error"
)

// ValidationError marks a malformed or incomplete message. Recovered
// locally; the reply goes to the sender only.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation error: " + e.Reason
}

// DeviceUnavailableError means the addressed device has no live connection.
// Reported to the sender, never silently retried.
type DeviceUnavailableError struct {
	DeviceID string
}

func (e *DeviceUnavailableError) Error() string {
	return fmt.Sprintf("device %q is not connected", e.DeviceID)
}

// StationBusyError means a start was attempted on an occupied station.
type StationBusyError struct {
	StationID int64
}

func (e *StationBusyError) Error() string {
	return fmt.Sprintf("station %d is already occupied", e.StationID)
}

// NotAuthorizedError means the caller is not the station's current occupant.
type NotAuthorizedError struct {
	StationID int64
	UserID    string
}

func (e *NotAuthorizedError) Error() string {
	return fmt.Sprintf("user %q is not the occupant of station %d", e.UserID, e.StationID)
}

// ChannelWriteError is a transient failure sending to one connection.
// Isolated and logged; it never propagates to other recipients.
type ChannelWriteError struct {
	DeviceID string
	Err      error
}

func (e *ChannelWriteError) Error() string {
	return fmt.Sprintf("write to device %q failed: %v", e.DeviceID, e.Err)
}

func (e *ChannelWriteError) Unwrap() error { return e.Err }

// errorCode maps a broker error onto its wire code.
func errorCode(err error) string {
	var (
		validation  *ValidationError
		unavailable *DeviceUnavailableError
		busy        *StationBusyError
		unauthed    *NotAuthorizedError
		write       *ChannelWriteError
	)
	switch {
	case errors.As(err, &validation):
		return CodeValidation
	case errors.As(err, &unavailable):
		return CodeDeviceUnavailable
	case errors.As(err, &busy):
		return CodeStationBusy
	case errors.As(err, &unauthed):
		return CodeNotAuthorized
	case errors.As(err, &write):
		return CodeChannelWrite
	default:
		return CodeInternal
	}
}
