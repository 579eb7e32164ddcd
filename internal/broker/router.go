package broker

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/actulab/stationhub/internal/protocol"
)

// routeCommand validates a control message from a viewer and forwards it to
// the addressed device. Delivery is best-effort and at-most-once: a failed
// write is reported to the sender, never retried, so a physical motion
// command cannot execute twice.
func (s *Server) routeCommand(client *Client, data []byte) {
	var cmd protocol.Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		s.sendError(client, &ValidationError{Reason: "malformed command message"})
		return
	}

	if cmd.DeviceID == "" {
		s.sendError(client, &ValidationError{Reason: "command is missing deviceId"})
		return
	}
	if cmd.Command == "" {
		s.sendError(client, &ValidationError{Reason: "command is missing the command verb"})
		return
	}

	device, ok := s.hub.LookupDevice(cmd.DeviceID)
	if !ok {
		s.sendError(client, &DeviceUnavailableError{DeviceID: cmd.DeviceID})
		return
	}

	sessionLogID, err := s.sessions.AssertOccupant(cmd.StationID, client.userID)
	if err != nil {
		s.sendError(client, err)
		return
	}

	now := s.sessions.now()
	frame := protocol.DeviceCommand{
		Type:      protocol.TypeCommand,
		Command:   cmd.Command,
		Direction: cmd.Direction,
		StepSize:  cmd.StepSize,
		StepUnit:  cmd.StepUnit,
		Acce:      cmd.Acce,
		Dece:      cmd.Dece,
		Timestamp: protocol.Timestamp(now),
	}
	if !device.enqueue(protocol.Encode(frame)) {
		s.sendError(client, &ChannelWriteError{
			DeviceID: cmd.DeviceID,
			Err:      errors.New("device send buffer full or closed"),
		})
		return
	}

	client.enqueue(protocol.Encode(protocol.CommandSent{
		Type:      protocol.TypeCommandSent,
		Command:   cmd.Command,
		Direction: cmd.Direction,
		StepSize:  cmd.StepSize,
		StepUnit:  cmd.StepUnit,
		Acce:      cmd.Acce,
		Dece:      cmd.Dece,
		StationID: cmd.StationID,
		DeviceID:  cmd.DeviceID,
		Timestamp: frame.Timestamp,
	}))

	// Counted on success only.
	s.sessions.IncrementCommandCount(context.Background(), sessionLogID)

	s.log.Debug().
		Str("user", client.userID).
		Str("device", cmd.DeviceID).
		Int64("station", cmd.StationID).
		Str("command", cmd.Command).
		Msg("command routed")
}

// sendError reports a failure to one connection as an error-kind message.
// Nothing here is fatal: every failure is scoped to the one request.
func (s *Server) sendError(client *Client, err error) {
	s.log.Debug().Err(err).Str("id", client.id).Str("user", client.userID).Msg("request failed")
	client.enqueue(protocol.Encode(protocol.Error{
		Type:    protocol.TypeError,
		Code:    errorCode(err),
		Message: err.Error(),
	}))
}
