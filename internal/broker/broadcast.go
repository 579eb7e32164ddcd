package broker

import "github.com/actulab/stationhub/internal/protocol"

// Telemetry fan-out. Delivery is intentionally lossy: the newest message is
// always offered to every viewer, and a slow or closed viewer loses that one
// delivery rather than blocking or buffering a backlog.

// Broadcast encodes a message and fans it out to every connected viewer.
func (h *Hub) Broadcast(msg any) {
	h.broadcastToViewers(protocol.Encode(msg))
}

func (h *Hub) broadcastToViewers(data []byte) {
	for _, viewer := range h.allViewers() {
		if !viewer.enqueue(data) {
			// Slow consumer or closed channel: drop this delivery and
			// keep fanning out to the rest.
			h.log.Debug().Str("viewer", viewer.id).Msg("dropped delivery to slow viewer")
		}
	}
}

// SendToUser delivers a message to every viewer connection authenticated
// as userID. Same lossy policy as the broadcast path.
func (h *Hub) SendToUser(userID string, msg any) {
	data := protocol.Encode(msg)
	for _, viewer := range h.allViewers() {
		if viewer.userID == userID {
			viewer.enqueue(data)
		}
	}
}

// BroadcastDeviceResponse wraps a device's free-form {status, message}
// reply with its id and fans it out to all viewers.
func (h *Hub) BroadcastDeviceResponse(deviceID, status, message string) {
	h.Broadcast(protocol.DeviceResponse{
		Type:     protocol.TypeDeviceResponse,
		DeviceID: deviceID,
		Status:   status,
		Message:  message,
	})
}

// BroadcastFrame fans a camera frame out to all viewers, framed so viewers
// can tell it apart from a status reply.
func (h *Hub) BroadcastFrame(deviceID, frame string) {
	h.Broadcast(protocol.CameraFrame{
		Type:     protocol.TypeCameraFrame,
		DeviceID: deviceID,
		Frame:    frame,
	})
}
