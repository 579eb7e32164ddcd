package broker

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/actulab/stationhub/internal/protocol"
)

func newFakeClient(hub *Hub, kind string, buf int) *Client {
	return &Client{
		kind: kind,
		send: make(chan []byte, buf),
		hub:  hub,
	}
}

// receiveOfType reads messages off a client's send buffer until one of the
// wanted type arrives.
func receiveOfType(t *testing.T, c *Client, msgType string) []byte {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				t.Fatalf("send channel closed while waiting for %q", msgType)
			}
			if protocol.Kind(data) == msgType {
				return data
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q", msgType)
		}
	}
}

func TestRegisterDeviceSupersedesPriorConnection(t *testing.T) {
	hub := NewHub(zerolog.Nop())

	first := newFakeClient(hub, clientDevice, 4)
	second := newFakeClient(hub, clientDevice, 4)

	hub.RegisterDevice("RPI1", first)
	hub.RegisterDevice("RPI1", second)

	current, ok := hub.LookupDevice("RPI1")
	if !ok || current != second {
		t.Fatal("lookup did not return the most recent connection")
	}
	if first.enqueue([]byte("x")) {
		t.Error("superseded connection still accepts sends, want it closed")
	}
	if !second.enqueue([]byte("x")) {
		t.Error("authoritative connection rejected a send")
	}
}

func TestUnregisterSupersededDeviceKeepsCurrent(t *testing.T) {
	hub := NewHub(zerolog.Nop())

	first := newFakeClient(hub, clientDevice, 4)
	second := newFakeClient(hub, clientDevice, 4)
	hub.RegisterDevice("RPI1", first)
	hub.RegisterDevice("RPI1", second)

	viewer := newFakeClient(hub, clientViewer, 16)
	hub.RegisterViewer(viewer)
	receiveOfType(t, viewer, protocol.TypeDeviceList)

	// The old connection's readPump exits late and unregisters.
	hub.UnregisterDevice(first)

	if _, ok := hub.LookupDevice("RPI1"); !ok {
		t.Fatal("stale unregister removed the replacement connection")
	}
	select {
	case data := <-viewer.send:
		t.Fatalf("stale unregister broadcast %s, want nothing", data)
	default:
	}
}

func TestDeviceLifecycleNotifiesViewers(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	viewer := newFakeClient(hub, clientViewer, 16)
	hub.RegisterViewer(viewer)
	receiveOfType(t, viewer, protocol.TypeDeviceList)

	dev := newFakeClient(hub, clientDevice, 4)
	hub.RegisterDevice("RPI1", dev)

	var online protocol.DeviceEvent
	if err := json.Unmarshal(receiveOfType(t, viewer, protocol.TypeDeviceConnected), &online); err != nil {
		t.Fatalf("bad rpi_connected: %v", err)
	}
	if online.DeviceID != "RPI1" {
		t.Errorf("rpi_connected deviceId = %q, want RPI1", online.DeviceID)
	}

	hub.UnregisterDevice(dev)
	var offline protocol.DeviceEvent
	if err := json.Unmarshal(receiveOfType(t, viewer, protocol.TypeDeviceDisconnected), &offline); err != nil {
		t.Fatalf("bad rpi_disconnected: %v", err)
	}
	if offline.DeviceID != "RPI1" {
		t.Errorf("rpi_disconnected deviceId = %q, want RPI1", offline.DeviceID)
	}
}

func TestRegisterViewerReceivesDeviceList(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	hub.RegisterDevice("RPI1", newFakeClient(hub, clientDevice, 4))
	hub.RegisterDevice("RPI2", newFakeClient(hub, clientDevice, 4))

	viewer := newFakeClient(hub, clientViewer, 16)
	hub.RegisterViewer(viewer)

	var list protocol.DeviceList
	if err := json.Unmarshal(receiveOfType(t, viewer, protocol.TypeDeviceList), &list); err != nil {
		t.Fatalf("bad rpi_list: %v", err)
	}
	if len(list.DeviceIDs) != 2 {
		t.Errorf("rpi_list has %d devices, want 2", len(list.DeviceIDs))
	}
}

func TestBroadcastIsolatesSlowViewer(t *testing.T) {
	hub := NewHub(zerolog.Nop())

	slow := newFakeClient(hub, clientViewer, 1)
	fast := newFakeClient(hub, clientViewer, 16)
	hub.RegisterViewer(slow)
	hub.RegisterViewer(fast)
	receiveOfType(t, fast, protocol.TypeDeviceList)

	// Fill the slow viewer's buffer (device list already consumed one slot).
	hub.BroadcastFrame("RPI1", "frame-1")
	hub.BroadcastFrame("RPI1", "frame-2")

	var frame protocol.CameraFrame
	if err := json.Unmarshal(receiveOfType(t, fast, protocol.TypeCameraFrame), &frame); err != nil {
		t.Fatalf("bad camera_frame: %v", err)
	}
	if frame.Frame != "frame-1" {
		t.Errorf("first frame = %q, want frame-1", frame.Frame)
	}
	if err := json.Unmarshal(receiveOfType(t, fast, protocol.TypeCameraFrame), &frame); err != nil {
		t.Fatalf("bad camera_frame: %v", err)
	}
	if frame.Frame != "frame-2" {
		t.Errorf("second frame = %q, want frame-2; slow viewer must not stall the fan-out", frame.Frame)
	}
}

func TestSendToUserTargetsAllUserConnections(t *testing.T) {
	hub := NewHub(zerolog.Nop())

	a1 := newFakeClient(hub, clientViewer, 16)
	a1.userID = "alice"
	a2 := newFakeClient(hub, clientViewer, 16)
	a2.userID = "alice"
	b := newFakeClient(hub, clientViewer, 16)
	b.userID = "bob"
	for _, c := range []*Client{a1, a2, b} {
		hub.RegisterViewer(c)
		receiveOfType(t, c, protocol.TypeDeviceList)
	}

	hub.SendToUser("alice", protocol.QueueLeft{Type: protocol.TypeQueueLeft, StationID: 1})

	receiveOfType(t, a1, protocol.TypeQueueLeft)
	receiveOfType(t, a2, protocol.TypeQueueLeft)
	select {
	case data := <-b.send:
		t.Fatalf("bob received %s, want nothing", data)
	default:
	}
}
