// Package device implements a simulated station device: it registers with
// the broker, executes motion commands against a modeled axis, and emits
// synthetic camera frames.
package device

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/actulab/stationhub/internal/config"
	"github.com/actulab/stationhub/internal/protocol"
)

// Connection parameters. Unlike viewers, a device retries indefinitely:
// an unattended station should come back on its own after an outage.
const (
	initialBackoff   = 1 * time.Second
	maxBackoff       = 60 * time.Second
	handshakeTimeout = 10 * time.Second
	writeWait        = 10 * time.Second
	pongWait         = 60 * time.Second
)

// Simulator models one station device.
type Simulator struct {
	cfg *config.Config
	log zerolog.Logger

	mu   sync.Mutex
	conn *websocket.Conn

	backoff time.Duration

	// Modeled actuator state.
	stateMu  sync.Mutex
	position float64
	speed    float64
	demo     bool
	frameSeq uint64
}

// New creates a simulator for the device id in cfg.
func New(cfg *config.Config, log zerolog.Logger) *Simulator {
	return &Simulator{
		cfg:     cfg,
		log:     log.With().Str("component", "device").Str("device", cfg.DeviceID).Logger(),
		backoff: initialBackoff,
		speed:   1.0,
	}
}

// Run connects to the broker and maintains the connection until the
// context is cancelled.
func (d *Simulator) Run(ctx context.Context) error {
	d.log.Info().Str("url", d.cfg.ServerURL).Msg("starting device simulator")

	for {
		select {
		case <-ctx.Done():
			d.log.Info().Msg("device simulator stopped")
			return nil
		default:
		}

		if err := d.connect(ctx); err != nil {
			d.log.Error().Err(err).Dur("backoff", d.backoff).Msg("connection failed, retrying")
			d.waitBackoff(ctx)
			continue
		}

		d.backoff = initialBackoff

		frameCtx, cancelFrames := context.WithCancel(ctx)
		go d.frameLoop(frameCtx)
		d.readLoop(ctx)
		cancelFrames()

		d.waitBackoff(ctx)
	}
}

// connect dials the broker and registers the device id.
func (d *Simulator) connect(ctx context.Context) error {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+d.cfg.Token)

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, d.cfg.ServerURL, header)
	if err != nil {
		return err
	}

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPingHandler(func(appData string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
	})

	d.mu.Lock()
	d.conn = conn
	d.mu.Unlock()

	return d.send(protocol.Register{
		Type:     protocol.TypeRegister,
		DeviceID: d.cfg.DeviceID,
		Status:   "ready",
	})
}

// readLoop reads broker messages until the connection drops.
func (d *Simulator) readLoop(ctx context.Context) {
	defer func() {
		d.mu.Lock()
		if d.conn != nil {
			_ = d.conn.Close()
			d.conn = nil
		}
		d.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		d.mu.Lock()
		conn := d.conn
		d.mu.Unlock()
		if conn == nil {
			return
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				d.log.Debug().Err(err).Msg("read error")
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		if protocol.Kind(data) != protocol.TypeCommand {
			continue
		}
		var cmd protocol.DeviceCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			d.log.Warn().Msg("unparseable command, ignoring")
			continue
		}
		status, message := d.execute(cmd)
		if err := d.send(map[string]string{"status": status, "message": message}); err != nil {
			d.log.Debug().Err(err).Msg("failed to send command response")
		}
	}
}

// execute applies a command to the modeled actuator.
func (d *Simulator) execute(cmd protocol.DeviceCommand) (status, message string) {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()

	verb := cmd.Command
	direction := cmd.Direction
	if strings.HasPrefix(verb, protocol.CmdMove+"_") {
		direction = strings.TrimPrefix(verb, protocol.CmdMove+"_")
		verb = protocol.CmdMove
	}

	switch verb {
	case protocol.CmdMove:
		delta := d.speed
		if direction == "down" || direction == "left" {
			delta = -delta
		}
		d.position += delta
		return "ok", fmt.Sprintf("moving %s, position %.2f", direction, d.position)
	case protocol.CmdStop:
		return "ok", fmt.Sprintf("stopped at %.2f", d.position)
	case protocol.CmdStep:
		delta := cmd.StepSize
		if direction == "down" || direction == "left" {
			delta = -delta
		}
		d.position += delta
		return "ok", fmt.Sprintf("stepped %.2f%s, position %.2f", cmd.StepSize, cmd.StepUnit, d.position)
	case protocol.CmdScan:
		return "ok", "scan started"
	case protocol.CmdHome:
		d.position = 0
		return "ok", "homed"
	case protocol.CmdSpeed:
		if cmd.StepSize > 0 {
			d.speed = cmd.StepSize
		}
		return "ok", fmt.Sprintf("speed set to %.2f", d.speed)
	case protocol.CmdAcceleration:
		return "ok", fmt.Sprintf("acceleration set to %.2f", cmd.Acce)
	case protocol.CmdDeceleration:
		return "ok", fmt.Sprintf("deceleration set to %.2f", cmd.Dece)
	case protocol.CmdDemoStart:
		d.demo = true
		return "ok", "demo started"
	case protocol.CmdDemoStop:
		d.demo = false
		return "ok", "demo stopped"
	default:
		return "error", fmt.Sprintf("unknown command %q", cmd.Command)
	}
}

// frameLoop emits synthetic camera frames on a ticker.
func (d *Simulator) frameLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.FrameInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.send(protocol.CameraFrame{
				Type:  protocol.TypeCameraFrame,
				Frame: d.nextFrame(),
			}); err != nil {
				return
			}
		}
	}
}

// nextFrame renders the current actuator state as a frame payload.
func (d *Simulator) nextFrame() string {
	d.stateMu.Lock()
	d.frameSeq++
	payload := fmt.Sprintf("frame=%d position=%.2f demo=%t", d.frameSeq, d.position, d.demo)
	d.stateMu.Unlock()
	return base64.StdEncoding.EncodeToString([]byte(payload))
}

func (d *Simulator) send(msg any) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn == nil {
		return websocket.ErrCloseSent
	}
	_ = d.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return d.conn.WriteMessage(websocket.TextMessage, protocol.Encode(msg))
}

// waitBackoff waits for the current backoff duration, then doubles it.
func (d *Simulator) waitBackoff(ctx context.Context) {
	timer := time.NewTimer(d.backoff)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-timer.C:
	}

	d.backoff *= 2
	if d.backoff > maxBackoff {
		d.backoff = maxBackoff
	}
}
