// stationhub-watch tails telemetry from the broker: device on/offline
// events, status replies, and camera frame arrivals.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/actulab/stationhub/internal/config"
	"github.com/actulab/stationhub/internal/protocol"
	"github.com/actulab/stationhub/internal/viewer"
)

type printer struct {
	log zerolog.Logger
}

func (p *printer) OnConnected() {
	p.log.Info().Msg("connected")
}

func (p *printer) OnMessage(kind string, data []byte) {
	switch kind {
	case protocol.TypeCameraFrame:
		var frame protocol.CameraFrame
		if json.Unmarshal(data, &frame) == nil {
			p.log.Info().Str("device", frame.DeviceID).Int("bytes", len(frame.Frame)).Msg("camera frame")
		}
	case protocol.TypeDeviceResponse:
		var resp protocol.DeviceResponse
		if json.Unmarshal(data, &resp) == nil {
			p.log.Info().Str("device", resp.DeviceID).Str("status", resp.Status).Msg(resp.Message)
		}
	default:
		fmt.Println(string(data))
	}
}

func (p *printer) OnConnectionLost() {
	p.log.Error().Msg("connection lost, giving up")
	os.Exit(1)
}

func main() {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		With().Timestamp().Logger()

	cfg, err := config.LoadFromEnv()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		cancel()
	}()

	client := viewer.New(cfg, log, &printer{log: log})
	client.Run(ctx)
}
