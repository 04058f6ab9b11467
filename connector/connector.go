// Package connector implements the per-platform supervising loops that own
// one source's connect/receive/send lifecycle. Each loop is a failure
// bulkhead: a fault inside one connector surfaces only as status_update
// events and never reaches the bus worker, the controller, or siblings.
package connector

import (
	"context"
	"log/slog"
	"time"

	"github.com/onnwee/chatbridge/bus"
	"github.com/onnwee/chatbridge/telemetry"
)

// Connector state names carried in status_update events.
const (
	StatusWaitingForAuth = "waiting_for_auth"
	StatusConnecting     = "connecting"
	StatusConnected      = "connected"
	StatusDisconnected   = "disconnected"
	StatusAuthError      = "auth_error"
	StatusError          = "error"
	StatusStopped        = "stopped"
)

// Connector is one platform's supervised loop. Run blocks until ctx is done;
// it must observe cancellation at every network wait, sleep, and channel
// receive. Run never returns a platform error: persistent failures are
// published as status events and the loop parks or retries.
type Connector interface {
	Platform() string
	Run(ctx context.Context) error
}

func publishStatus(b *bus.Bus, platform, state, detail string) {
	telemetry.SetConnectorConnected(platform, state == StatusConnected)
	b.Publish(bus.NewEvent(bus.KindStatusUpdate, bus.StatusUpdate{
		Service: platform,
		State:   state,
		Detail:  detail,
	}))
}

// enqueueResponse pushes an outbound response onto a connector's send queue
// without ever blocking the bus dispatch goroutine.
func enqueueResponse(out chan bus.BotResponse, platform string, resp bus.BotResponse) {
	select {
	case out <- resp:
	default:
		telemetry.IncSendErrors(platform)
		slog.Warn("send queue full; response dropped", slog.String("platform", platform))
	}
}

// sleepCtx pauses for d or until ctx is done. Returns false on cancellation.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
