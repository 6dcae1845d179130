// Package pulse abstracts the hardware timing collaborators: microsecond
// edge timestamping on the receive pin and carrier PWM on the transmit pin.
package pulse

import (
	"context"
	"errors"

	"github.com/jon-fox/raspberry-mcp/internal/model"
)

var (
	ErrAlreadySubscribed = errors.New("edge subscription already active")
	ErrNotSubscribed     = errors.New("no edge subscription active")
)

// EdgeHandler receives hardware edge events. Handlers run on the backend's
// notification path and must not block; enqueue and return.
type EdgeHandler func(model.EdgeEvent)

// Timer is the hardware/timing daemon boundary. One edge subscription at a
// time; carrier state is explicit and must be driven back off by the caller.
type Timer interface {
	SubscribeEdges(ctx context.Context, handler EdgeHandler) error
	UnsubscribeEdges() error
	ConfigurePWM(freqHz uint32, duty float32) error
	SetCarrier(on bool) error
	Close() error
}
