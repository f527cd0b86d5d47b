package channel

import (
	"context"

	"pincer/pkg/bus"
)

// Adapter bridges one external transport (for example Telegram) into the
// message bus.
//
// Run registers the adapter's outbound delivery callback under Name(),
// publishes user traffic inbound, and blocks until ctx is done or the
// transport fails. Replies travel back through the bus dispatcher, so an
// adapter never waits on the agent inside its receive path.
type Adapter interface {
	Name() string
	Run(ctx context.Context, mb *bus.MessageBus) error
}
