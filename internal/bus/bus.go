package bus

import (
	"fmt"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// New creates the event bus named by cfg.Type. An empty type selects the
// in-process ChannelBus used by the Community tier; "nats" selects NATSBus.
func New(cfg domain.EventBusConfig) (domain.EventBus, error) {
	switch strings.ToLower(cfg.Type) {
	case "", "channel":
		return NewChannelBus(cfg.ChannelBufferSize), nil
	case "nats":
		return NewNATSBus(cfg)
	default:
		return nil, fmt.Errorf("%w: unsupported event bus type %q", domain.ErrInvalidConfig, cfg.Type)
	}
}
