package bus

import (
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// New builds the event bus for the configured transport. The channel bus
// keeps everything in-process and is the default; NATS is used when risk
// events need to reach consumers outside this process.
func New(cfg domain.EventBusConfig) (domain.EventBus, error) {
	switch cfg.Type {
	case "channel":
		size := cfg.ChannelBufferSize
		if size <= 0 {
			size = 100
		}
		return NewChannelBus(size), nil
	case "nats":
		return NewNATSBus(cfg)
	default:
		return nil, fmt.Errorf("%w: unsupported event bus type %q", domain.ErrConfiguration, cfg.Type)
	}
}
