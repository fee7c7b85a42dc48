package events

import (
	"encoding/json"
	"fmt"

	"DPIHub/internal/config"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Publisher broadcasts lifecycle events (job transitions, capture runs) to
// NATS subjects under the configured prefix. A nil *Publisher is valid and
// publishes nothing, so eventing can be switched off in config.
type Publisher struct {
	nc     *nats.Conn
	prefix string
	log    *zap.SugaredLogger
}

// NewPublisher connects to the NATS server.
func NewPublisher(cfg config.EventsConfig, log *zap.SugaredLogger) (*Publisher, error) {
	nc, err := nats.Connect(cfg.NATSURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.NATSURL, err)
	}
	log.Infow("connected to NATS", "url", cfg.NATSURL)
	return &Publisher{nc: nc, prefix: cfg.SubjectPrefix, log: log}, nil
}

// Publish serializes the payload to JSON and publishes it on
// "<prefix>.<kind>".
func (p *Publisher) Publish(kind string, payload any) error {
	if p == nil {
		return nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %w", kind, err)
	}
	return p.nc.Publish(p.prefix+"."+kind, data)
}

// Close drains and closes the NATS connection.
func (p *Publisher) Close() {
	if p == nil || p.nc == nil {
		return
	}
	if err := p.nc.Drain(); err != nil {
		p.log.Warnw("failed to drain NATS connection", "error", err)
	}
}
