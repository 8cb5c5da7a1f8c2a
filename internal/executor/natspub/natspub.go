package natspub

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
)

// Publisher forwards a task's message payload to a NATS subject, handing the
// actual work to whatever subscribes there.
type Publisher struct {
	nc *nats.Conn
}

type Message struct {
	Subject string          `json:"subject"`
	Data    json.RawMessage `json:"data"`
}

func New(url string) (*Publisher, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return &Publisher{nc: nc}, nil
}

func (p *Publisher) Handle(ctx context.Context, payload json.RawMessage) error {
	var m Message
	if err := json.Unmarshal(payload, &m); err != nil {
		return fmt.Errorf("invalid nats payload: %w", err)
	}
	if m.Subject == "" {
		return fmt.Errorf("subject is required")
	}
	if err := p.nc.Publish(m.Subject, m.Data); err != nil {
		return fmt.Errorf("publish to %s: %w", m.Subject, err)
	}
	return p.nc.FlushWithContext(ctx)
}

func (p *Publisher) Close() {
	p.nc.Drain()
}
