// Package jetstream implements eventbus.Bus over NATS JetStream, grounded
// on the teacher's JetStreamClient stream/consumer bootstrap, repurposed
// from job dispatch to publish-only cycle telemetry.
package jetstream

import (
	"context"
	"errors"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nimbusgpu/orchestrator/internal/eventbus"
)

type Client struct {
	connection *nats.Conn
	context    nats.JetStreamContext
}

func New(url string) (eventbus.Bus, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Name("orchestrator"),
	)
	if err != nil {
		return nil, err
	}

	js, err := nc.JetStream()
	if err != nil {
		return nil, err
	}

	_, err = js.AddStream(&nats.StreamConfig{
		Name:     "ORCHESTRATOR_EVENTS",
		Subjects: []string{"events.orchestrator.>"},
	})
	if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		return nil, err
	}

	return &Client{connection: nc, context: js}, nil
}

func (c *Client) Publish(ctx context.Context, event eventbus.Event, payload []byte) error {
	_, err := c.context.Publish(string(event), payload)
	return err
}

func (c *Client) Shutdown() {
	c.connection.Drain()
	c.connection.Close()
}
