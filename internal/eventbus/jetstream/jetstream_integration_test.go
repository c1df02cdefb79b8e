//go:build integration
// +build integration

package jetstream

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nimbusgpu/orchestrator/internal/eventbus"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	natsContainer testcontainers.Container
	natsURL       string
)

func TestMain(m *testing.M) {
	if testing.Short() {
		fmt.Println("skipping jetstream integration tests")
		os.Exit(0)
	}

	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "nats:latest",
		ExposedPorts: []string{"4222/tcp"},
		Cmd:          []string{"-js"},
		WaitingFor:   wait.ForListeningPort("4222/tcp"),
	}

	var err error
	natsContainer, err = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		panic(err)
	}

	host, _ := natsContainer.Host(ctx)
	port, _ := natsContainer.MappedPort(ctx, "4222")
	natsURL = fmt.Sprintf("nats://%s:%s", host, port.Port())

	code := m.Run()
	_ = natsContainer.Terminate(ctx)
	os.Exit(code)
}

func TestNew_CreatesStream(t *testing.T) {
	bus, err := New(natsURL)
	require.NoError(t, err)
	defer bus.Shutdown()
}

func TestPublish_CycleSummaryDeliveredToSubscriber(t *testing.T) {
	bus, err := New(natsURL)
	require.NoError(t, err)
	defer bus.Shutdown()

	nc, err := nats.Connect(natsURL)
	require.NoError(t, err)
	defer nc.Close()
	js, err := nc.JetStream()
	require.NoError(t, err)

	sub, err := js.SubscribeSync(string(eventbus.EventCycleSummary))
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, bus.Publish(context.Background(), eventbus.EventCycleSummary, []byte(`{"cycle_number":1}`)))

	msg, err := sub.NextMsg(5 * time.Second)
	require.NoError(t, err)
	require.JSONEq(t, `{"cycle_number":1}`, string(msg.Data))
}

func TestPublish_DistinctSubjectsDoNotCrossDeliver(t *testing.T) {
	bus, err := New(natsURL)
	require.NoError(t, err)
	defer bus.Shutdown()

	nc, err := nats.Connect(natsURL)
	require.NoError(t, err)
	defer nc.Close()
	js, err := nc.JetStream()
	require.NoError(t, err)

	sub, err := js.SubscribeSync(string(eventbus.EventAnomaly))
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, bus.Publish(context.Background(), eventbus.EventSafetyValve, []byte(`{}`)))

	_, err = sub.NextMsg(500 * time.Millisecond)
	require.Error(t, err, "a safety-valve publish must not be visible on the anomaly subject")
}
