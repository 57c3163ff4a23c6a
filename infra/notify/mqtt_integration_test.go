package notify_test

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	corenotify "github.com/kilianp07/gridflex/core/notify"
	"github.com/kilianp07/gridflex/infra/notify"
	"github.com/kilianp07/gridflex/internal/testutil"
)

func TestMQTTNotifierAgainstMosquitto(t *testing.T) {
	if os.Getenv("DOCKER_AVAILABLE") != "true" && os.Getenv("DOCKER_AVAILABLE") != "1" {
		t.Skip("docker not available")
	}
	ctx := context.Background()
	broker, cleanup, err := testutil.StartMosquitto(ctx)
	require.NoError(t, err)
	defer cleanup()

	received := make(chan []byte, 1)
	sub := paho.NewClient(paho.NewClientOptions().AddBroker(broker).SetClientID("sub"))
	tok := sub.Connect()
	require.True(t, tok.WaitTimeout(5*time.Second))
	require.NoError(t, tok.Error())
	defer sub.Disconnect(250)
	tok = sub.Subscribe("gridflex/pipeline/R", 1, func(_ paho.Client, m paho.Message) { received <- m.Payload() })
	require.True(t, tok.WaitTimeout(5*time.Second))
	require.NoError(t, tok.Error())

	n, err := notify.NewMQTT(map[string]any{"broker": broker, "qos": 1})
	require.NoError(t, err)
	require.NoError(t, n.Notify(ctx, corenotify.Message{RunID: "R", Task: "ref", Outcome: "succeeded", Text: "ref succeeded"}))

	select {
	case raw := <-received:
		var m corenotify.Message
		require.NoError(t, json.Unmarshal(raw, &m))
		assert.Equal(t, "ref succeeded", m.Text)
	case <-time.After(5 * time.Second):
		t.Fatal("no message received")
	}
}
