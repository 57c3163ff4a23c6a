package notify

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	corenotify "github.com/kilianp07/gridflex/core/notify"
)

type doneToken struct{ err error }

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t doneToken) Error() error { return t.err }

type fakeClient struct {
	topic   string
	payload []byte
}

func (f *fakeClient) IsConnected() bool   { return true }
func (f *fakeClient) Connect() paho.Token { return doneToken{} }
func (f *fakeClient) Disconnect(uint)     {}
func (f *fakeClient) Publish(topic string, _ byte, _ bool, payload interface{}) paho.Token {
	f.topic = topic
	f.payload = payload.([]byte)
	return doneToken{}
}

func TestMQTTPublishesJSON(t *testing.T) {
	fake := &fakeClient{}
	orig := newMQTTClient
	newMQTTClient = func(*paho.ClientOptions) pahoClient { return fake }
	defer func() { newMQTTClient = orig }()

	n, err := NewMQTT(map[string]any{"broker": "tcp://localhost:1883", "topic": "gf/runs"})
	require.NoError(t, err)
	require.NoError(t, n.Notify(context.Background(), corenotify.Message{RunID: "R", Task: "ref", Text: "done"}))

	assert.Equal(t, "gf/runs/R", fake.topic)
	var m corenotify.Message
	require.NoError(t, json.Unmarshal(fake.payload, &m))
	assert.Equal(t, "ref", m.Task)
	require.NoError(t, n.(*MQTT).Close())
}

func TestMQTTRequiresBroker(t *testing.T) {
	_, err := NewMQTT(nil)
	assert.Error(t, err)
}
