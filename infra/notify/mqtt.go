package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/kilianp07/gridflex/core/factory"
	corenotify "github.com/kilianp07/gridflex/core/notify"
	"github.com/kilianp07/gridflex/infra/logger"
)

// MQTTConfig configures the MQTT notifier.
type MQTTConfig struct {
	Broker   string        `json:"broker"`
	ClientID string        `json:"client_id"`
	Username string        `json:"username"`
	Password string        `json:"password"`
	Topic    string        `json:"topic"`
	QoS      byte          `json:"qos"`
	Retain   bool          `json:"retain"`
	Timeout  time.Duration `json:"timeout"`
}

type pahoClient interface {
	IsConnected() bool
	Connect() paho.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
}

var newMQTTClient = func(opts *paho.ClientOptions) pahoClient {
	return paho.NewClient(opts)
}

// MQTT publishes every message as JSON on Topic/<run_id>.
type MQTT struct {
	cfg MQTTConfig
	cli pahoClient
	log logger.Logger
}

// NewMQTT is the factory of the "mqtt" notifier. It connects eagerly.
func NewMQTT(conf map[string]any) (corenotify.Notifier, error) {
	var cfg MQTTConfig
	if conf != nil {
		if err := factory.Decode(conf, &cfg); err != nil {
			return nil, err
		}
	}
	if cfg.Broker == "" {
		return nil, fmt.Errorf("mqtt notifier: broker required")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "gridflex-" + uuid.NewString()[:8]
	}
	if cfg.Topic == "" {
		cfg.Topic = "gridflex/pipeline"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	log := logger.New("notify_mqtt")
	opts := paho.NewClientOptions().AddBroker(cfg.Broker).SetClientID(cfg.ClientID)
	opts.AutoReconnect = true
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.OnConnectionLost = func(_ paho.Client, err error) {
		log.Errorf("connection lost: %v", err)
	}
	c := newMQTTClient(opts)
	tok := c.Connect()
	if !tok.WaitTimeout(cfg.Timeout) {
		return nil, fmt.Errorf("mqtt notifier: connect to %s timed out", cfg.Broker)
	}
	if err := tok.Error(); err != nil {
		return nil, fmt.Errorf("mqtt notifier: %w", err)
	}
	return &MQTT{cfg: cfg, cli: c, log: log}, nil
}

// Notify implements notify.Notifier.
func (m *MQTT) Notify(ctx context.Context, msg corenotify.Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	topic := m.cfg.Topic + "/" + msg.RunID
	tok := m.cli.Publish(topic, m.cfg.QoS, m.cfg.Retain, payload)
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(m.cfg.Timeout):
		return fmt.Errorf("mqtt notifier: publish to %s timed out", topic)
	}
}

// Close disconnects from the broker.
func (m *MQTT) Close() error {
	if m.cli.IsConnected() {
		m.cli.Disconnect(250)
	}
	return nil
}

func init() {
	if err := corenotify.RegisterNotifier("telegram", NewTelegram); err != nil {
		panic(err)
	}
	if err := corenotify.RegisterNotifier("mqtt", NewMQTT); err != nil {
		panic(err)
	}
}
