package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/rufus800/challawa-np/internal/model"
)

const (
	SubscriberID   = "mqtt"
	publishTimeout = 5 * time.Second
	queueSize      = 16
)

var ErrQueueFull = errors.New("mqtt publish queue full")

// Client defines the part of the paho client the publisher uses.
type Client interface {
	Connect() paho.Token
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	Disconnect(quiesce uint)
}

// NewClient builds a paho client with auto reconnect. The client id gets a
// random suffix so two monitors on one broker never evict each other.
func NewClient(broker, clientID, username, password string) Client {
	opts := paho.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(fmt.Sprintf("%s-%s", clientID, uuid.NewString()[:8]))
	if username != "" {
		opts.SetUsername(username)
		opts.SetPassword(password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		log.Warn().Err(err).Str("broker", broker).Msg("MQTT connection lost")
	})
	opts.SetOnConnectHandler(func(paho.Client) {
		log.Info().Str("broker", broker).Msg("MQTT connected")
	})
	return paho.NewClient(opts)
}

// Publisher mirrors every frame to <topic>/status as a retained message.
// Deliver only queues; a single worker does the network I/O.
type Publisher struct {
	client   Client
	topic    string
	qos      byte
	retained bool

	queue  chan []byte
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewPublisher(client Client, baseTopic string, qos byte) *Publisher {
	return &Publisher{
		client:   client,
		topic:    baseTopic + "/status",
		qos:      qos,
		retained: true,
		queue:    make(chan []byte, queueSize),
	}
}

// Start connects and launches the publish worker.
func (p *Publisher) Start() error {
	if p.ctx != nil {
		return errors.New("mqtt publisher is already running")
	}

	token := p.client.Connect()
	if !token.WaitTimeout(publishTimeout) {
		log.Warn().Msg("MQTT connect still pending, continuing with background retry")
	} else if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}

	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.run()
	}()

	log.Info().Str("topic", p.topic).Msg("MQTT publisher started")
	return nil
}

func (p *Publisher) run() {
	for {
		select {
		case <-p.ctx.Done():
			return
		case payload := <-p.queue:
			p.publish(payload)
		}
	}
}

func (p *Publisher) publish(payload []byte) {
	token := p.client.Publish(p.topic, p.qos, p.retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		log.Warn().Str("topic", p.topic).Msg("MQTT publish timed out")
		return
	}
	if err := token.Error(); err != nil {
		log.Warn().Err(err).Str("topic", p.topic).Msg("MQTT publish failed")
	}
}

func (p *Publisher) ID() string {
	return SubscriberID
}

// Deliver queues the frame's JSON. A full queue drops the frame.
func (p *Publisher) Deliver(frame model.SystemFrame) error {
	payload, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	select {
	case p.queue <- payload:
		return nil
	default:
		return ErrQueueFull
	}
}

// Stop stops the worker and disconnects from the broker.
func (p *Publisher) Stop() {
	if p.ctx == nil {
		return
	}
	p.cancel()
	p.wg.Wait()
	p.ctx = nil
	p.cancel = nil

	p.client.Disconnect(250)
	log.Info().Msg("MQTT publisher stopped")
}

func (p *Publisher) Topic() string {
	return p.topic
}
