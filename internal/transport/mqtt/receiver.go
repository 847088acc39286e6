package mqtt

import (
	"context"
	"fmt"
	"sync"
	"time"

	"datagate/internal/pipeline"
	"datagate/internal/transport"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
)

const (
	legacyTopic  = "iot/sensors/+/readings"
	genericTopic = "+/+/+/data"

	defaultQueueCapacity = 10000
	defaultWorkers       = 8
)

// Config configures the MQTT receiver.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	ClientID string

	// GenericEnabled subscribes the multi-domain topic alongside the
	// legacy one.
	GenericEnabled bool

	QueueCapacity int
	Workers       int
}

// Receiver ingests MQTT messages. The network-loop callback only enqueues
// into a bounded channel; persistence happens on the worker pool, never on
// the paho callback goroutine. A full queue drops the message with a
// warning (QoS 1 redelivery is the producer's recourse).
type Receiver struct {
	cfg    Config
	router *pipeline.Router
	log    *logrus.Entry

	client paho.Client
	queue  chan rawMessage
	wg     sync.WaitGroup
	cancel context.CancelFunc

	transport.Counters
}

type rawMessage struct {
	topic   string
	payload []byte
}

// NewReceiver creates the MQTT receiver.
func NewReceiver(cfg Config, router *pipeline.Router, log *logrus.Entry) *Receiver {
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = defaultQueueCapacity
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "datagate-ingest"
	}
	return &Receiver{
		cfg:    cfg,
		router: router,
		log:    log,
		queue:  make(chan rawMessage, cfg.QueueCapacity),
	}
}

// Name implements transport.Transport.
func (r *Receiver) Name() string { return "mqtt" }

// Start connects to the broker, subscribes and launches the worker pool.
func (r *Receiver) Start(ctx context.Context) error {
	workerCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	opts := paho.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", r.cfg.Host, r.cfg.Port)).
		SetClientID(r.cfg.ClientID).
		SetUsername(r.cfg.Username).
		SetPassword(r.cfg.Password).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetOrderMatters(true)

	opts.OnConnect = func(c paho.Client) {
		r.subscribe(c)
	}
	opts.OnConnectionLost = func(c paho.Client, err error) {
		r.log.WithError(err).Warn("mqtt connection lost")
	}

	r.client = paho.NewClient(opts)
	token := r.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		cancel()
		return fmt.Errorf("mqtt connect timeout to %s:%d", r.cfg.Host, r.cfg.Port)
	}
	if err := token.Error(); err != nil {
		cancel()
		return fmt.Errorf("mqtt connect: %w", err)
	}

	for i := 0; i < r.cfg.Workers; i++ {
		r.wg.Add(1)
		go r.worker(workerCtx)
	}

	r.log.WithFields(logrus.Fields{
		"broker":  fmt.Sprintf("%s:%d", r.cfg.Host, r.cfg.Port),
		"workers": r.cfg.Workers,
		"queue":   r.cfg.QueueCapacity,
	}).Info("mqtt receiver started")
	return nil
}

func (r *Receiver) subscribe(c paho.Client) {
	topics := map[string]byte{legacyTopic: 1}
	if r.cfg.GenericEnabled {
		topics[genericTopic] = 1
	}
	token := c.SubscribeMultiple(topics, r.onMessage)
	go func() {
		token.Wait()
		if err := token.Error(); err != nil {
			r.log.WithError(err).Error("mqtt subscribe failed")
		}
	}()
}

// onMessage runs on the paho network loop: enqueue only, never block.
func (r *Receiver) onMessage(_ paho.Client, msg paho.Message) {
	r.Received()
	select {
	case r.queue <- rawMessage{topic: msg.Topic(), payload: msg.Payload()}:
	default:
		r.Dropped()
		r.log.WithField("topic", msg.Topic()).Warn("mqtt queue full, message dropped")
	}
}

func (r *Receiver) worker(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-r.queue:
			if !ok {
				return
			}
			r.handle(ctx, msg)
		}
	}
}

func (r *Receiver) handle(ctx context.Context, msg rawMessage) {
	r.Enter()
	defer r.Leave()

	point, err := parseMessage(msg.topic, msg.payload)
	if err != nil {
		r.Rejected()
		r.log.WithError(err).WithField("topic", msg.topic).Warn("mqtt parse failed")
		return
	}
	r.Parsed()
	point.IngestedAt = time.Now()

	outcome := r.router.Route(ctx, r.Name(), point, msg.payload)
	if outcome.Rejected {
		r.Rejected()
	}
}

// Stop disconnects and drains the workers.
func (r *Receiver) Stop(ctx context.Context) error {
	if r.client != nil && r.client.IsConnected() {
		r.client.Disconnect(250)
	}
	if r.cancel != nil {
		r.cancel()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	r.log.Info("mqtt receiver stopped")
	return nil
}

// Stats implements transport.Transport.
func (r *Receiver) Stats() transport.StatsSnapshot {
	return r.Snapshot()
}

var _ transport.Transport = (*Receiver)(nil)
