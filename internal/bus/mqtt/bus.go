// Package mqtt adapts an Eclipse Paho client to bus.Bus.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"intake/internal/bus"
	intakeerrors "intake/internal/errors"
	"intake/internal/logging"
	"intake/internal/messaging"

	paho "github.com/eclipse/paho.mqtt.golang"
)

// Config describes the broker connection.
type Config struct {
	Host           string        `mapstructure:"host" yaml:"host"`
	Port           int           `mapstructure:"port" yaml:"port"`
	ClientID       string        `mapstructure:"client_id" yaml:"client_id"`
	Username       string        `mapstructure:"username" yaml:"username"`
	Password       string        `mapstructure:"password" yaml:"password"`
	KeepAlive      time.Duration `mapstructure:"keep_alive" yaml:"keep_alive"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
	QoS            byte          `mapstructure:"qos" yaml:"qos"`
	InboxSize      int           `mapstructure:"inbox_size" yaml:"inbox_size"`
	// EnqueueTimeout bounds how long a full inbox may hold up paho's
	// message router before the message is dropped.
	EnqueueTimeout time.Duration `mapstructure:"enqueue_timeout" yaml:"enqueue_timeout"`
	// Quiesce is how long Disconnect lets in-flight work finish.
	Quiesce time.Duration `mapstructure:"quiesce" yaml:"quiesce"`
}

func (c Config) withDefaults() Config {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 1883
	}
	if c.KeepAlive <= 0 {
		c.KeepAlive = 30 * time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.InboxSize <= 0 {
		c.InboxSize = 1024
	}
	if c.EnqueueTimeout <= 0 {
		c.EnqueueTimeout = 100 * time.Millisecond
	}
	if c.Quiesce <= 0 {
		c.Quiesce = 250 * time.Millisecond
	}
	return c
}

// BrokerURL is the tcp:// address handed to paho.
func (c Config) BrokerURL() string {
	return fmt.Sprintf("tcp://%s:%d", c.Host, c.Port)
}

// Bus is a paho-backed bus.Bus. Paho calls the message handler on its own
// goroutine; the handler only enqueues into the inbox.
type Bus struct {
	cfg    Config
	client paho.Client
	inbox  *messaging.Queue[bus.Event]
	logger logging.Logger

	mu      sync.Mutex
	filters []string
	closed  bool
	dropped atomic.Uint64
}

// New builds a bus. Nothing is dialled until Connect.
func New(cfg Config, logger logging.Logger) *Bus {
	b := newBus(cfg, logger)
	b.client = paho.NewClient(b.clientOptions())
	return b
}

func newBus(cfg Config, logger logging.Logger) *Bus {
	cfg = cfg.withDefaults()
	return &Bus{
		cfg:    cfg,
		inbox:  messaging.NewQueue[bus.Event](cfg.InboxSize),
		logger: logging.OrNop(logger),
	}
}

func (b *Bus) clientOptions() *paho.ClientOptions {
	opts := paho.NewClientOptions().
		AddBroker(b.cfg.BrokerURL()).
		SetClientID(b.cfg.ClientID).
		SetKeepAlive(b.cfg.KeepAlive).
		SetConnectTimeout(b.cfg.ConnectTimeout).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetOnConnectHandler(b.onConnect).
		SetConnectionLostHandler(b.onConnectionLost)
	if b.cfg.Username != "" {
		opts.SetUsername(b.cfg.Username)
		opts.SetPassword(b.cfg.Password)
	}
	return opts
}

// Connect dials the broker. Connection failures are transient so callers
// can retry them.
func (b *Bus) Connect(ctx context.Context) error {
	if err := wait(ctx, b.client.Connect()); err != nil {
		return intakeerrors.NewTransientError(
			intakeerrors.Transport("connect", "", err),
			fmt.Sprintf("connect to %s: %v", b.cfg.BrokerURL(), err),
		)
	}
	b.logger.Info("Connected to broker %s as %s", b.cfg.BrokerURL(), b.cfg.ClientID)
	return nil
}

// Subscribe subscribes every filter and remembers them so they are
// restored after an automatic reconnect.
func (b *Bus) Subscribe(ctx context.Context, filters ...string) (<-chan bus.Event, error) {
	for _, f := range filters {
		if err := bus.ValidateFilter(f); err != nil {
			return nil, intakeerrors.NewPermanentError(intakeerrors.Transport("subscribe", f, err), "")
		}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, intakeerrors.Transport("subscribe", "", errors.New("bus disconnected"))
	}
	b.mu.Unlock()

	for _, f := range filters {
		if err := wait(ctx, b.client.Subscribe(f, b.cfg.QoS, b.onMessage)); err != nil {
			return nil, intakeerrors.NewTransientError(intakeerrors.Transport("subscribe", f, err), "")
		}
		b.logger.Info("Subscribed to %s (qos %d)", f, b.cfg.QoS)
	}

	b.mu.Lock()
	b.filters = appendMissing(b.filters, filters...)
	b.mu.Unlock()
	return b.inbox.Messages(), nil
}

// Publish is safe for concurrent use; paho serialises writes internally.
func (b *Bus) Publish(ctx context.Context, topic string, payload any, qos byte, retain bool) error {
	data, err := bus.EncodePayload(payload)
	if err != nil {
		return intakeerrors.Transport("publish", topic, err)
	}
	if err := wait(ctx, b.client.Publish(topic, qos, retain, data)); err != nil {
		return intakeerrors.Transport("publish", topic, err)
	}
	return nil
}

// Disconnect closes the broker connection and the event channel.
func (b *Bus) Disconnect(context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	if b.client.IsConnectionOpen() {
		b.client.Disconnect(uint(b.cfg.Quiesce / time.Millisecond))
	}
	b.inbox.Close()
	b.logger.Info("Disconnected from broker %s", b.cfg.BrokerURL())
	return nil
}

// Dropped reports how many inbound messages were discarded because the
// inbox stayed full or was closed.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// onMessage runs on paho's router goroutine, which also drives acks, so it
// waits at most EnqueueTimeout for room in the inbox.
func (b *Bus) onMessage(_ paho.Client, msg paho.Message) {
	ev := bus.Event{Topic: msg.Topic(), Payload: msg.Payload(), ReceivedAt: time.Now()}
	err := b.inbox.TryEnqueue(ev)
	if errors.Is(err, messaging.ErrQueueFull) {
		ctx, cancel := context.WithTimeout(context.Background(), b.cfg.EnqueueTimeout)
		err = b.inbox.Enqueue(ctx, ev)
		cancel()
	}
	if err != nil {
		n := b.dropped.Add(1)
		b.logger.Warn("Dropping message on %s (%d dropped so far): %v", msg.Topic(), n, err)
	}
}

// onConnect restores subscriptions after paho reconnects with a clean
// session. On the first connect there is nothing to restore.
func (b *Bus) onConnect(client paho.Client) {
	b.mu.Lock()
	filters := append([]string(nil), b.filters...)
	closed := b.closed
	b.mu.Unlock()
	if closed || len(filters) == 0 {
		return
	}

	for _, f := range filters {
		token := client.Subscribe(f, b.cfg.QoS, b.onMessage)
		go func(f string, token paho.Token) {
			if token.WaitTimeout(b.cfg.ConnectTimeout) && token.Error() == nil {
				b.logger.Info("Resubscribed to %s", f)
				return
			}
			b.logger.Error("Resubscribe to %s failed: %v", f, token.Error())
		}(f, token)
	}
}

func (b *Bus) onConnectionLost(_ paho.Client, err error) {
	b.logger.Warn("Broker connection lost: %v", err)
}

func wait(ctx context.Context, token paho.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func appendMissing(dst []string, values ...string) []string {
	for _, v := range values {
		found := false
		for _, d := range dst {
			if d == v {
				found = true
				break
			}
		}
		if !found {
			dst = append(dst, v)
		}
	}
	return dst
}
