// Package mqtt is a thin client over the paho v5 stack: auto-reconnecting
// connection management, a topic mux with wildcard matching, and QoS
// helpers. The gateway's MQTT adapters build on it.
package mqtt

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"log/slog"
	"math"
	mrand "math/rand"
	"net/url"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
)

// QoS is the MQTT quality of service for a publish or subscription.
type QoS byte

const (
	AtMostOnce QoS = iota
	AtLeastOnce
	ExactlyOnce
)

// Dialer holds the options to establish and maintain a connection. Zero
// values take defaults.
type Dialer struct {
	ClientID string // random when empty

	Username string
	Password string

	KeepAlive      time.Duration // default 60s
	ConnectTimeout time.Duration // default 10s

	// Reconnect backoff range. Initial connect retries use full jitter
	// within [ReconnectMin, ReconnectMax]; defaults 1s and 30s.
	ReconnectMin time.Duration
	ReconnectMax time.Duration

	// Mux receives every inbound publish. Required for subscribers.
	Mux *ServeMux

	Logger *slog.Logger
}

// Conn is an established connection. Safe for concurrent use.
type Conn struct {
	cm  *autopaho.ConnectionManager
	mux *ServeMux
}

func (dl *Dialer) keepAlive() uint16 {
	if dl.KeepAlive <= 0 {
		return 60
	}
	return uint16(dl.KeepAlive / time.Second)
}

func (dl *Dialer) reconnectRange() (time.Duration, time.Duration) {
	lo, hi := dl.ReconnectMin, dl.ReconnectMax
	if lo <= 0 {
		lo = time.Second
	}
	if hi < lo {
		hi = 30 * time.Second
	}
	return lo, hi
}

// Dial connects to the broker at addr (mqtt://, tls://, ws://) and keeps the
// connection alive until Close. It blocks until the first connection is up,
// retrying with jittered exponential backoff, or until ctx is done.
func (dl *Dialer) Dial(ctx context.Context, addr string) (*Conn, error) {
	id := dl.ClientID
	if id == "" {
		var b [12]byte
		if _, err := rand.Read(b[:]); err != nil {
			return nil, err
		}
		id = "opencane-" + base64.RawURLEncoding.EncodeToString(b[:])
	}
	logger := dl.Logger
	if logger == nil {
		logger = slog.Default()
	}
	mux := dl.Mux
	if mux == nil {
		mux = NewServeMux()
	}

	u, err := url.Parse(addr)
	if err != nil {
		return nil, err
	}

	lo, hi := dl.reconnectRange()
	cfg := autopaho.ClientConfig{
		ServerUrls:                    []*url.URL{u},
		CleanStartOnInitialConnection: true,
		KeepAlive:                     dl.keepAlive(),
		ConnectRetryDelay:             lo,
		ConnectTimeout:                dl.ConnectTimeout,
		OnConnectError: func(err error) {
			logger.Warn("mqtt: connect attempt failed", "addr", addr, "error", err)
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			logger.Info("mqtt: connection up", "addr", addr)
		},
		ConnectPacketBuilder: func(pc *paho.Connect, _ *url.URL) (*paho.Connect, error) {
			if dl.Username != "" {
				pc.UsernameFlag = true
				pc.Username = dl.Username
				pc.PasswordFlag = true
				pc.Password = []byte(dl.Password)
			}
			return pc, nil
		},
		ClientConfig: paho.ClientConfig{
			ClientID: id,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					return mux.Dispatch(pr.Packet.Topic, pr.Packet.Payload), nil
				},
			},
		},
	}

	cm, err := autopaho.NewConnection(context.Background(), cfg)
	if err != nil {
		return nil, err
	}
	for attempt := 0; ; attempt++ {
		waitCtx, cancel := context.WithTimeout(ctx, hi)
		err = cm.AwaitConnection(waitCtx)
		cancel()
		if err == nil {
			return &Conn{cm: cm, mux: mux}, nil
		}
		if ctx.Err() != nil {
			_ = cm.Disconnect(context.Background())
			return nil, ctx.Err()
		}
		select {
		case <-time.After(jitterBackoff(attempt, lo, hi)):
		case <-ctx.Done():
			_ = cm.Disconnect(context.Background())
			return nil, ctx.Err()
		}
	}
}

// jitterBackoff returns a full-jitter delay: uniform in (0, min(max, lo*2^n)].
func jitterBackoff(attempt int, lo, hi time.Duration) time.Duration {
	ceil := float64(lo) * math.Pow(2, float64(attempt))
	if ceil > float64(hi) {
		ceil = float64(hi)
	}
	return time.Duration(mrand.Int63n(int64(ceil)) + 1)
}

// Publish writes a message to the topic with the given QoS.
func (c *Conn) Publish(ctx context.Context, topic string, payload []byte, qos QoS) error {
	_, err := c.cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		QoS:     byte(qos),
		Payload: payload,
	})
	return err
}

// Subscribe registers the filter with the broker. Messages arrive through the
// dialer's mux.
func (c *Conn) Subscribe(ctx context.Context, filter string, qos QoS) error {
	_, err := c.cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: filter, QoS: byte(qos)}},
	})
	return err
}

// Unsubscribe removes the filter.
func (c *Conn) Unsubscribe(ctx context.Context, filter string) error {
	_, err := c.cm.Unsubscribe(ctx, &paho.Unsubscribe{Topics: []string{filter}})
	return err
}

// Close disconnects from the broker.
func (c *Conn) Close() error {
	return c.cm.Disconnect(context.Background())
}
