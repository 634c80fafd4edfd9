package mqtt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
)

// QoS is the MQTT quality-of-service level. It applies both to publishes
// (as a WriteOption) and to subscriptions (as a SubscribeOption).
type QoS byte

const (
	AtMostOnce QoS = iota
	AtLeastOnce
	ExactlyOnce
)

// Conn is a client connection to a broker. The underlying paho connection
// manager reconnects on its own; subscriptions registered with
// AutoResubscribe are re-established after every reconnect.
type Conn struct {
	cm *autopaho.ConnectionManager

	*ServeMux

	resubscribeMu     sync.Mutex
	resubscribeCtx    context.Context
	resubscribeCancel context.CancelCauseFunc
	subscriptions     []*paho.Subscribe
}

func (conn *Conn) cancelResubscribe(cause error) {
	if conn.resubscribeCtx != nil {
		conn.resubscribeCancel(cause)
		conn.resubscribeCtx = nil
		conn.resubscribeCancel = nil
	}
}

func (conn *Conn) resubscribe() {
	conn.resubscribeMu.Lock()
	defer conn.resubscribeMu.Unlock()

	conn.cancelResubscribe(errors.New("resubscribe"))
	ctx, cancel := context.WithCancelCause(context.Background())
	conn.resubscribeCtx = ctx
	conn.resubscribeCancel = cancel

	for _, s := range conn.subscriptions {
		go func(sub *paho.Subscribe) {
			if _, err := conn.cm.Subscribe(ctx, sub); err != nil {
				slog.Error("mqtt: resubscribe", "error", err)
			}
		}(s)
	}
}

// Close disconnects from the broker.
func (conn *Conn) Close() error {
	conn.resubscribeMu.Lock()
	conn.cancelResubscribe(net.ErrClosed)
	conn.resubscribeMu.Unlock()
	return conn.cm.Disconnect(context.Background())
}

// WriteOption modifies an outgoing publish.
type WriteOption interface {
	applyToPublish(*paho.Publish)
}

func (qos QoS) applyToPublish(pub *paho.Publish) {
	pub.QoS = byte(qos)
}

type retain struct{}

func (retain) applyToPublish(pub *paho.Publish) {
	pub.Retain = true
}

// WithRetain marks the message as retained on the broker.
func WithRetain() WriteOption {
	return retain{}
}

// WriteToTopic publishes b to the topic. The default is QoS 0, no retain.
func (conn *Conn) WriteToTopic(ctx context.Context, b []byte, topic string, opts ...WriteOption) error {
	pub := &paho.Publish{
		Topic:   topic,
		Payload: b,
	}
	for _, opt := range opts {
		opt.applyToPublish(pub)
	}
	_, err := conn.cm.Publish(ctx, pub)
	return err
}

// SubscribeOption modifies a subscription request.
type SubscribeOption interface {
	apply(*Conn, *paho.Subscribe)
}

func (qos QoS) apply(conn *Conn, sub *paho.Subscribe) {
	for i := range sub.Subscriptions {
		sub.Subscriptions[i].QoS = byte(qos)
	}
}

// AutoResubscribe re-establishes the subscription after every reconnect.
type AutoResubscribe struct{}

func (AutoResubscribe) apply(conn *Conn, sub *paho.Subscribe) {
	conn.subscriptions = append(conn.subscriptions, sub)
}

// Subscribe subscribes to a topic pattern.
func (conn *Conn) Subscribe(ctx context.Context, topic string, opts ...SubscribeOption) error {
	s := &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{
			{Topic: topic},
		},
	}
	for _, opt := range opts {
		opt.apply(conn, s)
	}
	if _, err := conn.cm.Subscribe(ctx, s); err != nil {
		return fmt.Errorf("mqtt: subscribe %s: %w", topic, err)
	}
	return nil
}

// Unsubscribe removes a subscription.
func (conn *Conn) Unsubscribe(ctx context.Context, topic string) error {
	_, err := conn.cm.Unsubscribe(ctx, &paho.Unsubscribe{
		Topics: []string{topic},
	})
	return err
}

// TopicWriter binds a Conn to one topic, so publishers that only ever write
// to a fixed topic (a pod's publish topic, a monitor feed) can hold a single
// value instead of a conn/topic/options triple.
type TopicWriter struct {
	Name    string
	Options []WriteOption
	Conn    *Conn
}

// Publish publishes one message to the topic.
func (tw *TopicWriter) Publish(ctx context.Context, b []byte) error {
	if tw == nil {
		return errors.New("mqtt: publish to nil topic writer")
	}
	return tw.Conn.WriteToTopic(ctx, b, tw.Name, tw.Options...)
}
