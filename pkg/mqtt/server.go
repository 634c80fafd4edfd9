package mqtt

import (
	"context"
	"errors"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/eclipse/paho.golang/paho"
	mochimqtt "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/mochi-mqtt/server/v2/packets"
)

// ErrServerClosed is returned by Serve after Close has been called.
var ErrServerClosed = errors.New("mqtt: server closed")

// ErrServerRunning is returned by Serve while the server is already running.
var ErrServerRunning = errors.New("mqtt: server already running")

// clientIDUserProperty carries the publishing client's id to the Handler.
const clientIDUserProperty = "_client_id"

// Server is an embedded broker (mochi-mqtt). Tests and local development run
// the pod against it instead of a real deployment; the test backend in
// pkg/chatpod drives a scripted conversation through one.
type Server struct {
	// Handler observes every message published to the broker, in
	// addition to normal client-to-client routing. Nil means no observer.
	Handler Handler

	// Authenticator validates connections and topic access.
	// Nil allows everything.
	Authenticator Authenticator

	// OnConnect is called when a client session is established.
	OnConnect func(clientID string)

	// OnDisconnect is called when a client disconnects.
	OnDisconnect func(clientID string)

	mu         sync.Mutex
	mochi      *mochimqtt.Server
	inShutdown atomic.Bool
}

// Authenticator provides authentication and topic ACL for broker clients.
type Authenticator interface {
	// Authenticate validates client credentials at CONNECT.
	Authenticate(clientID, username string, password []byte) bool

	// ACL checks topic access. write is true for publish, false for
	// subscribe.
	ACL(clientID, topic string, write bool) bool
}

// Serve starts the broker on the given listeners and blocks until Close.
// It can only be called once per Server.
func (srv *Server) Serve(lns ...listeners.Listener) error {
	mochi, err := srv.init(lns)
	if err != nil {
		return err
	}
	return mochi.Serve()
}

func (srv *Server) init(lns []listeners.Listener) (*mochimqtt.Server, error) {
	srv.mu.Lock()
	defer srv.mu.Unlock()

	if srv.inShutdown.Load() {
		return nil, ErrServerClosed
	}
	if srv.mochi != nil {
		return nil, ErrServerRunning
	}

	mochi := mochimqtt.New(&mochimqtt.Options{
		InlineClient: true,
	})

	if srv.Authenticator != nil {
		if err := mochi.AddHook(&authHook{auth: srv.Authenticator}, nil); err != nil {
			return nil, err
		}
	} else {
		if err := mochi.AddHook(new(auth.AllowHook), nil); err != nil {
			return nil, err
		}
	}

	if err := mochi.AddHook(&observerHook{
		handler:      srv.Handler,
		onConnect:    srv.OnConnect,
		onDisconnect: srv.OnDisconnect,
	}, nil); err != nil {
		return nil, err
	}

	for _, ln := range lns {
		if err := mochi.AddListener(ln); err != nil {
			mochi.Close()
			return nil, err
		}
	}

	srv.mochi = mochi
	return mochi, nil
}

// Close shuts the broker down. Safe to call more than once.
func (srv *Server) Close() error {
	srv.inShutdown.Store(true)

	srv.mu.Lock()
	mochi := srv.mochi
	srv.mochi = nil
	srv.mu.Unlock()

	if mochi == nil {
		return nil
	}
	return mochi.Close()
}

// WriteToTopic publishes a message from the broker itself to all matching
// subscribers (the inline client).
func (srv *Server) WriteToTopic(ctx context.Context, payload []byte, topic string, opts ...WriteOption) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	srv.mu.Lock()
	mochi := srv.mochi
	srv.mu.Unlock()
	if mochi == nil {
		return errors.New("mqtt: server not running")
	}

	var (
		retainFlag bool
		qos        byte
	)
	for _, opt := range opts {
		switch v := opt.(type) {
		case retain:
			retainFlag = true
		case QoS:
			qos = byte(v)
		}
	}
	return mochi.Publish(topic, payload, retainFlag, qos)
}

type authHook struct {
	mochimqtt.HookBase
	auth Authenticator
}

func (h *authHook) ID() string {
	return "server-auth"
}

func (h *authHook) Provides(b byte) bool {
	return b == mochimqtt.OnConnectAuthenticate || b == mochimqtt.OnACLCheck
}

func (h *authHook) OnConnectAuthenticate(cl *mochimqtt.Client, pk packets.Packet) bool {
	return h.auth.Authenticate(cl.ID, string(pk.Connect.Username), pk.Connect.Password)
}

func (h *authHook) OnACLCheck(cl *mochimqtt.Client, topic string, write bool) bool {
	return h.auth.ACL(cl.ID, topic, write)
}

type observerHook struct {
	mochimqtt.HookBase
	handler      Handler
	onConnect    func(clientID string)
	onDisconnect func(clientID string)
}

func (h *observerHook) ID() string {
	return "server-observer"
}

func (h *observerHook) Provides(b byte) bool {
	return b == mochimqtt.OnSessionEstablished ||
		b == mochimqtt.OnDisconnect ||
		b == mochimqtt.OnPublished
}

func (h *observerHook) OnSessionEstablished(cl *mochimqtt.Client, pk packets.Packet) {
	if h.onConnect != nil {
		h.onConnect(cl.ID)
	}
}

func (h *observerHook) OnDisconnect(cl *mochimqtt.Client, err error, expire bool) {
	if h.onDisconnect != nil {
		h.onDisconnect(cl.ID)
	}
}

func (h *observerHook) OnPublished(cl *mochimqtt.Client, pk packets.Packet) {
	if h.handler == nil {
		return
	}
	props := &paho.PublishProperties{
		ContentType:     pk.Properties.ContentType,
		ResponseTopic:   pk.Properties.ResponseTopic,
		CorrelationData: pk.Properties.CorrelationData,
	}
	if pk.Properties.MessageExpiryInterval > 0 {
		props.MessageExpiry = &pk.Properties.MessageExpiryInterval
	}
	if pk.Properties.PayloadFormatFlag {
		props.PayloadFormat = &pk.Properties.PayloadFormat
	}
	for _, up := range pk.Properties.User {
		props.User = append(props.User, paho.UserProperty{Key: up.Key, Value: up.Val})
	}
	props.User = append(props.User, paho.UserProperty{
		Key:   clientIDUserProperty,
		Value: cl.ID,
	})

	pr := paho.PublishReceived{
		Packet: &paho.Publish{
			Topic:      pk.TopicName,
			Payload:    pk.Payload,
			Properties: props,
		},
	}
	// The publish has already been routed; there is no client to report a
	// handler error to. A panicking observer must not take the broker down.
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 64<<10)
			buf = buf[:runtime.Stack(buf, false)]
			slog.Error("mqtt: panic in message handler", "topic", pk.TopicName, "panic", r, "stack", string(buf))
		}
	}()
	_ = h.handler.HandleMessage(pr)
}
