package chatpod

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	pkgbuf "github.com/murmulab/chatpod/pkg/buffer"
	"github.com/murmulab/chatpod/pkg/devstore"
	"github.com/murmulab/chatpod/pkg/jsontime"
	"github.com/murmulab/chatpod/pkg/mqtt"
)

// Defaults for the MQTT+UDP transport.
const (
	// DefaultInactivityTimeout ends the session when no datagram or
	// control message arrives for this long.
	DefaultInactivityTimeout = 120 * time.Second

	// DefaultLivenessInterval is how often inactivity is checked.
	DefaultLivenessInterval = 30 * time.Second

	// DefaultKeepAlive is the MQTT keepalive in seconds.
	DefaultKeepAlive = 60
)

// MQTTConnector dials MQTT endpoints. Control messages travel over the
// broker; audio travels over an encrypted UDP channel negotiated in the
// server hello.
type MQTTConnector struct {
	// Identity supplies the fallback broker client id.
	Identity *devstore.Identity

	// Audio is the client-advertised audio format. Zero means
	// DefaultWireFormat.
	Audio PacketFormat

	// HelloTimeout bounds the wait for the server hello (defaults to 10s).
	HelloTimeout time.Duration

	// InactivityTimeout ends the session when the server goes quiet
	// (defaults to 120s).
	InactivityTimeout time.Duration

	// LivenessInterval is the inactivity check period (defaults to 30s).
	LivenessInterval time.Duration

	// KeepAlive is the MQTT keepalive in seconds (defaults to 60).
	KeepAlive int

	// Logger is used for transport logging (defaults to DefaultLogger).
	Logger Logger
}

var _ Connector = (*MQTTConnector)(nil)

func (mc *MQTTConnector) helloTimeout() time.Duration {
	if mc.HelloTimeout <= 0 {
		return DefaultHelloTimeout
	}
	return mc.HelloTimeout
}

func (mc *MQTTConnector) inactivityTimeout() time.Duration {
	if mc.InactivityTimeout <= 0 {
		return DefaultInactivityTimeout
	}
	return mc.InactivityTimeout
}

func (mc *MQTTConnector) livenessInterval() time.Duration {
	if mc.LivenessInterval <= 0 {
		return DefaultLivenessInterval
	}
	return mc.LivenessInterval
}

func (mc *MQTTConnector) keepAlive() int {
	if mc.KeepAlive <= 0 {
		return DefaultKeepAlive
	}
	return mc.KeepAlive
}

func (mc *MQTTConnector) logger() Logger {
	if mc.Logger == nil {
		return DefaultLogger()
	}
	return mc.Logger
}

func (mc *MQTTConnector) audio() PacketFormat {
	if mc.Audio.SampleRate == 0 {
		return DefaultWireFormat
	}
	return mc.Audio
}

// brokerURL maps a provisioning endpoint to a dialable broker URL. Bare
// host[:port] endpoints use TLS only on port 8883, mirroring the
// provisioning contract.
func brokerURL(endpoint string) (string, error) {
	if endpoint == "" {
		return "", errors.New("chatpod: mqtt endpoint is empty")
	}
	if u, err := url.Parse(endpoint); err == nil && u.Scheme != "" && u.Host != "" {
		return endpoint, nil
	}
	host, port := endpoint, "8883"
	if h, p, err := net.SplitHostPort(endpoint); err == nil {
		host, port = h, p
	}
	if port == "8883" {
		return "mqtts://" + net.JoinHostPort(host, port), nil
	}
	return "mqtt://" + net.JoinHostPort(host, port), nil
}

// Connect dials the broker, subscribes the reply topic, publishes the
// client hello and waits for the server hello carrying the UDP channel
// parameters.
func (mc *MQTTConnector) Connect(ctx context.Context, ep Endpoint, cred *devstore.Credential) (Conn, error) {
	if ep.PublishTopic == "" {
		return nil, errors.New("chatpod: mqtt connect: publish topic not set")
	}
	log := mc.logger()

	addr, err := brokerURL(ep.URL)
	if err != nil {
		return nil, err
	}

	clientID := ep.ClientID
	if clientID == "" && mc.Identity != nil {
		clientID = mc.Identity.ClientID
	}

	c := &mqttConn{
		log:        log,
		inbound:    DefaultInboundFormat,
		events:     pkgbuf.NewQueue[Event](1024),
		inactivity: mc.inactivityTimeout(),
		liveness:   mc.livenessInterval(),
		done:       make(chan struct{}),
	}
	c.touch()

	helloCh := make(chan *Hello, 1)
	mux := mqtt.NewServeMux()
	if ep.SubscribeTopic != "" {
		if err := mux.HandleFunc(ep.SubscribeTopic, func(m mqtt.Message) error {
			c.handleControl(m.Packet.Payload, helloCh)
			return nil
		}); err != nil {
			return nil, fmt.Errorf("chatpod: mqtt connect: %w", err)
		}
	}

	dialer := &mqtt.Dialer{
		KeepAlive: mc.keepAlive(),
		ID:        clientID,
		ServeMux:  mux,
		OnConnectError: func(err error) {
			log.WarnPrintf("mqtt: connect attempt: %v", err)
		},
	}
	var opts []mqtt.DialOption
	if ep.Username != "" || ep.Password != "" {
		opts = append(opts, mqtt.WithUser(ep.Username, ep.Password))
	}
	broker, err := dialer.Dial(ctx, addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("chatpod: mqtt dial %s: %w", addr, err)
	}
	c.broker = broker
	c.control = &mqtt.TopicWriter{Name: ep.PublishTopic, Conn: broker}

	if ep.SubscribeTopic != "" {
		if err := broker.Subscribe(ctx, ep.SubscribeTopic, mqtt.AtMostOnce, mqtt.AutoResubscribe{}); err != nil {
			broker.Close()
			return nil, fmt.Errorf("chatpod: mqtt subscribe: %w", err)
		}
	}

	params := AudioParamsFor(mc.audio())
	hello := &Hello{
		Version:     1,
		Transport:   "mqtt",
		AudioParams: &params,
		Features:    &HelloFeatures{Tools: true},
	}
	b, err := EncodeControl(hello)
	if err != nil {
		broker.Close()
		return nil, err
	}
	if err := c.control.Publish(ctx, b); err != nil {
		broker.Close()
		return nil, fmt.Errorf("chatpod: mqtt hello: %w", err)
	}

	var serverHello *Hello
	select {
	case serverHello = <-helloCh:
	case <-time.After(mc.helloTimeout()):
		broker.Close()
		return nil, fmt.Errorf("chatpod: mqtt await hello: timeout after %s", mc.helloTimeout())
	case <-ctx.Done():
		broker.Close()
		return nil, ctx.Err()
	}
	if serverHello.UDP == nil {
		broker.Close()
		return nil, errors.New("chatpod: mqtt hello: no udp block")
	}

	cipher, err := newDatagramCipher(serverHello.UDP.Key, serverHello.UDP.Nonce)
	if err != nil {
		broker.Close()
		return nil, err
	}
	udp, err := net.Dial("udp", net.JoinHostPort(serverHello.UDP.Server, strconv.Itoa(serverHello.UDP.Port)))
	if err != nil {
		broker.Close()
		return nil, fmt.Errorf("chatpod: udp dial: %w", err)
	}

	c.sessionID = serverHello.SessionID
	if serverHello.AudioParams != nil && serverHello.AudioParams.SampleRate > 0 {
		c.inbound = serverHello.AudioParams.PacketFormat()
	}
	c.cipher = cipher
	c.udp = udp
	c.handshakeDone.Store(true)

	go c.udpPump()
	go c.livenessPump()
	return c, nil
}

// mqttConn is an established MQTT+UDP session.
type mqttConn struct {
	log     Logger
	broker  *mqtt.Conn
	control *mqtt.TopicWriter
	udp     net.Conn
	cipher  *datagramCipher

	sessionID string
	inbound   PacketFormat

	events *pkgbuf.Queue[Event]

	handshakeDone atomic.Bool
	sendSeq       atomic.Uint32
	lastActivity  atomic.Int64 // unix nanos

	inactivity time.Duration
	liveness   time.Duration

	closeOnce sync.Once
	done      chan struct{}
}

var _ Conn = (*mqttConn)(nil)

func (c *mqttConn) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// handleControl routes one broker message. During the handshake the server
// hello goes to helloCh; afterwards messages surface as events.
func (c *mqttConn) handleControl(payload []byte, helloCh chan<- *Hello) {
	c.touch()
	msg, err := DecodeControl(payload)
	if err != nil {
		c.log.WarnPrintf("mqtt: %v", err)
		return
	}
	switch m := msg.(type) {
	case *Hello:
		if c.handshakeDone.Load() {
			c.log.WarnPrintf("mqtt: hello after handshake, skipping")
			return
		}
		select {
		case helloCh <- m:
		default:
		}
	case *Goodbye:
		if m.SessionID != "" && m.SessionID != c.sessionID {
			c.log.DebugPrintf("mqtt: goodbye for session %s, not ours", m.SessionID)
			return
		}
		c.push(&ControlEvent{Message: m})
		c.finish(nil)
	default:
		c.push(&ControlEvent{Message: msg})
	}
}

func (c *mqttConn) udpPump() {
	buf := make([]byte, 4096)
	for {
		n, err := c.udp.Read(buf)
		if err != nil {
			select {
			case <-c.done:
			default:
				c.finish(fmt.Errorf("chatpod: udp read: %w", err))
			}
			return
		}
		c.touch()

		seq, payload, err := c.cipher.open(buf[:n])
		if err != nil {
			c.log.WarnPrintf("mqtt: bad datagram (%d bytes): %v", n, err)
			continue
		}
		c.push(&PacketEvent{Packet: &EncodedPacket{
			Payload: payload,
			Seq:     seq,
			Stamp:   jsontime.NowMilli(),
			Format:  c.inbound,
		}})
	}
}

func (c *mqttConn) livenessPump() {
	ticker := time.NewTicker(c.liveness)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			last := time.Unix(0, c.lastActivity.Load())
			if idle := time.Since(last); idle > c.inactivity {
				c.finish(fmt.Errorf("chatpod: transport idle for %s", idle.Round(time.Second)))
				return
			}
		}
	}
}

func (c *mqttConn) finish(reason error) {
	c.closeOnce.Do(func() {
		close(c.done)
		c.push(&DisconnectEvent{Reason: reason})
		c.events.CloseWrite()
		if c.udp != nil {
			c.udp.Close()
		}
		if c.broker != nil {
			// A server goodbye arrives on the broker's receive callback;
			// disconnecting from inside it would deadlock.
			go c.broker.Close()
		}
	})
}

// push queues an inbound event, dropping audio packets when the consumer
// falls behind.
func (c *mqttConn) push(ev Event) {
	err := c.events.Add(ev)
	if err == nil {
		return
	}
	if !errors.Is(err, pkgbuf.ErrFull) {
		return
	}
	if _, ok := ev.(*PacketEvent); ok {
		c.log.WarnPrintf("mqtt: inbound event queue full, dropping audio packet")
		return
	}
	for errors.Is(err, pkgbuf.ErrFull) {
		time.Sleep(5 * time.Millisecond)
		err = c.events.Add(ev)
	}
}

// SendPacket seals one Opus payload into a datagram. The outbound sequence
// strictly increases from 1.
func (c *mqttConn) SendPacket(ctx context.Context, pkt *EncodedPacket) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrSessionClosed
	default:
	}
	seq := c.sendSeq.Add(1)
	if _, err := c.udp.Write(c.cipher.seal(seq, pkt.Payload)); err != nil {
		return fmt.Errorf("chatpod: udp send packet: %w", err)
	}
	return nil
}

func (c *mqttConn) SendControl(ctx context.Context, msg ControlMessage) error {
	select {
	case <-c.done:
		return ErrSessionClosed
	default:
	}
	b, err := EncodeControl(msg)
	if err != nil {
		return err
	}
	if err := c.control.Publish(ctx, b); err != nil {
		return fmt.Errorf("chatpod: mqtt send control: %w", err)
	}
	return nil
}

func (c *mqttConn) Events() iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		for {
			ev, err := c.events.Next()
			if err != nil {
				if !errors.Is(err, pkgbuf.ErrIteratorDone) {
					yield(nil, err)
				}
				return
			}
			if !yield(ev, nil) {
				return
			}
			if _, ok := ev.(*DisconnectEvent); ok {
				return
			}
		}
	}
}

func (c *mqttConn) SessionID() string { return c.sessionID }

func (c *mqttConn) Close() error {
	c.finish(nil)
	return nil
}
