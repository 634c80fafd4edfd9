package chatpod

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	pkgbuf "github.com/murmulab/chatpod/pkg/buffer"
	"github.com/murmulab/chatpod/pkg/devstore"
	"github.com/murmulab/chatpod/pkg/jsontime"
)

// Defaults for the websocket transport.
const (
	DefaultHelloTimeout = 10 * time.Second
	DefaultPingInterval = 20 * time.Second
	// Read deadline; extended on any inbound traffic.
	DefaultReadTimeout = 60 * time.Second

	// ProtocolVersion is the wire protocol version sent during dial.
	ProtocolVersion = "1"
)

// WSConnector dials websocket endpoints. The zero value is usable once
// Identity is set.
type WSConnector struct {
	// Identity supplies the Device-Id and Client-Id headers.
	Identity *devstore.Identity

	// Audio is the client-advertised audio format. Zero means
	// DefaultWireFormat.
	Audio PacketFormat

	// HelloTimeout bounds the wait for the server hello (defaults to 10s).
	HelloTimeout time.Duration

	// PingInterval is the keepalive ping period (defaults to 20s).
	PingInterval time.Duration

	// ReadTimeout is the inbound liveness deadline, extended on any
	// traffic (defaults to 60s).
	ReadTimeout time.Duration

	// Dialer is the websocket dialer (defaults to a plain dialer; set a
	// TLSClientConfig here for custom roots).
	Dialer *websocket.Dialer

	// Logger is used for transport logging (defaults to DefaultLogger).
	Logger Logger
}

var _ Connector = (*WSConnector)(nil)

func (wc *WSConnector) helloTimeout() time.Duration {
	if wc.HelloTimeout <= 0 {
		return DefaultHelloTimeout
	}
	return wc.HelloTimeout
}

func (wc *WSConnector) pingInterval() time.Duration {
	if wc.PingInterval <= 0 {
		return DefaultPingInterval
	}
	return wc.PingInterval
}

func (wc *WSConnector) readTimeout() time.Duration {
	if wc.ReadTimeout <= 0 {
		return DefaultReadTimeout
	}
	return wc.ReadTimeout
}

func (wc *WSConnector) logger() Logger {
	if wc.Logger == nil {
		return DefaultLogger()
	}
	return wc.Logger
}

func (wc *WSConnector) audio() PacketFormat {
	if wc.Audio.SampleRate == 0 {
		return DefaultWireFormat
	}
	return wc.Audio
}

// Connect dials ep.URL, sends the client hello and waits for the server
// hello. The returned conn delivers binary frames as PacketEvents with
// sequence numbers assigned in arrival order and text frames as
// ControlEvents.
func (wc *WSConnector) Connect(ctx context.Context, ep Endpoint, cred *devstore.Credential) (Conn, error) {
	if wc.Identity == nil {
		return nil, errors.New("chatpod: ws connect: identity not set")
	}
	log := wc.logger()

	header := http.Header{}
	if cred != nil && cred.Token != "" {
		header.Set("Authorization", "Bearer "+cred.Token)
	}
	header.Set("Protocol-Version", ProtocolVersion)
	header.Set("Device-Id", wc.Identity.MAC)
	header.Set("Client-Id", wc.Identity.ClientID)

	dialer := wc.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: wc.helloTimeout()}
	}
	ws, resp, err := dialer.DialContext(ctx, ep.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("chatpod: ws dial %s: %w (status %d)", ep.URL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("chatpod: ws dial %s: %w", ep.URL, err)
	}

	audio := wc.audio()
	params := AudioParamsFor(audio)
	hello := &Hello{
		Version:     1,
		Transport:   "websocket",
		AudioParams: &params,
		Features:    &HelloFeatures{Tools: true},
	}
	b, err := EncodeControl(hello)
	if err != nil {
		ws.Close()
		return nil, err
	}
	if err := ws.WriteMessage(websocket.TextMessage, b); err != nil {
		ws.Close()
		return nil, fmt.Errorf("chatpod: ws hello: %w", err)
	}

	serverHello, err := awaitServerHello(ws, wc.helloTimeout(), log)
	if err != nil {
		ws.Close()
		return nil, err
	}

	inbound := DefaultInboundFormat
	if serverHello.AudioParams != nil && serverHello.AudioParams.SampleRate > 0 {
		inbound = serverHello.AudioParams.PacketFormat()
	}

	c := &wsConn{
		ws:           ws,
		log:          log,
		sessionID:    serverHello.SessionID,
		inbound:      inbound,
		events:       pkgbuf.NewQueue[Event](1024),
		pingInterval: wc.pingInterval(),
		readTimeout:  wc.readTimeout(),
		done:         make(chan struct{}),
	}
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(c.readTimeout))
	})
	_ = ws.SetReadDeadline(time.Now().Add(c.readTimeout))
	go c.readPump()
	go c.pingPump()
	return c, nil
}

// awaitServerHello reads messages until a hello arrives or the deadline
// passes. Non-hello control messages before the handshake completes are
// logged and skipped.
func awaitServerHello(ws *websocket.Conn, timeout time.Duration, log Logger) (*Hello, error) {
	deadline := time.Now().Add(timeout)
	if err := ws.SetReadDeadline(deadline); err != nil {
		return nil, err
	}
	defer ws.SetReadDeadline(time.Time{})

	for time.Now().Before(deadline) {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("chatpod: ws await hello: %w", err)
		}
		if messageType != websocket.TextMessage {
			log.WarnPrintf("ws: binary frame before server hello, skipping")
			continue
		}
		msg, err := DecodeControl(data)
		if err != nil {
			log.WarnPrintf("ws: %v", err)
			continue
		}
		hello, ok := msg.(*Hello)
		if !ok {
			log.WarnPrintf("ws: %T before server hello, skipping", msg)
			continue
		}
		return hello, nil
	}
	return nil, fmt.Errorf("chatpod: ws await hello: timeout after %s", timeout)
}

// wsConn is an established websocket session.
type wsConn struct {
	ws        *websocket.Conn
	log       Logger
	sessionID string
	inbound   PacketFormat

	events *pkgbuf.Queue[Event]

	writeMu sync.Mutex

	pingInterval time.Duration
	readTimeout  time.Duration

	closeOnce sync.Once
	done      chan struct{}
}

var _ Conn = (*wsConn)(nil)

func (c *wsConn) readPump() {
	var seq uint32
	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.finish(nil)
			} else {
				c.finish(err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(c.readTimeout))

		switch messageType {
		case websocket.BinaryMessage:
			seq++
			c.push(&PacketEvent{Packet: &EncodedPacket{
				Payload: append([]byte(nil), data...),
				Seq:     seq,
				Stamp:   jsontime.NowMilli(),
				Format:  c.inbound,
			}})
		case websocket.TextMessage:
			msg, err := DecodeControl(data)
			if err != nil {
				c.log.WarnPrintf("ws: %v", err)
				continue
			}
			if _, ok := msg.(*Hello); ok {
				c.log.WarnPrintf("ws: hello after handshake, skipping")
				continue
			}
			c.push(&ControlEvent{Message: msg})
		default:
		}
	}
}

func (c *wsConn) pingPump() {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			c.writeMu.Unlock()
			if err != nil {
				c.finish(fmt.Errorf("chatpod: ws ping: %w", err))
				return
			}
		}
	}
}

// finish ends the event stream with a DisconnectEvent. Only the first
// caller wins.
func (c *wsConn) finish(reason error) {
	c.closeOnce.Do(func() {
		close(c.done)
		c.push(&DisconnectEvent{Reason: reason})
		c.events.CloseWrite()
		c.ws.Close()
	})
}

// push queues an inbound event. Audio packets are dropped with a warning
// when the consumer falls behind; control and disconnect events wait for
// room.
func (c *wsConn) push(ev Event) {
	err := c.events.Add(ev)
	if err == nil {
		return
	}
	if !errors.Is(err, pkgbuf.ErrFull) {
		return
	}
	if _, ok := ev.(*PacketEvent); ok {
		c.log.WarnPrintf("ws: inbound event queue full, dropping audio packet")
		return
	}
	for errors.Is(err, pkgbuf.ErrFull) {
		time.Sleep(5 * time.Millisecond)
		err = c.events.Add(ev)
	}
}

func (c *wsConn) SendPacket(ctx context.Context, pkt *EncodedPacket) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if d, ok := ctx.Deadline(); ok {
		_ = c.ws.SetWriteDeadline(d)
	} else {
		_ = c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	}
	if err := c.ws.WriteMessage(websocket.BinaryMessage, pkt.Payload); err != nil {
		return fmt.Errorf("chatpod: ws send packet: %w", err)
	}
	return nil
}

func (c *wsConn) SendControl(ctx context.Context, msg ControlMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := EncodeControl(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if d, ok := ctx.Deadline(); ok {
		_ = c.ws.SetWriteDeadline(d)
	} else {
		_ = c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, b); err != nil {
		return fmt.Errorf("chatpod: ws send control: %w", err)
	}
	return nil
}

func (c *wsConn) Events() iter.Seq2[Event, error] {
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

func (c *wsConn) SessionID() string { return c.sessionID }

func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(2*time.Second))
		c.writeMu.Unlock()
		c.push(&DisconnectEvent{Reason: nil})
		c.events.CloseWrite()
		c.ws.Close()
	})
	return nil
}
