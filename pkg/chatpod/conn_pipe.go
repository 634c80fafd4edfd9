package chatpod

import (
	"context"
	"iter"
	"sync"

	"github.com/google/uuid"

	"github.com/murmulab/chatpod/pkg/devstore"
)

// NewPipe creates a connected pair of in-process conns over channels. The
// client half satisfies the engine; the server half drives scripted
// backends in tests and examples. Both halves share one session id.
func NewPipe() (client, server *PipeConn) {
	toServer := make(chan Event, 256)
	toClient := make(chan Event, 256)
	shared := &pipeSharedState{}
	sessionID := uuid.NewString()

	client = &PipeConn{
		sessionID: sessionID,
		send:      toServer,
		recv:      toClient,
		shared:    shared,
		server:    false,
	}
	server = &PipeConn{
		sessionID: sessionID,
		send:      toClient,
		recv:      toServer,
		shared:    shared,
		server:    true,
	}
	return client, server
}

// pipeSharedState holds cross-side close errors.
type pipeSharedState struct {
	mu        sync.Mutex
	serverErr error // set by server, read by client
	clientErr error // set by client, read by server
}

// PipeConn is one half of an in-process conn pair.
type PipeConn struct {
	sessionID string
	send      chan Event
	recv      chan Event
	shared    *pipeSharedState
	server    bool

	mu     sync.Mutex
	closed bool
}

var _ Conn = (*PipeConn)(nil)

func (c *PipeConn) push(ctx context.Context, ev Event) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrSessionClosed
	}
	c.mu.Unlock()
	select {
	case c.send <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendPacket sends one audio packet to the peer.
func (c *PipeConn) SendPacket(ctx context.Context, pkt *EncodedPacket) error {
	return c.push(ctx, &PacketEvent{Packet: pkt})
}

// SendControl sends one control message to the peer.
func (c *PipeConn) SendControl(ctx context.Context, msg ControlMessage) error {
	return c.push(ctx, &ControlEvent{Message: msg})
}

// Events returns the inbound event stream. When the peer closes, the
// stream ends with a DisconnectEvent carrying the peer's close error.
func (c *PipeConn) Events() iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		for ev := range c.recv {
			if !yield(ev, nil) {
				return
			}
			if _, ok := ev.(*DisconnectEvent); ok {
				return
			}
		}
		c.shared.mu.Lock()
		var reason error
		if c.server {
			reason = c.shared.clientErr
		} else {
			reason = c.shared.serverErr
		}
		c.shared.mu.Unlock()
		yield(&DisconnectEvent{Reason: reason}, nil)
	}
}

// SessionID returns the shared pipe session id.
func (c *PipeConn) SessionID() string { return c.sessionID }

// Close closes this half cleanly.
func (c *PipeConn) Close() error {
	return c.CloseWithError(nil)
}

// CloseWithError closes this half; the peer's event stream ends with a
// DisconnectEvent carrying err.
func (c *PipeConn) CloseWithError(err error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	c.shared.mu.Lock()
	if c.server {
		c.shared.serverErr = err
	} else {
		c.shared.clientErr = err
	}
	c.shared.mu.Unlock()

	close(c.send)
	return nil
}

// PipeConnector satisfies Connector for the pipe transport. Each Connect
// call hands out a fresh pipe pair; the server halves stream to Accept.
type PipeConnector struct {
	accept chan *PipeConn
}

var _ Connector = (*PipeConnector)(nil)

// NewPipeConnector creates a PipeConnector.
func NewPipeConnector() *PipeConnector {
	return &PipeConnector{accept: make(chan *PipeConn, 1)}
}

// Connect creates a pipe pair, queues the server half for Accept and
// returns the client half.
func (pc *PipeConnector) Connect(ctx context.Context, _ Endpoint, _ *devstore.Credential) (Conn, error) {
	client, server := NewPipe()
	select {
	case pc.accept <- server:
	case <-ctx.Done():
		client.Close()
		server.Close()
		return nil, ctx.Err()
	}
	return client, nil
}

// Accept returns the server half of the next Connect call.
func (pc *PipeConnector) Accept(ctx context.Context) (*PipeConn, error) {
	select {
	case server := <-pc.accept:
		return server, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
