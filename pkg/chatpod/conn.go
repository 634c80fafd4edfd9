package chatpod

import (
	"context"
	"iter"

	"github.com/murmulab/chatpod/pkg/devstore"
)

// Endpoint is the server address for a transport. WS transports use URL
// only; MQTT transports use the broker address plus topic and credential
// fields, all delivered by the provisioning response.
type Endpoint struct {
	// URL is the wss:// URL (websocket) or broker host:port (MQTT).
	URL string `json:"url" yaml:"url"`

	// PublishTopic carries client-to-server control messages (MQTT).
	PublishTopic string `json:"publish_topic,omitempty" yaml:"publish_topic,omitempty"`

	// SubscribeTopic carries server-to-client control messages (MQTT).
	SubscribeTopic string `json:"subscribe_topic,omitempty" yaml:"subscribe_topic,omitempty"`

	// ClientID is the broker client identifier (MQTT). Empty means the
	// device client id.
	ClientID string `json:"client_id,omitempty" yaml:"client_id,omitempty"`

	// Username and Password authenticate the broker connection (MQTT).
	Username string `json:"username,omitempty" yaml:"username,omitempty"`
	Password string `json:"password,omitempty" yaml:"password,omitempty"`
}

// Connector dials a server and performs the hello handshake.
type Connector interface {
	// Connect establishes a session. It blocks until the server hello is
	// received or ctx/the hello timeout expires. The credential may be nil
	// for transports that do not authenticate with a bearer token.
	Connect(ctx context.Context, ep Endpoint, cred *devstore.Credential) (Conn, error)
}

// Conn is an established session transport. Implementations deliver events
// in order within a session and never reconnect internally; retry policy
// belongs to the session loop.
type Conn interface {
	// SendPacket sends one encoded audio packet.
	SendPacket(ctx context.Context, pkt *EncodedPacket) error

	// SendControl sends one control message.
	SendControl(ctx context.Context, msg ControlMessage) error

	// Events returns the inbound event stream. The stream ends after a
	// DisconnectEvent.
	Events() iter.Seq2[Event, error]

	// SessionID returns the server-assigned session id.
	SessionID() string

	// Close closes the transport. Safe to call more than once.
	Close() error
}

// Ensure all event types implement Event.
var (
	_ Event = (*PacketEvent)(nil)
	_ Event = (*ControlEvent)(nil)
	_ Event = (*DisconnectEvent)(nil)
)

// Event is an inbound transport event.
type Event interface {
	isEvent()
	eventType() string
}

// PacketEvent carries one inbound audio packet.
type PacketEvent struct {
	Packet *EncodedPacket
}

func (*PacketEvent) isEvent()          {}
func (*PacketEvent) eventType() string { return "packet" }

// ControlEvent carries one inbound control message.
type ControlEvent struct {
	Message ControlMessage
}

func (*ControlEvent) isEvent()          {}
func (*ControlEvent) eventType() string { return "control" }

// DisconnectEvent reports that the transport ended. Reason is nil for a
// clean shutdown. No events follow it.
type DisconnectEvent struct {
	Reason error
}

func (*DisconnectEvent) isEvent()          {}
func (*DisconnectEvent) eventType() string { return "disconnect" }
