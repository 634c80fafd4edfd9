package mqtt

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/packets"
	"github.com/eclipse/paho.golang/paho"
)

const (
	defaultKeepAlive         = 20
	defaultConnectRetryDelay = 3 * time.Second
)

// Dialer holds the options for establishing and maintaining a broker
// connection. The zero value is usable.
type Dialer struct {
	// KeepAlive is the MQTT keepalive period in seconds (defaults to 20).
	// The paho client pings on this cadence; a broker that misses the
	// window drops the connection, which is the control channel's
	// liveness signal.
	KeepAlive int

	// SessionExpiryInterval in seconds. 0 means the session ends when the
	// network connection closes.
	SessionExpiryInterval int

	// ConnectRetryDelay is how long to wait between connection attempts
	// (defaults to 3s).
	ConnectRetryDelay time.Duration

	// ConnectTimeout bounds a single connection attempt.
	ConnectTimeout time.Duration

	// ID is the MQTT client identifier (defaults to a random string).
	// Pods pass their device client id so the broker can scope ACLs.
	ID string

	// ServeMux receives all messages delivered on subscribed topics.
	// Nil means received messages are dropped with an error.
	ServeMux *ServeMux

	// OnConnectError is called on every failed connection attempt.
	OnConnectError func(error)

	// OnConnectionUp is called on every established connection, including
	// reconnections.
	OnConnectionUp func()
}

func (dl *Dialer) keepAlive() uint16 {
	if dl.KeepAlive == 0 {
		return defaultKeepAlive
	}
	return uint16(dl.KeepAlive)
}

func (dl *Dialer) connectRetryDelay() time.Duration {
	if dl.ConnectRetryDelay == 0 {
		return defaultConnectRetryDelay
	}
	return dl.ConnectRetryDelay
}

// DialOption adjusts the underlying paho client configuration.
type DialOption interface {
	apply(*autopaho.ClientConfig) error
}

type withUser struct {
	username string
	password string
}

// WithUser authenticates the broker connection with a username/password.
func WithUser(username, password string) DialOption {
	return &withUser{username, password}
}

func (wu *withUser) apply(cfg *autopaho.ClientConfig) error {
	cfg.ConnectUsername = wu.username
	cfg.ConnectPassword = []byte(wu.password)
	return nil
}

// Dial connects to the broker at addr. Supported schemes: mqtt/tcp (plain)
// and mqtts/ssl/tls (TLS). It blocks until the first connection is up or ctx
// is done; afterwards the paho manager keeps the connection alive.
func (dl *Dialer) Dial(ctx context.Context, addr string, opts ...DialOption) (conn *Conn, err error) {
	id := dl.ID
	if id == "" {
		var b [16]byte
		if _, err := rand.Read(b[:]); err != nil {
			return nil, err
		}
		id = base64.RawURLEncoding.EncodeToString(b[:])
	}
	addru, err := url.Parse(addr)
	if err != nil {
		return nil, err
	}

	var connected atomic.Bool
	cfg := autopaho.ClientConfig{
		ServerUrls:        []*url.URL{addru},
		AttemptConnection: attemptConnection,
		OnConnectError: func(err error) {
			if dl.OnConnectError != nil {
				dl.OnConnectError(err)
			}
			// Before the first connection there is nothing to cancel.
			if !connected.Load() {
				return
			}
			conn.resubscribeMu.Lock()
			conn.cancelResubscribe(err)
			conn.resubscribeMu.Unlock()
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, c *paho.Connack) {
			if dl.OnConnectionUp != nil {
				dl.OnConnectionUp()
			}
			if !connected.Load() {
				return
			}
			conn.resubscribe()
		},
		CleanStartOnInitialConnection: true,
		KeepAlive:                     dl.keepAlive(),
		SessionExpiryInterval:         uint32(dl.SessionExpiryInterval),
		ConnectRetryDelay:             dl.connectRetryDelay(),
		ConnectTimeout:                dl.ConnectTimeout,
		// Credentials embedded in the broker URL win over WithUser.
		ConnectPacketBuilder: func(pc *paho.Connect, uri *url.URL) (*paho.Connect, error) {
			if uri.User == nil {
				return pc, nil
			}
			pc.UsernameFlag = true
			pc.Username = uri.User.Username()
			if pwd, ok := uri.User.Password(); ok {
				pc.PasswordFlag = true
				pc.Password = []byte(pwd)
			}
			return pc, nil
		},
		ClientConfig: paho.ClientConfig{
			ClientID: id,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					if dl.ServeMux == nil {
						return false, fmt.Errorf("mqtt: no mux for topic %q", pr.Packet.Topic)
					}
					if err := dl.ServeMux.HandleMessage(pr); err != nil {
						return false, err
					}
					return true, nil
				},
			},
		},
	}
	for _, opt := range opts {
		if err := opt.apply(&cfg); err != nil {
			return nil, err
		}
	}
	cm, err := autopaho.NewConnection(context.Background(), cfg)
	if err != nil {
		return nil, err
	}
	if err := cm.AwaitConnection(ctx); err != nil {
		return nil, err
	}
	connected.Store(true)
	return &Conn{cm: cm, ServeMux: dl.ServeMux}, nil
}

func attemptConnection(ctx context.Context, cc autopaho.ClientConfig, u *url.URL) (net.Conn, error) {
	switch strings.ToLower(u.Scheme) {
	case "mqtt", "tcp", "":
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", u.Host)
		if err != nil {
			return nil, err
		}
		if err := conn.(*net.TCPConn).SetNoDelay(true); err != nil {
			return nil, err
		}
		return packets.NewThreadSafeConn(conn), nil
	case "ssl", "tls", "mqtts", "mqtt+ssl", "tcps":
		d := tls.Dialer{Config: cc.TlsCfg}
		conn, err := d.DialContext(ctx, "tcp", u.Host)
		if err != nil {
			return nil, err
		}
		if err := conn.(*tls.Conn).NetConn().(*net.TCPConn).SetNoDelay(true); err != nil {
			return nil, err
		}
		return packets.NewThreadSafeConn(conn), nil
	default:
		return nil, fmt.Errorf("mqtt: unsupported scheme %q in %s", u.Scheme, u)
	}
}

// Dial connects with a default dialer and a fresh mux.
func Dial(ctx context.Context, addr string, opts ...DialOption) (*Conn, error) {
	return (&Dialer{ServeMux: NewServeMux()}).Dial(ctx, addr, opts...)
}
