package mqtt

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/eclipse/paho.golang/paho"
)

// Message is one received publish, as delivered by the paho client.
type Message = paho.PublishReceived

// Handler handles messages delivered to a subscribed topic.
type Handler interface {
	HandleMessage(Message) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(Message) error

func (f HandlerFunc) HandleMessage(m Message) error {
	return f(m)
}

// ErrInvalidTopicPattern is returned when a pattern places a '#' wildcard
// anywhere but the final level.
var ErrInvalidTopicPattern = errors.New("mqtt: invalid topic pattern")

// node is one level of the pattern tree. Literal segments live in children;
// '+' and '#' wildcards get their own slots so exact matches win first.
type node struct {
	children map[string]*node
	plus     *node // matches exactly one level
	hash     *node // matches the rest of the topic

	handlers []Handler
}

func (n *node) insert(segs []string) (*node, error) {
	if len(segs) == 0 {
		return n, nil
	}
	head, rest := segs[0], segs[1:]
	switch head {
	case "+":
		if n.plus == nil {
			n.plus = &node{}
		}
		return n.plus.insert(rest)
	case "#":
		if len(rest) != 0 {
			return nil, ErrInvalidTopicPattern
		}
		if n.hash == nil {
			n.hash = &node{}
		}
		return n.hash, nil
	default:
		if n.children == nil {
			n.children = make(map[string]*node)
		}
		ch, ok := n.children[head]
		if !ok {
			ch = &node{}
			n.children[head] = ch
		}
		return ch.insert(rest)
	}
}

func (n *node) match(segs []string) []Handler {
	if len(segs) == 0 {
		if len(n.handlers) > 0 {
			return n.handlers
		}
		// "a/#" also matches "a" itself.
		if n.hash != nil {
			return n.hash.handlers
		}
		return nil
	}
	head, rest := segs[0], segs[1:]
	if ch, ok := n.children[head]; ok {
		if hs := ch.match(rest); hs != nil {
			return hs
		}
	}
	if n.plus != nil {
		if hs := n.plus.match(rest); hs != nil {
			return hs
		}
	}
	if n.hash != nil && len(n.hash.handlers) > 0 {
		return n.hash.handlers
	}
	return nil
}

func (n *node) walk(path []string, f func([]string, *node)) {
	for seg, ch := range n.children {
		ch.walk(append(path, seg), f)
	}
	if n.plus != nil {
		n.plus.walk(append(path, "+"), f)
	}
	if n.hash != nil {
		n.hash.walk(append(path, "#"), f)
	}
	f(path, n)
}

// ServeMux routes received messages to handlers by topic pattern. Patterns
// use the MQTT wildcards '+' (one level) and '#' (trailing levels). An exact
// level match is preferred over '+', which is preferred over '#'.
type ServeMux struct {
	mu   sync.RWMutex
	root *node

	aliasMu sync.Mutex
	aliases map[uint16]string
}

// NewServeMux returns an empty mux.
func NewServeMux() *ServeMux {
	return &ServeMux{
		root:    &node{},
		aliases: make(map[uint16]string),
	}
}

// Handle registers h for the given topic pattern. Multiple handlers may be
// registered on the same pattern; all of them run, in registration order.
func (sm *ServeMux) Handle(pattern string, h Handler) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	n, err := sm.root.insert(strings.Split(pattern, "/"))
	if err != nil {
		return fmt.Errorf("%w: %s", err, pattern)
	}
	n.handlers = append(n.handlers, h)
	return nil
}

// HandleFunc registers the handler function for the given topic pattern.
func (sm *ServeMux) HandleFunc(pattern string, h HandlerFunc) error {
	return sm.Handle(pattern, h)
}

// resolveTopic applies MQTT 5 topic aliasing: a publish may carry an alias
// instead of (or alongside, when registering) the topic name.
func (sm *ServeMux) resolveTopic(msg *paho.Publish) string {
	if msg.Properties == nil || msg.Properties.TopicAlias == nil {
		return msg.Topic
	}
	sm.aliasMu.Lock()
	defer sm.aliasMu.Unlock()
	if msg.Topic != "" {
		sm.aliases[*msg.Properties.TopicAlias] = msg.Topic
		return msg.Topic
	}
	return sm.aliases[*msg.Properties.TopicAlias]
}

// HandleMessage dispatches one received publish to the registered handlers.
// It implements Handler, so a mux can serve as another mux's handler.
func (sm *ServeMux) HandleMessage(pr Message) error {
	if pr.AlreadyHandled {
		return nil
	}
	topic := sm.resolveTopic(pr.Packet)

	sm.mu.RLock()
	handlers := sm.root.match(strings.Split(topic, "/"))
	sm.mu.RUnlock()

	if handlers == nil {
		return fmt.Errorf("mqtt: no handler for topic %q", topic)
	}
	for _, h := range handlers {
		if err := h.HandleMessage(pr); err != nil {
			return err
		}
	}
	return nil
}

// String renders the registered patterns, one per line, for debugging.
func (sm *ServeMux) String() string {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	var lines []string
	sm.root.walk(nil, func(path []string, n *node) {
		if len(n.handlers) > 0 {
			lines = append(lines, fmt.Sprintf("%s: %d", strings.Join(path, "/"), len(n.handlers)))
		}
	})
	sort.Strings(lines)
	return strings.Join(lines, "\n")
}
