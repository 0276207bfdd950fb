// Package clients tracks the open page contexts connected to the gateway. A
// page subscribes through the event stream and stays registered until it
// disconnects; the cache manager uses the registry as a broadcast target and
// to decide when a waiting generation may take over.
package clients

import (
	"sort"
	"sync"

	"github.com/google/uuid"
)

// MessageType enumerates the status messages sent to pages.
type MessageType string

const (
	MessageUpdating MessageType = "UPDATING"
	MessageUpdated  MessageType = "UPDATED"
)

// Message is the only wire contract exposed to the page UI.
type Message struct {
	Type MessageType `json:"type"`
	Text string      `json:"text,omitempty"`
}

// DefaultBuffer is the per-client message queue length.
const DefaultBuffer = 8

// Client is one connected page context.
type Client struct {
	ID       string
	messages chan Message

	// controller is the generation serving this page; empty means uncontrolled.
	controller string
}

// Messages returns the receive side of the client's queue. It is closed on
// Disconnect.
func (c *Client) Messages() <-chan Message {
	return c.messages
}

// Registry is the open-page set. It is safe for concurrent use.
type Registry struct {
	mu      sync.Mutex
	clients map[string]*Client
	buffer  int
	onIdle  func(generation string)
}

// NewRegistry builds an empty registry. buffer <= 0 falls back to DefaultBuffer.
func NewRegistry(buffer int) *Registry {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Registry{
		clients: make(map[string]*Client),
		buffer:  buffer,
	}
}

// OnIdle installs a hook fired after a disconnect leaves no client controlled
// by the departed client's generation. The hook runs outside the registry lock.
func (r *Registry) OnIdle(fn func(generation string)) {
	r.mu.Lock()
	r.onIdle = fn
	r.mu.Unlock()
}

// Connect registers a new page controlled by controller ("" for uncontrolled).
func (r *Registry) Connect(controller string) *Client {
	client := &Client{
		ID:         uuid.NewString(),
		messages:   make(chan Message, r.buffer),
		controller: controller,
	}
	r.mu.Lock()
	r.clients[client.ID] = client
	r.mu.Unlock()
	return client
}

// Disconnect removes the page and closes its queue. Unknown IDs are ignored.
func (r *Registry) Disconnect(id string) {
	r.mu.Lock()
	client, ok := r.clients[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.clients, id)
	close(client.messages)

	generation := client.controller
	idle := generation != "" && r.countControlledLocked(generation) == 0
	hook := r.onIdle
	r.mu.Unlock()

	if idle && hook != nil {
		hook(generation)
	}
}

// MatchAll returns the connected pages sorted by ID. Uncontrolled pages are
// included only when includeUncontrolled is set.
func (r *Registry) MatchAll(includeUncontrolled bool) []*Client {
	r.mu.Lock()
	defer r.mu.Unlock()

	result := make([]*Client, 0, len(r.clients))
	for _, client := range r.clients {
		if client.controller == "" && !includeUncontrolled {
			continue
		}
		result = append(result, client)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// Claim makes generation the controller of every connected page and returns
// how many pages changed controller.
func (r *Registry) Claim(generation string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	claimed := 0
	for _, client := range r.clients {
		if client.controller != generation {
			client.controller = generation
			claimed++
		}
	}
	return claimed
}

// Controller reports the generation controlling the page with the given ID.
func (r *Registry) Controller(id string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	client, ok := r.clients[id]
	if !ok {
		return "", false
	}
	return client.controller, true
}

// CountControlledBy reports how many pages generation currently controls.
func (r *Registry) CountControlledBy(generation string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.countControlledLocked(generation)
}

// Len reports the number of connected pages.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// Post delivers msg once to every connected page, controlled or not. Delivery
// is best-effort: a page whose queue is full misses the message. It returns
// the number of pages that received it.
func (r *Registry) Post(msg Message) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	delivered := 0
	for _, client := range r.clients {
		select {
		case client.messages <- msg:
			delivered++
		default:
		}
	}
	return delivered
}

func (r *Registry) countControlledLocked(generation string) int {
	count := 0
	for _, client := range r.clients {
		if client.controller == generation {
			count++
		}
	}
	return count
}
