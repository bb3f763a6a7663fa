// Package ws fans log stream payloads out to websocket and SSE subscribers.
package ws

import "sync"

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Hub manages stream subscriptions by channel key.
type Hub struct {
	mu        sync.RWMutex
	clients   map[string]map[Subscriber]struct{}
	register  chan subscription
	unreg     chan subscription
	broadcast chan message
	done      chan struct{}
	closeOnce sync.Once
}

// message couples payload with channel key.
type message struct {
	channel string
	payload []byte
}

// subscription defines register/unregister requests.
type subscription struct {
	channel string
	client  Subscriber
}

// NewHub creates an initialized Hub.
func NewHub() *Hub {
	h := &Hub{
		clients:   make(map[string]map[Subscriber]struct{}),
		register:  make(chan subscription),
		unreg:     make(chan subscription),
		broadcast: make(chan message),
		done:      make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for channel, clients := range h.clients {
				for c := range clients {
					c.Close()
				}
				delete(h.clients, channel)
			}
			h.mu.Unlock()
			return
		case sub := <-h.register:
			h.mu.Lock()
			if _, ok := h.clients[sub.channel]; !ok {
				h.clients[sub.channel] = make(map[Subscriber]struct{})
			}
			h.clients[sub.channel][sub.client] = struct{}{}
			h.mu.Unlock()
		case sub := <-h.unreg:
			h.mu.Lock()
			h.remove(sub.channel, sub.client)
			h.mu.Unlock()
		case msg := <-h.broadcast:
			h.mu.RLock()
			clients := make([]Subscriber, 0, len(h.clients[msg.channel]))
			for c := range h.clients[msg.channel] {
				clients = append(clients, c)
			}
			h.mu.RUnlock()
			for _, c := range clients {
				if err := c.Send(msg.payload); err != nil {
					c.Close()
					h.mu.Lock()
					h.remove(msg.channel, c)
					h.mu.Unlock()
				}
			}
		}
	}
}

func (h *Hub) remove(channel string, client Subscriber) {
	if clients, ok := h.clients[channel]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.clients, channel)
		}
	}
}

// Register adds a client to a channel. Once Register returns, every later Broadcast on
// that channel reaches the client.
func (h *Hub) Register(channel string, client Subscriber) {
	select {
	case h.register <- subscription{channel: channel, client: client}:
	case <-h.done:
	}
}

// Unregister removes a client.
func (h *Hub) Unregister(channel string, client Subscriber) {
	select {
	case h.unreg <- subscription{channel: channel, client: client}:
	case <-h.done:
	}
}

// Broadcast sends payload to all channel clients. Clients whose Send fails are dropped.
func (h *Hub) Broadcast(channel string, payload []byte) {
	select {
	case h.broadcast <- message{channel: channel, payload: payload}:
	case <-h.done:
	}
}

// Subscribers reports how many clients listen on channel.
func (h *Hub) Subscribers(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[channel])
}

// Close stops the hub and closes every remaining client.
func (h *Hub) Close() {
	h.closeOnce.Do(func() {
		close(h.done)
	})
}
