// Package stream fans live metric and event payloads out to dashboard
// subscribers, keyed by group id. The special topic "all" receives every
// payload.
package stream

import "sync"

// TopicAll receives payloads for every group.
const TopicAll = "all"

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Hub manages stream subscriptions by group id.
type Hub struct {
	mu        sync.RWMutex
	clients   map[string]map[Subscriber]struct{}
	register  chan subscription
	unreg     chan subscription
	broadcast chan message
}

type message struct {
	groupID string
	payload []byte
}

type subscription struct {
	groupID string
	client  Subscriber
}

// NewHub creates an initialized Hub.
func NewHub() *Hub {
	h := &Hub{
		clients:   make(map[string]map[Subscriber]struct{}),
		register:  make(chan subscription),
		unreg:     make(chan subscription),
		broadcast: make(chan message),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case sub := <-h.register:
			if _, ok := h.clients[sub.groupID]; !ok {
				h.clients[sub.groupID] = make(map[Subscriber]struct{})
			}
			h.clients[sub.groupID][sub.client] = struct{}{}
		case sub := <-h.unreg:
			if clients, ok := h.clients[sub.groupID]; ok {
				delete(clients, sub.client)
				if len(clients) == 0 {
					delete(h.clients, sub.groupID)
				}
			}
		case msg := <-h.broadcast:
			h.deliver(msg.groupID, msg.payload)
			if msg.groupID != TopicAll {
				h.deliver(TopicAll, msg.payload)
			}
		}
	}
}

func (h *Hub) deliver(topic string, payload []byte) {
	clients, ok := h.clients[topic]
	if !ok {
		return
	}
	for c := range clients {
		if err := c.Send(payload); err != nil {
			c.Close()
			delete(clients, c)
		}
	}
	if len(clients) == 0 {
		delete(h.clients, topic)
	}
}

// Register adds a client to a group stream.
func (h *Hub) Register(groupID string, client Subscriber) {
	h.register <- subscription{groupID: groupID, client: client}
}

// Unregister removes a client.
func (h *Hub) Unregister(groupID string, client Subscriber) {
	h.unreg <- subscription{groupID: groupID, client: client}
}

// Broadcast sends payload to the group's subscribers and the "all" topic.
func (h *Hub) Broadcast(groupID string, payload []byte) {
	h.broadcast <- message{groupID: groupID, payload: payload}
}
