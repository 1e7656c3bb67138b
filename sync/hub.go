// sync/hub.go
package sync

import (
	"context"
	"errors"
)

// Hub fans broadcast messages out to every attached channel within one
// process. Registration and delivery are serialized on the Run loop, so no
// lock is needed around the subscriber set.
type Hub struct {
	publish    chan Message
	register   chan *localChannel
	unregister chan *localChannel
	done       chan struct{}
}

func NewHub() *Hub {
	return &Hub{
		publish:    make(chan Message, 256),
		register:   make(chan *localChannel),
		unregister: make(chan *localChannel),
		done:       make(chan struct{}),
	}
}

// Run dispatches messages until Close is called. Start it on its own
// goroutine before attaching channels.
func (h *Hub) Run() {
	channels := make(map[*localChannel]bool)
	for {
		select {
		case c := <-h.register:
			channels[c] = true

		case c := <-h.unregister:
			delete(channels, c)

		case msg := <-h.publish:
			for c := range channels {
				if c.handler != nil {
					c.handler(msg)
				}
			}

		case <-h.done:
			return
		}
	}
}

func (h *Hub) Close() {
	close(h.done)
}

// Channel returns a new broadcast handle attached to this hub. Every handle
// sees every published message, including its own; echo suppression is the
// receiver's job.
func (h *Hub) Channel() Channel {
	return &localChannel{hub: h}
}

type localChannel struct {
	hub     *Hub
	handler func(Message)
}

func (c *localChannel) Publish(_ context.Context, msg Message) error {
	select {
	case c.hub.publish <- msg:
		return nil
	case <-c.hub.done:
		return errors.New("sync: hub closed")
	}
}

func (c *localChannel) Subscribe(fn func(Message)) {
	c.handler = fn
	select {
	case c.hub.register <- c:
	case <-c.hub.done:
	}
}

func (c *localChannel) Close() error {
	select {
	case c.hub.unregister <- c:
	case <-c.hub.done:
	}
	return nil
}
