// sync/message.go
//
// Package sync makes every local state transition durable and visible to
// sibling contexts, and applies sibling transitions locally. It never blocks
// or queues on conflicting writes; the editor's conflict detector is the
// correctness backstop for concurrent edits to the same record.
package sync

import (
	"context"

	"github.com/shahidk/noteworthy/domain"
)

const (
	// MessageTypeStateUpdate carries the full shared slice inline.
	MessageTypeStateUpdate = "STATE_UPDATE"
	// MessageTypeStatePing tells siblings to reload the shared slice from
	// durable storage. Used when a transport cannot carry the state inline.
	MessageTypeStatePing = "STATE_PING"
)

// Message is the broadcast wire format. Origin identifies the sending
// context so receivers can drop their own echoes.
type Message struct {
	Type   string             `json:"type"`
	State  domain.SharedState `json:"state"`
	Origin string             `json:"origin,omitempty"`
}

// Channel is a best-effort, fire-and-forget broadcast transport between
// sibling contexts. Delivery order across contexts is not guaranteed beyond
// per-channel arrival order.
type Channel interface {
	Publish(ctx context.Context, msg Message) error
	Subscribe(fn func(Message))
	Close() error
}
