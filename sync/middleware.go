// sync/middleware.go
package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/shahidk/noteworthy/crypto"
	"github.com/shahidk/noteworthy/domain"
	"github.com/shahidk/noteworthy/storage"
	"github.com/shahidk/noteworthy/store"
)

// Middleware is the pipeline stage between the store and the outside world:
// apply state transition -> persist -> broadcast. Persistence runs for every
// committed transition, local or applied-from-broadcast; the broadcast step
// fires only for locally originated commits, so inbound state never echoes
// back onto the channel.
//
// Persistence and broadcast failures are logged and swallowed here. The
// in-memory state is never rolled back because of them; a failed write only
// risks loss on reload, and the broadcast may already have replicated the
// change to a sibling.
type Middleware struct {
	store   *store.Store
	kv      storage.KV
	channel Channel
	key     string
	origin  string
	log     zerolog.Logger
}

// Attach wires the middleware into st. kv receives the serialized envelope
// under key on every commit; channel may be nil when the environment has no
// cross-context messaging.
func Attach(st *store.Store, kv storage.KV, channel Channel, key string, log zerolog.Logger) *Middleware {
	m := &Middleware{
		store:   st,
		kv:      kv,
		channel: channel,
		key:     key,
		origin:  uuid.NewString(),
		log:     log,
	}
	st.Subscribe(m.onCommit)
	if channel != nil {
		channel.Subscribe(m.onMessage)
	}
	return m
}

// Origin is this context's identity on the broadcast channel.
func (m *Middleware) Origin() string {
	return m.origin
}

// Rehydrate loads the persisted envelope into the store. Absent, corrupted or
// version-incompatible payloads all mean "no prior state"; only storage-level
// failures are returned.
func (m *Middleware) Rehydrate(ctx context.Context) error {
	raw, err := m.kv.GetItem(ctx, m.key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if errors.Is(err, crypto.ErrDecrypt) {
		m.log.Warn().Err(err).Str("key", m.key).Msg("persisted state undecryptable, starting empty")
		return nil
	}
	if err != nil {
		return fmt.Errorf("sync: rehydrate: %w", err)
	}

	var env domain.Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		m.log.Warn().Err(err).Str("key", m.key).Msg("persisted state unparsable, starting empty")
		return nil
	}
	if env.Version != domain.EnvelopeVersion {
		m.log.Warn().Int("version", env.Version).Msg("unknown envelope version, starting empty")
		return nil
	}

	m.store.Hydrate(env.State)
	return nil
}

func (m *Middleware) onCommit(ev store.Event) {
	m.persist(ev.State)

	if ev.Remote || m.channel == nil {
		return
	}
	msg := Message{Type: MessageTypeStateUpdate, State: ev.State, Origin: m.origin}
	if err := m.channel.Publish(context.Background(), msg); err != nil {
		m.log.Error().Err(err).Msg("broadcast failed")
	}
}

func (m *Middleware) persist(state domain.SharedState) {
	raw, err := json.Marshal(domain.Envelope{State: state, Version: domain.EnvelopeVersion})
	if err != nil {
		m.log.Error().Err(err).Msg("serialize state failed")
		return
	}
	if err := m.kv.SetItem(context.Background(), m.key, string(raw)); err != nil {
		m.log.Error().Err(err).Str("key", m.key).Msg("persist failed")
	}
}

func (m *Middleware) onMessage(msg Message) {
	if msg.Origin == m.origin {
		return
	}

	switch msg.Type {
	case MessageTypeStateUpdate:
		m.store.ApplyRemote(msg.State)

	case MessageTypeStatePing:
		// The sender could not carry its state inline; read it back from
		// shared storage instead.
		raw, err := m.kv.GetItem(context.Background(), m.key)
		if err != nil {
			m.log.Error().Err(err).Msg("reload after ping failed")
			return
		}
		var env domain.Envelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			m.log.Error().Err(err).Msg("reload after ping unparsable")
			return
		}
		if env.Version != domain.EnvelopeVersion {
			m.log.Warn().Int("version", env.Version).Msg("ignoring ping with unknown envelope version")
			return
		}
		m.store.ApplyRemote(env.State)
	}
}
