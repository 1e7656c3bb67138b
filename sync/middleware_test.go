package sync

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/shahidk/noteworthy/domain"
	"github.com/shahidk/noteworthy/storage"
	"github.com/shahidk/noteworthy/store"
)

// waitFor polls cond until it holds or the deadline passes. Broadcast
// delivery crosses the hub goroutine, so tests cannot assert immediately.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	hub := NewHub()
	go hub.Run()
	t.Cleanup(hub.Close)
	return hub
}

// context bundles one simulated tab: its own store and middleware, sharing
// the storage and hub of its siblings.
func newTestContext(t *testing.T, kv storage.KV, hub *Hub) (*store.Store, *Middleware) {
	t.Helper()
	st := store.New()
	var ch Channel
	if hub != nil {
		ch = hub.Channel()
	}
	mw := Attach(st, kv, ch, "note-store", zerolog.Nop())
	return st, mw
}

func TestHubFanOut(t *testing.T) {
	hub := newTestHub(t)

	received := make([]chan Message, 3)
	for i := range received {
		received[i] = make(chan Message, 8)
		inbox := received[i]
		ch := hub.Channel()
		ch.Subscribe(func(msg Message) { inbox <- msg })
	}

	sender := hub.Channel()
	msg := Message{Type: MessageTypeStateUpdate, Origin: "ctx-a"}
	if err := sender.Publish(context.Background(), msg); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	for i, inbox := range received {
		select {
		case got := <-inbox:
			if got.Type != MessageTypeStateUpdate || got.Origin != "ctx-a" {
				t.Fatalf("subscriber %d got %+v", i, got)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("subscriber %d never received the message", i)
		}
	}
}

func TestMutationPropagatesToSiblingContext(t *testing.T) {
	kv := storage.NewEncrypted(storage.NewMemory())
	hub := newTestHub(t)

	storeA, _ := newTestContext(t, kv, hub)
	storeB, _ := newTestContext(t, kv, hub)

	note := storeA.CreateNote("hello", "from A", nil)

	waitFor(t, "note to reach context B", func() bool {
		_, ok := storeB.Note(note.ID)
		return ok
	})

	if !reflect.DeepEqual(storeA.SharedState(), storeB.SharedState()) {
		t.Fatalf("states diverged:\nA: %+v\nB: %+v", storeA.SharedState(), storeB.SharedState())
	}

	// B's own action surface is intact and broadcasts back.
	folder, err := storeB.CreateFolder("Work")
	if err != nil {
		t.Fatalf("CreateFolder() on B error = %v", err)
	}
	waitFor(t, "folder to reach context A", func() bool {
		_, ok := storeA.Folder(folder.ID)
		return ok
	})
}

func TestLastBroadcastWins(t *testing.T) {
	kv := storage.NewEncrypted(storage.NewMemory())
	hub := newTestHub(t)

	storeA, _ := newTestContext(t, kv, hub)
	storeB, _ := newTestContext(t, kv, hub)
	storeC, _ := newTestContext(t, kv, hub)

	noteA := storeA.CreateNote("from A", "", nil)
	waitFor(t, "A's note to settle everywhere", func() bool {
		_, okB := storeB.Note(noteA.ID)
		_, okC := storeC.Note(noteA.ID)
		return okB && okC
	})

	// B mutates after A's broadcast settled: its slice, which includes A's
	// note, fully replaces what C observed.
	noteB := storeB.CreateNote("from B", "", nil)
	waitFor(t, "B's broadcast to reach C", func() bool {
		_, ok := storeC.Note(noteB.ID)
		return ok
	})

	if len(storeC.Notes()) != 2 {
		t.Fatalf("C notes = %d, want 2 after whole-slice replacement", len(storeC.Notes()))
	}
}

func TestLocalCommitIsNotReappliedAsRemote(t *testing.T) {
	kv := storage.NewEncrypted(storage.NewMemory())
	hub := newTestHub(t)

	storeA, _ := newTestContext(t, kv, hub)
	storeB, _ := newTestContext(t, kv, hub)

	remoteOnA := make(chan store.Event, 8)
	storeA.Subscribe(func(ev store.Event) {
		if ev.Remote {
			remoteOnA <- ev
		}
	})

	note := storeA.CreateNote("only local", "", nil)
	waitFor(t, "B to observe the note", func() bool {
		_, ok := storeB.Note(note.ID)
		return ok
	})

	select {
	case ev := <-remoteOnA:
		t.Fatalf("A applied its own broadcast as remote: %+v", ev)
	default:
	}
}

func TestCommitPersistsVersionedEnvelope(t *testing.T) {
	mem := storage.NewMemory()
	kv := storage.NewEncrypted(mem)

	st, _ := newTestContext(t, kv, nil)
	note := st.CreateNote("durable", "body", nil)

	raw, err := kv.GetItem(context.Background(), "note-store")
	if err != nil {
		t.Fatalf("GetItem() error = %v", err)
	}

	var env domain.Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if env.Version != domain.EnvelopeVersion {
		t.Fatalf("envelope version = %d, want %d", env.Version, domain.EnvelopeVersion)
	}
	if len(env.State.Notes) != 1 || env.State.Notes[0].ID != note.ID {
		t.Fatalf("envelope state = %+v, want the created note", env.State)
	}

	// At rest the value is sealed, not the serialized envelope itself.
	atRest, err := mem.GetItem(context.Background(), "note-store")
	if err != nil {
		t.Fatalf("backing GetItem() error = %v", err)
	}
	if strings.Contains(atRest, note.ID) {
		t.Fatal("persisted envelope readable without decryption")
	}
}

type failingKV struct{}

func (failingKV) GetItem(context.Context, string) (string, error) {
	return "", errors.New("backend down")
}
func (failingKV) SetItem(context.Context, string, string) error {
	return errors.New("backend down")
}
func (failingKV) RemoveItem(context.Context, string) error {
	return errors.New("backend down")
}

// stallKV delegates to inner but parks the first SetItem on release,
// signalling entered once the writer is inside.
type stallKV struct {
	inner   storage.KV
	token   chan struct{}
	entered chan struct{}
	release chan struct{}
}

func newStallKV(inner storage.KV) *stallKV {
	k := &stallKV{
		inner:   inner,
		token:   make(chan struct{}, 1),
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	k.token <- struct{}{}
	return k
}

func (k *stallKV) GetItem(ctx context.Context, key string) (string, error) {
	return k.inner.GetItem(ctx, key)
}

func (k *stallKV) SetItem(ctx context.Context, key, value string) error {
	select {
	case <-k.token:
		k.entered <- struct{}{}
		<-k.release
	default:
	}
	return k.inner.SetItem(ctx, key, value)
}

func (k *stallKV) RemoveItem(ctx context.Context, key string) error {
	return k.inner.RemoveItem(ctx, key)
}

func TestStalledPersistCannotClobberLaterCommit(t *testing.T) {
	mem := storage.NewMemory()
	kv := newStallKV(storage.NewPlaintext(mem))

	st := store.New()
	Attach(st, kv, nil, "note-store", zerolog.Nop())

	// First mutation commits and stalls inside its persistence write.
	firstDone := make(chan struct{})
	go func() {
		st.CreateNote("first", "", nil)
		close(firstDone)
	}()
	<-kv.entered

	// Second mutation from another goroutine (fiber serves handlers
	// concurrently) must not let its envelope be overwritten at rest by
	// the stalled, staler snapshot.
	secondDone := make(chan struct{})
	go func() {
		st.CreateNote("second", "", nil)
		close(secondDone)
	}()

	close(kv.release)
	<-firstDone
	<-secondDone

	raw, err := mem.GetItem(context.Background(), "note-store")
	if err != nil {
		t.Fatalf("GetItem() error = %v", err)
	}
	var env domain.Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if len(env.State.Notes) != 2 {
		t.Fatalf("durable storage holds %d note(s) after both commits completed, want 2", len(env.State.Notes))
	}
}

func TestPersistenceFailureDoesNotRollBackState(t *testing.T) {
	st := store.New()
	Attach(st, failingKV{}, nil, "note-store", zerolog.Nop())

	note := st.CreateNote("survives", "", nil)

	if _, ok := st.Note(note.ID); !ok {
		t.Fatal("persistence failure rolled back the local mutation")
	}
}

func TestRehydrate(t *testing.T) {
	t.Run("restores persisted state", func(t *testing.T) {
		kv := storage.NewEncrypted(storage.NewMemory())

		origin, _ := newTestContext(t, kv, nil)
		note := origin.CreateNote("persisted", "body", nil)
		origin.SetActiveNote(&note.ID)

		st, mw := newTestContext(t, kv, nil)
		if err := mw.Rehydrate(context.Background()); err != nil {
			t.Fatalf("Rehydrate() error = %v", err)
		}

		got, ok := st.Note(note.ID)
		if !ok {
			t.Fatal("rehydrated store missing persisted note")
		}
		if got.Title != "persisted" || got.Content != "body" {
			t.Fatalf("rehydrated note = %+v", got)
		}
		if active := st.ActiveNoteID(); active == nil || *active != note.ID {
			t.Fatalf("rehydrated active note = %v, want %q", active, note.ID)
		}
	})

	t.Run("empty storage means empty state", func(t *testing.T) {
		kv := storage.NewEncrypted(storage.NewMemory())
		st, mw := newTestContext(t, kv, nil)
		if err := mw.Rehydrate(context.Background()); err != nil {
			t.Fatalf("Rehydrate() error = %v", err)
		}
		if len(st.Notes()) != 0 || len(st.Folders()) != 0 {
			t.Fatal("rehydrate from empty storage produced state")
		}
	})

	t.Run("undecryptable payload means no prior state", func(t *testing.T) {
		mem := storage.NewMemory()
		if err := mem.SetItem(context.Background(), "note-store", "corrupted"); err != nil {
			t.Fatalf("SetItem() error = %v", err)
		}

		st, mw := newTestContext(t, storage.NewEncrypted(mem), nil)
		if err := mw.Rehydrate(context.Background()); err != nil {
			t.Fatalf("Rehydrate() error = %v, want nil for corrupted payload", err)
		}
		if len(st.Notes()) != 0 {
			t.Fatal("corrupted payload produced state")
		}
	})

	t.Run("unknown envelope version means no prior state", func(t *testing.T) {
		kv := storage.NewPlaintext(storage.NewMemory())
		raw, _ := json.Marshal(map[string]any{
			"state":   map[string]any{"notes": []any{}, "folders": []any{}, "activeNoteId": nil},
			"version": 99,
		})
		if err := kv.SetItem(context.Background(), "note-store", string(raw)); err != nil {
			t.Fatalf("SetItem() error = %v", err)
		}

		st, mw := newTestContext(t, kv, nil)
		if err := mw.Rehydrate(context.Background()); err != nil {
			t.Fatalf("Rehydrate() error = %v", err)
		}
		if len(st.Notes()) != 0 {
			t.Fatal("future-versioned envelope produced state")
		}
	})
}

func TestStatePingTriggersReloadFromStorage(t *testing.T) {
	kv := storage.NewEncrypted(storage.NewMemory())
	hub := newTestHub(t)

	storeA, mwA := newTestContext(t, kv, hub)
	storeB, _ := newTestContext(t, kv, hub)

	// A commits (persisting through the shared adapter), then announces with
	// a bare ping instead of inline state.
	note := storeA.CreateNote("big", "payload", nil)
	waitFor(t, "B to apply the update", func() bool {
		_, ok := storeB.Note(note.ID)
		return ok
	})

	storeB.Hydrate(domain.SharedState{}) // forget, silently
	ping := hub.Channel()
	if err := ping.Publish(context.Background(), Message{Type: MessageTypeStatePing, Origin: mwA.Origin()}); err != nil {
		t.Fatalf("Publish(ping) error = %v", err)
	}

	waitFor(t, "B to reload from storage after ping", func() bool {
		_, ok := storeB.Note(note.ID)
		return ok
	})
}

func TestEncodeNotifyPayloadFallsBackToPing(t *testing.T) {
	small := Message{Type: MessageTypeStateUpdate, Origin: "ctx"}
	payload, err := encodeNotifyPayload(small)
	if err != nil {
		t.Fatalf("encodeNotifyPayload() error = %v", err)
	}
	var decoded Message
	if err := json.Unmarshal(payload, &decoded); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if decoded.Type != MessageTypeStateUpdate {
		t.Fatalf("small message type = %q, want inline state update", decoded.Type)
	}

	big := Message{
		Type:   MessageTypeStateUpdate,
		Origin: "ctx",
		State: domain.SharedState{
			Notes: []domain.Note{{ID: "n1", Content: strings.Repeat("x", maxNotifyPayload)}},
		},
	}
	payload, err = encodeNotifyPayload(big)
	if err != nil {
		t.Fatalf("encodeNotifyPayload(big) error = %v", err)
	}
	if err := json.Unmarshal(payload, &decoded); err != nil {
		t.Fatalf("unmarshal big payload: %v", err)
	}
	if decoded.Type != MessageTypeStatePing {
		t.Fatalf("oversized message type = %q, want ping fallback", decoded.Type)
	}
	if decoded.Origin != "ctx" {
		t.Fatalf("ping origin = %q, want sender preserved", decoded.Origin)
	}
	if len(payload) > maxNotifyPayload {
		t.Fatalf("ping payload %d bytes exceeds notify limit", len(payload))
	}
}
