// store/store.go
//
// Package store holds the in-memory record of notes, folders and the active
// note selection, plus the mutating actions that operate on it. Actions are
// synchronous and never perform I/O; persistence and broadcast are attached
// as subscribers by the sync layer.
package store

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shahidk/noteworthy/domain"
)

// ValidationError reports input rejected before any state change.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "store: " + e.Reason
}

// Event describes one committed state transition. Remote marks transitions
// applied from a sibling context's broadcast rather than a local action.
type Event struct {
	State  domain.SharedState
	Remote bool
}

// Subscriber observes committed transitions. Subscribers run synchronously
// after the commit, outside the store lock, in registration order.
type Subscriber func(Event)

// Store is the single shared mutable state of one running context.
// The zero value is not usable; construct with New.
type Store struct {
	mu    sync.RWMutex
	state domain.SharedState
	subs  []Subscriber
	now   func() time.Time

	// notifyMu serializes subscriber dispatch in commit order. It is
	// acquired before mu is released, so a later commit can never persist
	// or broadcast ahead of an earlier one.
	notifyMu sync.Mutex
}

func New() *Store {
	return &Store{now: time.Now}
}

// Subscribe registers fn for every subsequent committed transition.
func (s *Store) Subscribe(fn Subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, fn)
}

// NotePatch carries the fields UpdateNote merges into an existing note.
// Nil pointers leave the current value untouched. SetFolder must be true for
// FolderID to apply, so a note can be explicitly unfiled with a nil FolderID.
type NotePatch struct {
	Title     *string
	Content   *string
	FolderID  *string
	SetFolder bool
}

// CreateNote allocates a note with a fresh id, stamps both timestamps to now
// and appends it. Empty title or content is permitted.
func (s *Store) CreateNote(title, content string, folderID *string) domain.Note {
	s.mu.Lock()
	now := s.now()
	note := domain.Note{
		ID:        uuid.NewString(),
		Title:     title,
		Content:   content,
		FolderID:  cloneRef(folderID),
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.state.Notes = append(s.state.Notes, note)
	s.commit(false)

	out := note
	out.FolderID = cloneRef(note.FolderID)
	return out
}

// UpdateNote merges patch into the note matching id and stamps a fresh
// modification time. Unknown ids are a silent no-op.
func (s *Store) UpdateNote(id string, patch NotePatch) {
	s.mu.Lock()
	for i := range s.state.Notes {
		if s.state.Notes[i].ID != id {
			continue
		}
		n := &s.state.Notes[i]
		if patch.Title != nil {
			n.Title = *patch.Title
		}
		if patch.Content != nil {
			n.Content = *patch.Content
		}
		if patch.SetFolder {
			n.FolderID = cloneRef(patch.FolderID)
		}
		n.UpdatedAt = s.stamp(n.UpdatedAt)
		s.commit(false)
		return
	}
	s.mu.Unlock()
}

// DeleteNote removes the note matching id; unknown ids are a no-op.
func (s *Store) DeleteNote(id string) {
	s.mu.Lock()
	for i := range s.state.Notes {
		if s.state.Notes[i].ID == id {
			s.state.Notes = append(s.state.Notes[:i], s.state.Notes[i+1:]...)
			s.commit(false)
			return
		}
	}
	s.mu.Unlock()
}

// CreateFolder rejects names that are empty after trimming, otherwise
// allocates and appends a folder with the trimmed name.
func (s *Store) CreateFolder(name string) (domain.Folder, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return domain.Folder{}, &ValidationError{Reason: "folder name cannot be empty"}
	}

	s.mu.Lock()
	now := s.now()
	folder := domain.Folder{
		ID:        uuid.NewString(),
		Name:      trimmed,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.state.Folders = append(s.state.Folders, folder)
	s.commit(false)
	return folder, nil
}

// DeleteFolder removes the folder and, in the same transition, unfiles every
// note that referenced it. Notes themselves are never deleted here.
func (s *Store) DeleteFolder(id string) {
	s.mu.Lock()
	for i := range s.state.Folders {
		if s.state.Folders[i].ID != id {
			continue
		}
		s.state.Folders = append(s.state.Folders[:i], s.state.Folders[i+1:]...)
		for j := range s.state.Notes {
			if ref := s.state.Notes[j].FolderID; ref != nil && *ref == id {
				s.state.Notes[j].FolderID = nil
			}
		}
		s.commit(false)
		return
	}
	s.mu.Unlock()
}

// RenameFolder replaces the folder's name and stamps a fresh modification
// time. Validation is the caller's responsibility at this layer.
func (s *Store) RenameFolder(id, name string) {
	s.mu.Lock()
	for i := range s.state.Folders {
		if s.state.Folders[i].ID == id {
			s.state.Folders[i].Name = name
			s.state.Folders[i].UpdatedAt = s.stamp(s.state.Folders[i].UpdatedAt)
			s.commit(false)
			return
		}
	}
	s.mu.Unlock()
}

// MoveNoteToFolder sets the note's folder reference; nil unfiles it.
func (s *Store) MoveNoteToFolder(noteID string, folderID *string) {
	s.UpdateNote(noteID, NotePatch{FolderID: folderID, SetFolder: true})
}

// SetActiveNote records the selection. No timestamps are touched.
func (s *Store) SetActiveNote(id *string) {
	s.mu.Lock()
	s.state.ActiveNoteID = cloneRef(id)
	s.commit(false)
}

// ApplyRemote replaces notes, folders and the active selection wholesale with
// a sibling context's broadcast state. Last writer wins; the local action
// surface is untouched.
func (s *Store) ApplyRemote(state domain.SharedState) {
	s.mu.Lock()
	s.state = state.Clone()
	s.commit(true)
}

// Hydrate installs persisted state without notifying subscribers. It is meant
// for rehydration on startup, before any broadcast traffic exists.
func (s *Store) Hydrate(state domain.SharedState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state.Clone()
}

// Notes returns a copy of the notes collection in insertion order.
func (s *Store) Notes() []domain.Note {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Clone().Notes
}

// Folders returns a copy of the folders collection in insertion order.
func (s *Store) Folders() []domain.Folder {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Clone().Folders
}

// Note returns the note matching id by value.
func (s *Store) Note(id string) (domain.Note, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, n := range s.state.Notes {
		if n.ID == id {
			n.FolderID = cloneRef(n.FolderID)
			return n, true
		}
	}
	return domain.Note{}, false
}

// Folder returns the folder matching id by value.
func (s *Store) Folder(id string) (domain.Folder, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, f := range s.state.Folders {
		if f.ID == id {
			return f, true
		}
	}
	return domain.Folder{}, false
}

// ActiveNoteID returns the current selection, or nil when none is set.
// A dangling id is the consumer's concern, treated as "no active note".
func (s *Store) ActiveNoteID() *string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneRef(s.state.ActiveNoteID)
}

// SharedState returns a deep copy of the persisted/broadcast slice.
func (s *Store) SharedState() domain.SharedState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Clone()
}

// commit snapshots the state, releases the lock and notifies subscribers.
// Callers must hold the write lock; commit unlocks it. notifyMu is taken
// while mu is still held and spans the whole dispatch, so subscribers of
// concurrent mutations always observe snapshots in commit order.
func (s *Store) commit(remote bool) {
	snapshot := s.state.Clone()
	subs := s.subs
	s.notifyMu.Lock()
	s.mu.Unlock()
	defer s.notifyMu.Unlock()

	for _, fn := range subs {
		fn(Event{State: snapshot, Remote: remote})
	}
}

// stamp returns the current time, nudged forward when the clock has not
// advanced past prev. Modification times are strictly increasing per record,
// which the conflict detector's comparisons rely on.
func (s *Store) stamp(prev time.Time) time.Time {
	now := s.now()
	if !now.After(prev) {
		now = prev.Add(time.Nanosecond)
	}
	return now
}

func cloneRef(id *string) *string {
	if id == nil {
		return nil
	}
	v := *id
	return &v
}
