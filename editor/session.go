// editor/session.go
//
// Package editor implements the conflict-detecting edit session used by the
// note editing flow. A session captures the note's modification time when
// editing begins; on save it compares that reference point against the live
// store, and a strictly newer timestamp means a sibling context changed the
// record in the meantime.
package editor

import (
	"errors"
	"time"

	"github.com/shahidk/noteworthy/domain"
	"github.com/shahidk/noteworthy/store"
)

var (
	// ErrNoteNotFound reports an edit session requested for an id with no
	// matching note.
	ErrNoteNotFound = errors.New("editor: note not found")
	// ErrSessionClosed reports an operation on a session already in a
	// terminal state.
	ErrSessionClosed = errors.New("editor: session closed")
	// ErrNoConflict reports a conflict resolution with no pending conflict.
	ErrNoConflict = errors.New("editor: no pending conflict")
)

// NoteStore is the slice of the store surface a session needs.
type NoteStore interface {
	Note(id string) (domain.Note, bool)
	UpdateNote(id string, patch store.NotePatch)
}

// State is the session's position in its lifecycle.
type State int

const (
	// StateEditing covers both a freshly loaded and a locally modified draft.
	StateEditing State = iota
	// StateConflict means a save was refused because the record changed
	// elsewhere; resolve with Override or LoadNew.
	StateConflict
	// StateSaved and StateDiscarded are terminal.
	StateSaved
	StateDiscarded
)

// Outcome is the result of a save attempt.
type Outcome int

const (
	OutcomeSaved Outcome = iota
	OutcomeConflict
)

// Session is a single-record editing session. It is not safe for concurrent
// use; each context edits on its own single-threaded flow.
type Session struct {
	store    NoteStore
	noteID   string
	loadedAt time.Time
	base     domain.Note
	title    string
	content  string
	state    State
}

// Begin loads the note and captures its modification time as the conflict
// reference point.
func Begin(st NoteStore, id string) (*Session, error) {
	note, ok := st.Note(id)
	if !ok {
		return nil, ErrNoteNotFound
	}
	return &Session{
		store:    st,
		noteID:   id,
		loadedAt: note.UpdatedAt,
		base:     note,
		title:    note.Title,
		content:  note.Content,
	}, nil
}

func (s *Session) State() State    { return s.state }
func (s *Session) NoteID() string  { return s.noteID }
func (s *Session) Title() string   { return s.title }
func (s *Session) Content() string { return s.content }

// Base returns the note as it looked when this session (re)loaded it.
func (s *Session) Base() domain.Note { return s.base }

func (s *Session) SetTitle(title string) {
	s.title = title
}

func (s *Session) SetContent(content string) {
	s.content = content
}

// Dirty reports whether the draft differs from the loaded record.
func (s *Session) Dirty() bool {
	return s.title != s.base.Title || s.content != s.base.Content
}

// Save commits the draft unless the record was modified elsewhere since this
// session loaded it, in which case the session enters StateConflict and no
// write is performed. A note deleted by a sibling counts as a conflict too.
func (s *Session) Save() (Outcome, error) {
	switch s.state {
	case StateSaved, StateDiscarded:
		return 0, ErrSessionClosed
	case StateConflict:
		return OutcomeConflict, nil
	}

	current, ok := s.store.Note(s.noteID)
	if !ok || current.UpdatedAt.After(s.loadedAt) {
		s.state = StateConflict
		return OutcomeConflict, nil
	}

	s.commit()
	return OutcomeSaved, nil
}

// Override resolves a conflict by committing the local draft anyway,
// discarding the sibling's intervening change.
func (s *Session) Override() error {
	if s.state != StateConflict {
		return ErrNoConflict
	}
	s.commit()
	return nil
}

// LoadNew resolves a conflict by discarding the local draft and reloading the
// record's current state. The session returns to editing with a fresh
// reference point. A note deleted elsewhere ends the session instead.
func (s *Session) LoadNew() (domain.Note, error) {
	if s.state != StateConflict {
		return domain.Note{}, ErrNoConflict
	}

	current, ok := s.store.Note(s.noteID)
	if !ok {
		s.state = StateDiscarded
		return domain.Note{}, ErrNoteNotFound
	}

	s.base = current
	s.title = current.Title
	s.content = current.Content
	s.loadedAt = current.UpdatedAt
	s.state = StateEditing
	return current, nil
}

// Discard abandons the draft without writing.
func (s *Session) Discard() {
	if s.state == StateEditing || s.state == StateConflict {
		s.state = StateDiscarded
	}
}

func (s *Session) commit() {
	s.store.UpdateNote(s.noteID, store.NotePatch{Title: &s.title, Content: &s.content})
	s.state = StateSaved
}
