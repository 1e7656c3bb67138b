// domain/note.go
package domain

import "time"

type Note struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Content   string    `json:"content"` // serialized rich text, opaque to the store
	FolderID  *string   `json:"folderId"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type Folder struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// SharedState is the slice of store state that is persisted and broadcast
// between contexts. The action surface is deliberately not part of it.
type SharedState struct {
	Notes        []Note   `json:"notes"`
	Folders      []Folder `json:"folders"`
	ActiveNoteID *string  `json:"activeNoteId"`
}

// EnvelopeVersion tags the persisted snapshot for forward migration.
const EnvelopeVersion = 1

// Envelope is the versioned at-rest form of SharedState.
type Envelope struct {
	State   SharedState `json:"state"`
	Version int         `json:"version"`
}

// Clone returns a deep copy so callers can never mutate store internals
// through a returned snapshot.
func (s SharedState) Clone() SharedState {
	out := SharedState{
		ActiveNoteID: cloneRef(s.ActiveNoteID),
	}
	if len(s.Notes) > 0 {
		out.Notes = make([]Note, len(s.Notes))
		for i, n := range s.Notes {
			n.FolderID = cloneRef(n.FolderID)
			out.Notes[i] = n
		}
	}
	if len(s.Folders) > 0 {
		out.Folders = make([]Folder, len(s.Folders))
		copy(out.Folders, s.Folders)
	}
	return out
}

func cloneRef(id *string) *string {
	if id == nil {
		return nil
	}
	v := *id
	return &v
}
