// httpapi/handlers.go
//
// Package httpapi exposes the store's action surface over a local HTTP API
// for UI collaborators. Handlers only call store actions and read store
// state; everything else (persistence, broadcast) happens behind the store.
package httpapi

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/shahidk/noteworthy/domain"
	"github.com/shahidk/noteworthy/store"
)

type Server struct {
	store *store.Store
	log   zerolog.Logger
}

// New builds the Fiber app with all routes registered behind token auth.
func New(st *store.Store, token string, log zerolog.Logger) *fiber.App {
	s := &Server{store: st, log: log}

	app := fiber.New(fiber.Config{
		AppName:               "noteworthy",
		DisableStartupMessage: true,
	})

	app.Use(authMiddleware(token))

	api := app.Group("/api")
	api.Get("/notes", s.handleListNotes)
	api.Post("/notes", s.handleCreateNote)
	api.Get("/notes/:id", s.handleGetNote)
	api.Put("/notes/:id", s.handleUpdateNote)
	api.Delete("/notes/:id", s.handleDeleteNote)
	api.Post("/notes/:id/move", s.handleMoveNote)
	api.Get("/folders", s.handleListFolders)
	api.Post("/folders", s.handleCreateFolder)
	api.Put("/folders/:id", s.handleRenameFolder)
	api.Delete("/folders/:id", s.handleDeleteFolder)
	api.Get("/active-note", s.handleGetActiveNote)
	api.Put("/active-note", s.handleSetActiveNote)

	return app
}

func authMiddleware(token string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if c.Get("X-Noteworthy-Token") != token {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized"})
		}
		return c.Next()
	}
}

func (s *Server) handleListNotes(c *fiber.Ctx) error {
	notes := s.store.Notes()
	if folderID := c.Query("folder"); folderID != "" {
		filtered := notes[:0]
		for _, n := range notes {
			if n.FolderID != nil && *n.FolderID == folderID {
				filtered = append(filtered, n)
			}
		}
		notes = filtered
	}
	if notes == nil {
		// Collaborators expect an array, never JSON null.
		notes = []domain.Note{}
	}
	return c.JSON(notes)
}

func (s *Server) handleCreateNote(c *fiber.Ctx) error {
	var req struct {
		Title    string  `json:"title"`
		Content  string  `json:"content"`
		FolderID *string `json:"folderId"`
	}
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, err)
	}

	note := s.store.CreateNote(req.Title, req.Content, req.FolderID)
	return c.Status(fiber.StatusCreated).JSON(note)
}

func (s *Server) handleGetNote(c *fiber.Ctx) error {
	note, ok := s.store.Note(c.Params("id"))
	if !ok {
		return notFound(c, "note not found")
	}
	return c.JSON(note)
}

func (s *Server) handleUpdateNote(c *fiber.Ctx) error {
	id := c.Params("id")
	if _, ok := s.store.Note(id); !ok {
		return notFound(c, "note not found")
	}

	var req struct {
		Title   *string `json:"title"`
		Content *string `json:"content"`
	}
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, err)
	}

	s.store.UpdateNote(id, store.NotePatch{Title: req.Title, Content: req.Content})
	note, _ := s.store.Note(id)
	return c.JSON(note)
}

func (s *Server) handleDeleteNote(c *fiber.Ctx) error {
	s.store.DeleteNote(c.Params("id"))
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) handleMoveNote(c *fiber.Ctx) error {
	id := c.Params("id")
	if _, ok := s.store.Note(id); !ok {
		return notFound(c, "note not found")
	}

	var req struct {
		FolderID *string `json:"folderId"` // null unfiles the note
	}
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, err)
	}

	s.store.MoveNoteToFolder(id, req.FolderID)
	note, _ := s.store.Note(id)
	return c.JSON(note)
}

func (s *Server) handleListFolders(c *fiber.Ctx) error {
	folders := s.store.Folders()
	if folders == nil {
		folders = []domain.Folder{}
	}
	return c.JSON(folders)
}

func (s *Server) handleCreateFolder(c *fiber.Ctx) error {
	var req struct {
		Name string `json:"name"`
	}
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, err)
	}

	folder, err := s.store.CreateFolder(req.Name)
	var verr *store.ValidationError
	if errors.As(err, &verr) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": verr.Reason})
	}
	if err != nil {
		s.log.Error().Err(err).Msg("create folder failed")
		return c.SendStatus(fiber.StatusInternalServerError)
	}
	return c.Status(fiber.StatusCreated).JSON(folder)
}

func (s *Server) handleRenameFolder(c *fiber.Ctx) error {
	id := c.Params("id")
	if _, ok := s.store.Folder(id); !ok {
		return notFound(c, "folder not found")
	}

	var req struct {
		Name string `json:"name"`
	}
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, err)
	}
	// The store does not validate renames; the user-facing surface does.
	if strings.TrimSpace(req.Name) == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "folder name cannot be empty"})
	}

	s.store.RenameFolder(id, req.Name)
	folder, _ := s.store.Folder(id)
	return c.JSON(folder)
}

func (s *Server) handleDeleteFolder(c *fiber.Ctx) error {
	s.store.DeleteFolder(c.Params("id"))
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) handleGetActiveNote(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"activeNoteId": s.store.ActiveNoteID()})
}

func (s *Server) handleSetActiveNote(c *fiber.Ctx) error {
	var req struct {
		ActiveNoteID *string `json:"activeNoteId"`
	}
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, err)
	}

	s.store.SetActiveNote(req.ActiveNoteID)
	return c.JSON(fiber.Map{"activeNoteId": s.store.ActiveNoteID()})
}

func badRequest(c *fiber.Ctx, err error) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
}

func notFound(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": msg})
}
