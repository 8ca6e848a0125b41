package handlers

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/finquill/finquill/internal/models"
	"github.com/finquill/finquill/internal/pipeline"
	"github.com/finquill/finquill/internal/services"
)

// maxUploadBytes caps multipart uploads held in memory before spilling to disk.
const maxUploadBytes = 32 << 20

type documentView struct {
	ID        uuid.UUID             `json:"id"`
	Filename  string                `json:"filename"`
	Status    models.DocumentStatus `json:"status"`
	Error     *models.DocumentError `json:"error,omitempty"`
	CreatedAt time.Time             `json:"created_at"`
	UpdatedAt time.Time             `json:"updated_at"`
}

func newDocumentView(doc models.Document) documentView {
	return documentView{
		ID:        doc.ID,
		Filename:  doc.Filename,
		Status:    doc.Status,
		Error:     doc.Error,
		CreatedAt: doc.CreatedAt,
		UpdatedAt: doc.UpdatedAt,
	}
}

// HandleUploadDocument accepts a multipart upload attached to a chat. The document is
// stored in status uploading; the client confirms with mark-uploaded, which kicks off
// ingestion.
func (m Main) HandleUploadDocument(w http.ResponseWriter, r *http.Request) {
	uid, err := userID(r)
	if err != nil {
		http.Error(w, "user id is required", http.StatusUnauthorized)
		return
	}

	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		http.Error(w, "invalid multipart form", http.StatusBadRequest)
		return
	}

	chatID, err := uuid.Parse(r.FormValue("chat_id"))
	if err != nil {
		http.Error(w, "chat_id is required", http.StatusBadRequest)
		return
	}
	chat, err := m.store.Chat(r.Context(), chatID)
	if errors.Is(err, services.ErrNotFound) {
		http.Error(w, "chat not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if chat.UserID != uid {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "file is required", http.StatusBadRequest)
		return
	}
	defer file.Close()

	storagePath := filepath.Join(m.storageDir, uuid.New().String())
	dst, err := os.Create(storagePath)
	if err != nil {
		m.logger.Error("Failed to create storage file", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer dst.Close()
	if _, err := io.Copy(dst, file); err != nil {
		m.logger.Error("Failed to store upload", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	doc, err := m.store.CreateDocument(r.Context(), chatID, uid, header.Filename, storagePath)
	if err != nil {
		m.logger.Error("Failed to create document", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	m.respondJSON(w, http.StatusCreated, newDocumentView(doc))
}

// HandleMarkUploaded confirms a finished upload and kicks off ingestion.
func (m Main) HandleMarkUploaded(w http.ResponseWriter, r *http.Request) {
	uid, err := userID(r)
	if err != nil {
		http.Error(w, "user id is required", http.StatusUnauthorized)
		return
	}
	docID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, "invalid document id", http.StatusBadRequest)
		return
	}

	doc, err := m.documents.MarkUploaded(r.Context(), uid, docID)
	if err != nil {
		m.respondDocumentError(w, err)
		return
	}
	m.respondJSON(w, http.StatusOK, newDocumentView(doc))
}

// HandleProcessDocument triggers a manual (re)process of a document.
func (m Main) HandleProcessDocument(w http.ResponseWriter, r *http.Request) {
	uid, err := userID(r)
	if err != nil {
		http.Error(w, "user id is required", http.StatusUnauthorized)
		return
	}
	docID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, "invalid document id", http.StatusBadRequest)
		return
	}

	if err := m.documents.TriggerProcessing(r.Context(), uid, docID); err != nil {
		m.respondDocumentError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (m Main) respondDocumentError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, pipeline.ErrDocumentNotFound):
		http.Error(w, "document not found", http.StatusNotFound)
	case errors.Is(err, pipeline.ErrNotOwner):
		http.Error(w, "forbidden", http.StatusForbidden)
	case errors.Is(err, pipeline.ErrNotUploaded):
		http.Error(w, "document is not uploaded yet", http.StatusConflict)
	case errors.Is(err, pipeline.ErrAlreadyProcessing):
		http.Error(w, "document is already being processed", http.StatusConflict)
	default:
		m.logger.Error("Document operation failed", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
