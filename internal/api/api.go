// Package api exposes the HTTP management surface: stored message
// queries, SMTP connection info, and certificate upload/delete.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/smtpcatch/smtpcatch/internal/certstore"
	"github.com/smtpcatch/smtpcatch/internal/mailbox"
	"github.com/smtpcatch/smtpcatch/internal/smtp"
)

// maxUploadSize caps certificate upload requests at 1 MB.
const maxUploadSize = 1 << 20

// Handler serves the management API. Certificate mutations restart the
// SMTP listener through the store's change hook before the response is
// written, so clients observe the new TLS state immediately.
type Handler struct {
	store *mailbox.Store
	certs *certstore.Store
	smtp  *smtp.Server
}

// New creates the management API handler.
func New(store *mailbox.Store, certs *certstore.Store, smtpServer *smtp.Server) *Handler {
	return &Handler{
		store: store,
		certs: certs,
		smtp:  smtpServer,
	}
}

// Router returns the HTTP routes for the management API.
func (h *Handler) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/emails", h.listEmails)
	mux.HandleFunc("GET /api/emails/{id}", h.getEmail)
	mux.HandleFunc("DELETE /api/emails", h.deleteAllEmails)
	mux.HandleFunc("DELETE /api/emails/{id}", h.deleteEmail)

	mux.HandleFunc("GET /api/smtp/connection-info", h.connectionInfo)

	mux.HandleFunc("POST /api/tls/upload", h.uploadCertificate)
	mux.HandleFunc("GET /api/tls/info", h.certificateInfo)
	mux.HandleFunc("DELETE /api/tls", h.deleteCertificate)

	return mux
}

func (h *Handler) listEmails(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.store.List())
}

func (h *Handler) getEmail(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	msg, err := h.store.Get(id)
	if errors.Is(err, mailbox.ErrNotFound) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("Email with ID %s not found", id))
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (h *Handler) deleteAllEmails(w http.ResponseWriter, _ *http.Request) {
	h.store.DeleteAll()
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) deleteEmail(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if !h.store.DeleteByID(id) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("Email with ID %s not found", id))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) connectionInfo(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.smtp.ConnectionInfo())
}

// uploadCertificate accepts a multipart form with exactly two files and
// identifies which is the certificate and which is the key by PEM
// content markers, falling back to filename hints.
func (h *Handler) uploadCertificate(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)

	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		writeError(w, http.StatusBadRequest, "failed to parse multipart form")
		return
	}

	files := r.MultipartForm.File["files"]
	if len(files) != 2 {
		writeError(w, http.StatusBadRequest,
			"Please upload exactly 2 files: certificate (.crt or .pem) and private key (.key or .pem)")
		return
	}

	var certBytes, keyBytes []byte
	for _, fh := range files {
		content, err := readMultipartFile(fh)
		if err != nil {
			writeError(w, http.StatusBadRequest, "failed to read uploaded file")
			return
		}

		text := string(content)
		name := strings.ToLower(fh.Filename)

		switch {
		case strings.Contains(text, "BEGIN CERTIFICATE") && strings.Contains(text, "END CERTIFICATE"):
			certBytes = content
		case strings.Contains(text, "BEGIN") && strings.Contains(text, "PRIVATE KEY") && strings.Contains(text, "END"):
			keyBytes = content
		case strings.Contains(name, "cert") || strings.HasSuffix(name, ".crt"):
			certBytes = content
		case strings.Contains(name, "key") || strings.HasSuffix(name, ".key"):
			keyBytes = content
		}
	}

	if certBytes == nil || keyBytes == nil {
		writeError(w, http.StatusBadRequest,
			"Could not identify certificate and key files. Please ensure one file contains a certificate and the other contains a private key.")
		return
	}

	record, err := h.certs.Upload(certBytes, keyBytes)
	if err != nil {
		var verr *certstore.ValidationError
		if errors.As(err, &verr) {
			writeError(w, http.StatusBadRequest, verr.Error())
			return
		}
		slog.Error("certificate upload failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to store certificate")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"message":    "Certificate uploaded successfully",
		"uploadedAt": record.UploadedAt,
		"isActive":   record.IsActive,
	})
}

func (h *Handler) certificateInfo(w http.ResponseWriter, _ *http.Request) {
	info, ok := h.certs.Describe()
	if !ok {
		writeJSON(w, http.StatusOK, map[string]bool{"hasActive": false})
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (h *Handler) deleteCertificate(w http.ResponseWriter, _ *http.Request) {
	if !h.certs.Delete() {
		writeError(w, http.StatusInternalServerError, "failed to delete certificate")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func readMultipartFile(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"message": message})
}
