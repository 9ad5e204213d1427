package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"

	"github.com/stream-relay/backend/internal/logger"
)

type checkRequest struct {
	Versions map[string]string `json:"versions"`
}

type uploadResponse struct {
	Success  bool              `json:"success"`
	Message  string            `json:"message,omitempty"`
	Versions map[string]string `json:"versions,omitempty"`
	Link     string            `json:"link,omitempty"`
	Hash     string            `json:"hash,omitempty"`
	Error    string            `json:"error,omitempty"`
}

// Handler exposes the model update endpoints devices and uploaders use.
type Handler struct {
	svc           *Service
	maxUploadSize int64
	log           logger.Logger
}

func NewHandler(svc *Service, maxUploadSize int64, log logger.Logger) *Handler {
	return &Handler{
		svc:           svc,
		maxUploadSize: maxUploadSize,
		log:           log.With(logger.F("component", "models-http")),
	}
}

func (h *Handler) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/check_models", h.handleCheck)
	mux.HandleFunc("/upload_model", h.handleUpload)
	mux.Handle("/files/", http.StripPrefix("/files/", hideInternal(http.FileServer(http.Dir(h.svc.Dir())))))
}

func (h *Handler) handleCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req checkRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	res, err := h.svc.Check(r.Context(), req.Versions)
	if err != nil {
		h.log.Error("model check failed", logger.Err(err))
		http.Error(w, "metadata unavailable", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.maxUploadSize > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadSize)
	}

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeJSON(w, http.StatusBadRequest, uploadResponse{Error: fmt.Sprintf("parsing form: %v", err)})
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, uploadResponse{Error: "missing file"})
		return
	}
	defer file.Close()

	res, err := h.svc.Publish(r.Context(), Upload{
		ModelName: r.FormValue("model_name"),
		Version:   r.FormValue("version"),
		Filename:  header.Filename,
		Body:      file,
		Host:      r.Host,
	})
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, ErrInvalidUpload) {
			status = http.StatusBadRequest
		} else {
			h.log.Error("model upload failed", logger.Err(err))
		}
		writeJSON(w, status, uploadResponse{Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, uploadResponse{
		Success:  true,
		Message:  fmt.Sprintf("Model %s updated to version %s", res.ModelName, res.Version),
		Versions: res.Versions,
		Link:     res.Link,
		Hash:     res.Hash,
	})
}

// hideInternal keeps dotfiles and the metadata file out of /files/.
func hideInternal(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := path.Base(r.URL.Path)
		if strings.HasPrefix(name, ".") || name == metadataFileName {
			http.NotFound(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
