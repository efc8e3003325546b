package server

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tiancaiamao/chatbridge/pkg/registry"
	"github.com/tiancaiamao/chatbridge/pkg/transcript"
)

// maxBodyBytes bounds JSON request bodies, which may carry base64 images.
const maxBodyBytes = 50 << 20

var dataURL = regexp.MustCompile(`^data:([^;]+);base64,(.+)$`)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

var okResponse = map[string]bool{"ok": true}

// handleHealth reports uptime and connection counts.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := s.Stats()
	writeJSON(w, http.StatusOK, struct {
		Status      string  `json:"status"`
		Uptime      float64 `json:"uptime"`
		Connections int     `json:"connections"`
		Running     int     `json:"running"`
	}{
		Status:      "ok",
		Uptime:      time.Since(s.started).Seconds(),
		Connections: stats.Connections,
		Running:     stats.Running,
	})
}

// handleModels returns the models file as the client expects it.
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	data, err := registry.Document(s.registry.Providers())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	list, err := s.writer.Store().List()
	if err != nil {
		s.logger.Warn("Failed to list conversations", "error", err)
	}
	if list == nil {
		list = []transcript.Summary{}
	}
	writeJSON(w, http.StatusOK, list)
}

// conversationID returns the validated {id} path value, writing a 400 if invalid.
func conversationID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.PathValue("id")
	if !transcript.ValidID(id) {
		writeError(w, http.StatusBadRequest, "Invalid id")
		return "", false
	}
	return id, true
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	id, ok := conversationID(w, r)
	if !ok {
		return
	}
	conv, err := s.writer.Store().Load(id)
	if errors.Is(err, transcript.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (s *Server) handlePutConversation(w http.ResponseWriter, r *http.Request) {
	id, ok := conversationID(w, r)
	if !ok {
		return
	}
	if _, err := s.writer.Store().Load(id); errors.Is(err, transcript.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Not found")
		return
	}

	var conv transcript.Conversation
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&conv); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid conversation: %v", err))
		return
	}
	conv.ID = id
	if conv.Messages == nil {
		conv.Messages = []transcript.Turn{}
	}
	if err := s.writer.Put(&conv); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, okResponse)
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	id, ok := conversationID(w, r)
	if !ok {
		return
	}
	if err := s.writer.Delete(id); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, okResponse)
}

type uploadRequest struct {
	Data     string `json:"data"`
	Filename string `json:"filename"`
}

// handleUpload stores a base64 image under the uploads directory.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	var req uploadRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Data == "" || req.Filename == "" {
		writeError(w, http.StatusBadRequest, "Missing data or filename")
		return
	}

	encoded := req.Data
	if m := dataURL.FindStringSubmatch(encoded); m != nil {
		encoded = m[2]
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid base64 data")
		return
	}

	name := uploadName(req.Filename, time.Now())
	dir := s.cfg.Server.UploadsDir
	if err := os.MkdirAll(dir, 0755); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0644); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.logger.Info("Upload stored", "path", path, "bytes", len(data))
	writeJSON(w, http.StatusOK, transcript.Image{Path: path, URL: "/uploads/" + name, Name: name})
}

// uploadName builds img-<millis>-<random><ext>; the extension defaults to .png.
func uploadName(filename string, now time.Time) string {
	ext := strings.ToLower(filepath.Ext(filename))
	if ext == "" {
		ext = ".png"
	}
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:6]
	return fmt.Sprintf("img-%d-%s%s", now.UnixMilli(), suffix, ext)
}

// handleGetCLIParams returns the saved per-provider CLI arguments, or {}.
func (s *Server) handleGetCLIParams(w http.ResponseWriter, r *http.Request) {
	s.paramsMu.Lock()
	data, err := os.ReadFile(s.cfg.Server.CLIParamsFile)
	s.paramsMu.Unlock()
	if err != nil || !json.Valid(data) {
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("Failed to read CLI params", "path", s.cfg.Server.CLIParamsFile, "error", err)
		}
		data = []byte("{}")
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func (s *Server) handlePutCLIParams(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var params map[string]any
	if err := json.Unmarshal(body, &params); err != nil {
		writeError(w, http.StatusBadRequest, "Body must be a JSON object")
		return
	}
	data, err := json.MarshalIndent(params, "", "  ")
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.paramsMu.Lock()
	defer s.paramsMu.Unlock()
	path := s.cfg.Server.CLIParamsFile
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, okResponse)
}
