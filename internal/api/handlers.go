package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-narrator/internal/eventstore"
	"github.com/loqalabs/loqa-narrator/internal/pipeline"
	"github.com/loqalabs/loqa-narrator/internal/tts"
)

const headerRequestID = "X-Request-ID"

const (
	multipartMemory = 8 << 20
	maxJSONBody     = 1 << 20
)

// ChatRequest is the body of POST /api/chat.
type ChatRequest struct {
	Message string `json:"message"`
	Context string `json:"context"`
	VoiceID string `json:"voiceId"`
}

// SpeakRequest is the body of POST /api/speak.
type SpeakRequest struct {
	Text    string `json:"text"`
	VoiceID string `json:"voiceId"`
}

// AudioResponse is returned by the poll and speak endpoints.
type AudioResponse struct {
	AudioChunks []string `json:"audioChunks"`
	IsComplete  *bool    `json:"isComplete,omitempty"`
}

type VoicesResponse struct {
	Voices []tts.Voice `json:"voices"`
}

type EventsResponse struct {
	RequestID string             `json:"requestId"`
	Events    []eventstore.Event `json:"events"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "message is required"})
		return
	}

	s.stream(w, r, pipeline.Job{
		Kind:    "chat",
		Prompt:  fmt.Sprintf("Context: %s\n\nQ: %s", req.Context, req.Message),
		VoiceID: req.VoiceID,
	})
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.Pipeline.MaxUploadBytes)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, ErrorResponse{Error: "file too large"})
			return
		}
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid multipart body"})
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "No file"})
		return
	}
	defer file.Close()

	if !isTextUpload(header.Header.Get("Content-Type"), header.Filename) {
		writeJSON(w, http.StatusUnsupportedMediaType, ErrorResponse{Error: "unsupported file type"})
		return
	}
	data, err := io.ReadAll(file)
	if err != nil {
		s.logger.Warn("failed to read upload", slogError(err))
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "failed to read file"})
		return
	}

	content := truncateRunes(strings.ToValidUTF8(string(data), ""), s.cfg.Pipeline.MaxPromptChars)
	s.stream(w, r, pipeline.Job{
		Kind:    "analyze",
		Prompt:  "Analyze this content and provide a summary:\n\n" + content,
		VoiceID: r.FormValue("voiceId"),
	})
}

// stream commits a 200 text response and hands the connection to the
// pipeline. Errors after this point travel in-band.
func (s *Server) stream(w http.ResponseWriter, r *http.Request, job pipeline.Job) {
	job.RequestID = uuid.NewString()
	w.Header().Set(headerRequestID, job.RequestID)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)

	sink := &responseSink{w: w, rc: http.NewResponseController(w)}
	sink.Flush()

	res, err := s.deps.Runner.Run(r.Context(), job, sink)
	log := s.logger.With(slog.String("request_id", job.RequestID), slog.String("kind", job.Kind))
	if err != nil {
		log.Warn("stream ended with error", slogError(err))
		return
	}
	log.Info("stream finished", slog.Int("chars", len(res.Text)))
}

func (s *Server) handleAudio(w http.ResponseWriter, r *http.Request) {
	snap := s.deps.Cache.Snapshot(r.PathValue("requestID"))
	complete := snap.Complete()
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, AudioResponse{AudioChunks: snap.Fragments, IsComplete: &complete})
}

func (s *Server) handleVoices(w http.ResponseWriter, r *http.Request) {
	voices, err := s.deps.Catalog.List()
	if err != nil {
		s.logger.Error("failed to list voices", slogError(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "Failed to read voices"})
		return
	}
	writeJSON(w, http.StatusOK, VoicesResponse{Voices: voices})
}

func (s *Server) handleSpeak(w http.ResponseWriter, r *http.Request) {
	var req SpeakRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "No text provided"})
		return
	}
	if s.deps.Synthesizer == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: "speech synthesis disabled"})
		return
	}
	modelPath, err := s.deps.Voices.Resolve(req.VoiceID)
	if err != nil {
		if errors.Is(err, tts.ErrVoiceNotFound) {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Voice model not found"})
			return
		}
		s.logger.Error("voice lookup failed", slogError(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "TTS failed"})
		return
	}

	chunks := tts.Speak(r.Context(), s.deps.Synthesizer, modelPath, uuid.NewString(), req.Text, s.logger)
	if r.Context().Err() != nil {
		return
	}
	writeJSON(w, http.StatusOK, AudioResponse{AudioChunks: chunks})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	requestID := r.PathValue("requestID")
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "limit must be a positive integer"})
			return
		}
		limit = parsed
	}

	events := []eventstore.Event{}
	if s.deps.Events != nil {
		found, err := s.deps.Events.ListRequestEvents(r.Context(), requestID, limit)
		if err != nil {
			s.logger.Error("failed to list request events", slog.String("request_id", requestID), slogError(err))
			writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "failed to read events"})
			return
		}
		if found != nil {
			events = found
		}
	}
	writeJSON(w, http.StatusOK, EventsResponse{RequestID: requestID, Events: events})
}

// decodeJSON reads a size-limited JSON body into v. On failure it writes the
// error response and returns false.
func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, ErrorResponse{Error: "request body too large"})
			return false
		}
		s.logger.Warn("failed to decode request body", slog.String("path", r.URL.Path), slogError(err))
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid JSON body"})
		return false
	}
	return true
}

type responseSink struct {
	w  http.ResponseWriter
	rc *http.ResponseController
}

func (s *responseSink) Write(p []byte) (int, error) {
	return s.w.Write(p)
}

func (s *responseSink) Flush() {
	_ = s.rc.Flush()
}

func isTextUpload(contentType, filename string) bool {
	if mediaType, _, err := mime.ParseMediaType(contentType); err == nil && strings.HasPrefix(mediaType, "text/") {
		return true
	}
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".txt", ".md", ".markdown":
		return true
	}
	return false
}

func truncateRunes(s string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	n := 0
	for i := range s {
		if n == limit {
			return s[:i]
		}
		n++
	}
	return s
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
