package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/loqalabs/loqa-narrator/internal/audiocache"
	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/eventstore"
	"github.com/loqalabs/loqa-narrator/internal/pipeline"
	"github.com/loqalabs/loqa-narrator/internal/tts"
	"github.com/rs/cors"
)

// Runner drives one streamed request. *pipeline.Controller implements it.
type Runner interface {
	Run(ctx context.Context, job pipeline.Job, sink pipeline.LiveSink) (pipeline.Result, error)
}

type VoiceLister interface {
	List() ([]tts.Voice, error)
}

type EventLister interface {
	ListRequestEvents(ctx context.Context, requestID string, limit int) ([]eventstore.Event, error)
}

// Deps are the collaborators behind the HTTP surface. Synthesizer and Events
// may be nil.
type Deps struct {
	Runner      Runner
	Cache       *audiocache.Cache
	Synthesizer tts.Synthesizer
	Voices      tts.Resolver
	Catalog     VoiceLister
	Events      EventLister
}

// Server handles the /api routes.
type Server struct {
	cfg     config.Config
	logger  *slog.Logger
	deps    Deps
	handler http.Handler
}

func New(cfg config.Config, logger *slog.Logger, deps Deps) *Server {
	s := &Server{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "api")),
		deps:   deps,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/chat", s.handleChat)
	mux.HandleFunc("POST /api/analyze", s.handleAnalyze)
	mux.HandleFunc("GET /api/audio/{requestID}", s.handleAudio)
	mux.HandleFunc("GET /api/voices", s.handleVoices)
	mux.HandleFunc("POST /api/speak", s.handleSpeak)
	mux.HandleFunc("GET /api/requests/{requestID}/events", s.handleEvents)

	s.handler = cors.New(cors.Options{
		AllowedOrigins: cfg.HTTP.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
		ExposedHeaders: []string{headerRequestID},
	}).Handler(mux)
	return s
}

// Handler returns the routes wrapped in the CORS policy.
func (s *Server) Handler() http.Handler {
	return s.handler
}
