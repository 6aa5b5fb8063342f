package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/api"
	"github.com/loqalabs/loqa-narrator/internal/audiocache"
	"github.com/loqalabs/loqa-narrator/internal/bus"
	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/eventstore"
	"github.com/loqalabs/loqa-narrator/internal/llm"
	"github.com/loqalabs/loqa-narrator/internal/natsserver"
	"github.com/loqalabs/loqa-narrator/internal/pipeline"
	"github.com/loqalabs/loqa-narrator/internal/tts"
)

type Runtime struct {
	cfg         config.Config
	version     string
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup

	natsServer *natsserver.EmbeddedServer
	bus        *bus.Client
	store      *eventstore.Store
	cache      *audiocache.Cache
	pipeline   *pipeline.Controller
	ttsService *tts.Service
}

func New(cfg config.Config, logger *slog.Logger, version string) *Runtime {
	return &Runtime{
		cfg:     cfg,
		version: version,
		logger:  logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.version, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	handler, err := r.setup(ctx, metricsHandler)
	if err != nil {
		r.teardown(context.Background())
		return err
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
			cancel()
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()
	r.teardown(shutdownCtx)
	return nil
}

// setup builds every component and returns the root HTTP handler.
func (r *Runtime) setup(ctx context.Context, metricsHandler http.Handler) (http.Handler, error) {
	ns, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return nil, fmt.Errorf("start embedded nats: %w", err)
	}
	r.natsServer = ns
	busCfg := r.cfg.Bus
	if ns != nil {
		busCfg.Servers = []string{ns.ClientURL()}
	}
	if busCfg.Enabled {
		client, err := bus.Connect(ctx, busCfg, r.logger)
		if err != nil {
			return nil, err
		}
		r.bus = client
	}

	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return nil, fmt.Errorf("open event store: %w", err)
	}
	r.store = store

	r.cache = audiocache.New(audiocache.Options{
		MaxEntries: r.cfg.Cache.MaxEntries,
		TTL:        time.Duration(r.cfg.Cache.TTLMS) * time.Millisecond,
	}, r.logger)

	generator, err := llm.New(r.cfg.LLM)
	if err != nil {
		return nil, fmt.Errorf("init llm: %w", err)
	}
	synth, voices, err := newSynthesizer(r.cfg.TTS)
	if err != nil {
		return nil, fmt.Errorf("init tts: %w", err)
	}
	catalog := tts.NewCatalog(r.cfg.TTS.VoicesDir, r.cfg.TTS.DefaultVoice)

	var notifier pipeline.Notifier
	if r.bus != nil {
		notifier = r.bus
	}
	r.pipeline, err = pipeline.New(pipeline.Options{
		Generator:      generator,
		Defaults:       llm.OptionsFromConfig(r.cfg.LLM),
		Synthesizer:    synth,
		Voices:         voices,
		Cache:          r.cache,
		Notifier:       notifier,
		Recorder:       store,
		RequestTimeout: time.Duration(r.cfg.Pipeline.RequestTimeoutMS) * time.Millisecond,
		Logger:         r.logger,
	})
	if err != nil {
		return nil, err
	}

	if r.bus != nil && synth != nil {
		r.ttsService = tts.NewService(ctx, r.bus, synth, voices, r.logger)
		if err := r.ttsService.Start(); err != nil {
			return nil, fmt.Errorf("start tts service: %w", err)
		}
	}

	apiServer := api.New(r.cfg, r.logger, api.Deps{
		Runner:      r.pipeline,
		Cache:       r.cache,
		Synthesizer: synth,
		Voices:      voices,
		Catalog:     catalog,
		Events:      store,
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}
	mux.Handle("/api/", apiServer.Handler())
	return mux, nil
}

// newSynthesizer returns nil when synthesis is disabled. Mock mode accepts
// any voice id so it runs without model files.
func newSynthesizer(cfg config.TTSConfig) (tts.Synthesizer, tts.Resolver, error) {
	if !cfg.Enabled {
		return nil, tts.NewCatalog(cfg.VoicesDir, cfg.DefaultVoice), nil
	}
	var (
		synth  tts.Synthesizer
		voices tts.Resolver
	)
	switch cfg.Mode {
	case "exec":
		s, err := tts.NewExecSynth(cfg.Command, time.Duration(cfg.TimeoutMS)*time.Millisecond)
		if err != nil {
			return nil, nil, err
		}
		synth = s
		voices = tts.NewCatalog(cfg.VoicesDir, cfg.DefaultVoice)
	case "mock", "":
		synth = tts.NewMockSynth(22050, 0, cfg.MockFailOn...)
		voices = tts.AnyVoice{}
	default:
		return nil, nil, fmt.Errorf("unknown tts mode %q", cfg.Mode)
	}
	return tts.Limit(synth, cfg.MaxConcurrency), voices, nil
}

// teardown releases components in reverse start order. Background synthesis
// is cancelled and every pending audio entry is completed before the bus and
// store go away.
func (r *Runtime) teardown(ctx context.Context) {
	if r.ttsService != nil {
		r.ttsService.Close()
	}
	if r.pipeline != nil {
		r.pipeline.Close()
	}
	if r.bus != nil {
		r.bus.Close()
	}
	r.natsServer.Shutdown()
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Error("event store close error", slog.String("error", err.Error()))
		}
	}
	if r.tracerClose != nil {
		if err := r.tracerClose(ctx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && (!r.cfg.Bus.Enabled || r.bus.Healthy()) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
