package runtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/tts"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig(t *testing.T) config.Config {
	cfg := config.Default()
	cfg.EventStore.Path = filepath.Join(t.TempDir(), "events.db")
	cfg.Bus.StoreDir = t.TempDir()
	return cfg
}

func TestSetupServesHealthAndAPI(t *testing.T) {
	rt := New(testConfig(t), newLogger(), "test")
	handler, err := rt.setup(context.Background(), nil)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	t.Cleanup(func() { rt.teardown(context.Background()) })

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("healthz: expected 200, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz before start: expected 503, got %d", w.Code)
	}
	rt.ready.Store(true)
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("readyz: expected 200, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(`{"message":"status?"}`)))
	if w.Code != http.StatusOK {
		t.Fatalf("chat: expected 200, got %d", w.Code)
	}
	requestID := w.Header().Get("X-Request-ID")
	rt.pipeline.Wait()

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/audio/"+requestID, nil))
	var audio struct {
		AudioChunks []string `json:"audioChunks"`
		IsComplete  bool     `json:"isComplete"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &audio); err != nil {
		t.Fatalf("decode audio: %v", err)
	}
	if !audio.IsComplete || len(audio.AudioChunks) == 0 {
		t.Fatalf("expected completed audio, got %+v", audio)
	}

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/requests/"+requestID+"/events", nil))
	var events struct {
		Events []struct {
			Type string `json:"type"`
		} `json:"events"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &events); err != nil {
		t.Fatalf("decode events: %v", err)
	}
	if len(events.Events) != 3 || events.Events[0].Type != "prompt" || events.Events[2].Type != "audio.complete" {
		t.Fatalf("unexpected persisted events %+v", events.Events)
	}
}

func TestSetupMockSynthSkipsConfiguredSentences(t *testing.T) {
	cfg := testConfig(t)
	cfg.TTS.MockFailOn = []string{"This is a mock answer."}
	rt := New(cfg, newLogger(), "test")
	handler, err := rt.setup(context.Background(), nil)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	t.Cleanup(func() { rt.teardown(context.Background()) })

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(`{"message":"hello","context":"notes"}`)))
	if w.Code != http.StatusOK {
		t.Fatalf("chat: expected 200, got %d", w.Code)
	}
	requestID := w.Header().Get("X-Request-ID")
	rt.pipeline.Wait()

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/audio/"+requestID, nil))
	var audio struct {
		AudioChunks []string `json:"audioChunks"`
		IsComplete  bool     `json:"isComplete"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &audio); err != nil {
		t.Fatalf("decode audio: %v", err)
	}
	if !audio.IsComplete || len(audio.AudioChunks) != 2 {
		t.Fatalf("expected 2 of 3 sentences synthesized, got %d complete=%v", len(audio.AudioChunks), audio.IsComplete)
	}
}

func TestSetupWithEmbeddedBus(t *testing.T) {
	cfg := testConfig(t)
	cfg.Bus.Enabled = true
	cfg.Bus.Port = -1
	rt := New(cfg, newLogger(), "test")
	handler, err := rt.setup(context.Background(), nil)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	t.Cleanup(func() { rt.teardown(context.Background()) })

	if rt.ttsService == nil || !rt.ttsService.Healthy() {
		t.Fatal("expected bus speak service to be running")
	}
	rt.ready.Store(true)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("readyz: expected 200, got %d", w.Code)
	}
}

func TestNewSynthesizerModes(t *testing.T) {
	cfg := config.Default().TTS

	synth, voices, err := newSynthesizer(cfg)
	if err != nil || synth == nil {
		t.Fatalf("mock: %v", err)
	}
	if _, ok := voices.(tts.AnyVoice); !ok {
		t.Fatalf("mock mode should accept any voice, got %T", voices)
	}

	cfg.Mode = "exec"
	cfg.Command = "/bin/piper --quiet"
	if synth, voices, err = newSynthesizer(cfg); err != nil || synth == nil {
		t.Fatalf("exec: %v", err)
	}
	if _, ok := voices.(*tts.Catalog); !ok {
		t.Fatalf("exec mode should resolve voices from the catalog, got %T", voices)
	}

	cfg.Enabled = false
	if synth, _, err = newSynthesizer(cfg); err != nil || synth != nil {
		t.Fatalf("disabled: expected nil synthesizer, got %v %v", synth, err)
	}

	cfg.Enabled = true
	cfg.Mode = "cloud"
	if _, _, err = newSynthesizer(cfg); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}
