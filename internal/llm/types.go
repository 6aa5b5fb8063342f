package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/config"
)

// Request describes a language model prompt.
type Request struct {
	RequestID   string
	Prompt      string
	System      string
	Model       string
	MaxTokens   int
	Temperature float64
}

// Chunk represents streamed model output.
type Chunk struct {
	RequestID        string
	Content          string
	Done             bool
	PromptTokens     int
	CompletionTokens int
	Latency          time.Duration
}

// Generator defines a pluggable LLM backend. Generate calls consumer for
// every chunk in order; a nil return means the stream ended normally.
type Generator interface {
	Generate(ctx context.Context, req Request, consumer func(Chunk) error) error
}

// New builds the generator selected by cfg.Mode, bounded by cfg.TimeoutMS.
func New(cfg config.LLMConfig) (Generator, error) {
	var gen Generator
	switch cfg.Mode {
	case "mock", "":
		gen = NewMockGenerator(15 * time.Millisecond)
	case "ollama":
		gen = NewOllamaGenerator(cfg.Endpoint, cfg.Model)
	case "exec":
		var err error
		if gen, err = NewExecGenerator(cfg.Command); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown llm mode %q", cfg.Mode)
	}
	return WithTimeout(gen, time.Duration(cfg.TimeoutMS)*time.Millisecond), nil
}

// OptionsFromConfig builds request defaults from config.
func OptionsFromConfig(cfg config.LLMConfig) Request {
	return Request{
		Model:       cfg.Model,
		System:      cfg.System,
		MaxTokens:   cfg.MaxTokens,
		Temperature: cfg.Temperature,
	}
}
