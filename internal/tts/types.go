package tts

import (
	"context"
	"encoding/base64"
	"errors"
	"time"
)

var (
	// ErrVoiceNotFound is returned when a voice id does not map to a model file.
	ErrVoiceNotFound = errors.New("voice model not found")
	// ErrSynthesisFailed is returned when a single synthesis invocation fails.
	ErrSynthesisFailed = errors.New("speech synthesis failed")
)

// SynthRequest contains parameters to synthesize one sentence.
type SynthRequest struct {
	RequestID string
	Text      string
	ModelPath string
}

// Audio is an encoded WAV payload.
type Audio struct {
	Data       []byte
	SampleRate int
	Channels   int
	Duration   time.Duration
}

// Base64 returns the transport encoding served to pollers.
func (a Audio) Base64() string {
	return base64.StdEncoding.EncodeToString(a.Data)
}

// Synthesizer turns one sentence into audio. Implementations must be safe
// for concurrent use by independent requests.
type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthRequest) (Audio, error)
}

// Resolver maps a voice id to a model path.
type Resolver interface {
	Resolve(voiceID string) (string, error)
}
