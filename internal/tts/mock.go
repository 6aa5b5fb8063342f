package tts

import (
	"context"
	"fmt"
	"strings"
	"time"
)

type mockSynth struct {
	sampleRate int
	delay      time.Duration
	failOn     map[string]struct{}
}

// NewMockSynth returns a synthesizer that emits silence sized to the text,
// for development without a synthesis binary. Sentences listed in failOn
// fail with ErrSynthesisFailed.
func NewMockSynth(sampleRate int, delay time.Duration, failOn ...string) Synthesizer {
	m := &mockSynth{sampleRate: sampleRate, delay: delay, failOn: make(map[string]struct{}, len(failOn))}
	for _, text := range failOn {
		m.failOn[strings.TrimSpace(text)] = struct{}{}
	}
	return m
}

func (m *mockSynth) Synthesize(ctx context.Context, req SynthRequest) (Audio, error) {
	if err := ctx.Err(); err != nil {
		return Audio{}, err
	}
	if m.delay > 0 {
		select {
		case <-ctx.Done():
			return Audio{}, ctx.Err()
		case <-time.After(m.delay):
		}
	}
	if _, ok := m.failOn[strings.TrimSpace(req.Text)]; ok {
		return Audio{}, fmt.Errorf("%w: mock failure for %q", ErrSynthesisFailed, req.Text)
	}
	// 20ms of silence per character, 16-bit mono.
	samples := m.sampleRate / 50 * len(req.Text)
	data, err := EncodeWAV(make([]byte, samples*2), m.sampleRate, 1)
	if err != nil {
		return Audio{}, err
	}
	return DecodeWAV(data)
}

// AnyVoice accepts every voice id; used with the mock synthesizer.
type AnyVoice struct{}

func (AnyVoice) Resolve(voiceID string) (string, error) {
	return voiceID, nil
}
