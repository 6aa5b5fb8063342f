package tts

import "context"

type limitedSynth struct {
	next  Synthesizer
	slots chan struct{}
}

// Limit caps the number of concurrent invocations of next across all
// requests. n <= 0 returns next unchanged.
func Limit(next Synthesizer, n int) Synthesizer {
	if n <= 0 {
		return next
	}
	return &limitedSynth{next: next, slots: make(chan struct{}, n)}
}

func (l *limitedSynth) Synthesize(ctx context.Context, req SynthRequest) (Audio, error) {
	select {
	case l.slots <- struct{}{}:
	case <-ctx.Done():
		return Audio{}, ctx.Err()
	}
	defer func() { <-l.slots }()
	return l.next.Synthesize(ctx, req)
}
