package llm

import (
	"context"
	"strings"
	"time"
)

type mockGenerator struct {
	delay time.Duration
}

// NewMockGenerator streams a canned answer word by word.
func NewMockGenerator(delay time.Duration) Generator { return &mockGenerator{delay: delay} }

func (m *mockGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	prompt := strings.Join(strings.Fields(req.Prompt), " ")
	if len(prompt) > 80 {
		prompt = prompt[:80]
	}
	answer := "This is a mock answer. You asked about: " + prompt + ". Each word arrives as its own fragment!"

	start := time.Now()
	words := strings.SplitAfter(answer, " ")
	for i, word := range words {
		if err := ctx.Err(); err != nil {
			return err
		}
		if m.delay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(m.delay):
			}
		}
		if err := consumer(Chunk{
			RequestID: req.RequestID,
			Content:   word,
			Done:      i == len(words)-1,
			Latency:   time.Since(start),
		}); err != nil {
			return err
		}
	}
	return nil
}
