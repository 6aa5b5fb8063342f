package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"

	"github.com/mattn/go-shellwords"
)

// execGenerator runs a command per request. The prompt is written to stdin
// as JSON and whatever the command prints on stdout is streamed as it
// arrives.
type execGenerator struct {
	cmd []string
}

func NewExecGenerator(command string) (Generator, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse llm command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("llm command empty")
	}
	return &execGenerator{cmd: args}, nil
}

func (g *execGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	payload := map[string]any{
		"prompt":      req.Prompt,
		"system":      req.System,
		"model":       req.Model,
		"max_tokens":  req.MaxTokens,
		"temperature": req.Temperature,
	}
	input, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	base := g.cmd[0]
	args := append([]string{}, g.cmd[1:]...)
	cmd := exec.CommandContext(ctx, base, args...)
	cmd.Stdin = bytes.NewReader(input)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start llm command: %w", err)
	}

	start := time.Now()
	buf := make([]byte, 512)
	var consumeErr error
	for {
		n, readErr := stdout.Read(buf)
		if n > 0 {
			consumeErr = consumer(Chunk{
				RequestID: req.RequestID,
				Content:   string(buf[:n]),
				Latency:   time.Since(start),
			})
			if consumeErr != nil {
				cancel()
				break
			}
		}
		if readErr != nil {
			if !errors.Is(readErr, io.EOF) {
				consumeErr = fmt.Errorf("read llm output: %w", readErr)
			}
			break
		}
	}

	waitErr := cmd.Wait()
	if consumeErr != nil {
		return consumeErr
	}
	if waitErr != nil {
		return fmt.Errorf("llm exec command failed: %w: %s", waitErr, strings.TrimSpace(stderr.String()))
	}
	return consumer(Chunk{RequestID: req.RequestID, Done: true, Latency: time.Since(start)})
}
